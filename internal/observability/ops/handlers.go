package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"connmgr/internal/maintenance"
	"connmgr/internal/monitor"
	"connmgr/internal/realtime"
	rtsup "connmgr/internal/runtime/supervisor"
	"connmgr/internal/storage"
	logx "connmgr/pkg/logx"
)

// TaskLister is implemented by *supervisor.Supervisor.
type TaskLister interface {
	Tasks() []rtsup.TaskRecord
}

// JobRunner is implemented by *maintenance.Runner.
type JobRunner interface {
	Jobs() []maintenance.JobStatus
	RunNow(ctx context.Context, name string) (int, error)
}

// DropCounter is implemented by eventbus.Bus.
type DropCounter interface {
	Dropped() uint64
}

// Deps are the components the ops API reads from. Only Manager is required.
type Deps struct {
	Manager *realtime.Manager
	Tasks   TaskLister
	Jobs    JobRunner
	Audit   storage.Store
	Events  DropCounter
}

type statsResponse struct {
	Connections realtime.Stats           `json:"connections"`
	Errors      realtime.ErrorStatistics `json:"errors"`
	Queue       realtime.QueueStats      `json:"queue"`
	Replays     rtsup.SupervisorCounters `json:"replays"`
	EventDrops  uint64                   `json:"event_drops"`
}

type userHealthResponse struct {
	UserID     string                    `json:"user_id"`
	Connection realtime.ConnectionHealth `json:"connection"`
	Errors     realtime.UserErrorStats   `json:"errors"`
	Queued     int                       `json:"queued"`
}

type recoverResponse struct {
	UserID    string `json:"user_id"`
	Delivered int    `json:"delivered"`
	Remaining int    `json:"remaining"`
}

type tasksResponse struct {
	Tasks []rtsup.TaskRecord      `json:"tasks"`
	Jobs  []maintenance.JobStatus `json:"jobs"`
}

// Handler builds the ops mux for cfg. It is what the server serves and
// what tests drive through httptest.
func (s *Service) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /users/{id}/health", s.handleUserHealth)
	mux.HandleFunc("POST /users/{id}/recover", s.handleRecover)
	mux.HandleFunc("GET /tasks", s.handleTasks)
	mux.HandleFunc("POST /jobs/{name}/run", s.handleRunJob)
	mux.HandleFunc("GET /audit", s.handleAudit)

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return withAuth(cfg.Token, mux)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.deps.Manager.MonitoringHealthStatus()
	code := http.StatusOK
	if h.Status == monitor.LevelCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	m := s.deps.Manager
	resp := statsResponse{
		Connections: m.Stats(),
		Errors:      m.ErrorStatistics(),
		Queue:       m.RecoveryQueue().Stats(),
		Replays:     m.ReplayGoroutines().Counters,
	}
	if s.deps.Events != nil {
		resp.EventDrops = s.deps.Events.Dropped()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleUserHealth(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "user id is required")
		return
	}
	m := s.deps.Manager
	writeJSON(w, http.StatusOK, userHealthResponse{
		UserID:     id,
		Connection: m.ConnectionHealth(id),
		Errors:     m.Tracker().UserErrors(id),
		Queued:     m.RecoveryQueue().Depth(id),
	})
}

func (s *Service) handleRecover(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "user id is required")
		return
	}
	m := s.deps.Manager
	delivered := m.AttemptMessageRecovery(r.Context(), id)
	resp := recoverResponse{UserID: id, Delivered: delivered, Remaining: m.RecoveryQueue().Depth(id)}

	s.log.Info("manual recovery",
		logx.String("user_id", id),
		logx.Int("delivered", resp.Delivered),
		logx.Int("remaining", resp.Remaining),
	)
	s.audit(r.Context(), storage.AuditEntry{
		Actor:    actorOf(r),
		Action:   storage.ActionRecover,
		Target:   "user:" + id,
		UserID:   id,
		OK:       true,
		MetaJSON: fmt.Sprintf(`{"delivered":%d,"remaining":%d}`, resp.Delivered, resp.Remaining),
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleTasks(w http.ResponseWriter, r *http.Request) {
	resp := tasksResponse{Tasks: []rtsup.TaskRecord{}, Jobs: []maintenance.JobStatus{}}
	if s.deps.Tasks != nil {
		resp.Tasks = append(resp.Tasks, s.deps.Tasks.Tasks()...)
	}
	if s.deps.Jobs != nil {
		resp.Jobs = append(resp.Jobs, s.deps.Jobs.Jobs()...)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusNotFound, "maintenance disabled")
		return
	}
	name := r.PathValue("name")
	n, err := s.deps.Jobs.RunNow(r.Context(), name)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, maintenance.ErrUnknownJob) {
			code = http.StatusNotFound
		}
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": name, "result": n})
}

func (s *Service) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeJSON(w, http.StatusOK, []storage.AuditEntry{})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := s.deps.Audit.RecentAudit(r.Context(), limit)
	if err != nil {
		if errors.Is(err, storage.ErrDisabled) {
			writeJSON(w, http.StatusOK, []storage.AuditEntry{})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []storage.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Service) audit(ctx context.Context, e storage.AuditEntry) {
	if s.deps.Audit == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if err := s.deps.Audit.AppendAudit(ctx, e); err != nil && !errors.Is(err, storage.ErrDisabled) {
		s.log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}

func actorOf(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get("X-Actor")); a != "" {
		return a
	}
	return "ops"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
