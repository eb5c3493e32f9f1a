package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	logx "connmgr/pkg/logx"
)

// TaskStatus is the lifecycle state of a monitored task.
type TaskStatus string

const (
	TaskRegistered TaskStatus = "registered"
	TaskRunning    TaskStatus = "running"
	TaskFailed     TaskStatus = "failed"
	TaskStopped    TaskStatus = "stopped"
)

// TaskFunc is the body of a monitored task. It must call beat at least once
// per stale window while it is alive.
type TaskFunc func(ctx context.Context, beat func()) error

var ErrDuplicateTask = errors.New("task already registered")

// TaskRecord is a point-in-time copy of one task's state.
type TaskRecord struct {
	Name          string     `json:"name"`
	Status        TaskStatus `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	FailureCount  int        `json:"failure_count"`
	LastError     string     `json:"last_error,omitempty"`
	StoppedAt     time.Time  `json:"stopped_at,omitempty"`
}

// TaskHealth splits live tasks by heartbeat freshness. Stopped tasks are
// left out of both lists.
type TaskHealth struct {
	Healthy   []string `json:"healthy"`
	Unhealthy []string `json:"unhealthy"`
}

type monitoredTask struct {
	rec           TaskRecord
	cancel        context.CancelFunc
	done          chan struct{}
	stopRequested bool
}

// WithHeartbeat sets how often the monitor sweeps and how old a heartbeat
// may get before its task is marked failed.
func WithHeartbeat(every, staleAfter time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.setHeartbeat(every, staleAfter) }
}

// SetHeartbeat changes the sweep cadence of a running supervisor.
func (s *Supervisor) SetHeartbeat(every, staleAfter time.Duration) {
	s.tasksMu.Lock()
	s.setHeartbeat(every, staleAfter)
	s.tasksMu.Unlock()
}

func (s *Supervisor) setHeartbeat(every, staleAfter time.Duration) {
	if every > 0 {
		s.heartbeatEvery = every
	}
	if staleAfter > 0 {
		s.staleAfter = staleAfter
	}
}

// StartMonitoredTask runs fn under name until it returns, StopTask is called
// or the supervisor stops. Names are unique for the supervisor's lifetime.
func (s *Supervisor) StartMonitoredTask(name string, fn TaskFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("task name is empty")
	}
	if fn == nil {
		return fmt.Errorf("task %q: nil func", name)
	}

	s.tasksMu.Lock()
	if _, ok := s.tasks[name]; ok {
		s.tasksMu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
	}
	ctx, cancel := context.WithCancel(s.ctx)
	t := &monitoredTask{
		rec:    TaskRecord{Name: name, Status: TaskRegistered},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.tasks[name] = t
	s.tasksMu.Unlock()

	s.Go0("task."+name, func(context.Context) { s.runTask(ctx, t, fn) })
	return nil
}

func (s *Supervisor) runTask(ctx context.Context, t *monitoredTask, fn TaskFunc) {
	defer close(t.done)
	defer t.cancel()

	now := time.Now()
	s.tasksMu.Lock()
	if t.rec.Status == TaskRegistered {
		t.rec.Status = TaskRunning
		t.rec.StartedAt = now
		t.rec.LastHeartbeat = now
	}
	s.tasksMu.Unlock()

	beat := func() {
		s.tasksMu.Lock()
		if t.rec.Status == TaskRunning {
			t.rec.LastHeartbeat = time.Now()
		}
		s.tasksMu.Unlock()
	}

	err, pan := func() (err error, pan any) {
		defer func() {
			if r := recover(); r != nil {
				pan = r
				s.log.Error("task panicked", logx.String("task", t.rec.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		return fn(ctx, beat), nil
	}()
	if pan != nil {
		err = fmt.Errorf("panic: %v", pan)
	}

	s.tasksMu.Lock()
	name := t.rec.Name
	finished := t.rec.Status
	if finished == TaskRunning || finished == TaskRegistered {
		clean := err == nil || (errors.Is(err, context.Canceled) && (t.stopRequested || ctx.Err() != nil))
		if pan == nil && clean {
			finished = TaskStopped
		} else {
			finished = TaskFailed
			t.rec.FailureCount++
			t.rec.LastError = err.Error()
		}
		t.rec.Status = finished
		t.rec.StoppedAt = time.Now()
	}
	s.tasksMu.Unlock()

	if finished == TaskFailed {
		s.log.Warn("task failed", logx.String("task", name), logx.Err(err))
	} else {
		s.log.Debug("task stopped", logx.String("task", name))
	}
}

// StopTask cancels name and waits for it to return. Unknown or finished
// tasks are a no-op.
func (s *Supervisor) StopTask(ctx context.Context, name string) error {
	s.tasksMu.Lock()
	t := s.tasks[strings.TrimSpace(name)]
	if t != nil && (t.rec.Status == TaskRunning || t.rec.Status == TaskRegistered) {
		t.stopRequested = true
	}
	s.tasksMu.Unlock()
	if t == nil {
		return nil
	}

	t.cancel()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartMonitoring starts the stale-heartbeat sweep. Calls after the first
// are no-ops.
func (s *Supervisor) StartMonitoring() {
	s.monitorOnce.Do(func() {
		s.Go0("task.monitor", s.monitorLoop)
	})
}

func (s *Supervisor) monitorLoop(ctx context.Context) {
	for {
		s.tasksMu.Lock()
		every := s.heartbeatEvery
		s.tasksMu.Unlock()

		t := time.NewTimer(every)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		s.sweep(time.Now())
	}
}

// sweep marks running tasks with stale heartbeats as failed and cancels them.
func (s *Supervisor) sweep(now time.Time) []string {
	var stale []string
	var cancels []context.CancelFunc

	s.tasksMu.Lock()
	for name, t := range s.tasks {
		if t.rec.Status != TaskRunning {
			continue
		}
		age := now.Sub(t.rec.LastHeartbeat)
		if age <= s.staleAfter {
			continue
		}
		t.rec.Status = TaskFailed
		t.rec.FailureCount++
		t.rec.LastError = fmt.Sprintf("no heartbeat for %s", age.Truncate(time.Millisecond))
		t.rec.StoppedAt = now
		stale = append(stale, name)
		cancels = append(cancels, t.cancel)
	}
	s.tasksMu.Unlock()

	for _, c := range cancels {
		c()
	}
	sort.Strings(stale)
	for _, name := range stale {
		s.log.Warn("task heartbeat stale", logx.String("task", name))
	}
	return stale
}

// HealthCheck reports running tasks with a fresh heartbeat as healthy and
// failed or stale ones as unhealthy.
func (s *Supervisor) HealthCheck() TaskHealth {
	now := time.Now()
	h := TaskHealth{Healthy: []string{}, Unhealthy: []string{}}

	s.tasksMu.Lock()
	for name, t := range s.tasks {
		switch t.rec.Status {
		case TaskRegistered:
			h.Healthy = append(h.Healthy, name)
		case TaskRunning:
			if now.Sub(t.rec.LastHeartbeat) > s.staleAfter {
				h.Unhealthy = append(h.Unhealthy, name)
			} else {
				h.Healthy = append(h.Healthy, name)
			}
		case TaskFailed:
			h.Unhealthy = append(h.Unhealthy, name)
		}
	}
	s.tasksMu.Unlock()

	sort.Strings(h.Healthy)
	sort.Strings(h.Unhealthy)
	return h
}

// Tasks returns every registered task sorted by name.
func (s *Supervisor) Tasks() []TaskRecord {
	if s == nil {
		return nil
	}
	s.tasksMu.Lock()
	out := make([]TaskRecord, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.rec)
	}
	s.tasksMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
