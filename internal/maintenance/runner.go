// Package maintenance runs the periodic upkeep jobs of the realtime manager
// as monitored supervisor tasks.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"connmgr/internal/monitor"
	"connmgr/internal/realtime"
	"connmgr/internal/runtime/supervisor"
	logx "connmgr/pkg/logx"
)

const (
	JobStaleSweep   = "stale-sweep"
	JobQueueGC      = "queue-gc"
	JobErrorCleanup = "error-cleanup"
	JobHealthWatch  = "health-watch"
)

var ErrUnknownJob = errors.New("unknown maintenance job")

// Config is the resolved maintenance configuration.
type Config struct {
	StaleSweep   string
	QueueGC      string
	ErrorCleanup string
	HealthWatch  string
	Location     *time.Location

	PingTimeout    time.Duration
	EntryTTL       time.Duration
	ErrorRetention time.Duration

	// Heartbeat is how often an idle job loop beats. It must stay below the
	// supervisor's stale window.
	Heartbeat time.Duration
}

func DefaultConfig() Config {
	return Config{
		StaleSweep:     "30s",
		QueueGC:        "1m",
		ErrorCleanup:   "5m",
		HealthWatch:    "10s",
		PingTimeout:    5 * time.Second,
		EntryTTL:       time.Hour,
		ErrorRetention: time.Hour,
		Heartbeat:      5 * time.Second,
	}
}

// Transition is called by health-watch when the status level changes.
type Transition func(prev, cur realtime.MonitoringHealth)

type Option func(*Runner)

func WithLogger(log logx.Logger) Option { return func(r *Runner) { r.log = log } }

// WithTransition installs the health-watch status change hook.
func WithTransition(fn Transition) Option { return func(r *Runner) { r.onTransition = fn } }

// WithWatchdog installs a callback health-watch runs after every check whose
// status is not critical.
func WithWatchdog(fn func()) Option { return func(r *Runner) { r.watchdog = fn } }

// JobStatus is the per-job view served by the ops server.
type JobStatus struct {
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule"`
	Runs       uint64    `json:"runs"`
	Failures   uint64    `json:"failures"`
	LastRunAt  time.Time `json:"last_run_at,omitempty"`
	LastResult int       `json:"last_result"`
	LastError  string    `json:"last_error,omitempty"`
	NextRunAt  time.Time `json:"next_run_at,omitempty"`
}

// Runner owns the maintenance jobs.
type Runner struct {
	mgr *realtime.Manager
	sup *supervisor.Supervisor
	log logx.Logger

	onTransition Transition
	watchdog     func()

	mu     sync.Mutex
	cfg    Config
	scheds map[string]Schedule
	status map[string]*JobStatus
	wake   map[string]chan struct{}

	lastLevel  monitor.Level
	lastHealth realtime.MonitoringHealth
}

func New(mgr *realtime.Manager, sup *supervisor.Supervisor, cfg Config, opts ...Option) (*Runner, error) {
	r := &Runner{
		mgr:    mgr,
		sup:    sup,
		status: map[string]*JobStatus{},
		wake:   map[string]chan struct{}{},
	}
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	for _, name := range jobNames() {
		r.status[name] = &JobStatus{Name: name}
		r.wake[name] = make(chan struct{}, 1)
	}
	if err := r.Apply(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

func jobNames() []string {
	return []string{JobStaleSweep, JobQueueGC, JobErrorCleanup, JobHealthWatch}
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.StaleSweep == "" {
		cfg.StaleSweep = def.StaleSweep
	}
	if cfg.QueueGC == "" {
		cfg.QueueGC = def.QueueGC
	}
	if cfg.ErrorCleanup == "" {
		cfg.ErrorCleanup = def.ErrorCleanup
	}
	if cfg.HealthWatch == "" {
		cfg.HealthWatch = def.HealthWatch
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = def.EntryTTL
	}
	if cfg.ErrorRetention <= 0 {
		cfg.ErrorRetention = def.ErrorRetention
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}
	return cfg
}

// ParseSchedules validates every schedule in cfg.
func ParseSchedules(cfg Config) (map[string]Schedule, error) {
	cfg = withDefaults(cfg)
	raw := map[string]string{
		JobStaleSweep:   cfg.StaleSweep,
		JobQueueGC:      cfg.QueueGC,
		JobErrorCleanup: cfg.ErrorCleanup,
		JobHealthWatch:  cfg.HealthWatch,
	}
	out := make(map[string]Schedule, len(raw))
	var errs []error
	for _, name := range jobNames() {
		s, err := ParseSchedule(raw[name], cfg.Location)
		if err != nil {
			errs = append(errs, errors.New("maintenance."+underscore(name)+": "+err.Error()))
			continue
		}
		out[name] = s
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func underscore(name string) string {
	b := []byte(name)
	for i := range b {
		if b[i] == '-' {
			b[i] = '_'
		}
	}
	return string(b)
}

// Apply swaps schedules and job parameters. Running loops pick the change
// up immediately.
func (r *Runner) Apply(cfg Config) error {
	cfg = withDefaults(cfg)
	scheds, err := ParseSchedules(cfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cfg = cfg
	r.scheds = scheds
	for name, s := range scheds {
		r.status[name].Schedule = s.String()
	}
	r.mu.Unlock()

	for _, ch := range r.wake {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Start registers every job as a monitored task.
func (r *Runner) Start() error {
	for _, name := range jobNames() {
		name := name
		if err := r.sup.StartMonitoredTask(name, func(ctx context.Context, beat func()) error {
			return r.loop(ctx, name, beat)
		}); err != nil {
			return err
		}
	}
	r.log.Info("maintenance started", logx.Int("jobs", len(jobNames())))
	return nil
}

// Stop stops every job task.
func (r *Runner) Stop(ctx context.Context) error {
	var errs []error
	for _, name := range jobNames() {
		if err := r.sup.StopTask(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) loop(ctx context.Context, name string, beat func()) error {
	wake := r.wake[name]
	var next time.Time
	reschedule := true
	for {
		beat()
		r.mu.Lock()
		sched := r.scheds[name]
		hb := r.cfg.Heartbeat
		r.mu.Unlock()

		now := time.Now()
		if reschedule {
			next = sched.Next(now)
			r.setNext(name, next)
			reschedule = false
		}
		if !next.IsZero() && !now.Before(next) {
			r.runOnce(ctx, name, beat)
			reschedule = true
			continue
		}

		wait := hb
		if !next.IsZero() {
			wait = min(wait, next.Sub(now))
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-wake:
			t.Stop()
			reschedule = true
		case <-t.C:
		}
	}
}

func (r *Runner) setNext(name string, next time.Time) {
	r.mu.Lock()
	r.status[name].NextRunAt = next
	r.mu.Unlock()
}

// RunNow runs one job synchronously, outside its schedule.
func (r *Runner) RunNow(ctx context.Context, name string) (int, error) {
	if _, ok := r.status[name]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return r.runOnce(ctx, name, func() {})
}

// runOnce runs one job. Long jobs call beat as they make progress so the
// supervisor does not mistake a slow run for a hung task.
func (r *Runner) runOnce(ctx context.Context, name string, beat func()) (int, error) {
	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	start := time.Now()
	var n int
	var err error
	switch name {
	case JobStaleSweep:
		n, err = r.staleSweep(ctx, cfg.PingTimeout, beat)
	case JobQueueGC:
		n = r.mgr.RecoveryQueue().Cleanup(start.Add(-cfg.EntryTTL))
	case JobErrorCleanup:
		n = r.mgr.Tracker().Cleanup(start.Add(-cfg.ErrorRetention))
	case JobHealthWatch:
		r.healthWatch()
	}

	r.mu.Lock()
	st := r.status[name]
	st.Runs++
	st.LastRunAt = start
	st.LastResult = n
	st.LastError = ""
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	}
	r.mu.Unlock()

	if err != nil {
		r.log.Warn("maintenance job failed", logx.String("job", name), logx.Err(err))
	} else if n > 0 {
		r.log.Debug("maintenance job done", logx.String("job", name), logx.Int("affected", n), logx.Duration("took", time.Since(start)))
	}
	return n, err
}

// Jobs returns every job's status sorted by name.
func (r *Runner) Jobs() []JobStatus {
	r.mu.Lock()
	out := make([]JobStatus, 0, len(r.status))
	for _, st := range r.status {
		out = append(out, *st)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LastHealth is the most recent health-watch evaluation.
func (r *Runner) LastHealth() realtime.MonitoringHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastHealth
}
