package realtime

import (
	"context"
	"sync"
	"time"

	"connmgr/internal/eventbus"
	"connmgr/internal/monitor"
	rtsup "connmgr/internal/runtime/supervisor"
	logx "connmgr/pkg/logx"
)

// TaskHealthSource reports monitored background tasks.
// *supervisor.Supervisor implements it.
type TaskHealthSource interface {
	HealthCheck() rtsup.TaskHealth
}

// MonitoringHealth is the combined health view served on /healthz.
type MonitoringHealth struct {
	Score     float64          `json:"score"`
	Status    monitor.Level    `json:"status"`
	Alerts    []string         `json:"alerts"`
	Tasks     rtsup.TaskHealth `json:"tasks"`
	Errors    ErrorStatistics  `json:"errors"`
	CheckedAt time.Time        `json:"checked_at"`
}

// Manager composes the Registry, Emitter, RecoveryQueue and Tracker.
// Construct one per process and pass it to whoever needs it.
type Manager struct {
	cfg    *configRef
	log    logx.Logger
	events eventbus.Bus
	tasks  TaskHealthSource

	users    *userTable
	registry *Registry
	emitter  *Emitter
	queue    *RecoveryQueue
	tracker  *Tracker

	// sup runs recovery replays started by AddConnection.
	sup *rtsup.Supervisor

	spawnMu sync.RWMutex
	closed  bool
}

type Option func(*Manager)

func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }

func WithEventBus(bus eventbus.Bus) Option { return func(m *Manager) { m.events = bus } }

func WithTaskHealth(src TaskHealthSource) Option { return func(m *Manager) { m.tasks = src } }

// NewManager builds a manager whose background replays live until ctx ends
// or Close is called.
func NewManager(ctx context.Context, cfg Config, opts ...Option) *Manager {
	m := &Manager{cfg: newConfigRef(cfg)}
	for _, o := range opts {
		o(m)
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}

	m.users = newUserTable()
	m.registry = newRegistry(m.users, m.log.With(logx.String("part", "registry")))
	m.tracker = newTracker(m.users, m.cfg)
	m.queue = newRecoveryQueue(m.users, m.cfg, m.log.With(logx.String("part", "recovery")), m.events)
	m.tracker.queue = m.queue
	m.emitter = newEmitter(m.registry, m.users, m.queue, m.tracker, m.cfg, m.log.With(logx.String("part", "emitter")))
	m.queue.deliver = m.emitter.replayLocked

	m.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))

	m.registry.OnAdd(m.onAdd)
	m.registry.OnRemove(m.onRemove)
	return m
}

func (m *Manager) onAdd(c *Connection) {
	m.publish(EventConnAdded, map[string]any{"user_id": c.UserID, "conn_id": c.ID})

	m.spawnMu.RLock()
	defer m.spawnMu.RUnlock()
	if m.closed {
		return
	}
	userID := c.UserID
	m.sup.Go("recovery.replay", func(ctx context.Context) error {
		m.queue.AttemptRecovery(ctx, userID)
		return nil
	})
}

func (m *Manager) onRemove(c *Connection) {
	m.publish(EventConnRemoved, map[string]any{"user_id": c.UserID, "conn_id": c.ID})
}

func (m *Manager) publish(typ string, data map[string]any) {
	if m.events == nil {
		return
	}
	m.events.Publish(eventbus.Event{Type: typ, Data: data})
}

// Apply swaps the live configuration. Queue bounds and history sizes take
// effect on the next write to each user.
func (m *Manager) Apply(cfg Config) {
	m.cfg.set(cfg)
	cur := m.cfg.get()
	m.emitter.setFailureLogRate(cur.FailureLogRatePerSec)
	m.queue.setReplayRate(cur.ReplayRatePerSec)
}

func (m *Manager) Config() Config { return m.cfg.get() }

func (m *Manager) Registry() *Registry { return m.registry }

func (m *Manager) Emitter() *Emitter { return m.emitter }

func (m *Manager) RecoveryQueue() *RecoveryQueue { return m.queue }

func (m *Manager) Tracker() *Tracker { return m.tracker }

// ReplayGoroutines reports the supervisor running recovery replays.
func (m *Manager) ReplayGoroutines() rtsup.SupervisorSnapshot { return m.sup.Snapshot() }

func (m *Manager) AddConnection(c *Connection) error {
	m.spawnMu.RLock()
	closed := m.closed
	m.spawnMu.RUnlock()
	if closed {
		return ErrManagerClosed
	}
	if err := m.registry.Add(c); err != nil {
		return err
	}
	// Close may have swept the registry between the check and Add.
	m.spawnMu.RLock()
	closed = m.closed
	m.spawnMu.RUnlock()
	if closed {
		m.registry.Remove(c.ID)
		return ErrManagerClosed
	}
	return nil
}

func (m *Manager) RemoveConnection(connID string) bool { return m.registry.Remove(connID) }

func (m *Manager) SendToUser(ctx context.Context, userID string, msg Message) error {
	return m.emitter.SendToUser(ctx, userID, msg)
}

func (m *Manager) EmitCriticalEvent(ctx context.Context, userID, eventType string, data any) error {
	return m.emitter.EmitCriticalEvent(ctx, userID, eventType, data)
}

func (m *Manager) Broadcast(ctx context.Context, msg Message) (BroadcastResult, error) {
	return m.emitter.Broadcast(ctx, msg)
}

func (m *Manager) ConnectionHealth(userID string) ConnectionHealth { return m.registry.Health(userID) }

func (m *Manager) Stats() Stats { return m.registry.Stats() }

func (m *Manager) ErrorStatistics() ErrorStatistics { return m.tracker.Statistics() }

func (m *Manager) AttemptMessageRecovery(ctx context.Context, userID string) int {
	return m.queue.AttemptRecovery(ctx, userID)
}

func (m *Manager) WaitForConnection(ctx context.Context, userID string, timeout time.Duration) bool {
	return m.registry.WaitForConnection(ctx, userID, timeout)
}

// MonitoringHealthStatus scores task health and the delivery error rate.
func (m *Manager) MonitoringHealthStatus() MonitoringHealth {
	var th rtsup.TaskHealth
	if m.tasks != nil {
		th = m.tasks.HealthCheck()
	}
	if th.Healthy == nil {
		th.Healthy = []string{}
	}
	if th.Unhealthy == nil {
		th.Unhealthy = []string{}
	}
	errs := m.tracker.Statistics()
	st := monitor.Evaluate(monitor.Inputs{
		TotalTasks:      len(th.Healthy) + len(th.Unhealthy),
		UnhealthyTasks:  th.Unhealthy,
		ErrorRate:       errs.ErrorRate,
		DroppedMessages: errs.DroppedMessages,
	}, m.cfg.get().Health)

	return MonitoringHealth{
		Score:     st.Score,
		Status:    st.Level,
		Alerts:    st.Alerts,
		Tasks:     th,
		Errors:    errs,
		CheckedAt: time.Now(),
	}
}

// Close stops pending replays, then removes and closes every connection.
func (m *Manager) Close(ctx context.Context) error {
	m.spawnMu.Lock()
	if m.closed {
		m.spawnMu.Unlock()
		return nil
	}
	m.closed = true
	m.spawnMu.Unlock()

	err := m.sup.Stop(ctx)

	conns := m.registry.All()
	for _, c := range conns {
		if m.registry.Remove(c.ID) {
			_ = c.Close()
		}
	}
	m.log.Info("realtime manager closed", logx.Int("closed_conns", len(conns)))
	return err
}
