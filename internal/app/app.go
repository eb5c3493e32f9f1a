package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"connmgr/internal/config"
	"connmgr/internal/eventbus"
	"connmgr/internal/gateway"
	"connmgr/internal/maintenance"
	"connmgr/internal/monitor"
	"connmgr/internal/observability/ops"
	"connmgr/internal/realtime"
	rtsup "connmgr/internal/runtime/supervisor"
	"connmgr/internal/storage"
	logx "connmgr/pkg/logx"
)

// EventHealthTransition is published when health-watch sees a level change.
const EventHealthTransition = "health.transition"

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	// sup runs the app loops (config reload/watch, event forwarding).
	sup *rtsup.Supervisor
	// tasks runs heartbeat-monitored tasks and feeds the health score.
	tasks *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	sd    *sdNotifier

	mgr    *realtime.Manager
	maint  *maintenance.Runner
	gw     *gateway.Server
	opsSrv *ops.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	every, stale, _, err := mapHeartbeat(cfg)
	if err != nil {
		return nil, err
	}
	tasks := rtsup.NewSupervisor(context.Background(),
		rtsup.WithLogger(log.With(logx.String("comp", "tasks"))),
		rtsup.WithCancelOnError(false),
		rtsup.WithHeartbeat(every, stale),
	)

	rtCfg, err := mapRealtimeConfig(cfg)
	if err != nil {
		return nil, err
	}
	mgr := realtime.NewManager(context.Background(), rtCfg,
		realtime.WithLogger(log.With(logx.String("comp", "realtime"))),
		realtime.WithEventBus(bus),
		realtime.WithTaskHealth(tasks),
	)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		tasks:   tasks,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sd:      &sdNotifier{enabled: cfg.Systemd.Notify, log: log.With(logx.String("comp", "systemd"))},
		mgr:     mgr,
	}

	mcfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.maint, err = maintenance.New(mgr, tasks, mcfg,
		maintenance.WithLogger(log.With(logx.String("comp", "maintenance"))),
		maintenance.WithTransition(a.onHealthTransition),
		maintenance.WithWatchdog(a.sd.watchdog),
	)
	if err != nil {
		return nil, err
	}

	if cfg.Gateway.Enabled {
		gcfg, err := mapGatewayConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.gw = gateway.New(gcfg, mgr, log.With(logx.String("comp", "gateway")))
	}

	ocfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.opsSrv = ops.New(ocfg, ops.Deps{
		Manager: mgr,
		Tasks:   tasks,
		Jobs:    a.maint,
		Audit:   store,
		Events:  bus,
	}, log.With(logx.String("comp", "ops")))

	return a, nil
}

// Manager exposes the realtime manager to code embedding the app.
func (a *App) Manager() *realtime.Manager { return a.mgr }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	a.tasks.StartMonitoring()
	if err := a.maint.Start(); err != nil {
		return err
	}
	if a.gw != nil {
		if err := a.tasks.StartMonitoredTask("gateway", a.gw.Serve); err != nil {
			return err
		}
	}
	if a.opsSrv.Enabled() {
		a.opsSrv.Start(a.sup.Context())
	}

	// Log events for observability/debug.
	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Connection churn is frequent; keep it at debug.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.audit(storage.AuditEntry{Actor: "system", Action: storage.ActionServiceStart, OK: true})
	a.sd.ready()
	a.log.Info("app started",
		logx.Bool("gateway", a.gw != nil),
		logx.Bool("ops", a.opsSrv.Enabled()),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range config.RestartRequired(oldCfg, newCfg) {
		a.log.Warn(s + " config changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if rc, err := mapRealtimeConfig(newCfg); err != nil {
		a.log.Warn("invalid realtime config; keeping previous", logx.Err(err))
	} else {
		a.mgr.Apply(rc)
	}
	if every, stale, _, err := mapHeartbeat(newCfg); err != nil {
		a.log.Warn("invalid monitor config; keeping previous", logx.Err(err))
	} else {
		a.tasks.SetHeartbeat(every, stale)
	}
	if mc, err := mapMaintenanceConfig(newCfg); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	} else if err := a.maint.Apply(mc); err != nil {
		a.log.Warn("maintenance apply failed", logx.Err(err))
	}
	if oc, err := mapOpsConfig(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.opsSrv.Reconfigure(ctx, oc)
	}

	meta, _ := json.Marshal(map[string]any{"changed": sections})
	a.audit(storage.AuditEntry{
		Actor:    "system",
		Action:   storage.ActionConfigReload,
		Target:   a.cfgm.Path(),
		OK:       true,
		MetaJSON: string(meta),
	})
	a.log.Info("config reloaded", fields...)
}

func (a *App) onHealthTransition(prev, cur realtime.MonitoringHealth) {
	fields := []logx.Field{
		logx.String("from", string(prev.Status)),
		logx.String("to", string(cur.Status)),
		logx.Float64("score", cur.Score),
		logx.Any("alerts", cur.Alerts),
	}
	if cur.Status == monitor.LevelHealthy {
		a.log.Info("health recovered", fields...)
	} else {
		a.log.Warn("health changed", fields...)
	}

	a.bus.Publish(eventbus.Event{Type: EventHealthTransition, Data: map[string]any{
		"from":  string(prev.Status),
		"to":    string(cur.Status),
		"score": cur.Score,
	}})

	meta, _ := json.Marshal(map[string]any{
		"from":   prev.Status,
		"to":     cur.Status,
		"score":  cur.Score,
		"alerts": cur.Alerts,
	})
	a.audit(storage.AuditEntry{
		Actor:    "health-watch",
		Action:   storage.ActionHealthTransition,
		OK:       cur.Status != monitor.LevelCritical,
		MetaJSON: string(meta),
	})
}

func (a *App) audit(e storage.AuditEntry) {
	if a.store == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.store.AppendAudit(ctx, e); err != nil {
		a.log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Stop intake first (ops, gateway), then background jobs, then connections.
	a.stopStep(ctx, "ops", time.Second, func(c context.Context) error { a.opsSrv.Stop(c); return nil })
	a.stopStep(ctx, "gateway", 3*time.Second, func(c context.Context) error {
		if a.gw == nil {
			return nil
		}
		return a.tasks.StopTask(c, "gateway")
	})
	a.stopStep(ctx, "maintenance", 2*time.Second, a.maint.Stop)
	a.stopStep(ctx, "realtime", 3*time.Second, a.mgr.Close)
	a.stopStep(ctx, "tasks", 2*time.Second, a.tasks.Stop)

	meta, _ := json.Marshal(map[string]any{"reason": reason})
	a.audit(storage.AuditEntry{Actor: "system", Action: storage.ActionServiceStop, OK: true, MetaJSON: string(meta)})
	a.stopStep(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	a.stopStep(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// stopStep runs one shutdown step with an upper bound so one component
// can't stall the whole stop.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
