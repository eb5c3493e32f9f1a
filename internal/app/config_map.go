package app

import (
	"errors"
	"strings"
	"time"

	"connmgr/internal/config"
	"connmgr/internal/gateway"
	"connmgr/internal/maintenance"
	"connmgr/internal/observability/ops"
	"connmgr/internal/realtime"
	"connmgr/internal/transport/websocket"
	logx "connmgr/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapRealtimeConfig(cfg *config.Config) (realtime.Config, error) {
	out := realtime.DefaultConfig()
	if cfg == nil {
		return out, nil
	}
	var err error
	var errs []error
	keep := func(e error) {
		if e != nil {
			errs = append(errs, e)
		}
	}

	e := cfg.Emitter
	out.WriteTimeout, err = config.ParseDurationOrUnset("emitter.write_timeout", e.WriteTimeout, out.WriteTimeout)
	keep(err)
	out.CriticalRetryBackoff, err = config.ParseDurationOrDefault("emitter.critical_retry_backoff", e.CriticalRetryBackoff, out.CriticalRetryBackoff)
	keep(err)
	out.CriticalRetryMaxBackoff, err = config.ParseDurationOrDefault("emitter.critical_retry_max_backoff", e.CriticalRetryMaxBackoff, out.CriticalRetryMaxBackoff)
	keep(err)
	if e.CriticalRetryAttempts > 0 {
		out.CriticalRetryAttempts = e.CriticalRetryAttempts
	}
	if e.BroadcastWorkers > 0 {
		out.BroadcastWorkers = e.BroadcastWorkers
	}
	if e.FailureLogRatePerSec != nil {
		out.FailureLogRatePerSec = *e.FailureLogRatePerSec
	}

	r := cfg.Recovery
	if r.Enabled != nil {
		out.RecoveryEnabled = *r.Enabled
	}
	if r.MaxPerUser != nil {
		out.MaxQueuePerUser = *r.MaxPerUser
	}
	out.ReplayRatePerSec = r.ReplayRatePerSec

	if cfg.Errors.HistorySize != nil {
		out.ErrorHistorySize = *cfg.Errors.HistorySize
	}
	out.Health = cfg.Monitor.Thresholds()
	keep(out.Health.Validate())

	if len(errs) > 0 {
		return realtime.Config{}, errors.Join(errs...)
	}
	return out, nil
}

// mapHeartbeat returns the supervisor sweep cadence, the stale window and
// the beat interval task loops use to stay well inside it.
func mapHeartbeat(cfg *config.Config) (every, stale, beat time.Duration, err error) {
	every, err = config.ParseDurationOrDefault("monitor.heartbeat_interval", cfg.Monitor.HeartbeatInterval, 10*time.Second)
	if err != nil {
		return 0, 0, 0, err
	}
	stale, err = config.ParseDurationOrDefault("monitor.stale_after", cfg.Monitor.StaleAfter, 30*time.Second)
	if err != nil {
		return 0, 0, 0, err
	}
	if stale < every {
		return 0, 0, 0, errors.New("monitor.stale_after must be >= monitor.heartbeat_interval")
	}
	beat = max(stale/3, 100*time.Millisecond)
	return every, stale, beat, nil
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	def := maintenance.DefaultConfig()
	m := cfg.Maintenance
	out := maintenance.Config{
		StaleSweep:   strings.TrimSpace(m.StaleSweep),
		QueueGC:      strings.TrimSpace(m.QueueGC),
		ErrorCleanup: strings.TrimSpace(m.ErrorCleanup),
		HealthWatch:  strings.TrimSpace(m.HealthWatch),
	}
	var errs []error
	var err error

	if tz := strings.TrimSpace(m.Timezone); tz != "" {
		loc, lerr := time.LoadLocation(tz)
		if lerr != nil {
			errs = append(errs, errors.New("maintenance.timezone: "+lerr.Error()))
		}
		out.Location = loc
	}
	if out.PingTimeout, err = config.ParseDurationOrDefault("maintenance.ping_timeout", m.PingTimeout, def.PingTimeout); err != nil {
		errs = append(errs, err)
	}
	if out.EntryTTL, err = config.ParseDurationOrDefault("recovery.entry_ttl", cfg.Recovery.EntryTTL, def.EntryTTL); err != nil {
		errs = append(errs, err)
	}
	if out.ErrorRetention, err = config.ParseDurationOrDefault("errors.retention", cfg.Errors.Retention, def.ErrorRetention); err != nil {
		errs = append(errs, err)
	}
	if _, _, beat, herr := mapHeartbeat(cfg); herr != nil {
		errs = append(errs, herr)
	} else {
		out.Heartbeat = beat
	}
	if len(errs) > 0 {
		return maintenance.Config{}, errors.Join(errs...)
	}
	if _, err := maintenance.ParseSchedules(out); err != nil {
		return maintenance.Config{}, err
	}
	return out, nil
}

func mapGatewayConfig(cfg *config.Config) (gateway.Config, error) {
	g := cfg.Gateway
	ping, err := config.ParseDurationField("gateway.ping_interval", g.PingInterval)
	if err != nil {
		return gateway.Config{}, err
	}
	pong, err := config.ParseDurationField("gateway.pong_wait", g.PongWait)
	if err != nil {
		return gateway.Config{}, err
	}
	write, err := config.ParseDurationOrUnset("emitter.write_timeout", cfg.Emitter.WriteTimeout, 5*time.Second)
	if err != nil {
		return gateway.Config{}, err
	}
	_, _, beat, err := mapHeartbeat(cfg)
	if err != nil {
		return gateway.Config{}, err
	}
	return gateway.Config{
		Addr:         strings.TrimSpace(g.Addr),
		Path:         strings.TrimSpace(g.Path),
		UserHeader:   strings.TrimSpace(g.UserHeader),
		AllowOrigins: g.AllowOrigins,
		WS: websocket.Config{
			WriteTimeout: write,
			PongWait:     pong,
			PingInterval: ping,
			ReadLimit:    g.ReadLimit,
		},
		Heartbeat: beat,
	}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	// pprof profiles stream for up to 30s by default.
	write, err := config.ParseDurationOrDefault("ops.write_timeout", o.WriteTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// validateConfig is installed as the config manager's reload validator.
// Config.Validate already ran; this adds the checks that need component
// packages.
func validateConfig(cfg *config.Config) error {
	var errs []error
	if _, err := mapRealtimeConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapMaintenanceConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapGatewayConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
