package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"connmgr/internal/monitor"
	logx "connmgr/pkg/logx"
)

// Thresholds merges the configured health weights and bands over the
// defaults.
func (m MonitorConfig) Thresholds() monitor.Thresholds {
	th := monitor.DefaultThresholds()
	set := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	set(&th.TaskWeight, m.TaskWeight)
	set(&th.ErrorWeight, m.ErrorWeight)
	set(&th.ErrorRateCeiling, m.ErrorRateCeiling)
	set(&th.HealthyMin, m.HealthyMin)
	set(&th.WarningMin, m.WarningMin)
	set(&th.DegradedMin, m.DegradedMin)
	return th
}

// Validate checks durations, bounds and listener settings. Schedule syntax
// is checked by the maintenance package when the app installs its
// validator.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}

	if lv := strings.TrimSpace(c.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		check(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}

	e := c.Emitter
	dur("emitter.write_timeout", e.WriteTimeout)
	dur("emitter.critical_retry_backoff", e.CriticalRetryBackoff)
	dur("emitter.critical_retry_max_backoff", e.CriticalRetryMaxBackoff)
	if e.CriticalRetryAttempts < 0 {
		check(errors.New("emitter.critical_retry_attempts must be >= 0"))
	}
	if e.BroadcastWorkers < 0 {
		check(errors.New("emitter.broadcast_workers must be >= 0"))
	}
	if e.FailureLogRatePerSec != nil && *e.FailureLogRatePerSec < 0 {
		check(errors.New("emitter.failure_log_rate_per_sec must be >= 0"))
	}

	r := c.Recovery
	if r.MaxPerUser != nil && *r.MaxPerUser < 0 {
		check(errors.New("recovery.max_per_user must be >= 0"))
	}
	if r.ReplayRatePerSec < 0 {
		check(errors.New("recovery.replay_rate_per_sec must be >= 0"))
	}
	dur("recovery.entry_ttl", r.EntryTTL)

	if c.Errors.HistorySize != nil && *c.Errors.HistorySize < 0 {
		check(errors.New("errors.history_size must be >= 0"))
	}
	dur("errors.retention", c.Errors.Retention)

	dur("monitor.heartbeat_interval", c.Monitor.HeartbeatInterval)
	dur("monitor.stale_after", c.Monitor.StaleAfter)
	if err := c.Monitor.Thresholds().Validate(); err != nil {
		check(fmt.Errorf("monitor: %w", err))
	}

	dur("maintenance.ping_timeout", c.Maintenance.PingTimeout)
	if tz := strings.TrimSpace(c.Maintenance.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			check(fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err))
		}
	}

	g := c.Gateway
	dur("gateway.ping_interval", g.PingInterval)
	dur("gateway.pong_wait", g.PongWait)
	if g.ReadLimit < 0 {
		check(errors.New("gateway.read_limit must be >= 0"))
	}
	if p := strings.TrimSpace(g.Path); p != "" && !strings.HasPrefix(p, "/") {
		check(fmt.Errorf("gateway.path must start with '/' (got %q)", g.Path))
	}
	if g.Enabled && strings.TrimSpace(g.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(g.Addr)); err != nil {
			check(fmt.Errorf("gateway.addr: %w", err))
		}
	}

	o := c.Ops
	dur("ops.read_timeout", o.ReadTimeout)
	dur("ops.write_timeout", o.WriteTimeout)
	dur("ops.idle_timeout", o.IdleTimeout)
	if o.Enabled && strings.TrimSpace(o.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(o.Addr)); err != nil {
			check(fmt.Errorf("ops.addr: %w", err))
		}
	}

	if s := c.Storage; s != nil {
		dur("storage.busy_timeout", s.BusyTimeout)
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				check(errors.New("storage.path is required when storage.driver=sqlite"))
			}
		default:
			check(fmt.Errorf("unknown storage.driver: %s", s.Driver))
		}
	}

	return errors.Join(errs...)
}
