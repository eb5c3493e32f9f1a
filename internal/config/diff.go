package config

import (
	"reflect"
	"sort"
	"strings"

	logx "connmgr/pkg/logx"
)

// SummarizeConfigChange lists changed sections and safe structured attrs
// for logging. Secrets such as ops.token are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Emitter, newCfg.Emitter) {
		e := newCfg.Emitter
		changed = append(changed, "emitter")
		attrs = append(attrs,
			logx.String("emitter.write_timeout", strings.TrimSpace(e.WriteTimeout)),
			logx.Int("emitter.critical_retry_attempts", e.CriticalRetryAttempts),
			logx.Int("emitter.broadcast_workers", e.BroadcastWorkers),
		)
	}

	if !reflect.DeepEqual(oldCfg.Recovery, newCfg.Recovery) {
		r := newCfg.Recovery
		changed = append(changed, "recovery")
		attrs = append(attrs,
			logx.Bool("recovery.enabled", r.Enabled == nil || *r.Enabled),
			logx.Float64("recovery.replay_rate_per_sec", r.ReplayRatePerSec),
			logx.String("recovery.entry_ttl", strings.TrimSpace(r.EntryTTL)),
		)
		if r.MaxPerUser != nil {
			attrs = append(attrs, logx.Int("recovery.max_per_user", *r.MaxPerUser))
		}
	}

	if !reflect.DeepEqual(oldCfg.Errors, newCfg.Errors) {
		changed = append(changed, "errors")
		attrs = append(attrs, logx.String("errors.retention", strings.TrimSpace(newCfg.Errors.Retention)))
	}

	if !reflect.DeepEqual(oldCfg.Monitor, newCfg.Monitor) {
		th := newCfg.Monitor.Thresholds()
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.String("monitor.heartbeat_interval", strings.TrimSpace(newCfg.Monitor.HeartbeatInterval)),
			logx.String("monitor.stale_after", strings.TrimSpace(newCfg.Monitor.StaleAfter)),
			logx.Float64("monitor.task_weight", th.TaskWeight),
			logx.Float64("monitor.error_weight", th.ErrorWeight),
		)
	}

	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		mt := newCfg.Maintenance
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.stale_sweep", strings.TrimSpace(mt.StaleSweep)),
			logx.String("maintenance.queue_gc", strings.TrimSpace(mt.QueueGC)),
			logx.String("maintenance.error_cleanup", strings.TrimSpace(mt.ErrorCleanup)),
			logx.String("maintenance.health_watch", strings.TrimSpace(mt.HealthWatch)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Gateway, newCfg.Gateway) {
		g := newCfg.Gateway
		changed = append(changed, "gateway")
		attrs = append(attrs,
			logx.Bool("gateway.enabled", g.Enabled),
			logx.String("gateway.addr", strings.TrimSpace(g.Addr)),
			logx.String("gateway.path", strings.TrimSpace(g.Path)),
		)
	}

	o, n := oldCfg.Ops, newCfg.Ops
	tokenChanged := o.Token != n.Token
	o.Token, n.Token = "", ""
	if tokenChanged || !reflect.DeepEqual(o, n) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", n.Enabled),
			logx.String("ops.addr", strings.TrimSpace(n.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", n.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		var driver string
		var pathSet bool
		if s := newCfg.Storage; s != nil {
			driver = strings.TrimSpace(s.Driver)
			pathSet = strings.TrimSpace(s.Path) != ""
		}
		attrs = append(attrs, logx.String("storage.driver", driver), logx.Bool("storage.path_set", pathSet))
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs, logx.Bool("systemd.notify", newCfg.Systemd.Notify))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections whose change only takes effect after a
// restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if !reflect.DeepEqual(oldCfg.Gateway, newCfg.Gateway) {
		out = append(out, "gateway")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	if oldCfg.Systemd != newCfg.Systemd {
		out = append(out, "systemd")
	}
	return out
}
