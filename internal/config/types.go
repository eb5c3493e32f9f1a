package config

// Config is the on-disk configuration. All durations are Go duration
// strings (e.g. "500ms", "10s", "1m"); Resolve turns them into values.
//
// Sections that are omitted fall back to the defaults documented on each
// type.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Emitter     EmitterConfig     `json:"emitter"`
	Recovery    RecoveryConfig    `json:"recovery"`
	Errors      ErrorsConfig      `json:"errors"`
	Monitor     MonitorConfig     `json:"monitor"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Gateway     GatewayConfig     `json:"gateway"`
	Ops         OpsConfig         `json:"ops"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Systemd     SystemdConfig     `json:"systemd"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EmitterConfig controls per-connection writes.
//
// Defaults:
//   - write_timeout: "5s" ("0s" disables the bound)
//   - critical_retry_attempts: 3 (total tries, 1 = no retry)
//   - critical_retry_backoff: "100ms", doubled per retry up to critical_retry_max_backoff ("1s")
//   - broadcast_workers: 16
//   - failure_log_rate_per_sec: 5 (0 logs every failure)
type EmitterConfig struct {
	WriteTimeout            string   `json:"write_timeout,omitempty"`
	CriticalRetryAttempts   int      `json:"critical_retry_attempts,omitempty"`
	CriticalRetryBackoff    string   `json:"critical_retry_backoff,omitempty"`
	CriticalRetryMaxBackoff string   `json:"critical_retry_max_backoff,omitempty"`
	BroadcastWorkers        int      `json:"broadcast_workers,omitempty"`
	FailureLogRatePerSec    *float64 `json:"failure_log_rate_per_sec,omitempty"`
}

// RecoveryConfig controls the per-user recovery queue.
//
// Enabled is a pointer so an omitted key means true.
type RecoveryConfig struct {
	Enabled          *bool   `json:"enabled,omitempty"`
	MaxPerUser       *int    `json:"max_per_user,omitempty"`
	ReplayRatePerSec float64 `json:"replay_rate_per_sec,omitempty"`
	EntryTTL         string  `json:"entry_ttl,omitempty"`
}

type ErrorsConfig struct {
	HistorySize *int   `json:"history_size,omitempty"`
	Retention   string `json:"retention,omitempty"`
}

// MonitorConfig controls task heartbeats and health scoring. Zero weights
// and bands fall back to the defaults (0.6 / 0.4 / 0.2, 90 / 70 / 50).
type MonitorConfig struct {
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
	StaleAfter        string `json:"stale_after,omitempty"`

	TaskWeight       *float64 `json:"task_weight,omitempty"`
	ErrorWeight      *float64 `json:"error_weight,omitempty"`
	ErrorRateCeiling *float64 `json:"error_rate_ceiling,omitempty"`
	HealthyMin       *float64 `json:"healthy_min,omitempty"`
	WarningMin       *float64 `json:"warning_min,omitempty"`
	DegradedMin      *float64 `json:"degraded_min,omitempty"`
}

// MaintenanceConfig holds schedules for the background jobs. Each schedule
// is an interval ("30s", "every 5m", "02:00") or a cron spec prefixed with
// "cron:". An empty schedule uses the default; "off" disables the job.
type MaintenanceConfig struct {
	StaleSweep   string `json:"stale_sweep,omitempty"`
	QueueGC      string `json:"queue_gc,omitempty"`
	ErrorCleanup string `json:"error_cleanup,omitempty"`
	HealthWatch  string `json:"health_watch,omitempty"`
	PingTimeout  string `json:"ping_timeout,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

// GatewayConfig controls the WebSocket listener.
//
// The user id is read from UserHeader, which an authenticating proxy in
// front of the gateway is expected to set.
type GatewayConfig struct {
	Enabled      bool     `json:"enabled"`
	Addr         string   `json:"addr,omitempty"`        // default: ":8080"
	Path         string   `json:"path,omitempty"`        // default: "/ws"
	UserHeader   string   `json:"user_header,omitempty"` // default: "X-User-ID"
	ReadLimit    int64    `json:"read_limit,omitempty"`
	PingInterval string   `json:"ping_interval,omitempty"`
	PongWait     string   `json:"pong_wait,omitempty"`
	AllowOrigins []string `json:"allow_origins,omitempty"`
}

// OpsConfig controls the operator HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - A non-loopback address requires a token or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig controls the audit journal. Nil means no journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./connmgr.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type SystemdConfig struct {
	Notify bool `json:"notify"`
}
