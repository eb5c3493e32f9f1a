package realtime

import (
	"sync/atomic"
	"time"

	"connmgr/internal/monitor"
)

// Config holds every tunable of the manager. Durations are already parsed;
// internal/config maps the file representation onto this struct.
type Config struct {
	// WriteTimeout bounds each transport write. 0 disables the bound.
	WriteTimeout time.Duration

	// CriticalRetryAttempts is the total number of tries per connection for
	// critical events (1 means no retry).
	CriticalRetryAttempts   int
	CriticalRetryBackoff    time.Duration
	CriticalRetryMaxBackoff time.Duration

	BroadcastWorkers int

	// FailureLogRatePerSec throttles write-failure warnings. 0 logs every failure.
	FailureLogRatePerSec float64

	RecoveryEnabled bool
	MaxQueuePerUser int
	// ReplayRatePerSec paces recovery replay. 0 means unlimited.
	ReplayRatePerSec float64

	ErrorHistorySize int

	Health monitor.Thresholds
}

// DefaultConfig returns the values used when the config file omits a field.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:            5 * time.Second,
		CriticalRetryAttempts:   3,
		CriticalRetryBackoff:    100 * time.Millisecond,
		CriticalRetryMaxBackoff: time.Second,
		BroadcastWorkers:        16,
		FailureLogRatePerSec:    5,
		RecoveryEnabled:         true,
		MaxQueuePerUser:         100,
		ReplayRatePerSec:        0,
		ErrorHistorySize:        50,
		Health:                  monitor.DefaultThresholds(),
	}
}

func (c Config) normalized() Config {
	if c.CriticalRetryAttempts <= 0 {
		c.CriticalRetryAttempts = 1
	}
	if c.CriticalRetryBackoff < 0 {
		c.CriticalRetryBackoff = 0
	}
	if c.CriticalRetryMaxBackoff < c.CriticalRetryBackoff {
		c.CriticalRetryMaxBackoff = c.CriticalRetryBackoff
	}
	if c.BroadcastWorkers <= 0 {
		c.BroadcastWorkers = 1
	}
	if c.MaxQueuePerUser < 0 {
		c.MaxQueuePerUser = 0
	}
	if c.ErrorHistorySize < 0 {
		c.ErrorHistorySize = 0
	}
	return c
}

// configRef is the live config shared by the manager's components.
type configRef struct {
	p atomic.Pointer[Config]
}

func newConfigRef(cfg Config) *configRef {
	r := &configRef{}
	r.set(cfg)
	return r
}

func (r *configRef) get() Config {
	if c := r.p.Load(); c != nil {
		return *c
	}
	return DefaultConfig().normalized()
}

func (r *configRef) set(cfg Config) {
	cfg = cfg.normalized()
	r.p.Store(&cfg)
}
