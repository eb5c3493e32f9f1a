package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"connmgr/internal/monitor"
	logx "connmgr/pkg/logx"
)

const pingWorkers = 8

// staleSweep pings every connection whose transport supports it and removes
// and closes the ones that fail. It returns how many were removed. beat is
// called after every ping.
func (r *Runner) staleSweep(ctx context.Context, timeout time.Duration, beat func()) (int, error) {
	var removed atomic.Int64
	var g errgroup.Group
	g.SetLimit(pingWorkers)

	for _, c := range r.mgr.Registry().All() {
		c := c
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			pctx, cancel := context.WithTimeout(ctx, timeout)
			ok, err := c.Ping(pctx)
			cancel()
			beat()
			if !ok || err == nil || ctx.Err() != nil {
				return nil
			}
			if r.mgr.RemoveConnection(c.ID) {
				_ = c.Close()
				removed.Add(1)
				r.log.Info("stale connection removed",
					logx.String("user_id", c.UserID),
					logx.String("conn_id", c.ID),
					logx.Err(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return int(removed.Load()), err
	}
	return int(removed.Load()), nil
}

// healthWatch evaluates health, reports level changes and feeds the
// watchdog while the service is not critical.
func (r *Runner) healthWatch() {
	h := r.mgr.MonitoringHealthStatus()

	r.mu.Lock()
	prev := r.lastHealth
	prevLevel := r.lastLevel
	r.lastHealth = h
	r.lastLevel = h.Status
	r.mu.Unlock()

	if prevLevel != "" && prevLevel != h.Status {
		fields := []logx.Field{
			logx.String("from", string(prevLevel)),
			logx.String("to", string(h.Status)),
			logx.Float64("score", h.Score),
			logx.Any("alerts", h.Alerts),
		}
		if severity(h.Status) > severity(prevLevel) {
			r.log.Warn("health degraded", fields...)
		} else {
			r.log.Info("health improved", fields...)
		}
		if r.onTransition != nil {
			r.onTransition(prev, h)
		}
	}

	if h.Status != monitor.LevelCritical && r.watchdog != nil {
		r.watchdog()
	}
}

func severity(l monitor.Level) int {
	switch l {
	case monitor.LevelHealthy:
		return 0
	case monitor.LevelWarning:
		return 1
	case monitor.LevelDegraded:
		return 2
	default:
		return 3
	}
}
