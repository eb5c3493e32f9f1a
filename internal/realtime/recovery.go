package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"connmgr/internal/eventbus"
	logx "connmgr/pkg/logx"
)

const (
	ReasonNoActiveConnection = "no_active_connection"
	ReasonDeliveryFailed     = "delivery_failed"
	ReasonReplayPending      = "replay_pending"
)

// QueueEntry is one undelivered message waiting for its user to reconnect.
type QueueEntry struct {
	UserID   string    `json:"user_id"`
	Message  Message   `json:"message"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

type QueueStats struct {
	Queued   int64  `json:"queued"`
	Enqueued uint64 `json:"enqueued"`
	Dropped  uint64 `json:"dropped"`
	Expired  uint64 `json:"expired"`
	Replayed uint64 `json:"replayed"`
}

// RecoveryQueue buffers undeliverable messages per user, bounded by
// MaxQueuePerUser. Overflow evicts the oldest entry and counts it as
// dropped. The buffer is best-effort, not a durability mechanism.
type RecoveryQueue struct {
	users  *userTable
	cfg    *configRef
	log    logx.Logger
	events eventbus.Bus

	// deliver writes msg to the user's current connections with st.mu held
	// and returns how many accepted it.
	deliver func(ctx context.Context, st *userState, msg Message) int

	queued   atomic.Int64
	enqueued atomic.Uint64
	dropped  atomic.Uint64
	expired  atomic.Uint64
	replayed atomic.Uint64

	limMu sync.Mutex
	lim   *rate.Limiter
}

func newRecoveryQueue(users *userTable, cfg *configRef, log logx.Logger, events eventbus.Bus) *RecoveryQueue {
	q := &RecoveryQueue{users: users, cfg: cfg, log: log, events: events}
	q.setReplayRate(cfg.get().ReplayRatePerSec)
	return q
}

func (q *RecoveryQueue) setReplayRate(perSec float64) {
	var lim *rate.Limiter
	if perSec > 0 {
		lim = rate.NewLimiter(rate.Limit(perSec), 1)
	}
	q.limMu.Lock()
	q.lim = lim
	q.limMu.Unlock()
}

func (q *RecoveryQueue) limiter() *rate.Limiter {
	q.limMu.Lock()
	defer q.limMu.Unlock()
	return q.lim
}

// Enqueue buffers msg for userID. It never blocks on I/O.
func (q *RecoveryQueue) Enqueue(userID string, msg Message, reason string) {
	st := q.users.get(userID)
	st.mu.Lock()
	q.enqueueLocked(st, msg, reason, time.Now())
	st.mu.Unlock()
}

func (q *RecoveryQueue) enqueueLocked(st *userState, msg Message, reason string, now time.Time) {
	cfg := q.cfg.get()
	entry := QueueEntry{UserID: st.id, Message: msg, Reason: reason, FailedAt: now}

	if !cfg.RecoveryEnabled || cfg.MaxQueuePerUser == 0 {
		q.dropLocked(st, entry, "recovery_disabled")
		return
	}

	st.queue = append(st.queue, entry)
	q.queued.Add(1)
	q.enqueued.Add(1)
	q.publish(EventMessageQueued, map[string]any{
		"user_id": st.id,
		"type":    msg.Type,
		"reason":  reason,
		"depth":   len(st.queue),
	})

	for len(st.queue) > cfg.MaxQueuePerUser {
		oldest := st.queue[0]
		st.queue[0] = QueueEntry{}
		st.queue = st.queue[1:]
		q.queued.Add(-1)
		q.dropLocked(st, oldest, "overflow")
	}
}

func (q *RecoveryQueue) dropLocked(st *userState, e QueueEntry, why string) {
	st.dropped++
	q.dropped.Add(1)
	q.log.Debug("recovery entry dropped",
		logx.String("user_id", st.id),
		logx.String("type", e.Message.Type),
		logx.String("why", why),
	)
	q.publish(EventMessageDropped, map[string]any{
		"user_id": st.id,
		"type":    e.Message.Type,
		"why":     why,
	})
}

// AttemptRecovery replays the user's queue in FIFO order and returns how
// many entries were delivered. It stops at the first entry no connection
// accepted; that entry and everything after it stay queued in order.
func (q *RecoveryQueue) AttemptRecovery(ctx context.Context, userID string) int {
	st, ok := q.users.lookup(userID)
	if !ok || q.deliver == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return q.drainLocked(ctx, st)
}

// drainLocked replays st's queue head first until it is empty or an entry
// is not accepted. st.mu must be held.
func (q *RecoveryQueue) drainLocked(ctx context.Context, st *userState) int {
	if len(st.queue) == 0 || q.deliver == nil {
		return 0
	}
	lim := q.limiter()
	n := 0
	for len(st.queue) > 0 {
		if ctx.Err() != nil {
			break
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				break
			}
		}
		e := st.queue[0]
		if q.deliver(ctx, st, e.Message) == 0 {
			break
		}
		st.queue[0] = QueueEntry{}
		st.queue = st.queue[1:]
		q.queued.Add(-1)
		q.replayed.Add(1)
		n++
	}
	remaining := len(st.queue)
	if remaining == 0 {
		st.queue = nil
	}

	if n > 0 {
		q.log.Info("recovery replayed",
			logx.String("user_id", st.id),
			logx.Int("delivered", n),
			logx.Int("remaining", remaining),
		)
		q.publish(EventRecoveryReplayed, map[string]any{
			"user_id":   st.id,
			"delivered": n,
			"remaining": remaining,
		})
	}
	return n
}

// Depth returns the number of queued entries for userID.
func (q *RecoveryQueue) Depth(userID string) int {
	st, ok := q.users.lookup(userID)
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.queue)
}

// Pending returns a copy of the user's queue, oldest first.
func (q *RecoveryQueue) Pending(userID string) []QueueEntry {
	st, ok := q.users.lookup(userID)
	if !ok {
		return []QueueEntry{}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]QueueEntry{}, st.queue...)
}

func (q *RecoveryQueue) Stats() QueueStats {
	return QueueStats{
		Queued:   q.queued.Load(),
		Enqueued: q.enqueued.Load(),
		Dropped:  q.dropped.Load(),
		Expired:  q.expired.Load(),
		Replayed: q.replayed.Load(),
	}
}

// Cleanup removes entries that failed before the cutoff and returns how
// many were removed.
func (q *RecoveryQueue) Cleanup(olderThan time.Time) int {
	removed := 0
	for _, st := range q.users.snapshot() {
		st.mu.Lock()
		if len(st.queue) > 0 {
			keep := make([]QueueEntry, 0, len(st.queue))
			for _, e := range st.queue {
				if e.FailedAt.Before(olderThan) {
					removed++
					continue
				}
				keep = append(keep, e)
			}
			if len(keep) == 0 {
				keep = nil
			}
			st.queue = keep
		}
		st.mu.Unlock()
	}
	if removed > 0 {
		q.queued.Add(int64(-removed))
		q.expired.Add(uint64(removed))
	}
	return removed
}

func (q *RecoveryQueue) publish(typ string, data map[string]any) {
	if q.events == nil {
		return
	}
	q.events.Publish(eventbus.Event{Type: typ, Data: data})
}
