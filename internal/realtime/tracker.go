package realtime

import (
	"sync"
	"sync/atomic"
	"time"
)

// ErrorRecord is one entry of a user's recent error history.
type ErrorRecord struct {
	ConnectionID string    `json:"connection_id"`
	Error        string    `json:"error"`
	At           time.Time `json:"at"`
}

type UserErrorStats struct {
	UserID      string        `json:"user_id"`
	ErrorCount  uint64        `json:"error_count"`
	Deliveries  uint64        `json:"deliveries"`
	LastErrorAt time.Time     `json:"last_error_at,omitempty"`
	Recent      []ErrorRecord `json:"recent"`
}

// ErrorStatistics is the aggregate view for dashboards and health scoring.
// It is never consulted for delivery decisions.
type ErrorStatistics struct {
	UsersWithErrors int     `json:"users_with_errors"`
	TotalErrors     uint64  `json:"total_errors"`
	TotalDeliveries uint64  `json:"total_deliveries"`
	ErrorRate       float64 `json:"error_rate"`
	RecoveryEnabled bool    `json:"recovery_enabled"`
	QueuedMessages  int64   `json:"queued_messages"`
	DroppedMessages uint64  `json:"dropped_messages"`
}

// Tracker counts write outcomes per user and globally.
//
// ErrorRate covers the current and the previous cleanup window, so it
// recovers once failures stop instead of averaging over the process lifetime.
type Tracker struct {
	users *userTable
	cfg   *configRef
	queue *RecoveryQueue

	totalErrors     atomic.Uint64
	totalDeliveries atomic.Uint64
	usersWithErrors atomic.Int64

	win rateWindow
}

type rateWindow struct {
	mu        sync.Mutex
	cur, prev windowCounts
}

type windowCounts struct {
	errors     uint64
	deliveries uint64
}

func newTracker(users *userTable, cfg *configRef) *Tracker {
	return &Tracker{users: users, cfg: cfg}
}

// RecordError counts a failed write for userID.
func (t *Tracker) RecordError(userID, connID string, err error) {
	st := t.users.get(userID)
	st.mu.Lock()
	t.recordErrorLocked(st, connID, err, time.Now())
	st.mu.Unlock()
}

// RecordSuccess counts a successful write for userID.
func (t *Tracker) RecordSuccess(userID string) {
	st := t.users.get(userID)
	st.mu.Lock()
	t.recordSuccessLocked(st)
	st.mu.Unlock()
}

func (t *Tracker) recordErrorLocked(st *userState, connID string, err error, now time.Time) {
	if st.errs.count == 0 {
		t.usersWithErrors.Add(1)
	}
	st.errs.count++
	st.errs.lastAt = now

	if limit := t.cfg.get().ErrorHistorySize; limit > 0 {
		msg := "<nil>"
		if err != nil {
			msg = err.Error()
		}
		st.errs.recent = append(st.errs.recent, ErrorRecord{ConnectionID: connID, Error: msg, At: now})
		if over := len(st.errs.recent) - limit; over > 0 {
			st.errs.recent = append(st.errs.recent[:0:0], st.errs.recent[over:]...)
		}
	} else {
		st.errs.recent = nil
	}

	t.totalErrors.Add(1)
	t.win.mu.Lock()
	t.win.cur.errors++
	t.win.mu.Unlock()
}

func (t *Tracker) recordSuccessLocked(st *userState) {
	st.errs.deliveries++
	t.totalDeliveries.Add(1)
	t.win.mu.Lock()
	t.win.cur.deliveries++
	t.win.mu.Unlock()
}

// UserErrors returns the user's counters and a copy of the recent history.
func (t *Tracker) UserErrors(userID string) UserErrorStats {
	out := UserErrorStats{UserID: userID, Recent: []ErrorRecord{}}
	st, ok := t.users.lookup(userID)
	if !ok {
		return out
	}
	st.mu.Lock()
	out.ErrorCount = st.errs.count
	out.Deliveries = st.errs.deliveries
	out.LastErrorAt = st.errs.lastAt
	out.Recent = append(out.Recent, st.errs.recent...)
	st.mu.Unlock()
	return out
}

func (t *Tracker) Statistics() ErrorStatistics {
	s := ErrorStatistics{
		UsersWithErrors: int(t.usersWithErrors.Load()),
		TotalErrors:     t.totalErrors.Load(),
		TotalDeliveries: t.totalDeliveries.Load(),
		ErrorRate:       t.ErrorRate(),
		RecoveryEnabled: t.cfg.get().RecoveryEnabled,
	}
	if t.queue != nil {
		qs := t.queue.Stats()
		s.QueuedMessages = qs.Queued
		s.DroppedMessages = qs.Dropped
	}
	return s
}

// ErrorRate is errors / (errors + deliveries) over the last two windows.
func (t *Tracker) ErrorRate() float64 {
	t.win.mu.Lock()
	e := t.win.cur.errors + t.win.prev.errors
	d := t.win.cur.deliveries + t.win.prev.deliveries
	t.win.mu.Unlock()
	if e+d == 0 {
		return 0
	}
	return float64(e) / float64(e+d)
}

// Cleanup drops history older than the cutoff, resets users whose last error
// is older than the cutoff and starts a new rate window. It returns the
// number of users reset.
func (t *Tracker) Cleanup(olderThan time.Time) int {
	reset := 0
	for _, st := range t.users.snapshot() {
		st.mu.Lock()
		if n := len(st.errs.recent); n > 0 {
			keep := st.errs.recent[:0]
			for _, r := range st.errs.recent {
				if !r.At.Before(olderThan) {
					keep = append(keep, r)
				}
			}
			st.errs.recent = keep
		}
		if st.errs.count > 0 && st.errs.lastAt.Before(olderThan) {
			st.errs.count = 0
			st.errs.recent = nil
			t.usersWithErrors.Add(-1)
			reset++
		}
		st.mu.Unlock()
	}

	t.win.mu.Lock()
	t.win.prev = t.win.cur
	t.win.cur = windowCounts{}
	t.win.mu.Unlock()
	return reset
}
