package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"connmgr/internal/transport"
	logx "connmgr/pkg/logx"
)

// BroadcastResult counts per-connection outcomes of one broadcast.
type BroadcastResult struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Emitter delivers messages to users' connections.
//
// Sends to one user hold that user's mutex for the whole delivery, so they
// reach each connection in call order. A failed write is recorded and the
// connection stays registered; only a transport close removes it.
type Emitter struct {
	registry *Registry
	users    *userTable
	queue    *RecoveryQueue
	tracker  *Tracker
	cfg      *configRef
	log      logx.Logger

	limMu      sync.Mutex
	failLog    *rate.Limiter
	suppressed atomic.Uint64
}

func newEmitter(reg *Registry, users *userTable, q *RecoveryQueue, tr *Tracker, cfg *configRef, log logx.Logger) *Emitter {
	e := &Emitter{registry: reg, users: users, queue: q, tracker: tr, cfg: cfg, log: log}
	e.setFailureLogRate(cfg.get().FailureLogRatePerSec)
	return e
}

func (e *Emitter) setFailureLogRate(perSec float64) {
	var lim *rate.Limiter
	if perSec > 0 {
		burst := int(perSec)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(perSec), burst)
	}
	e.limMu.Lock()
	e.failLog = lim
	e.limMu.Unlock()
}

// SendToUser writes msg to every connection of userID. Only a malformed
// envelope is an error; when no connection accepts the write the message
// is queued for recovery.
func (e *Emitter) SendToUser(ctx context.Context, userID string, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	e.send(ctx, userID, msg.stamped(time.Now()))
	return nil
}

// EmitCriticalEvent sends {type, data, timestamp, critical: true}, retrying
// transient failures per connection before falling back to the queue.
func (e *Emitter) EmitCriticalEvent(ctx context.Context, userID, eventType string, data any) error {
	msg := Message{Type: eventType, Data: data, Critical: true}
	if err := msg.validate(); err != nil {
		return err
	}
	e.send(ctx, userID, msg.stamped(time.Now()))
	return nil
}

func (e *Emitter) send(ctx context.Context, userID string, msg Message) {
	st := e.users.get(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	// Older queued entries go out first; msg never overtakes them.
	if len(st.queue) > 0 {
		if len(e.registry.connectionsOf(st.id)) > 0 {
			e.queue.drainLocked(ctx, st)
		}
		if len(st.queue) > 0 {
			e.queue.enqueueLocked(st, msg, ReasonReplayPending, time.Now())
			return
		}
	}

	attempted, delivered := e.deliverLocked(ctx, st, msg)
	if delivered > 0 {
		return
	}
	reason := ReasonNoActiveConnection
	if attempted > 0 {
		reason = ReasonDeliveryFailed
	}
	e.queue.enqueueLocked(st, msg, reason, time.Now())
}

// deliverLocked writes msg to the user's current connections. st.mu must be held.
func (e *Emitter) deliverLocked(ctx context.Context, st *userState, msg Message) (attempted, delivered int) {
	cfg := e.cfg.get()
	for _, c := range e.registry.connectionsOf(st.id) {
		attempted++
		tries, err := e.write(ctx, c, msg, cfg)
		if err != nil {
			werr := &TransportWriteError{UserID: st.id, ConnectionID: c.ID, Attempts: tries, Err: err}
			e.tracker.recordErrorLocked(st, c.ID, werr, time.Now())
			e.logFailure(werr, msg)
			continue
		}
		e.tracker.recordSuccessLocked(st)
		delivered++
	}
	return attempted, delivered
}

// replayLocked is the RecoveryQueue's delivery hook.
func (e *Emitter) replayLocked(ctx context.Context, st *userState, msg Message) int {
	_, delivered := e.deliverLocked(ctx, st, msg)
	return delivered
}

// write sends msg to one connection. Critical messages retry transient
// failures with exponential backoff; permanent errors end the loop early.
func (e *Emitter) write(ctx context.Context, c *Connection, msg Message, cfg Config) (int, error) {
	tries := 1
	if msg.Critical {
		tries = cfg.CriticalRetryAttempts
	}
	backoff := cfg.CriticalRetryBackoff

	var err error
	for i := 1; i <= tries; i++ {
		err = c.Send(ctx, msg, cfg.WriteTimeout)
		if err == nil {
			return i, nil
		}
		if i == tries || transport.IsPermanent(err) || ctx.Err() != nil {
			return i, err
		}
		if backoff > 0 {
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return i, err
			case <-t.C:
			}
			backoff *= 2
			if backoff > cfg.CriticalRetryMaxBackoff {
				backoff = cfg.CriticalRetryMaxBackoff
			}
		}
	}
	return tries, err
}

// Broadcast writes msg to every connection of every user with at most
// BroadcastWorkers writes in flight. There is no retry and no queueing.
func (e *Emitter) Broadcast(ctx context.Context, msg Message) (BroadcastResult, error) {
	if err := msg.validate(); err != nil {
		return BroadcastResult{}, err
	}
	msg = msg.stamped(time.Now())
	cfg := e.cfg.get()
	conns := e.registry.All()

	var delivered, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(cfg.BroadcastWorkers)
	for _, c := range conns {
		c := c
		g.Go(func() error {
			if err := c.Send(ctx, msg, cfg.WriteTimeout); err != nil {
				failed.Add(1)
				werr := &TransportWriteError{UserID: c.UserID, ConnectionID: c.ID, Attempts: 1, Err: err}
				e.tracker.RecordError(c.UserID, c.ID, werr)
				e.logFailure(werr, msg)
				return nil
			}
			delivered.Add(1)
			e.tracker.RecordSuccess(c.UserID)
			return nil
		})
	}
	_ = g.Wait()

	res := BroadcastResult{Attempted: len(conns), Delivered: int(delivered.Load()), Failed: int(failed.Load())}
	if res.Failed > 0 {
		e.log.Warn("broadcast finished with failures",
			logx.String("type", msg.Type),
			logx.Int("attempted", res.Attempted),
			logx.Int("failed", res.Failed),
		)
	} else {
		e.log.Debug("broadcast finished", logx.String("type", msg.Type), logx.Int("attempted", res.Attempted))
	}
	return res, nil
}

func (e *Emitter) logFailure(werr *TransportWriteError, msg Message) {
	e.limMu.Lock()
	lim := e.failLog
	e.limMu.Unlock()

	if lim != nil && !lim.Allow() {
		e.suppressed.Add(1)
		return
	}
	e.log.Warn("transport write failed",
		logx.String("user_id", werr.UserID),
		logx.String("conn_id", werr.ConnectionID),
		logx.String("type", msg.Type),
		logx.Bool("critical", msg.Critical),
		logx.Int("attempts", werr.Attempts),
		logx.Uint64("suppressed", e.suppressed.Swap(0)),
		logx.Err(werr.Err),
	)
}
