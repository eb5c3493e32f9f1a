package realtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"connmgr/internal/transport"
	logx "connmgr/pkg/logx"
)

// Registry indexes live connections by id and by user.
//
// conns and byUser always agree: every id in byUser[u] maps to a Connection
// whose UserID is u. The coarse mutex guards both maps; no transport I/O
// happens under it.
type Registry struct {
	log   logx.Logger
	users *userTable

	mu     sync.RWMutex
	conns  map[string]*Connection
	byUser map[string]map[string]struct{}

	hookMu   sync.RWMutex
	onAdd    func(c *Connection)
	onRemove func(c *Connection)
}

// ConnectionHealth is an observability view of one user's connections.
type ConnectionHealth struct {
	UserID          string           `json:"user_id"`
	ConnectionCount int              `json:"connection_count"`
	ActiveCount     int              `json:"active_count"`
	Connections     []ConnectionInfo `json:"connections"`
}

type ConnectionInfo struct {
	ConnectionID string            `json:"connection_id"`
	Active       bool              `json:"active"`
	ConnectedAt  time.Time         `json:"connected_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type Stats struct {
	TotalConnections  int            `json:"total_connections"`
	UniqueUsers       int            `json:"unique_users"`
	ConnectionsByUser map[string]int `json:"connections_by_user"`
}

func newRegistry(users *userTable, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		log:    log,
		users:  users,
		conns:  map[string]*Connection{},
		byUser: map[string]map[string]struct{}{},
	}
}

// NewRegistry returns a standalone registry.
func NewRegistry(log logx.Logger) *Registry {
	return newRegistry(newUserTable(), log)
}

// OnAdd installs a hook run after each successful Add, outside all locks.
func (r *Registry) OnAdd(fn func(c *Connection)) {
	r.hookMu.Lock()
	r.onAdd = fn
	r.hookMu.Unlock()
}

// OnRemove installs a hook run after each effective Remove, outside all locks.
func (r *Registry) OnRemove(fn func(c *Connection)) {
	r.hookMu.Lock()
	r.onRemove = fn
	r.hookMu.Unlock()
}

// Add inserts c. It wakes WaitForConnection callers for c.UserID and then
// runs the add hook; hook failures never fail Add.
func (r *Registry) Add(c *Connection) error {
	if c == nil || c.UserID == "" || c.t == nil {
		return ErrInvalidConnection
	}

	st := r.users.get(c.UserID)
	st.mu.Lock()
	r.mu.Lock()
	if _, exists := r.conns[c.ID]; exists {
		r.mu.Unlock()
		st.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, c.ID)
	}
	r.conns[c.ID] = c
	set := r.byUser[c.UserID]
	if set == nil {
		set = map[string]struct{}{}
		r.byUser[c.UserID] = set
	}
	set[c.ID] = struct{}{}
	close(st.ready)
	st.ready = make(chan struct{})
	count := len(set)
	r.mu.Unlock()
	st.mu.Unlock()

	r.log.Debug("connection added",
		logx.String("user_id", c.UserID),
		logx.String("conn_id", c.ID),
		logx.Int("user_conns", count),
	)

	r.hookMu.RLock()
	hook := r.onAdd
	r.hookMu.RUnlock()
	if hook != nil {
		r.runHook("add", hook, c)
	}
	return nil
}

// Remove drops the connection with the given id. Unknown ids are a no-op.
// The transport is not closed; whoever owns its lifecycle does that.
func (r *Registry) Remove(connID string) bool {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		r.log.Debug("remove skipped", logx.String("conn_id", connID), logx.Err(ErrConnectionNotFound))
		return false
	}
	delete(r.conns, connID)
	if set := r.byUser[c.UserID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byUser, c.UserID)
		}
	}
	r.mu.Unlock()

	r.log.Debug("connection removed", logx.String("user_id", c.UserID), logx.String("conn_id", connID))

	r.hookMu.RLock()
	hook := r.onRemove
	r.hookMu.RUnlock()
	if hook != nil {
		r.runHook("remove", hook, c)
	}
	return true
}

func (r *Registry) runHook(kind string, fn func(*Connection), c *Connection) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("registry hook panicked",
				logx.String("hook", kind),
				logx.String("conn_id", c.ID),
				logx.Any("panic", p),
			)
		}
	}()
	fn(c)
}

// Get returns the connection with the given id.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	return c, ok
}

// UserConnections returns a sorted copy of the user's connection ids.
func (r *Registry) UserConnections(userID string) []string {
	r.mu.RLock()
	set := r.byUser[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// connectionsOf snapshots the user's connections ordered by connect time.
func (r *Registry) connectionsOf(userID string) []*Connection {
	r.mu.RLock()
	set := r.byUser[userID]
	out := make([]*Connection, 0, len(set))
	for id := range set {
		out = append(out, r.conns[id])
	}
	r.mu.RUnlock()
	sortConns(out)
	return out
}

func (r *Registry) IsActive(userID string) bool {
	r.mu.RLock()
	n := len(r.byUser[userID])
	r.mu.RUnlock()
	return n > 0
}

func (r *Registry) Health(userID string) ConnectionHealth {
	conns := r.connectionsOf(userID)
	h := ConnectionHealth{
		UserID:          userID,
		ConnectionCount: len(conns),
		ActiveCount:     len(conns),
		Connections:     make([]ConnectionInfo, 0, len(conns)),
	}
	for _, c := range conns {
		h.Connections = append(h.Connections, ConnectionInfo{
			ConnectionID: c.ID,
			Active:       true,
			ConnectedAt:  c.ConnectedAt,
			Metadata:     c.Metadata(),
		})
	}
	return h
}

// Find scans the user's connections for one wrapping t.
func (r *Registry) Find(userID string, t transport.Transport) *Connection {
	for _, c := range r.connectionsOf(userID) {
		if c.t == t {
			return c
		}
	}
	return nil
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	by := make(map[string]int, len(r.byUser))
	for u, set := range r.byUser {
		by[u] = len(set)
	}
	return Stats{
		TotalConnections:  len(r.conns),
		UniqueUsers:       len(r.byUser),
		ConnectionsByUser: by,
	}
}

// All snapshots every connection ordered by user then connect time.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return lessConn(out[i], out[j])
	})
	return out
}

// WaitForConnection blocks until the user has a connection, the timeout
// elapses or ctx ends. timeout <= 0 does not wait and reports whether the
// user is connected right now.
func (r *Registry) WaitForConnection(ctx context.Context, userID string, timeout time.Duration) bool {
	if timeout <= 0 {
		return r.IsActive(userID)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	st := r.users.get(userID)
	for {
		r.mu.RLock()
		if len(r.byUser[userID]) > 0 {
			r.mu.RUnlock()
			return true
		}
		ready := st.ready
		r.mu.RUnlock()

		select {
		case <-ctx.Done():
			return r.IsActive(userID)
		case <-ready:
			// Re-check: the connection may already be gone again.
		}
	}
}

func sortConns(cs []*Connection) {
	sort.Slice(cs, func(i, j int) bool { return lessConn(cs[i], cs[j]) })
}

func lessConn(a, b *Connection) bool {
	if !a.ConnectedAt.Equal(b.ConnectedAt) {
		return a.ConnectedAt.Before(b.ConnectedAt)
	}
	return a.ID < b.ID
}
