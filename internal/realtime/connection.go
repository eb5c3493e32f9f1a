package realtime

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"connmgr/internal/transport"
)

// Connection is one live transport owned by one user.
//
// A Connection is active while the Registry holds it. All writes go through
// Send, which allows a single writer at a time.
type Connection struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	metadata map[string]string
	t        transport.Transport

	writeMu sync.Mutex
}

// NewConnection wraps t. An empty id gets a random UUID.
// metadata is copied.
func NewConnection(id, userID string, t transport.Transport, metadata map[string]string) *Connection {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &Connection{
		ID:          id,
		UserID:      strings.TrimSpace(userID),
		ConnectedAt: time.Now(),
		metadata:    md,
		t:           t,
	}
}

// Metadata returns a copy of the caller-supplied tags.
func (c *Connection) Metadata() map[string]string {
	out := make(map[string]string, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

func (c *Connection) Transport() transport.Transport { return c.t }

// Send writes v, bounded by timeout when it is > 0.
func (c *Connection) Send(ctx context.Context, v any, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.t.WriteJSON(ctx, v)
}

// Ping probes the transport when it supports it.
// ok is false for transports without a liveness probe.
func (c *Connection) Ping(ctx context.Context) (ok bool, err error) {
	p, isPinger := c.t.(transport.Pinger)
	if !isPinger {
		return false, nil
	}
	return true, p.Ping(ctx)
}

func (c *Connection) Close() error {
	if c.t == nil {
		return nil
	}
	return c.t.Close()
}
