// Package websocket adapts gorilla/websocket connections to transport.Transport.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	gws "github.com/gorilla/websocket"

	"connmgr/internal/transport"
	logx "connmgr/pkg/logx"
)

// Config controls per-connection deadlines and limits.
//
// Zero values fall back to defaults:
//   - WriteTimeout: 5s
//   - PongWait: 60s
//   - PingInterval: 9/10 of PongWait
//   - ReadLimit: 64 KiB
type Config struct {
	WriteTimeout time.Duration
	PongWait     time.Duration
	PingInterval time.Duration
	ReadLimit    int64
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	return c
}

// Conn wraps one upgraded websocket.
//
// gorilla allows one concurrent writer; writeMu enforces it for data frames.
// Control frames (ping/close) go through WriteControl, which gorilla allows
// concurrently with other methods.
type Conn struct {
	ws  *gws.Conn
	cfg Config
	log logx.Logger

	writeMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

var (
	_ transport.Transport = (*Conn)(nil)
	_ transport.Pinger    = (*Conn)(nil)
)

func New(ws *gws.Conn, cfg Config, log logx.Logger) *Conn {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Conn{
		ws:   ws,
		cfg:  cfg.withDefaults(),
		log:  log,
		done: make(chan struct{}),
	}
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.done }

// RemoteAddr returns the peer address as a string.
func (c *Conn) RemoteAddr() string {
	if c.ws == nil {
		return ""
	}
	return c.ws.RemoteAddr().String()
}

// WriteJSON writes v as one text frame.
//
// The deadline is the earlier of ctx's deadline and now+WriteTimeout.
// gorilla leaves the connection unusable after any write error, so every
// failure is reported as permanent.
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return transport.ErrClosed
	}
	_ = c.ws.SetWriteDeadline(c.deadline(ctx))
	if err := c.ws.WriteJSON(v); err != nil {
		return transport.Permanent(fmt.Errorf("ws write: %w", err))
	}
	return nil
}

// Ping sends a ping control frame.
func (c *Conn) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	if err := c.ws.WriteControl(gws.PingMessage, nil, c.deadline(ctx)); err != nil {
		return transport.Permanent(fmt.Errorf("ws ping: %w", err))
	}
	return nil
}

// Close sends a normal-closure frame and closes the socket. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.ws.WriteControl(
			gws.CloseMessage,
			gws.FormatCloseMessage(gws.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.ws.Close()
	})
	return err
}

// ReadLoop consumes inbound frames until the peer goes away, the pong
// deadline passes or ctx ends. Pongs extend the read deadline.
//
// onMessage may be nil; inbound payloads then are discarded.
func (c *Conn) ReadLoop(ctx context.Context, onMessage func(msgType int, data []byte)) error {
	c.ws.SetReadLimit(c.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() || ctx.Err() != nil {
				return nil
			}
			if gws.IsCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway, gws.CloseNoStatusReceived) {
				return nil
			}
			var ce *gws.CloseError
			if errors.As(err, &ce) {
				c.log.Debug("ws closed by peer", logx.Int("code", ce.Code), logx.String("text", ce.Text))
				return nil
			}
			return fmt.Errorf("ws read: %w", err)
		}
		if onMessage != nil {
			onMessage(mt, data)
		}
	}
}

// KeepAlive pings the peer every PingInterval until ctx ends or the
// connection closes.
func (c *Conn) KeepAlive(ctx context.Context) {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-t.C:
			if err := c.Ping(ctx); err != nil {
				c.log.Debug("ws keepalive ping failed", logx.Err(err))
				_ = c.Close()
				return
			}
		}
	}
}

func (c *Conn) deadline(ctx context.Context) time.Time {
	dl := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(dl) {
		dl = d
	}
	return dl
}
