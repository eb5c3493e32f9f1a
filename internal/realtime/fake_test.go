package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"connmgr/internal/transport"
)

// fakeTransport records every written message. fail, when set, decides the
// outcome of each write by its 1-based attempt number.
type fakeTransport struct {
	mu       sync.Mutex
	msgs     []Message
	attempts int
	closed   bool
	fail     func(attempt int) error
	delay    time.Duration
}

func (f *fakeTransport) WriteJSON(ctx context.Context, v any) error {
	f.mu.Lock()
	f.attempts++
	n := f.attempts
	fail := f.fail
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(n); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	f.msgs = append(f.msgs, v.(Message))
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) setFail(fn func(int) error) {
	f.mu.Lock()
	f.fail = fn
	f.mu.Unlock()
}

func (f *fakeTransport) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.msgs...)
}

func (f *fakeTransport) types() []string {
	var out []string
	for _, m := range f.messages() {
		out = append(out, m.Type)
	}
	return out
}

func (f *fakeTransport) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

var errBrokenPipe = errors.New("broken pipe")

func failWith(err error) func(int) error {
	return func(int) error { return err }
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CriticalRetryBackoff = time.Millisecond
	cfg.CriticalRetryMaxBackoff = 2 * time.Millisecond
	cfg.FailureLogRatePerSec = 0
	return cfg
}

func newTestManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(context.Background(), cfg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func connect(t *testing.T, m *Manager, id, userID string) (*Connection, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	c := NewConnection(id, userID, ft, nil)
	require.NoError(t, m.AddConnection(c))
	return c, ft
}
