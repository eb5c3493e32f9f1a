package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connmgr/internal/realtime"
	logx "connmgr/pkg/logx"
)

func newGateway(t *testing.T, cfg Config) (*Server, *realtime.Manager, *httptest.Server) {
	t.Helper()
	m := realtime.NewManager(context.Background(), realtime.DefaultConfig())
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	s := New(cfg, m, logx.Nop())
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return s, m, hs
}

func dial(t *testing.T, hs *httptest.Server, hdr http.Header) (*gws.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	d := gws.Dialer{HandshakeTimeout: 2 * time.Second}
	return d.Dial(url, hdr)
}

func TestUpgradeRegistersAndDelivers(t *testing.T) {
	ctx := context.Background()
	s, m, hs := newGateway(t, Config{})

	// Queued before the client shows up; replayed on connect.
	require.NoError(t, m.SendToUser(ctx, "u1", realtime.NewMessage("welcome.back", nil)))

	ws, _, err := dial(t, hs, http.Header{"X-User-ID": {"u1"}})
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return m.Registry().IsActive("u1") }, 2*time.Second, 5*time.Millisecond)
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	var got realtime.Message
	require.NoError(t, ws.ReadJSON(&got))
	assert.Equal(t, "welcome.back", got.Type)

	require.NoError(t, m.EmitCriticalEvent(ctx, "u1", "order.filled", map[string]any{"id": 1}))
	require.NoError(t, ws.ReadJSON(&got))
	assert.Equal(t, "order.filled", got.Type)
	assert.True(t, got.Critical)

	h := m.ConnectionHealth("u1")
	require.Len(t, h.Connections, 1)
	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.Active == 1 && st.Accepted == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ws.WriteMessage(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return !m.Registry().IsActive("u1") }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Stats().Active == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestUpgradeRequiresUserHeader(t *testing.T) {
	s, m, hs := newGateway(t, Config{})

	_, resp, err := dial(t, hs, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, uint64(1), s.Stats().Rejected)
	assert.Equal(t, 0, m.Stats().TotalConnections)
}

func TestCustomUserHeader(t *testing.T) {
	_, m, hs := newGateway(t, Config{UserHeader: "X-Account"})
	ws, _, err := dial(t, hs, http.Header{"X-Account": {"acct-9"}})
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return m.Registry().IsActive("acct-9") }, 2*time.Second, 5*time.Millisecond)
}

func TestOriginChecker(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.Nil(t, originChecker(nil))

	anyOrigin := originChecker([]string{"*"})
	assert.True(t, anyOrigin(req("https://evil.example")))

	check := originChecker([]string{"https://app.example.com/", " https://admin.example.com"})
	assert.True(t, check(req("https://app.example.com")))
	assert.True(t, check(req("HTTPS://ADMIN.example.com")))
	assert.True(t, check(req("")))
	assert.False(t, check(req("https://evil.example")))
}

func TestServeStopsWithContext(t *testing.T) {
	m := realtime.NewManager(context.Background(), realtime.DefaultConfig())
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	s := New(Config{Addr: "127.0.0.1:0", Heartbeat: 10 * time.Millisecond}, m, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	var beats atomic.Int64
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, func() { beats.Add(1) }) }()

	require.Eventually(t, func() bool { return s.Addr() != "" && beats.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	url := "ws://" + s.Addr() + "/ws"
	ws, _, err := gws.DefaultDialer.Dial(url, http.Header{"X-User-ID": {"u2"}})
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return m.Registry().IsActive("u2") }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Empty(t, s.Addr())
	require.Eventually(t, func() bool { return !m.Registry().IsActive("u2") }, 2*time.Second, 5*time.Millisecond)
}
