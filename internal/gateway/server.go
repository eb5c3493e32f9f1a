// Package gateway accepts WebSocket clients and registers each socket with
// the realtime manager for the lifetime of the connection.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gws "github.com/gorilla/websocket"

	"connmgr/internal/realtime"
	"connmgr/internal/transport/websocket"
	logx "connmgr/pkg/logx"
)

// Config is the resolved gateway configuration.
type Config struct {
	Addr       string
	Path       string
	UserHeader string
	// AllowOrigins lists accepted Origin values. Empty means same-host only,
	// "*" accepts any origin.
	AllowOrigins []string
	WS           websocket.Config

	// Heartbeat is how often Serve beats while the listener is up.
	Heartbeat time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = ":8080"
	}
	if strings.TrimSpace(c.Path) == "" {
		c.Path = "/ws"
	}
	if !strings.HasPrefix(c.Path, "/") {
		c.Path = "/" + c.Path
	}
	if strings.TrimSpace(c.UserHeader) == "" {
		c.UserHeader = "X-User-ID"
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 5 * time.Second
	}
	return c
}

type Server struct {
	cfg      Config
	mgr      *realtime.Manager
	log      logx.Logger
	upgrader gws.Upgrader

	mu sync.Mutex
	ln net.Listener

	active   atomic.Int64
	accepted atomic.Uint64
	rejected atomic.Uint64
}

// Stats are gateway counters for the ops API.
type Stats struct {
	Active   int64  `json:"active"`
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

func New(cfg Config, mgr *realtime.Manager, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Server{cfg: cfg, mgr: mgr, log: log}
	s.upgrader = gws.Upgrader{
		ReadBufferSize:  4 << 10,
		WriteBufferSize: 4 << 10,
		CheckOrigin:     originChecker(cfg.AllowOrigins),
	}
	return s
}

// originChecker returns nil for an empty list so gorilla applies its
// same-host check.
func originChecker(allow []string) func(*http.Request) bool {
	if len(allow) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allow))
	for _, o := range allow {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[strings.ToLower(o)] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser client.
			return true
		}
		_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}

func (s *Server) Stats() Stats {
	return Stats{
		Active:   s.active.Load(),
		Accepted: s.accepted.Load(),
		Rejected: s.rejected.Load(),
	}
}

// Addr is the bound listen address, empty while not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Handler serves the upgrade endpoint at the configured path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.cfg.Path, s.handleUpgrade)
	return mux
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(s.cfg.UserHeader))
	if userID == "" {
		s.rejected.Add(1)
		http.Error(w, "missing "+s.cfg.UserHeader, http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.rejected.Add(1)
		s.log.Debug("ws upgrade failed", logx.String("user_id", userID), logx.Err(err))
		return
	}

	log := s.log.With(logx.String("user_id", userID))
	conn := websocket.New(ws, s.cfg.WS, log)
	c, err := s.mgr.ConnectUser(userID, conn, map[string]string{
		"remote_addr": conn.RemoteAddr(),
		"user_agent":  r.UserAgent(),
	})
	if err != nil {
		s.rejected.Add(1)
		log.Warn("ws register failed", logx.Err(err))
		_ = conn.Close()
		return
	}
	s.accepted.Add(1)
	s.active.Add(1)
	defer s.active.Add(-1)
	log = log.With(logx.String("conn_id", c.ID))
	log.Debug("ws connected", logx.String("remote_addr", conn.RemoteAddr()))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go conn.KeepAlive(ctx)

	err = conn.ReadLoop(ctx, func(mt int, data []byte) {
		log.Trace("ws inbound frame", logx.Int("type", mt), logx.Int("bytes", len(data)))
	})
	s.mgr.RemoveConnection(c.ID)
	_ = conn.Close()
	if err != nil {
		log.Debug("ws disconnected", logx.Err(err))
		return
	}
	log.Debug("ws disconnected")
}

// Serve listens on the configured address until ctx ends. Its signature
// matches supervisor.TaskFunc; beat is called every Heartbeat while the
// listener is up.
func (s *Server) Serve(ctx context.Context, beat func()) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.ln = nil
		s.mu.Unlock()
	}()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Hijacked sockets are not tracked by Shutdown; deriving request
		// contexts from ctx lets their read loops end with it.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	s.log.Info("gateway listening",
		logx.String("addr", ln.Addr().String()),
		logx.String("path", s.cfg.Path),
	)

	t := time.NewTicker(s.cfg.Heartbeat)
	defer t.Stop()
	beat()
	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = srv.Shutdown(sctx)
			cancel()
			<-errCh
			s.log.Info("gateway stopped", logx.Int64("open_sockets", s.active.Load()))
			return nil
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-t.C:
			beat()
		}
	}
}
