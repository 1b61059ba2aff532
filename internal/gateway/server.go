// Package gateway is relay's control surface: a JSON-over-WebSocket RPC
// endpoint through which operators, paired devices, and nodes drive the
// agent runtime, sessions, channels, cron, approvals, and configuration.
// Every connection performs a connect handshake before any method
// dispatches; server-initiated events stream back over the same socket.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/internal/approval"
	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/cron"
	"github.com/haasonsaas/relay/internal/devices"
	"github.com/haasonsaas/relay/internal/memory"
	"github.com/haasonsaas/relay/internal/nodes"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/sessions"
)

// ServerName identifies this gateway in the connect hello.
const ServerName = "relay"

// Config tunes the server. Zero values take defaults.
type Config struct {
	Host         string
	Port         int
	SharedSecret string

	// PingInterval paces keepalive pings; the pong deadline is derived
	// from it. ReadLimit bounds a single inbound frame.
	PingInterval time.Duration
	ReadLimit    int64

	// WriteBuffer is the per-connection outbound queue length. A
	// connection that cannot drain it is dropped.
	WriteBuffer int

	Version string
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8787
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.WriteBuffer <= 0 {
		c.WriteBuffer = 256
	}
	return c
}

// Deps are the subsystems the gateway fronts. Runtime, Sessions, and Bus
// are required; the rest may be nil, which turns their method groups into
// UNAVAILABLE responses.
type Deps struct {
	Runtime   *Runtime
	Sessions  sessions.Store
	Bus       *bus.Bus
	Auth      *auth.Service
	Devices   *devices.Store
	Nodes     *nodes.Registry
	Channels  *channels.Registry
	Cron      *cron.Engine
	Approvals *approval.Manager
	Memory    *memory.Store
	Config    *config.Service
	Metrics   *observability.Metrics
	Logger    *slog.Logger

	// Shutdown is invoked by system.shutdown after the response is sent.
	// Restart is the same for system.restart; nil disables the method.
	Shutdown func()
	Restart  func()
}

// Server is the gateway process: one HTTP listener serving /ws, /healthz,
// and /metrics.
type Server struct {
	cfg      Config
	deps     Deps
	logger   *slog.Logger
	policy   *AccessPolicy
	handlers map[string]Handler
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener
	proxy      *StreamProxy

	startedAt time.Time
}

// NewServer wires the dispatch table and the stream proxy. Call Start to
// begin serving.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Runtime == nil || deps.Sessions == nil || deps.Bus == nil {
		return nil, errors.New("gateway requires runtime, sessions, and bus")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "gateway")
	}
	s := &Server{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		logger: deps.Logger,
		policy: DefaultAccessPolicy(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gateway binds to loopback by default; remote exposure
			// goes through a reverse proxy that owns origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.handlers = s.methodTable()
	s.proxy = NewStreamProxy(deps.Bus, deps.Runtime, deps.Logger)
	return s, nil
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the listener and serves until Shutdown. The error from the
// closed listener is swallowed; anything else is returned to the caller
// via the returned channel.
func (s *Server) Start(ctx context.Context) (<-chan error, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("gateway listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.deps.Metrics != nil {
		mux.Handle("/metrics", s.deps.Metrics.Handler())
	}
	s.httpServer = &http.Server{Handler: mux}

	s.proxy.Start()

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("gateway listening", "addr", ln.Addr().String())
	return errCh, nil
}

// Shutdown stops accepting connections and closes live ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.proxy.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime_s":%d}`, int(time.Since(s.startedAt).Seconds()))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	c := newConn(s, ws)
	go c.writePump()
	c.readPump()
}

// Uptime reports how long the server has been accepting connections.
func (s *Server) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}
