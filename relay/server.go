package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds the knobs relay.Server is constructed with.
type Config struct {
	// ExternalHost, if non-empty, overrides the Host header when building
	// the /cookie redirect target.
	ExternalHost string

	// IdleTimeout is how long a session may go without ever being
	// attached before the idle-session reaper closes it. Zero selects
	// defaultIdleTimeout.
	IdleTimeout time.Duration

	// Debug enables per-request logging via requestlog.
	Debug bool
}

// Server is the HTTP front door: it owns the session registry and metrics,
// and exposes /cookie, /proxy, /connect, /metrics and /health.
type Server struct {
	ShutdownHelper

	config      Config
	httpServer  *HTTPServer
	registry    *Registry
	metrics     *Metrics
	httpHandler http.Handler
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewServer builds a Server. The returned Server's registry reaper is
// already running; call Run to start accepting connections.
func NewServer(logger Logger, config Config) *Server {
	metrics := NewMetrics()
	s := &Server{
		config:     config,
		httpServer: NewHTTPServer(logger),
		metrics:    metrics,
		registry:   NewRegistry(logger, metrics, config.IdleTimeout),
	}
	s.InitShutdownHelper(logger, s)
	return s
}

// Run starts the HTTP listener on host:port and blocks until the server is
// shut down, either via the context or via Close/Shutdown.
func (s *Server) Run(ctx context.Context, host, port string) error {
	err := s.DoOnceActivate(
		func() error {
			s.ShutdownOnContext(ctx)

			h := http.Handler(http.HandlerFunc(s.route))
			if s.config.Debug || s.GetLogLevel() >= LogLevelDebug {
				h = requestlog.Wrap(h)
			}
			s.httpHandler = h
			return nil
		},
		true,
	)
	if err != nil {
		return err
	}

	s.ILogf("listening on %s:%s", host, port)
	s.httpServer.ListenAndServe(ctx, host+":"+port, s.httpHandler)

	return s.Close()
}

// HandleOnceShutdown will be called exactly once, in its own goroutine.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.DLogf("HandleOnceShutdown")
	err := s.httpServer.Close()
	s.registry.Close()

	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/cookie":
		s.handleCookie(w, r)
	case "/proxy":
		s.handleProxy(w, r)
	case "/connect":
		s.handleConnect(w, r)
	case "/metrics":
		promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
	case "/health":
		w.Write([]byte("OK\n"))
	default:
		if websocket.IsWebSocketUpgrade(r) {
			// Upgrades are always accepted; a wrong path is reported by
			// protocol-closing the new connection, as for a bad /connect.
			if ws, err := upgrader.Upgrade(w, r, nil); err == nil {
				protocolCloseRaw(ws)
			}
			return
		}
		http.Error(w, "Unknown endpoint", http.StatusNotFound)
	}
}
