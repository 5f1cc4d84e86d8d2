// Package ws serves WebSocket connection sessions: authentication, wallet
// subscriptions, heartbeat liveness, and ordered event delivery.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/walletvault/auth"
	"github.com/c360/walletvault/ledger"
	"github.com/c360/walletvault/notify"
	"github.com/c360/walletvault/registry"
)

const maxMessageSize = 64 * 1024

// SnapshotSource supplies the balance snapshot pushed on subscribe.
type SnapshotSource interface {
	WalletTokens(ctx context.Context, wallet string) ([]ledger.Record, error)
}

// Options configures the session server.
type Options struct {
	Registry          *registry.Registry
	Verifier          auth.Verifier
	Ledger            SnapshotSource
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	Logger            *slog.Logger
	PromRegistry      *prometheus.Registry
	CheckOrigin       func(r *http.Request) bool
}

// Server upgrades HTTP requests into connection sessions and owns their
// lifecycle.
type Server struct {
	upgrader websocket.Upgrader
	registry *registry.Registry
	verifier auth.Verifier
	ledger   SnapshotSource
	logger   *slog.Logger
	metrics  *Metrics

	heartbeatInterval time.Duration
	pongTimeout       time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	stopped  bool
}

// NewServer wires a session server. Heartbeat defaults: 30s interval, 5s
// pong window.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 5 * time.Second
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		registry:          opts.Registry,
		verifier:          opts.Verifier,
		ledger:            opts.Ledger,
		logger:            logger.With("component", "ws"),
		metrics:           NewMetrics(opts.PromRegistry),
		heartbeatInterval: opts.HeartbeatInterval,
		pongTimeout:       opts.PongTimeout,
		sessions:          make(map[string]*session),
	}
}

// ServeHTTP upgrades the request and runs the session pumps.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s := newSession(srv, conn)

	srv.mu.Lock()
	if srv.stopped {
		srv.mu.Unlock()
		conn.Close()
		return
	}
	srv.sessions[s.id] = s
	count := len(srv.sessions)
	srv.mu.Unlock()

	srv.metrics.SetConnections(count)
	srv.logger.Debug("session opened", "connection", s.id, "remote", r.RemoteAddr)

	go s.writePump()
	s.sendEvent(notify.NewEvent(notify.EventConnected, "", map[string]string{
		"connection": s.id,
	}))
	go s.readPump()
}

func (srv *Server) dropSession(s *session) {
	srv.mu.Lock()
	delete(srv.sessions, s.id)
	count := len(srv.sessions)
	srv.mu.Unlock()
	srv.metrics.SetConnections(count)
}

// SessionCount returns the number of live sessions.
func (srv *Server) SessionCount() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.sessions)
}

// Stop closes every session and refuses new ones.
func (srv *Server) Stop() {
	srv.mu.Lock()
	srv.stopped = true
	open := make([]*session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		open = append(open, s)
	}
	srv.mu.Unlock()

	for _, s := range open {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		s.Close()
	}
	srv.logger.Info("session server stopped", "closed", len(open))
}

// Metrics tracks session server activity. Nil-safe like the dispatcher's.
type Metrics struct {
	connections prometheus.Gauge
	received    *prometheus.CounterVec
	sent        *prometheus.CounterVec
	errors      prometheus.Counter
	overflow    prometheus.Counter
}

// NewMetrics registers session metrics on reg. Returns nil when reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "walletvault_ws_connections",
			Help: "Currently open sessions.",
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "walletvault_ws_messages_received_total",
			Help: "Messages received from clients, by type.",
		}, []string{"type"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "walletvault_ws_messages_sent_total",
			Help: "Frames sent to clients, by event type.",
		}, []string{"type"}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walletvault_ws_errors_total",
			Help: "Request-level errors reported to clients.",
		}),
		overflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walletvault_ws_overflow_closes_total",
			Help: "Sessions closed because the outbound buffer filled.",
		}),
	}
	reg.MustRegister(m.connections, m.received, m.sent, m.errors, m.overflow)
	return m
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Metrics) IncReceived(msgType string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(msgType).Inc()
}

func (m *Metrics) IncSent(eventType string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncError() {
	if m == nil {
		return
	}
	m.errors.Inc()
}

func (m *Metrics) IncOverflow() {
	if m == nil {
		return
	}
	m.overflow.Inc()
}
