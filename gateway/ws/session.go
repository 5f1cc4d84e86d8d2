package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nuid"

	"github.com/c360/walletvault/auth"
	walleterrors "github.com/c360/walletvault/errors"
	"github.com/c360/walletvault/notify"
)

const (
	outboundBuffer = 64
	writeWait      = 10 * time.Second
	requestTimeout = 10 * time.Second
)

// session is one client connection. It implements registry.ConnectionHandle;
// the write pump is the only goroutine that touches the underlying
// connection for writes, so frames leave in Send order.
type session struct {
	id     string
	conn   *websocket.Conn
	server *Server
	logger *slog.Logger

	outbound chan []byte
	done     chan struct{}

	mu            sync.Mutex
	principal     auth.Principal
	authenticated bool

	closeOnce sync.Once
}

func newSession(server *Server, conn *websocket.Conn) *session {
	id := nuid.Next()
	return &session{
		id:       id,
		conn:     conn,
		server:   server,
		logger:   server.logger.With("connection", id),
		outbound: make(chan []byte, outboundBuffer),
		done:     make(chan struct{}),
	}
}

// ID implements registry.ConnectionHandle.
func (s *session) ID() string { return s.id }

// IsOpen implements registry.ConnectionHandle.
func (s *session) IsOpen() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Send enqueues a frame. A full buffer means the client cannot keep up;
// the session is torn down rather than blocking the dispatcher.
func (s *session) Send(data []byte) error {
	select {
	case <-s.done:
		return walleterrors.ErrConnectionClosed
	default:
	}
	select {
	case s.outbound <- data:
		return nil
	default:
		s.logger.Warn("outbound buffer full, closing session")
		s.server.metrics.IncOverflow()
		s.Close()
		return walleterrors.WrapKind(walleterrors.KindTransport,
			walleterrors.ErrConnectionClosed, "ws", "Send", "enqueueing frame")
	}
}

// Close tears the session down. Subscriptions are removed synchronously:
// once Close returns, no dispatch will target this session.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.server.registry.UnsubscribeAll(s)
		s.conn.Close()
		s.server.dropSession(s)
		s.logger.Debug("session closed")
	})
	return nil
}

func (s *session) sendEvent(event notify.Event) {
	frame, err := event.Encode()
	if err != nil {
		s.logger.Error("event encoding failed", "type", event.Type, "error", err)
		return
	}
	if err := s.Send(frame); err == nil {
		s.server.metrics.IncSent(string(event.Type))
	}
}

func (s *session) sendError(err error) {
	s.sendEvent(notify.NewEvent(notify.EventError, "", map[string]string{
		"code":    walleterrors.KindOf(err).String(),
		"message": err.Error(),
	}))
	s.server.metrics.IncError()
}

// readPump consumes client frames until the connection drops. The read
// deadline is pushed forward on every pong, so a client that misses the
// heartbeat window gets disconnected here.
func (s *session) readPump() {
	defer s.Close()

	deadline := s.server.heartbeatInterval + s.server.pongTimeout
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(deadline))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(deadline))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read failed", "error", err)
			}
			return
		}
		s.handleMessage(data)
	}
}

// writePump owns all writes: queued frames and heartbeat pings.
func (s *session) writePump() {
	ticker := time.NewTicker(s.server.heartbeatInterval)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case frame := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug("write failed", "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("ping failed", "error", err)
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) handleMessage(data []byte) {
	env, err := parseEnvelope(data)
	if err != nil {
		s.sendError(walleterrors.WrapKind(walleterrors.KindValidation, err,
			"ws", "handleMessage", "parsing message"))
		return
	}
	s.server.metrics.IncReceived(env.Type)

	switch env.Type {
	case TypeAuth:
		s.handleAuth(env.Token)
	case TypeSubscribe:
		s.handleSubscribe(env)
	case TypeUnsubscribe:
		s.handleUnsubscribe(env)
	case TypePing:
		s.handlePing(env)
	default:
		s.sendError(walleterrors.Newf(walleterrors.KindValidation,
			"unknown message type %q", env.Type))
	}
}

func (s *session) handleAuth(token string) {
	principal, err := s.server.verifier.Verify(token)
	if err != nil {
		s.sendEvent(notify.NewEvent(notify.EventAuthError, "", map[string]string{
			"message": "authentication failed",
		}))
		s.server.metrics.IncError()
		s.logger.Debug("authentication rejected")
		return
	}

	s.mu.Lock()
	s.principal = principal
	s.authenticated = true
	s.mu.Unlock()

	s.sendEvent(notify.NewEvent(notify.EventAuthSuccess, "", map[string]any{
		"id":    principal.ID,
		"admin": principal.Admin,
	}))
	s.logger.Debug("authenticated", "principal", principal.ID, "admin", principal.Admin)
}

// principalFor returns the session principal, verifying an inline token
// first if the session has not authenticated yet.
func (s *session) principalFor(env Envelope) (auth.Principal, error) {
	s.mu.Lock()
	if s.authenticated {
		p := s.principal
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	if env.Token == "" {
		return auth.Principal{}, walleterrors.WrapKind(walleterrors.KindAuthentication,
			walleterrors.ErrInvalidToken, "ws", "principalFor", "checking session auth")
	}
	principal, err := s.server.verifier.Verify(env.Token)
	if err != nil {
		return auth.Principal{}, err
	}

	s.mu.Lock()
	s.principal = principal
	s.authenticated = true
	s.mu.Unlock()
	return principal, nil
}

func (s *session) handleSubscribe(env Envelope) {
	principal, err := s.principalFor(env)
	if err != nil {
		s.sendError(err)
		return
	}

	var payload SubscribePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.Wallet == "" {
		s.sendError(walleterrors.New(walleterrors.KindValidation, "subscribe requires a wallet"))
		return
	}
	if !principal.Admin && principal.ID != payload.Wallet {
		s.sendError(walleterrors.WrapKind(walleterrors.KindAuthorization,
			walleterrors.ErrAdminRequired, "ws", "handleSubscribe", "subscribing to foreign wallet"))
		return
	}

	s.server.registry.Subscribe(payload.Wallet, s)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	records, err := s.server.ledger.WalletTokens(ctx, payload.Wallet)
	if err != nil {
		s.logger.Warn("snapshot load failed", "wallet", payload.Wallet, "error", err)
		records = nil
	}
	s.sendEvent(notify.NewEvent(notify.EventWalletState, payload.Wallet, map[string]any{
		"tokens": records,
	}))
	s.logger.Debug("subscribed", "wallet", payload.Wallet)
}

func (s *session) handleUnsubscribe(env Envelope) {
	if _, err := s.principalFor(env); err != nil {
		s.sendError(err)
		return
	}

	var payload SubscribePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.Wallet == "" {
		s.sendError(walleterrors.New(walleterrors.KindValidation, "unsubscribe requires a wallet"))
		return
	}
	s.server.registry.Unsubscribe(payload.Wallet, s)
	s.sendEvent(notify.NewEvent(notify.EventUnsubscribed, payload.Wallet, map[string]string{
		"wallet": payload.Wallet,
	}))
}

// handlePing answers application-level pings. Like every other request type
// it is only served to an authenticated caller.
func (s *session) handlePing(env Envelope) {
	if _, err := s.principalFor(env); err != nil {
		s.sendError(err)
		return
	}
	s.sendEvent(notify.NewEvent(notify.EventPong, "", nil))
}
