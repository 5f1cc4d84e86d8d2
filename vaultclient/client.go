// Package vaultclient is the reconnecting Go client for the wallet vault
// WebSocket API. It maintains one session, authenticates it, forwards
// server events to the caller, and reconnects with bounded backoff when
// the transport drops.
//
// The agent never re-subscribes on the caller's behalf. After a reconnect
// the caller observes the transition back to StateLive and issues its own
// Subscribe calls.
package vaultclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	walleterrors "github.com/c360/walletvault/errors"
	"github.com/c360/walletvault/notify"
	"github.com/c360/walletvault/pkg/retry"
)

// State is the agent's connection lifecycle phase.
type State int

const (
	// StateIdle is the phase before Start.
	StateIdle State = iota
	// StateConnecting covers the initial dial.
	StateConnecting
	// StateAuthenticating covers the window between transport open and
	// AUTH_SUCCESS.
	StateAuthenticating
	// StateLive is the operational phase; Subscribe and Ping work here.
	StateLive
	// StateReconnecting covers the backoff window after a transport drop.
	StateReconnecting
	// StateFailed is terminal: attempts exhausted or credential rejected.
	StateFailed
	// StateClosed is terminal: the caller closed the agent.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config controls the agent.
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Token authenticates the session.
	Token string
	// ReconnectInterval is the delay before the first reconnect attempt
	// (default 5s); subsequent attempts back off exponentially.
	ReconnectInterval time.Duration
	// MaxReconnectDelay caps the backoff (default 60s).
	MaxReconnectDelay time.Duration
	// MaxReconnectAttempts bounds consecutive failed attempts (default 5).
	// The counter resets only after a successful re-authentication.
	MaxReconnectAttempts int
	// HeartbeatInterval is the client ping cadence (default 30s).
	HeartbeatInterval time.Duration
	// PongTimeout is the grace window for the server's pong (default 5s).
	PongTimeout time.Duration
	// AuthTimeout bounds the wait for AUTH_SUCCESS (default 10s).
	AuthTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = time.Minute
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 5 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

const (
	clientEventBuffer = 128
	stateBuffer       = 16
	clientWriteWait   = 10 * time.Second
)

// Client is the reconnection agent. All exported methods are safe for
// concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	started    bool
	lastAuthOK bool

	writeMu sync.Mutex

	events chan notify.Event
	states chan State

	done      chan struct{}
	closeOnce sync.Once
	runDone   chan struct{}
}

// New validates the config and builds an idle agent.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, walleterrors.New(walleterrors.KindValidation, "endpoint URL is required")
	}
	if cfg.Token == "" {
		return nil, walleterrors.New(walleterrors.KindValidation, "credential token is required")
	}
	cfg.applyDefaults()
	return &Client{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "vaultclient"),
		state:   StateIdle,
		events:  make(chan notify.Event, clientEventBuffer),
		states:  make(chan State, stateBuffer),
		done:    make(chan struct{}),
		runDone: make(chan struct{}),
	}, nil
}

// Start launches the connection loop. It returns once the loop is running;
// connection progress is observable via States.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return walleterrors.New(walleterrors.KindInvalidOperation, "client already started")
	}
	c.started = true
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Events delivers server events. The channel closes when the agent stops.
func (c *Client) Events() <-chan notify.Event { return c.events }

// States delivers lifecycle transitions. Slow consumers miss intermediate
// states but always receive the latest terminal one.
func (c *Client) States() <-chan State { return c.states }

// State returns the current lifecycle phase.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close stops the agent and closes the active connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.runDone
	}
	return nil
}

// Subscribe asks the server for notifications about wallet. Valid only in
// StateLive.
func (c *Client) Subscribe(wallet string) error {
	return c.sendRequest("SUBSCRIBE_WALLET", map[string]string{"wallet": wallet})
}

// Unsubscribe stops notifications for wallet.
func (c *Client) Unsubscribe(wallet string) error {
	return c.sendRequest("UNSUBSCRIBE_WALLET", map[string]string{"wallet": wallet})
}

// Ping sends an application-level ping; the server answers with a PONG
// event.
func (c *Client) Ping() error {
	return c.sendRequest("PING", nil)
}

func (c *Client) sendRequest(msgType string, payload any) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateLive || conn == nil {
		return walleterrors.WrapKind(walleterrors.KindTransport,
			walleterrors.ErrConnectionClosed, "vaultclient", "sendRequest",
			fmt.Sprintf("sending %s while %s", msgType, state))
	}
	return c.write(conn, envelope{Type: msgType, Payload: payload})
}

type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	Token   string `json:"token,omitempty"`
}

func (c *Client) write(conn *websocket.Conn, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return walleterrors.Wrap(err, "vaultclient", "write", "encoding message")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return walleterrors.WrapKind(walleterrors.KindTransport, err,
			"vaultclient", "write", "sending message")
	}
	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	select {
	case c.states <- s:
	default:
		// Drop the oldest pending transition so the latest always lands.
		select {
		case <-c.states:
		default:
		}
		select {
		case c.states <- s:
		default:
		}
	}
	c.logger.Debug("state changed", "state", s.String())
}

// run is the connection loop: dial, authenticate, serve, back off, repeat.
func (c *Client) run(ctx context.Context) {
	defer close(c.runDone)
	defer close(c.events)

	backoff := retry.Config{
		InitialDelay: c.cfg.ReconnectInterval,
		MaxDelay:     c.cfg.MaxReconnectDelay,
		Multiplier:   2.0,
	}
	attempts := 0

	for {
		if c.stopping(ctx) {
			c.setState(StateClosed)
			return
		}
		if attempts == 0 {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
		}

		err := c.connectAndServe(ctx)
		switch {
		case c.stopping(ctx):
			c.setState(StateClosed)
			return
		case walleterrors.IsAuthentication(err):
			c.logger.Error("credential rejected, giving up", "error", err)
			c.setState(StateFailed)
			return
		}

		// A cycle that authenticated successfully resets the budget; the
		// drop that ended it counts as the first new failure.
		if c.authSucceededLastCycle() {
			attempts = 0
		}
		attempts++
		if attempts > c.cfg.MaxReconnectAttempts {
			c.logger.Error("reconnect attempts exhausted",
				"attempts", c.cfg.MaxReconnectAttempts, "error", err)
			c.setState(StateFailed)
			return
		}

		c.setState(StateReconnecting)
		delay := retry.Delay(backoff, attempts+1)
		c.logger.Info("connection lost, reconnecting",
			"attempt", attempts, "max", c.cfg.MaxReconnectAttempts,
			"delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(StateClosed)
			return
		case <-c.done:
			timer.Stop()
			c.setState(StateClosed)
			return
		case <-timer.C:
		}
	}
}

func (c *Client) stopping(ctx context.Context) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	return ctx.Err() != nil
}

// connectAndServe runs one full session: dial, authenticate, then pump
// events until the transport drops. Returns the terminating error.
func (c *Client) connectAndServe(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.AuthTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, nil)
	cancel()
	if err != nil {
		c.markAuth(false)
		return walleterrors.WrapKind(walleterrors.KindTransport, err,
			"vaultclient", "connect", "dialing endpoint")
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	c.setState(StateAuthenticating)
	if err := c.authenticate(conn); err != nil {
		c.markAuth(false)
		return err
	}
	c.markAuth(true)
	c.setState(StateLive)
	c.logger.Info("session live", "url", c.cfg.URL)

	return c.serve(conn)
}

// authenticate sends the credential and waits for the server's verdict,
// skipping unrelated frames such as the connection greeting.
func (c *Client) authenticate(conn *websocket.Conn) error {
	if err := c.write(conn, envelope{Type: "AUTH", Token: c.cfg.Token}); err != nil {
		return err
	}

	deadline := time.Now().Add(c.cfg.AuthTimeout)
	for {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			return walleterrors.WrapKind(walleterrors.KindTransport, err,
				"vaultclient", "authenticate", "awaiting verdict")
		}
		var event notify.Event
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}
		switch event.Type {
		case notify.EventAuthSuccess:
			c.emit(event)
			return nil
		case notify.EventAuthError:
			return walleterrors.WrapKind(walleterrors.KindAuthentication,
				walleterrors.ErrInvalidToken, "vaultclient", "authenticate", "verifying credential")
		default:
			c.emit(event)
		}
	}
}

// serve pumps server events and runs the heartbeat until the transport
// fails.
func (c *Client) serve(conn *websocket.Conn) error {
	readWindow := c.cfg.HeartbeatInterval + c.cfg.PongTimeout
	conn.SetReadDeadline(time.Now().Add(readWindow))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWindow))
		return nil
	})

	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go c.heartbeat(conn, heartbeatDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return walleterrors.WrapKind(walleterrors.KindTransport, err,
				"vaultclient", "serve", "reading event")
		}
		var event notify.Event
		if err := json.Unmarshal(data, &event); err != nil {
			c.logger.Warn("discarding undecodable frame", "error", err)
			continue
		}
		c.emit(event)
	}
}

// heartbeat pings on the configured cadence. A write failure closes the
// connection, which surfaces in serve's read loop.
func (c *Client) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("heartbeat write failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) emit(event notify.Event) {
	select {
	case c.events <- event:
	default:
		c.logger.Warn("event dropped, consumer too slow", "type", event.Type)
	}
}

func (c *Client) markAuth(ok bool) {
	c.mu.Lock()
	c.lastAuthOK = ok
	c.mu.Unlock()
}

func (c *Client) authSucceededLastCycle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAuthOK
}
