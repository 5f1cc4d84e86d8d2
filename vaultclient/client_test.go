package vaultclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	walleterrors "github.com/c360/walletvault/errors"
	"github.com/c360/walletvault/notify"
)

const testToken = "client-test-token"

// startServer runs a WebSocket endpoint whose per-connection behavior is
// supplied by session.
func startServer(t *testing.T, session func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		session(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func expectAuth(conn *websocket.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return false
	}
	var env envelope
	if json.Unmarshal(data, &env) != nil {
		return false
	}
	return env.Type == "AUTH" && env.Token == testToken
}

func writeEvent(conn *websocket.Conn, event notify.Event) error {
	data, err := event.Encode()
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// drain keeps reading (and auto-answering pings) until the peer goes away.
func drain(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func newTestClient(t *testing.T, url string, attempts int) *Client {
	t.Helper()
	c, err := New(Config{
		URL:                  url,
		Token:                testToken,
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectDelay:    50 * time.Millisecond,
		MaxReconnectAttempts: attempts,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got, ok := <-c.States():
			if !ok {
				t.Fatalf("state channel closed while waiting for %s", want)
			}
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s (currently %s)", want, c.State())
		}
	}
}

func waitEvent(t *testing.T, c *Client, want notify.EventType) notify.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-c.Events():
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", want)
			}
			if event.Type == want {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", want)
		}
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Token: "t"})
	assert.True(t, walleterrors.IsValidation(err))
	_, err = New(Config{URL: "ws://example"})
	assert.True(t, walleterrors.IsValidation(err))
}

func TestConnectAuthenticateAndReceive(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn) {
		if !expectAuth(conn) {
			return
		}
		writeEvent(conn, notify.NewEvent(notify.EventAuthSuccess, "", nil))
		writeEvent(conn, notify.NewEvent(notify.EventTokenInjected, "wallet-a", map[string]string{"k": "v"}))
		drain(conn)
	})

	c := newTestClient(t, url, 3)
	require.NoError(t, c.Start(context.Background()))

	waitState(t, c, StateLive)
	event := waitEvent(t, c, notify.EventTokenInjected)
	assert.Equal(t, "wallet-a", event.Wallet)
}

func TestSubscribeRoundTrip(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn) {
		if !expectAuth(conn) {
			return
		}
		writeEvent(conn, notify.NewEvent(notify.EventAuthSuccess, "", nil))

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if json.Unmarshal(data, &env) != nil || env.Type != "SUBSCRIBE_WALLET" {
			return
		}
		writeEvent(conn, notify.NewEvent(notify.EventWalletState, "wallet-a", nil))
		drain(conn)
	})

	c := newTestClient(t, url, 3)
	require.NoError(t, c.Start(context.Background()))
	waitState(t, c, StateLive)

	require.NoError(t, c.Subscribe("wallet-a"))
	event := waitEvent(t, c, notify.EventWalletState)
	assert.Equal(t, "wallet-a", event.Wallet)
}

func TestCredentialRejectionIsTerminal(t *testing.T) {
	var sessions atomic.Int32
	url := startServer(t, func(conn *websocket.Conn) {
		sessions.Add(1)
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		conn.ReadMessage()
		writeEvent(conn, notify.NewEvent(notify.EventAuthError, "", nil))
		drain(conn)
	})

	c := newTestClient(t, url, 5)
	require.NoError(t, c.Start(context.Background()))

	waitState(t, c, StateFailed)
	assert.Equal(t, int32(1), sessions.Load(), "a rejected credential must not trigger reconnects")
}

func TestReconnectAfterServerDrop(t *testing.T) {
	var sessions atomic.Int32
	url := startServer(t, func(conn *websocket.Conn) {
		n := sessions.Add(1)
		if !expectAuth(conn) {
			return
		}
		writeEvent(conn, notify.NewEvent(notify.EventAuthSuccess, "", nil))
		if n == 1 {
			return // drop the first session right after auth
		}
		drain(conn)
	})

	c := newTestClient(t, url, 5)
	require.NoError(t, c.Start(context.Background()))

	waitState(t, c, StateLive)
	waitState(t, c, StateReconnecting)
	waitState(t, c, StateLive)
	assert.GreaterOrEqual(t, sessions.Load(), int32(2))
}

func TestAttemptExhaustionFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close() // nothing listens anymore

	c := newTestClient(t, url, 2)
	require.NoError(t, c.Start(context.Background()))

	waitState(t, c, StateFailed)
}

func TestRequestsOutsideLiveFail(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1/never", 1)
	err := c.Subscribe("wallet-a")
	assert.True(t, walleterrors.IsTransport(err))
	err = c.Ping()
	assert.True(t, walleterrors.IsTransport(err))
}

func TestCloseStopsAgent(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn) {
		if !expectAuth(conn) {
			return
		}
		writeEvent(conn, notify.NewEvent(notify.EventAuthSuccess, "", nil))
		drain(conn)
	})

	c := newTestClient(t, url, 3)
	require.NoError(t, c.Start(context.Background()))
	waitState(t, c, StateLive)

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())

	// Events channel closes when the loop exits.
	for range c.Events() {
	}
}
