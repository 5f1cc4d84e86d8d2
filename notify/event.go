// Package notify defines the wallet event model and the dispatcher that
// fans events out to subscribed connections.
package notify

import (
	"encoding/json"
	"time"
)

// EventType names a wallet event on the wire.
type EventType string

const (
	// EventConnected greets a connection after the upgrade completes.
	EventConnected EventType = "CONNECTED"
	// EventAuthSuccess confirms credential verification.
	EventAuthSuccess EventType = "AUTH_SUCCESS"
	// EventAuthError reports a rejected credential.
	EventAuthError EventType = "AUTH_ERROR"
	// EventWalletState carries the full balance snapshot sent on subscribe.
	EventWalletState EventType = "WALLET_STATE"
	// EventTokenInjected reports newly issued balance.
	EventTokenInjected EventType = "TOKEN_INJECTED"
	// EventPriceUpdated reports a repriced balance.
	EventPriceUpdated EventType = "PRICE_UPDATED"
	// EventTokenBurned reports destroyed balance.
	EventTokenBurned EventType = "TOKEN_BURNED"
	// EventTokenTransferred reports balance moved between wallets.
	EventTokenTransferred EventType = "TOKEN_TRANSFERRED"
	// EventUnsubscribed confirms an unsubscribe request.
	EventUnsubscribed EventType = "UNSUBSCRIBED"
	// EventError reports a request-level failure without closing the
	// connection.
	EventError EventType = "ERROR"
	// EventPong answers an application-level ping.
	EventPong EventType = "PONG"
)

// Event is a single notification addressed to one wallet key.
type Event struct {
	Type      EventType `json:"type"`
	Wallet    string    `json:"wallet,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(t EventType, wallet string, payload any) Event {
	return Event{Type: t, Wallet: wallet, Payload: payload, Timestamp: time.Now().UTC()}
}

// Encode marshals the event into its wire frame.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}
