package ws

import (
	"encoding/json"
	"fmt"
)

// Inbound message types.
const (
	TypeAuth        = "AUTH"
	TypeSubscribe   = "SUBSCRIBE_WALLET"
	TypeUnsubscribe = "UNSUBSCRIBE_WALLET"
	TypePing        = "PING"
)

// Envelope is the frame clients send. Token authenticates the session,
// either in a dedicated AUTH frame or inline on the first request.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Token   string          `json:"token,omitempty"`
}

// SubscribePayload addresses subscribe and unsubscribe requests.
type SubscribePayload struct {
	Wallet string `json:"wallet"`
}

func parseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed message: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("message type is required")
	}
	return env, nil
}
