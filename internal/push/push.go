// Package push receives wake-up notifications from the dialer backend over
// Redis pub/sub. The provider connection and the push channel can both
// announce the same incoming call; downstream admission deduplicates by
// call id.
package push

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message types carried on the push channel. Status updates are opaque
// change signals; their payload beyond the type is not interpreted.
const (
	TypeIncoming     = "incoming"
	TypeCancel       = "cancel"
	TypeStatusUpdate = "call_status_update"
)

// Message is one push notification.
type Message struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
}

// DecodeMessage parses and validates a push payload.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("push: decoding message: %w", err)
	}
	switch msg.Type {
	case TypeIncoming, TypeCancel:
		if msg.CallID == "" {
			return Message{}, fmt.Errorf("push: message missing call_id")
		}
	case TypeStatusUpdate:
	default:
		return Message{}, fmt.Errorf("push: unknown message type %q", msg.Type)
	}
	return msg, nil
}

// ChannelFor returns the pub/sub channel the backend publishes call
// notifications for an identity on.
func ChannelFor(identity string) string {
	return "dialer.calls." + strings.ToLower(identity)
}
