package serviceworker

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies a control message.
type MessageType string

const (
	// MessageSkipWaiting asks a waiting worker to activate immediately
	MessageSkipWaiting MessageType = "SKIP_WAITING"

	// MessageClearCaches asks the active worker to drop its response cache
	MessageClearCaches MessageType = "CLEAR_CACHES"

	// MessageInvalidateAPICache asks the active worker to drop the cached
	// responses whose key matches Pattern
	MessageInvalidateAPICache MessageType = "INVALIDATE_API_CACHE"
)

// ErrUnknownMessage indicates a message type no handler understands.
var ErrUnknownMessage = errors.New("unknown message type")

// Message is a control message posted to a worker. Its JSON form is the
// wire format, e.g. {"type":"INVALIDATE_API_CACHE","pattern":"^GET /users"}.
type Message struct {
	Type    MessageType `json:"type"`
	Pattern string      `json:"pattern,omitempty"`
}

// SkipWaiting returns a SKIP_WAITING message.
func SkipWaiting() Message {
	return Message{Type: MessageSkipWaiting}
}

// ClearCaches returns a CLEAR_CACHES message.
func ClearCaches() Message {
	return Message{Type: MessageClearCaches}
}

// InvalidateAPICache returns an INVALIDATE_API_CACHE message for pattern.
func InvalidateAPICache(pattern string) Message {
	return Message{Type: MessageInvalidateAPICache, Pattern: pattern}
}

// EncodeMessage returns the wire form of msg.
func EncodeMessage(msg Message) ([]byte, error) {
	if err := msg.validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return raw, nil
}

// DecodeMessage parses the wire form of a message.
func DecodeMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) validate() error {
	switch m.Type {
	case MessageSkipWaiting, MessageClearCaches, MessageInvalidateAPICache:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
	}
}
