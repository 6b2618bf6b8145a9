// Package realtime manages the inbound push channel: it keeps a connection
// open with reconnect backoff, decodes envelopes into typed messages, and
// applies them to the presence store in arrival order.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haasonsaas/presence/pkg/models"
)

// MessageType is the envelope discriminator.
type MessageType string

const (
	TypePresenceUpdate   MessageType = "presence_update"
	TypeTypingIndicator  MessageType = "typing_indicator"
	TypeInitialPresences MessageType = "initial_presences"
)

var (
	// ErrUnknownType is returned for envelopes with an unrecognized type.
	ErrUnknownType = errors.New("unknown message type")

	// ErrMalformed is returned for envelopes that cannot be decoded.
	ErrMalformed = errors.New("malformed message")
)

type envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Message is an inbound message. The set of implementations is closed.
type Message interface {
	Type() MessageType
	isMessage()
}

// PresenceUpdate is a single user's status change.
type PresenceUpdate struct {
	Presence models.Presence
}

// TypingIndicator is a typing state change in one conversation.
type TypingIndicator struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// InitialPresences is the bulk snapshot sent right after connecting.
// Skipped counts entries that failed to decode and were dropped.
type InitialPresences struct {
	Presences []models.Presence
	Skipped   int
}

// UnmarshalJSON accepts string or numeric ids.
func (t *TypingIndicator) UnmarshalJSON(data []byte) error {
	var raw struct {
		UserID         json.RawMessage `json:"userId"`
		ConversationID json.RawMessage `json:"conversationId"`
		IsTyping       bool            `json:"isTyping"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	userID, err := models.ParseID(raw.UserID)
	if err != nil {
		return fmt.Errorf("userId: %w", err)
	}
	conversationID, err := models.ParseID(raw.ConversationID)
	if err != nil {
		return fmt.Errorf("conversationId: %w", err)
	}
	*t = TypingIndicator{UserID: userID, ConversationID: conversationID, IsTyping: raw.IsTyping}
	return nil
}

func (PresenceUpdate) Type() MessageType   { return TypePresenceUpdate }
func (TypingIndicator) Type() MessageType  { return TypeTypingIndicator }
func (InitialPresences) Type() MessageType { return TypeInitialPresences }

func (PresenceUpdate) isMessage()   {}
func (TypingIndicator) isMessage()  {}
func (InitialPresences) isMessage() {}

// DecodeMessage parses one envelope.
func DecodeMessage(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Type {
	case TypePresenceUpdate:
		var p models.Presence
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
		return PresenceUpdate{Presence: p}, nil

	case TypeTypingIndicator:
		var ti TypingIndicator
		if err := json.Unmarshal(env.Data, &ti); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
		if ti.UserID == "" || ti.ConversationID == "" {
			return nil, fmt.Errorf("%w: %s: userId and conversationId are required", ErrMalformed, env.Type)
		}
		return ti, nil

	case TypeInitialPresences:
		var items []json.RawMessage
		if err := json.Unmarshal(env.Data, &items); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
		msg := InitialPresences{Presences: make([]models.Presence, 0, len(items))}
		for _, item := range items {
			var p models.Presence
			if err := json.Unmarshal(item, &p); err != nil {
				msg.Skipped++
				continue
			}
			msg.Presences = append(msg.Presences, p)
		}
		return msg, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}
