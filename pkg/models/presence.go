package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is a user's coarse availability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusOffline:
		return true
	}
	return false
}

// ParseStatus normalizes and validates a wire status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown presence status %q", raw)
	}
	return s, nil
}

// Presence is one user's current presence as held by the store.
//
// IsTyping is derived: it is true while the user has an unexpired typing
// state in at least one conversation.
type Presence struct {
	UserID   string    `json:"userId"`
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
	IsTyping bool      `json:"isTyping,omitempty"`
}

// UnmarshalJSON accepts lastSeen either as an RFC 3339 string or as epoch
// milliseconds, which is what most presence servers emit.
func (p *Presence) UnmarshalJSON(data []byte) error {
	var raw struct {
		UserID   json.RawMessage `json:"userId"`
		Status   string          `json:"status"`
		LastSeen json.RawMessage `json:"lastSeen"`
		IsTyping bool            `json:"isTyping"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	userID, err := ParseID(raw.UserID)
	if err != nil {
		return fmt.Errorf("presence: userId: %w", err)
	}
	if userID == "" {
		return fmt.Errorf("presence: userId is required")
	}
	status, err := ParseStatus(raw.Status)
	if err != nil {
		return err
	}
	lastSeen, err := parseTimestamp(raw.LastSeen)
	if err != nil {
		return fmt.Errorf("presence %s: %w", userID, err)
	}
	*p = Presence{
		UserID:   userID,
		Status:   status,
		LastSeen: lastSeen,
		IsTyping: raw.IsTyping,
	}
	return nil
}

// ParseID decodes an identifier sent either as a JSON string or a JSON
// number and returns its canonical string form. Missing or null yields "".
func ParseID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	switch id := v.(type) {
	case string:
		return strings.TrimSpace(id), nil
	case json.Number:
		if n, err := id.Int64(); err == nil {
			return strconv.FormatInt(n, 10), nil
		}
		return id.String(), nil
	default:
		return "", fmt.Errorf("identifier must be a string or number, got %s", raw)
	}
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if s == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid lastSeen %q: %w", s, err)
		}
		return t, nil
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid lastSeen %s", raw)
	}
	return time.UnixMilli(ms), nil
}

// TypingState is a user's typing flag within one conversation.
type TypingState struct {
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	IsTyping       bool      `json:"isTyping"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
