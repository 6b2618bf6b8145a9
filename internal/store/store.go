// Package store holds the authoritative in-memory presence state.
//
// The store is the single source of truth for presence read by the rest of
// the application. It performs no I/O; every mutation goes through one of
// its methods and is serialized by an internal lock.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/presence/pkg/models"
)

// DefaultTypingTTL bounds how long an inbound "is typing" flag is honored
// without a follow-up.
const DefaultTypingTTL = 10 * time.Second

type typingKey struct {
	userID         string
	conversationID string
}

// Store maps user id to presence record, and (user id, conversation id) to
// typing state.
type Store struct {
	mu      sync.RWMutex
	records map[string]models.Presence
	typing  map[typingKey]time.Time

	typingTTL time.Duration
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTypingTTL overrides how long a typing flag stays active.
// A non-positive TTL disables expiry.
func WithTypingTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.typingTTL = ttl
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		records:   make(map[string]models.Presence),
		typing:    make(map[typingKey]time.Time),
		typingTTL: DefaultTypingTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upsert creates or replaces the record for userID and reports whether
// anything changed.
//
// Status is last-write-wins. LastSeen never moves backwards through Upsert;
// only ApplySnapshot may lower it.
func (s *Store) Upsert(userID string, status models.Status, lastSeen time.Time, isTyping bool) bool {
	if userID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := models.Presence{
		UserID:   userID,
		Status:   status,
		LastSeen: lastSeen,
		IsTyping: isTyping,
	}
	if prev, ok := s.records[userID]; ok {
		if prev.LastSeen.After(next.LastSeen) {
			next.LastSeen = prev.LastSeen
		}
		if prev.Status == next.Status && prev.IsTyping == next.IsTyping && prev.LastSeen.Equal(next.LastSeen) {
			return false
		}
	}
	s.records[userID] = next
	return true
}

// ApplySnapshot writes authoritative records unconditionally, including
// lowering lastSeen. Records for users absent from the snapshot are kept.
func (s *Store) ApplySnapshot(records []models.Presence) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := 0
	for _, rec := range records {
		if rec.UserID == "" {
			continue
		}
		s.records[rec.UserID] = models.Presence{
			UserID:   rec.UserID,
			Status:   rec.Status,
			LastSeen: rec.LastSeen,
			IsTyping: rec.IsTyping,
		}
		applied++
	}
	return applied
}

// Get returns the record for userID. IsTyping is reported as true when the
// record itself says so or the user is typing in any conversation.
func (s *Store) Get(userID string) (models.Presence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[userID]
	if !ok {
		return models.Presence{}, false
	}
	if !rec.IsTyping {
		rec.IsTyping = s.typingAnywhereLocked(userID)
	}
	return rec, true
}

// All returns every record sorted by user id.
func (s *Store) All() []models.Presence {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Presence, 0, len(s.records))
	for id, rec := range s.records {
		if !rec.IsTyping {
			rec.IsTyping = s.typingAnywhereLocked(id)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Len returns the number of presence records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Clear empties presence and typing state. Used on logout.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]models.Presence)
	s.typing = make(map[typingKey]time.Time)
}
