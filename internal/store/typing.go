package store

import (
	"sort"
	"time"
)

// SetTyping records whether userID is typing in conversationID. A false
// value removes the entry.
func (s *Store) SetTyping(userID, conversationID string, isTyping bool) {
	if userID == "" || conversationID == "" {
		return
	}
	key := typingKey{userID: userID, conversationID: conversationID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !isTyping {
		delete(s.typing, key)
		return
	}
	s.typing[key] = s.now()
}

// IsTyping reports whether userID is currently typing in conversationID.
func (s *Store) IsTyping(userID, conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	at, ok := s.typing[typingKey{userID: userID, conversationID: conversationID}]
	return ok && s.liveLocked(at)
}

// TypingIn lists users currently typing in conversationID, sorted.
func (s *Store) TypingIn(conversationID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []string
	for key, at := range s.typing {
		if key.conversationID == conversationID && s.liveLocked(at) {
			users = append(users, key.userID)
		}
	}
	sort.Strings(users)
	return users
}

// PruneTyping drops expired typing entries and returns how many were removed.
func (s *Store) PruneTyping() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, at := range s.typing {
		if !s.liveLocked(at) {
			delete(s.typing, key)
			removed++
		}
	}
	return removed
}

func (s *Store) typingAnywhereLocked(userID string) bool {
	for key, at := range s.typing {
		if key.userID == userID && s.liveLocked(at) {
			return true
		}
	}
	return false
}

func (s *Store) liveLocked(at time.Time) bool {
	if s.typingTTL <= 0 {
		return true
	}
	return s.now().Sub(at) < s.typingTTL
}
