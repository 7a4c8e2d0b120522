// Package store holds the process-wide in-memory state: the conversation id
// cache and the Responses API response store. Both are TTL-bounded with lazy
// eviction on every read and write.
package store

import (
	"strings"
	"sync"
	"time"
)

// foreverTTL stands in for "never expire" when the configured TTL is zero or
// negative.
const foreverTTL = 100 * 365 * 24 * time.Hour

type conversationEntry struct {
	conversationID string
	expiresAt      time.Time
}

// ConversationStore maps "<transport>:<conversationKey>" to the upstream
// conversation id. Safe for concurrent use.
type ConversationStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]conversationEntry
	now     func() time.Time
}

// NewConversationStore builds a store with the given TTL. A zero or negative
// TTL means entries never expire.
func NewConversationStore(ttl time.Duration) *ConversationStore {
	if ttl <= 0 {
		ttl = foreverTTL
	}
	return &ConversationStore{
		ttl:     ttl,
		entries: make(map[string]conversationEntry),
		now:     time.Now,
	}
}

// Key builds the scoped store key. The transport part is lowercased; the
// conversation key is opaque.
func Key(transport, conversationKey string) string {
	return strings.ToLower(transport) + ":" + conversationKey
}

// TryGet returns the conversation id for key, refreshing its expiry.
func (s *ConversationStore) TryGet(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge()

	entry, ok := s.entries[key]
	if !ok {
		return "", false
	}
	entry.expiresAt = s.now().Add(s.ttl)
	s.entries[key] = entry
	return entry.conversationID, true
}

// Set stores or replaces the mapping for key.
func (s *ConversationStore) Set(key, conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge()

	s.entries[key] = conversationEntry{
		conversationID: conversationID,
		expiresAt:      s.now().Add(s.ttl),
	}
}

// purge drops expired entries; callers hold the lock.
func (s *ConversationStore) purge() {
	now := s.now()
	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
}
