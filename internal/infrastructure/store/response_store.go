package store

import (
	"sort"
	"sync"
	"time"

	"github.com/m365proxy/m365proxy/pkg/jsonx"
)

type storedResponse struct {
	responseID     string
	createdAtUnix  int64
	seq            uint64
	body           map[string]any
	conversationID string
	expiresAt      time.Time
}

type conversationLink struct {
	conversationID string
	expiresAt      time.Time
}

// ListResult is the page returned by List.
type ListResult struct {
	Bodies  []map[string]any
	FirstID string
	LastID  string
	HasMore bool
}

// ResponseStore keeps completed Responses API bodies plus responseId →
// conversationId links for previous_response_id continuation. All bodies are
// deep-cloned on the way in and out.
type ResponseStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	responses map[string]storedResponse
	links     map[string]conversationLink
	seq       uint64
	now       func() time.Time
}

// NewResponseStore builds a store with the given TTL; zero or negative means
// entries never expire.
func NewResponseStore(ttl time.Duration) *ResponseStore {
	if ttl <= 0 {
		ttl = foreverTTL
	}
	return &ResponseStore{
		ttl:       ttl,
		responses: make(map[string]storedResponse),
		links:     make(map[string]conversationLink),
		now:       time.Now,
	}
}

// Set stores a completed response body, replacing any previous entry, and
// records the conversation link when conversationID is non-empty.
func (s *ResponseStore) Set(responseID string, body map[string]any, conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge()

	s.seq++
	s.responses[responseID] = storedResponse{
		responseID:     responseID,
		createdAtUnix:  s.now().Unix(),
		seq:            s.seq,
		body:           jsonx.DeepClone(body),
		conversationID: conversationID,
		expiresAt:      s.now().Add(s.ttl),
	}
	if conversationID != "" {
		s.links[responseID] = conversationLink{
			conversationID: conversationID,
			expiresAt:      s.now().Add(s.ttl),
		}
	}
}

// TryGet returns a deep clone of the stored body.
func (s *ResponseStore) TryGet(responseID string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge()

	entry, ok := s.responses[responseID]
	if !ok {
		return nil, false
	}
	return jsonx.DeepClone(entry.body), true
}

// TryDelete removes a stored response and its link; the second delete of the
// same id reports false.
func (s *ResponseStore) TryDelete(responseID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge()

	if _, ok := s.responses[responseID]; !ok {
		return false
	}
	delete(s.responses, responseID)
	delete(s.links, responseID)
	return true
}

// List returns up to min(limit, 100) most recently created entries,
// descending by creation time with insertion order breaking ties. A
// non-positive limit falls back to 20.
func (s *ResponseStore) List(limit int) ListResult {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge()

	entries := make([]storedResponse, 0, len(s.responses))
	for _, entry := range s.responses {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].createdAtUnix != entries[j].createdAtUnix {
			return entries[i].createdAtUnix > entries[j].createdAtUnix
		}
		return entries[i].seq > entries[j].seq
	})

	result := ListResult{HasMore: len(entries) > limit}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	for _, entry := range entries {
		result.Bodies = append(result.Bodies, jsonx.DeepClone(entry.body))
	}
	if len(entries) > 0 {
		result.FirstID = entries[0].responseID
		result.LastID = entries[len(entries)-1].responseID
	}
	return result
}

// SetConversationLink records responseID → conversationID without storing a
// body.
func (s *ResponseStore) SetConversationLink(responseID, conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge()

	s.links[responseID] = conversationLink{
		conversationID: conversationID,
		expiresAt:      s.now().Add(s.ttl),
	}
}

// TryGetConversationLink resolves a previous_response_id to its conversation.
func (s *ResponseStore) TryGetConversationLink(responseID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge()

	link, ok := s.links[responseID]
	if !ok {
		return "", false
	}
	return link.conversationID, true
}

func (s *ResponseStore) purge() {
	now := s.now()
	for id, entry := range s.responses {
		if now.After(entry.expiresAt) {
			delete(s.responses, id)
		}
	}
	for id, link := range s.links {
		if now.After(link.expiresAt) {
			delete(s.links, id)
		}
	}
}
