package store

import (
	"testing"
	"time"
)

func TestKeyScoping(t *testing.T) {
	if got := Key("Graph", "alice"); got != "graph:alice" {
		t.Errorf("Key() = %q, want %q", got, "graph:alice")
	}
	if Key("graph", "alice") == Key("substrate", "alice") {
		t.Error("transports must not share conversation keys")
	}
}

func TestConversationStoreSetGet(t *testing.T) {
	s := NewConversationStore(time.Hour)

	if _, ok := s.TryGet("graph:alice"); ok {
		t.Fatal("empty store should miss")
	}

	s.Set("graph:alice", "conv-1")
	got, ok := s.TryGet("graph:alice")
	if !ok || got != "conv-1" {
		t.Fatalf("TryGet = %q, %v; want conv-1, true", got, ok)
	}

	// A second Set replaces the mapping.
	s.Set("graph:alice", "conv-2")
	got, _ = s.TryGet("graph:alice")
	if got != "conv-2" {
		t.Errorf("after replace TryGet = %q, want conv-2", got)
	}
}

func TestConversationStoreExpiry(t *testing.T) {
	s := NewConversationStore(10 * time.Minute)
	base := time.Now()
	s.now = func() time.Time { return base }

	s.Set("graph:alice", "conv-1")

	// Within TTL the entry survives and its expiry refreshes on read.
	s.now = func() time.Time { return base.Add(9 * time.Minute) }
	if _, ok := s.TryGet("graph:alice"); !ok {
		t.Fatal("entry should survive within TTL")
	}

	// The read refreshed the expiry, so another 9 minutes is still a hit.
	s.now = func() time.Time { return base.Add(18 * time.Minute) }
	if _, ok := s.TryGet("graph:alice"); !ok {
		t.Fatal("read should refresh the expiry")
	}

	// Past the refreshed TTL the entry is gone.
	s.now = func() time.Time { return base.Add(29 * time.Minute) }
	if _, ok := s.TryGet("graph:alice"); ok {
		t.Fatal("entry should expire after TTL")
	}
}

func TestConversationStoreZeroTTLNeverExpires(t *testing.T) {
	s := NewConversationStore(0)
	base := time.Now()
	s.now = func() time.Time { return base }

	s.Set("graph:alice", "conv-1")

	s.now = func() time.Time { return base.Add(365 * 24 * time.Hour) }
	if _, ok := s.TryGet("graph:alice"); !ok {
		t.Fatal("zero TTL must mean never expire")
	}
}
