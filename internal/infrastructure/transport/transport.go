// Package transport defines the upstream client interface shared by the
// Graph (REST/SSE) and Substrate (WebSocket) wires, plus the factory registry
// the concrete transports register into.
package transport

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/m365proxy/m365proxy/internal/domain/oai"
	"github.com/m365proxy/m365proxy/internal/infrastructure/config"
)

// Transport names accepted on the wire.
const (
	NameGraph     = "graph"
	NameSubstrate = "substrate"
)

// StreamUpdate is one live update pushed while a turn is in flight.
type StreamUpdate struct {
	DeltaText      string
	ConversationID string
}

// OnUpdate receives stream updates; nil means the caller wants a buffered
// turn.
type OnUpdate func(StreamUpdate)

// Result is the outcome of one chat turn.
type Result struct {
	// Text is the final assistant text (a cumulative snapshot, possibly
	// longer than the sum of streamed deltas).
	Text string
	// ConversationID echoes the upstream conversation id, updated when the
	// upstream reported a different one mid-turn.
	ConversationID string
}

// Client is one upstream wire.
type Client interface {
	Name() string

	// CreateConversation establishes a new upstream conversation and returns
	// its id.
	CreateConversation(ctx context.Context, authHeader string) (string, error)

	// Chat executes one turn. startOfSession marks the first turn on a newly
	// created conversation. A non-nil onUpdate selects the streaming path.
	Chat(ctx context.Context, authHeader, conversationID string, req *oai.CanonicalRequest, startOfSession bool, onUpdate OnUpdate) (*Result, error)
}

// Factory builds a Client from config. Transports register themselves from
// init() in their own package.
type Factory func(cfg *config.Config, logger *zap.Logger) Client

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterFactory registers a transport factory under its wire name.
func RegisterFactory(name string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[name] = factory
}

// Create builds the named transport.
func Create(name string, cfg *config.Config, logger *zap.Logger) (Client, error) {
	factoryMu.RLock()
	factory, ok := factories[name]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transport %q", name)
	}
	return factory(cfg, logger), nil
}
