// Package application wires the proxy together: stores, token provider,
// transports, pipeline, and the HTTP server.
package application

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/m365proxy/m365proxy/internal/application/usecase"
	"github.com/m365proxy/m365proxy/internal/infrastructure/config"
	"github.com/m365proxy/m365proxy/internal/infrastructure/debuglog"
	"github.com/m365proxy/m365proxy/internal/infrastructure/store"
	"github.com/m365proxy/m365proxy/internal/infrastructure/token"
	_ "github.com/m365proxy/m365proxy/internal/infrastructure/transport/graph"     // register graph transport factory
	_ "github.com/m365proxy/m365proxy/internal/infrastructure/transport/substrate" // register substrate transport factory
	httpServer "github.com/m365proxy/m365proxy/internal/interfaces/http"
)

// App is the dependency-injection container.
type App struct {
	config   *config.Config
	logger   *zap.Logger
	pipeline *usecase.Pipeline
	server   *httpServer.Server
}

// NewApp builds the full object graph.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	ttl := time.Duration(cfg.ConversationTTLMinutes) * time.Minute
	convs := store.NewConversationStore(ttl)
	responses := store.NewResponseStore(ttl)
	tokens := token.NewProvider(cfg, logger)
	debug := debuglog.New(cfg.DebugLogDir, logger)

	transports, err := usecase.DefaultTransports(cfg, logger)
	if err != nil {
		return nil, err
	}

	pipeline := usecase.New(cfg, logger, convs, responses, tokens, debug, transports)
	server := httpServer.NewServer(cfg, pipeline, logger)

	return &App{
		config:   cfg,
		logger:   logger,
		pipeline: pipeline,
		server:   server,
	}, nil
}

// Start brings the HTTP server up.
func (a *App) Start(ctx context.Context) error {
	return a.server.Start(ctx)
}

// Stop drains and shuts down.
func (a *App) Stop(ctx context.Context) error {
	return a.server.Stop(ctx)
}

// Logger exposes the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}
