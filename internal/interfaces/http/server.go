// Package http exposes the OpenAI-compatible surface over gin.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/m365proxy/m365proxy/internal/application/usecase"
	"github.com/m365proxy/m365proxy/internal/infrastructure/config"
	"github.com/m365proxy/m365proxy/internal/interfaces/http/handlers"
)

// Server wraps the HTTP listener.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// NewServer builds the router and binds the handlers.
func NewServer(cfg *config.Config, pipeline *usecase.Pipeline, logger *zap.Logger) *Server {
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	openaiHandler := handlers.NewOpenAIHandler(pipeline, logger)
	responsesHandler := handlers.NewResponsesHandler(pipeline, logger)

	setupRoutes(router, openaiHandler, responsesHandler)

	return &Server{
		server: &http.Server{
			Addr:    cfg.ListenURL,
			Handler: router,
		},
		logger: logger,
	}
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// setupRoutes registers the API surface under both /v1 and /openai/v1.
func setupRoutes(router *gin.Engine, openaiHandler *handlers.OpenAIHandler, responsesHandler *handlers.ResponsesHandler) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	for _, prefix := range []string{"/v1", "/openai/v1"} {
		group := router.Group(prefix)
		group.GET("/models", openaiHandler.ListModels)
		group.POST("/chat/completions", openaiHandler.ChatCompletions)
		group.POST("/responses", responsesHandler.Create)
		group.GET("/responses", responsesHandler.List)
		group.GET("/responses/:id", responsesHandler.Get)
		group.DELETE("/responses/:id", responsesHandler.Delete)
	}
}

// ginLogger logs one line per request.
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
