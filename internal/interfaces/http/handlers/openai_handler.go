// Package handlers contains the gin handlers for the OpenAI-compatible
// endpoints.
package handlers

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/m365proxy/m365proxy/internal/application/usecase"
	"github.com/m365proxy/m365proxy/internal/domain/emit"
	apierr "github.com/m365proxy/m365proxy/pkg/errors"
)

// OpenAIHandler serves the chat completions and models endpoints.
type OpenAIHandler struct {
	pipeline *usecase.Pipeline
	logger   *zap.Logger
}

// NewOpenAIHandler binds the handler to the pipeline.
func NewOpenAIHandler(pipeline *usecase.Pipeline, logger *zap.Logger) *OpenAIHandler {
	return &OpenAIHandler{pipeline: pipeline, logger: logger}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeAPIError(c, h.logger, apierr.InvalidRequest("failed to read request body"))
		return
	}

	t, err := h.pipeline.PrepareChat(c.Request.Context(), requestHeaders(c), raw)
	if err != nil {
		writeAPIError(c, h.logger, err)
		return
	}

	if !t.Canonical.Stream {
		body, err := h.pipeline.RunChat(c.Request.Context(), t)
		if err != nil {
			writeAPIError(c, h.logger, err)
			return
		}
		h.pipeline.SetTurnHeaders(t, c.Header)
		c.JSON(http.StatusOK, body)
		return
	}

	w := emit.NewSSEWriter(c.Writer)
	if err := h.pipeline.ChatStream(c.Request.Context(), t, w, streamHeaderSetter(c)); err != nil {
		writeAPIError(c, h.logger, err)
	}
}

// ListModels handles GET /v1/models with the single configured model.
func (h *OpenAIHandler) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data": []gin.H{{
			"id":       h.pipeline.DefaultModel(),
			"object":   "model",
			"created":  time.Now().Unix(),
			"owned_by": "microsoft",
		}},
	})
}

// requestHeaders collects the x-m365-* request headers.
func requestHeaders(c *gin.Context) usecase.Headers {
	return usecase.Headers{
		Authorization:   c.GetHeader("Authorization"),
		Transport:       c.GetHeader("x-m365-transport"),
		ConversationID:  c.GetHeader("x-m365-conversation-id"),
		ConversationKey: c.GetHeader("x-m365-conversation-key"),
		NewConversation: strings.EqualFold(c.GetHeader("x-m365-new-conversation"), "true"),
	}
}

// streamHeaderSetter defers the SSE headers until the pipeline is about to
// write its first byte, so pre-stream failures still render as JSON errors.
func streamHeaderSetter(c *gin.Context) usecase.HeaderSetter {
	applied := false
	return func(name, value string) {
		if !applied {
			applied = true
			c.Header("Content-Type", "text/event-stream")
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
			c.Header("X-Accel-Buffering", "no")
		}
		c.Header(name, value)
	}
}

func writeAPIError(c *gin.Context, logger *zap.Logger, err error) {
	apiErr := apierr.AsAPIError(err, apierr.CodeInvalidRequest)
	if apiErr.Status >= 500 {
		logger.Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	} else {
		logger.Warn("Request rejected", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(apiErr.Status, apiErr.Body())
}
