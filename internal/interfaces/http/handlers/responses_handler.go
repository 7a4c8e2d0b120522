package handlers

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/m365proxy/m365proxy/internal/application/usecase"
	"github.com/m365proxy/m365proxy/internal/domain/emit"
	apierr "github.com/m365proxy/m365proxy/pkg/errors"
)

// ResponsesHandler serves the Responses API endpoints.
type ResponsesHandler struct {
	pipeline *usecase.Pipeline
	logger   *zap.Logger
}

// NewResponsesHandler binds the handler to the pipeline.
func NewResponsesHandler(pipeline *usecase.Pipeline, logger *zap.Logger) *ResponsesHandler {
	return &ResponsesHandler{pipeline: pipeline, logger: logger}
}

// Create handles POST /v1/responses.
func (h *ResponsesHandler) Create(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeAPIError(c, h.logger, apierr.InvalidRequest("failed to read request body"))
		return
	}

	t, err := h.pipeline.PrepareResponses(c.Request.Context(), requestHeaders(c), raw)
	if err != nil {
		writeAPIError(c, h.logger, err)
		return
	}

	if !t.Canonical.Stream {
		body, err := h.pipeline.RunResponses(c.Request.Context(), t)
		if err != nil {
			writeAPIError(c, h.logger, err)
			return
		}
		h.pipeline.SetTurnHeaders(t, c.Header)
		c.JSON(http.StatusOK, body)
		return
	}

	w := emit.NewSSEWriter(c.Writer)
	if err := h.pipeline.ResponsesStream(c.Request.Context(), t, w, streamHeaderSetter(c)); err != nil {
		writeAPIError(c, h.logger, err)
	}
}

// List handles GET /v1/responses.
func (h *ResponsesHandler) List(c *gin.Context) {
	// Unparsable values fall through as 0 and take the store's default,
	// the same as an explicit zero or negative limit.
	limit, _ := strconv.Atoi(c.Query("limit"))

	result := h.pipeline.Responses().List(limit)
	body := gin.H{
		"object":   "list",
		"data":     result.Bodies,
		"has_more": result.HasMore,
	}
	if result.Bodies == nil {
		body["data"] = []any{}
	}
	if result.FirstID != "" {
		body["first_id"] = result.FirstID
		body["last_id"] = result.LastID
	}
	c.JSON(http.StatusOK, body)
}

// Get handles GET /v1/responses/:id.
func (h *ResponsesHandler) Get(c *gin.Context) {
	id, ok := responseID(c, h.logger)
	if !ok {
		return
	}
	body, found := h.pipeline.Responses().TryGet(id)
	if !found {
		writeAPIError(c, h.logger, apierr.Newf(http.StatusNotFound, apierr.CodeResponseNotFound, "no response with id %q", id))
		return
	}
	c.JSON(http.StatusOK, body)
}

// Delete handles DELETE /v1/responses/:id.
func (h *ResponsesHandler) Delete(c *gin.Context) {
	id, ok := responseID(c, h.logger)
	if !ok {
		return
	}
	if !h.pipeline.Responses().TryDelete(id) {
		writeAPIError(c, h.logger, apierr.Newf(http.StatusNotFound, apierr.CodeResponseNotFound, "no response with id %q", id))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":      id,
		"object":  "response",
		"deleted": true,
	})
}

func responseID(c *gin.Context, logger *zap.Logger) (string, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		writeAPIError(c, logger, apierr.New(http.StatusBadRequest, apierr.CodeMissingResponseID, "response id is required"))
		return "", false
	}
	return id, true
}
