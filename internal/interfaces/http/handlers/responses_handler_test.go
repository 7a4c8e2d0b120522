package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/m365proxy/m365proxy/internal/application/usecase"
	"github.com/m365proxy/m365proxy/internal/infrastructure/config"
	"github.com/m365proxy/m365proxy/internal/infrastructure/store"
	"github.com/m365proxy/m365proxy/internal/infrastructure/transport"
)

type passthroughTokens struct{}

func (passthroughTokens) ResolveAuthorizationHeader(ctx context.Context, inbound string) string {
	return inbound
}

func newListRouter(seeded int) *gin.Engine {
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{Transport: "graph", DefaultModel: "m365-copilot"}
	pipeline := usecase.New(cfg, zap.NewNop(),
		store.NewConversationStore(0),
		store.NewResponseStore(0),
		passthroughTokens{}, nil,
		map[string]transport.Client{})
	for i := 0; i < seeded; i++ {
		id := fmt.Sprintf("resp_%03d", i)
		pipeline.Responses().Set(id, map[string]any{"id": id, "object": "response"}, "conv-1")
	}

	h := NewResponsesHandler(pipeline, zap.NewNop())
	r := gin.New()
	r.GET("/v1/responses", h.List)
	return r
}

func TestListLimitClamping(t *testing.T) {
	r := newListRouter(25)

	for _, tc := range []struct {
		query   string
		want    int
		hasMore bool
	}{
		{"", 20, true},
		{"?limit=NaN", 20, true},
		{"?limit=0", 20, true},
		{"?limit=-5", 20, true},
		{"?limit=5", 5, true},
		{"?limit=500", 25, false},
	} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/responses"+tc.query, nil)
		r.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("%q: status = %d, want 200", tc.query, rec.Code)
			continue
		}
		var body struct {
			Object  string           `json:"object"`
			Data    []map[string]any `json:"data"`
			HasMore bool             `json:"has_more"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%q: body is not JSON: %v", tc.query, err)
		}
		if body.Object != "list" {
			t.Errorf("%q: object = %q", tc.query, body.Object)
		}
		if len(body.Data) != tc.want {
			t.Errorf("%q: items = %d, want %d", tc.query, len(body.Data), tc.want)
		}
		if body.HasMore != tc.hasMore {
			t.Errorf("%q: has_more = %v, want %v", tc.query, body.HasMore, tc.hasMore)
		}
	}
}

func TestListEmptyStore(t *testing.T) {
	r := newListRouter(0)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/responses?limit=NaN", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	data, ok := body["data"].([]any)
	if !ok || len(data) != 0 {
		t.Errorf("data = %v, want an empty array", body["data"])
	}
}
