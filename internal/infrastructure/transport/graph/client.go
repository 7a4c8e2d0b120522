// Package graph implements the REST/SSE upstream wire: conversation
// creation, buffered chat, and the server-sent chat stream.
package graph

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/m365proxy/m365proxy/internal/domain/emit"
	"github.com/m365proxy/m365proxy/internal/domain/oai"
	"github.com/m365proxy/m365proxy/internal/infrastructure/config"
	"github.com/m365proxy/m365proxy/internal/infrastructure/transport"
	apierr "github.com/m365proxy/m365proxy/pkg/errors"
	"github.com/m365proxy/m365proxy/pkg/jsonx"
)

func init() {
	transport.RegisterFactory(transport.NameGraph, func(cfg *config.Config, logger *zap.Logger) transport.Client {
		return New(cfg, logger)
	})
}

// Client is the Graph transport.
type Client struct {
	baseURL                string
	createConversationPath string
	chatPathTemplate       string
	chatStreamPathTemplate string
	httpClient             *http.Client
	logger                 *zap.Logger
}

// New builds a Graph client from config.
func New(cfg *config.Config, logger *zap.Logger) *Client {
	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &Client{
		baseURL:                strings.TrimRight(cfg.GraphBaseURL, "/"),
		createConversationPath: cfg.CreateConversationPath,
		chatPathTemplate:       cfg.ChatPathTemplate,
		chatStreamPathTemplate: cfg.ChatOverStreamPathTemplate,
		httpClient:             &http.Client{Transport: tr},
		logger:                 logger.With(zap.String("transport", transport.NameGraph)),
	}
}

var _ transport.Client = (*Client)(nil)

func (c *Client) Name() string { return transport.NameGraph }

// CreateConversation POSTs the create path with an empty object and expects a
// string id in the response.
func (c *Client) CreateConversation(ctx context.Context, authHeader string) (string, error) {
	body, status, err := c.post(ctx, authHeader, c.baseURL+c.createConversationPath, map[string]any{}, "")
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return "", apierr.Upstream(apierr.CodeGraphError, status, upstreamMessage(body, "graph conversation create failed"))
	}
	node, err := jsonx.Decode(body)
	if err != nil {
		return "", apierr.Upstream(apierr.CodeGraphError, http.StatusBadGateway, "graph conversation create returned malformed JSON")
	}
	obj, _ := jsonx.Obj(node)
	id := jsonx.Str(obj, "id")
	if id == "" {
		return "", apierr.Upstream(apierr.CodeGraphError, http.StatusBadGateway, "graph conversation create returned no id")
	}
	return id, nil
}

// Chat executes one turn: buffered via the chat path, or streamed via the
// chatOverStream path when onUpdate is set.
func (c *Client) Chat(ctx context.Context, authHeader, conversationID string, req *oai.CanonicalRequest, startOfSession bool, onUpdate transport.OnUpdate) (*transport.Result, error) {
	payload := c.chatPayload(req)

	if onUpdate != nil {
		return c.chatOverStream(ctx, authHeader, conversationID, req, payload, onUpdate)
	}

	endpoint := c.baseURL + expandPath(c.chatPathTemplate, conversationID)
	body, status, err := c.post(ctx, authHeader, endpoint, payload, "")
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, apierr.Upstream(apierr.CodeGraphError, status, upstreamMessage(body, "graph chat failed"))
	}

	node, err := jsonx.Decode(body)
	if err != nil {
		return nil, apierr.Upstream(apierr.CodeGraphError, http.StatusBadGateway, "graph chat returned malformed JSON")
	}
	snapshot, _ := jsonx.Obj(node)
	text := finalText(snapshot, req.PromptText)
	if text == "" {
		return nil, apierr.Upstream(apierr.CodeGraphError, http.StatusBadGateway, "graph chat returned no assistant content")
	}
	return &transport.Result{Text: text, ConversationID: conversationID}, nil
}

// chatPayload shapes the upstream request body.
func (c *Client) chatPayload(req *oai.CanonicalRequest) map[string]any {
	message := map[string]any{"text": req.UpstreamPrompt()}
	payload := map[string]any{
		"message": message,
		"locationInfo": map[string]any{
			"timeZone": req.Location.TimeZone,
		},
	}
	if req.Location.CountryOrRegion != "" {
		payload["locationInfo"].(map[string]any)["countryOrRegion"] = req.Location.CountryOrRegion
	}
	if req.ContextualResources != nil {
		payload["contextualResources"] = req.ContextualResources
	}
	return payload
}

func (c *Client) post(ctx context.Context, authHeader, endpoint string, payload any, accept string) ([]byte, int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal graph payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("create graph request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", authHeader)
	if accept != "" {
		httpReq.Header.Set("Accept", accept)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, graphTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, apierr.Wrap(http.StatusBadGateway, apierr.CodeGraphError, "read graph response", err)
	}
	return body, resp.StatusCode, nil
}

func graphTransportError(err error) error {
	if isTimeout(err) {
		return apierr.Wrap(http.StatusGatewayTimeout, apierr.CodeGraphError, "graph request timed out", err)
	}
	return apierr.Wrap(http.StatusBadGateway, apierr.CodeGraphError, "graph request failed", err)
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// expandPath substitutes {conversationId}, percent-encoding the id.
func expandPath(template, conversationID string) string {
	return strings.ReplaceAll(template, "{conversationId}", url.PathEscape(conversationID))
}

// upstreamMessage pulls the best available error text from an upstream body.
func upstreamMessage(body []byte, fallback string) string {
	node, err := jsonx.Decode(body)
	if err != nil {
		return fallback
	}
	obj, ok := jsonx.Obj(node)
	if !ok {
		return fallback
	}
	if errObj, ok := jsonx.ObjAt(obj, "error"); ok {
		if msg := jsonx.Str(errObj, "message"); msg != "" {
			return msg
		}
	}
	if msg := jsonx.Str(obj, "message"); msg != "" {
		return msg
	}
	return fallback
}

// finalText extracts the assistant text from a buffered chat response,
// trying the conversation-snapshot shape first and falling back to a bare
// message or text field.
func finalText(snapshot map[string]any, prompt string) string {
	if text := emit.SnapshotFinalText(snapshot, prompt); text != "" {
		return text
	}
	if msg, ok := jsonx.ObjAt(snapshot, "message"); ok {
		if text := emit.FirstMessageText(msg); text != "" {
			return text
		}
	}
	return jsonx.Str(snapshot, "text")
}
