package graph

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/m365proxy/m365proxy/internal/domain/emit"
	"github.com/m365proxy/m365proxy/internal/domain/oai"
	"github.com/m365proxy/m365proxy/internal/infrastructure/transport"
	apierr "github.com/m365proxy/m365proxy/pkg/errors"
)

// chatOverStream POSTs the stream path and pumps the upstream SSE events.
// Each data payload is a cumulative conversation snapshot; the pump computes
// trailing deltas and never retracts an emitted byte.
func (c *Client) chatOverStream(ctx context.Context, authHeader, conversationID string, req *oai.CanonicalRequest, payload map[string]any, onUpdate transport.OnUpdate) (*transport.Result, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal graph payload: %w", err)
	}

	endpoint := c.baseURL + expandPath(c.chatStreamPathTemplate, conversationID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create graph stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", authHeader)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, graphTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return nil, apierr.Upstream(apierr.CodeGraphError, resp.StatusCode, upstreamMessage(body, "graph chat stream failed"))
	}

	// Cancellation watchdog: force-close the body so the scanner unblocks.
	streamDone := make(chan struct{})
	defer close(streamDone)
	go func() {
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-streamDone:
		}
	}()

	return c.pumpSnapshots(ctx, resp.Body, req.PromptText, conversationID, onUpdate)
}

func (c *Client) pumpSnapshots(ctx context.Context, body io.Reader, prompt, conversationID string, onUpdate transport.OnUpdate) (*transport.Result, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var tracker emit.DeltaTracker
	var lastSnapshot map[string]any

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var snapshot map[string]any
		if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
			continue
		}
		lastSnapshot = snapshot

		latest := emit.SnapshotDeltaText(snapshot, prompt)
		if delta, ok := tracker.Next(latest); ok {
			onUpdate(transport.StreamUpdate{DeltaText: delta, ConversationID: conversationID})
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return nil, apierr.Wrap(http.StatusBadGateway, apierr.CodeGraphError, "graph stream read failed", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	final := tracker.Emitted()
	if lastSnapshot != nil {
		if full := finalText(lastSnapshot, prompt); len(full) > len(final) {
			final = full
		}
	}
	if final == "" {
		return nil, apierr.Upstream(apierr.CodeGraphError, http.StatusBadGateway, "graph chat returned no assistant content")
	}
	return &transport.Result{Text: final, ConversationID: conversationID}, nil
}
