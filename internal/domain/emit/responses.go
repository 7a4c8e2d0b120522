package emit

import (
	"time"

	"github.com/m365proxy/m365proxy/internal/domain/assistant"
	"github.com/m365proxy/m365proxy/internal/domain/oai"
)

// NewResponseID mints a Responses API id of the form resp_<hex32>.
func NewResponseID() string {
	return "resp_" + hex32()
}

// OutputItems builds the Responses output array for an assistant response:
// either a single message item or one function_call item per tool call.
func OutputItems(resp *assistant.Response) []map[string]any {
	if len(resp.ToolCalls) > 0 {
		items := make([]map[string]any, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			items = append(items, map[string]any{
				"type":      "function_call",
				"id":        "fc_" + hex32(),
				"call_id":   tc.ID,
				"name":      tc.Name,
				"arguments": tc.ArgumentsJSON,
				"status":    "completed",
			})
		}
		return items
	}

	content := ""
	if resp.Content != nil {
		content = *resp.Content
	}
	return []map[string]any{messageItem("msg_"+hex32(), content, "completed")}
}

func messageItem(id, text, status string) map[string]any {
	return map[string]any{
		"type":   "message",
		"id":     id,
		"status": status,
		"role":   "assistant",
		"content": []any{map[string]any{
			"type":        "output_text",
			"text":        text,
			"annotations": []any{},
		}},
	}
}

// ResponseBody assembles the full response object. The original input items
// are echoed verbatim; output_text aggregates the message text.
func ResponseBody(id string, created int64, model string, rr *oai.ResponsesRequest, resp *assistant.Response, conversationID string, includeConversation bool) map[string]any {
	return ResponseBodyFromItems(id, created, model, rr, OutputItems(resp), conversationID, includeConversation)
}

// ResponseBodyFromItems assembles the response object around an already-built
// output array, so streamed item events and the completed body share ids.
func ResponseBodyFromItems(id string, created int64, model string, rr *oai.ResponsesRequest, items []map[string]any, conversationID string, includeConversation bool) map[string]any {
	outputText := ""
	for _, item := range items {
		if item["type"] != "message" {
			continue
		}
		if content, ok := item["content"].([]any); ok {
			for _, raw := range content {
				if part, ok := raw.(map[string]any); ok && part["type"] == "output_text" {
					if text, ok := part["text"].(string); ok {
						outputText += text
					}
				}
			}
		}
	}

	body := map[string]any{
		"id":          id,
		"object":      "response",
		"created_at":  created,
		"status":      "completed",
		"model":       model,
		"output":      items,
		"output_text": outputText,
	}
	if rr != nil {
		body["input"] = rr.Input
		if rr.Instructions != "" {
			body["instructions"] = rr.Instructions
		}
		if rr.PreviousResponseID != "" {
			body["previous_response_id"] = rr.PreviousResponseID
		}
	}
	if includeConversation {
		body["conversation_id"] = conversationID
	}
	return body
}

// ResponsesSequencer emits the Responses SSE event sequence:
// response.created, response.in_progress, response.output_item.added, zero or
// more response.output_text.delta, response.output_text.done,
// response.output_item.done, response.completed. Function-call output skips
// the text delta/done pair. Every event carries the same response id.
type ResponsesSequencer struct {
	w       *SSEWriter
	id      string
	created int64
	model   string

	itemID string
	seq    int
}

// NewResponsesSequencer binds a sequencer to an SSE writer.
func NewResponsesSequencer(w *SSEWriter, id, model string) *ResponsesSequencer {
	return &ResponsesSequencer{
		w:       w,
		id:      id,
		created: time.Now().Unix(),
		model:   model,
		itemID:  "msg_" + hex32(),
	}
}

// Created returns the creation timestamp shared by all events.
func (s *ResponsesSequencer) Created() int64 {
	return s.created
}

// FinalMessageItems returns the completed output array for a text stream,
// reusing the item id the delta events carried.
func (s *ResponsesSequencer) FinalMessageItems(text string) []map[string]any {
	return []map[string]any{messageItem(s.itemID, text, "completed")}
}

func (s *ResponsesSequencer) event(name string, fields map[string]any) error {
	payload := map[string]any{"type": name, "sequence_number": s.seq}
	for k, v := range fields {
		payload[k] = v
	}
	s.seq++
	return s.w.Event(name, payload)
}

func (s *ResponsesSequencer) skeleton(status string) map[string]any {
	return map[string]any{
		"id":         s.id,
		"object":     "response",
		"created_at": s.created,
		"status":     status,
		"model":      s.model,
		"output":     []any{},
	}
}

// Start emits response.created and response.in_progress.
func (s *ResponsesSequencer) Start() error {
	if err := s.event("response.created", map[string]any{"response": s.skeleton("in_progress")}); err != nil {
		return err
	}
	return s.event("response.in_progress", map[string]any{"response": s.skeleton("in_progress")})
}

// AddMessageItem emits the empty placeholder output_item.added for a message
// item; the text fills in through deltas.
func (s *ResponsesSequencer) AddMessageItem() error {
	return s.event("response.output_item.added", map[string]any{
		"output_index": 0,
		"item":         messageItem(s.itemID, "", "in_progress"),
	})
}

// Delta emits one output_text delta.
func (s *ResponsesSequencer) Delta(delta string) error {
	return s.event("response.output_text.delta", map[string]any{
		"item_id":       s.itemID,
		"output_index":  0,
		"content_index": 0,
		"delta":         delta,
	})
}

// CompleteText finishes a message-item stream: output_text.done,
// output_item.done, response.completed.
func (s *ResponsesSequencer) CompleteText(finalText string, body map[string]any) error {
	if err := s.event("response.output_text.done", map[string]any{
		"item_id":       s.itemID,
		"output_index":  0,
		"content_index": 0,
		"text":          finalText,
	}); err != nil {
		return err
	}
	if err := s.event("response.output_item.done", map[string]any{
		"output_index": 0,
		"item":         messageItem(s.itemID, finalText, "completed"),
	}); err != nil {
		return err
	}
	return s.event("response.completed", map[string]any{"response": body})
}

// CompleteToolCalls finishes a function-call stream: each item is added in
// final form, then done; the text delta/done pair is skipped.
func (s *ResponsesSequencer) CompleteToolCalls(items []map[string]any, body map[string]any) error {
	for i, item := range items {
		if err := s.event("response.output_item.added", map[string]any{
			"output_index": i,
			"item":         item,
		}); err != nil {
			return err
		}
		if err := s.event("response.output_item.done", map[string]any{
			"output_index": i,
			"item":         item,
		}); err != nil {
			return err
		}
	}
	return s.event("response.completed", map[string]any{"response": body})
}
