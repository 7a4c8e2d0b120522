package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/m365proxy/m365proxy/internal/domain/assistant"
)

// sseEvents parses the event names out of a raw SSE stream.
func sseEvents(t *testing.T, raw string) []string {
	t.Helper()
	var events []string
	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
	}
	return events
}

func TestResponsesSequencerTextOrder(t *testing.T) {
	var buf bytes.Buffer
	w := NewSSEWriter(&buf)
	seq := NewResponsesSequencer(w, "resp_test", "m365-copilot")

	seq.Start()
	seq.AddMessageItem()
	seq.Delta("Hel")
	seq.Delta("lo")
	body := map[string]any{"id": "resp_test", "object": "response", "status": "completed"}
	seq.CompleteText("Hello", body)

	want := []string{
		"response.created",
		"response.in_progress",
		"response.output_item.added",
		"response.output_text.delta",
		"response.output_text.delta",
		"response.output_text.done",
		"response.output_item.done",
		"response.completed",
	}
	got := sseEvents(t, buf.String())
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestResponsesSequencerSharedIDAndSequenceNumbers(t *testing.T) {
	var buf bytes.Buffer
	w := NewSSEWriter(&buf)
	seq := NewResponsesSequencer(w, "resp_shared", "m365-copilot")

	seq.Start()
	seq.AddMessageItem()
	seq.Delta("x")
	seq.CompleteText("x", map[string]any{"id": "resp_shared"})

	lastSeq := -1
	for _, line := range strings.Split(buf.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload); err != nil {
			t.Fatalf("payload is not JSON: %v", err)
		}
		n, ok := payload["sequence_number"].(float64)
		if !ok {
			t.Fatalf("event missing sequence_number: %v", payload)
		}
		if int(n) != lastSeq+1 {
			t.Errorf("sequence_number = %d, want %d", int(n), lastSeq+1)
		}
		lastSeq = int(n)

		if itemID, ok := payload["item_id"].(string); ok && !strings.HasPrefix(itemID, "msg_") {
			t.Errorf("item_id = %q", itemID)
		}
	}
	if lastSeq < 0 {
		t.Fatal("no events parsed")
	}
}

func TestResponsesSequencerToolCallsSkipTextEvents(t *testing.T) {
	var buf bytes.Buffer
	w := NewSSEWriter(&buf)
	seq := NewResponsesSequencer(w, "resp_tools", "m365-copilot")

	resp := &assistant.Response{
		ToolCalls: []assistant.ToolCall{
			{ID: "call_1", Name: "get_weather", ArgumentsJSON: `{"city":"oslo"}`},
		},
		FinishReason: assistant.FinishToolCalls,
	}
	items := OutputItems(resp)

	seq.Start()
	seq.CompleteToolCalls(items, map[string]any{"id": "resp_tools"})

	raw := buf.String()
	if strings.Contains(raw, "response.output_text.delta") || strings.Contains(raw, "response.output_text.done") {
		t.Error("function-call output must skip the text delta/done events")
	}
	if !strings.Contains(raw, "response.output_item.added") || !strings.Contains(raw, "response.output_item.done") {
		t.Error("function-call items must still be added and done")
	}
}

func TestOutputItemsShapes(t *testing.T) {
	content := "plain answer"
	textItems := OutputItems(&assistant.Response{Content: &content, FinishReason: assistant.FinishStop})
	if len(textItems) != 1 || textItems[0]["type"] != "message" {
		t.Fatalf("text items = %v", textItems)
	}

	toolItems := OutputItems(&assistant.Response{
		ToolCalls:    []assistant.ToolCall{{ID: "call_1", Name: "f", ArgumentsJSON: "{}"}},
		FinishReason: assistant.FinishToolCalls,
	})
	if len(toolItems) != 1 || toolItems[0]["type"] != "function_call" {
		t.Fatalf("tool items = %v", toolItems)
	}
	if toolItems[0]["call_id"] != "call_1" {
		t.Errorf("call_id = %v", toolItems[0]["call_id"])
	}
	if id, _ := toolItems[0]["id"].(string); !strings.HasPrefix(id, "fc_") {
		t.Errorf("id = %q, want fc_ prefix", id)
	}
}

func TestResponseBodyFromItemsOutputText(t *testing.T) {
	items := []map[string]any{
		{
			"type": "message",
			"id":   "msg_1",
			"content": []any{
				map[string]any{"type": "output_text", "text": "Hello", "annotations": []any{}},
			},
		},
	}
	body := ResponseBodyFromItems("resp_1", 123, "m365-copilot", nil, items, "conv-1", true)
	if body["output_text"] != "Hello" {
		t.Errorf("output_text = %v", body["output_text"])
	}
	if body["conversation_id"] != "conv-1" {
		t.Errorf("conversation_id = %v", body["conversation_id"])
	}

	noConv := ResponseBodyFromItems("resp_1", 123, "m365-copilot", nil, items, "conv-1", false)
	if _, present := noConv["conversation_id"]; present {
		t.Error("conversation_id must be omitted when not requested")
	}
}
