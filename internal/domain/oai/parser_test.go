package oai

import (
	"encoding/json"
	"strings"
	"testing"

	apierr "github.com/m365proxy/m365proxy/pkg/errors"
)

var testOpts = Options{
	DefaultModel:                 "m365-copilot",
	DefaultTimeZone:              "UTC",
	MaxAdditionalContextMessages: 16,
}

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		t.Fatalf("test body is not valid JSON: %v", err)
	}
	return body
}

func TestParseChatPromptSelection(t *testing.T) {
	body := decode(t, `{
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "first question"},
			{"role": "assistant", "content": "first answer"},
			{"role": "user", "content": "second question"}
		]
	}`)

	req, err := ParseChat(body, testOpts)
	if err != nil {
		t.Fatalf("ParseChat: %v", err)
	}
	if req.PromptText != "second question" {
		t.Errorf("prompt = %q, want the last user message", req.PromptText)
	}
	if req.Model != "m365-copilot" {
		t.Errorf("model = %q, want default", req.Model)
	}
	if len(req.AdditionalContext) != 3 {
		t.Fatalf("context entries = %d, want 3", len(req.AdditionalContext))
	}
	if req.AdditionalContext[0].Text != "system: be brief" {
		t.Errorf("context[0] = %q", req.AdditionalContext[0].Text)
	}
	if req.AdditionalContext[2].Text != "assistant: first answer" {
		t.Errorf("context[2] = %q", req.AdditionalContext[2].Text)
	}
}

func TestParseChatNoUserMessageUsesLast(t *testing.T) {
	body := decode(t, `{
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "assistant", "content": "still here"}
		]
	}`)

	req, err := ParseChat(body, testOpts)
	if err != nil {
		t.Fatalf("ParseChat: %v", err)
	}
	if req.PromptText != "still here" {
		t.Errorf("prompt = %q, want the last message", req.PromptText)
	}
}

func TestParseChatEmptyMessages(t *testing.T) {
	_, err := ParseChat(decode(t, `{"messages": []}`), testOpts)
	if err == nil {
		t.Fatal("empty messages should be rejected")
	}
	apiErr := apierr.AsAPIError(err, apierr.CodeInvalidRequest)
	if apiErr.Status != 400 || apiErr.Code != apierr.CodeInvalidRequest {
		t.Errorf("got %d/%s, want 400/invalid_request", apiErr.Status, apiErr.Code)
	}
}

func TestParseChatMultimodalFlattening(t *testing.T) {
	body := decode(t, `{
		"messages": [{
			"role": "user",
			"content": [
				{"type": "text", "text": "what is this?"},
				{"type": "image_url", "image_url": {"url": "https://example.com/cat.png"}}
			]
		}]
	}`)

	req, err := ParseChat(body, testOpts)
	if err != nil {
		t.Fatalf("ParseChat: %v", err)
	}
	want := "what is this?\n[user attached image: https://example.com/cat.png]"
	if req.PromptText != want {
		t.Errorf("prompt = %q, want %q", req.PromptText, want)
	}
}

func TestParseChatToolMessages(t *testing.T) {
	body := decode(t, `{
		"messages": [
			{"role": "assistant", "tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{}"}}]},
			{"role": "tool", "tool_call_id": "call_1", "content": "{\"temp\": 21}"},
			{"role": "user", "content": "and tomorrow?"}
		]
	}`)

	req, err := ParseChat(body, testOpts)
	if err != nil {
		t.Fatalf("ParseChat: %v", err)
	}
	if req.PromptText != "and tomorrow?" {
		t.Errorf("prompt = %q", req.PromptText)
	}
	if !strings.HasPrefix(req.AdditionalContext[0].Text, "assistant tool_calls: ") {
		t.Errorf("context[0] = %q, want serialized tool_calls", req.AdditionalContext[0].Text)
	}
	if req.AdditionalContext[1].Text != `tool[call_1]: {"temp": 21}` {
		t.Errorf("context[1] = %q", req.AdditionalContext[1].Text)
	}
}

func TestParseChatToolChoiceValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"required without tools", `{"messages":[{"role":"user","content":"hi"}],"tool_choice":"required"}`},
		{"function without tools", `{"messages":[{"role":"user","content":"hi"}],"tool_choice":{"type":"function","function":{"name":"f"}}}`},
		{"unknown string", `{"messages":[{"role":"user","content":"hi"}],"tool_choice":"maybe"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseChat(decode(t, tc.body), testOpts)
			if err == nil {
				t.Fatal("expected invalid_request")
			}
			apiErr := apierr.AsAPIError(err, apierr.CodeInvalidRequest)
			if apiErr.Status != 400 {
				t.Errorf("status = %d, want 400", apiErr.Status)
			}
		})
	}
}

func TestParseChatToolingModes(t *testing.T) {
	body := decode(t, `{
		"messages": [{"role": "user", "content": "weather in oslo"}],
		"tools": [{"type": "function", "function": {"name": "get_weather", "parameters": {"type": "object"}}}],
		"tool_choice": {"type": "function", "function": {"name": "get_weather"}}
	}`)

	req, err := ParseChat(body, testOpts)
	if err != nil {
		t.Fatalf("ParseChat: %v", err)
	}
	if req.Tooling.ChoiceMode != ToolChoiceFunction || req.Tooling.FunctionName != "get_weather" {
		t.Errorf("tooling = %+v", req.Tooling)
	}
	if !req.Tooling.HasTool("get_weather") {
		t.Error("declared tool missing")
	}

	// Compat context mentions the tool contract and the available tools.
	joined := ""
	for _, e := range req.AdditionalContext {
		joined += e.Text + "\n"
	}
	if !strings.Contains(joined, "tool_calls") || !strings.Contains(joined, "get_weather") {
		t.Errorf("compat context missing tool hints: %q", joined)
	}
	if !strings.Contains(joined, `"get_weather"`) {
		t.Errorf("function constraint missing: %q", joined)
	}
}

func TestParseChatExtensions(t *testing.T) {
	body := decode(t, `{
		"messages": [{"role": "user", "content": "hi"}],
		"m365_transport": "Substrate",
		"m365_conversation_id": "conv-9",
		"m365_conversation_key": "team-a",
		"m365_new_conversation": true,
		"m365_time_zone": "Europe/Oslo",
		"m365_country_or_region": "NO",
		"m365_system_prompt": "answer in norwegian"
	}`)

	req, err := ParseChat(body, testOpts)
	if err != nil {
		t.Fatalf("ParseChat: %v", err)
	}
	if req.TransportOverride != "substrate" {
		t.Errorf("transport override = %q", req.TransportOverride)
	}
	if req.ConversationID != "conv-9" || req.ConversationKey != "team-a" || !req.NewConversation {
		t.Errorf("conversation fields = %q/%q/%v", req.ConversationID, req.ConversationKey, req.NewConversation)
	}
	if req.Location.TimeZone != "Europe/Oslo" || req.Location.CountryOrRegion != "NO" {
		t.Errorf("location = %+v", req.Location)
	}
	if req.AdditionalContext[0].Description != "system prompt" {
		t.Errorf("system prompt should lead the context: %+v", req.AdditionalContext)
	}
}

func TestUpstreamPrompt(t *testing.T) {
	req := &CanonicalRequest{
		PromptText: "hello",
		AdditionalContext: []ContextEntry{
			{Text: "assistant: hi there"},
			{Text: "be formal", Description: "system prompt"},
		},
	}
	got := req.UpstreamPrompt()
	if !strings.HasPrefix(got, "Context:\n") {
		t.Errorf("prompt should open with the context block: %q", got)
	}
	if !strings.Contains(got, "- assistant: hi there\n") {
		t.Errorf("plain entry missing: %q", got)
	}
	if !strings.Contains(got, "- [system prompt] be formal\n") {
		t.Errorf("described entry missing: %q", got)
	}
	if !strings.HasSuffix(got, "\nUser: hello") {
		t.Errorf("prompt line missing: %q", got)
	}

	bare := &CanonicalRequest{PromptText: "hello"}
	if bare.UpstreamPrompt() != "hello" {
		t.Errorf("no context should yield the bare prompt")
	}
}
