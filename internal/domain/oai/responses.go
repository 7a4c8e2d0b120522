package oai

import (
	apierr "github.com/m365proxy/m365proxy/pkg/errors"
	"github.com/m365proxy/m365proxy/pkg/jsonx"
)

// ParseResponses canonicalizes a decoded Responses API body by translating
// its input items into synthetic chat messages and reusing the chat parser.
func ParseResponses(body map[string]any, opts Options) (*ResponsesRequest, error) {
	input, hasInput := body["input"]
	if !hasInput {
		return nil, apierr.InvalidRequest("input is required")
	}

	messages, err := inputToMessages(input)
	if err != nil {
		return nil, err
	}

	synthetic := make(map[string]any, len(body)+1)
	for k, v := range body {
		synthetic[k] = v
	}
	synthetic["messages"] = messages

	// text.format maps onto response_format.
	if text, ok := jsonx.ObjAt(body, "text"); ok {
		if format, ok := jsonx.ObjAt(text, "format"); ok {
			switch jsonx.Str(format, "type") {
			case "json_object":
				synthetic["response_format"] = map[string]any{"type": "json_object"}
			case "json_schema":
				synthetic["response_format"] = map[string]any{
					"type":        "json_schema",
					"json_schema": format,
				}
			}
		}
	}

	// reasoning.effort maps onto reasoning_effort.
	if reasoning, ok := jsonx.ObjAt(body, "reasoning"); ok {
		if effort := jsonx.Str(reasoning, "effort"); effort != "" {
			synthetic["reasoning_effort"] = effort
		}
	}

	canonical, err := ParseChat(synthetic, opts)
	if err != nil {
		return nil, err
	}

	instructions := jsonx.Str(body, "instructions")
	if instructions != "" && !hasContextText(canonical.AdditionalContext, instructions) {
		canonical.AdditionalContext = append(
			[]ContextEntry{{Text: instructions, Description: "instructions"}},
			canonical.AdditionalContext...,
		)
	}

	return &ResponsesRequest{
		Canonical:          canonical,
		PreviousResponseID: jsonx.Str(body, "previous_response_id"),
		Instructions:       instructions,
		Input:              input,
	}, nil
}

// inputToMessages rewrites Responses input items into chat messages.
// function_call items become assistant messages with tool_calls; their
// function_call_output counterparts become tool messages.
func inputToMessages(input any) ([]any, error) {
	switch in := input.(type) {
	case string:
		if in == "" {
			return nil, apierr.InvalidRequest("input did not yield any textual item")
		}
		return []any{map[string]any{"role": "user", "content": in}}, nil
	case []any:
		var messages []any
		for _, raw := range in {
			switch item := raw.(type) {
			case string:
				if item != "" {
					messages = append(messages, map[string]any{"role": "user", "content": item})
				}
			case map[string]any:
				if msg := itemToMessage(item); msg != nil {
					messages = append(messages, msg)
				}
			}
		}
		if len(messages) == 0 {
			return nil, apierr.InvalidRequest("input did not yield any textual item")
		}
		return messages, nil
	}
	return nil, apierr.InvalidRequest("input must be a string or an array of items")
}

func itemToMessage(item map[string]any) map[string]any {
	switch jsonx.Str(item, "type") {
	case "function_call":
		return map[string]any{
			"role": "assistant",
			"tool_calls": []any{map[string]any{
				"id":   jsonx.Str(item, "call_id"),
				"type": "function",
				"function": map[string]any{
					"name":      jsonx.Str(item, "name"),
					"arguments": item["arguments"],
				},
			}},
		}
	case "function_call_output":
		return map[string]any{
			"role":         "tool",
			"tool_call_id": jsonx.Str(item, "call_id"),
			"content":      item["output"],
		}
	case "message", "":
		role := jsonx.Str(item, "role")
		if role == "" {
			return nil
		}
		return map[string]any{"role": role, "content": item["content"]}
	}
	return nil
}

func hasContextText(entries []ContextEntry, text string) bool {
	for _, e := range entries {
		if e.Text == text {
			return true
		}
	}
	return false
}
