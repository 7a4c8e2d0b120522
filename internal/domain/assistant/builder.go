// Package assistant turns raw upstream assistant text into a structured
// response record: tool calls salvaged from free-form output, strict
// tool-choice enforcement, and response_format content normalization.
package assistant

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/m365proxy/m365proxy/internal/domain/oai"
	"github.com/m365proxy/m365proxy/pkg/jsonx"
)

// FinishReason values surfaced to OpenAI clients.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
)

// ToolCall is one extracted tool invocation. ArgumentsJSON is always valid
// JSON, possibly "{}".
type ToolCall struct {
	ID            string
	Name          string
	ArgumentsJSON string
}

// Response is the builder's product.
// Invariants: non-empty ToolCalls implies nil Content and FinishToolCalls;
// a set StrictToolErrorMessage implies both Content and ToolCalls empty.
type Response struct {
	Content                *string
	ToolCalls              []ToolCall
	FinishReason           string
	StrictToolErrorMessage string
}

// Build extracts tool calls from rawText (when the request declares tools and
// tool_choice is not "none"), applies the strict-mode policy, and normalizes
// plain content against any response_format.
func Build(req *oai.CanonicalRequest, rawText string) *Response {
	tooling := req.Tooling

	if len(tooling.Tools) > 0 && tooling.ChoiceMode != oai.ToolChoiceNone {
		if calls := extractToolCalls(rawText, tooling); len(calls) > 0 {
			return &Response{ToolCalls: calls, FinishReason: FinishToolCalls}
		}
		if tooling.ChoiceMode == oai.ToolChoiceRequired || tooling.ChoiceMode == oai.ToolChoiceFunction {
			return &Response{
				FinishReason:           FinishStop,
				StrictToolErrorMessage: strictErrorMessage(tooling),
			}
		}
	}

	content := normalizeContent(rawText, req.ResponseFormat)
	return &Response{Content: &content, FinishReason: FinishStop}
}

func strictErrorMessage(tooling oai.Tooling) string {
	if tooling.ChoiceMode == oai.ToolChoiceFunction {
		return fmt.Sprintf("the model did not produce the required call to function %q", tooling.FunctionName)
	}
	return "the model did not produce a required tool call"
}

// extractToolCalls tries each JSON candidate in order; the first candidate
// that yields at least one accepted call wins.
func extractToolCalls(text string, tooling oai.Tooling) []ToolCall {
	for _, candidate := range enumerateCandidates(text) {
		var node any
		if err := json.Unmarshal([]byte(candidate), &node); err != nil {
			continue
		}
		raw := probeToolCalls(node)
		if len(raw) == 0 {
			continue
		}
		var accepted []ToolCall
		for _, rc := range raw {
			if !acceptCall(rc, tooling) {
				continue
			}
			accepted = append(accepted, ToolCall{
				ID:            callID(rc.id),
				Name:          rc.name,
				ArgumentsJSON: normalizeArguments(rc.arguments),
			})
		}
		if len(accepted) > 0 {
			return accepted
		}
	}
	return nil
}

func acceptCall(rc rawCall, tooling oai.Tooling) bool {
	if rc.name == "" {
		return false
	}
	if tooling.ChoiceMode == oai.ToolChoiceFunction && rc.name != tooling.FunctionName {
		return false
	}
	return tooling.HasTool(rc.name)
}

func callID(id string) string {
	if id != "" {
		return id
	}
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

type rawCall struct {
	id        string
	name      string
	arguments any
}

// probeToolCalls checks a decoded JSON node for every accepted tool-call
// shape, in priority order.
func probeToolCalls(node any) []rawCall {
	obj, isObj := jsonx.Obj(node)

	if isObj {
		if calls, ok := jsonx.ArrAt(obj, "tool_calls"); ok {
			if out := callsFromArray(calls); len(out) > 0 {
				return out
			}
		}
		if message, ok := jsonx.ObjAt(obj, "message"); ok {
			if calls, ok := jsonx.ArrAt(message, "tool_calls"); ok {
				if out := callsFromArray(calls); len(out) > 0 {
					return out
				}
			}
		}
		if choices, ok := jsonx.ArrAt(obj, "choices"); ok {
			for _, rawChoice := range choices {
				choice, ok := jsonx.Obj(rawChoice)
				if !ok {
					continue
				}
				for _, key := range []string{"message", "delta"} {
					inner, ok := jsonx.ObjAt(choice, key)
					if !ok {
						continue
					}
					if calls, ok := jsonx.ArrAt(inner, "tool_calls"); ok {
						if out := callsFromArray(calls); len(out) > 0 {
							return out
						}
					}
				}
			}
		}
		if output, ok := jsonx.ArrAt(obj, "output"); ok {
			var out []rawCall
			for _, rawItem := range output {
				item, ok := jsonx.Obj(rawItem)
				if !ok || jsonx.Str(item, "type") != "function_call" {
					continue
				}
				id := jsonx.Str(item, "call_id")
				if id == "" {
					id = jsonx.Str(item, "id")
				}
				out = append(out, rawCall{
					id:        id,
					name:      jsonx.Str(item, "name"),
					arguments: item["arguments"],
				})
			}
			if len(out) > 0 {
				return out
			}
		}
		if rc, ok := singleCall(obj); ok {
			return []rawCall{rc}
		}
	}

	return nil
}

func callsFromArray(calls []any) []rawCall {
	var out []rawCall
	for _, raw := range calls {
		call, ok := jsonx.Obj(raw)
		if !ok {
			continue
		}
		rc := rawCall{id: jsonx.Str(call, "id")}
		if fn, ok := jsonx.ObjAt(call, "function"); ok {
			rc.name = jsonx.Str(fn, "name")
			rc.arguments = fn["arguments"]
		} else {
			rc.name = jsonx.Str(call, "name")
			rc.arguments = call["arguments"]
		}
		if rc.name != "" {
			out = append(out, rc)
		}
	}
	return out
}

// singleCall matches the bare {name, arguments} shape, optionally nested
// under "function".
func singleCall(obj map[string]any) (rawCall, bool) {
	if fn, ok := jsonx.ObjAt(obj, "function"); ok {
		if name := jsonx.Str(fn, "name"); name != "" {
			return rawCall{id: jsonx.Str(obj, "id"), name: name, arguments: fn["arguments"]}, true
		}
	}
	if name := jsonx.Str(obj, "name"); name != "" && jsonx.Has(obj, "arguments") {
		return rawCall{id: jsonx.Str(obj, "id"), name: name, arguments: obj["arguments"]}, true
	}
	return rawCall{}, false
}

// normalizeContent re-extracts a JSON node from the assistant text when a
// response_format is requested. json_object demands an object; on any
// mismatch the raw text passes through.
func normalizeContent(text string, format *oai.ResponseFormat) string {
	if format == nil {
		return text
	}
	for _, candidate := range enumerateCandidates(text) {
		var node any
		if err := json.Unmarshal([]byte(candidate), &node); err != nil {
			continue
		}
		switch node.(type) {
		case map[string]any:
			return jsonx.Canonical(node)
		case []any:
			if format.Type != "json_object" {
				return jsonx.Canonical(node)
			}
		}
	}
	return text
}
