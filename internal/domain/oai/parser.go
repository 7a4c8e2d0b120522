package oai

import (
	"fmt"
	"strings"

	apierr "github.com/m365proxy/m365proxy/pkg/errors"
	"github.com/m365proxy/m365proxy/pkg/jsonx"
)

// ParseChat canonicalizes a decoded Chat Completions body.
func ParseChat(body map[string]any, opts Options) (*CanonicalRequest, error) {
	messages, _ := jsonx.ArrAt(body, "messages")
	if len(messages) == 0 {
		return nil, apierr.InvalidRequest("messages must not be empty")
	}

	req := newCanonical(body, opts)

	// The prompt is the last user message; otherwise the last message.
	promptIdx := len(messages) - 1
	for i := len(messages) - 1; i >= 0; i-- {
		if m, ok := jsonx.Obj(messages[i]); ok && jsonx.Str(m, "role") == "user" {
			promptIdx = i
			break
		}
	}

	for i, raw := range messages {
		m, ok := jsonx.Obj(raw)
		if !ok {
			continue
		}
		role, text := renderMessage(m)
		if i == promptIdx {
			req.PromptText = text
			continue
		}
		if text == "" {
			continue
		}
		req.AdditionalContext = append(req.AdditionalContext, ContextEntry{
			Text: fmt.Sprintf("%s: %s", role, text),
		})
	}

	if req.PromptText == "" {
		return nil, apierr.InvalidRequest("no textual content found in messages")
	}

	tooling, err := parseTooling(body)
	if err != nil {
		return nil, err
	}
	req.Tooling = tooling
	req.ResponseFormat = parseResponseFormat(body["response_format"])

	applyExtensions(req, body, opts)
	appendCompatContext(req, opts)

	return req, nil
}

// newCanonical fills the fields shared by both parsers.
func newCanonical(body map[string]any, opts Options) *CanonicalRequest {
	req := &CanonicalRequest{
		Model:    jsonx.Str(body, "model"),
		UserKey:  jsonx.Str(body, "user"),
		Location: LocationHint{TimeZone: opts.DefaultTimeZone},
	}
	if req.Model == "" {
		req.Model = opts.DefaultModel
	}
	if req.UserKey == "" {
		req.UserKey = "default"
	}
	if stream, ok := body["stream"].(bool); ok {
		req.Stream = stream
	}
	if effort := jsonx.Str(body, "reasoning_effort"); effort != "" {
		req.ReasoningEffort = effort
	}
	if temp, ok := body["temperature"].(float64); ok {
		req.Temperature = &temp
	}
	return req
}

func parseTooling(body map[string]any) (Tooling, error) {
	tooling := Tooling{ChoiceMode: ToolChoiceNone, ParallelToolCalls: true}

	if pc, ok := body["parallel_tool_calls"].(bool); ok {
		tooling.ParallelToolCalls = pc
	}

	rawTools, _ := jsonx.ArrAt(body, "tools")
	for _, raw := range rawTools {
		t, ok := jsonx.Obj(raw)
		if !ok || jsonx.Str(t, "type") != "function" {
			continue
		}
		fn, ok := jsonx.ObjAt(t, "function")
		if !ok {
			continue
		}
		name := jsonx.Str(fn, "name")
		if name == "" {
			continue
		}
		params, _ := jsonx.ObjAt(fn, "parameters")
		if params == nil {
			params = map[string]any{}
		}
		tooling.Tools = append(tooling.Tools, ToolDef{
			Name:        name,
			Description: jsonx.Str(fn, "description"),
			Parameters:  params,
		})
	}

	if len(tooling.Tools) > 0 {
		tooling.ChoiceMode = ToolChoiceAuto
	}

	switch tc := body["tool_choice"].(type) {
	case nil:
	case string:
		switch tc {
		case "auto":
			if len(tooling.Tools) > 0 {
				tooling.ChoiceMode = ToolChoiceAuto
			}
		case "none":
			tooling.ChoiceMode = ToolChoiceNone
		case "required":
			if len(tooling.Tools) == 0 {
				return tooling, apierr.InvalidRequest("tool_choice \"required\" needs at least one tool")
			}
			tooling.ChoiceMode = ToolChoiceRequired
		default:
			return tooling, apierr.InvalidRequest(fmt.Sprintf("unsupported tool_choice %q", tc))
		}
	case map[string]any:
		if jsonx.Str(tc, "type") != "function" {
			return tooling, apierr.InvalidRequest("tool_choice object must have type \"function\"")
		}
		fn, _ := jsonx.ObjAt(tc, "function")
		name := jsonx.Str(fn, "name")
		if name == "" {
			return tooling, apierr.InvalidRequest("tool_choice function name is required")
		}
		if len(tooling.Tools) == 0 {
			return tooling, apierr.InvalidRequest("tool_choice names a function but no tools are declared")
		}
		tooling.ChoiceMode = ToolChoiceFunction
		tooling.FunctionName = name
	default:
		return tooling, apierr.InvalidRequest("tool_choice must be a string or an object")
	}

	return tooling, nil
}

func parseResponseFormat(raw any) *ResponseFormat {
	rf, ok := jsonx.Obj(raw)
	if !ok {
		return nil
	}
	switch jsonx.Str(rf, "type") {
	case "json_object":
		return &ResponseFormat{Type: "json_object"}
	case "json_schema":
		schema, _ := jsonx.ObjAt(rf, "json_schema")
		return &ResponseFormat{Type: "json_schema", Schema: schema}
	}
	return nil
}

// applyExtensions reads the m365_* body extensions shared by both surfaces.
func applyExtensions(req *CanonicalRequest, body map[string]any, opts Options) {
	req.TransportOverride = strings.ToLower(jsonx.Str(body, "m365_transport"))
	if req.TransportOverride == "" {
		req.TransportOverride = strings.ToLower(jsonx.Str(body, "transport"))
	}
	req.ConversationID = jsonx.Str(body, "m365_conversation_id")
	req.ConversationKey = jsonx.Str(body, "m365_conversation_key")
	if b, ok := body["m365_new_conversation"].(bool); ok {
		req.NewConversation = b
	}

	if tz := jsonx.Str(body, "m365_time_zone"); tz != "" {
		req.Location.TimeZone = tz
	}
	if cr := jsonx.Str(body, "m365_country_or_region"); cr != "" {
		req.Location.CountryOrRegion = cr
	}
	if hint, ok := jsonx.ObjAt(body, "m365_location_hint"); ok {
		if tz := jsonx.Str(hint, "timeZone"); tz != "" {
			req.Location.TimeZone = tz
		}
		if cr := jsonx.Str(hint, "countryOrRegion"); cr != "" {
			req.Location.CountryOrRegion = cr
		}
	}
	if req.Location.TimeZone == "" {
		req.Location.TimeZone = opts.DefaultTimeZone
	}

	if res, ok := jsonx.ObjAt(body, "m365_contextual_resources"); ok {
		req.ContextualResources = res
	}

	if sys := jsonx.Str(body, "m365_system_prompt"); sys != "" {
		req.AdditionalContext = append([]ContextEntry{{Text: sys, Description: "system prompt"}}, req.AdditionalContext...)
	}

	if extra, ok := jsonx.ArrAt(body, "m365_additional_context"); ok {
		for _, raw := range extra {
			switch e := raw.(type) {
			case string:
				if e != "" {
					req.AdditionalContext = append(req.AdditionalContext, ContextEntry{Text: e})
				}
			case map[string]any:
				if text := jsonx.Str(e, "text"); text != "" {
					req.AdditionalContext = append(req.AdditionalContext, ContextEntry{
						Text:        text,
						Description: jsonx.Str(e, "description"),
					})
				}
			}
		}
	}
}

// appendCompatContext injects the OpenAI-compatibility hints: the tool-calling
// contract, the declared tools in canonical JSON, and the active tool-choice
// constraint. The set is capped at MaxAdditionalContextMessages, dropping
// oldest-first.
func appendCompatContext(req *CanonicalRequest, opts Options) {
	if len(req.Tooling.Tools) == 0 || req.Tooling.ChoiceMode == ToolChoiceNone {
		return
	}

	var compat []ContextEntry
	compat = append(compat, ContextEntry{
		Description: "openai-compat",
		Text: "To call a tool, reply with a single JSON object of the form " +
			`{"tool_calls":[{"name":"<tool>","arguments":{...}}]} and no other text.`,
	})

	type toolJSON struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters"`
	}
	tools := make([]toolJSON, 0, len(req.Tooling.Tools))
	for _, t := range req.Tooling.Tools {
		tools = append(tools, toolJSON{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	compat = append(compat, ContextEntry{
		Description: "openai-compat",
		Text:        "Available tools: " + jsonx.Canonical(tools),
	})

	switch req.Tooling.ChoiceMode {
	case ToolChoiceRequired:
		compat = append(compat, ContextEntry{
			Description: "openai-compat",
			Text:        "A tool call is required for this turn; do not answer in prose.",
		})
	case ToolChoiceFunction:
		compat = append(compat, ContextEntry{
			Description: "openai-compat",
			Text:        fmt.Sprintf("You must call the function %q for this turn.", req.Tooling.FunctionName),
		})
	}

	if limit := opts.contextCap(); len(compat) > limit {
		compat = compat[len(compat)-limit:]
	}
	req.AdditionalContext = append(req.AdditionalContext, compat...)
}

// UpstreamPrompt renders the text sent upstream: a Context: block of the
// additional-context lines when present, then the user prompt.
func (r *CanonicalRequest) UpstreamPrompt() string {
	if len(r.AdditionalContext) == 0 {
		return r.PromptText
	}
	var b strings.Builder
	b.WriteString("Context:\n")
	for _, entry := range r.AdditionalContext {
		if entry.Description != "" {
			fmt.Fprintf(&b, "- [%s] %s\n", entry.Description, entry.Text)
		} else {
			fmt.Fprintf(&b, "- %s\n", entry.Text)
		}
	}
	b.WriteString("\nUser: ")
	b.WriteString(r.PromptText)
	return b.String()
}
