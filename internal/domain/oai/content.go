package oai

import (
	"fmt"
	"strings"

	"github.com/m365proxy/m365proxy/pkg/jsonx"
)

// messageText flattens any OpenAI message content shape into plain text.
// Accepted shapes: a plain string; an object with "text" or "value"; an array
// of part objects ({type: text|input_text|output_text, text}) or raw strings.
// Image parts render as "[<role> attached image: <url>]" markers.
func messageText(role string, content any) string {
	switch c := content.(type) {
	case string:
		return c
	case map[string]any:
		if s := jsonx.Str(c, "text"); s != "" {
			return s
		}
		return jsonx.Str(c, "value")
	case []any:
		var parts []string
		for _, item := range c {
			switch p := item.(type) {
			case string:
				if p != "" {
					parts = append(parts, p)
				}
			case map[string]any:
				if s := partText(role, p); s != "" {
					parts = append(parts, s)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func partText(role string, part map[string]any) string {
	switch jsonx.Str(part, "type") {
	case "text", "input_text", "output_text":
		return jsonx.Str(part, "text")
	case "image_url", "input_image":
		if url := imageURL(part); url != "" {
			return fmt.Sprintf("[%s attached image: %s]", role, url)
		}
	default:
		// Unknown part types still contribute their text field when present.
		return jsonx.Str(part, "text")
	}
	return ""
}

func imageURL(part map[string]any) string {
	switch u := part["image_url"].(type) {
	case string:
		return u
	case map[string]any:
		return jsonx.Str(u, "url")
	}
	return jsonx.Str(part, "url")
}

// renderMessage turns one inbound message into the textual line used for
// prompt or context. Tool messages become "tool[<id>]: <payload>" and
// assistant messages carrying tool_calls are serialized for context.
func renderMessage(msg map[string]any) (role, text string) {
	role = jsonx.Str(msg, "role")

	if role == "tool" {
		id := jsonx.Str(msg, "tool_call_id")
		payload := messageText(role, msg["content"])
		return role, fmt.Sprintf("tool[%s]: %s", id, payload)
	}

	if role == "assistant" {
		if calls, ok := jsonx.ArrAt(msg, "tool_calls"); ok && len(calls) > 0 {
			return role, "assistant tool_calls: " + jsonx.Canonical(calls)
		}
	}

	return role, messageText(role, msg["content"])
}
