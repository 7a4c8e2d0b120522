package assistant

import (
	"encoding/json"
	"strings"

	"github.com/m365proxy/m365proxy/pkg/jsonx"
)

// normalizeArguments canonicalizes a tool-call arguments node to a valid JSON
// string. Strings are parsed (with a control-character repair pass on
// failure), objects and arrays are stringified, anything unusable is wrapped
// as {"input": <original>}. Missing arguments become "{}".
func normalizeArguments(v any) string {
	switch args := v.(type) {
	case nil:
		return "{}"
	case string:
		trimmed := strings.TrimSpace(args)
		if trimmed == "" {
			return "{}"
		}
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return jsonx.Canonical(parsed)
		}
		repaired := repairControlChars(trimmed)
		if err := json.Unmarshal([]byte(repaired), &parsed); err == nil {
			return jsonx.Canonical(parsed)
		}
		return jsonx.Canonical(map[string]any{"input": args})
	case map[string]any, []any:
		return jsonx.Canonical(args)
	default:
		return jsonx.Canonical(map[string]any{"input": args})
	}
}

// repairControlChars escapes raw newlines, carriage returns and tabs that
// appear inside JSON string literals, walking the input character by character
// while tracking in-string and escape state.
func repairControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 16)

	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
				b.WriteByte(c)
				continue
			case c == '\\':
				escaped = true
				b.WriteByte(c)
				continue
			case c == '"':
				inString = false
				b.WriteByte(c)
				continue
			case c == '\n':
				b.WriteString(`\n`)
				continue
			case c == '\r':
				b.WriteString(`\r`)
				continue
			case c == '\t':
				b.WriteString(`\t`)
				continue
			}
			b.WriteByte(c)
			continue
		}
		if c == '"' {
			inString = true
		}
		b.WriteByte(c)
	}

	return b.String()
}
