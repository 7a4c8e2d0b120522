package assistant

import (
	"strings"
)

// maxBalancedCandidates bounds the balanced-substring scan on adversarial
// input.
const maxBalancedCandidates = 128

// enumerateCandidates yields JSON candidate substrings in priority order:
// the whole trimmed text, each fenced code block body, then every balanced
// {...}/[...] substring. Duplicates are dropped, preserving first position.
func enumerateCandidates(text string) []string {
	var out []string
	seen := make(map[string]struct{})

	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	add(text)

	for _, body := range fencedBlocks(text) {
		add(body)
	}

	count := 0
	for i := 0; i < len(text) && count < maxBalancedCandidates; i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		if end, ok := scanBalanced(text, i); ok {
			add(text[i : end+1])
			count++
		}
	}

	return out
}

// fencedBlocks returns the body of every triple-backtick fenced block,
// with the language tag line stripped.
func fencedBlocks(text string) []string {
	var blocks []string
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		rest = rest[start+3:]
		end := strings.Index(rest, "```")
		if end < 0 {
			break
		}
		body := rest[:end]
		rest = rest[end+3:]

		// Drop the language tag (everything up to the first newline when the
		// first line holds no JSON opener).
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			first := strings.TrimSpace(body[:nl])
			if first != "" && !strings.ContainsAny(first, "{[") {
				body = body[nl+1:]
			}
		}
		blocks = append(blocks, body)
	}
	return blocks
}

// scanBalanced walks text from an opening brace/bracket at start, respecting
// JSON string literals and escapes, and returns the index of the matching
// closer.
func scanBalanced(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i, true
			}
			if depth < 0 {
				return 0, false
			}
		}
	}
	return 0, false
}
