// Package jsonx holds small helpers for navigating decoded JSON
// (map[string]any / []any trees) without named types. Upstream frames and
// snapshots are free-form, so most extraction code works on this shape.
package jsonx

import (
	"encoding/json"
)

// Decode parses raw JSON into a generic tree. Numbers decode as float64.
func Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Obj asserts v as a JSON object.
func Obj(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// Arr asserts v as a JSON array.
func Arr(v any) ([]any, bool) {
	a, ok := v.([]any)
	return a, ok
}

// Str returns the string at key, or "" when absent or not a string.
func Str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// Int returns the integer at key. JSON numbers arrive as float64.
func Int(m map[string]any, key string) (int, bool) {
	if m == nil {
		return 0, false
	}
	switch n := m[key].(type) {
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}

// ObjAt returns the object at key.
func ObjAt(m map[string]any, key string) (map[string]any, bool) {
	if m == nil {
		return nil, false
	}
	o, ok := m[key].(map[string]any)
	return o, ok
}

// ArrAt returns the array at key.
func ArrAt(m map[string]any, key string) ([]any, bool) {
	if m == nil {
		return nil, false
	}
	a, ok := m[key].([]any)
	return a, ok
}

// Has reports whether key is present at all, regardless of its value.
func Has(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	_, ok := m[key]
	return ok
}

// Canonical re-serializes a decoded JSON node to its compact string form.
func Canonical(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// DeepClone copies a JSON tree by round-tripping through encoding/json.
// Used by the response store so callers never share mutable state.
func DeepClone(v map[string]any) map[string]any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}
