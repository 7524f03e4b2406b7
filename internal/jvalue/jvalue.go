// Package jvalue implements a typed JSON value sum type (object | array |
// string | number | bool | null) with an in-place mutator. The sidecar never
// models LSP messages as typed Go structs — per spec it does not implement
// LSP semantics — but it does need to walk arbitrary message bodies to find
// and rewrite "uri"/"targetUri" string values (§4.5) and "id" fields
// (§4.3). A bespoke sum type keeps that walk explicit instead of hiding it
// behind interface{} type-switches scattered across callers.
package jvalue

import "github.com/segmentio/encoding/json"

// Value is any decoded JSON value: nil, bool, float64, string,
// map[string]any, or []any.
type Value any

// Decode parses raw JSON bytes into a Value tree.
func Decode(raw []byte) (Value, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return normalize(v), nil
}

// normalize walks a freshly-decoded any tree (as produced by
// encoding/json, whose objects are map[string]interface{} and arrays are
// []interface{}) into the jvalue.Value shape, which is identical in memory
// but documents the closed set of cases callers must handle.
func normalize(v any) Value {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = normalize(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = normalize(child)
		}
		return t
	default:
		return t
	}
}

// Encode serializes a Value tree back to JSON.
func Encode(v Value) ([]byte, error) {
	return json.Marshal(v)
}

// Walk visits every string value reachable from v whose key (in an
// enclosing object) is one of keys, calling fn with the current value and
// replacing it with fn's return value. Arrays and nested objects are
// descended into regardless of their own key.
func Walk(v Value, keys map[string]bool, fn func(key, s string) string) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if s, ok := child.(string); ok && keys[k] {
				t[k] = fn(k, s)
				continue
			}
			Walk(child, keys, fn)
		}
	case []any:
		for _, child := range t {
			Walk(child, keys, fn)
		}
	}
}

// Object type-asserts v as a JSON object, returning (nil, false) otherwise.
func Object(v Value) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// String reads a string field from an object value, returning ("", false)
// if the field is absent or not a string.
func String(v Value, key string) (string, bool) {
	m, ok := Object(v)
	if !ok {
		return "", false
	}
	s, ok := m[key].(string)
	return s, ok
}
