// Package binjson makes opaque byte payloads JSON-safe. Byte slices
// anywhere inside a generic value tree are replaced by a tagged object
// {"__bin": base64} before serialisation and restored on decode, so that
// binary data round-trips lossless through JSON storage and transports.
package binjson

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Tag is the single key of an encoded byte payload.
const Tag = "__bin"

// Encode walks v and replaces every []byte leaf with its tagged form.
// Maps and slices are copied, never mutated in place. Values that are
// neither containers nor byte slices pass through unchanged.
func Encode(v any) any {
	switch t := v.(type) {
	case []byte:
		return map[string]any{Tag: base64.StdEncoding.EncodeToString(t)}
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Encode(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Encode(val)
		}
		return out
	default:
		return v
	}
}

// Decode reverses Encode: every {"__bin": base64} object becomes a []byte.
// Objects carrying the tag key alongside other keys, or with a value that
// is not valid base64, are left untouched.
func Decode(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			if s, ok := t[Tag].(string); ok {
				if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
					return raw
				}
			}
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Decode(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Decode(val)
		}
		return out
	default:
		return v
	}
}

// Marshal JSON-encodes v with byte payloads tagged.
func Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(Encode(v))
	if err != nil {
		return nil, fmt.Errorf("binjson: marshal failed: %w", err)
	}
	return b, nil
}

// Unmarshal decodes JSON and restores tagged byte payloads.
func Unmarshal(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("binjson: unmarshal failed: %w", err)
	}
	return Decode(v), nil
}
