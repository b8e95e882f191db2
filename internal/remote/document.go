package remote

import (
	"context"
	"errors"
	"time"
)

// Document is a JSON-compatible object written to the remote store.
type Document map[string]any

type placeholder struct{ name string }

func (p placeholder) MarshalJSON() ([]byte, error) {
	return nil, errors.New("remote: unresolved " + p.name + " placeholder")
}

// ServerTimestamp is resolved by the remote store to its own clock at write
// time. It must never reach the sync queue: queued payloads are replayed verbatim.
var ServerTimestamp any = placeholder{name: "server-timestamp"}

func isPlaceholder(v any) bool {
	_, ok := v.(placeholder)
	return ok
}

// HasPlaceholder reports whether any value in the document, at any depth,
// is a placeholder.
func (d Document) HasPlaceholder() bool {
	return containsPlaceholder(map[string]any(d))
}

func containsPlaceholder(v any) bool {
	switch t := v.(type) {
	case placeholder:
		return true
	case Document:
		return containsPlaceholder(map[string]any(t))
	case map[string]any:
		for _, inner := range t {
			if containsPlaceholder(inner) {
				return true
			}
		}
	case []any:
		for _, inner := range t {
			if containsPlaceholder(inner) {
				return true
			}
		}
	}
	return false
}

// Resolve returns a copy of d with placeholders replaced by concrete values.
// now is only called when a placeholder is present.
func (d Document) Resolve(ctx context.Context, now func(context.Context) (time.Time, error)) (Document, error) {
	if !d.HasPlaceholder() {
		return d, nil
	}
	ts, err := now(ctx)
	if err != nil {
		return nil, err
	}
	stamp := ts.UTC().Format(time.RFC3339Nano)
	return resolveMap(map[string]any(d), stamp), nil
}

func resolveMap(m map[string]any, stamp string) Document {
	out := make(Document, len(m))
	for k, v := range m {
		out[k] = resolveValue(v, stamp)
	}
	return out
}

func resolveValue(v any, stamp string) any {
	switch t := v.(type) {
	case placeholder:
		return stamp
	case Document:
		return resolveMap(map[string]any(t), stamp)
	case map[string]any:
		return map[string]any(resolveMap(t, stamp))
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = resolveValue(inner, stamp)
		}
		return out
	}
	return v
}
