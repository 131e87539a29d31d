// internal/driver/values.go
package driver

import (
	"fmt"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
)

// unwrapValue replaces every *Node in v with its engine element handle and
// a nil *Node with nil. Slices and maps are copied; other values pass
// through unchanged.
func unwrapValue(v any) any {
	switch x := v.(type) {
	case *Node:
		if x == nil {
			return nil
		}
		return x.element
	case []*Node:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = unwrapValue(n)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = unwrapValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = unwrapValue(item)
		}
		return out
	default:
		return v
	}
}

func unwrapArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = unwrapValue(a)
	}
	return out
}

// wrapValue is the inverse of unwrapValue for values coming back from the
// engine: element handles become *Node bound to w.
func (w *Window) wrapValue(v any) any {
	switch x := v.(type) {
	case engine.ElementHandle:
		return newNode(w, x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = w.wrapValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = w.wrapValue(item)
		}
		return out
	default:
		return v
	}
}

func (w *Window) wrapElements(handles []engine.ElementHandle) []*Node {
	nodes := make([]*Node, len(handles))
	for i, h := range handles {
		nodes[i] = newNode(w, h)
	}
	return nodes
}

// toInt converts a JSON-decoded number.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}
