// internal/browser/chromium/eval.go
package chromium

import (
	"context"
	stdjson "encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
)

// nodeKey marks a DOM node inside a JSON payload; the value is the node's
// index in the side list of remote objects passed with the call.
const nodeKey = "__cdpdriver_node__"

// jsCallRunner revives node placeholders in the arguments, calls the user
// function and encodes its result the same way: JSON for plain values and a
// parallel array for DOM nodes.
const jsCallRunner = `async (f, payload, nodes) => {
  const KEY = '` + nodeKey + `';
  const revive = (v) => {
    if (Array.isArray(v)) return v.map(revive);
    if (v && typeof v === 'object') {
      const keys = Object.keys(v);
      if (keys.length === 1 && keys[0] === KEY) return nodes[v[KEY]];
      const o = {};
      for (const k of keys) o[k] = revive(v[k]);
      return o;
    }
    return v;
  };
  const found = [];
  const encode = (v) => {
    if (v instanceof Node) { found.push(v); return { [KEY]: found.length - 1 }; }
    if (Array.isArray(v) || v instanceof NodeList || v instanceof HTMLCollection) return Array.from(v, encode);
    if (v && typeof v === 'object') {
      const o = {};
      for (const k of Object.keys(v)) o[k] = encode(v[k]);
      return o;
    }
    if (v === undefined || typeof v === 'function' || typeof v === 'symbol') return null;
    return v;
  };
  const result = await f(...revive(JSON.parse(payload)));
  const json = JSON.stringify(encode(result));
  return { json: json === undefined ? 'null' : json, nodes: found };
}`

// callDeclaration builds the Runtime.callFunctionOn declaration for fn. fn
// is spliced in as source rather than passed to eval, so pages whose CSP
// forbids 'unsafe-eval' still run it. It sits on its own lines so a
// trailing line comment cannot swallow the rest, and only the two prefixed
// parameters are in its scope.
func callDeclaration(fn string) string {
	return "async function (__cdpdriverPayload, ...__cdpdriverNodes) {\n" +
		"  return (" + jsCallRunner + ")((\n" + fn + "\n  ), __cdpdriverPayload, __cdpdriverNodes);\n}"
}

const (
	jsQuerySelectorAll = `(selector) => Array.from(document.querySelectorAll(selector))`
	jsQueryXPath       = `(expression) => {
  const r = document.evaluate(expression, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
  const out = [];
  for (let i = 0; i < r.snapshotLength; i++) out.push(r.snapshotItem(i));
  return out;
}`
)

// encodeArgs replaces the page's elements in args with placeholders and
// returns the JSON payload with the remote object ids of those elements.
func encodeArgs(p *Page, args []any) (string, []runtime.RemoteObjectID, error) {
	var nodes []runtime.RemoteObjectID

	var encode func(v any) (any, error)
	encode = func(v any) (any, error) {
		switch x := v.(type) {
		case *Element:
			if x.page != p {
				return nil, fmt.Errorf("element %s belongs to another page", x.NodeID())
			}
			nodes = append(nodes, x.objectID)
			return map[string]any{nodeKey: len(nodes) - 1}, nil
		case engine.ElementHandle:
			return nil, fmt.Errorf("element %s does not belong to this browser", x.NodeID())
		case []any:
			out := make([]any, len(x))
			for i, item := range x {
				e, err := encode(item)
				if err != nil {
					return nil, err
				}
				out[i] = e
			}
			return out, nil
		case map[string]any:
			out := make(map[string]any, len(x))
			for k, item := range x {
				e, err := encode(item)
				if err != nil {
					return nil, err
				}
				out[k] = e
			}
			return out, nil
		default:
			return v, nil
		}
	}

	encoded, err := encode(args)
	if err != nil {
		return "", nil, err
	}
	if encoded == nil {
		encoded = []any{}
	}
	payload, err := json.MarshalToString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("script arguments are not serializable: %w", err)
	}
	return payload, nodes, nil
}

// resultJSON keeps numbers as text so integers survive decoding exactly.
var resultJSON = json.Config{UseNumber: true}.Froze()

// number converts a decoded JSON number to int64 when it is integral and
// fits, and to float64 otherwise.
func number(n stdjson.Number) (any, error) {
	if !strings.ContainsAny(string(n), ".eE") {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("invalid number %q in script result: %w", n, err)
	}
	return f, nil
}

// decodeResult parses the wrapper's JSON and swaps placeholders for elements.
func decodeResult(raw string, elements []*Element) (any, error) {
	var v any
	if err := resultJSON.UnmarshalFromString(raw, &v); err != nil {
		return nil, fmt.Errorf("could not decode script result: %w", err)
	}

	var revive func(v any) (any, error)
	revive = func(v any) (any, error) {
		switch x := v.(type) {
		case []any:
			for i, item := range x {
				r, err := revive(item)
				if err != nil {
					return nil, err
				}
				x[i] = r
			}
			return x, nil
		case map[string]any:
			if idx, ok := x[nodeKey]; ok && len(x) == 1 {
				num, _ := idx.(stdjson.Number)
				n, err := num.Int64()
				if err != nil || n < 0 || n >= int64(len(elements)) || elements[n] == nil {
					return nil, fmt.Errorf("script result references unknown node %v", idx)
				}
				return elements[n], nil
			}
			for k, item := range x {
				r, err := revive(item)
				if err != nil {
					return nil, err
				}
				x[k] = r
			}
			return x, nil
		case stdjson.Number:
			return number(x)
		default:
			return v, nil
		}
	}
	return revive(v)
}

// Evaluate calls fn in the page's main world. Elements of this page may
// appear anywhere in args and in the result.
func (p *Page) Evaluate(ctx context.Context, fn string, args ...any) (any, error) {
	payload, nodeIDs, err := encodeArgs(p, args)
	if err != nil {
		return nil, err
	}

	var result any
	err = p.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		global, exc, err := runtime.Evaluate("globalThis").Do(c)
		if err != nil {
			return err
		}
		if exc != nil {
			return exceptionError(exc)
		}

		payloadArg, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		callArgs := []*runtime.CallArgument{{Value: payloadArg}}
		for _, id := range nodeIDs {
			callArgs = append(callArgs, &runtime.CallArgument{ObjectID: id})
		}

		res, exc, err := runtime.CallFunctionOn(callDeclaration(fn)).
			WithObjectID(global.ObjectID).
			WithArguments(callArgs).
			WithAwaitPromise(true).
			Do(c)
		if err != nil {
			return err
		}
		if exc != nil {
			return exceptionError(exc)
		}
		defer func() { _ = runtime.ReleaseObject(res.ObjectID).Do(c) }()

		raw, elements, err := p.readEnvelope(c, res.ObjectID)
		if err != nil {
			return err
		}
		result, err = decodeResult(raw, elements)
		return err
	}))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// readEnvelope reads the wrapper's {json, nodes} result object.
func (p *Page) readEnvelope(c context.Context, id runtime.RemoteObjectID) (string, []*Element, error) {
	props, _, _, exc, err := runtime.GetProperties(id).WithOwnProperties(true).Do(c)
	if err != nil {
		return "", nil, err
	}
	if exc != nil {
		return "", nil, exceptionError(exc)
	}

	var raw string
	var nodesID runtime.RemoteObjectID
	for _, prop := range props {
		if prop.Value == nil {
			continue
		}
		switch prop.Name {
		case "json":
			if err := json.Unmarshal([]byte(prop.Value.Value), &raw); err != nil {
				return "", nil, fmt.Errorf("unexpected script envelope: %w", err)
			}
		case "nodes":
			nodesID = prop.Value.ObjectID
		}
	}
	if nodesID == "" {
		return raw, nil, nil
	}

	items, _, _, exc, err := runtime.GetProperties(nodesID).WithOwnProperties(true).Do(c)
	if err != nil {
		return "", nil, err
	}
	if exc != nil {
		return "", nil, exceptionError(exc)
	}

	var elements []*Element
	for _, item := range items {
		idx, convErr := strconv.Atoi(item.Name)
		if convErr != nil || item.Value == nil || item.Value.ObjectID == "" {
			continue
		}
		node, err := dom.DescribeNode().WithObjectID(item.Value.ObjectID).Do(c)
		if err != nil {
			return "", nil, fmt.Errorf("could not describe node: %w", err)
		}
		for len(elements) <= idx {
			elements = append(elements, nil)
		}
		elements[idx] = &Element{page: p, objectID: item.Value.ObjectID, backendID: node.BackendNodeID}
	}
	return raw, elements, nil
}

func exceptionError(exc *runtime.ExceptionDetails) error {
	msg := exc.Text
	if exc.Exception != nil && exc.Exception.Description != "" {
		msg = exc.Exception.Description
	}
	return fmt.Errorf("javascript error: %s", msg)
}
