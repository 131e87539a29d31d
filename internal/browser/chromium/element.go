// internal/browser/chromium/element.go
package chromium

import (
	"context"
	"fmt"
	"strconv"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
)

// jsClickPoint scrolls the element into view and returns the center of its
// first client rect in viewport coordinates.
const jsClickPoint = `(el) => {
  el.scrollIntoView({block: 'center', inline: 'center'});
  const r = el.getClientRects()[0] || el.getBoundingClientRect();
  return [r.left + r.width / 2, r.top + r.height / 2];
}`

// Element is a remote reference to a DOM node in a page's main world.
type Element struct {
	page      *Page
	objectID  runtime.RemoteObjectID
	backendID cdp.BackendNodeID
}

var _ engine.ElementHandle = (*Element)(nil)

// NodeID is the backend node id, stable for the life of the document.
func (e *Element) NodeID() string { return strconv.FormatInt(int64(e.backendID), 10) }

// Evaluate calls fn with the element as its first argument.
func (e *Element) Evaluate(ctx context.Context, fn string, args ...any) (any, error) {
	return e.page.Evaluate(ctx, fn, append([]any{e}, args...)...)
}

// Click dispatches a left click at the element's center.
func (e *Element) Click(ctx context.Context) error {
	v, err := e.Evaluate(ctx, jsClickPoint)
	if err != nil {
		return err
	}
	x, y, err := point(v)
	if err != nil {
		return err
	}
	return e.page.run(ctx,
		input.DispatchMouseEvent(input.MousePressed, x, y).WithButton(input.Left).WithClickCount(1),
		input.DispatchMouseEvent(input.MouseReleased, x, y).WithButton(input.Left).WithClickCount(1),
	)
}

func point(v any) (float64, float64, error) {
	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return 0, 0, fmt.Errorf("unexpected click point %v", v)
	}
	x, okX := coordinate(pair[0])
	y, okY := coordinate(pair[1])
	if !okX || !okY {
		return 0, 0, fmt.Errorf("unexpected click point %v", v)
	}
	return x, y, nil
}

// coordinate accepts both shapes a decoded script number can take.
func coordinate(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
