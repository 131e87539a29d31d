// internal/browser/chromium/page.go
package chromium

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/cdproto/tracing"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
)

const (
	closeTimeout  = 15 * time.Second
	dialogTimeout = 10 * time.Second

	maxPendingEvents = 256
)

// ErrPageClosed is returned for operations on a closed tab.
var ErrPageClosed = errors.New("page is closed")

// Page is one attached Chrome tab.
type Page struct {
	id     target.ID
	owner  *Context
	logger *zap.Logger

	// ctx carries the chromedp target; it is set before ready is closed.
	ctx       context.Context
	cancel    context.CancelFunc
	ready     chan struct{}
	attachErr error

	closed    atomic.Bool
	closeOnce sync.Once

	// mu guards the subscription and serializes event delivery.
	mu         sync.Mutex
	handlers   engine.PageHandlers
	subscribed bool
	pending    []any

	// captureMu guards the screencast and trace state in capture.go.
	captureMu sync.Mutex
	onFrame   func(engine.ScreencastFrame)
	tracing   bool
	traceDone chan *tracing.EventTracingComplete
}

// pageClosed is queued like a protocol event so a close that lands before
// Subscribe still reaches the subscriber.
type pageClosed struct{}

var _ engine.Page = (*Page)(nil)

func newPage(id target.ID, owner *Context, logger *zap.Logger) *Page {
	return &Page{
		id:     id,
		owner:  owner,
		logger: logger.With(zap.String("target_id", string(id))),
		ready:  make(chan struct{}),
	}
}

// attach connects a chromedp context to the target and starts listening to
// its events before enabling the domains that produce them.
func (p *Page) attach(ctx, browserCtx context.Context) error {
	defer close(p.ready)

	tctx, cancel := chromedp.NewContext(browserCtx, chromedp.WithTargetID(p.id))
	p.ctx, p.cancel = tctx, cancel
	chromedp.ListenTarget(tctx, p.onTargetEvent)

	done := make(chan error, 1)
	go func() { done <- chromedp.Run(tctx, page.Enable(), network.Enable()) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		p.attachErr = fmt.Errorf("failed to attach to target %s: %w", p.id, err)
		return p.attachErr
	}
	return nil
}

func (p *Page) ID() string              { return string(p.id) }
func (p *Page) Context() engine.Context { return p.owner }
func (p *Page) IsClosed() bool          { return p.closed.Load() }

// Subscribe installs h and replays the events that arrived since attach,
// so a tab adopted from the browser keeps its first response and dialog.
func (p *Page) Subscribe(h engine.PageHandlers) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = h
	p.subscribed = true
	pending := p.pending
	p.pending = nil
	for _, ev := range pending {
		p.dispatch(h, ev)
	}
}

// onTargetEvent runs on the target's listener goroutine, in protocol order.
func (p *Page) onTargetEvent(ev interface{}) {
	switch e := ev.(type) {
	case *page.EventJavascriptDialogOpening, *network.EventResponseReceived, *page.EventFrameNavigated:
		p.deliver(ev)
	case *page.EventScreencastFrame:
		p.onScreencastFrame(e)
	case *tracing.EventTracingComplete:
		p.onTracingComplete(e)
	}
}

func (p *Page) emitDownload(d *download) {
	p.deliver(d)
}

// deliver hands ev to the subscriber, or queues it until there is one.
func (p *Page) deliver(ev any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.subscribed {
		if len(p.pending) >= maxPendingEvents {
			p.logger.Debug("Dropping event queued before subscription.", zap.String("event", fmt.Sprintf("%T", p.pending[0])))
			p.pending = p.pending[1:]
		}
		p.pending = append(p.pending, ev)
		return
	}
	p.dispatch(p.handlers, ev)
}

// dispatch must be called with mu held.
func (p *Page) dispatch(h engine.PageHandlers, ev any) {
	switch e := ev.(type) {
	case *page.EventJavascriptDialogOpening:
		d := &dialog{
			page:         p,
			typ:          engine.DialogType(e.Type),
			message:      e.Message,
			defaultValue: e.DefaultPrompt,
		}
		if h.Dialog == nil {
			p.answerUnhandled(d)
			return
		}
		h.Dialog(d)

	case *network.EventResponseReceived:
		if e.Type != network.ResourceTypeDocument || e.Response == nil || h.Response == nil {
			return
		}
		h.Response(newResponse(e.Response))

	case *page.EventFrameNavigated:
		if e.Frame == nil || h.Navigated == nil {
			return
		}
		h.Navigated(engine.Navigation{URL: e.Frame.URL, MainFrame: e.Frame.ParentID == ""})

	case *download:
		if h.Download != nil {
			h.Download(e)
		}

	case pageClosed:
		if h.Close != nil {
			h.Close()
		}
	}
}

// answerUnhandled lets a page leave but blocks every other dialog nobody
// asked for.
func (p *Page) answerUnhandled(d *dialog) {
	p.logger.Warn("Dialog opened with no handler.",
		zap.String("type", string(d.typ)),
		zap.String("message", d.message))
	if d.typ == engine.DialogBeforeUnload {
		d.Accept("")
		return
	}
	d.Dismiss()
}

// markClosed records the close once and notifies the subscriber.
func (p *Page) markClosed() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.deliver(pageClosed{})
		// Releasing the chromedp context may wait on its goroutines.
		if p.cancel != nil {
			go p.cancel()
		}
		p.logger.Debug("Tab closed.")
	})
}

func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	if p.IsClosed() {
		return ErrPageClosed
	}
	c, cancel := CombineContext(p.ctx, ctx)
	defer cancel()
	return chromedp.Run(c, actions...)
}

// handleDialog answers a JavaScript dialog. It runs on its own goroutine
// because the listener goroutine must stay free to deliver the response.
func (p *Page) handleDialog(typ engine.DialogType, accept bool, promptText string) {
	ctx, cancel := context.WithTimeout(context.Background(), dialogTimeout)
	defer cancel()

	answer := newDialogAnswer(typ, accept, promptText)
	err := p.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		return cdp.Execute(c, page.CommandHandleJavaScriptDialog, answer, nil)
	}))
	if err != nil && !p.IsClosed() {
		p.logger.Warn("Failed to answer dialog.", zap.Bool("accept", accept), zap.Error(err))
	}
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *Page) URL(ctx context.Context) (string, error) {
	var u string
	err := p.run(ctx, chromedp.Location(&u))
	return u, err
}

func (p *Page) Title(ctx context.Context) (string, error) {
	var t string
	err := p.run(ctx, chromedp.Title(&t))
	return t, err
}

func (p *Page) GoBack(ctx context.Context) error {
	return p.run(ctx, chromedp.NavigateBack())
}

func (p *Page) GoForward(ctx context.Context) error {
	return p.run(ctx, chromedp.NavigateForward())
}

func (p *Page) Reload(ctx context.Context, ignoreCache bool) error {
	return p.run(ctx,
		page.Reload().WithIgnoreCache(ignoreCache),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.CaptureScreenshot(&buf))
	return buf, err
}

func (p *Page) SetViewportSize(ctx context.Context, width, height int) error {
	return p.run(ctx, chromedp.EmulateViewport(int64(width), int64(height)))
}

func (p *Page) BringToFront(ctx context.Context) error {
	return p.run(ctx, page.BringToFront())
}

// Close asks the tab to close, running its unload handlers. The close is
// confirmed separately through target discovery.
func (p *Page) Close(ctx context.Context) error {
	closeCtx, cancel := context.WithTimeout(Detach(ctx), closeTimeout)
	defer cancel()
	return p.run(closeCtx, page.Close())
}

func (p *Page) QuerySelectorAll(ctx context.Context, selector string) ([]engine.ElementHandle, error) {
	v, err := p.Evaluate(ctx, jsQuerySelectorAll, selector)
	if err != nil {
		return nil, err
	}
	return elementList(v)
}

func (p *Page) QueryXPath(ctx context.Context, expression string) ([]engine.ElementHandle, error) {
	v, err := p.Evaluate(ctx, jsQueryXPath, expression)
	if err != nil {
		return nil, err
	}
	return elementList(v)
}

func elementList(v any) ([]engine.ElementHandle, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected query result %T", v)
	}
	out := make([]engine.ElementHandle, 0, len(items))
	for _, item := range items {
		el, ok := item.(*Element)
		if !ok {
			return nil, fmt.Errorf("unexpected query item %T", item)
		}
		out = append(out, el)
	}
	return out, nil
}
