// Package enginetest is an in-memory engine for exercising the driver without
// a browser. Events are delivered synchronously on the goroutine that fires
// them, which stands in for the engine's dispatch goroutine.
package enginetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
)

// ErrClosed is returned by operations on a closed page, context or browser.
var ErrClosed = errors.New("enginetest: target closed")

var ids atomic.Int64

func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, ids.Add(1))
}

// -- Launcher --

// Launcher creates a new Browser on each launch.
type Launcher struct {
	// Err, when set, fails every launch.
	Err error
	// Setup, when set, configures each new browser before it is returned.
	Setup func(*Browser)

	mu       sync.Mutex
	browsers []*Browser
}

func (l *Launcher) Launch(ctx context.Context) (engine.Browser, error) {
	if l.Err != nil {
		return nil, l.Err
	}
	b := NewBrowser()
	if l.Setup != nil {
		l.Setup(b)
	}
	l.mu.Lock()
	l.browsers = append(l.browsers, b)
	l.mu.Unlock()
	return b, nil
}

// Browsers returns every browser launched so far.
func (l *Launcher) Browsers() []*Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Browser(nil), l.browsers...)
}

// Last returns the most recently launched browser, or nil.
func (l *Launcher) Last() *Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.browsers) == 0 {
		return nil
	}
	return l.browsers[len(l.browsers)-1]
}

// -- Browser --

type Browser struct {
	// Routes maps a URL to the response Navigate produces. Unknown URLs answer 200.
	Routes map[string]Route
	// PageSetup, when set, configures every new page.
	PageSetup func(*Page)

	mu       sync.Mutex
	contexts []*Context
	closed   bool
}

// Route is a canned navigation response.
type Route struct {
	Status  int
	Headers map[string]string
	Title   string
}

func NewBrowser() *Browser {
	return &Browser{Routes: make(map[string]Route)}
}

func (b *Browser) NewContext(ctx context.Context) (engine.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	c := &Context{id: nextID("context"), browser: b}
	b.contexts = append(b.contexts, c)
	return c, nil
}

func (b *Browser) Version() string { return "enginetest/1.0" }

func (b *Browser) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	contexts := append([]*Context(nil), b.contexts...)
	b.mu.Unlock()

	for _, c := range contexts {
		_ = c.Close(ctx)
	}
	return nil
}

func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Browser) Contexts() []*Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Context(nil), b.contexts...)
}

// Pages returns every page of every context, in creation order per context.
func (b *Browser) Pages() []*Page {
	var pages []*Page
	for _, c := range b.Contexts() {
		pages = append(pages, c.Pages()...)
	}
	return pages
}

// -- Context --

type Context struct {
	id      string
	browser *Browser

	mu     sync.Mutex
	pages  []*Page
	onPage []func(engine.Page)
	closed bool
}

func (c *Context) ID() string { return c.id }

func (c *Context) OnPage(fn func(engine.Page)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPage = append(c.onPage, fn)
}

func (c *Context) NewPage(ctx context.Context) (engine.Page, error) {
	p, err := c.openPage()
	if err != nil {
		return nil, err
	}
	return p, nil
}

// OpenPopup simulates a page opened by script, such as window.open.
func (c *Context) OpenPopup() (*Page, error) {
	return c.openPage()
}

func (c *Context) openPage() (*Page, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	p := newPage(c)
	c.pages = append(c.pages, p)
	listeners := slices.Clone(c.onPage)
	c.mu.Unlock()

	if setup := c.browser.PageSetup; setup != nil {
		setup(p)
	}
	for _, fn := range listeners {
		fn(p)
	}
	return p, nil
}

func (c *Context) Pages() []*Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Page(nil), c.pages...)
}

func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pages := append([]*Page(nil), c.pages...)
	c.mu.Unlock()

	for _, p := range pages {
		p.CloseFromPage()
	}
	return nil
}

func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// -- Page --

type Page struct {
	id      string
	context *Context

	// EvaluateFunc answers Evaluate. Without it Evaluate returns nil.
	EvaluateFunc func(fn string, args []any) (any, error)
	// Selectors and XPaths answer the finders; missing keys find nothing.
	Selectors map[string][]engine.ElementHandle
	XPaths    map[string][]engine.ElementHandle
	// PNG is returned by Screenshot.
	PNG []byte
	// Trace is returned by StopTracing.
	Trace []byte

	mu            sync.Mutex
	handlers      engine.PageHandlers
	closed        bool
	history       []string
	pos           int
	title         string
	width, height int
	fronted       int
	reloads       int
	evaluated     []string
	onFrame       func(engine.ScreencastFrame)
	traceCats     []string
	tracing       bool
}

func newPage(c *Context) *Page {
	return &Page{
		id:        nextID("page"),
		context:   c,
		Selectors: make(map[string][]engine.ElementHandle),
		XPaths:    make(map[string][]engine.ElementHandle),
		PNG:       []byte("\x89PNG\r\n\x1a\n"),
		Trace:     []byte(`{"traceEvents":[]}`),
		history:   []string{"about:blank"},
	}
}

func (p *Page) ID() string              { return p.id }
func (p *Page) Context() engine.Context { return p.context }
func (p *Page) TestContext() *Context   { return p.context }

func (p *Page) Subscribe(h engine.PageHandlers) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = h
}

func (p *Page) snapshotHandlers() engine.PageHandlers {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers
}

func (p *Page) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

// Navigate emits the route's response followed by a main-frame navigation.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.checkOpen(); err != nil {
		return err
	}
	route, ok := p.context.browser.Routes[url]
	if !ok {
		route = Route{Status: 200}
	}
	p.FireResponse(url, route.Status, route.Headers)

	p.mu.Lock()
	p.history = append(p.history[:p.pos+1], url)
	p.pos = len(p.history) - 1
	p.title = route.Title
	p.mu.Unlock()

	p.FireNavigated(url, true)
	return nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	if err := p.checkOpen(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.history[p.pos], nil
}

func (p *Page) Title(ctx context.Context) (string, error) {
	if err := p.checkOpen(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title, nil
}

func (p *Page) traverse(delta int) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	p.mu.Lock()
	next := p.pos + delta
	if next < 0 || next >= len(p.history) {
		p.mu.Unlock()
		return nil
	}
	p.pos = next
	url := p.history[next]
	p.mu.Unlock()

	p.FireNavigated(url, true)
	return nil
}

func (p *Page) GoBack(ctx context.Context) error    { return p.traverse(-1) }
func (p *Page) GoForward(ctx context.Context) error { return p.traverse(1) }

func (p *Page) Reload(ctx context.Context, ignoreCache bool) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	p.mu.Lock()
	p.reloads++
	p.mu.Unlock()
	return nil
}

func (p *Page) Reloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

func (p *Page) Evaluate(ctx context.Context, fn string, args ...any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.evaluated = append(p.evaluated, fn)
	eval := p.EvaluateFunc
	p.mu.Unlock()
	if eval == nil {
		return nil, nil
	}
	return eval(fn, args)
}

// Evaluated returns the function declarations passed to Evaluate.
func (p *Page) Evaluated() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.evaluated...)
}

func (p *Page) QuerySelectorAll(ctx context.Context, selector string) ([]engine.ElementHandle, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	return append([]engine.ElementHandle{}, p.Selectors[selector]...), nil
}

func (p *Page) QueryXPath(ctx context.Context, expression string) ([]engine.ElementHandle, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	return append([]engine.ElementHandle{}, p.XPaths[expression]...), nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	return p.PNG, nil
}

func (p *Page) StartScreencast(ctx context.Context, onFrame func(engine.ScreencastFrame)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.checkOpen(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFrame = onFrame
	return nil
}

func (p *Page) StopScreencast(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFrame = nil
	return nil
}

// Screencasting reports whether a screencast is running.
func (p *Page) Screencasting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onFrame != nil
}

func (p *Page) StartTracing(ctx context.Context, categories []string) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tracing {
		return engine.ErrTracingStarted
	}
	p.tracing = true
	p.traceCats = append([]string(nil), categories...)
	return nil
}

func (p *Page) StopTracing(ctx context.Context) ([]byte, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.tracing {
		return nil, engine.ErrTracingNotStarted
	}
	p.tracing = false
	return p.Trace, nil
}

// TraceCategories returns the categories of the last StartTracing.
func (p *Page) TraceCategories() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.traceCats...)
}

func (p *Page) SetViewportSize(ctx context.Context, width, height int) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.width, p.height = width, height
	return nil
}

// Viewport returns the size last set with SetViewportSize.
func (p *Page) Viewport() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.width, p.height
}

func (p *Page) BringToFront(ctx context.Context) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fronted++
	return nil
}

// FrontCount reports how many times BringToFront was called.
func (p *Page) FrontCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fronted
}

func (p *Page) Close(ctx context.Context) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	p.CloseFromPage()
	return nil
}

// CloseFromPage closes the page as if the page itself called window.close().
func (p *Page) CloseFromPage() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	h := p.handlers
	p.mu.Unlock()

	if h.Close != nil {
		h.Close()
	}
}

func (p *Page) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// -- Event injection --

// FireDialog opens a dialog and delivers it to the subscriber.
func (p *Page) FireDialog(typ engine.DialogType, message, defaultValue string) *Dialog {
	d := NewDialog(typ, message, defaultValue)
	if h := p.snapshotHandlers(); h.Dialog != nil {
		h.Dialog(d)
	}
	return d
}

func (p *Page) FireResponse(url string, status int, headers map[string]string) {
	lower := make(map[string]string, len(headers))
	for k, v := range headers {
		lower[strings.ToLower(k)] = v
	}
	if h := p.snapshotHandlers(); h.Response != nil {
		h.Response(&Response{url: url, status: status, headers: lower})
	}
}

func (p *Page) FireNavigated(url string, mainFrame bool) {
	if h := p.snapshotHandlers(); h.Navigated != nil {
		h.Navigated(engine.Navigation{URL: url, MainFrame: mainFrame})
	}
}

// FireScreencastFrame delivers a frame to the running screencast, if any.
func (p *Page) FireScreencastFrame(data []byte, at time.Time) {
	p.mu.Lock()
	fn := p.onFrame
	p.mu.Unlock()
	if fn != nil {
		fn(engine.ScreencastFrame{Data: data, Timestamp: at})
	}
}

func (p *Page) FireDownload(d *Download) {
	if h := p.snapshotHandlers(); h.Download != nil {
		h.Download(d)
	}
}

// -- Dialog --

type Dialog struct {
	typ          engine.DialogType
	message      string
	defaultValue string

	mu         sync.Mutex
	accepted   bool
	dismissed  bool
	promptText string
}

// NewDialog returns a dialog that is not attached to any page.
func NewDialog(typ engine.DialogType, message, defaultValue string) *Dialog {
	return &Dialog{typ: typ, message: message, defaultValue: defaultValue}
}

func (d *Dialog) Type() engine.DialogType { return d.typ }
func (d *Dialog) Message() string         { return d.message }
func (d *Dialog) DefaultValue() string    { return d.defaultValue }

func (d *Dialog) Accept(promptText string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accepted = true
	d.promptText = promptText
}

func (d *Dialog) Dismiss() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dismissed = true
}

func (d *Dialog) Accepted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accepted
}

func (d *Dialog) Dismissed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dismissed
}

func (d *Dialog) PromptText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.promptText
}

// -- Response --

type Response struct {
	url     string
	status  int
	headers map[string]string
}

func (r *Response) URL() string                { return r.url }
func (r *Response) Status() int                { return r.status }
func (r *Response) Headers() map[string]string { return r.headers }

// -- Download --

type Download struct {
	Location string
	Filename string
	Body     []byte
	// Err fails Open.
	Err error
	// Release, when non-nil, holds Open until it is closed or ctx ends.
	Release chan struct{}
}

func (d *Download) URL() string               { return d.Location }
func (d *Download) SuggestedFilename() string { return d.Filename }

func (d *Download) Open(ctx context.Context) (io.ReadCloser, error) {
	if d.Release != nil {
		select {
		case <-d.Release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.Err != nil {
		return nil, d.Err
	}
	return io.NopCloser(bytes.NewReader(d.Body)), nil
}

// -- Element --

type Element struct {
	// ID is the element's identity; handles with equal IDs are the same element.
	ID string
	// EvaluateFunc answers Evaluate. Without it Evaluate returns nil.
	EvaluateFunc func(fn string, args []any) (any, error)

	clicks atomic.Int32
}

func NewElement(id string) *Element {
	return &Element{ID: id}
}

func (e *Element) NodeID() string { return e.ID }

func (e *Element) Evaluate(ctx context.Context, fn string, args ...any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.EvaluateFunc == nil {
		return nil, nil
	}
	return e.EvaluateFunc(fn, args)
}

func (e *Element) Click(ctx context.Context) error {
	e.clicks.Add(1)
	return nil
}

func (e *Element) Clicks() int { return int(e.clicks.Load()) }

var (
	_ engine.Launcher      = (*Launcher)(nil)
	_ engine.Browser       = (*Browser)(nil)
	_ engine.Context       = (*Context)(nil)
	_ engine.Page          = (*Page)(nil)
	_ engine.Dialog        = (*Dialog)(nil)
	_ engine.Response      = (*Response)(nil)
	_ engine.Download      = (*Download)(nil)
	_ engine.ElementHandle = (*Element)(nil)
)
