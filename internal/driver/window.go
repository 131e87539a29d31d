// internal/driver/window.go
package driver

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
	"github.com/xkilldash9x/cdpdriver/internal/config"
)

type windowState int

const (
	windowOpen windowState = iota
	windowClosing
	windowClosed
)

func (s windowState) String() string {
	switch s {
	case windowOpen:
		return "open"
	case windowClosing:
		return "closing"
	default:
		return "closed"
	}
}

const (
	jsHTML = `() => {
  let html = '';
  if (document.doctype) html += new XMLSerializer().serializeToString(document.doctype);
  if (document.documentElement) html += document.documentElement.outerHTML;
  return html;
}`
	jsWindowSize = `() => [window.innerWidth, window.innerHeight]`
	jsScreenSize = `() => ({ width: window.screen.width, height: window.screen.height })`
	jsFullscreen = `() => { document.body.requestFullscreen().catch(() => {}) }`
)

// ModalOptions configures AcceptModal and DismissModal.
type ModalOptions struct {
	// Text filters the dialog message: nil, a string (substring) or a *regexp.Regexp.
	Text any
	// With is the prompt answer; nil answers with the prompt's default value.
	With *string
	// Wait bounds how long to wait for the dialog; zero uses the configured default.
	Wait time.Duration
}

// Window is one browser tab. It owns the tab's dialog routing and response
// tracking, and fails every operation with ErrNoSuchWindow once the tab is
// closing or closed.
type Window struct {
	handle    string
	page      engine.Page
	cfg       config.DriverConfig
	fs        afero.Fs
	logger    *zap.Logger
	dialogs   *DialogRouter
	responses *ResponseTracker
	downloads *downloader

	mu    sync.Mutex
	state windowState
}

func newWindow(handle string, page engine.Page, cfg config.DriverConfig, fs afero.Fs, downloads *downloader, logger *zap.Logger) *Window {
	wl := logger.With(zap.String("window", handle))
	w := &Window{
		handle:    handle,
		page:      page,
		cfg:       cfg,
		fs:        fs,
		logger:    wl,
		dialogs:   newDialogRouter(wl),
		responses: newResponseTracker(),
		downloads: downloads,
	}
	if page.IsClosed() {
		w.state = windowClosed
	}
	page.Subscribe(engine.PageHandlers{
		Dialog:    w.dialogs.handle,
		Download:  w.onDownload,
		Response:  w.responses.record,
		Navigated: w.onNavigated,
		Close:     w.onClose,
	})
	return w
}

// -- Event callbacks (engine dispatch goroutine) --

func (w *Window) onDownload(dl engine.Download) {
	if w.downloads == nil {
		w.logger.Warn("Download ignored; no download directory configured.", zap.String("url", dl.URL()))
		return
	}
	w.downloads.start(dl)
}

func (w *Window) onNavigated(nav engine.Navigation) {
	if !nav.MainFrame {
		return
	}
	w.responses.navigated(nav.URL)
	if w.page.IsClosed() {
		w.setState(windowClosed)
	}
}

func (w *Window) onClose() {
	w.setState(windowClosed)
	w.logger.Debug("Window closed.")
}

// -- State --

func (w *Window) setState(s windowState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s > w.state {
		w.state = s
	}
}

func (w *Window) status() windowState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Window) isOpen() bool { return w.status() == windowOpen }

func (w *Window) checkOpen() error {
	if s := w.status(); s != windowOpen {
		return fmt.Errorf("%w: %s is %s", ErrNoSuchWindow, w.handle, s)
	}
	return nil
}

// Handle returns the window's stable identifier.
func (w *Window) Handle() string { return w.handle }

// opContext applies the configured default timeout when ctx has no deadline.
func (w *Window) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || w.cfg.DefaultTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, w.cfg.DefaultTimeout)
}

// -- Navigation --

// Visit navigates to path, resolved against the app host or default host when one is configured.
func (w *Window) Visit(ctx context.Context, path string) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	target, err := w.resolveURL(path)
	if err != nil {
		return err
	}
	ctx, cancel := w.opContext(ctx)
	defer cancel()

	w.logger.Debug("Visiting.", zap.String("url", target))
	if err := w.page.Navigate(ctx, target); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", target, err)
	}
	return nil
}

func (w *Window) resolveURL(path string) (string, error) {
	base := w.cfg.AppHost
	if base == "" {
		base = w.cfg.DefaultHost
	}
	if base == "" {
		return path, nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: host %q: %v", ErrInvalidArgument, base, err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("%w: path %q: %v", ErrInvalidArgument, path, err)
	}
	return baseURL.ResolveReference(ref).String(), nil
}

func (w *Window) CurrentURL(ctx context.Context) (string, error) {
	if err := w.checkOpen(); err != nil {
		return "", err
	}
	ctx, cancel := w.opContext(ctx)
	defer cancel()
	return w.page.URL(ctx)
}

func (w *Window) Title(ctx context.Context) (string, error) {
	if err := w.checkOpen(); err != nil {
		return "", err
	}
	ctx, cancel := w.opContext(ctx)
	defer cancel()
	return w.page.Title(ctx)
}

// HTML serializes the doctype followed by the document element.
func (w *Window) HTML(ctx context.Context) (string, error) {
	if err := w.checkOpen(); err != nil {
		return "", err
	}
	ctx, cancel := w.opContext(ctx)
	defer cancel()
	v, err := w.page.Evaluate(ctx, jsHTML)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

func (w *Window) GoBack(ctx context.Context) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := w.opContext(ctx)
	defer cancel()
	return w.page.GoBack(ctx)
}

func (w *Window) GoForward(ctx context.Context) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := w.opContext(ctx)
	defer cancel()
	return w.page.GoForward(ctx)
}

// Refresh reloads the page bypassing the cache.
func (w *Window) Refresh(ctx context.Context) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := w.opContext(ctx)
	defer cancel()
	return w.page.Reload(ctx, true)
}

// -- Finders --

// FindXPath returns every element matching the XPath expression; no match is an empty slice.
func (w *Window) FindXPath(ctx context.Context, query string) ([]*Node, error) {
	if err := w.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := w.opContext(ctx)
	defer cancel()
	handles, err := w.page.QueryXPath(ctx, query)
	if err != nil {
		return nil, err
	}
	return w.wrapElements(handles), nil
}

// FindCSS returns every element matching the CSS selector; no match is an empty slice.
func (w *Window) FindCSS(ctx context.Context, query string) ([]*Node, error) {
	if err := w.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := w.opContext(ctx)
	defer cancel()
	handles, err := w.page.QuerySelectorAll(ctx, query)
	if err != nil {
		return nil, err
	}
	return w.wrapElements(handles), nil
}

// -- Scripts --
// Scripts see their arguments as the array `arguments`, as the DSL expects.

// ExecuteScript runs script for its side effects.
func (w *Window) ExecuteScript(ctx context.Context, script string, args ...any) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := w.opContext(ctx)
	defer cancel()
	_, err := w.page.Evaluate(ctx, "function (arguments) { "+script+"\n}", unwrapArgs(args))
	return err
}

// EvaluateScript returns the value of the script expression. Elements in the
// result, at any depth, come back as *Node.
func (w *Window) EvaluateScript(ctx context.Context, script string, args ...any) (any, error) {
	if err := w.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := w.opContext(ctx)
	defer cancel()
	v, err := w.page.Evaluate(ctx, "function (arguments) { return "+script+"\n}", unwrapArgs(args))
	if err != nil {
		return nil, err
	}
	return w.wrapValue(v), nil
}

// EvaluateAsyncScript runs script with a callback appended to its arguments
// and returns the value the script passes to that callback.
func (w *Window) EvaluateAsyncScript(ctx context.Context, script string, args ...any) (any, error) {
	if err := w.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := w.opContext(ctx)
	defer cancel()
	fn := "function (arguments) { return new Promise((resolve) => { arguments.push(resolve); " + script + "\n}) }"
	v, err := w.page.Evaluate(ctx, fn, unwrapArgs(args))
	if err != nil {
		return nil, err
	}
	return w.wrapValue(v), nil
}

// -- Artifacts --

// SaveScreenshot writes a PNG of the viewport to path.
func (w *Window) SaveScreenshot(ctx context.Context, path string) error {
	png, err := w.Screenshot(ctx)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := w.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("could not create %s: %w", dir, err)
		}
	}
	if err := afero.WriteFile(w.fs, path, png, 0o644); err != nil {
		return fmt.Errorf("could not write screenshot: %w", err)
	}
	return nil
}

// Screenshot returns a PNG of the viewport.
func (w *Window) Screenshot(ctx context.Context) ([]byte, error) {
	if err := w.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := w.opContext(ctx)
	defer cancel()
	return w.page.Screenshot(ctx)
}

// ResponseHeaders returns the headers of the last navigation's response.
func (w *Window) ResponseHeaders() (Headers, error) {
	if err := w.checkOpen(); err != nil {
		return nil, err
	}
	return w.responses.Headers(), nil
}

// StatusCode returns the last navigation's HTTP status, or 0 before any response.
func (w *Window) StatusCode() (int, error) {
	if err := w.checkOpen(); err != nil {
		return 0, err
	}
	return w.responses.StatusCode(), nil
}

// -- Modals --

func (w *Window) modalWait(opts ModalOptions) time.Duration {
	if opts.Wait > 0 {
		return opts.Wait
	}
	return w.cfg.DefaultMaxWaitTime
}

// AcceptModal runs trigger and waits for a dialog matching opts.Text, which
// is accepted. Prompts are answered with opts.With or their default value.
// It returns the dialog message.
func (w *Window) AcceptModal(ctx context.Context, kind engine.DialogType, opts ModalOptions, trigger func() error) (string, error) {
	if err := w.checkOpen(); err != nil {
		return "", err
	}
	matcher, err := newMessageMatcher(opts.Text)
	if err != nil {
		return "", err
	}
	acceptor := dialogAcceptor{kind: kind, with: opts.With}
	return w.dialogs.expect(ctx, matcher, acceptor.handle, w.modalWait(opts), trigger)
}

// DismissModal runs trigger and waits for a dialog matching opts.Text, which
// is dismissed. It returns the dialog message.
func (w *Window) DismissModal(ctx context.Context, kind engine.DialogType, opts ModalOptions, trigger func() error) (string, error) {
	if err := w.checkOpen(); err != nil {
		return "", err
	}
	matcher, err := newMessageMatcher(opts.Text)
	if err != nil {
		return "", err
	}
	return w.dialogs.expect(ctx, matcher, func(d engine.Dialog) { d.Dismiss() }, w.modalWait(opts), trigger)
}

// -- Window geometry --

// Size returns the viewport's inner width and height.
func (w *Window) Size(ctx context.Context) (int, int, error) {
	if err := w.checkOpen(); err != nil {
		return 0, 0, err
	}
	ctx, cancel := w.opContext(ctx)
	defer cancel()
	v, err := w.page.Evaluate(ctx, jsWindowSize)
	if err != nil {
		return 0, 0, err
	}
	dims, ok := v.([]any)
	if !ok || len(dims) != 2 {
		return 0, 0, fmt.Errorf("unexpected window size %v", v)
	}
	width, err := toInt(dims[0])
	if err != nil {
		return 0, 0, err
	}
	height, err := toInt(dims[1])
	if err != nil {
		return 0, 0, err
	}
	return width, height, nil
}

func (w *Window) ResizeTo(ctx context.Context, width, height int) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: window size %dx%d", ErrInvalidArgument, width, height)
	}
	ctx, cancel := w.opContext(ctx)
	defer cancel()
	return w.page.SetViewportSize(ctx, width, height)
}

// Maximize approximates maximizing by resizing the viewport to the screen size.
func (w *Window) Maximize(ctx context.Context) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	w.logger.Warn("maximize_window is approximated by resizing the viewport to the screen size.")
	ctx, cancel := w.opContext(ctx)
	defer cancel()
	v, err := w.page.Evaluate(ctx, jsScreenSize)
	if err != nil {
		return err
	}
	screen, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected screen size %v", v)
	}
	width, err := toInt(screen["width"])
	if err != nil {
		return err
	}
	height, err := toInt(screen["height"])
	if err != nil {
		return err
	}
	return w.page.SetViewportSize(ctx, width, height)
}

// Fullscreen asks the document body to enter fullscreen.
func (w *Window) Fullscreen(ctx context.Context) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	w.logger.Warn("fullscreen_window is approximated with requestFullscreen on the document body.")
	ctx, cancel := w.opContext(ctx)
	defer cancel()
	_, err := w.page.Evaluate(ctx, jsFullscreen)
	return err
}

func (w *Window) BringToFront(ctx context.Context) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := w.opContext(ctx)
	defer cancel()
	return w.page.BringToFront(ctx)
}

// Close marks the window as closing and asks the engine to close the tab.
// The closed state is set by the engine's close notification.
func (w *Window) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.state != windowOpen {
		s := w.state
		w.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNoSuchWindow, w.handle, s)
	}
	w.state = windowClosing
	w.mu.Unlock()

	ctx, cancel := w.opContext(ctx)
	defer cancel()
	if err := w.page.Close(ctx); err != nil {
		return fmt.Errorf("failed to close window %s: %w", w.handle, err)
	}
	return nil
}

// WithPage hands the raw engine page to fn.
func (w *Window) WithPage(fn func(engine.Page) error) error {
	if fn == nil {
		return fmt.Errorf("%w: a page callback must be given", ErrInvalidArgument)
	}
	if err := w.checkOpen(); err != nil {
		return err
	}
	return fn(w.page)
}
