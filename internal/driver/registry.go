// internal/driver/registry.go
package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
	"github.com/xkilldash9x/cdpdriver/internal/config"
)

// WindowKind selects how OpenNewWindow isolates the new page.
type WindowKind int

const (
	// WindowKindTab shares the current window's context (cookies, storage).
	WindowKindTab WindowKind = iota
	// WindowKindWindow opens the page in a fresh isolated context.
	WindowKindWindow
)

func (k WindowKind) String() string {
	if k == WindowKindWindow {
		return "window"
	}
	return "tab"
}

// WindowRegistry owns every Window of a session and the current-window pointer.
// Pages reach it from OpenNewWindow and from context page events; both paths
// register under the same lock so a page is never wrapped twice.
type WindowRegistry struct {
	browser   engine.Browser
	cfg       config.DriverConfig
	fs        afero.Fs
	downloads *downloader
	recorder  *screenRecorder
	logger    *zap.Logger
	newHandle func() string

	traceMu sync.Mutex
	tracing *Window

	mu       sync.Mutex
	windows  map[string]*Window
	byPage   map[string]*Window
	order    []string
	current  string
	contexts []engine.Context
}

func newWindowRegistry(browser engine.Browser, cfg config.DriverConfig, fs afero.Fs, downloads *downloader, logger *zap.Logger) *WindowRegistry {
	return &WindowRegistry{
		browser:   browser,
		cfg:       cfg,
		fs:        fs,
		downloads: downloads,
		logger:    logger.Named("windows"),
		newHandle: uuid.NewString,
		windows:   make(map[string]*Window),
		byPage:    make(map[string]*Window),
	}
}

// register wraps page in a Window unless it already has one. It runs both on
// caller goroutines and on the engine's dispatch goroutine.
func (r *WindowRegistry) register(page engine.Page) *Window {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.byPage[page.ID()]; ok {
		return w
	}
	handle := r.newHandle()
	w := newWindow(handle, page, r.cfg, r.fs, r.downloads, r.logger)
	r.windows[handle] = w
	r.byPage[page.ID()] = w
	r.order = append(r.order, handle)
	r.logger.Debug("Window registered.", zap.String("window", handle), zap.String("page", page.ID()))
	if r.recorder != nil {
		r.recorder.track(w)
	}
	return w
}

func (r *WindowRegistry) newContext(ctx context.Context) (engine.Context, error) {
	bctx, err := r.browser.NewContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	bctx.OnPage(func(p engine.Page) { r.register(p) })

	r.mu.Lock()
	r.contexts = append(r.contexts, bctx)
	r.mu.Unlock()
	return bctx, nil
}

// OpenNewWindow opens a page and returns its handle. It does not switch to it.
func (r *WindowRegistry) OpenNewWindow(ctx context.Context, kind WindowKind) (string, error) {
	var bctx engine.Context
	if kind == WindowKindTab {
		r.mu.Lock()
		if w, ok := r.windows[r.current]; ok && w.isOpen() {
			bctx = w.page.Context()
		}
		r.mu.Unlock()
	}
	if bctx == nil {
		var err error
		if bctx, err = r.newContext(ctx); err != nil {
			return "", err
		}
	}

	page, err := bctx.NewPage(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", kind, err)
	}
	return r.register(page).handle, nil
}

func (r *WindowRegistry) lookup(handle string) (*Window, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[handle]
	if !ok || !w.isOpen() {
		return nil, noSuchWindow(handle)
	}
	return w, nil
}

// Window returns the open window registered under handle.
func (r *WindowRegistry) Window(handle string) (*Window, error) {
	return r.lookup(handle)
}

// SwitchTo makes handle the current window and brings it to the front.
func (r *WindowRegistry) SwitchTo(ctx context.Context, handle string) error {
	w, err := r.lookup(handle)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.current == handle {
		r.mu.Unlock()
		return nil
	}
	r.current = handle
	r.mu.Unlock()

	return w.BringToFront(ctx)
}

// Close requests the window to close. If it was current, there is no current
// window afterwards.
func (r *WindowRegistry) Close(ctx context.Context, handle string) error {
	w, err := r.lookup(handle)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.current == handle {
		r.current = ""
	}
	r.mu.Unlock()

	return w.Close(ctx)
}

// Handles drops windows that are no longer open and returns the remaining
// handles in the order they were registered.
func (r *WindowRegistry) Handles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.order[:0]
	for _, h := range r.order {
		w := r.windows[h]
		if w.isOpen() {
			kept = append(kept, h)
			continue
		}
		delete(r.windows, h)
		delete(r.byPage, w.page.ID())
		if r.current == h {
			r.current = ""
		}
	}
	r.order = kept

	out := make([]string, len(kept))
	copy(out, kept)
	return out
}

// Current returns the current window.
func (r *WindowRegistry) Current() (*Window, error) {
	r.mu.Lock()
	handle := r.current
	r.mu.Unlock()
	if handle == "" {
		return nil, fmt.Errorf("%w: no current window", ErrNoSuchWindow)
	}
	return r.lookup(handle)
}

// CurrentHandle returns the current window's handle, or "" when there is no
// current window or it has closed.
func (r *WindowRegistry) CurrentHandle() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.windows[r.current]; ok && w.isOpen() {
		return r.current
	}
	return ""
}

// closeAll closes every context concurrently and forgets all windows.
func (r *WindowRegistry) closeAll(ctx context.Context) error {
	r.mu.Lock()
	contexts := r.contexts
	r.contexts = nil
	r.windows = make(map[string]*Window)
	r.byPage = make(map[string]*Window)
	r.order = nil
	r.current = ""
	r.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	for _, c := range contexts {
		g.Go(func() error {
			if err := c.Close(ctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("closing context %s: %w", c.ID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
