// internal/browser/chromium/browser.go
package chromium

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
)

const (
	pageTypeTarget = "page"
	shutdownGrace  = 15 * time.Second
)

// ErrBrowserClosed is returned for operations on a closed browser.
var ErrBrowserClosed = errors.New("browser is closed")

// Browser is a running Chrome process. Pages are attached on demand, both for
// tabs the driver opens and for tabs the browser reports through target
// discovery (window.open, target=_blank).
type Browser struct {
	ctx         context.Context
	execCtx     context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	downloadDir string
	logger      *zap.Logger
	version     string

	mu        sync.Mutex
	contexts  map[string]*Context
	pages     map[target.ID]*Page
	downloads map[string]*download
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

var _ engine.Browser = (*Browser)(nil)

func newBrowser(ctx, execCtx context.Context, cancel, allocCancel context.CancelFunc, downloadDir string, logger *zap.Logger) *Browser {
	return &Browser{
		ctx:         ctx,
		execCtx:     execCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		downloadDir: downloadDir,
		logger:      logger,
		contexts:    make(map[string]*Context),
		pages:       make(map[target.ID]*Page),
		downloads:   make(map[string]*download),
	}
}

func (b *Browser) Version() string { return b.version }

// NewContext creates an isolated browser context with downloads routed to the
// browser's download directory.
func (b *Browser) NewContext(ctx context.Context) (engine.Context, error) {
	if b.isClosed() {
		return nil, ErrBrowserClosed
	}
	c, cancel := CombineContext(b.execCtx, ctx)
	defer cancel()

	id, err := target.CreateBrowserContext().WithDisposeOnDetach(true).Do(c)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	err = browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
		WithBrowserContextID(id).
		WithDownloadPath(b.downloadDir).
		WithEventsEnabled(true).
		Do(c)
	if err != nil {
		_ = target.DisposeBrowserContext(id).Do(b.execCtx)
		return nil, fmt.Errorf("failed to configure downloads: %w", err)
	}

	bc := &Context{id: id, browser: b, logger: b.logger.With(zap.String("browser_context", string(id)))}
	b.mu.Lock()
	b.contexts[string(id)] = bc
	b.mu.Unlock()
	return bc, nil
}

func (b *Browser) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Browser) context(id string) *Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contexts[id]
}

func (b *Browser) forgetContext(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.contexts, id)
}

// attach returns the page for id, attaching to the target the first time.
// created reports whether this call did the attaching.
func (b *Browser) attach(ctx context.Context, id target.ID, owner *Context) (p *Page, created bool, err error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, false, ErrBrowserClosed
	}
	if existing, ok := b.pages[id]; ok {
		b.mu.Unlock()
		select {
		case <-existing.ready:
			return existing, false, existing.attachErr
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	p = newPage(id, owner, b.logger)
	b.pages[id] = p
	b.mu.Unlock()

	if err := p.attach(ctx, b.ctx); err != nil {
		b.mu.Lock()
		delete(b.pages, id)
		b.mu.Unlock()
		return nil, true, err
	}
	return p, true, nil
}

func (b *Browser) page(id target.ID) *Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pages[id]
}

func (b *Browser) forgetPage(id target.ID) *Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pages[id]
	delete(b.pages, id)
	return p
}

// onBrowserEvent runs on the browser listener goroutine and must not block
// on CDP calls; attaching happens on its own goroutine.
func (b *Browser) onBrowserEvent(ev interface{}) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		info := e.TargetInfo
		if info == nil || info.Type != pageTypeTarget {
			return
		}
		owner := b.context(string(info.BrowserContextID))
		if owner == nil {
			return
		}
		go owner.adopt(info.TargetID)

	case *target.EventTargetDestroyed:
		if p := b.forgetPage(e.TargetID); p != nil {
			p.markClosed()
		}

	case *browser.EventDownloadWillBegin:
		d := newDownload(b, e.GUID, e.URL, e.SuggestedFilename)
		b.mu.Lock()
		b.downloads[e.GUID] = d
		b.mu.Unlock()
		// The main frame id of a page is its target id.
		p := b.page(target.ID(e.FrameID))
		if p == nil {
			b.logger.Debug("Download from an unknown frame.", zap.String("url", e.URL))
			return
		}
		p.emitDownload(d)

	case *browser.EventDownloadProgress:
		switch e.State {
		case browser.DownloadProgressStateCompleted:
			b.finishDownload(e.GUID, nil)
		case browser.DownloadProgressStateCanceled:
			b.finishDownload(e.GUID, errDownloadCanceled)
		}
	}
}

func (b *Browser) finishDownload(guid string, err error) {
	b.mu.Lock()
	d := b.downloads[guid]
	delete(b.downloads, guid)
	b.mu.Unlock()
	if d != nil {
		d.finish(err)
	}
}

// Close shuts the browser down, waiting up to the grace period for a clean
// exit, and removes the download directory.
func (b *Browser) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		pages := make([]*Page, 0, len(b.pages))
		for _, p := range b.pages {
			pages = append(pages, p)
		}
		b.pages = make(map[target.ID]*Page)
		downloads := b.downloads
		b.downloads = make(map[string]*download)
		b.mu.Unlock()

		for _, d := range downloads {
			d.finish(ErrBrowserClosed)
		}

		shutdownCtx, cancel := context.WithTimeout(Detach(ctx), shutdownGrace)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(b.ctx) }()

		var errs error
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				errs = multierr.Append(errs, fmt.Errorf("graceful shutdown: %w", err))
			}
		case <-shutdownCtx.Done():
			b.logger.Warn("Browser did not exit within the grace period; killing it.")
		}
		b.cancel()
		b.allocCancel()

		for _, p := range pages {
			p.markClosed()
		}
		if err := os.RemoveAll(b.downloadDir); err != nil {
			errs = multierr.Append(errs, err)
		}
		b.closeErr = errs
	})
	return b.closeErr
}
