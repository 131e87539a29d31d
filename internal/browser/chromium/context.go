// internal/browser/chromium/context.go
package chromium

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
)

const adoptTimeout = 30 * time.Second

// Context is an isolated Chrome browser context.
type Context struct {
	id      cdp.BrowserContextID
	browser *Browser
	logger  *zap.Logger

	mu        sync.Mutex
	listeners []func(engine.Page)
}

var _ engine.Context = (*Context)(nil)

func (c *Context) ID() string { return string(c.id) }

func (c *Context) OnPage(fn func(engine.Page)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Context) firePage(p *Page) {
	c.mu.Lock()
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(p)
	}
}

// NewPage opens a blank tab in this context.
func (c *Context) NewPage(ctx context.Context) (engine.Page, error) {
	execCtx, cancel := CombineContext(c.browser.execCtx, ctx)
	defer cancel()

	id, err := target.CreateTarget("about:blank").WithBrowserContextID(c.id).Do(execCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to create target: %w", err)
	}
	p, created, err := c.browser.attach(ctx, id, c)
	if err != nil {
		return nil, err
	}
	if created {
		c.firePage(p)
	}
	return p, nil
}

// adopt attaches to a tab the browser announced, such as a popup.
// It runs on its own goroutine.
func (c *Context) adopt(id target.ID) {
	ctx, cancel := context.WithTimeout(context.Background(), adoptTimeout)
	defer cancel()

	p, created, err := c.browser.attach(ctx, id, c)
	if err != nil {
		c.logger.Warn("Failed to attach to new tab.", zap.String("target_id", string(id)), zap.Error(err))
		return
	}
	if created {
		c.logger.Debug("Attached to tab opened by the page.", zap.String("target_id", string(id)))
		c.firePage(p)
	}
}

// Close disposes the context and every tab in it.
func (c *Context) Close(ctx context.Context) error {
	c.browser.forgetContext(string(c.id))
	if c.browser.isClosed() {
		return nil
	}
	execCtx, cancel := CombineContext(c.browser.execCtx, ctx)
	defer cancel()
	if err := target.DisposeBrowserContext(c.id).Do(execCtx); err != nil {
		return fmt.Errorf("failed to dispose browser context: %w", err)
	}
	return nil
}
