// internal/browser/chromium/launcher.go
package chromium

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
	"github.com/xkilldash9x/cdpdriver/internal/config"
)

const defaultLaunchTimeout = 60 * time.Second

// Launcher starts Chrome through a chromedp exec allocator.
type Launcher struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
}

var _ engine.Launcher = (*Launcher)(nil)

func NewLauncher(cfg config.BrowserConfig, logger *zap.Logger) *Launcher {
	return &Launcher{cfg: cfg, logger: logger.Named("chromium")}
}

// AllocatorOptions builds the exec allocator options for cfg.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("enable-automation", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-popup-blocking", true),
	}

	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.IgnoreCertErrors)
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight))
	}

	// key=value arguments become valued flags; bare names are boolean.
	for _, arg := range cfg.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

// Launch starts the browser process and attaches to it. The browser outlives
// ctx; ctx only bounds the launch itself.
func (l *Launcher) Launch(ctx context.Context) (engine.Browser, error) {
	timeout := l.cfg.LaunchTimeout
	if timeout <= 0 {
		timeout = defaultLaunchTimeout
	}
	launchCtx, cancelLaunch := context.WithTimeout(ctx, timeout)
	defer cancelLaunch()

	downloadDir, err := os.MkdirTemp("", "cdpdriver-downloads-")
	if err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(l.cfg)...)
	sugar := l.logger.Sugar()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Warnf),
	)

	fail := func(err error) (engine.Browser, error) {
		browserCancel()
		allocCancel()
		_ = os.RemoveAll(downloadDir)
		return nil, err
	}

	// chromedp.Run on a fresh context starts the process; it cannot take a
	// separate deadline, so the launch timeout is enforced around it.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()
	select {
	case err := <-started:
		if err != nil {
			return fail(fmt.Errorf("failed to start browser: %w", err))
		}
	case <-launchCtx.Done():
		return fail(fmt.Errorf("browser launch aborted: %w", launchCtx.Err()))
	}

	execCtx := cdp.WithExecutor(browserCtx, chromedp.FromContext(browserCtx).Browser)
	b := newBrowser(browserCtx, execCtx, browserCancel, allocCancel, downloadDir, l.logger)

	chromedp.ListenBrowser(browserCtx, b.onBrowserEvent)

	var product string
	err = chromedp.Run(browserCtx, chromedp.ActionFunc(func(context.Context) error {
		if err := target.SetDiscoverTargets(true).Do(execCtx); err != nil {
			return fmt.Errorf("target discovery: %w", err)
		}
		_, p, _, _, _, err := browser.GetVersion().Do(execCtx)
		if err != nil {
			return fmt.Errorf("browser version: %w", err)
		}
		product = p
		return nil
	}))
	if err != nil {
		_ = b.Close(context.Background())
		return nil, err
	}
	b.version = product

	l.logger.Info("Browser started.", zap.String("product", product), zap.Bool("headless", l.cfg.Headless))
	return b, nil
}
