// internal/driver/session.go
package driver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
	"github.com/xkilldash9x/cdpdriver/internal/config"
)

// Session is one browser process and the windows opened in it. The browser is
// launched on first use; Quit tears it down and Reset allows a fresh launch.
// All methods are safe for concurrent use.
type Session struct {
	cfg      config.Interface
	launcher engine.Launcher
	logger   *zap.Logger
	fs       afero.Fs

	mu          sync.Mutex
	browser     engine.Browser
	registry    *WindowRegistry
	downloads   *downloader
	launchErr   error
	beforeReset []func([]byte)

	recorder       *screenRecorder
	onScreenrecord []func(string)
}

// Option configures a Session.
type Option func(*Session)

// WithFs sets the filesystem downloads and screenshots are written to.
// The default is the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(s *Session) { s.fs = fs }
}

// NewSession creates a session. Nothing is launched until the first operation.
func NewSession(cfg config.Interface, launcher engine.Launcher, logger *zap.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		cfg:      cfg,
		launcher: launcher,
		logger:   logger.Named("session"),
		fs:       afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ensure launches the browser and opens the first window if needed. A failed
// launch is remembered until Reset.
func (s *Session) ensure(ctx context.Context) (*WindowRegistry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registry != nil {
		return s.registry, nil
	}
	if s.launchErr != nil {
		return nil, s.launchErr
	}

	if err := s.launch(ctx); err != nil {
		s.launchErr = err
		return nil, err
	}
	return s.registry, nil
}

func (s *Session) launch(ctx context.Context) error {
	dcfg := s.cfg.Driver()
	s.logger.Info("Launching browser.")

	b, err := s.launcher.Launch(ctx)
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	downloads := newDownloader(s.fs, dcfg.SavePath, dcfg.MaxConcurrentDownloads, s.logger)
	registry := newWindowRegistry(b, dcfg, s.fs, downloads, s.logger)
	// Recording has to cover the first window, so it is decided at launch.
	if len(s.onScreenrecord) > 0 {
		registry.recorder = newScreenRecorder(s.fs, filepath.Join(dcfg.SavePath, screenrecordDir), s.logger)
	}

	handle, err := registry.OpenNewWindow(ctx, WindowKindWindow)
	if err == nil {
		err = registry.SwitchTo(ctx, handle)
	}
	if err != nil {
		downloads.close()
		if registry.recorder != nil {
			registry.recorder.finish()
		}
		if cerr := b.Close(context.WithoutCancel(ctx)); cerr != nil {
			err = multierr.Append(err, cerr)
		}
		return fmt.Errorf("failed to open the first window: %w", err)
	}

	s.browser = b
	s.registry = registry
	s.downloads = downloads
	s.recorder = registry.recorder
	s.logger.Info("Browser launched.", zap.String("version", b.Version()), zap.String("window", handle))
	return nil
}

func (s *Session) current(ctx context.Context) (*Window, error) {
	r, err := s.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return r.Current()
}

func (s *Session) window(ctx context.Context, handle string) (*Window, error) {
	r, err := s.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return r.Window(handle)
}

// -- Single-window operations, applied to the current window --

func (s *Session) Visit(ctx context.Context, path string) error {
	w, err := s.current(ctx)
	if err != nil {
		return err
	}
	return w.Visit(ctx, path)
}

func (s *Session) Refresh(ctx context.Context) error {
	w, err := s.current(ctx)
	if err != nil {
		return err
	}
	return w.Refresh(ctx)
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	w, err := s.current(ctx)
	if err != nil {
		return "", err
	}
	return w.CurrentURL(ctx)
}

func (s *Session) Title(ctx context.Context) (string, error) {
	w, err := s.current(ctx)
	if err != nil {
		return "", err
	}
	return w.Title(ctx)
}

func (s *Session) HTML(ctx context.Context) (string, error) {
	w, err := s.current(ctx)
	if err != nil {
		return "", err
	}
	return w.HTML(ctx)
}

func (s *Session) GoBack(ctx context.Context) error {
	w, err := s.current(ctx)
	if err != nil {
		return err
	}
	return w.GoBack(ctx)
}

func (s *Session) GoForward(ctx context.Context) error {
	w, err := s.current(ctx)
	if err != nil {
		return err
	}
	return w.GoForward(ctx)
}

func (s *Session) ExecuteScript(ctx context.Context, script string, args ...any) error {
	w, err := s.current(ctx)
	if err != nil {
		return err
	}
	return w.ExecuteScript(ctx, script, args...)
}

func (s *Session) EvaluateScript(ctx context.Context, script string, args ...any) (any, error) {
	w, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	return w.EvaluateScript(ctx, script, args...)
}

func (s *Session) EvaluateAsyncScript(ctx context.Context, script string, args ...any) (any, error) {
	w, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	return w.EvaluateAsyncScript(ctx, script, args...)
}

func (s *Session) SaveScreenshot(ctx context.Context, path string) error {
	w, err := s.current(ctx)
	if err != nil {
		return err
	}
	return w.SaveScreenshot(ctx, path)
}

func (s *Session) ResponseHeaders(ctx context.Context) (Headers, error) {
	w, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	return w.ResponseHeaders()
}

func (s *Session) StatusCode(ctx context.Context) (int, error) {
	w, err := s.current(ctx)
	if err != nil {
		return 0, err
	}
	return w.StatusCode()
}

func (s *Session) FindXPath(ctx context.Context, query string) ([]*Node, error) {
	w, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	return w.FindXPath(ctx, query)
}

func (s *Session) FindCSS(ctx context.Context, query string) ([]*Node, error) {
	w, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	return w.FindCSS(ctx, query)
}

func (s *Session) AcceptModal(ctx context.Context, kind engine.DialogType, opts ModalOptions, trigger func() error) (string, error) {
	w, err := s.current(ctx)
	if err != nil {
		return "", err
	}
	return w.AcceptModal(ctx, kind, opts, trigger)
}

func (s *Session) DismissModal(ctx context.Context, kind engine.DialogType, opts ModalOptions, trigger func() error) (string, error) {
	w, err := s.current(ctx)
	if err != nil {
		return "", err
	}
	return w.DismissModal(ctx, kind, opts, trigger)
}

// SwitchToFrame is not modelled by this driver.
func (s *Session) SwitchToFrame(ctx context.Context, frame *Node) error {
	return notSupported("switch_to_frame")
}

// WithPage hands the current window's engine page to fn.
func (s *Session) WithPage(ctx context.Context, fn func(engine.Page) error) error {
	if fn == nil {
		return fmt.Errorf("%w: a page callback must be given", ErrInvalidArgument)
	}
	w, err := s.current(ctx)
	if err != nil {
		return err
	}
	return w.WithPage(fn)
}

// -- Multi-window operations --

func (s *Session) WindowHandles(ctx context.Context) ([]string, error) {
	r, err := s.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return r.Handles(), nil
}

// CurrentWindowHandle returns "" when there is no current window.
func (s *Session) CurrentWindowHandle(ctx context.Context) (string, error) {
	r, err := s.ensure(ctx)
	if err != nil {
		return "", err
	}
	return r.CurrentHandle(), nil
}

func (s *Session) OpenNewWindow(ctx context.Context, kind WindowKind) (string, error) {
	r, err := s.ensure(ctx)
	if err != nil {
		return "", err
	}
	return r.OpenNewWindow(ctx, kind)
}

func (s *Session) SwitchToWindow(ctx context.Context, handle string) error {
	r, err := s.ensure(ctx)
	if err != nil {
		return err
	}
	return r.SwitchTo(ctx, handle)
}

func (s *Session) CloseWindow(ctx context.Context, handle string) error {
	r, err := s.ensure(ctx)
	if err != nil {
		return err
	}
	return r.Close(ctx, handle)
}

func (s *Session) WindowSize(ctx context.Context, handle string) (int, int, error) {
	w, err := s.window(ctx, handle)
	if err != nil {
		return 0, 0, err
	}
	return w.Size(ctx)
}

func (s *Session) ResizeWindowTo(ctx context.Context, handle string, width, height int) error {
	w, err := s.window(ctx, handle)
	if err != nil {
		return err
	}
	return w.ResizeTo(ctx, width, height)
}

func (s *Session) MaximizeWindow(ctx context.Context, handle string) error {
	w, err := s.window(ctx, handle)
	if err != nil {
		return err
	}
	return w.Maximize(ctx)
}

func (s *Session) FullscreenWindow(ctx context.Context, handle string) error {
	w, err := s.window(ctx, handle)
	if err != nil {
		return err
	}
	return w.Fullscreen(ctx)
}

// -- Error classification for the host DSL's retry logic --

// InvalidElementErrors lists the errors that mean a found element can no
// longer be used and should be looked up again.
func (s *Session) InvalidElementErrors() []error {
	return []error{ErrStaleElement, ErrNoSuchWindow}
}

// NoSuchWindowError is the error window operations fail with once a window is gone.
func (s *Session) NoSuchWindowError() error {
	return ErrNoSuchWindow
}

// -- Tracing --

// running returns the registry of a launched browser, or nil.
func (s *Session) running() *WindowRegistry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry
}

// StartTracing starts a performance trace of the current window. Only one
// trace runs at a time; it follows the window it started in.
func (s *Session) StartTracing(ctx context.Context, opts TracingOptions) error {
	r, err := s.ensure(ctx)
	if err != nil {
		return err
	}
	return r.startTracing(ctx, opts)
}

// StopTracing ends the running trace and writes it to path as trace-event
// JSON, or as a zip archive holding trace.json when path ends in ".zip".
// An empty path discards the trace.
func (s *Session) StopTracing(ctx context.Context, path string) error {
	r := s.running()
	if r == nil {
		return ErrTracingNotStarted
	}
	data, err := r.stopTracing(ctx)
	if err != nil {
		return err
	}
	if path == "" {
		return nil
	}
	if err := writeTrace(s.fs, path, data); err != nil {
		return err
	}
	s.logger.Info("Trace saved.", zap.String("path", path))
	return nil
}

// Trace records a trace while fn runs and saves it to path. The trace is
// stopped even when fn fails, and both errors are returned.
func (s *Session) Trace(ctx context.Context, opts TracingOptions, path string, fn func() error) error {
	if fn == nil {
		return fmt.Errorf("%w: trace needs a function to run", ErrInvalidArgument)
	}
	if err := s.StartTracing(ctx, opts); err != nil {
		return err
	}
	err := fn()
	return multierr.Append(err, s.StopTracing(ctx, path))
}

// -- Lifecycle --

// OnSaveScreenrecord registers fn to receive the path of each window's
// screen recording after Reset. Recording starts with the next browser
// launch, so register hooks before the first operation. A recording is a
// zip archive of numbered JPEG frames plus a frames.json manifest with
// their timestamps, saved under the configured save path.
func (s *Session) OnSaveScreenrecord(fn func(path string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onScreenrecord = append(s.onScreenrecord, fn)
}

// OnSaveRawScreenshotBeforeReset registers fn to receive a PNG of the current
// window each time Reset runs while a window is open.
func (s *Session) OnSaveRawScreenshotBeforeReset(fn func(png []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeReset = append(s.beforeReset, fn)
}

// Quit closes every window and the browser, after pending downloads finish
// or ctx ends. Download failures are included in the returned error.
// Calling Quit on a session that is not running does nothing.
func (s *Session) Quit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.quitLocked(ctx)
	return err
}

// quitLocked also returns the screen recordings it finished.
func (s *Session) quitLocked(ctx context.Context) ([]string, error) {
	if s.browser == nil {
		return nil, nil
	}
	s.logger.Info("Shutting down browser session.")

	var errs error
	if err := s.downloads.wait(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("downloads: %w", err))
	}
	s.downloads.close()

	// Contexts and the browser are closed even if ctx already ended.
	closeCtx := context.WithoutCancel(ctx)
	if err := s.registry.closeAll(closeCtx); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := s.browser.Close(closeCtx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to close browser: %w", err))
	}
	var recorded []string
	if s.recorder != nil {
		recorded = s.recorder.finish()
	}

	s.browser = nil
	s.registry = nil
	s.downloads = nil
	s.recorder = nil
	return recorded, errs
}

// Reset hands a screenshot of the current window to the registered hooks,
// quits, then hands each finished screen recording to its hooks. The next
// operation launches a new browser.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registry != nil && len(s.beforeReset) > 0 {
		s.captureBeforeReset(ctx)
	}
	recorded, err := s.quitLocked(ctx)
	s.launchErr = nil
	for _, path := range recorded {
		for _, fn := range s.onScreenrecord {
			fn(path)
		}
	}
	return err
}

func (s *Session) captureBeforeReset(ctx context.Context) {
	w, err := s.registry.Current()
	if err != nil {
		if !errors.Is(err, ErrNoSuchWindow) {
			s.logger.Warn("Could not resolve window for reset screenshot.", zap.Error(err))
		}
		return
	}
	png, err := w.Screenshot(ctx)
	if err != nil {
		s.logger.Warn("Could not capture screenshot before reset.", zap.Error(err))
		return
	}
	for _, fn := range s.beforeReset {
		fn(png)
	}
}
