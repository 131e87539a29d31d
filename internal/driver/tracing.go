// internal/driver/tracing.go
package driver

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// defaultTraceCategories is what Chrome DevTools records for a performance profile.
var defaultTraceCategories = []string{
	"-*",
	"devtools.timeline",
	"v8.execute",
	"disabled-by-default-devtools.timeline",
	"disabled-by-default-devtools.timeline.frame",
	"toplevel",
	"blink.console",
	"blink.user_timing",
	"latencyInfo",
	"disabled-by-default-devtools.timeline.stack",
	"disabled-by-default-v8.cpu_profiler",
}

const (
	screenshotTraceCategory = "disabled-by-default-devtools.screenshot"
	traceArchiveEntry       = "trace.json"
)

// TracingOptions configures StartTracing and Trace.
type TracingOptions struct {
	// Categories replaces the default trace categories. A leading '-' excludes a category.
	Categories []string
	// Screenshots adds a filmstrip of the viewport to the trace.
	Screenshots bool
}

func (o TracingOptions) categories() []string {
	cats := o.Categories
	if len(cats) == 0 {
		cats = defaultTraceCategories
	}
	cats = slices.Clone(cats)
	if o.Screenshots && !slices.Contains(cats, screenshotTraceCategory) {
		cats = append(cats, screenshotTraceCategory)
	}
	return cats
}

// StartTracing starts a performance trace of this window.
func (w *Window) StartTracing(ctx context.Context, opts TracingOptions) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := w.opContext(ctx)
	defer cancel()
	return w.page.StartTracing(ctx, opts.categories())
}

// StopTracing ends the trace and returns it as Chrome trace-event JSON.
func (w *Window) StopTracing(ctx context.Context) ([]byte, error) {
	if err := w.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := w.opContext(ctx)
	defer cancel()
	return w.page.StopTracing(ctx)
}

// startTracing traces the current window. Only one trace runs per session,
// and it stays with the window it started in.
func (r *WindowRegistry) startTracing(ctx context.Context, opts TracingOptions) error {
	r.traceMu.Lock()
	defer r.traceMu.Unlock()
	if r.tracing != nil {
		return ErrTracingStarted
	}
	w, err := r.Current()
	if err != nil {
		return err
	}
	if err := w.StartTracing(ctx, opts); err != nil {
		return err
	}
	r.tracing = w
	r.logger.Debug("Tracing started.", zap.String("window", w.handle))
	return nil
}

func (r *WindowRegistry) stopTracing(ctx context.Context) ([]byte, error) {
	r.traceMu.Lock()
	defer r.traceMu.Unlock()
	w := r.tracing
	if w == nil {
		return nil, ErrTracingNotStarted
	}
	r.tracing = nil
	data, err := w.StopTracing(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to stop tracing: %w", err)
	}
	return data, nil
}

// writeTrace saves data at path. A ".zip" path gets an archive holding
// trace.json.
func writeTrace(fs afero.Fs, path string, data []byte) (err error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("could not create %s: %w", dir, err)
		}
	}
	if !strings.EqualFold(filepath.Ext(path), ".zip") {
		if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
			return fmt.Errorf("could not write trace: %w", err)
		}
		return nil
	}

	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("could not write trace: %w", err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()

	zw := zip.NewWriter(f)
	entry, err := zw.Create(traceArchiveEntry)
	if err != nil {
		return fmt.Errorf("could not write trace: %w", err)
	}
	if _, err := entry.Write(data); err != nil {
		return fmt.Errorf("could not write trace: %w", err)
	}
	return zw.Close()
}
