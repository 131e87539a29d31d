// internal/driver/downloads.go
package driver

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
)

// downloader persists page downloads in the background. At most limit saves
// run concurrently; failures are logged and kept for wait.
type downloader struct {
	fs     afero.Fs
	dir    string
	sem    *semaphore.Weighted
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	errs    error
	stopped bool
}

func newDownloader(fs afero.Fs, dir string, limit int, logger *zap.Logger) *downloader {
	if limit <= 0 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &downloader{
		fs:     fs,
		dir:    dir,
		sem:    semaphore.NewWeighted(int64(limit)),
		logger: logger.Named("downloads"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// start returns immediately; the download is saved on its own goroutine.
func (d *downloader) start(dl engine.Download) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.logger.Warn("Download ignored; session is shutting down.", zap.String("url", dl.URL()))
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		dest, err := d.save(dl)
		if err != nil {
			d.logger.Error("Failed to save download.", zap.String("url", dl.URL()), zap.Error(err))
			d.mu.Lock()
			d.errs = multierr.Append(d.errs, err)
			d.mu.Unlock()
			return
		}
		d.logger.Debug("Download saved.", zap.String("url", dl.URL()), zap.String("path", dest))
	}()
}

func (d *downloader) save(dl engine.Download) (string, error) {
	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		return "", fmt.Errorf("download %s abandoned: %w", dl.URL(), err)
	}
	defer d.sem.Release(1)

	body, err := dl.Open(d.ctx)
	if err != nil {
		return "", fmt.Errorf("download %s failed: %w", dl.URL(), err)
	}
	defer body.Close()

	if err := d.fs.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("could not create save path %s: %w", d.dir, err)
	}
	dest := filepath.Join(d.dir, downloadFilename(dl.SuggestedFilename()))
	f, err := d.fs.Create(dest)
	if err != nil {
		return "", fmt.Errorf("could not create %s: %w", dest, err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return "", fmt.Errorf("could not write %s: %w", dest, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("could not write %s: %w", dest, err)
	}
	return dest, nil
}

// downloadFilename keeps only the last path element of the suggested name.
func downloadFilename(suggested string) string {
	name := filepath.Base(strings.ReplaceAll(suggested, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return "download"
	}
	return name
}

// wait stops accepting downloads and blocks until every started download has
// finished, or ctx ends, in which case the remaining downloads are cancelled.
// It returns the combined save errors.
func (d *downloader) wait(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.cancel()
		<-done
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errs
}

func (d *downloader) close() {
	d.cancel()
}
