// internal/driver/screenrecord.go
package driver

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
)

const (
	screenrecordDir        = "screenrecords"
	screenrecordManifest   = "frames.json"
	screencastStartTimeout = 10 * time.Second
)

// screenRecorder records every window of a session into its own archive of
// JPEG frames under dir, named after the window handle. Recording starts in
// the background; finish stops it and returns the archives written.
type screenRecorder struct {
	fs     afero.Fs
	dir    string
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	recordings []*recording
	finished   bool
}

func newScreenRecorder(fs afero.Fs, dir string, logger *zap.Logger) *screenRecorder {
	ctx, cancel := context.WithCancel(context.Background())
	return &screenRecorder{
		fs:     fs,
		dir:    dir,
		logger: logger.Named("screenrecord"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// track starts recording w. It returns immediately, so it is safe on the
// engine's dispatch goroutine.
func (r *screenRecorder) track(w *Window) {
	rec := &recording{fs: r.fs, path: filepath.Join(r.dir, w.handle+".zip")}

	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.recordings = append(r.recordings, rec)
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.ctx, screencastStartTimeout)
		defer cancel()
		if err := w.page.StartScreencast(ctx, rec.add); err != nil && r.ctx.Err() == nil {
			r.logger.Warn("Could not start screen recording.", zap.String("window", w.handle), zap.Error(err))
		}
	}()
}

// finish stops recording and closes every archive. Windows that produced no
// frames leave no file behind.
func (r *screenRecorder) finish() []string {
	r.mu.Lock()
	r.finished = true
	recordings := r.recordings
	r.recordings = nil
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	var paths []string
	for _, rec := range recordings {
		written, err := rec.close()
		if err != nil {
			r.logger.Error("Failed to save screen recording.", zap.String("path", rec.path), zap.Error(err))
			continue
		}
		if written {
			r.logger.Info("Screen recording saved.", zap.String("path", rec.path))
			paths = append(paths, rec.path)
		}
	}
	return paths
}

type recordedFrame struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

// recording is one window's archive, opened on its first frame.
type recording struct {
	fs   afero.Fs
	path string

	mu     sync.Mutex
	file   afero.File
	zw     *zip.Writer
	frames []recordedFrame
	closed bool
	err    error
}

// add runs on the engine's event goroutine.
func (rec *recording) add(frame engine.ScreencastFrame) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.closed || rec.err != nil {
		return
	}
	if rec.zw == nil {
		if err := rec.open(); err != nil {
			rec.err = err
			return
		}
	}
	name := fmt.Sprintf("frame-%06d.jpg", len(rec.frames)+1)
	entry, err := rec.zw.Create(name)
	if err == nil {
		_, err = entry.Write(frame.Data)
	}
	if err != nil {
		rec.err = fmt.Errorf("could not write %s: %w", name, err)
		return
	}
	rec.frames = append(rec.frames, recordedFrame{Name: name, Timestamp: frame.Timestamp})
}

func (rec *recording) open() error {
	if err := rec.fs.MkdirAll(filepath.Dir(rec.path), 0o755); err != nil {
		return fmt.Errorf("could not create %s: %w", filepath.Dir(rec.path), err)
	}
	f, err := rec.fs.Create(rec.path)
	if err != nil {
		return fmt.Errorf("could not create recording: %w", err)
	}
	rec.file = f
	rec.zw = zip.NewWriter(f)
	return nil
}

// close writes the frame manifest and reports whether an archive exists.
func (rec *recording) close() (bool, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.closed = true
	if rec.zw == nil {
		return false, rec.err
	}

	err := rec.err
	if err == nil {
		err = rec.writeManifest()
	}
	err = multierr.Combine(err, rec.zw.Close(), rec.file.Close())
	return err == nil, err
}

func (rec *recording) writeManifest() error {
	manifest, err := json.Marshal(rec.frames)
	if err != nil {
		return err
	}
	entry, err := rec.zw.Create(screenrecordManifest)
	if err != nil {
		return err
	}
	_, err = entry.Write(manifest)
	return err
}
