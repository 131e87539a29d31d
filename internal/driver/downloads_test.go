// internal/driver/downloads_test.go
package driver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine/enginetest"
)

func TestDownloadFilename(t *testing.T) {
	tests := map[string]string{
		"report.csv":            "report.csv",
		"../../etc/passwd":      "passwd",
		`..\windows\system.ini`: "system.ini",
		"":                      "download",
		"..":                    "download",
		"/":                     "download",
	}
	for in, want := range tests {
		assert.Equal(t, want, downloadFilename(in), "input %q", in)
	}
}

func TestSession_DownloadIsSavedInBackground(t *testing.T) {
	f := newFixture(t, nil)
	page := f.currentPage(t)

	release := make(chan struct{})
	page.FireDownload(&enginetest.Download{
		Location: "https://example.test/export",
		Filename: "../export.csv",
		Body:     []byte("a,b\n1,2\n"),
		Release:  release,
	})

	// The page stays usable while the download is pending.
	_, err := f.session.Title(context.Background())
	require.NoError(t, err)
	exists, err := afero.Exists(f.fs, "/downloads/export.csv")
	require.NoError(t, err)
	assert.False(t, exists)

	close(release)
	assert.Eventually(t, func() bool {
		data, err := afero.ReadFile(f.fs, "/downloads/export.csv")
		return err == nil && string(data) == "a,b\n1,2\n"
	}, time.Second, 10*time.Millisecond)
}

func TestSession_QuitReportsDownloadFailures(t *testing.T) {
	f := newFixture(t, nil)
	page := f.currentPage(t)
	boom := errors.New("connection reset")

	page.FireDownload(&enginetest.Download{Location: "https://example.test/a", Filename: "a.bin", Err: boom})
	page.FireDownload(&enginetest.Download{Location: "https://example.test/b", Filename: "b.bin", Body: []byte("ok")})

	err := f.session.Quit(context.Background())
	require.ErrorIs(t, err, boom)

	data, err := afero.ReadFile(f.fs, "/downloads/b.bin")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
}

func TestDownloader_WaitCancelsOnContext(t *testing.T) {
	d := newDownloader(afero.NewMemMapFs(), "/d", 1, zaptest.NewLogger(t))
	defer d.close()

	d.start(&enginetest.Download{Location: "https://example.test/slow", Filename: "slow", Release: make(chan struct{})})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.wait(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// Downloads after wait are refused.
	d.start(&enginetest.Download{Location: "https://example.test/late", Filename: "late"})
	exists, _ := afero.Exists(d.fs, "/d/late")
	assert.False(t, exists)
}

func TestDownloader_BoundsConcurrency(t *testing.T) {
	d := newDownloader(afero.NewMemMapFs(), "/d", 1, zaptest.NewLogger(t))
	defer d.close()

	first := make(chan struct{})
	second := make(chan struct{})
	d.start(&enginetest.Download{Location: "1", Filename: "one", Release: first})
	d.start(&enginetest.Download{Location: "2", Filename: "two", Release: second})

	// A pending save holds the only slot.
	assert.Eventually(t, func() bool {
		if d.sem.TryAcquire(1) {
			d.sem.Release(1)
			return false
		}
		return true
	}, time.Second, 5*time.Millisecond)

	close(first)
	close(second)
	require.NoError(t, d.wait(context.Background()))
	for _, name := range []string{"/d/one", "/d/two"} {
		exists, err := afero.Exists(d.fs, name)
		require.NoError(t, err)
		assert.True(t, exists, name)
	}
}
