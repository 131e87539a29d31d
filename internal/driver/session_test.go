// internal/driver/session_test.go
package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine/enginetest"
)

func TestSession_LaunchesLazily(t *testing.T) {
	f := newFixture(t, nil)
	assert.Empty(t, f.launcher.Browsers(), "nothing is launched before the first operation")

	_, err := f.session.Title(context.Background())
	require.NoError(t, err)
	require.Len(t, f.launcher.Browsers(), 1)

	_, err = f.session.Title(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.launcher.Browsers(), 1, "later operations reuse the browser")
}

func TestSession_LaunchErrorIsRemembered(t *testing.T) {
	boom := errors.New("chrome not found")
	launcher := &enginetest.Launcher{Err: boom}
	s := NewSession(newTestConfig(), launcher, zaptest.NewLogger(t))
	ctx := context.Background()

	err := s.Visit(ctx, "https://example.test/")
	require.ErrorIs(t, err, boom)

	launcher.Err = nil
	_, err = s.WindowHandles(ctx)
	require.ErrorIs(t, err, boom, "the failed launch is not retried")

	require.NoError(t, s.Reset(ctx))
	_, err = s.WindowHandles(ctx)
	require.NoError(t, err, "reset allows a new launch")
	require.NoError(t, s.Quit(ctx))
}

func TestSession_Quit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Quitting a session that never launched is a no-op.
	require.NoError(t, f.session.Quit(ctx))

	_, err := f.session.OpenNewWindow(ctx, WindowKindWindow)
	require.NoError(t, err)
	b := f.launcher.Last()
	pages := b.Pages()
	require.Len(t, pages, 2)

	require.NoError(t, f.session.Quit(ctx))
	assert.True(t, b.Closed())
	for _, c := range b.Contexts() {
		assert.True(t, c.Closed())
	}
	for _, p := range pages {
		assert.True(t, p.IsClosed())
	}
	require.NoError(t, f.session.Quit(ctx), "quit is idempotent")
}

func TestSession_ResetRunsScreenshotHooks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var shots [][]byte
	f.session.OnSaveRawScreenshotBeforeReset(func(png []byte) { shots = append(shots, png) })

	// Nothing is running yet, so there is nothing to capture.
	require.NoError(t, f.session.Reset(ctx))
	assert.Empty(t, shots)

	expected := f.currentPage(t).PNG
	first := f.launcher.Last()
	require.NoError(t, f.session.Reset(ctx))
	require.Len(t, shots, 1)
	assert.Equal(t, expected, shots[0])
	assert.True(t, first.Closed())

	_, err := f.session.Title(ctx)
	require.NoError(t, err)
	assert.Len(t, f.launcher.Browsers(), 2, "the next operation launches a new browser")
}

func TestSession_ResetWithoutCurrentWindowSkipsHooks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	called := false
	f.session.OnSaveRawScreenshotBeforeReset(func([]byte) { called = true })

	h, err := f.session.CurrentWindowHandle(ctx)
	require.NoError(t, err)
	require.NoError(t, f.session.CloseWindow(ctx, h))

	require.NoError(t, f.session.Reset(ctx))
	assert.False(t, called)
}

func TestSession_UnsupportedAndClassification(t *testing.T) {
	f := newFixture(t, nil)

	err := f.session.SwitchToFrame(context.Background(), nil)
	require.ErrorIs(t, err, ErrNotSupported)

	assert.ErrorIs(t, f.session.NoSuchWindowError(), ErrNoSuchWindow)
	assert.Contains(t, f.session.InvalidElementErrors(), ErrStaleElement)
}
