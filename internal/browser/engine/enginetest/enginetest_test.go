// internal/browser/engine/enginetest/enginetest_test.go
package enginetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
)

func TestContext_OnPage(t *testing.T) {
	ctx := context.Background()
	b := NewBrowser()
	ec, err := b.NewContext(ctx)
	require.NoError(t, err)
	c := ec.(*Context)

	var seen []string
	c.OnPage(func(p engine.Page) { seen = append(seen, "a:"+p.ID()) })
	c.OnPage(func(p engine.Page) { seen = append(seen, "b:"+p.ID()) })

	p, err := c.NewPage(ctx)
	require.NoError(t, err)
	popup, err := c.OpenPopup()
	require.NoError(t, err)

	assert.Equal(t, []string{"a:" + p.ID(), "b:" + p.ID(), "a:" + popup.ID(), "b:" + popup.ID()}, seen)

	require.NoError(t, b.Close(ctx))
	_, err = c.OpenPopup()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPage_CaptureState(t *testing.T) {
	ctx := context.Background()
	c, err := NewBrowser().NewContext(ctx)
	require.NoError(t, err)
	ep, err := c.NewPage(ctx)
	require.NoError(t, err)
	p := ep.(*Page)

	_, err = p.StopTracing(ctx)
	require.ErrorIs(t, err, engine.ErrTracingNotStarted)
	require.NoError(t, p.StartTracing(ctx, []string{"devtools.timeline"}))
	require.ErrorIs(t, p.StartTracing(ctx, nil), engine.ErrTracingStarted)
	trace, err := p.StopTracing(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"traceEvents":[]}`, string(trace))
	assert.Equal(t, []string{"devtools.timeline"}, p.TraceCategories())

	var frames int
	p.FireScreencastFrame([]byte("ignored"), time.Now())
	require.NoError(t, p.StartScreencast(ctx, func(engine.ScreencastFrame) { frames++ }))
	assert.True(t, p.Screencasting())
	p.FireScreencastFrame([]byte("jpeg"), time.Now())
	require.NoError(t, p.StopScreencast(ctx))
	p.FireScreencastFrame([]byte("late"), time.Now())
	assert.Equal(t, 1, frames)
}
