// internal/driver/dialog_test.go
package driver

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
	"github.com/xkilldash9x/cdpdriver/internal/browser/engine/enginetest"
)

func TestDialogRouter_DefaultPolicy(t *testing.T) {
	logger, logs := newObservedLogger()
	router := newDialogRouter(logger)

	cases := []struct {
		typ          engine.DialogType
		wantAccepted bool
	}{
		{engine.DialogAlert, false},
		{engine.DialogConfirm, false},
		{engine.DialogPrompt, false},
		{engine.DialogBeforeUnload, true},
	}

	for _, tc := range cases {
		t.Run(string(tc.typ), func(t *testing.T) {
			d := enginetest.NewDialog(tc.typ, "message for "+string(tc.typ), "default")
			assert.NotPanics(t, func() { router.handle(d) })

			assert.Equal(t, tc.wantAccepted, d.Accepted())
			assert.Equal(t, !tc.wantAccepted, d.Dismissed())
			assert.Empty(t, d.PromptText(), "the default policy never answers prompts")
		})
	}

	warnings := logs.FilterMessage("Unexpected modal.").FilterLevelExact(zap.WarnLevel)
	assert.Equal(t, len(cases), warnings.Len(), "every unexpected dialog is logged as a warning")
}

func TestDialogRouter_HandlerPanicIsContained(t *testing.T) {
	logger, logs := newObservedLogger()
	router := newDialogRouter(logger)
	remove := router.push(func(engine.Dialog) { panic("boom") })
	defer remove()

	assert.NotPanics(t, func() {
		router.handle(enginetest.NewDialog(engine.DialogAlert, "hi", ""))
	})
	assert.Equal(t, 1, logs.FilterMessage("Panic while handling dialog.").Len())
}

func TestDialogRouter_PushRemove(t *testing.T) {
	router := newDialogRouter(zaptest.NewLogger(t))

	var got []string
	removeA := router.push(func(d engine.Dialog) { got = append(got, "a:"+d.Message()) })
	removeB := router.push(func(d engine.Dialog) { got = append(got, "b:"+d.Message()) })
	require.Equal(t, 2, router.overrideDepth())

	router.handle(enginetest.NewDialog(engine.DialogAlert, "1", ""))

	// Removing the lower entry first leaves the top one in place.
	removeA()
	removeA()
	router.handle(enginetest.NewDialog(engine.DialogAlert, "2", ""))

	removeB()
	assert.Equal(t, 0, router.overrideDepth())
	router.handle(enginetest.NewDialog(engine.DialogAlert, "3", ""))

	assert.Equal(t, []string{"b:1", "b:2"}, got)
}

func TestWindow_AcceptModal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	page := f.currentPage(t)
	w, err := f.session.current(ctx)
	require.NoError(t, err)

	t.Run("AlertReturnsMessage", func(t *testing.T) {
		var d *enginetest.Dialog
		msg, err := w.AcceptModal(ctx, engine.DialogAlert, ModalOptions{}, func() error {
			d = page.FireDialog(engine.DialogAlert, "Hello world", "")
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "Hello world", msg)
		assert.True(t, d.Accepted())
		assert.Equal(t, 0, w.dialogs.overrideDepth())
	})

	t.Run("PromptUsesDefaultValue", func(t *testing.T) {
		var d *enginetest.Dialog
		msg, err := w.AcceptModal(ctx, engine.DialogPrompt, ModalOptions{}, func() error {
			d = page.FireDialog(engine.DialogPrompt, "Your name?", "Bob")
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "Your name?", msg)
		assert.True(t, d.Accepted())
		assert.Equal(t, "Bob", d.PromptText())
	})

	t.Run("PromptUsesWith", func(t *testing.T) {
		var d *enginetest.Dialog
		_, err := w.AcceptModal(ctx, engine.DialogPrompt, ModalOptions{With: strPtr("Alice")}, func() error {
			d = page.FireDialog(engine.DialogPrompt, "Your name?", "Bob")
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "Alice", d.PromptText())
	})

	t.Run("SubstringFilter", func(t *testing.T) {
		msg, err := w.AcceptModal(ctx, engine.DialogConfirm, ModalOptions{Text: "sure"}, func() error {
			page.FireDialog(engine.DialogConfirm, "Are you sure?", "")
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "Are you sure?", msg)
	})

	t.Run("RegexpFilter", func(t *testing.T) {
		msg, err := w.AcceptModal(ctx, engine.DialogConfirm, ModalOptions{Text: regexp.MustCompile(`^Delete \d+ items\?$`)}, func() error {
			page.FireDialog(engine.DialogConfirm, "Delete 3 items?", "")
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "Delete 3 items?", msg)
	})

	t.Run("MismatchIsDismissed", func(t *testing.T) {
		var d *enginetest.Dialog
		_, err := w.AcceptModal(ctx, engine.DialogConfirm, ModalOptions{Text: "delete"}, func() error {
			d = page.FireDialog(engine.DialogConfirm, "Are you sure?", "")
			return nil
		})
		require.ErrorIs(t, err, ErrModalNotFound)
		assert.True(t, d.Dismissed())
		assert.False(t, d.Accepted())
		assert.Equal(t, 0, w.dialogs.overrideDepth())
	})

	t.Run("InvalidFilterFailsBeforeTrigger", func(t *testing.T) {
		triggered := false
		_, err := w.AcceptModal(ctx, engine.DialogAlert, ModalOptions{Text: 42}, func() error {
			triggered = true
			return nil
		})
		require.ErrorIs(t, err, ErrInvalidArgument)
		assert.False(t, triggered)
	})

	t.Run("TriggerErrorIsReturned", func(t *testing.T) {
		boom := errors.New("click failed")
		_, err := w.AcceptModal(ctx, engine.DialogAlert, ModalOptions{}, func() error { return boom })
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 0, w.dialogs.overrideDepth())
	})

	t.Run("SecondDialogDoesNotChangeOutcome", func(t *testing.T) {
		var first, second *enginetest.Dialog
		msg, err := w.AcceptModal(ctx, engine.DialogAlert, ModalOptions{}, func() error {
			first = page.FireDialog(engine.DialogAlert, "first", "")
			second = page.FireDialog(engine.DialogAlert, "second", "")
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "first", msg)
		assert.True(t, first.Accepted())
		assert.True(t, second.Dismissed())
		assert.False(t, second.Accepted())
	})
}

func TestWindow_DismissModal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	page := f.currentPage(t)
	w, err := f.session.current(ctx)
	require.NoError(t, err)

	var d *enginetest.Dialog
	msg, err := w.DismissModal(ctx, engine.DialogConfirm, ModalOptions{Text: "leave"}, func() error {
		d = page.FireDialog(engine.DialogConfirm, "Do you want to leave?", "")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Do you want to leave?", msg)
	assert.True(t, d.Dismissed())
	assert.False(t, d.Accepted())

	_, err = w.DismissModal(ctx, engine.DialogConfirm, ModalOptions{Text: "stay"}, func() error {
		d = page.FireDialog(engine.DialogConfirm, "Do you want to leave?", "")
		return nil
	})
	require.ErrorIs(t, err, ErrModalNotFound)
	assert.True(t, d.Dismissed())
}

func TestWindow_ModalTimeoutRemovesOverride(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	page := f.currentPage(t)
	w, err := f.session.current(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = w.AcceptModal(ctx, engine.DialogAlert, ModalOptions{Wait: 50 * time.Millisecond}, func() error { return nil })
	require.ErrorIs(t, err, ErrModalNotFound)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, w.dialogs.overrideDepth())

	// A later unrelated dialog reaches the default policy.
	d := page.FireDialog(engine.DialogConfirm, "unrelated", "")
	assert.True(t, d.Dismissed())
	assert.False(t, d.Accepted())
}

func TestWindow_ModalArrivesAsynchronously(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	page := f.currentPage(t)
	w, err := f.session.current(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	msg, err := w.AcceptModal(ctx, engine.DialogAlert, ModalOptions{Wait: time.Second}, func() error {
		go func() {
			defer close(done)
			time.Sleep(20 * time.Millisecond)
			page.FireDialog(engine.DialogAlert, "late", "")
		}()
		return nil
	})
	<-done
	require.NoError(t, err)
	assert.Equal(t, "late", msg)
}

func TestWindow_ModalHonoursContext(t *testing.T) {
	f := newFixture(t, nil)
	w, err := f.session.current(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	_, err = w.AcceptModal(ctx, engine.DialogAlert, ModalOptions{Wait: time.Minute}, func() error {
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, w.dialogs.overrideDepth())
}

func TestWindow_NestedModals(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	page := f.currentPage(t)
	w, err := f.session.current(ctx)
	require.NoError(t, err)

	var inner, outer *enginetest.Dialog
	var innerMsg string
	outerMsg, err := w.AcceptModal(ctx, engine.DialogAlert, ModalOptions{}, func() error {
		var err error
		innerMsg, err = w.DismissModal(ctx, engine.DialogConfirm, ModalOptions{}, func() error {
			inner = page.FireDialog(engine.DialogConfirm, "inner", "")
			return nil
		})
		if err != nil {
			return err
		}
		outer = page.FireDialog(engine.DialogAlert, "outer", "")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "inner", innerMsg)
	assert.Equal(t, "outer", outerMsg)
	assert.True(t, inner.Dismissed())
	assert.True(t, outer.Accepted())
}
