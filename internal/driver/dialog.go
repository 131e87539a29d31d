// internal/driver/dialog.go
package driver

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
)

type dialogHandler func(engine.Dialog)

type overrideEntry struct {
	id      uint64
	handler dialogHandler
}

// DialogRouter delivers the dialogs of one page either to the most recently
// installed override handler or, when none is installed, to the default
// policy: beforeunload is accepted and everything else is dismissed.
type DialogRouter struct {
	logger *zap.Logger

	mu        sync.Mutex
	overrides []overrideEntry
	nextID    uint64
}

func newDialogRouter(logger *zap.Logger) *DialogRouter {
	return &DialogRouter{logger: logger.Named("dialogs")}
}

// handle runs on the engine's dispatch goroutine. It never panics.
func (r *DialogRouter) handle(d engine.Dialog) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Panic while handling dialog.",
				zap.Any("panic_reason", rec),
				zap.String("stack", string(debug.Stack())))
		}
	}()

	r.mu.Lock()
	var h dialogHandler
	if n := len(r.overrides); n > 0 {
		h = r.overrides[n-1].handler
	}
	r.mu.Unlock()

	if h != nil {
		h(d)
		return
	}
	r.handleUnexpected(d)
}

func (r *DialogRouter) handleUnexpected(d engine.Dialog) {
	r.logger.Warn("Unexpected modal.",
		zap.String("type", string(d.Type())),
		zap.String("message", d.Message()))
	if d.Type() == engine.DialogBeforeUnload {
		d.Accept("")
		return
	}
	d.Dismiss()
}

// push installs h on top of the override stack and returns its removal func.
// Removal is idempotent and does not depend on stack order.
func (r *DialogRouter) push(h dialogHandler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.overrides = append(r.overrides, overrideEntry{id: id, handler: h})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.overrides {
			if e.id == id {
				r.overrides = append(r.overrides[:i], r.overrides[i+1:]...)
				return
			}
		}
	}
}

// overrideDepth reports how many overrides are installed.
func (r *DialogRouter) overrideDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.overrides)
}

// expect installs an override for the duration of one call: trigger runs,
// then expect waits up to wait for the first dialog. A matching dialog is
// passed to onMatch and its message returned; a mismatching one is dismissed
// and reported as ErrModalNotFound. Dialogs after the first still reach the
// override until expect returns; they are dismissed and cannot change its result.
func (r *DialogRouter) expect(ctx context.Context, matcher messageMatcher, onMatch dialogHandler, wait time.Duration, trigger func() error) (string, error) {
	future := newMessageFuture()
	remove := r.push(func(d engine.Dialog) {
		message := d.Message()
		if future.resolved() {
			r.logger.Debug("Dismissing dialog after the expected one.", zap.String("message", message))
			d.Dismiss()
			return
		}
		if matcher.matches(message) {
			future.fulfill(message)
			onMatch(d)
			return
		}
		future.reject(fmt.Errorf("%w: dialog message %q does not match", ErrModalNotFound, message))
		d.Dismiss()
	})
	defer remove()

	if trigger != nil {
		if err := trigger(); err != nil {
			return "", err
		}
	}
	return future.wait(ctx, wait)
}

// messageFuture is resolved at most once; later resolutions are ignored.
type messageFuture struct {
	once    sync.Once
	done    chan struct{}
	message string
	err     error
}

func newMessageFuture() *messageFuture {
	return &messageFuture{done: make(chan struct{})}
}

func (f *messageFuture) fulfill(message string) {
	f.once.Do(func() {
		f.message = message
		close(f.done)
	})
}

func (f *messageFuture) reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *messageFuture) resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *messageFuture) wait(ctx context.Context, wait time.Duration) (string, error) {
	// Already resolved during the trigger; no timer needed.
	select {
	case <-f.done:
		return f.message, f.err
	default:
	}
	if wait <= 0 {
		return "", fmt.Errorf("%w: no dialog was opened", ErrModalNotFound)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.message, f.err
	case <-timer.C:
		return "", fmt.Errorf("%w: no dialog appeared within %s", ErrModalNotFound, wait)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
