// internal/driver/errors.go
package driver

import (
	"errors"
	"fmt"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
)

// Sentinel errors returned by the driver. Match them with errors.Is; most are
// wrapped with context about the handle or dialog involved.
var (
	// ErrNoSuchWindow is returned when the target window is closed, closing or unknown.
	ErrNoSuchWindow = errors.New("no such window")
	// ErrModalNotFound is returned when no dialog matching the expectation was observed.
	ErrModalNotFound = errors.New("modal not found")
	// ErrInvalidArgument is returned for malformed arguments, such as an unsupported modal text filter.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotSupported is returned for operations this driver deliberately does not implement.
	ErrNotSupported = errors.New("not supported by this driver")
	// ErrStaleElement is returned when an element no longer belongs to an open window.
	ErrStaleElement = errors.New("stale element reference")
	// ErrTracingStarted is returned by StartTracing while a trace is running.
	ErrTracingStarted = engine.ErrTracingStarted
	// ErrTracingNotStarted is returned by StopTracing when no trace is running.
	ErrTracingNotStarted = engine.ErrTracingNotStarted
)

func noSuchWindow(handle string) error {
	return fmt.Errorf("%w: %s", ErrNoSuchWindow, handle)
}

func notSupported(op string) error {
	return fmt.Errorf("%s: %w", op, ErrNotSupported)
}
