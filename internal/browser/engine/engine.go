// Package engine defines the browser-automation surface the driver is built on.
// The chromium package implements it over the Chrome DevTools Protocol; tests
// use the in-memory implementation in enginetest.
//
// Event callbacks registered through Page.Subscribe and Context.OnPage are
// invoked on the engine's dispatch goroutine, in the order the engine observed
// the events. They must not block on further engine calls.
package engine

import (
	"context"
	"errors"
	"io"
	"time"
)

// Tracing state errors. Engines wrap them; match with errors.Is.
var (
	ErrTracingStarted    = errors.New("tracing has already been started")
	ErrTracingNotStarted = errors.New("tracing has not been started")
)

// DialogType is the kind of a native JavaScript dialog.
type DialogType string

const (
	DialogAlert        DialogType = "alert"
	DialogConfirm      DialogType = "confirm"
	DialogPrompt       DialogType = "prompt"
	DialogBeforeUnload DialogType = "beforeunload"
)

// Launcher starts a browser process.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser is one running browser process.
type Browser interface {
	// NewContext creates an isolated browsing profile (cookies, storage).
	NewContext(ctx context.Context) (Context, error)
	Version() string
	// Close terminates the browser process and every context in it.
	Close(ctx context.Context) error
}

// Context is an isolated browsing profile containing zero or more pages.
type Context interface {
	ID() string
	NewPage(ctx context.Context) (Page, error)
	// OnPage registers a callback for every page that appears in this context,
	// including pages opened by scripts (window.open, target=_blank).
	OnPage(fn func(Page))
	Close(ctx context.Context) error
}

// PageHandlers is the set of event callbacks a page consumer registers.
// Nil fields are ignored.
type PageHandlers struct {
	Dialog    func(Dialog)
	Download  func(Download)
	Response  func(Response)
	Navigated func(Navigation)
	Close     func()
}

// Navigation describes a committed frame navigation.
type Navigation struct {
	URL       string
	MainFrame bool
}

// Page is one tab.
type Page interface {
	ID() string
	Context() Context
	Subscribe(h PageHandlers)

	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	GoBack(ctx context.Context) error
	GoForward(ctx context.Context) error
	Reload(ctx context.Context, ignoreCache bool) error

	// Evaluate calls the JavaScript function declaration fn with args.
	// ElementHandle values may appear anywhere in args and in the result.
	Evaluate(ctx context.Context, fn string, args ...any) (any, error)
	QuerySelectorAll(ctx context.Context, selector string) ([]ElementHandle, error)
	QueryXPath(ctx context.Context, expression string) ([]ElementHandle, error)

	Screenshot(ctx context.Context) ([]byte, error)
	// StartScreencast streams JPEG frames of the viewport to onFrame until
	// StopScreencast or the page closes. onFrame runs on the event goroutine
	// and must not block on the page.
	StartScreencast(ctx context.Context, onFrame func(ScreencastFrame)) error
	StopScreencast(ctx context.Context) error
	// StartTracing records a performance trace of the page limited to
	// categories. StopTracing ends it and returns the trace as JSON.
	StartTracing(ctx context.Context, categories []string) error
	StopTracing(ctx context.Context) ([]byte, error)
	SetViewportSize(ctx context.Context, width, height int) error
	BringToFront(ctx context.Context) error
	Close(ctx context.Context) error
	IsClosed() bool
}

// Dialog is an open native dialog. Accept and Dismiss do not wait for the
// browser to acknowledge; they are safe to call from an event callback.
type Dialog interface {
	Type() DialogType
	Message() string
	DefaultValue() string
	Accept(promptText string)
	Dismiss()
}

// Download is a file download started by a page.
type Download interface {
	URL() string
	SuggestedFilename() string
	// Open blocks until the download finishes and returns its content.
	Open(ctx context.Context) (io.ReadCloser, error)
}

// ScreencastFrame is one frame of a page screencast.
type ScreencastFrame struct {
	// Data is the JPEG-encoded image.
	Data      []byte
	Timestamp time.Time
}

// Response is a received network response.
type Response interface {
	URL() string
	Status() int
	// Headers returns the response headers with lower-cased names.
	Headers() map[string]string
}

// ElementHandle references a DOM element inside a page.
type ElementHandle interface {
	// NodeID is a stable identity: two handles to the same element return the same value.
	NodeID() string
	// Evaluate calls fn with the element as its first argument followed by args.
	Evaluate(ctx context.Context, fn string, args ...any) (any, error)
	Click(ctx context.Context) error
}
