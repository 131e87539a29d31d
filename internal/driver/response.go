// internal/driver/response.go
package driver

import (
	"strings"
	"sync"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
)

// Headers is a response header set with case-insensitive lookup.
type Headers map[string]string

// Get returns the value for name regardless of its case.
func (h Headers) Get(name string) string {
	return h[strings.ToLower(name)]
}

// ResponseTracker remembers the response of the last completed top-level
// navigation. Responses are staged by URL as they arrive and promoted when
// the navigation to that URL commits, at which point the staging map is reset.
type ResponseTracker struct {
	mu      sync.Mutex
	pending map[string]engine.Response
	last    engine.Response
}

func newResponseTracker() *ResponseTracker {
	return &ResponseTracker{pending: make(map[string]engine.Response)}
}

func (t *ResponseTracker) record(resp engine.Response) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[resp.URL()] = resp
}

func (t *ResponseTracker) navigated(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = t.pending[url]
	t.pending = make(map[string]engine.Response)
}

// StatusCode returns the last navigation's status, or 0 if none was recorded.
func (t *ResponseTracker) StatusCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return 0
	}
	return t.last.Status()
}

// Headers returns the last navigation's response headers; empty if none.
func (t *ResponseTracker) Headers() Headers {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := make(Headers)
	if t.last == nil {
		return h
	}
	for k, v := range t.last.Headers() {
		h[strings.ToLower(k)] = v
	}
	return h
}
