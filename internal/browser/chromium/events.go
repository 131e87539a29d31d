// internal/browser/chromium/events.go
package chromium

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/network"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
)

var errDownloadCanceled = errors.New("download canceled by the browser")

// -- Dialogs --

// dialog answers at most once; later calls are ignored.
type dialog struct {
	page         *Page
	typ          engine.DialogType
	message      string
	defaultValue string
	once         sync.Once
}

func (d *dialog) Type() engine.DialogType { return d.typ }
func (d *dialog) Message() string         { return d.message }
func (d *dialog) DefaultValue() string    { return d.defaultValue }

func (d *dialog) Accept(promptText string) {
	d.once.Do(func() { go d.page.handleDialog(d.typ, true, promptText) })
}

func (d *dialog) Dismiss() {
	d.once.Do(func() { go d.page.handleDialog(d.typ, false, "") })
}

// dialogAnswer is the Page.handleJavaScriptDialog request. The generated
// params drop an empty prompt text, which Chrome then reads as "keep the
// default", so the answer is sent through this type instead.
type dialogAnswer struct {
	Accept     bool    `json:"accept"`
	PromptText *string `json:"promptText,omitzero"`
}

func newDialogAnswer(typ engine.DialogType, accept bool, promptText string) *dialogAnswer {
	a := &dialogAnswer{Accept: accept}
	if accept && typ == engine.DialogPrompt {
		a.PromptText = &promptText
	}
	return a
}

// -- Responses --

type response struct {
	url     string
	status  int
	headers map[string]string
}

func newResponse(r *network.Response) *response {
	headers := make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		headers[strings.ToLower(k)] = fmt.Sprint(v)
	}
	return &response{url: r.URL, status: int(r.Status), headers: headers}
}

func (r *response) URL() string                { return r.url }
func (r *response) Status() int                { return r.status }
func (r *response) Headers() map[string]string { return r.headers }

// -- Downloads --

// download is saved by Chrome under its GUID in the browser's download
// directory; Open waits for the browser to report completion.
type download struct {
	browser   *Browser
	guid      string
	url       string
	suggested string

	done chan struct{}
	once sync.Once
	err  error
}

func newDownload(b *Browser, guid, url, suggested string) *download {
	return &download{browser: b, guid: guid, url: url, suggested: suggested, done: make(chan struct{})}
}

func (d *download) URL() string               { return d.url }
func (d *download) SuggestedFilename() string { return d.suggested }

func (d *download) finish(err error) {
	d.once.Do(func() {
		d.err = err
		close(d.done)
	})
}

func (d *download) Open(ctx context.Context) (io.ReadCloser, error) {
	select {
	case <-d.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if d.err != nil {
		return nil, d.err
	}
	f, err := os.Open(filepath.Join(d.browser.downloadDir, d.guid))
	if err != nil {
		return nil, fmt.Errorf("downloaded file missing: %w", err)
	}
	return f, nil
}

var (
	_ engine.Dialog   = (*dialog)(nil)
	_ engine.Response = (*response)(nil)
	_ engine.Download = (*download)(nil)
)
