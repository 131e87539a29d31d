// internal/browser/chromium/capture.go
package chromium

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	cdpio "github.com/chromedp/cdproto/io"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/tracing"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
)

const (
	screencastQuality = 70
	ackTimeout        = 5 * time.Second
	traceReadChunk    = 1 << 20
)

// -- Screencast --

func (p *Page) StartScreencast(ctx context.Context, onFrame func(engine.ScreencastFrame)) error {
	p.captureMu.Lock()
	p.onFrame = onFrame
	p.captureMu.Unlock()

	err := p.run(ctx, page.StartScreencast().
		WithFormat(page.ScreencastFormatJpeg).
		WithQuality(screencastQuality))
	if err != nil {
		p.captureMu.Lock()
		p.onFrame = nil
		p.captureMu.Unlock()
		return fmt.Errorf("failed to start screencast: %w", err)
	}
	return nil
}

func (p *Page) StopScreencast(ctx context.Context) error {
	p.captureMu.Lock()
	p.onFrame = nil
	p.captureMu.Unlock()
	if p.IsClosed() {
		return nil
	}
	return p.run(ctx, page.StopScreencast())
}

func (p *Page) onScreencastFrame(e *page.EventScreencastFrame) {
	// Chrome holds the next frame until this one is acknowledged.
	go p.ackScreencastFrame(e.SessionID)

	p.captureMu.Lock()
	fn := p.onFrame
	p.captureMu.Unlock()
	if fn == nil {
		return
	}
	frame, err := decodeScreencastFrame(e)
	if err != nil {
		p.logger.Debug("Dropping screencast frame.", zap.Error(err))
		return
	}
	fn(frame)
}

func (p *Page) ackScreencastFrame(sessionID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if err := p.run(ctx, page.ScreencastFrameAck(sessionID)); err != nil && !p.IsClosed() {
		p.logger.Debug("Failed to acknowledge screencast frame.", zap.Error(err))
	}
}

func decodeScreencastFrame(e *page.EventScreencastFrame) (engine.ScreencastFrame, error) {
	data, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return engine.ScreencastFrame{}, fmt.Errorf("invalid frame data: %w", err)
	}
	frame := engine.ScreencastFrame{Data: data, Timestamp: time.Now()}
	if e.Metadata != nil && e.Metadata.Timestamp != nil {
		frame.Timestamp = e.Metadata.Timestamp.Time()
	}
	return frame, nil
}

// -- Tracing --

// traceConfig splits categories the way Chrome's trace viewer writes them:
// a leading '-' excludes the category.
func traceConfig(categories []string) *tracing.TraceConfig {
	cfg := &tracing.TraceConfig{}
	for _, c := range categories {
		if excluded, ok := strings.CutPrefix(c, "-"); ok {
			cfg.ExcludedCategories = append(cfg.ExcludedCategories, excluded)
			continue
		}
		cfg.IncludedCategories = append(cfg.IncludedCategories, c)
	}
	return cfg
}

func (p *Page) StartTracing(ctx context.Context, categories []string) error {
	p.captureMu.Lock()
	if p.tracing {
		p.captureMu.Unlock()
		return engine.ErrTracingStarted
	}
	p.tracing = true
	p.traceDone = make(chan *tracing.EventTracingComplete, 1)
	p.captureMu.Unlock()

	err := p.run(ctx, tracing.Start().
		WithTransferMode(tracing.TransferModeReturnAsStream).
		WithStreamFormat(tracing.StreamFormatJSON).
		WithStreamCompression(tracing.StreamCompressionNone).
		WithTraceConfig(traceConfig(categories)))
	if err != nil {
		p.captureMu.Lock()
		p.tracing = false
		p.traceDone = nil
		p.captureMu.Unlock()
		return fmt.Errorf("failed to start tracing: %w", err)
	}
	return nil
}

func (p *Page) onTracingComplete(e *tracing.EventTracingComplete) {
	p.captureMu.Lock()
	done := p.traceDone
	p.traceDone = nil
	p.captureMu.Unlock()
	if done != nil {
		done <- e
	}
}

// StopTracing ends the trace and reads it back from the stream Chrome
// saved it to.
func (p *Page) StopTracing(ctx context.Context) ([]byte, error) {
	p.captureMu.Lock()
	if !p.tracing {
		p.captureMu.Unlock()
		return nil, engine.ErrTracingNotStarted
	}
	p.tracing = false
	done := p.traceDone
	p.captureMu.Unlock()

	if err := p.run(ctx, tracing.End()); err != nil {
		return nil, fmt.Errorf("failed to stop tracing: %w", err)
	}

	var complete *tracing.EventTracingComplete
	select {
	case complete = <-done:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for trace: %w", ctx.Err())
	}
	if complete.DataLossOccurred {
		p.logger.Warn("Trace buffer overflowed; some events were lost.")
	}
	if complete.Stream == "" {
		return nil, errors.New("browser returned no trace stream")
	}

	var buf bytes.Buffer
	err := p.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		defer func() { _ = cdpio.Close(complete.Stream).Do(c) }()
		for {
			data, eof, err := cdpio.Read(complete.Stream).WithSize(traceReadChunk).Do(c)
			if err != nil {
				return err
			}
			buf.WriteString(data)
			if eof {
				return nil
			}
		}
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}
	return buf.Bytes(), nil
}
