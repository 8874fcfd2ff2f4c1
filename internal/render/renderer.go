// Package render captures compiled HTML as PNG images using a leased browser
// instance, and derives the content hash that identifies a render.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/dsl-png-renderer/internal/browser"
	"github.com/JakeFAU/dsl-png-renderer/internal/metrics"
)

var (
	// ErrRenderTimeout is returned when a render exceeds its deadline.
	ErrRenderTimeout = errors.New("render timed out")
	// ErrEngineCrash is returned for browser automation failures.
	ErrEngineCrash = errors.New("render engine failure")
)

// readySelector matches once the page completion script has run.
const readySelector = "body[data-render-complete]"

// keyThreshold is the per-channel level above which a pixel is treated as
// background in transparent mode.
const keyThreshold = 240

// Renderer captures pages. It holds no per-render state and never retries.
type Renderer struct {
	logger *zap.Logger
	now    func() time.Time
}

// New builds a Renderer. A nil logger is replaced with a no-op.
func New(logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{logger: logger.Named("renderer"), now: time.Now}
}

// Render loads html into a fresh page of inst and captures it. The page is
// closed before returning. Deadline failures return ErrRenderTimeout, other
// browser failures ErrEngineCrash; cancellation of ctx is returned as the
// context error.
func (r *Renderer) Render(ctx context.Context, html string, opts Options, inst browser.Instance) (*Result, error) {
	if inst == nil {
		return nil, fmt.Errorf("%w: no browser instance", ErrEngineCrash)
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("%w: width and height are required", ErrInvalidOptions)
	}
	scale := opts.DeviceScaleFactor
	if scale <= 0 {
		scale = 1
	}
	timeout := opts.Timeout()
	renderCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timings := make(map[string]int64, 6)
	start := r.now()
	mark := func(stage string, from time.Time) time.Time {
		now := r.now()
		d := now.Sub(from)
		timings[stage+"_ms"] = d.Milliseconds()
		metrics.ObserveStage(stage, d)
		return now
	}

	page, err := inst.NewPage(renderCtx)
	if err != nil {
		return nil, r.fail(ctx, renderCtx, timeout, "open page", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			r.logger.Warn("close page", zap.String("instance_id", inst.ID()), zap.Error(cerr))
		}
	}()
	t := mark("page", start)

	vp := browser.Viewport{Width: opts.Width, Height: opts.Height, Scale: scale, Transparent: opts.TransparentBackground}
	if err := page.SetViewport(renderCtx, vp); err != nil {
		return nil, r.fail(ctx, renderCtx, timeout, "set viewport", err)
	}
	if err := page.SetContent(renderCtx, html); err != nil {
		return nil, r.fail(ctx, renderCtx, timeout, "set content", err)
	}
	t = mark("load", t)
	if opts.WaitForLoad {
		if err := page.WaitReady(renderCtx, readySelector); err != nil {
			return nil, r.fail(ctx, renderCtx, timeout, "wait ready", err)
		}
		t = mark("wait", t)
	}

	shot, err := page.Screenshot(renderCtx, browser.Capture{Width: opts.Width, Height: opts.Height, FullPage: opts.FullPage})
	if err != nil {
		return nil, r.fail(ctx, renderCtx, timeout, "screenshot", err)
	}
	t = mark("screenshot", t)

	if opts.TransparentBackground {
		keyed, kerr := keyBackground(shot)
		if kerr != nil {
			return nil, fmt.Errorf("%w: transparent keying: %w", ErrEngineCrash, kerr)
		}
		shot = keyed
	}
	optimized := false
	if opts.OptimizePNG {
		smaller, ok, oerr := recompress(shot)
		if oerr != nil {
			return nil, fmt.Errorf("%w: optimize png: %w", ErrEngineCrash, oerr)
		}
		shot, optimized = smaller, ok
	}
	t = mark("postprocess", t)

	cfg, err := png.DecodeConfig(bytes.NewReader(shot))
	if err != nil {
		return nil, fmt.Errorf("%w: screenshot is not a png: %w", ErrEngineCrash, err)
	}
	timings["total_ms"] = t.Sub(start).Milliseconds()
	metrics.ObserveRender("success")
	metrics.ObservePNGSize(len(shot))

	return &Result{
		PNG:      shot,
		Width:    cfg.Width,
		Height:   cfg.Height,
		FileSize: len(shot),
		Metadata: Metadata{
			TimingsMS:         timings,
			Optimized:         optimized,
			DeviceScaleFactor: scale,
			Transparent:       opts.TransparentBackground,
			FullPage:          opts.FullPage,
			Generator:         Generator,
			RenderedAt:        r.now().UTC(),
		},
	}, nil
}

// fail classifies a render error.
func (r *Renderer) fail(parent, renderCtx context.Context, timeout time.Duration, op string, err error) error {
	switch {
	case parent.Err() != nil:
		metrics.ObserveRender("canceled")
		return fmt.Errorf("render %s: %w", op, parent.Err())
	case errors.Is(renderCtx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		metrics.ObserveRender("timeout")
		return fmt.Errorf("%w after %s during %s: %v", ErrRenderTimeout, timeout, op, err)
	default:
		metrics.ObserveRender("engine_error")
		return fmt.Errorf("%w: %s: %w", ErrEngineCrash, op, err)
	}
}

// recompress re-encodes with best compression and keeps the smaller of the
// two encodings.
func recompress(in []byte) ([]byte, bool, error) {
	img, err := png.Decode(bytes.NewReader(in))
	if err != nil {
		return nil, false, fmt.Errorf("decode: %w", err)
	}
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, false, fmt.Errorf("encode: %w", err)
	}
	if buf.Len() < len(in) {
		return buf.Bytes(), true, nil
	}
	return in, false, nil
}

// keyBackground makes near-white pixels fully transparent.
func keyBackground(in []byte) ([]byte, error) {
	src, err := png.Decode(bytes.NewReader(in))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	bounds := src.Bounds()
	img := image.NewNRGBA(bounds)
	draw.Draw(img, bounds, src, bounds.Min, draw.Src)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := img.NRGBAAt(x, y)
			if c.R > keyThreshold && c.G > keyThreshold && c.B > keyThreshold {
				img.SetNRGBA(x, y, color.NRGBA{})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}
