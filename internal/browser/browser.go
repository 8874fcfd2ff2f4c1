// Package browser manages a fixed-size pool of headless browser instances
// guarded by a circuit breaker, and the chromedp-backed implementation used in
// production.
package browser

import (
	"context"
	"errors"
)

var (
	// ErrPoolExhausted is returned when no instance became idle before the
	// acquire timeout.
	ErrPoolExhausted = errors.New("browser pool exhausted")
	// ErrCircuitOpen is returned while the breaker rejects acquisitions.
	ErrCircuitOpen = errors.New("browser circuit open")
	// ErrPoolClosed is returned after Close.
	ErrPoolClosed = errors.New("browser pool closed")
)

// Viewport configures the page before content is loaded.
type Viewport struct {
	Width  int
	Height int
	// Scale is the device scale factor.
	Scale float64
	// Transparent clears the default white page background.
	Transparent bool
}

// Capture selects the screenshot region.
type Capture struct {
	// Width and Height clip the capture to the canvas in CSS pixels.
	Width  int
	Height int
	// FullPage captures the whole document instead of the canvas.
	FullPage bool
}

// Page is one browser tab owned by a single render attempt.
type Page interface {
	// SetViewport applies device metrics and background settings.
	SetViewport(ctx context.Context, vp Viewport) error
	// SetContent replaces the document with html.
	SetContent(ctx context.Context, html string) error
	// WaitReady blocks until selector matches an element.
	WaitReady(ctx context.Context, selector string) error
	// Screenshot captures a PNG.
	Screenshot(ctx context.Context, c Capture) ([]byte, error)
	Close() error
}

// Instance is a running browser process.
type Instance interface {
	ID() string
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Launcher starts browser instances.
type Launcher interface {
	Launch(ctx context.Context) (Instance, error)
}

// Outcome reports how a leased instance behaved.
type Outcome int

// Release outcomes.
const (
	Success Outcome = iota
	Failure
)

func (o Outcome) String() string {
	if o == Success {
		return "success"
	}
	return "failure"
}
