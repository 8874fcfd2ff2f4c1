package render

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/dsl-png-renderer/internal/dsl"
	"github.com/JakeFAU/dsl-png-renderer/internal/hash/sha256"
)

var hasher = sha256.New()

// hashedOptions is the subset of Options that changes the produced image.
// Timeouts and load waiting only affect whether a render succeeds.
type hashedOptions struct {
	Width                 int     `json:"width"`
	Height                int     `json:"height"`
	DeviceScaleFactor     float64 `json:"device_scale_factor"`
	OptimizePNG           bool    `json:"optimize_png"`
	TransparentBackground bool    `json:"transparent_background"`
	BackgroundColor       string  `json:"background_color"`
	FullPage              bool    `json:"full_page"`
}

// ContentHash identifies a render by its inputs: the canonical JSON of the
// document followed by the canonical JSON of the normalized options.
func ContentHash(doc *dsl.Document, opts Options) (string, error) {
	if doc == nil {
		return "", errors.New("content hash: document is required")
	}
	opts = opts.Normalize(doc)
	if opts.TransparentBackground {
		// The page background is cleared, so the colour cannot show.
		opts.BackgroundColor = ""
	}
	sum, err := hasher.HashJSON(doc, hashedOptions{
		Width:                 opts.Width,
		Height:                opts.Height,
		DeviceScaleFactor:     opts.DeviceScaleFactor,
		OptimizePNG:           opts.OptimizePNG,
		TransparentBackground: opts.TransparentBackground,
		BackgroundColor:       opts.BackgroundColor,
		FullPage:              opts.FullPage,
	})
	if err != nil {
		return "", fmt.Errorf("content hash: %w", err)
	}
	return sum, nil
}
