package render

import "time"

// Generator names the producer recorded in result metadata.
const Generator = "dsl-png-renderer/chromedp"

// Result is a captured image plus its provenance.
type Result struct {
	PNG         []byte   `json:"-"`
	ContentHash string   `json:"content_hash"`
	Width       int      `json:"width"`
	Height      int      `json:"height"`
	FileSize    int      `json:"file_size"`
	Metadata    Metadata `json:"metadata"`
	BlobURI     string   `json:"blob_uri,omitempty"`
	FromCache   bool     `json:"from_cache"`
}

// Metadata records how an image was produced.
type Metadata struct {
	// TimingsMS holds per-stage durations in milliseconds.
	TimingsMS         map[string]int64 `json:"timings_ms"`
	Optimized         bool             `json:"optimized"`
	DeviceScaleFactor float64          `json:"device_scale_factor"`
	Transparent       bool             `json:"transparent"`
	FullPage          bool             `json:"full_page"`
	Generator         string           `json:"generator"`
	RenderedAt        time.Time        `json:"rendered_at"`
}

// Clone returns a copy safe to mutate. The PNG bytes are shared.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	if r.Metadata.TimingsMS != nil {
		out.Metadata.TimingsMS = make(map[string]int64, len(r.Metadata.TimingsMS))
		for k, v := range r.Metadata.TimingsMS {
			out.Metadata.TimingsMS[k] = v
		}
	}
	return &out
}
