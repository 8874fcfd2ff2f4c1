// Package browsertest provides an in-process fake of the browser interfaces
// for tests. The fake produces real PNG bytes sized to the requested viewport
// and can be told to fail or stall.
package browsertest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"
	"time"

	"github.com/JakeFAU/dsl-png-renderer/internal/browser"
)

// ErrInjected is returned by operations failed on purpose.
var ErrInjected = errors.New("browsertest: injected failure")

// Launcher is a controllable browser.Launcher.
type Launcher struct {
	mu           sync.Mutex
	seq          int
	failLaunches int
	failRenders  int
	delay        time.Duration
	renders      int
	lastHTML     string
	instances    []*Instance
	openPages    int
}

// NewLauncher returns a launcher whose instances always succeed.
func NewLauncher() *Launcher {
	return &Launcher{}
}

// FailLaunches makes the next n Launch calls fail.
func (l *Launcher) FailLaunches(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failLaunches = n
}

// FailRenders makes the next n screenshots fail.
func (l *Launcher) FailRenders(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failRenders = n
}

// SetDelay makes every screenshot take d, or until its context ends.
func (l *Launcher) SetDelay(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delay = d
}

// Launched returns how many instances were started successfully.
func (l *Launcher) Launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.instances)
}

// Instances returns every instance started so far.
func (l *Launcher) Instances() []*Instance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Instance(nil), l.instances...)
}

// Renders returns the number of completed screenshots.
func (l *Launcher) Renders() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renders
}

// OpenPages returns pages created and not yet closed.
func (l *Launcher) OpenPages() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openPages
}

// LastHTML returns the most recent content loaded into any page.
func (l *Launcher) LastHTML() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHTML
}

// Launch implements browser.Launcher.
func (l *Launcher) Launch(ctx context.Context) (browser.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failLaunches > 0 {
		l.failLaunches--
		return nil, fmt.Errorf("launch: %w", ErrInjected)
	}
	l.seq++
	inst := &Instance{id: fmt.Sprintf("fake-%d", l.seq), launcher: l}
	l.instances = append(l.instances, inst)
	return inst, nil
}

// Instance is a fake browser.Instance.
type Instance struct {
	id       string
	launcher *Launcher

	mu     sync.Mutex
	closed bool
}

// ID implements browser.Instance.
func (i *Instance) ID() string { return i.id }

// Closed reports whether Close was called.
func (i *Instance) Closed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// NewPage implements browser.Instance.
func (i *Instance) NewPage(ctx context.Context) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if i.Closed() {
		return nil, errors.New("browsertest: instance closed")
	}
	i.launcher.mu.Lock()
	i.launcher.openPages++
	i.launcher.mu.Unlock()
	return &Page{inst: i}, nil
}

// Close implements browser.Instance.
func (i *Instance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	return nil
}

// Page is a fake browser.Page.
type Page struct {
	inst   *Instance
	vp     browser.Viewport
	once   sync.Once
	loaded bool
}

// SetViewport implements browser.Page.
func (p *Page) SetViewport(ctx context.Context, vp browser.Viewport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.vp = vp
	return nil
}

// SetContent implements browser.Page.
func (p *Page) SetContent(ctx context.Context, html string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.loaded = true
	l := p.inst.launcher
	l.mu.Lock()
	l.lastHTML = html
	l.mu.Unlock()
	return nil
}

// WaitReady implements browser.Page.
func (p *Page) WaitReady(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.loaded {
		return errors.New("browsertest: no content loaded")
	}
	return nil
}

// Screenshot implements browser.Page. The image is white, or fully
// transparent when the viewport asked for it.
func (p *Page) Screenshot(ctx context.Context, c browser.Capture) ([]byte, error) {
	l := p.inst.launcher
	l.mu.Lock()
	delay := l.delay
	fail := l.failRenders > 0
	if fail {
		l.failRenders--
	}
	l.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("screenshot: %w", ctx.Err())
		}
	}
	if fail {
		return nil, fmt.Errorf("screenshot: %w", ErrInjected)
	}

	scale := p.vp.Scale
	if scale <= 0 {
		scale = 1
	}
	w := int(math.Round(float64(c.Width) * scale))
	h := int(math.Round(float64(c.Height) * scale))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	fill := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	if p.vp.Transparent {
		fill = color.NRGBA{}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}

	l.mu.Lock()
	l.renders++
	l.mu.Unlock()
	return buf.Bytes(), nil
}

// Close implements browser.Page.
func (p *Page) Close() error {
	p.once.Do(func() {
		l := p.inst.launcher
		l.mu.Lock()
		l.openPages--
		l.mu.Unlock()
	})
	return nil
}
