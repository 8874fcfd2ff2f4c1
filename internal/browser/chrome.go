package browser

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

// ChromeConfig controls how Chrome processes are started.
type ChromeConfig struct {
	// ExecPath overrides the Chrome binary lookup.
	ExecPath      string
	UserAgent     string
	NoSandbox     bool
	LaunchTimeout time.Duration
}

// ChromeLauncher starts one headless Chrome process per instance using
// chromedp.
type ChromeLauncher struct {
	cfg    ChromeConfig
	logger *zap.Logger
}

// NewChromeLauncher builds a launcher. A nil logger is replaced with a no-op.
func NewChromeLauncher(cfg ChromeConfig, logger *zap.Logger) *ChromeLauncher {
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromeLauncher{cfg: cfg, logger: logger.Named("chrome")}
}

func (l *ChromeLauncher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("font-render-hinting", "none"),
	)
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	if l.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	return opts
}

// Launch starts a browser process and waits for it to accept commands.
// The process lives until Close; ctx only bounds the start-up.
func (l *ChromeLauncher) Launch(ctx context.Context) (Instance, error) {
	id, err := gonanoid.New(12)
	if err != nil {
		return nil, fmt.Errorf("generate instance id: %w", err)
	}
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	warmCtx, warmCancel := context.WithTimeout(ctx, l.cfg.LaunchTimeout)
	defer warmCancel()
	stop := forwardCancel(warmCtx, browserCancel)
	err = chromedp.Run(browserCtx)
	stop()
	if err != nil {
		browserCancel()
		allocatorCancel()
		if ctxErr := warmCtx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("chromedp warmup: %w", ctxErr)
		}
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	l.logger.Debug("browser launched", zap.String("instance_id", id))
	return &chromeInstance{
		id:              id,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		allocatorCancel: allocatorCancel,
	}, nil
}

type chromeInstance struct {
	id              string
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
}

func (i *chromeInstance) ID() string { return i.id }

// NewPage opens a tab in the instance.
func (i *chromeInstance) NewPage(ctx context.Context) (Page, error) {
	if err := i.browserCtx.Err(); err != nil {
		return nil, fmt.Errorf("browser %s gone: %w", i.id, err)
	}
	tabCtx, cancelTab := chromedp.NewContext(i.browserCtx)
	p := &chromePage{tabCtx: tabCtx, cancel: cancelTab}
	// The first Run attaches the target.
	if err := p.run(ctx, "open tab"); err != nil {
		cancelTab()
		return nil, err
	}
	return p, nil
}

// Close tears down the browser and allocator contexts.
func (i *chromeInstance) Close() error {
	i.browserCancel()
	i.allocatorCancel()
	return nil
}

type chromePage struct {
	tabCtx context.Context
	cancel context.CancelFunc
}

// run executes actions on the tab bounded by ctx's deadline and
// cancellation. The tab itself survives a timed-out run.
func (p *chromePage) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if deadline, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(p.tabCtx, deadline)
	} else {
		runCtx, cancel = context.WithCancel(p.tabCtx)
	}
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (p *chromePage) SetViewport(ctx context.Context, vp Viewport) error {
	scale := vp.Scale
	if scale <= 0 {
		scale = 1
	}
	actions := []chromedp.Action{
		emulation.SetDeviceMetricsOverride(int64(vp.Width), int64(vp.Height), scale, false),
	}
	if vp.Transparent {
		actions = append(actions,
			emulation.SetDefaultBackgroundColorOverride().WithColor(&cdp.RGBA{R: 0, G: 0, B: 0, A: 0}))
	}
	return p.run(ctx, "set viewport", actions...)
}

func (p *chromePage) SetContent(ctx context.Context, html string) error {
	return p.run(ctx, "set content", chromedp.ActionFunc(func(ctx context.Context) error {
		tree, err := page.GetFrameTree().Do(ctx)
		if err != nil {
			return fmt.Errorf("frame tree: %w", err)
		}
		return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
	}))
}

func (p *chromePage) WaitReady(ctx context.Context, selector string) error {
	return p.run(ctx, "wait ready", chromedp.WaitReady(selector, chromedp.ByQuery))
}

func (p *chromePage) Screenshot(ctx context.Context, c Capture) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, "screenshot", chromedp.ActionFunc(func(ctx context.Context) error {
		clip := &page.Viewport{Width: float64(c.Width), Height: float64(c.Height), Scale: 1}
		if c.FullPage {
			_, _, _, _, _, content, err := page.GetLayoutMetrics().Do(ctx)
			if err != nil {
				return fmt.Errorf("layout metrics: %w", err)
			}
			clip.Width = math.Max(clip.Width, math.Ceil(content.Width))
			clip.Height = math.Max(clip.Height, math.Ceil(content.Height))
		}
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithClip(clip).
			WithCaptureBeyondViewport(c.FullPage).
			Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Close closes the tab.
func (p *chromePage) Close() error {
	p.cancel()
	return nil
}

// forwardCancel cancels cancel when parent is done, until the returned stop
// function is called.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
