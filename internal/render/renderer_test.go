package render

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dsl-png-renderer/internal/browser"
	"github.com/JakeFAU/dsl-png-renderer/internal/browser/browsertest"
)

func launch(t *testing.T) (*browsertest.Launcher, browser.Instance) {
	t.Helper()
	l := browsertest.NewLauncher()
	inst, err := l.Launch(context.Background())
	require.NoError(t, err)
	return l, inst
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Width = 200
	opts.Height = 100
	return opts
}

func TestRenderProducesPNG(t *testing.T) {
	t.Parallel()

	l, inst := launch(t)
	res, err := New(nil).Render(context.Background(), "<html>hi</html>", testOptions(), inst)
	require.NoError(t, err)
	require.Equal(t, 200, res.Width)
	require.Equal(t, 100, res.Height)
	require.Equal(t, len(res.PNG), res.FileSize)
	require.Equal(t, Generator, res.Metadata.Generator)
	require.Equal(t, 1.0, res.Metadata.DeviceScaleFactor)
	require.Contains(t, res.Metadata.TimingsMS, "total_ms")
	require.Contains(t, res.Metadata.TimingsMS, "wait_ms")
	require.Equal(t, "<html>hi</html>", l.LastHTML())
	require.Zero(t, l.OpenPages())

	_, err = png.Decode(bytes.NewReader(res.PNG))
	require.NoError(t, err)
}

func TestRenderAppliesDeviceScale(t *testing.T) {
	t.Parallel()

	_, inst := launch(t)
	opts := testOptions()
	opts.DeviceScaleFactor = 2
	opts.WaitForLoad = false
	res, err := New(nil).Render(context.Background(), "<html></html>", opts, inst)
	require.NoError(t, err)
	require.Equal(t, 400, res.Width)
	require.Equal(t, 200, res.Height)
	require.NotContains(t, res.Metadata.TimingsMS, "wait_ms")
}

func TestRenderEngineFailureClosesPage(t *testing.T) {
	t.Parallel()

	l, inst := launch(t)
	l.FailRenders(1)
	_, err := New(nil).Render(context.Background(), "<html></html>", testOptions(), inst)
	require.ErrorIs(t, err, ErrEngineCrash)
	require.ErrorIs(t, err, browsertest.ErrInjected)
	require.NotErrorIs(t, err, ErrRenderTimeout)
	require.Zero(t, l.OpenPages())
}

func TestRenderTimeout(t *testing.T) {
	t.Parallel()

	l, inst := launch(t)
	l.SetDelay(5 * time.Second)
	opts := testOptions()
	opts.TimeoutSeconds = 1

	start := time.Now()
	_, err := New(nil).Render(context.Background(), "<html></html>", opts, inst)
	require.ErrorIs(t, err, ErrRenderTimeout)
	require.Less(t, time.Since(start), 4*time.Second)
	require.Zero(t, l.OpenPages())
}

func TestRenderParentCancellation(t *testing.T) {
	t.Parallel()

	l, inst := launch(t)
	l.SetDelay(5 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := New(nil).Render(ctx, "<html></html>", testOptions(), inst)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, errors.Is(err, ErrRenderTimeout))
	require.False(t, errors.Is(err, ErrEngineCrash))
	require.Zero(t, l.OpenPages())
}

func TestRenderTransparentBackground(t *testing.T) {
	t.Parallel()

	_, inst := launch(t)
	opts := testOptions()
	opts.TransparentBackground = true
	res, err := New(nil).Render(context.Background(), "<html></html>", opts, inst)
	require.NoError(t, err)
	require.True(t, res.Metadata.Transparent)

	img, err := png.Decode(bytes.NewReader(res.PNG))
	require.NoError(t, err)
	_, _, _, a := img.At(10, 10).RGBA()
	require.Zero(t, a)
}

func TestKeyBackgroundMakesWhiteTransparent(t *testing.T) {
	t.Parallel()

	_, inst := launch(t)
	page, err := inst.NewPage(context.Background())
	require.NoError(t, err)
	require.NoError(t, page.SetViewport(context.Background(), browser.Viewport{Width: 10, Height: 10}))
	white, err := page.Screenshot(context.Background(), browser.Capture{Width: 10, Height: 10})
	require.NoError(t, err)
	require.NoError(t, page.Close())

	keyed, err := keyBackground(white)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(keyed))
	require.NoError(t, err)
	_, _, _, a := img.At(5, 5).RGBA()
	require.Zero(t, a)

	_, err = keyBackground([]byte("not a png"))
	require.Error(t, err)
}

func TestRenderRejectsMissingInputs(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Render(context.Background(), "", testOptions(), nil)
	require.ErrorIs(t, err, ErrEngineCrash)

	_, inst := launch(t)
	_, err = New(nil).Render(context.Background(), "", DefaultOptions(), inst)
	require.ErrorIs(t, err, ErrInvalidOptions)
}
