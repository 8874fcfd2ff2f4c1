package cmd

import (
	"bytes"
	"context"
	"image/png"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/dsl-png-renderer/internal/browser/browsertest"
	"github.com/JakeFAU/dsl-png-renderer/internal/config"
	"github.com/JakeFAU/dsl-png-renderer/internal/server"
)

const buttonDoc = `{"width":400,"height":200,"elements":[{"type":"button","layout":{"x":150,"y":80,"width":100,"height":40},"label":"Click Me!"}]}`

// useFakeBrowsers swaps the app factory for one backed by in-process fake
// browsers. Tests using it must not run in parallel.
func useFakeBrowsers(t *testing.T) {
	t.Helper()
	orig := newApp
	newApp = func(ctx context.Context, cfg config.Config, opts server.Options) (*server.App, error) {
		opts.Logger = zap.NewNop()
		opts.Launcher = browsertest.NewLauncher()
		cfg.Pool.LaunchRetryDelay = 5 * time.Millisecond
		return server.Build(ctx, cfg, opts)
	}
	t.Cleanup(func() { newApp = orig })
}

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func writeDoc(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestValidateCommand(t *testing.T) {
	path := writeDoc(t, "doc.json", buttonDoc)

	out, _, err := execute(t, "", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"valid": true`)
}

func TestValidateCommandReadsStdin(t *testing.T) {
	yamlDoc := "width: 400\nheight: 200\nelements:\n  - type: text\n    text: hello\n"

	out, _, err := execute(t, yamlDoc, "validate", "-")
	require.NoError(t, err)
	assert.Contains(t, out, `"valid": true`)
}

func TestValidateCommandRejectsInvalid(t *testing.T) {
	path := writeDoc(t, "bad.json", `{"width":400,"height":200,"elements":[{"type":"nope"}]}`)

	out, _, err := execute(t, "", "validate", path)
	require.ErrorIs(t, err, errInvalidDocument)
	assert.Contains(t, out, `"valid": false`)
}

func TestValidateCommandMissingFile(t *testing.T) {
	_, _, err := execute(t, "", "validate", filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestRootRejectsMissingConfig(t *testing.T) {
	_, _, err := execute(t, "", "--config", filepath.Join(t.TempDir(), "nope.yaml"), "validate", "-")
	require.ErrorContains(t, err, "load config")
}

func TestRenderCommandWritesPNG(t *testing.T) {
	useFakeBrowsers(t)
	path := writeDoc(t, "doc.json", buttonDoc)
	out := filepath.Join(t.TempDir(), "out.png")

	_, stderr, err := execute(t, "", "render", path, "-o", out, "--options", `{"optimize_png":false}`)
	require.NoError(t, err)
	assert.Contains(t, stderr, "rendered 400x200")

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 400, img.Bounds().Dx())
}

func TestRenderCommandRejectsBadOptions(t *testing.T) {
	useFakeBrowsers(t)
	path := writeDoc(t, "doc.json", buttonDoc)

	_, _, err := execute(t, "", "render", path, "--options", `{"timeout_seconds":"soon"}`)
	require.Error(t, err)
}

func TestServeCommandStopsOnCancel(t *testing.T) {
	useFakeBrowsers(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	root := newRootCmd()
	root.SetArgs([]string{"serve", "--port", strconv.Itoa(port)})
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}
