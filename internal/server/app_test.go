package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/dsl-png-renderer/internal/browser/browsertest"
	"github.com/JakeFAU/dsl-png-renderer/internal/config"
	"github.com/JakeFAU/dsl-png-renderer/internal/jobs"
	"github.com/JakeFAU/dsl-png-renderer/internal/render"
)

const buttonDoc = `{"width":400,"height":200,"elements":[{"type":"button","layout":{"x":150,"y":80,"width":100,"height":40},"label":"Click Me!"}]}`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Pool.Size = 1
	cfg.Pool.LaunchRetryDelay = 5 * time.Millisecond
	cfg.Jobs.Workers = 1
	cfg.RateLimit.RPS = 0
	cfg.Storage.Backend = "local"
	cfg.Storage.LocalDir = t.TempDir()
	return cfg
}

func startApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	app, err := Build(context.Background(), cfg, Options{
		Version:  "test",
		Logger:   zap.NewNop(),
		Launcher: browsertest.NewLauncher(),
	})
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, app.Close(ctx))
	})
	return app
}

func TestBuildServesRenders(t *testing.T) {
	app := startApp(t, testConfig(t))
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	body, err := json.Marshal(map[string]any{"dsl_content": buttonDoc})
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/api/v1/render", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Success   bool `json:"success"`
		PNGResult struct {
			Base64Data  string `json:"base64_data"`
			ContentHash string `json:"content_hash"`
		} `json:"png_result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.Success)

	raw, err := base64.StdEncoding.DecodeString(out.PNGResult.Base64Data)
	require.NoError(t, err)
	_, err = png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)

	health, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestAppRunsAsyncJobs(t *testing.T) {
	app := startApp(t, testConfig(t))

	sub, err := app.Jobs().Submit(context.Background(), []byte(buttonDoc), render.DefaultOptions(), jobs.ModeAsync)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := app.Jobs().GetStatus(context.Background(), sub.JobID)
		return err == nil && job.Status == jobs.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBuildFailsOnUnusableStorage(t *testing.T) {
	cfg := testConfig(t)
	file := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	cfg.Storage.LocalDir = file

	_, err := Build(context.Background(), cfg, Options{
		Logger:   zap.NewNop(),
		Launcher: browsertest.NewLauncher(),
	})
	require.ErrorContains(t, err, "local blob store init failed")
}

func TestCloseWithoutStart(t *testing.T) {
	app, err := Build(context.Background(), testConfig(t), Options{
		Logger:   zap.NewNop(),
		Launcher: browsertest.NewLauncher(),
	})
	require.NoError(t, err)
	require.NoError(t, app.Close(context.Background()))
	require.NoError(t, app.Close(context.Background()))
}

func TestRenderDefaults(t *testing.T) {
	t.Parallel()

	opts := RenderDefaults(config.RenderConfig{
		TimeoutSeconds:    12,
		DeviceScaleFactor: 2,
		OptimizePNG:       false,
		WaitForLoad:       true,
	})
	assert.Equal(t, 12, opts.TimeoutSeconds)
	assert.Equal(t, 2.0, opts.DeviceScaleFactor)
	assert.False(t, opts.OptimizePNG)
	assert.True(t, opts.WaitForLoad)
	require.NoError(t, opts.Validate())

	zero := RenderDefaults(config.RenderConfig{})
	assert.Equal(t, render.DefaultOptions().TimeoutSeconds, zero.TimeoutSeconds)
}
