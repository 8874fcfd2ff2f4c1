package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  sync_timeout: 45s
auth:
  enabled: true
  api_key: secret
pool:
  size: 3
  breaker_failure_ratio: 0.5
  no_sandbox: true
render:
  timeout_seconds: 20
  device_scale_factor: 2
cache:
  capacity: 32
  ttl: 2h
redis:
  addr: localhost:6379
  db: 2
storage:
  backend: local
  local_dir: /tmp/renders
pubsub:
  project_id: demo
  notification_topic: render-done
  job_topic: render-jobs
  job_subscription: render-workers
events:
  heartbeat_interval: 15s
jobs:
  workers: 4
  max_retries: 3
dsl:
  max_depth: 10
  strict: true
rate_limit:
  rps: 2.5
  burst: 5
logging:
  development: false
  level: debug
telemetry:
  project_id: demo
  sample_ratio: 1
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.SyncTimeout != 45*time.Second {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if cfg.APIKey() != "secret" {
		t.Fatalf("expected api key secret, got %q", cfg.APIKey())
	}
	if cfg.Pool.Size != 3 || cfg.Pool.BreakerFailureRatio != 0.5 || !cfg.Pool.NoSandbox {
		t.Fatalf("expected pool overrides, got %+v", cfg.Pool)
	}
	if cfg.Pool.MaxFailures != 3 {
		t.Fatalf("expected default max failures, got %d", cfg.Pool.MaxFailures)
	}
	if cfg.Render.TimeoutSeconds != 20 || cfg.Render.DeviceScaleFactor != 2 {
		t.Fatalf("expected render overrides, got %+v", cfg.Render)
	}
	if cfg.Cache.Capacity != 32 || cfg.Cache.TTL != 2*time.Hour {
		t.Fatalf("expected cache overrides, got %+v", cfg.Cache)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.DB != 2 {
		t.Fatalf("expected redis overrides, got %+v", cfg.Redis)
	}
	if cfg.Storage.Backend != "local" || cfg.Storage.LocalDir != "/tmp/renders" {
		t.Fatalf("expected storage overrides, got %+v", cfg.Storage)
	}
	if cfg.PubSub.JobSubscription != "render-workers" {
		t.Fatalf("expected pubsub overrides, got %+v", cfg.PubSub)
	}
	if cfg.Events.HeartbeatInterval != 15*time.Second || cfg.Events.QueueSize != 64 {
		t.Fatalf("expected events overrides, got %+v", cfg.Events)
	}
	if cfg.Jobs.Workers != 4 || cfg.Jobs.MaxRetries != 3 {
		t.Fatalf("expected jobs overrides, got %+v", cfg.Jobs)
	}
	if cfg.DSL.MaxDepth != 10 || !cfg.DSL.Strict {
		t.Fatalf("expected dsl overrides, got %+v", cfg.DSL)
	}
	if cfg.RateLimit.RPS != 2.5 || cfg.RateLimit.Burst != 5 {
		t.Fatalf("expected rate limit overrides, got %+v", cfg.RateLimit)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
	if cfg.Telemetry.SampleRatio != 1 || cfg.Telemetry.ServiceName != "dsl-png-renderer" {
		t.Fatalf("expected telemetry overrides, got %+v", cfg.Telemetry)
	}
	if cfg.Addr() != ":9090" {
		t.Fatalf("expected addr :9090, got %s", cfg.Addr())
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Pool.Size != 5 || cfg.Pool.AcquireTimeout != 30*time.Second {
		t.Fatalf("unexpected pool defaults: %+v", cfg.Pool)
	}
	if cfg.Storage.Backend != "none" {
		t.Fatalf("expected no durable storage by default, got %q", cfg.Storage.Backend)
	}
	if cfg.APIKey() != "" {
		t.Fatal("expected auth to be disabled by default")
	}
	if cfg.Jobs.RetryBaseDelay != 250*time.Millisecond || cfg.Jobs.RetryMaxDelay != 5*time.Second {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Jobs)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DSLPNG_SERVER_PORT", "7070")
	t.Setenv("DSLPNG_POOL_SIZE", "2")
	t.Setenv("DSLPNG_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 || cfg.Pool.Size != 2 || cfg.Logging.Level != "warn" {
		t.Fatalf("expected env overrides, got port=%d size=%d level=%s", cfg.Server.Port, cfg.Pool.Size, cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "Port"},
		{"empty pool", func(c *Config) { c.Pool.Size = 0 }, "Size"},
		{"bad ratio", func(c *Config) { c.Pool.BreakerFailureRatio = 1.5 }, "BreakerFailureRatio"},
		{"bad scale", func(c *Config) { c.Render.DeviceScaleFactor = 5 }, "DeviceScaleFactor"},
		{"retry window", func(c *Config) { c.Jobs.RetryMaxDelay = time.Millisecond }, "RetryMaxDelay"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "s3" }, "Backend"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "Level"},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"local without dir", func(c *Config) { c.Storage.Backend = "local" }, "storage.local_dir"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.gcs_bucket"},
		{"topic without project", func(c *Config) { c.PubSub.NotificationTopic = "done" }, "pubsub.project_id"},
		{"queue half set", func(c *Config) {
			c.PubSub.ProjectID = "demo"
			c.PubSub.JobTopic = "jobs"
		}, "pubsub.job_subscription"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}

	if err := base.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
