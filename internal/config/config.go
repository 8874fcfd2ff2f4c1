// Package config loads and validates renderer configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// DSLPNG_POOL_SIZE=8.
const EnvPrefix = "DSLPNG"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Render    RenderConfig    `mapstructure:"render"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Events    EventsConfig    `mapstructure:"events"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	DSL       DSLConfig       `mapstructure:"dsl"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior. WriteTimeout stays zero by
// default so event streams are not cut off.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	SyncTimeout     time.Duration `mapstructure:"sync_timeout" validate:"gt=0"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" validate:"gt=0"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// PoolConfig sizes the browser pool and its circuit breaker.
type PoolConfig struct {
	Size                int           `mapstructure:"size" validate:"min=1,max=64"`
	MaxFailures         int           `mapstructure:"max_failures" validate:"min=1"`
	MaxUses             int           `mapstructure:"max_uses" validate:"min=1"`
	MaxIdleAge          time.Duration `mapstructure:"max_idle_age" validate:"gt=0"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	AcquireTimeout      time.Duration `mapstructure:"acquire_timeout" validate:"gt=0"`
	LaunchRetryDelay    time.Duration `mapstructure:"launch_retry_delay" validate:"gt=0"`
	BreakerWindow       time.Duration `mapstructure:"breaker_window" validate:"gt=0"`
	BreakerCooldown     time.Duration `mapstructure:"breaker_cooldown" validate:"gt=0"`
	BreakerFailureRatio float64       `mapstructure:"breaker_failure_ratio" validate:"gt=0,lte=1"`
	BreakerMinRequests  uint32        `mapstructure:"breaker_min_requests" validate:"min=1"`
	ChromePath          string        `mapstructure:"chrome_path"`
	UserAgent           string        `mapstructure:"user_agent"`
	NoSandbox           bool          `mapstructure:"no_sandbox"`
	LaunchTimeout       time.Duration `mapstructure:"launch_timeout" validate:"gt=0"`
}

// RenderConfig holds the defaults applied to options a request leaves out.
type RenderConfig struct {
	TimeoutSeconds    int     `mapstructure:"timeout_seconds" validate:"min=1,max=300"`
	DeviceScaleFactor float64 `mapstructure:"device_scale_factor" validate:"gte=0.5,lte=3"`
	OptimizePNG       bool    `mapstructure:"optimize_png"`
	WaitForLoad       bool    `mapstructure:"wait_for_load"`
}

// CacheConfig sizes the in-memory tier and sets result lifetime.
type CacheConfig struct {
	Capacity      int           `mapstructure:"capacity" validate:"min=1"`
	TTL           time.Duration `mapstructure:"ttl" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	Prefix        string        `mapstructure:"prefix"`
}

// RedisConfig enables the shared cache tier when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// StorageConfig selects the durable blob backend.
type StorageConfig struct {
	// Backend is one of none, memory, local or gcs.
	Backend   string `mapstructure:"backend" validate:"oneof=none memory local gcs"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig switches job records to Postgres when DSN is set.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns" validate:"gte=0"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" validate:"gte=0"`
}

// PubSubConfig holds Pub/Sub topics for notifications and the shared job
// queue. Empty names disable the feature.
type PubSubConfig struct {
	ProjectID         string `mapstructure:"project_id"`
	NotificationTopic string `mapstructure:"notification_topic"`
	JobTopic          string `mapstructure:"job_topic"`
	JobSubscription   string `mapstructure:"job_subscription"`
}

// EventsConfig tunes live event streams and sink batching.
type EventsConfig struct {
	QueueSize         int           `mapstructure:"queue_size" validate:"min=1"`
	MaxSubscribers    int           `mapstructure:"max_subscribers" validate:"min=1"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	Retention         time.Duration `mapstructure:"retention" validate:"gt=0"`
	RetryHint         time.Duration `mapstructure:"retry_hint" validate:"gt=0"`
	BufferSize        int           `mapstructure:"buffer_size" validate:"min=1"`
	MaxBatchEvents    int           `mapstructure:"max_batch_events" validate:"min=1"`
	MaxBatchWait      time.Duration `mapstructure:"max_batch_wait" validate:"gt=0"`
}

// JobsConfig controls workers, retries and job retention.
type JobsConfig struct {
	Workers        int           `mapstructure:"workers" validate:"gte=0"`
	QueueCapacity  int           `mapstructure:"queue_capacity" validate:"min=1"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" validate:"gt=0"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay" validate:"gtefield=RetryBaseDelay"`
	TTL            time.Duration `mapstructure:"ttl" validate:"gt=0"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout" validate:"gt=0"`
}

// DSLConfig bounds validation cost.
type DSLConfig struct {
	MaxDepth    int  `mapstructure:"max_depth" validate:"min=1"`
	MaxElements int  `mapstructure:"max_elements" validate:"min=1"`
	Strict      bool `mapstructure:"strict"`
}

// RateLimitConfig sets the per-client request budget. RPS of zero disables
// limiting.
type RateLimitConfig struct {
	RPS     float64       `mapstructure:"rps" validate:"gte=0"`
	Burst   int           `mapstructure:"burst" validate:"gte=0"`
	IdleTTL time.Duration `mapstructure:"idle_ttl" validate:"gte=0"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// TelemetryConfig controls tracing. Spans are exported to Cloud Trace only
// when ProjectID is set.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name" validate:"required"`
	ProjectID   string  `mapstructure:"project_id"`
	Region      string  `mapstructure:"region"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.shutdown_timeout", "20s")
	v.SetDefault("server.sync_timeout", "60s")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("pool.size", 5)
	v.SetDefault("pool.max_failures", 3)
	v.SetDefault("pool.max_uses", 100)
	v.SetDefault("pool.max_idle_age", "5m")
	v.SetDefault("pool.sweep_interval", "30s")
	v.SetDefault("pool.acquire_timeout", "30s")
	v.SetDefault("pool.launch_retry_delay", "1s")
	v.SetDefault("pool.breaker_window", "1m")
	v.SetDefault("pool.breaker_cooldown", "30s")
	v.SetDefault("pool.breaker_failure_ratio", 0.6)
	v.SetDefault("pool.breaker_min_requests", 5)
	v.SetDefault("pool.chrome_path", "")
	v.SetDefault("pool.user_agent", "")
	v.SetDefault("pool.no_sandbox", false)
	v.SetDefault("pool.launch_timeout", "30s")
	v.SetDefault("render.timeout_seconds", 30)
	v.SetDefault("render.device_scale_factor", 1.0)
	v.SetDefault("render.optimize_png", true)
	v.SetDefault("render.wait_for_load", true)
	v.SetDefault("cache.capacity", 256)
	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("cache.sweep_interval", "5m")
	v.SetDefault("cache.prefix", "renders")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "render_jobs")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.notification_topic", "")
	v.SetDefault("pubsub.job_topic", "")
	v.SetDefault("pubsub.job_subscription", "")
	v.SetDefault("events.queue_size", 64)
	v.SetDefault("events.max_subscribers", 50)
	v.SetDefault("events.heartbeat_interval", "30s")
	v.SetDefault("events.retention", "10m")
	v.SetDefault("events.retry_hint", "3s")
	v.SetDefault("events.buffer_size", 4096)
	v.SetDefault("events.max_batch_events", 256)
	v.SetDefault("events.max_batch_wait", "250ms")
	v.SetDefault("jobs.workers", 0)
	v.SetDefault("jobs.queue_capacity", 256)
	v.SetDefault("jobs.max_retries", 2)
	v.SetDefault("jobs.retry_base_delay", "250ms")
	v.SetDefault("jobs.retry_max_delay", "5s")
	v.SetDefault("jobs.ttl", "1h")
	v.SetDefault("jobs.sweep_interval", "1m")
	v.SetDefault("jobs.enqueue_timeout", "1s")
	v.SetDefault("dsl.max_depth", 20)
	v.SetDefault("dsl.max_elements", 1000)
	v.SetDefault("dsl.strict", false)
	v.SetDefault("rate_limit.rps", 10.0)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("rate_limit.idle_ttl", "10m")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "dsl-png-renderer")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.region", "")
	v.SetDefault("telemetry.sample_ratio", 0.1)
}

var validate = validator.New()

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid config: %s failed %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	}
	if (c.PubSub.NotificationTopic != "" || c.PubSub.JobTopic != "") && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when a topic is configured")
	}
	if (c.PubSub.JobTopic == "") != (c.PubSub.JobSubscription == "") {
		return fmt.Errorf("pubsub.job_topic and pubsub.job_subscription must be set together")
	}
	return nil
}

// APIKey returns the key the API should require, or "" when auth is off.
func (c Config) APIKey() string {
	if !c.Auth.Enabled {
		return ""
	}
	return c.Auth.APIKey
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
