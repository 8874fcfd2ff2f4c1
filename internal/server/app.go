// Package server assembles the rendering service from configuration and
// runs it until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/dsl-png-renderer/internal/api"
	"github.com/JakeFAU/dsl-png-renderer/internal/browser"
	"github.com/JakeFAU/dsl-png-renderer/internal/cache"
	"github.com/JakeFAU/dsl-png-renderer/internal/clock/system"
	"github.com/JakeFAU/dsl-png-renderer/internal/config"
	"github.com/JakeFAU/dsl-png-renderer/internal/dsl"
	"github.com/JakeFAU/dsl-png-renderer/internal/events"
	"github.com/JakeFAU/dsl-png-renderer/internal/id/uuid"
	"github.com/JakeFAU/dsl-png-renderer/internal/jobs"
	"github.com/JakeFAU/dsl-png-renderer/internal/logging"
	"github.com/JakeFAU/dsl-png-renderer/internal/orchestrator"
	"github.com/JakeFAU/dsl-png-renderer/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/dsl-png-renderer/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/dsl-png-renderer/internal/queue/memory"
	queuepubsub "github.com/JakeFAU/dsl-png-renderer/internal/queue/pubsub"
	"github.com/JakeFAU/dsl-png-renderer/internal/render"
	"github.com/JakeFAU/dsl-png-renderer/internal/storage"
	gcsstorage "github.com/JakeFAU/dsl-png-renderer/internal/storage/gcs"
	localstorage "github.com/JakeFAU/dsl-png-renderer/internal/storage/local"
	memorystorage "github.com/JakeFAU/dsl-png-renderer/internal/storage/memory"
	pgstore "github.com/JakeFAU/dsl-png-renderer/internal/storage/postgres"
	"github.com/JakeFAU/dsl-png-renderer/internal/telemetry"
)

const sinkTimeout = 5 * time.Second

// Options override pieces of the assembly, mostly for tests and the
// one-shot CLI commands.
type Options struct {
	Version string
	// Logger is used as-is when set. Otherwise one is built from the logging
	// config and installed as the zap global.
	Logger *zap.Logger
	// Launcher starts browsers (headless Chrome when nil).
	Launcher browser.Launcher
}

// App contains the application's dependencies.
type App struct {
	cfg     config.Config
	version string
	logger  *zap.Logger

	validator *dsl.Validator
	pool      *browser.Pool
	cache     *cache.Cache
	orch      *orchestrator.Orchestrator
	bridge    *events.Bridge
	hub       *events.Hub
	limiter   *ratelimit.Limiter
	apiServer *api.Server

	queue        jobs.Queue
	closeQueue   func() error
	redis        *cache.RedisTier
	jobStore     *pgstore.JobStore
	gcsClient    *gcstorage.Client
	pubsubClient []*pubsub.Client
	telemetry    *telemetry.Providers

	stop      context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// Build creates the application's dependencies. Nothing runs until Start.
func Build(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(logging.Config{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	app := &App{cfg: cfg, version: opts.Version, logger: logger}
	if err := app.build(ctx, opts); err != nil {
		if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.cfg
	a.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("pool_size", cfg.Pool.Size),
		zap.String("storage", cfg.Storage.Backend),
	)

	var err error
	a.telemetry, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     a.version,
		ProjectID:   cfg.Telemetry.ProjectID,
		Region:      cfg.Telemetry.Region,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}

	a.validator = dsl.NewValidator(dsl.Config{
		MaxDepth:    cfg.DSL.MaxDepth,
		MaxElements: cfg.DSL.MaxElements,
	})

	if err = a.setupPool(opts.Launcher); err != nil {
		return err
	}
	blobs, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	if err = a.setupCache(ctx, blobs); err != nil {
		return err
	}
	store, err := a.setupJobStore(ctx)
	if err != nil {
		return err
	}
	if err = a.setupQueue(ctx); err != nil {
		return err
	}
	if err = a.setupEvents(ctx); err != nil {
		return err
	}

	a.orch, err = orchestrator.New(orchestrator.Config{
		Workers:           cfg.Jobs.Workers,
		MaxRetries:        cfg.Jobs.MaxRetries,
		RetryBaseDelay:    cfg.Jobs.RetryBaseDelay,
		RetryMaxDelay:     cfg.Jobs.RetryMaxDelay,
		AcquireTimeout:    cfg.Pool.AcquireTimeout,
		CacheTTL:          cfg.Cache.TTL,
		JobTTL:            cfg.Jobs.TTL,
		SweepInterval:     cfg.Jobs.SweepInterval,
		StrictValidation:  cfg.DSL.Strict,
		DequeueRetryDelay: time.Second,
		EnqueueTimeout:    cfg.Jobs.EnqueueTimeout,
	}, orchestrator.Deps{
		Store:     store,
		Queue:     a.queue,
		Pool:      a.pool,
		Renderer:  render.New(a.logger),
		Cache:     a.cache,
		Events:    a.bridge,
		Validator: a.validator,
		IDs:       uuid.New(),
		Clock:     system.New(),
		Logger:    a.logger,
	})
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}

	a.limiter = ratelimit.New(ratelimit.Config{
		RPS:     cfg.RateLimit.RPS,
		Burst:   cfg.RateLimit.Burst,
		IdleTTL: cfg.RateLimit.IdleTTL,
	})
	if a.limiter.Enabled() {
		a.logger.Info("rate limiter enabled",
			zap.Float64("rps", cfg.RateLimit.RPS),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
	}

	a.apiServer = api.NewServer(api.Config{
		APIKey:         cfg.APIKey(),
		SyncTimeout:    cfg.Server.SyncTimeout,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		SSERetry:       cfg.Events.RetryHint,
		RenderDefaults: RenderDefaults(cfg.Render),
		Version:        a.version,
	}, api.Deps{
		Jobs:      a.orch,
		Validator: a.validator,
		Events:    a.bridge,
		Pool:      a.pool,
		Cache:     a.cache,
		Limiter:   a.limiter,
		Logger:    a.logger,
	})
	return nil
}

// RenderDefaults converts the render config into the options used for
// fields a request leaves out.
func RenderDefaults(cfg config.RenderConfig) render.Options {
	opts := render.DefaultOptions()
	if cfg.TimeoutSeconds > 0 {
		opts.TimeoutSeconds = cfg.TimeoutSeconds
	}
	if cfg.DeviceScaleFactor > 0 {
		opts.DeviceScaleFactor = cfg.DeviceScaleFactor
	}
	opts.OptimizePNG = cfg.OptimizePNG
	opts.WaitForLoad = cfg.WaitForLoad
	return opts
}

func (a *App) setupPool(launcher browser.Launcher) error {
	cfg := a.cfg.Pool
	if launcher == nil {
		launcher = browser.NewChromeLauncher(browser.ChromeConfig{
			ExecPath:      cfg.ChromePath,
			UserAgent:     cfg.UserAgent,
			NoSandbox:     cfg.NoSandbox,
			LaunchTimeout: cfg.LaunchTimeout,
		}, a.logger)
	}
	pool, err := browser.NewPool(browser.Config{
		Size:                cfg.Size,
		MaxFailures:         cfg.MaxFailures,
		MaxUses:             cfg.MaxUses,
		MaxIdleAge:          cfg.MaxIdleAge,
		SweepInterval:       cfg.SweepInterval,
		AcquireTimeout:      cfg.AcquireTimeout,
		LaunchRetryDelay:    cfg.LaunchRetryDelay,
		BreakerWindow:       cfg.BreakerWindow,
		BreakerCooldown:     cfg.BreakerCooldown,
		BreakerFailureRatio: cfg.BreakerFailureRatio,
		BreakerMinRequests:  cfg.BreakerMinRequests,
	}, launcher, a.logger)
	if err != nil {
		return fmt.Errorf("browser pool init failed: %w", err)
	}
	a.pool = pool
	return nil
}

func (a *App) setupStorage(ctx context.Context) (storage.BlobStore, error) {
	cfg := a.cfg.Storage
	switch cfg.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", cfg.GCSBucket))
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.GCSBucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", cfg.LocalDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	case "memory":
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("durable storage disabled")
		return nil, nil
	}
}

func (a *App) setupCache(ctx context.Context, blobs storage.BlobStore) error {
	opts := cache.Options{Blobs: blobs, Logger: a.logger}
	if addr := a.cfg.Redis.Addr; addr != "" {
		a.redis = cache.NewRedisTier(cache.RedisConfig{
			Addr:     addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx); err != nil {
			a.logger.Warn("redis unreachable, continuing with degraded cache", zap.String("addr", addr), zap.Error(err))
		} else {
			a.logger.Info("redis cache tier enabled", zap.String("addr", addr))
		}
		opts.Remote = a.redis
	}
	c, err := cache.New(cache.Config{
		Capacity: a.cfg.Cache.Capacity,
		TTL:      a.cfg.Cache.TTL,
		Prefix:   a.cfg.Cache.Prefix,
	}, opts)
	if err != nil {
		return fmt.Errorf("cache init failed: %w", err)
	}
	a.cache = c
	return nil
}

func (a *App) setupJobStore(ctx context.Context) (jobs.Store, error) {
	cfg := a.cfg.DB
	if cfg.DSN == "" {
		a.logger.Info("no database DSN configured, keeping jobs in memory")
		return memorystorage.NewJobStore(), nil
	}
	store, err := pgstore.NewJobStore(ctx, pgstore.Config{
		DSN:             cfg.DSN,
		Table:           cfg.Table,
		MaxConns:        cfg.MaxConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("job store init failed: %w", err)
	}
	a.jobStore = store
	a.logger.Info("postgres job store initialized", zap.String("table", cfg.Table))
	return store, nil
}

func (a *App) setupQueue(ctx context.Context) error {
	cfg := a.cfg.PubSub
	if cfg.JobTopic == "" {
		q := queuememory.NewQueue(a.cfg.Jobs.QueueCapacity)
		a.queue = q
		a.closeQueue = q.Close
		return nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = append(a.pubsubClient, client)
	q := queuepubsub.New(client.Topic(cfg.JobTopic), client.Subscription(cfg.JobSubscription), a.logger)
	a.queue = q
	a.closeQueue = q.Close
	a.logger.Info("Pub/Sub job queue initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("topic", cfg.JobTopic),
		zap.String("subscription", cfg.JobSubscription),
	)
	return nil
}

func (a *App) setupEvents(ctx context.Context) error {
	cfg := a.cfg.Events
	sinks := []events.Sink{
		events.NewLogSink(a.logger.Named("events_log")),
		events.NewMetricsSink(),
	}
	if topic := a.cfg.PubSub.NotificationTopic; topic != "" {
		pub, client, err := gcppublisher.Connect(ctx, a.cfg.PubSub.ProjectID, topic)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.pubsubClient = append(a.pubsubClient, client)
		sinks = append(sinks, events.NewPublisherSink(pub, topic))
		a.logger.Info("Pub/Sub notifications enabled", zap.String("topic", topic))
	}
	a.hub = events.NewHub(events.HubConfig{
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.MaxBatchEvents,
		MaxBatchWait:   cfg.MaxBatchWait,
		SinkTimeout:    sinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("events_hub"),
	}, sinks...)
	a.bridge = events.NewBridge(events.BridgeConfig{
		QueueSize:         cfg.QueueSize,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MaxSubscribers:    cfg.MaxSubscribers,
		Retention:         cfg.Retention,
		Logger:            a.logger,
	}, a.hub)
	return nil
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Jobs exposes the orchestrator for in-process callers.
func (a *App) Jobs() *orchestrator.Orchestrator {
	return a.orch
}

// Validator returns the DSL validator configured for this app.
func (a *App) Validator() *dsl.Validator {
	return a.validator
}

// Start launches the browsers and the background loops. It fails only when
// no browser could be launched.
func (a *App) Start(ctx context.Context) error {
	var err error
	a.startOnce.Do(func() {
		if err = a.pool.Start(ctx); err != nil {
			return
		}
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a.stop = cancel

		a.goRun(func() { a.orch.Run(runCtx) })
		a.goRun(func() { a.cache.Run(runCtx, a.cfg.Cache.SweepInterval) })
		if a.limiter.Enabled() && a.cfg.RateLimit.IdleTTL > 0 {
			a.goRun(func() { a.sweepLimiter(runCtx) })
		}
		a.logger.Info("application started")
	})
	return err
}

func (a *App) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func (a *App) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.RateLimit.IdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.limiter.Sweep(); n > 0 {
				a.logger.Debug("evicted idle rate limiters", zap.Int("count", n))
			}
		}
	}
}

// Run starts the application and serves HTTP until ctx is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)
	if err, ok := <-serveErr; ok && err != nil {
		return errors.Join(fmt.Errorf("http server: %w", err), closeErr)
	}
	return closeErr
}

// Close stops the background loops and releases every resource. It is safe
// to call on a partially built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.stop != nil {
			a.stop()
		}
		if a.closeQueue != nil {
			if err := a.closeQueue(); err != nil {
				errs = append(errs, fmt.Errorf("close queue: %w", err))
			}
		}
		a.wg.Wait()
		a.closeInfrastructure(ctx, &errs)
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context, errs *[]error) {
	if a.bridge != nil {
		if err := a.bridge.Close(ctx); err != nil {
			a.logger.Warn("event bridge close failed", zap.Error(err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		if err := a.pool.Close(ctx); err != nil {
			*errs = append(*errs, fmt.Errorf("close browser pool: %w", err))
		}
	}
	for _, client := range a.pubsubClient {
		if err := client.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.jobStore != nil {
		a.jobStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}
