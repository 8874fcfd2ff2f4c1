package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/dsl-png-renderer/internal/browser"
	"github.com/JakeFAU/dsl-png-renderer/internal/cache"
	"github.com/JakeFAU/dsl-png-renderer/internal/dsl"
	"github.com/JakeFAU/dsl-png-renderer/internal/events"
	"github.com/JakeFAU/dsl-png-renderer/internal/jobs"
	"github.com/JakeFAU/dsl-png-renderer/internal/metrics"
	"github.com/JakeFAU/dsl-png-renderer/internal/orchestrator"
	"github.com/JakeFAU/dsl-png-renderer/internal/policy/ratelimit"
	"github.com/JakeFAU/dsl-png-renderer/internal/render"
)

// Jobs submits and tracks render jobs.
type Jobs interface {
	Submit(ctx context.Context, raw []byte, opts render.Options, mode jobs.Mode) (orchestrator.Submission, error)
	GetStatus(ctx context.Context, id string) (jobs.Job, error)
	Cancel(ctx context.Context, id string) error
}

// Validator checks DSL documents without rendering them.
type Validator interface {
	Validate(raw []byte, strict bool) dsl.Result
}

// EventSource opens live job event streams.
type EventSource interface {
	Seed(state events.Event)
	Subscribe(ctx context.Context, jobID string) (*events.Subscription, error)
}

// PoolStatus reports browser pool health.
type PoolStatus interface {
	Health() browser.Health
	Ready() bool
}

// ResultCache serves rendered images by content hash.
type ResultCache interface {
	Lookup(ctx context.Context, hash string) (*render.Result, bool, error)
	Stats() cache.Stats
}

// Config tunes the HTTP surface.
type Config struct {
	// APIKey, when set, is required in the X-API-Key header on /api routes.
	APIKey string
	// SyncTimeout bounds POST /render.
	SyncTimeout time.Duration
	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64
	// SSERetry is the reconnect hint sent with heartbeats.
	SSERetry time.Duration
	// RenderDefaults fill options a request leaves out
	// (render.DefaultOptions when zero).
	RenderDefaults render.Options
	Version        string
}

// Deps are the collaborators the server calls into. Limiter and Logger are
// optional.
type Deps struct {
	Jobs      Jobs
	Validator Validator
	Events    EventSource
	Pool      PoolStatus
	Cache     ResultCache
	Limiter   *ratelimit.Limiter
	Logger    *zap.Logger
}

// Server wires HTTP handlers to the orchestrator, event bridge and cache.
type Server struct {
	router    chi.Router
	cfg       Config
	jobs      Jobs
	validator Validator
	events    EventSource
	pool      PoolStatus
	cache     ResultCache
	logger    *zap.Logger
	started   time.Time
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 60 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.SSERetry <= 0 {
		cfg.SSERetry = 3 * time.Second
	}
	if cfg.RenderDefaults == (render.Options{}) {
		cfg.RenderDefaults = render.DefaultOptions()
	}
	if deps.Validator == nil {
		deps.Validator = dsl.NewValidator(dsl.Config{})
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:       cfg,
		jobs:      deps.Jobs,
		validator: deps.Validator,
		events:    deps.Events,
		pool:      deps.Pool,
		cache:     deps.Cache,
		logger:    deps.Logger.Named("api"),
		started:   time.Now(),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if deps.Limiter != nil && deps.Limiter.Enabled() {
			r.Use(rateLimitMiddleware(deps.Limiter))
		}
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/validate", s.validate)
		r.Post("/render", s.renderSync)
		r.Post("/render/async", s.renderAsync)
		r.Route("/jobs/{job_id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Post("/cancel", s.cancelJob)
			r.Get("/events", s.streamEvents)
		})
		r.Get("/png/{hash}", s.getPNG)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.pool != nil && !s.pool.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type healthResponse struct {
	Status        string          `json:"status"`
	Version       string          `json:"version,omitempty"`
	UptimeSeconds float64         `json:"uptime_seconds"`
	Pool          *browser.Health `json:"pool,omitempty"`
	Cache         *cache.Stats    `json:"cache,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:        "healthy",
		Version:       s.cfg.Version,
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
	if s.pool != nil {
		h := s.pool.Health()
		resp.Pool = &h
		switch {
		case h.Total == 0:
			resp.Status = "unhealthy"
		case h.BreakerState != "closed" || h.Unhealthy > 0:
			resp.Status = "degraded"
		}
	}
	if s.cache != nil {
		st := s.cache.Stats()
		resp.Cache = &st
	}
	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
