// Package metrics exposes Prometheus collectors for the rendering service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	rendersTotal               *prometheus.CounterVec
	renderStageSeconds         *prometheus.HistogramVec
	pngBytes                   prometheus.Histogram
	cacheLookupsTotal          *prometheus.CounterVec
	cacheEvictionsTotal        *prometheus.CounterVec
	poolInstances              *prometheus.GaugeVec
	poolBreakerState           prometheus.Gauge
	poolAcquireWaitSeconds     *prometheus.HistogramVec
	poolRecycledTotal          *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitedTotal           prometheus.Counter
	eventsTotal                *prometheus.CounterVec
	eventsDroppedTotal         prometheus.Counter
	eventSubscribers           prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		rendersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dslpng_renders_total",
				Help: "Total number of browser renders, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		renderStageSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dslpng_render_stage_seconds",
				Help:    "Histogram of render pipeline stage durations.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"stage"},
		)

		pngBytes = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dslpng_png_bytes",
				Help:    "Size of produced PNG images in bytes.",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
			},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dslpng_cache_lookups_total",
				Help: "Cache lookups, labeled by tier and result (hit/miss/error).",
			},
			[]string{"tier", "result"},
		)

		cacheEvictionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dslpng_cache_evictions_total",
				Help: "Cache evictions, labeled by reason.",
			},
			[]string{"reason"},
		)

		poolInstances = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dslpng_pool_instances",
				Help: "Browser instances in the pool, labeled by state.",
			},
			[]string{"state"},
		)

		poolBreakerState = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dslpng_pool_breaker_state",
				Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
			},
		)

		poolAcquireWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dslpng_pool_acquire_wait_seconds",
				Help:    "Time spent waiting for a browser instance, labeled by result.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"result"},
		)

		poolRecycledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dslpng_pool_recycled_total",
				Help: "Browser instances retired from the pool, labeled by reason.",
			},
			[]string{"reason"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dslpng_jobs_total",
				Help: "Total number of render jobs finished, labeled by status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dslpng_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "route"},
		)

		rateLimitedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dslpng_rate_limited_total",
				Help: "Requests rejected by the per-client rate limiter.",
			},
		)

		eventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dslpng_events_total",
				Help: "Job events published, labeled by type.",
			},
			[]string{"type"},
		)

		eventsDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dslpng_events_dropped_total",
				Help: "Events dropped from slow subscriber queues.",
			},
		)

		eventSubscribers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dslpng_event_subscribers",
				Help: "Open event stream subscriptions.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveRender records the outcome of a single browser render.
func ObserveRender(outcome string) {
	Init()
	rendersTotal.WithLabelValues(outcome).Inc()
}

// ObserveStage records how long a pipeline stage took.
func ObserveStage(stage string, d time.Duration) {
	Init()
	renderStageSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// ObservePNGSize records the size of a produced image.
func ObservePNGSize(n int) {
	Init()
	pngBytes.Observe(float64(n))
}

// ObserveCacheLookup records a lookup against one cache tier.
func ObserveCacheLookup(tier, result string) {
	Init()
	cacheLookupsTotal.WithLabelValues(tier, result).Inc()
}

// ObserveCacheEviction records evicted entries.
func ObserveCacheEviction(reason string, n int) {
	Init()
	if n > 0 {
		cacheEvictionsTotal.WithLabelValues(reason).Add(float64(n))
	}
}

// SetPoolInstances publishes the pool occupancy.
func SetPoolInstances(idle, busy, unhealthy int) {
	Init()
	poolInstances.WithLabelValues("idle").Set(float64(idle))
	poolInstances.WithLabelValues("busy").Set(float64(busy))
	poolInstances.WithLabelValues("unhealthy").Set(float64(unhealthy))
}

// SetBreakerState publishes the breaker state by name.
func SetBreakerState(state string) {
	Init()
	switch state {
	case "half-open":
		poolBreakerState.Set(1)
	case "open":
		poolBreakerState.Set(2)
	default:
		poolBreakerState.Set(0)
	}
}

// ObserveAcquireWait records time spent in Acquire.
func ObserveAcquireWait(result string, d time.Duration) {
	Init()
	poolAcquireWaitSeconds.WithLabelValues(result).Observe(d.Seconds())
}

// ObserveRecycle counts a retired browser instance.
func ObserveRecycle(reason string) {
	Init()
	poolRecycledTotal.WithLabelValues(reason).Inc()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimited counts a rejected request.
func ObserveRateLimited() {
	Init()
	rateLimitedTotal.Inc()
}

// ObserveEvents records published job events by type.
func ObserveEvents(eventType string, n int) {
	Init()
	eventsTotal.WithLabelValues(eventType).Add(float64(n))
}

// ObserveEventsDropped records events discarded for slow subscribers.
func ObserveEventsDropped(n int) {
	Init()
	eventsDroppedTotal.Add(float64(n))
}

// SetEventSubscribers records the number of open subscriptions.
func SetEventSubscribers(n int) {
	Init()
	eventSubscribers.Set(float64(n))
}
