// Package main hosts the dslrender entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes validation, sync and async render, job status, cancellation, a
//     Server-Sent Events stream per job, PNG download by content hash, health probes and /metrics.
//   - Pipeline: internal/orchestrator validates the DSL (internal/dsl), compiles it to a standalone HTML page
//     (internal/compiler), leases a browser from internal/browser.Pool and captures the page (internal/render).
//     Progress is reported at 10/30/40/60/90/100 percent and transient failures are retried with jittered backoff.
//   - Browser pool: a fixed set of headless Chrome instances behind a gobreaker circuit breaker. Instances are
//     recycled after repeated failures, too many uses, or idling too long.
//   - Cache: results are keyed by a SHA-256 over the normalized document and options. An in-memory LRU is backed
//     by an optional Redis tier and optional durable blob storage (local disk or GCS). Concurrent identical
//     renders share one browser capture.
//   - Jobs and events: job records live in memory or Postgres; async work flows through an in-memory queue or
//     Pub/Sub. Job events fan out to SSE subscribers and to log, metrics and Pub/Sub notification sinks.
//   - Plumbing: Viper config (file plus DSLPNG_* env overrides), zap logging, Prometheus metrics, OpenTelemetry
//     tracing exported to Cloud Trace when a project is configured.
//
// Quick checklist:
//   - Run locally: go run ./cmd/dslrender serve --config config.yaml
//   - One-off render: go run ./cmd/dslrender render mockup.yaml -o mockup.png
//   - Check a document: go run ./cmd/dslrender validate mockup.json
//   - Cloud Run: the service listens on PORT when set and drains in-flight work on SIGTERM.
package main
