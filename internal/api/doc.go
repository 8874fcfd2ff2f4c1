// Package api hosts the HTTP server, middleware, and REST handlers for the
// renderer. Notable routes:
//   - GET /healthz, /readyz and /health for probes and operators.
//   - GET /metrics for Prometheus scraping.
//   - POST /api/v1/validate, /api/v1/render and /api/v1/render/async.
//   - GET /api/v1/jobs/{job_id} and POST /api/v1/jobs/{job_id}/cancel.
//   - GET /api/v1/jobs/{job_id}/events as a Server-Sent Events stream.
//   - GET /api/v1/png/{hash} for cached images.
package api
