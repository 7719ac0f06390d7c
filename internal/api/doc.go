// Package api hosts the admin HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/records?url= and /v1/records/scan for record inspection.
//   - POST /v1/load and /v1/load/batch to load URLs through the orchestrator.
//   - POST /v1/generate to run a generation pass and optionally dispatch it.
//   - GET /v1/filter/counters for frontier filter decisions.
package api
