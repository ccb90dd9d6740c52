// Package api hosts the status HTTP server. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/categories and /v1/categories/{category}/sources for the catalog.
//   - GET /v1/summary for the latest run summary on disk.
//   - POST /v1/probe to verify sources on demand.
//   - GET/POST /v1/runs for the Postgres run ledger and triggered runs.
package api
