// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /search for cached, rate-limited search.
//   - POST, GET, DELETE /recrawl and /recrawl/{job_id} for re-crawl jobs.
//   - GET /recrawl/{job_id}/events for the lifecycle audit trail.
package api
