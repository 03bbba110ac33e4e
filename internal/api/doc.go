// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs and GET /v1/jobs/{job_id} for ad hoc crawl jobs.
//   - POST /v1/pipeline/run to trigger the periodic pipeline out of band.
//   - /v1/subscriptions for managing push subscriptions.
package api
