// Package api hosts the HTTP server, middleware, and REST handlers for regional
// accessibility jobs. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/regional to register a job and fan out one work item per origin.
//   - GET /v1/regional/{job_id} for collation progress.
//   - GET /v1/regional/{job_id}/grid to reduce a finished access grid to scalars.
package api
