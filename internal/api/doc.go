// Package api hosts the HTTP control surface. Notable routes:
//   - GET /healthz and /readyz for probes; readyz reports store reachability.
//   - GET /metrics for Prometheus scraping.
//   - POST/GET /v1/pools and /v1/pools/{id}[/stop|/logs] for worker pools.
//   - POST/GET /v1/tasks and /v1/tasks/{id}[/stop|/resume|/logs] for single tasks.
//   - GET /v1/rotation for the target rotation index and recent history.
package api
