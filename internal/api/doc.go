// Package api hosts the HTTP server, middleware, and read-only handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/masters and /v1/supervisors[/{name}] for live status records.
//   - GET /v1/queues/{queue}/snapshots and /workload for throughput history
//     and current pressure.
package api
