// Package api hosts the operations HTTP server. Routes:
//   - GET /healthz for liveness checks.
//   - GET /readyz which pings every registered dependency.
//   - GET /metrics for Prometheus scraping.
package api
