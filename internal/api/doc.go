// Package api hosts the optional operator HTTP server. Routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /status for the running audit's snapshot.
package api
