// Package api hosts the HTTP server, middleware and REST handlers that put the
// fetch core on the network. Routes:
//   - GET /healthz and /readyz for probes; readyz reflects browser pool health.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/fetch runs one orchestrated fetch.
//   - GET /v1/pool/stats reports browser pool occupancy.
//   - GET /v1/records/latest?url= returns the newest stored fetch record.
package api
