// Package api hosts the HTTP server, middleware, and REST handlers of the
// coordinator. Route groups:
//   - /scraper/v1/... for runners (API key or bearer session).
//   - /admin/scraper-network/callback for runner result callbacks (API key only).
//   - /admin/... for staff operators (bearer session with admin or staff role).
//   - /healthz, /readyz, and /metrics for probes and Prometheus.
package api
