// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Decision submission and validation
//   - Run status, cancellation and event replay
//   - Governor utilization and validator statistics
//   - Health checks
//   - Prometheus metrics
package http
