// Package api implements the HTTP status API and live run stream for HAL.
//
// This package provides:
//   - Health endpoint aggregating transport, database and telemetry checks
//   - Read-only unit listing and per-unit run history
//   - Prometheus scrape endpoint at /metrics
//   - WebSocket hub broadcasting run records and dispatched changes
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # Architecture
//
// The API never drives units. It reads descriptors from the script
// registry, run history from the SQLite repository, and receives run
// records and change sets as a script.RunRecorder and dispatch observer.
//
// # Graceful Degradation
//
// Run history, metrics and health checks are optional dependencies. A
// missing run repository turns the runs endpoint into a 503, a missing
// metrics handler leaves /metrics unrouted.
package api
