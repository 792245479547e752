// Package metrics exposes engine counters and histograms to Prometheus.
//
// The Collector is a script.RunRecorder (unit invocations by trigger and
// outcome, sandbox time) and wraps the command sink to count outbound
// service calls. Its Handler is mounted at /metrics by the status API.
package metrics
