// Package observability provides an OpenTelemetry metrics extension for
// Cascade. The MetricsExtension implements lifecycle hooks to record
// system-wide counters for instance starts, completions, cancellations,
// step outcomes, retries, dead letters, stale deliveries, and cron fires.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
