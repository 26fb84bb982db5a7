// Package observability groups the worker's logging and tracing setup.
//
// Subpackages:
//   - logging: slog logger construction from LOG_LEVEL and LOG_FORMAT
//   - tracing: OpenTelemetry provider, tracer and HTTP middleware
//
// Metrics live next to the components that record them.
package observability
