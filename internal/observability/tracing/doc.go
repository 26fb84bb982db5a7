// Package tracing wires OpenTelemetry into the worker: a global tracer
// used for feed check spans, provider setup for cmd/worker, and an HTTP
// middleware for the operational endpoints.
package tracing
