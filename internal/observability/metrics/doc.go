// Package metrics holds process-level Prometheus metrics of the worker:
// requests to its operational HTTP endpoints and database pool usage.
// Component metrics live in the packages that record them.
package metrics
