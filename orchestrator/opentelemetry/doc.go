// Package opentelemetry initializes trace and metric providers and carries the
// span and trace-context helpers used by the orchestrator components.
package opentelemetry
