// Package outbox captures domain events in the producer's transaction and
// delivers them at least once to registered consumers.
//
// A Writer appends an EventEnvelope through the caller's transaction. A
// Dispatcher leases unprocessed records in creation order, hands each to a
// Deliverer (the event router) and records the outcome under the lease
// token: processed, rescheduled with backoff, or dead-lettered. Per-handler
// completion is persisted so a retry only re-invokes the handlers that have
// not yet succeeded.
//
// Storage lives in the postgres and memory subpackages.
package outbox
