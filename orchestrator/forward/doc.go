// Package forward republishes outbox records to message brokers for
// consumers outside the orchestrator process. Each forwarder is a router
// consumer: broker failures are transient and retried by the dispatcher, so
// delivery to the broker is at-least-once.
package forward
