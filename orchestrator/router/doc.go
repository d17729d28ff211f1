// Package router fans an outbox record out to the consumers registered for
// its event type.
//
// Consumers run in registration order, type-specific ones before wildcard
// ("*") ones. A failing or panicking consumer never stops the ones after it,
// and consumers that already succeeded for a record are skipped on
// redelivery.
package router
