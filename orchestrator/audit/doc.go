// Package audit keeps an append-only trail of every outbox event in MongoDB.
// The sink is a wildcard router consumer keyed by event ID, so redelivery
// never produces a second entry.
package audit
