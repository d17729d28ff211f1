// Package mongo wraps the MongoDB driver with connection lifecycle, health
// and index helpers for the audit sink.
package mongo
