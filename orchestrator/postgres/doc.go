// Package postgres opens the primary/replica pool shared by the outbox and
// workflow stores and applies the embedded schema migrations.
package postgres
