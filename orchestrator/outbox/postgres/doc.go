// Package postgres stores outbox records in PostgreSQL.
//
// Claims lease rows with FOR UPDATE SKIP LOCKED so concurrent dispatchers
// never hold the same record. Outcome writes match on the lease token and
// report outbox.ErrLeaseLost when another dispatcher has reclaimed the row.
// The schema ships with the orchestrator/postgres migrations.
package postgres
