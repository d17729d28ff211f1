// Package postgres stores workflow definitions, runs and steps in the tables
// created by the orchestrator/postgres migrations.
//
// Run creation relies on the (definition_id, trigger_event_id) unique
// constraint: a duplicate insert surfaces as workflow.ErrRunExists. Step
// finalization for emit-event actions runs through the caller's outbox
// transaction using ExecContext only.
package postgres
