// Package retry decides between retrying and dead-lettering a failed outbox
// delivery or workflow run, and reschedules failed runs once their backoff
// elapses.
//
// Decisions are pure: Manager.Decide looks only at the attempt count, the
// error classification and the policy. The Sweeper is the only component
// with side effects, resuming due runs on a cron schedule under an optional
// cluster-wide lock.
package retry
