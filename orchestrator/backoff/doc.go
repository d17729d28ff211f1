// Package backoff provides retry delay helpers with exponential growth, a cap
// and full jitter.
//
// Policy is the configurable form used by the outbox dispatcher and the
// workflow retry manager; WaitContext sleeps while respecting cancellation.
package backoff
