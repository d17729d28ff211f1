// Package invoker calls domain operations on behalf of workflow steps.
//
// Every call carries a deterministic idempotency key derived from the run and
// action index, runs under a per-call timeout and goes through a per-domain
// circuit breaker. Successful results can be cached under the idempotency key
// so a redelivered step returns the recorded result instead of calling the
// domain again.
package invoker
