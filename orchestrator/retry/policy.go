package retry

import (
	"time"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/backoff"
)

// DefaultMaxAttempts is the attempt ceiling applied when a policy has none.
const DefaultMaxAttempts = 5

// Policy bounds retries with an attempt ceiling and a capped exponential backoff.
type Policy struct {
	MaxAttempts int
	Backoff     backoff.Policy
}

// DefaultPolicy returns 5 attempts, 1s initial delay doubling up to 5m, with
// full jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     backoff.DefaultPolicy(),
	}
}

// NewPolicy builds a Policy from the four retry knobs carried by a workflow
// definition. Non-positive values fall back to the defaults.
func NewPolicy(maxAttempts int, initial time.Duration, multiplier float64, maxBackoff time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Backoff: backoff.Policy{
			Initial:    initial,
			Multiplier: multiplier,
			Max:        maxBackoff,
			Jitter:     true,
		},
	}.Normalize()
}

// Normalize replaces unset fields with defaults.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}

	p.Backoff = p.Backoff.Normalize()

	return p
}
