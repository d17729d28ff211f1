package backoff

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	mrand "math/rand/v2"
	"time"
)

const maxShift = 62

const (
	// DefaultInitial is the first retry delay.
	DefaultInitial = time.Second
	// DefaultMultiplier is the growth factor between attempts.
	DefaultMultiplier = 2.0
	// DefaultMax caps any single delay.
	DefaultMax = 5 * time.Minute
)

// Policy describes a capped exponential backoff.
type Policy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	// Jitter applies full jitter, drawing the delay from [0, capped delay).
	Jitter bool
}

// DefaultPolicy returns 1s initial delay, factor 2, 5m cap, full jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial:    DefaultInitial,
		Multiplier: DefaultMultiplier,
		Max:        DefaultMax,
		Jitter:     true,
	}
}

// Normalize replaces non-positive fields with the defaults.
func (p Policy) Normalize() Policy {
	if p.Initial <= 0 {
		p.Initial = DefaultInitial
	}

	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}

	if p.Max <= 0 {
		p.Max = DefaultMax
	}

	if p.Max < p.Initial {
		p.Max = p.Initial
	}

	return p
}

// Ceiling returns the un-jittered delay for attempt (0-based), capped at Max.
func (p Policy) Ceiling(attempt int) time.Duration {
	p = p.Normalize()

	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(p.Max) {
		return p.Max
	}

	return time.Duration(delay)
}

// Delay returns the delay to wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	ceiling := p.Ceiling(attempt)
	if !p.Jitter {
		return ceiling
	}

	return FullJitter(ceiling)
}

// Exponential calculates base * 2^attempt with overflow protection.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1 << attempt)

	baseInt := int64(base)
	if baseInt > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(baseInt * multiplier)
}

// FullJitter returns a random duration in the range [0, delay).
// Uses crypto/rand, falling back to a seeded math/rand source.
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(delay)))
	if err != nil {
		return time.Duration(fallbackRand(int64(delay)))
	}

	return time.Duration(n.Int64())
}

func fallbackRand(maxValue int64) int64 {
	var seed [8]byte

	if _, err := rand.Read(seed[:]); err != nil {
		return maxValue / 2
	}

	rng := mrand.New(mrand.NewPCG(binary.LittleEndian.Uint64(seed[:]), 0)) // #nosec G404 -- fallback only

	return rng.Int64N(maxValue)
}

// ExponentialWithJitter returns a random duration in [0, base * 2^attempt).
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// WaitContext sleeps for duration but returns early when ctx is done.
// Returns immediately for zero or negative durations.
func WaitContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
