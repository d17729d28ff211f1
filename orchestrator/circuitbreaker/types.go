package circuitbreaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// Config holds breaker thresholds.
type Config struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval is the closed-state window after which counts are cleared.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker on its own.
	ConsecutiveFailures uint32
	// FailureRatio trips the breaker once MinRequests have been observed.
	FailureRatio float64
	MinRequests  uint32
	// IsSuccessful decides which errors count as failures. Nil counts every
	// non-nil error.
	IsSuccessful func(err error) bool
}

// DefaultConfig suits domain operations called from workflow steps.
func DefaultConfig() Config {
	return Config{
		MaxRequests:         3,
		Interval:            2 * time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

func (cfg Config) readyToTrip(counts gobreaker.Counts) bool {
	if counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
		return true
	}

	if counts.Requests < cfg.MinRequests || counts.Requests == 0 {
		return false
	}

	return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
}

// State is a breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

func convertState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

// Counts mirrors gobreaker.Counts.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// StateChangeListener is notified asynchronously on every transition.
type StateChangeListener interface {
	OnStateChange(name string, from, to State)
}

// StateChangeListenerFunc adapts a function to StateChangeListener.
type StateChangeListenerFunc func(name string, from, to State)

// OnStateChange calls fn.
func (fn StateChangeListenerFunc) OnStateChange(name string, from, to State) {
	if fn != nil {
		fn(name, from, to)
	}
}

// IsRejected reports whether err came from an open or saturated half-open
// breaker rather than from the protected call.
func IsRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
