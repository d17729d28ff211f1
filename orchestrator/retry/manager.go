package retry

import (
	"fmt"
	"time"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/internal/nilcheck"
)

// Action is the outcome of a retry decision.
type Action int

const (
	ActionRetry Action = iota + 1
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Decision is what to do with a failure.
type Decision struct {
	Action        Action
	NextAttemptAt time.Time
	Delay         time.Duration
	Reason        string
	// Err is the error to record. Ceiling exhaustion wraps the cause in a
	// PoisonRecordError.
	Err error
}

// ShouldRetry reports whether the decision schedules another attempt.
func (d Decision) ShouldRetry() bool { return d.Action == ActionRetry }

const (
	ReasonPermanent        = "permanent_error"
	ReasonAttemptsExceeded = "attempts_exhausted"
	ReasonTransient        = "transient_error"
)

// Manager makes retry decisions.
type Manager struct {
	policy     Policy
	classifier Classifier
	now        func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPolicy sets the policy used by Decide.
func WithPolicy(policy Policy) ManagerOption {
	return func(m *Manager) {
		m.policy = policy.Normalize()
	}
}

// WithClassifier replaces the default classifier.
func WithClassifier(classifier Classifier) ManagerOption {
	return func(m *Manager) {
		if !nilcheck.Interface(classifier) {
			m.classifier = classifier
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager returns a Manager with DefaultPolicy and DefaultClassifier.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		policy:     DefaultPolicy(),
		classifier: DefaultClassifier(),
		now:        time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m
}

// Policy returns the default policy.
func (m *Manager) Policy() Policy {
	if m == nil {
		return DefaultPolicy()
	}

	return m.policy
}

// Classify exposes the configured classifier.
func (m *Manager) Classify(err error) Class {
	if m == nil || nilcheck.Interface(m.classifier) {
		return DefaultClassifier().Classify(err)
	}

	return m.classifier.Classify(err)
}

// Decide applies the default policy. attempts counts every attempt made so
// far, including the one that just failed.
func (m *Manager) Decide(id string, attempts int, err error) Decision {
	return m.DecideWithPolicy(m.Policy(), id, attempts, err)
}

// DecideWithPolicy applies policy instead of the default one.
func (m *Manager) DecideWithPolicy(policy Policy, id string, attempts int, err error) Decision {
	policy = policy.Normalize()

	now := time.Now
	if m != nil && m.now != nil {
		now = m.now
	}

	if m.Classify(err) == ClassPermanent {
		return Decision{Action: ActionDeadLetter, Reason: ReasonPermanent, Err: err}
	}

	if attempts >= policy.MaxAttempts {
		return Decision{
			Action: ActionDeadLetter,
			Reason: ReasonAttemptsExceeded,
			Err:    &libOrchestrator.PoisonRecordError{ID: id, Attempts: attempts, Err: err},
		}
	}

	// The first retry waits Initial, the next Initial*Multiplier and so on.
	delay := policy.Backoff.Delay(max(attempts-1, 0))

	return Decision{
		Action:        ActionRetry,
		NextAttemptAt: now().UTC().Add(delay),
		Delay:         delay,
		Reason:        ReasonTransient,
		Err:           fmt.Errorf("attempt %d/%d: %w", attempts, policy.MaxAttempts, err),
	}
}
