package orchestrator

import (
	"errors"
	"fmt"
)

// TransientDeliveryError is a recoverable failure: a timeout, an unavailable
// downstream or an open circuit. It is retried with backoff.
type TransientDeliveryError struct {
	Op  string
	Err error
}

func (e *TransientDeliveryError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("transient delivery error: %v", e.Err)
	}

	return fmt.Sprintf("transient delivery error in %s: %v", e.Op, e.Err)
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }

// PermanentValidationError is a deterministic precondition failure. It is never
// retried and surfaces for manual remediation.
type PermanentValidationError struct {
	Reason string
	Err    error
}

func (e *PermanentValidationError) Error() string {
	if e.Err == nil {
		return "permanent validation error: " + e.Reason
	}

	return fmt.Sprintf("permanent validation error: %s: %v", e.Reason, e.Err)
}

func (e *PermanentValidationError) Unwrap() error { return e.Err }

// CapacityExceededError reports a backlog above its alert threshold. It is an
// operational signal and never attached to a single record.
type CapacityExceededError struct {
	Backlog   int64
	Threshold int64
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded: backlog %d above threshold %d", e.Backlog, e.Threshold)
}

// PoisonRecordError marks a record or run that failed on every attempt up to
// the ceiling and was moved to dead-letter.
type PoisonRecordError struct {
	ID       string
	Attempts int
	Err      error
}

func (e *PoisonRecordError) Error() string {
	return fmt.Sprintf("poison record %s after %d attempts: %v", e.ID, e.Attempts, e.Err)
}

func (e *PoisonRecordError) Unwrap() error { return e.Err }

// NewTransientError wraps err as a TransientDeliveryError. A nil err yields nil.
func NewTransientError(op string, err error) error {
	if err == nil {
		return nil
	}

	return &TransientDeliveryError{Op: op, Err: err}
}

// NewPermanentError wraps err as a PermanentValidationError.
func NewPermanentError(reason string, err error) error {
	return &PermanentValidationError{Reason: reason, Err: err}
}

// IsTransient reports whether err is marked as transient.
func IsTransient(err error) bool {
	var transient *TransientDeliveryError

	return errors.As(err, &transient)
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var (
		permanent *PermanentValidationError
		poison    *PoisonRecordError
	)

	return errors.As(err, &permanent) || errors.As(err, &poison)
}

// Response is the JSON error body returned by the administrative surface.
type Response struct {
	EntityType string `json:"entityType,omitempty"`
	Title      string `json:"title,omitempty"`
	Message    string `json:"message,omitempty"`
	Code       string `json:"code,omitempty"`
	Err        error  `json:"-"`
}

func (e Response) Error() string {
	return e.Message
}

func (e Response) Unwrap() error { return e.Err }
