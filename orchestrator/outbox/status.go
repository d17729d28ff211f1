package outbox

import "fmt"

// RecordStatus is a record lifecycle state.
type RecordStatus string

const (
	StatusPending      RecordStatus = "PENDING"
	StatusLeased       RecordStatus = "LEASED"
	StatusRetry        RecordStatus = "RETRY"
	StatusProcessed    RecordStatus = "PROCESSED"
	StatusDeadLettered RecordStatus = "DEAD_LETTERED"
)

// ParseRecordStatus validates a raw status.
func ParseRecordStatus(raw string) (RecordStatus, error) {
	status := RecordStatus(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrRecordStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether status is part of the lifecycle.
func (status RecordStatus) IsValid() bool {
	switch status {
	case StatusPending, StatusLeased, StatusRetry, StatusProcessed, StatusDeadLettered:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether status may move to next. LEASED may be
// re-leased once its lease expires; DEAD_LETTERED only returns to PENDING
// through an administrative replay.
func (status RecordStatus) CanTransitionTo(next RecordStatus) bool {
	switch status {
	case StatusPending, StatusRetry:
		return next == StatusLeased
	case StatusLeased:
		return next == StatusLeased || next == StatusProcessed || next == StatusRetry || next == StatusDeadLettered
	case StatusDeadLettered:
		return next == StatusPending
	default:
		return false
	}
}

// ValidateRecordTransition checks a raw transition.
func ValidateRecordTransition(from, to RecordStatus) error {
	if !from.IsValid() {
		return fmt.Errorf("from status: %w: %q", ErrRecordStatusInvalid, from)
	}

	if !to.IsValid() {
		return fmt.Errorf("to status: %w: %q", ErrRecordStatusInvalid, to)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrRecordTransitionInvalid, from, to)
	}

	return nil
}

func (status RecordStatus) String() string {
	return string(status)
}
