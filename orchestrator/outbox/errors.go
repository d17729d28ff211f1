package outbox

import "errors"

var (
	ErrAppendRejected          = errors.New("outbox append rejected")
	ErrAppendStorage           = errors.New("outbox append could not be stored")
	ErrTxRequired              = errors.New("outbox append requires a transaction")
	ErrTenantIDRequired        = errors.New("tenant id is required")
	ErrActorIDRequired         = errors.New("actor id is required")
	ErrInvalidEventType        = errors.New("event type must be dotted lowercase, e.g. contract.signed")
	ErrPayloadRequired         = errors.New("event payload is required")
	ErrPayloadTooLarge         = errors.New("event payload exceeds maximum allowed size")
	ErrPayloadNotEncodable     = errors.New("event payload must be JSON-encodable")
	ErrRepositoryRequired      = errors.New("outbox repository is required")
	ErrDelivererRequired       = errors.New("outbox deliverer is required")
	ErrTxRunnerRequired        = errors.New("transaction runner is required")
	ErrDispatcherRequired      = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning       = errors.New("outbox dispatcher is already running")
	ErrRecordNotFound          = errors.New("outbox record not found")
	ErrLeaseLost               = errors.New("outbox lease lost: record was reclaimed or already finalized")
	ErrNotDeadLettered         = errors.New("outbox record is not dead-lettered")
	ErrStorageUnavailable      = errors.New("outbox storage unavailable")
	ErrRecordStatusInvalid     = errors.New("invalid outbox record status")
	ErrRecordTransitionInvalid = errors.New("invalid outbox record status transition")
)
