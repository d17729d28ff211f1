package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the slice of a database transaction the writer needs. *sql.Tx
// satisfies it, as does the in-memory store's transaction.
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// TxRunner opens a transaction, runs fn and commits when fn returns nil.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// ClaimRequest selects records to lease.
type ClaimRequest struct {
	Limit         int
	Owner         string
	LeaseDuration time.Duration
	// TenantID restricts the claim when set.
	TenantID string
	Now      time.Time
}

// DeadLetterFilter pages through dead-lettered records, newest first.
type DeadLetterFilter struct {
	TenantID  string
	EventType string
	Limit     int
	Offset    int
}

// OutboxRepository persists records and guards every post-claim transition
// with the lease token. A guarded call that matches no row returns
// ErrLeaseLost.
type OutboxRepository interface {
	// CreateWithTx inserts a PENDING record through the caller's transaction.
	CreateWithTx(ctx context.Context, tx Tx, record *OutboxRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*OutboxRecord, error)
	// ClaimBatch leases up to Limit records that are PENDING, due for RETRY or
	// LEASED with an expired lease, oldest first. Each claim increments
	// DeliveryAttempts and loads CompletedHandlers.
	ClaimBatch(ctx context.Context, req ClaimRequest) ([]*OutboxRecord, error)
	MarkHandlerDelivered(ctx context.Context, id, leaseToken uuid.UUID, handlers []string) error
	MarkProcessed(ctx context.Context, id, leaseToken uuid.UUID) error
	ScheduleRetry(ctx context.Context, id, leaseToken uuid.UUID, nextAttemptAt time.Time, lastError string) error
	MarkDeadLettered(ctx context.Context, id, leaseToken uuid.UUID, lastError string) error
	ListDeadLettered(ctx context.Context, filter DeadLetterFilter) ([]*OutboxRecord, error)
	// Replay returns a dead-lettered record to PENDING and resets its attempt
	// ceiling. Completed handlers are kept.
	Replay(ctx context.Context, id uuid.UUID) (*OutboxRecord, error)
	// CountBacklog counts records that are not PROCESSED or DEAD_LETTERED.
	CountBacklog(ctx context.Context) (int64, error)
}
