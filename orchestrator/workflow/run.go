package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/outbox"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// StepStatus is the lifecycle state of a step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// Run is one execution of a definition for one trigger event.
type Run struct {
	ID                uuid.UUID      `json:"id"`
	DefinitionID      uuid.UUID      `json:"definitionId"`
	DefinitionName    string         `json:"definitionName"`
	DefinitionVersion int            `json:"definitionVersion"`
	TenantID          string         `json:"tenantId"`
	TriggerEventID    uuid.UUID      `json:"triggerEventId"`
	TriggerEventType  string         `json:"triggerEventType"`
	TriggerPayload    map[string]any `json:"triggerPayload"`
	TriggerMeta       map[string]any `json:"triggerMeta"`
	CorrelationID     string         `json:"correlationId"`
	Status            RunStatus      `json:"status"`
	// Attempts counts executions started, including the current one.
	Attempts      int        `json:"attempts"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	// Escalated marks a failed run that will not be retried automatically.
	Escalated bool `json:"escalated"`
	// LeaseToken identifies the executor of a running run until
	// LeaseExpiresAt; after that the run may be claimed again.
	LeaseToken     uuid.UUID  `json:"-"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Terminal reports whether the run will never change again on its own.
func (run *Run) Terminal() bool {
	if run == nil {
		return false
	}

	return run.Status == RunCompleted || (run.Status == RunFailed && run.Escalated)
}

// AwaitingRetry reports whether the run has a scheduled execution: a failed
// run in backoff or a replayed run waiting to be resumed.
func (run *Run) AwaitingRetry() bool {
	if run == nil || run.NextAttemptAt == nil {
		return false
	}

	return run.Status == RunPending || (run.Status == RunFailed && !run.Escalated)
}

// LeaseExpired reports whether a running run's executor has stopped
// extending its lease by now.
func (run *Run) LeaseExpired(now time.Time) bool {
	if run == nil || run.Status != RunRunning {
		return false
	}

	return run.LeaseExpiresAt == nil || !run.LeaseExpiresAt.After(now)
}

// Due reports whether the sweeper should resume the run at now: a retry or
// replay whose time has come, or a running run whose lease has expired.
func (run *Run) Due(now time.Time) bool {
	if run.AwaitingRetry() {
		return !run.NextAttemptAt.After(now)
	}

	return run.LeaseExpired(now)
}

// RunClaim is the lease an executor takes on a run.
type RunClaim struct {
	Token     uuid.UUID
	ExpiresAt time.Time
}

// RunStep records the execution of the action at ActionIndex.
type RunStep struct {
	ID             uuid.UUID      `json:"id"`
	RunID          uuid.UUID      `json:"runId"`
	ActionIndex    int            `json:"actionIndex"`
	ActionType     ActionType     `json:"actionType"`
	Status         StepStatus     `json:"status"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	AttemptCount   int            `json:"attemptCount"`
	IdempotencyKey string         `json:"idempotencyKey"`
	StartedAt      time.Time      `json:"startedAt"`
	FinishedAt     *time.Time     `json:"finishedAt,omitempty"`
}

// RunFailure is what FailRun records.
type RunFailure struct {
	Error string
	// NextAttemptAt schedules a retry; nil together with Escalated ends the run.
	NextAttemptAt *time.Time
	Escalated     bool
}

// RunFilter pages through escalated runs, newest first.
type RunFilter struct {
	TenantID     string
	DefinitionID uuid.UUID
	Limit        int
	Offset       int
}

// DefinitionStore keeps published definitions.
type DefinitionStore interface {
	// Publish stores definition under a new ID with Version one above the
	// latest version of the same name.
	Publish(ctx context.Context, definition *Definition) (*Definition, error)
	Get(ctx context.Context, id uuid.UUID) (*Definition, error)
	// ListEnabled returns enabled definitions triggered by eventType, oldest
	// first.
	ListEnabled(ctx context.Context, eventType string) ([]*Definition, error)
	List(ctx context.Context) ([]*Definition, error)
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
}

// RunStore keeps runs and their steps. Run transitions are status-guarded and
// return ErrRunTransitionConflict when the guard does not hold.
type RunStore interface {
	// CreateRun inserts a pending run. A run for the same definition and
	// trigger event yields ErrRunExists.
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	GetRunByTrigger(ctx context.Context, definitionID, triggerEventID uuid.UUID) (*Run, error)
	// ListRunsByTrigger returns every run created for triggerEventID,
	// whatever the state of its definition.
	ListRunsByTrigger(ctx context.Context, triggerEventID uuid.UUID) ([]*Run, error)
	// StartRun claims a pending run, a retryable failed run or a running run
	// whose lease expired, moves it to running under claim and increments
	// Attempts. A live lease yields ErrRunTransitionConflict.
	StartRun(ctx context.Context, id uuid.UUID, claim RunClaim, now time.Time) (*Run, error)
	// ExtendRunLease moves the expiry of the caller's lease. ErrRunLeaseLost
	// means another executor claimed the run.
	ExtendRunLease(ctx context.Context, id uuid.UUID, claim RunClaim, now time.Time) error
	// CompleteRun and FailRun release the lease identified by token.
	CompleteRun(ctx context.Context, id, token uuid.UUID, now time.Time) error
	FailRun(ctx context.Context, id, token uuid.UUID, failure RunFailure, now time.Time) error
	// ReplayRun returns an escalated run to pending with its attempts reset.
	ReplayRun(ctx context.Context, id uuid.UUID, now time.Time) (*Run, error)
	// DueRuns lists runs for which Run.Due(now) holds, oldest due time
	// first.
	DueRuns(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ListEscalated(ctx context.Context, filter RunFilter) ([]*Run, error)

	ListSteps(ctx context.Context, runID uuid.UUID) ([]*RunStep, error)
	// BeginStep upserts the step as pending and increments AttemptCount. An
	// existing IdempotencyKey is kept.
	BeginStep(ctx context.Context, step *RunStep) (*RunStep, error)
	// FinishStep finalizes a pending step at step.AttemptCount.
	FinishStep(ctx context.Context, step *RunStep) error
	// FinishStepTx is FinishStep inside tx, committed with an outbox append.
	FinishStepTx(ctx context.Context, tx outbox.Tx, step *RunStep) error
}
