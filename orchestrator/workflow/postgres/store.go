package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/internal/nilcheck"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	libOpentelemetry "github.com/LerianStudio/lib-orchestrator/orchestrator/opentelemetry"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/outbox"
	libPostgres "github.com/LerianStudio/lib-orchestrator/orchestrator/postgres"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/workflow"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	definitionColumns = "id, name, version, trigger_event_type, conditions, actions, retry_policy, enabled, created_at"

	runColumns = "id, definition_id, definition_name, definition_version, tenant_id, trigger_event_id, " +
		"trigger_event_type, trigger_payload, trigger_meta, correlation_id, status, attempts, next_attempt_at, " +
		"escalated, lease_token, lease_expires_at, error, started_at, completed_at, created_at, updated_at"

	stepColumns = "id, run_id, action_index, action_type, status, result, error, attempt_count, " +
		"idempotency_key, started_at, finished_at"
)

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrStoreNotInitialized = errors.New("workflow store not initialized")
	ErrDefinitionConflict  = errors.New("definition version was published concurrently")
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger log.Logger) Option {
	return func(store *Store) {
		if !nilcheck.Interface(logger) {
			store.logger = logger
		}
	}
}

// WithClock overrides time.Now for timestamps the store writes.
func WithClock(now func() time.Time) Option {
	return func(store *Store) {
		if now != nil {
			store.now = now
		}
	}
}

// Store implements workflow.DefinitionStore and workflow.RunStore.
type Store struct {
	client *libPostgres.Client
	logger log.Logger
	now    func() time.Time
}

var (
	_ workflow.DefinitionStore = (*Store)(nil)
	_ workflow.RunStore        = (*Store)(nil)
)

// NewStore builds a store over client.
func NewStore(client *libPostgres.Client, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, ErrConnectionRequired
	}

	store := &Store{client: client, logger: log.NewNop(), now: time.Now}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store, nil
}

func (store *Store) initialized() bool {
	return store != nil && store.client != nil
}

// Publish stores definition as the next version of its name. Versions of one
// name are serialized with a transaction-scoped advisory lock.
func (store *Store) Publish(ctx context.Context, definition *workflow.Definition) (*workflow.Definition, error) {
	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if definition == nil {
		return nil, workflow.ErrDefinitionRequired
	}

	published := *definition
	published.Normalize()

	if err := published.Validate(); err != nil {
		return nil, err
	}

	conditions, err := json.Marshal(nonNilConditions(published.Conditions))
	if err != nil {
		return nil, fmt.Errorf("%w: conditions: %w", workflow.ErrDefinitionInvalid, err)
	}

	actions, err := json.Marshal(published.Actions)
	if err != nil {
		return nil, fmt.Errorf("%w: actions: %w", workflow.ErrDefinitionInvalid, err)
	}

	retryPolicy, err := json.Marshal(published.RetryPolicy)
	if err != nil {
		return nil, fmt.Errorf("%w: retry policy: %w", workflow.ErrDefinitionInvalid, err)
	}

	logger, tracer, _, _ := libOrchestrator.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.publish_workflow_definition")
	defer span.End()

	published.ID = uuid.New()
	published.CreatedAt = store.now().UTC()

	err = store.client.WithinTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", published.Name); err != nil {
			return fmt.Errorf("lock definition name: %w", err)
		}

		var latest int
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(version), 0) FROM workflow_definitions WHERE name = $1", published.Name,
		).Scan(&latest); err != nil {
			return fmt.Errorf("read latest version: %w", err)
		}

		published.Version = latest + 1

		_, err := tx.ExecContext(ctx,
			"INSERT INTO workflow_definitions (id, name, version, trigger_event_type, conditions, actions, "+
				"retry_policy, enabled, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)",
			published.ID, published.Name, published.Version, published.TriggerEventType,
			conditions, actions, retryPolicy, published.Enabled, published.CreatedAt,
		)
		if libPostgres.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s v%d", ErrDefinitionConflict, published.Name, published.Version)
		}

		return err
	})
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to publish definition", err)
		log.SafeError(logger, ctx, "failed to publish workflow definition", err, false)

		return nil, fmt.Errorf("publishing definition: %w", err)
	}

	return &published, nil
}

// Get reads a definition from the primary.
func (store *Store) Get(ctx context.Context, id uuid.UUID) (*workflow.Definition, error) {
	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	primary, err := store.client.Primary(ctx)
	if err != nil {
		return nil, err
	}

	definition, err := scanDefinition(primary.QueryRowContext(ctx,
		"SELECT "+definitionColumns+" FROM workflow_definitions WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", workflow.ErrDefinitionNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("get definition: %w", err)
	}

	return definition, nil
}

// ListEnabled reads from the primary so a disable takes effect on the next
// event.
func (store *Store) ListEnabled(ctx context.Context, eventType string) ([]*workflow.Definition, error) {
	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	primary, err := store.client.Primary(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := primary.QueryContext(ctx,
		"SELECT "+definitionColumns+" FROM workflow_definitions WHERE enabled AND trigger_event_type = $1"+
			" ORDER BY created_at, id", eventType)
	if err != nil {
		return nil, fmt.Errorf("listing enabled definitions: %w", err)
	}

	return scanDefinitions(rows)
}

// List returns every definition, served by a replica when one is configured.
func (store *Store) List(ctx context.Context) ([]*workflow.Definition, error) {
	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	resolver, err := store.client.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := resolver.QueryContext(ctx,
		"SELECT "+definitionColumns+" FROM workflow_definitions ORDER BY name, version")
	if err != nil {
		return nil, fmt.Errorf("listing definitions: %w", err)
	}

	return scanDefinitions(rows)
}

// SetEnabled toggles a definition.
func (store *Store) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	primary, err := store.client.Primary(ctx)
	if err != nil {
		return err
	}

	result, err := primary.ExecContext(ctx,
		"UPDATE workflow_definitions SET enabled = $2, updated_at = $3 WHERE id = $1",
		id, enabled, store.now().UTC())
	if err != nil {
		return fmt.Errorf("toggling definition: %w", err)
	}

	if affected, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if affected == 0 {
		return fmt.Errorf("%w: %s", workflow.ErrDefinitionNotFound, id)
	}

	return nil
}

// CreateRun inserts a pending run; the unique trigger constraint turns a
// duplicate into workflow.ErrRunExists.
func (store *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if run == nil {
		return workflow.ErrRunNotFound
	}

	payload, err := json.Marshal(nonNilMap(run.TriggerPayload))
	if err != nil {
		return fmt.Errorf("encode trigger payload: %w", err)
	}

	meta, err := json.Marshal(nonNilMap(run.TriggerMeta))
	if err != nil {
		return fmt.Errorf("encode trigger meta: %w", err)
	}

	logger, tracer, _, _ := libOrchestrator.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.create_workflow_run")
	defer span.End()

	primary, err := store.client.Primary(ctx)
	if err != nil {
		return err
	}

	_, err = primary.ExecContext(ctx,
		"INSERT INTO workflow_runs (id, definition_id, definition_name, definition_version, tenant_id, "+
			"trigger_event_id, trigger_event_type, trigger_payload, trigger_meta, correlation_id, status, "+
			"created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'pending', $11, $11)",
		run.ID, run.DefinitionID, run.DefinitionName, run.DefinitionVersion, run.TenantID,
		run.TriggerEventID, run.TriggerEventType, payload, meta, run.CorrelationID, run.CreatedAt,
	)
	if libPostgres.IsUniqueViolation(err) {
		return workflow.ErrRunExists
	}

	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to create run", err)
		log.SafeError(logger, ctx, "failed to create workflow run", err, false)

		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

// GetRun reads a run from the primary.
func (store *Store) GetRun(ctx context.Context, id uuid.UUID) (*workflow.Run, error) {
	return store.getRun(ctx, "id = $1", id)
}

// GetRunByTrigger reads the run created for definitionID by triggerEventID.
func (store *Store) GetRunByTrigger(ctx context.Context, definitionID, triggerEventID uuid.UUID) (*workflow.Run, error) {
	return store.getRun(ctx, "definition_id = $1 AND trigger_event_id = $2", definitionID, triggerEventID)
}

func (store *Store) getRun(ctx context.Context, where string, args ...any) (*workflow.Run, error) {
	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	primary, err := store.client.Primary(ctx)
	if err != nil {
		return nil, err
	}

	run, err := scanRun(primary.QueryRowContext(ctx, "SELECT "+runColumns+" FROM workflow_runs WHERE "+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrRunNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	return run, nil
}

// ListRunsByTrigger reads every run created for triggerEventID from the
// primary, oldest first.
func (store *Store) ListRunsByTrigger(ctx context.Context, triggerEventID uuid.UUID) ([]*workflow.Run, error) {
	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	primary, err := store.client.Primary(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := primary.QueryContext(ctx,
		"SELECT "+runColumns+" FROM workflow_runs WHERE trigger_event_id = $1 ORDER BY created_at, id",
		triggerEventID)
	if err != nil {
		return nil, fmt.Errorf("listing runs by trigger: %w", err)
	}

	return scanRuns(rows)
}

// StartRun claims a pending or retryable failed run, or a running run whose
// lease expired at or before now.
func (store *Store) StartRun(ctx context.Context, id uuid.UUID, claim workflow.RunClaim, now time.Time) (*workflow.Run, error) {
	run, _, err := store.transition(ctx, "postgres.start_workflow_run", id,
		"status = 'running', attempts = attempts + 1, next_attempt_at = NULL, lease_token = $3,"+
			" lease_expires_at = $4, started_at = COALESCE(started_at, $2), updated_at = $2",
		"status = 'pending' OR (status = 'failed' AND NOT escalated)"+
			" OR (status = 'running' AND (lease_expires_at IS NULL OR lease_expires_at <= $2))",
		now, claim.Token, claim.ExpiresAt.UTC())
	if err != nil {
		return nil, err
	}

	return run, nil
}

// ExtendRunLease moves the expiry of the lease held under claim.Token.
func (store *Store) ExtendRunLease(ctx context.Context, id uuid.UUID, claim workflow.RunClaim, now time.Time) error {
	_, current, err := store.transition(ctx, "postgres.extend_workflow_run_lease", id,
		"lease_expires_at = $4, updated_at = $2",
		"status = 'running' AND lease_token = $3",
		now, claim.Token, claim.ExpiresAt.UTC())

	return leaseConflict(current, claim.Token, err)
}

// CompleteRun finishes a running run held under token.
func (store *Store) CompleteRun(ctx context.Context, id, token uuid.UUID, now time.Time) error {
	_, current, err := store.transition(ctx, "postgres.complete_workflow_run", id,
		"status = 'completed', error = NULL, lease_token = NULL, lease_expires_at = NULL,"+
			" completed_at = $2, updated_at = $2",
		"status = 'running' AND lease_token = $3",
		now, token)

	return leaseConflict(current, token, err)
}

// FailRun records a failure on a running run held under token.
func (store *Store) FailRun(ctx context.Context, id, token uuid.UUID, failure workflow.RunFailure, now time.Time) error {
	var next any
	if failure.NextAttemptAt != nil && !failure.Escalated {
		next = failure.NextAttemptAt.UTC()
	}

	_, current, err := store.transition(ctx, "postgres.fail_workflow_run", id,
		"status = 'failed', error = $4, escalated = $5, next_attempt_at = $6,"+
			" lease_token = NULL, lease_expires_at = NULL, updated_at = $2",
		"status = 'running' AND lease_token = $3",
		now, token, failure.Error, failure.Escalated, next)

	return leaseConflict(current, token, err)
}

// leaseConflict tells a run claimed by someone else apart from a run that
// left the running state.
func leaseConflict(current *workflow.Run, token uuid.UUID, err error) error {
	if !errors.Is(err, workflow.ErrRunTransitionConflict) || current == nil {
		return err
	}

	if current.Status == workflow.RunRunning && current.LeaseToken != token {
		return fmt.Errorf("%w: run %s", workflow.ErrRunLeaseLost, current.ID)
	}

	return err
}

// ReplayRun returns an escalated run to pending with its attempts reset. The
// run is due immediately so the sweeper picks it up if nothing resumes it.
func (store *Store) ReplayRun(ctx context.Context, id uuid.UUID, now time.Time) (*workflow.Run, error) {
	run, _, err := store.transition(ctx, "postgres.replay_workflow_run", id,
		"status = 'pending', escalated = FALSE, attempts = 0, next_attempt_at = $2, updated_at = $2",
		"status = 'failed' AND escalated",
		now)
	if errors.Is(err, workflow.ErrRunTransitionConflict) {
		return nil, fmt.Errorf("%w: %s", workflow.ErrRunNotDeadLettered, id)
	}

	return run, err
}

func (store *Store) transition(
	ctx context.Context,
	spanName string,
	id uuid.UUID,
	set, guard string,
	now time.Time,
	args ...any,
) (updated, current *workflow.Run, err error) {
	if !store.initialized() {
		return nil, nil, ErrStoreNotInitialized
	}

	logger, tracer, _, _ := libOrchestrator.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	primary, err := store.client.Primary(ctx)
	if err != nil {
		return nil, nil, err
	}

	query := "UPDATE workflow_runs SET " + set + " WHERE id = $1 AND (" + guard + ") RETURNING " + runColumns

	run, err := scanRun(primary.QueryRowContext(ctx, query, append([]any{id, now.UTC()}, args...)...))
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := store.GetRun(ctx, id)
		if getErr != nil {
			return nil, nil, getErr
		}

		return nil, current, workflow.ErrRunTransitionConflict
	}

	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to update run", err)
		log.SafeError(logger, ctx, "failed to update workflow run", err, false)

		return nil, nil, fmt.Errorf("updating run: %w", err)
	}

	return run, nil, nil
}

// DueRuns lists retries and replays whose time has come and running runs
// whose lease expired.
func (store *Store) DueRuns(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if limit <= 0 {
		limit = defaultListLimit
	}

	primary, err := store.client.Primary(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := primary.QueryContext(ctx,
		"SELECT id FROM workflow_runs WHERE"+
			" ((status = 'pending' OR (status = 'failed' AND NOT escalated))"+
			" AND next_attempt_at IS NOT NULL AND next_attempt_at <= $1)"+
			" OR (status = 'running' AND (lease_expires_at IS NULL OR lease_expires_at <= $1))"+
			" ORDER BY COALESCE(next_attempt_at, lease_expires_at, updated_at), created_at LIMIT $2",
		now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("listing due runs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning run id: %w", err)
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// ListEscalated pages through escalated runs, most recently updated first.
func (store *Store) ListEscalated(ctx context.Context, filter workflow.RunFilter) ([]*workflow.Run, error) {
	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	limit = min(limit, maxListLimit)

	resolver, err := store.client.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	var definitionID any
	if filter.DefinitionID != uuid.Nil {
		definitionID = filter.DefinitionID
	}

	rows, err := resolver.QueryContext(ctx,
		"SELECT "+runColumns+" FROM workflow_runs WHERE status = 'failed' AND escalated"+
			" AND ($1::text = '' OR tenant_id = $1) AND ($2::uuid IS NULL OR definition_id = $2)"+
			" ORDER BY updated_at DESC, id LIMIT $3 OFFSET $4",
		filter.TenantID, definitionID, limit, max(filter.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("listing escalated runs: %w", err)
	}

	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}

	if runs == nil {
		runs = []*workflow.Run{}
	}

	return runs, nil
}

// ListSteps returns the steps of runID ordered by action index.
func (store *Store) ListSteps(ctx context.Context, runID uuid.UUID) ([]*workflow.RunStep, error) {
	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	primary, err := store.client.Primary(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := primary.QueryContext(ctx,
		"SELECT "+stepColumns+" FROM run_steps WHERE run_id = $1 ORDER BY action_index", runID)
	if err != nil {
		return nil, fmt.Errorf("listing steps: %w", err)
	}
	defer rows.Close()

	var steps []*workflow.RunStep

	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}

		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating steps: %w", err)
	}

	return steps, nil
}

// BeginStep upserts the step as pending. A succeeded step is never reopened.
func (store *Store) BeginStep(ctx context.Context, step *workflow.RunStep) (*workflow.RunStep, error) {
	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if step == nil {
		return nil, workflow.ErrStepConflict
	}

	primary, err := store.client.Primary(ctx)
	if err != nil {
		return nil, err
	}

	stored, err := scanStep(primary.QueryRowContext(ctx,
		"INSERT INTO run_steps (id, run_id, action_index, action_type, status, attempt_count, idempotency_key, started_at)"+
			" VALUES ($1, $2, $3, $4, 'pending', 1, $5, $6)"+
			" ON CONFLICT (run_id, action_index) DO UPDATE SET status = 'pending',"+
			" attempt_count = run_steps.attempt_count + 1, result = NULL, error = NULL, finished_at = NULL,"+
			" started_at = EXCLUDED.started_at"+
			" WHERE run_steps.status <> 'succeeded'"+
			" RETURNING "+stepColumns,
		step.ID, step.RunID, step.ActionIndex, string(step.ActionType), step.IdempotencyKey, step.StartedAt.UTC(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: step %d already succeeded", workflow.ErrStepConflict, step.ActionIndex)
	}

	if err != nil {
		return nil, fmt.Errorf("beginning step: %w", err)
	}

	return stored, nil
}

// FinishStep finalizes a pending step at step.AttemptCount.
func (store *Store) FinishStep(ctx context.Context, step *workflow.RunStep) error {
	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	primary, err := store.client.Primary(ctx)
	if err != nil {
		return err
	}

	return finishStep(ctx, primary, step)
}

// FinishStepTx finalizes the step through tx.
func (store *Store) FinishStepTx(ctx context.Context, tx outbox.Tx, step *workflow.RunStep) error {
	if nilcheck.Interface(tx) {
		return outbox.ErrTxRequired
	}

	return finishStep(ctx, tx, step)
}

func finishStep(ctx context.Context, exec outbox.Tx, step *workflow.RunStep) error {
	if step == nil {
		return workflow.ErrStepConflict
	}

	var result any

	if step.Result != nil {
		encoded, err := json.Marshal(step.Result)
		if err != nil {
			return fmt.Errorf("encode step result: %w", err)
		}

		result = encoded
	}

	var finishedAt any
	if step.FinishedAt != nil {
		finishedAt = step.FinishedAt.UTC()
	}

	res, err := exec.ExecContext(ctx,
		"UPDATE run_steps SET status = $3, result = $4, error = NULLIF($5, ''), finished_at = $6"+
			" WHERE run_id = $1 AND action_index = $2 AND status = 'pending' AND attempt_count = $7",
		step.RunID, step.ActionIndex, string(step.Status), result, step.Error, finishedAt, step.AttemptCount,
	)
	if err != nil {
		return fmt.Errorf("finishing step: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: step %d attempt %d", workflow.ErrStepConflict, step.ActionIndex, step.AttemptCount)
	}

	return nil
}
