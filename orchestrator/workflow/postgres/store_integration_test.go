//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/internal/pgtest"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/outbox"
	outboxpg "github.com/LerianStudio/lib-orchestrator/orchestrator/outbox/postgres"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/workflow"
	workflowpg "github.com/LerianStudio/lib-orchestrator/orchestrator/workflow/postgres"
)

type fixture struct {
	store  *workflowpg.Store
	outbox *outboxpg.Repository
	runner *outboxpg.TxRunner
	writer *outbox.Writer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	client := pgtest.NewMigratedClient(t)

	store, err := workflowpg.NewStore(client)
	require.NoError(t, err)

	repo, err := outboxpg.NewRepository(client)
	require.NoError(t, err)

	runner, err := outboxpg.NewTxRunner(client)
	require.NoError(t, err)

	writer, err := outbox.NewWriter(repo)
	require.NoError(t, err)

	return &fixture{store: store, outbox: repo, runner: runner, writer: writer}
}

func definition() *workflow.Definition {
	return &workflow.Definition{
		Name:             "activate-engagement",
		TriggerEventType: "contract.signed",
		Enabled:          true,
		Conditions:       []workflow.Condition{{Path: "contractId", Op: workflow.OpExists}},
		Actions: []workflow.ActionSpec{
			{Type: workflow.ActionCreateEntity, TargetDomain: "projects", Operation: "project",
				Parameters: map[string]any{"contractId": "{{trigger.contractId}}"}},
			{Type: workflow.ActionEmitEvent, Operation: "engagement.activated",
				Parameters: map[string]any{"projectId": "{{steps.0.projectId}}"}},
		},
		RetryPolicy: workflow.RetryPolicy{MaxAttempts: 3},
	}
}

func (f *fixture) publish(t *testing.T) *workflow.Definition {
	t.Helper()

	published, err := f.store.Publish(context.Background(), definition())
	require.NoError(t, err)

	return published
}

func (f *fixture) createRun(t *testing.T, def *workflow.Definition) *workflow.Run {
	t.Helper()

	run := &workflow.Run{
		ID:                uuid.New(),
		DefinitionID:      def.ID,
		DefinitionName:    def.Name,
		DefinitionVersion: def.Version,
		TenantID:          "tenant-a",
		TriggerEventID:    uuid.New(),
		TriggerEventType:  def.TriggerEventType,
		TriggerPayload:    map[string]any{"contractId": "C-1", "value": 100},
		TriggerMeta:       map[string]any{"actorId": "user-1"},
		CorrelationID:     uuid.NewString(),
		Status:            workflow.RunPending,
		CreatedAt:         time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateRun(context.Background(), run))

	return run
}

func TestStore_PublishAssignsVersionsAndToggles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.publish(t)
	second := f.publish(t)

	assert.Equal(t, 1, first.Version)
	assert.Equal(t, 2, second.Version)

	got, err := f.store.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, "activate-engagement", got.Name)
	require.Len(t, got.Actions, 2)
	assert.Equal(t, "{{trigger.contractId}}", got.Actions[0].Parameters["contractId"])
	assert.Equal(t, 3, got.RetryPolicy.MaxAttempts)

	require.NoError(t, f.store.SetEnabled(ctx, first.ID, false))

	enabled, err := f.store.ListEnabled(ctx, "contract.signed")
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, second.ID, enabled[0].ID)

	assert.ErrorIs(t, f.store.SetEnabled(ctx, uuid.New(), true), workflow.ErrDefinitionNotFound)

	_, err = f.store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, workflow.ErrDefinitionNotFound)
}

func TestStore_CreateRunIsIdempotentPerTrigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	def := f.publish(t)
	run := f.createRun(t, def)

	duplicate := *run
	duplicate.ID = uuid.New()
	assert.ErrorIs(t, f.store.CreateRun(ctx, &duplicate), workflow.ErrRunExists)

	got, err := f.store.GetRunByTrigger(ctx, def.ID, run.TriggerEventID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "C-1", got.TriggerPayload["contractId"])
	assert.Equal(t, "user-1", got.TriggerMeta["actorId"])
}

func TestStore_RunLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	run := f.createRun(t, f.publish(t))
	claim := leaseUntil(now.Add(time.Minute))

	started, err := f.store.StartRun(ctx, run.ID, claim, now)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunRunning, started.Status)
	assert.Equal(t, 1, started.Attempts)
	assert.Equal(t, claim.Token, started.LeaseToken)

	retryAt := now.Add(time.Second)
	require.NoError(t, f.store.FailRun(ctx, run.ID, claim.Token,
		workflow.RunFailure{Error: "step 0: timeout", NextAttemptAt: &retryAt}, now))

	due, err := f.store.DueRuns(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = f.store.DueRuns(ctx, retryAt, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{run.ID}, due)

	_, err = f.store.ReplayRun(ctx, run.ID, now)
	assert.ErrorIs(t, err, workflow.ErrRunNotDeadLettered)

	claim = leaseUntil(retryAt.Add(time.Minute))

	restarted, err := f.store.StartRun(ctx, run.ID, claim, retryAt)
	require.NoError(t, err)
	assert.Equal(t, 2, restarted.Attempts)
	assert.Nil(t, restarted.NextAttemptAt)

	require.NoError(t, f.store.FailRun(ctx, run.ID, claim.Token,
		workflow.RunFailure{Error: "poison record", Escalated: true}, retryAt))

	_, err = f.store.StartRun(ctx, run.ID, leaseUntil(retryAt.Add(time.Minute)), retryAt)
	assert.ErrorIs(t, err, workflow.ErrRunTransitionConflict)

	escalated, err := f.store.ListEscalated(ctx, workflow.RunFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, escalated, 1)
	assert.Equal(t, "poison record", escalated[0].Error)

	others, err := f.store.ListEscalated(ctx, workflow.RunFilter{TenantID: "tenant-b"})
	require.NoError(t, err)
	assert.Empty(t, others)

	replayed, err := f.store.ReplayRun(ctx, run.ID, retryAt)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunPending, replayed.Status)
	assert.Equal(t, 0, replayed.Attempts)
	assert.False(t, replayed.Escalated)
	require.NotNil(t, replayed.NextAttemptAt)

	due, err = f.store.DueRuns(ctx, retryAt, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{run.ID}, due)

	claim = leaseUntil(retryAt.Add(time.Minute))

	_, err = f.store.StartRun(ctx, run.ID, claim, retryAt)
	require.NoError(t, err)
	require.NoError(t, f.store.CompleteRun(ctx, run.ID, claim.Token, retryAt))

	assert.ErrorIs(t, f.store.CompleteRun(ctx, run.ID, claim.Token, retryAt), workflow.ErrRunTransitionConflict)
	assert.ErrorIs(t, f.store.CompleteRun(ctx, uuid.New(), claim.Token, retryAt), workflow.ErrRunNotFound)
}

func leaseUntil(expiresAt time.Time) workflow.RunClaim {
	return workflow.RunClaim{Token: uuid.New(), ExpiresAt: expiresAt}
}

func TestStore_RunLeaseExcludesSecondExecutorUntilExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	expiresAt := now.Add(time.Minute)

	run := f.createRun(t, f.publish(t))
	first := leaseUntil(expiresAt)

	_, err := f.store.StartRun(ctx, run.ID, first, now)
	require.NoError(t, err)

	_, err = f.store.StartRun(ctx, run.ID, leaseUntil(expiresAt), now.Add(time.Second))
	assert.ErrorIs(t, err, workflow.ErrRunTransitionConflict)

	due, err := f.store.DueRuns(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = f.store.DueRuns(ctx, expiresAt, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{run.ID}, due)

	second := leaseUntil(expiresAt.Add(time.Minute))

	taken, err := f.store.StartRun(ctx, run.ID, second, expiresAt)
	require.NoError(t, err)
	assert.Equal(t, 2, taken.Attempts)

	assert.ErrorIs(t, f.store.ExtendRunLease(ctx, run.ID, first, expiresAt), workflow.ErrRunLeaseLost)
	assert.ErrorIs(t, f.store.CompleteRun(ctx, run.ID, first.Token, expiresAt), workflow.ErrRunLeaseLost)
	require.NoError(t, f.store.ExtendRunLease(ctx, run.ID, second, expiresAt))
	require.NoError(t, f.store.CompleteRun(ctx, run.ID, second.Token, expiresAt))

	byTrigger, err := f.store.ListRunsByTrigger(ctx, run.TriggerEventID)
	require.NoError(t, err)
	require.Len(t, byTrigger, 1)
	assert.Equal(t, workflow.RunCompleted, byTrigger[0].Status)
	assert.Nil(t, byTrigger[0].LeaseExpiresAt)
}

func TestStore_StepsKeepIdempotencyKeyAcrossAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run := f.createRun(t, f.publish(t))

	step := &workflow.RunStep{
		ID:             uuid.New(),
		RunID:          run.ID,
		ActionIndex:    0,
		ActionType:     workflow.ActionCreateEntity,
		IdempotencyKey: "key-0",
		StartedAt:      time.Now().UTC(),
	}

	first, err := f.store.BeginStep(ctx, step)
	require.NoError(t, err)
	assert.Equal(t, 1, first.AttemptCount)

	finished := time.Now().UTC()
	first.Status = workflow.StepFailed
	first.Error = "timeout"
	first.FinishedAt = &finished
	require.NoError(t, f.store.FinishStep(ctx, first))

	retry := *step
	retry.ID = uuid.New()
	retry.IdempotencyKey = "ignored"

	second, err := f.store.BeginStep(ctx, &retry)
	require.NoError(t, err)
	assert.Equal(t, 2, second.AttemptCount)
	assert.Equal(t, "key-0", second.IdempotencyKey)
	assert.Empty(t, second.Error)

	// a stale attempt cannot overwrite the current one
	first.Status = workflow.StepSucceeded
	assert.ErrorIs(t, f.store.FinishStep(ctx, first), workflow.ErrStepConflict)

	second.Status = workflow.StepSucceeded
	second.Result = map[string]any{"projectId": "P-1"}
	second.FinishedAt = &finished
	require.NoError(t, f.store.FinishStep(ctx, second))

	_, err = f.store.BeginStep(ctx, &retry)
	assert.ErrorIs(t, err, workflow.ErrStepConflict)

	steps, err := f.store.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, workflow.StepSucceeded, steps[0].Status)
	assert.Equal(t, "P-1", steps[0].Result["projectId"])
}

func TestStore_FinishStepTxSharesOutboxTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run := f.createRun(t, f.publish(t))

	step, err := f.store.BeginStep(ctx, &workflow.RunStep{
		ID:             uuid.New(),
		RunID:          run.ID,
		ActionIndex:    1,
		ActionType:     workflow.ActionEmitEvent,
		IdempotencyKey: "key-1",
		StartedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)

	stale := *step
	stale.AttemptCount = 7
	stale.Status = workflow.StepSucceeded

	var rolledBack uuid.UUID

	err = f.runner.WithinTx(ctx, func(ctx context.Context, tx outbox.Tx) error {
		envelope, err := f.writer.Append(ctx, tx, outbox.AppendInput{
			TenantID:  run.TenantID,
			EventType: "engagement.activated",
			Payload:   map[string]any{"projectId": "P-1"},
			ActorID:   "workflow:activate-engagement",
		})
		if err != nil {
			return err
		}

		rolledBack = envelope.ID

		return f.store.FinishStepTx(ctx, tx, &stale)
	})
	require.ErrorIs(t, err, workflow.ErrStepConflict)

	_, err = f.outbox.GetByID(ctx, rolledBack)
	assert.ErrorIs(t, err, outbox.ErrRecordNotFound)

	finished := time.Now().UTC()
	step.Status = workflow.StepSucceeded
	step.FinishedAt = &finished

	var committed uuid.UUID

	err = f.runner.WithinTx(ctx, func(ctx context.Context, tx outbox.Tx) error {
		envelope, err := f.writer.Append(ctx, tx, outbox.AppendInput{
			TenantID:  run.TenantID,
			EventType: "engagement.activated",
			Payload:   map[string]any{"projectId": "P-1"},
			ActorID:   "workflow:activate-engagement",
		})
		if err != nil {
			return err
		}

		committed = envelope.ID
		step.Result = map[string]any{"eventId": envelope.ID.String()}

		return f.store.FinishStepTx(ctx, tx, step)
	})
	require.NoError(t, err)

	record, err := f.outbox.GetByID(ctx, committed)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, record.Status)

	steps, err := f.store.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, workflow.StepSucceeded, steps[0].Status)

	assert.ErrorIs(t, f.store.FinishStepTx(ctx, nil, step), outbox.ErrTxRequired)
}
