//go:build unit

package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/workflow"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/workflow/memory"
)

func newRun(t *testing.T, store *memory.Store, triggerEventID uuid.UUID, createdAt time.Time) *workflow.Run {
	t.Helper()

	run := &workflow.Run{
		ID:             uuid.New(),
		DefinitionID:   uuid.New(),
		DefinitionName: "activate-engagement",
		TenantID:       "tenant-a",
		TriggerEventID: triggerEventID,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
	require.NoError(t, store.CreateRun(context.Background(), run))

	return run
}

func TestStartRun_LiveLeaseConflictsUntilExpiry(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	run := newRun(t, store, uuid.New(), now)

	first := workflow.RunClaim{Token: uuid.New(), ExpiresAt: now.Add(time.Minute)}

	started, err := store.StartRun(ctx, run.ID, first, now)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunRunning, started.Status)
	assert.Equal(t, first.Token, started.LeaseToken)

	second := workflow.RunClaim{Token: uuid.New(), ExpiresAt: now.Add(2 * time.Minute)}

	_, err = store.StartRun(ctx, run.ID, second, now.Add(30*time.Second))
	require.ErrorIs(t, err, workflow.ErrRunTransitionConflict)

	due, err := store.DueRuns(ctx, now.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.DueRuns(ctx, first.ExpiresAt, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{run.ID}, due)

	taken, err := store.StartRun(ctx, run.ID, second, first.ExpiresAt)
	require.NoError(t, err)
	assert.Equal(t, 2, taken.Attempts)
	assert.Equal(t, second.Token, taken.LeaseToken)

	assert.ErrorIs(t, store.ExtendRunLease(ctx, run.ID, first, first.ExpiresAt), workflow.ErrRunLeaseLost)
	assert.ErrorIs(t, store.CompleteRun(ctx, run.ID, first.Token, first.ExpiresAt), workflow.ErrRunLeaseLost)
	assert.ErrorIs(t, store.FailRun(ctx, run.ID, first.Token, workflow.RunFailure{Error: "late"}, first.ExpiresAt),
		workflow.ErrRunLeaseLost)

	require.NoError(t, store.CompleteRun(ctx, run.ID, second.Token, first.ExpiresAt))

	completed, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunCompleted, completed.Status)
	assert.Equal(t, uuid.Nil, completed.LeaseToken)
	assert.Nil(t, completed.LeaseExpiresAt)

	assert.ErrorIs(t, store.CompleteRun(ctx, run.ID, second.Token, first.ExpiresAt), workflow.ErrRunTransitionConflict)
}

func TestExtendRunLease_KeepsRunOutOfDueList(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	run := newRun(t, store, uuid.New(), now)

	claim := workflow.RunClaim{Token: uuid.New(), ExpiresAt: now.Add(time.Minute)}

	_, err := store.StartRun(ctx, run.ID, claim, now)
	require.NoError(t, err)

	claim.ExpiresAt = now.Add(5 * time.Minute)
	require.NoError(t, store.ExtendRunLease(ctx, run.ID, claim, now.Add(50*time.Second)))

	due, err := store.DueRuns(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	_, err = store.StartRun(ctx, run.ID, workflow.RunClaim{Token: uuid.New(), ExpiresAt: now.Add(time.Hour)}, now.Add(2*time.Minute))
	assert.ErrorIs(t, err, workflow.ErrRunTransitionConflict)
}

func TestListRunsByTrigger_ReturnsRunsOfEveryDefinition(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	eventID := uuid.New()

	older := newRun(t, store, eventID, now)
	newer := newRun(t, store, eventID, now.Add(time.Second))
	newRun(t, store, uuid.New(), now)

	runs, err := store.ListRunsByTrigger(ctx, eventID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, older.ID, runs[0].ID)
	assert.Equal(t, newer.ID, runs[1].ID)

	runs, err = store.ListRunsByTrigger(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, runs)
}
