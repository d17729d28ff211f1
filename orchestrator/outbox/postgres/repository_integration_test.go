//go:build integration

package postgres_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/internal/pgtest"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/outbox"
	outboxpg "github.com/LerianStudio/lib-orchestrator/orchestrator/outbox/postgres"
)

type integrationFixture struct {
	repo   *outboxpg.Repository
	runner *outboxpg.TxRunner
	writer *outbox.Writer
}

func newIntegrationFixture(t *testing.T) *integrationFixture {
	t.Helper()

	client := pgtest.NewMigratedClient(t)

	repo, err := outboxpg.NewRepository(client)
	require.NoError(t, err)

	runner, err := outboxpg.NewTxRunner(client)
	require.NoError(t, err)

	writer, err := outbox.NewWriter(repo)
	require.NoError(t, err)

	return &integrationFixture{repo: repo, runner: runner, writer: writer}
}

func (f *integrationFixture) append(t *testing.T, tenant string) *outbox.EventEnvelope {
	t.Helper()

	envelope, err := f.writer.AppendInTx(context.Background(), f.runner, outbox.AppendInput{
		TenantID:  tenant,
		EventType: "contract.signed",
		Payload:   map[string]any{"contractId": uuid.NewString(), "amount": 10},
		ActorID:   "user-1",
	}, nil)
	require.NoError(t, err)

	return envelope
}

func claim(t *testing.T, repo *outboxpg.Repository, owner string, limit int) []*outbox.OutboxRecord {
	t.Helper()

	records, err := repo.ClaimBatch(context.Background(), outbox.ClaimRequest{
		Limit:         limit,
		Owner:         owner,
		LeaseDuration: time.Minute,
	})
	require.NoError(t, err)

	return records
}

func TestRepository_AppendClaimProcess(t *testing.T) {
	f := newIntegrationFixture(t)
	ctx := context.Background()

	first := f.append(t, "tenant-a")
	second := f.append(t, "tenant-a")

	records := claim(t, f.repo, "worker-1", 10)
	require.Len(t, records, 2)
	assert.Equal(t, first.ID, records[0].ID)
	assert.Equal(t, second.ID, records[1].ID)
	assert.Equal(t, outbox.StatusLeased, records[0].Status)
	assert.Equal(t, 1, records[0].DeliveryAttempts)
	assert.NotEqual(t, uuid.Nil, records[0].LeaseToken)
	assert.InDelta(t, 10.0, records[0].Payload["amount"], 0)

	// leased rows are invisible to other claimers until the lease expires
	assert.Empty(t, claim(t, f.repo, "worker-2", 10))

	require.NoError(t, f.repo.MarkHandlerDelivered(ctx, first.ID, records[0].LeaseToken, []string{"notify", "notify"}))
	require.NoError(t, f.repo.MarkProcessed(ctx, first.ID, records[0].LeaseToken))

	got, err := f.repo.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusProcessed, got.Status)
	assert.Equal(t, []string{"notify"}, got.CompletedHandlers)
	assert.Equal(t, uuid.Nil, got.LeaseToken)

	assert.ErrorIs(t, f.repo.MarkProcessed(ctx, first.ID, records[0].LeaseToken), outbox.ErrLeaseLost)
	assert.ErrorIs(t, f.repo.MarkProcessed(ctx, uuid.New(), records[0].LeaseToken), outbox.ErrRecordNotFound)

	backlog, err := f.repo.CountBacklog(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), backlog)
}

func TestRepository_RollbackLeavesNoRecord(t *testing.T) {
	f := newIntegrationFixture(t)

	errAbort := assert.AnError

	err := f.runner.WithinTx(context.Background(), func(ctx context.Context, tx outbox.Tx) error {
		if _, err := f.writer.Append(ctx, tx, outbox.AppendInput{
			TenantID:  "tenant-a",
			EventType: "contract.signed",
			Payload:   map[string]any{"contractId": "c-1"},
			ActorID:   "user-1",
		}); err != nil {
			return err
		}

		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	assert.Empty(t, claim(t, f.repo, "worker-1", 10))
}

func TestRepository_ConcurrentClaimsNeverOverlap(t *testing.T) {
	f := newIntegrationFixture(t)

	for range 40 {
		f.append(t, "tenant-a")
	}

	var (
		mu   sync.Mutex
		seen = make(map[uuid.UUID]string)
		wg   sync.WaitGroup
	)

	for worker := range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			owner := uuid.NewString()

			for range 5 {
				records, err := f.repo.ClaimBatch(context.Background(), outbox.ClaimRequest{Limit: 3, Owner: owner, LeaseDuration: time.Minute})
				if !assert.NoError(t, err, "worker %d", worker) {
					return
				}

				mu.Lock()
				for _, record := range records {
					prev, dup := seen[record.ID]
					assert.False(t, dup, "record %s claimed by %s and %s", record.ID, prev, owner)
					seen[record.ID] = owner
				}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	assert.Len(t, seen, 40)
}

func TestRepository_RetryDeadLetterReplay(t *testing.T) {
	f := newIntegrationFixture(t)
	ctx := context.Background()

	envelope := f.append(t, "tenant-b")

	records := claim(t, f.repo, "worker-1", 1)
	require.Len(t, records, 1)

	next := time.Now().UTC().Add(time.Hour)
	require.NoError(t, f.repo.ScheduleRetry(ctx, envelope.ID, records[0].LeaseToken, next, "attempt 1/5: timeout"))
	assert.Empty(t, claim(t, f.repo, "worker-1", 1), "retry not yet due")

	got, err := f.repo.GetByID(ctx, envelope.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusRetry, got.Status)
	assert.Equal(t, "attempt 1/5: timeout", got.LastError)

	// make it due, then dead-letter it
	due, err := f.repo.ClaimBatch(ctx, outbox.ClaimRequest{Limit: 1, Owner: "w", LeaseDuration: time.Minute, Now: next.Add(time.Second)})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 2, due[0].DeliveryAttempts)

	require.NoError(t, f.repo.MarkDeadLettered(ctx, envelope.ID, due[0].LeaseToken, "permanent validation error: bad"))

	dead, err := f.repo.ListDeadLettered(ctx, outbox.DeadLetterFilter{TenantID: "tenant-b"})
	require.NoError(t, err)
	require.Len(t, dead, 1)

	other, err := f.repo.ListDeadLettered(ctx, outbox.DeadLetterFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.Empty(t, other)

	tenants, err := f.repo.DiscoverTenants(ctx)
	require.NoError(t, err)
	assert.NotContains(t, tenants, "tenant-b")

	replayed, err := f.repo.Replay(ctx, envelope.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, replayed.Status)
	assert.Equal(t, 2, replayed.ReplayBaseAttempts)
	assert.Zero(t, replayed.AttemptsSinceReplay())

	_, err = f.repo.Replay(ctx, envelope.ID)
	assert.ErrorIs(t, err, outbox.ErrNotDeadLettered)

	_, err = f.repo.Replay(ctx, uuid.New())
	assert.ErrorIs(t, err, outbox.ErrRecordNotFound)
}
