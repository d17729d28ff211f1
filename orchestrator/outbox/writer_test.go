//go:build unit

package outbox_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/outbox"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/outbox/memory"
)

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) Notify() { c.n.Add(1) }

func contractSigned() outbox.AppendInput {
	return outbox.AppendInput{
		TenantID:  "tenant-a",
		EventType: "contract.signed",
		Payload:   map[string]any{"contractId": "c-1"},
		ActorID:   "user-1",
	}
}

func TestWriter_AppendCommitsWithCallerTx(t *testing.T) {
	store := memory.NewStore()
	notifier := &countingNotifier{}

	writer, err := outbox.NewWriter(store, outbox.WithNotifier(notifier))
	require.NoError(t, err)

	var committed bool

	envelope, err := writer.AppendInTx(context.Background(), store, contractSigned(), func(_ context.Context, tx outbox.Tx) error {
		memTx, err := memory.AsTx(tx)
		if err != nil {
			return err
		}

		return memTx.OnCommit(func() { committed = true })
	})
	require.NoError(t, err)

	assert.True(t, committed)
	assert.Equal(t, int32(1), notifier.n.Load())

	record, err := store.GetByID(context.Background(), envelope.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, record.Status)
	assert.Equal(t, "c-1", record.Payload["contractId"])
}

func TestWriter_RollbackDiscardsEvent(t *testing.T) {
	store := memory.NewStore()
	notifier := &countingNotifier{}

	writer, err := outbox.NewWriter(store, outbox.WithNotifier(notifier))
	require.NoError(t, err)

	errDomain := errors.New("contract already signed")

	err = store.WithinTx(context.Background(), func(ctx context.Context, tx outbox.Tx) error {
		if _, err := writer.Append(ctx, tx, contractSigned()); err != nil {
			return err
		}

		return errDomain
	})
	require.ErrorIs(t, err, errDomain)

	assert.Empty(t, store.All())
	assert.Zero(t, notifier.n.Load())
}

func TestWriter_MutationFailureSkipsAppend(t *testing.T) {
	store := memory.NewStore()

	writer, err := outbox.NewWriter(store)
	require.NoError(t, err)

	errDomain := errors.New("insufficient balance")

	_, err = writer.AppendInTx(context.Background(), store, contractSigned(), func(context.Context, outbox.Tx) error {
		return errDomain
	})
	require.ErrorIs(t, err, errDomain)
	assert.Empty(t, store.All())
}

func TestWriter_Rejections(t *testing.T) {
	store := memory.NewStore()

	writer, err := outbox.NewWriter(store)
	require.NoError(t, err)

	_, err = writer.Append(context.Background(), nil, contractSigned())
	assert.ErrorIs(t, err, outbox.ErrTxRequired)

	input := contractSigned()
	input.EventType = "contract"

	_, err = writer.AppendInTx(context.Background(), store, input, nil)
	assert.ErrorIs(t, err, outbox.ErrAppendRejected)
	assert.Empty(t, store.All())

	_, err = writer.AppendInTx(context.Background(), nil, contractSigned(), nil)
	assert.ErrorIs(t, err, outbox.ErrTxRunnerRequired)

	_, err = outbox.NewWriter(nil)
	assert.ErrorIs(t, err, outbox.ErrRepositoryRequired)
}

var errDiskFull = errors.New("could not extend file: disk full")

type failingInsertStore struct {
	*memory.Store
}

func (failingInsertStore) CreateWithTx(context.Context, outbox.Tx, *outbox.OutboxRecord) error {
	return errDiskFull
}

func TestWriter_InsertFailureIsRejectedAsStorage(t *testing.T) {
	store := memory.NewStore()
	notifier := &countingNotifier{}

	writer, err := outbox.NewWriter(failingInsertStore{Store: store}, outbox.WithNotifier(notifier))
	require.NoError(t, err)

	var committed bool

	_, err = writer.AppendInTx(context.Background(), store, contractSigned(), func(_ context.Context, tx outbox.Tx) error {
		memTx, err := memory.AsTx(tx)
		if err != nil {
			return err
		}

		return memTx.OnCommit(func() { committed = true })
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, outbox.ErrAppendRejected)
	assert.ErrorIs(t, err, outbox.ErrAppendStorage)
	assert.ErrorIs(t, err, errDiskFull)

	assert.False(t, committed)
	assert.Zero(t, notifier.n.Load())
	assert.Empty(t, store.All())

	input := contractSigned()
	input.ActorID = ""

	_, err = writer.AppendInTx(context.Background(), store, input, nil)
	assert.ErrorIs(t, err, outbox.ErrAppendRejected)
	assert.NotErrorIs(t, err, outbox.ErrAppendStorage)
}
