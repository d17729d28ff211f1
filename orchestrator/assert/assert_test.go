//go:build unit

package assert

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	"github.com/stretchr/testify/require"
)

type spyLogger struct {
	calls int
}

func (s *spyLogger) Log(context.Context, log.Level, string, ...log.Field) { s.calls++ }

func TestAsserter_PassingChecksReturnNil(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	asserter := New(ctx, nil, "outbox", "append")

	require.NoError(t, asserter.That(ctx, true, "ok"))
	require.NoError(t, asserter.NotNil(ctx, &struct{}{}, "ok"))
	require.NoError(t, asserter.NotEmpty(ctx, "tenant", "ok"))
	require.NoError(t, asserter.NoError(ctx, nil, "ok"))
}

func TestAsserter_FailuresWrapSentinel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	logger := &spyLogger{}
	asserter := New(ctx, logger, "outbox", "append")

	var typedNil *struct{}

	failures := []error{
		asserter.That(ctx, false, "must hold", "count", 3),
		asserter.NotNil(ctx, typedNil, "must exist"),
		asserter.NotEmpty(ctx, "   ", "must be set"),
		asserter.NoError(ctx, errors.New("boom"), "must succeed"),
		asserter.Never(ctx, "unreachable"),
	}

	for _, err := range failures {
		require.ErrorIs(t, err, ErrAssertionFailed)

		var assertionErr *AssertionError
		require.ErrorAs(t, err, &assertionErr)
		require.Equal(t, "outbox", assertionErr.Component)
	}

	require.Equal(t, len(failures), logger.calls)
	require.Contains(t, failures[0].Error(), "count=3")
}

func TestAsserter_TruncatesLongValues(t *testing.T) {
	t.Parallel()

	err := New(context.Background(), nil, "c", "o").That(context.Background(), false, "big", "payload", strings.Repeat("x", 500))

	require.Contains(t, err.Error(), "...(truncated)")
	require.Less(t, len(err.Error()), 300)
}
