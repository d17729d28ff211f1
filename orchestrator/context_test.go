//go:build unit

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestNewTrackingFromContext_Defaults(t *testing.T) {
	t.Parallel()

	logger, tracer, headerID, meter := NewTrackingFromContext(context.Background())

	assert.NotNil(t, logger)
	assert.NotNil(t, tracer)
	assert.NotEmpty(t, headerID)
	assert.NotNil(t, meter)

	_, ok := HeaderIDFromContext(context.Background())
	assert.False(t, ok)
}

func TestNewTrackingFromContext_UsesStoredValues(t *testing.T) {
	t.Parallel()

	logger := log.NewNop()
	tracer := noop.NewTracerProvider().Tracer("test")

	ctx := ContextWithLogger(context.Background(), logger)
	ctx = ContextWithTracer(ctx, tracer)
	ctx = ContextWithHeaderID(ctx, "  corr-1  ")

	gotLogger, gotTracer, headerID, _ := NewTrackingFromContext(ctx)

	assert.Same(t, logger, gotLogger)
	assert.Equal(t, tracer, gotTracer)
	assert.Equal(t, "corr-1", headerID)

	stored, ok := HeaderIDFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "corr-1", stored)
}

func TestContextValuesAreNotSharedWithParent(t *testing.T) {
	t.Parallel()

	parent := ContextWithHeaderID(context.Background(), "parent")
	child := ContextWithHeaderID(parent, "child")

	parentID, _ := HeaderIDFromContext(parent)
	childID, _ := HeaderIDFromContext(child)

	assert.Equal(t, "parent", parentID)
	assert.Equal(t, "child", childID)
}

func TestWithTimeoutSafe(t *testing.T) {
	t.Parallel()

	//nolint:staticcheck
	_, _, err := WithTimeoutSafe(nil, time.Second)
	require.ErrorIs(t, err, ErrNilParentContext)

	parent, cancelParent := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelParent()

	ctx, cancel, err := WithTimeoutSafe(parent, time.Hour)
	require.NoError(t, err)
	defer cancel()

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, 50*time.Millisecond)
}
