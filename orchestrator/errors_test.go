//go:build unit

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	errCause := errors.New("connection reset")

	transient := NewTransientError("invoke", errCause)
	permanent := NewPermanentError("contractId missing", nil)
	poison := &PoisonRecordError{ID: "rec-1", Attempts: 10, Err: errCause}

	assert.True(t, IsTransient(transient))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", transient)))
	assert.False(t, IsPermanent(transient))
	assert.ErrorIs(t, transient, errCause)

	assert.True(t, IsPermanent(permanent))
	assert.True(t, IsPermanent(poison))
	assert.False(t, IsTransient(permanent))

	assert.False(t, IsTransient(errCause))
	assert.False(t, IsPermanent(errCause))
	assert.NoError(t, NewTransientError("noop", nil))

	assert.True(t, IsTransient(NewTransientError("timeout", context.DeadlineExceeded)))
	assert.Contains(t, (&CapacityExceededError{Backlog: 5000, Threshold: 1000}).Error(), "5000")
}
