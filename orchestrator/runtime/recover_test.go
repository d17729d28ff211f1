//go:build unit

package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureLogger struct {
	log.NopLogger
	mu   sync.Mutex
	msgs []string
}

func (c *captureLogger) Log(_ context.Context, _ log.Level, msg string, _ ...log.Field) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.msgs = append(c.msgs, msg)
}

func (c *captureLogger) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.msgs...)
}

func TestRecoverAndLogWithContext_SwallowsPanic(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{}

	require.NotPanics(t, func() {
		defer RecoverAndLogWithContext(context.Background(), logger, "test", "handler")

		panic("boom")
	})

	assert.Equal(t, []string{"panic recovered"}, logger.messages())
}

func TestRecoverWithPolicyAndContext_CrashProcessRepanics(t *testing.T) {
	t.Parallel()

	assert.PanicsWithValue(t, "boom", func() {
		defer RecoverWithPolicyAndContext(context.Background(), nil, "test", "handler", CrashProcess)

		panic("boom")
	})
}

func TestRecoverToError(t *testing.T) {
	t.Parallel()

	errCause := errors.New("cause")

	run := func() (err error) {
		defer RecoverToError(context.Background(), nil, "test", "handler", &err)

		panic(errCause)
	}

	err := run()

	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.ErrorIs(t, err, errCause)
	assert.NotEmpty(t, panicErr.Stack)
}

func TestSafeGo_RecoversAndKeepsRunning(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{}
	done := make(chan struct{})

	SafeGo(logger, "worker", KeepRunning, func() {
		defer close(done)

		panic("worker exploded")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}

	assert.Eventually(t, func() bool { return len(logger.messages()) == 1 }, time.Second, 10*time.Millisecond)
}
