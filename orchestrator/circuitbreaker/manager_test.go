//go:build unit

package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
)

var errDownstream = errors.New("downstream failed")

func failingCall() (any, error) { return nil, errDownstream }

func TestManager_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ConsecutiveFailures = 3
	cfg.Timeout = time.Hour

	mgr := NewManager(log.NewNop(), cfg)

	for range 3 {
		_, err := mgr.Execute("revenue", failingCall)
		require.ErrorIs(t, err, errDownstream)
	}

	assert.Equal(t, StateOpen, mgr.State("revenue"))

	_, err := mgr.Execute("revenue", func() (any, error) { return "never", nil })
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	assert.Contains(t, err.Error(), "revenue")
}

func TestManager_BreakersAreIndependentPerName(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ConsecutiveFailures = 1
	cfg.Timeout = time.Hour

	mgr := NewManager(nil, cfg)

	_, _ = mgr.Execute("projects", failingCall)

	result, err := mgr.Execute("clients", func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	states := mgr.States()
	assert.Equal(t, StateOpen, states["projects"])
	assert.Equal(t, StateClosed, states["clients"])
	assert.Equal(t, StateUnknown, mgr.State("missing"))
}

func TestManager_IsSuccessfulExcludesErrors(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ConsecutiveFailures = 1
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, errDownstream) }

	mgr := NewManager(nil, cfg)

	for range 5 {
		_, err := mgr.Execute("agreements", failingCall)
		require.ErrorIs(t, err, errDownstream)
	}

	assert.Equal(t, StateClosed, mgr.State("agreements"))
	assert.Equal(t, uint32(5), mgr.Counts("agreements").TotalSuccesses)
}

func TestManager_ResetAndListener(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ConsecutiveFailures = 1
	cfg.Timeout = time.Hour

	mgr := NewManager(nil, cfg)

	var (
		mu          sync.Mutex
		transitions []State
		notified    = make(chan struct{}, 1)
	)

	mgr.RegisterStateChangeListener(StateChangeListenerFunc(func(name string, _, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()

		notified <- struct{}{}
	}))

	_, _ = mgr.Execute("communications", failingCall)

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("listener not notified")
	}

	mu.Lock()
	assert.Equal(t, []State{StateOpen}, transitions)
	mu.Unlock()

	mgr.Reset("communications")
	assert.Equal(t, StateClosed, mgr.State("communications"))
}

func TestManager_Configure(t *testing.T) {
	t.Parallel()

	mgr := NewManager(nil, DefaultConfig())

	strict := DefaultConfig()
	strict.ConsecutiveFailures = 1
	strict.Timeout = time.Hour
	mgr.Configure("billing", strict)

	_, _ = mgr.Execute("billing", failingCall)
	assert.Equal(t, StateOpen, mgr.State("billing"))
}
