//go:build unit

package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcApp func(*Launcher) error

func (f funcApp) Run(l *Launcher) error { return f(l) }

func TestLauncher_RunsAppsAndJoinsErrors(t *testing.T) {
	t.Parallel()

	var ran atomic.Int32

	errSweeper := errors.New("sweeper failed")

	launcher := NewLauncher(
		WithLogger(log.NewNop()),
		RunApp("dispatcher", funcApp(func(*Launcher) error {
			ran.Add(1)
			return nil
		})),
		RunApp("sweeper", funcApp(func(*Launcher) error {
			ran.Add(1)
			return errSweeper
		})),
	)

	err := launcher.RunWithError()

	assert.Equal(t, int32(2), ran.Load())
	require.ErrorIs(t, err, errSweeper)
}

func TestLauncher_ContextReachesApps(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	launcher := NewLauncher(
		WithLogger(log.NewNop()),
		WithContext(ctx),
		RunApp("waiter", funcApp(func(l *Launcher) error {
			<-l.Context().Done()
			return nil
		})),
	)

	require.NoError(t, launcher.RunWithError())
}

func TestLauncher_ConfigurationErrors(t *testing.T) {
	t.Parallel()

	launcher := NewLauncher(WithLogger(log.NewNop()), RunApp(" ", funcApp(nil)), RunApp("nil", nil))

	err := launcher.RunWithError()
	require.ErrorIs(t, err, ErrConfigFailed)
	assert.ErrorIs(t, err, ErrEmptyApp)
	assert.ErrorIs(t, err, ErrNilApp)

	require.ErrorIs(t, NewLauncher().RunWithError(), ErrLoggerNil)

	var nilLauncher *Launcher
	require.ErrorIs(t, nilLauncher.RunWithError(), ErrNilLauncher)
}
