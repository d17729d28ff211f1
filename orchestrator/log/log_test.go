//go:build unit

package log

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	NopLogger
	level   Level
	entries []Field
	msgs    []string
}

func (r *recordingLogger) Enabled(level Level) bool { return r.level >= level }

func (r *recordingLogger) Log(_ context.Context, _ Level, msg string, fields ...Field) {
	r.msgs = append(r.msgs, msg)
	r.entries = append(r.entries, fields...)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected Level
		wantErr  bool
	}{
		{input: "debug", expected: LevelDebug},
		{input: "INFO", expected: LevelInfo},
		{input: "warning", expected: LevelWarn},
		{input: " error ", expected: LevelError},
		{input: "fatal", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
			assert.Equal(t, tt.expected.String(), got.String())
		})
	}
}

func TestSafeError(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("password=hunter2 rejected")

	t.Run("production hides message", func(t *testing.T) {
		t.Parallel()

		logger := &recordingLogger{level: LevelDebug}
		SafeError(logger, context.Background(), "failed", errBoom, true)

		require.Len(t, logger.entries, 1)
		assert.Equal(t, "error_type", logger.entries[0].Key)
		assert.Equal(t, "*errors.errorString", logger.entries[0].Value)
	})

	t.Run("development keeps error", func(t *testing.T) {
		t.Parallel()

		logger := &recordingLogger{level: LevelDebug}
		SafeError(logger, context.Background(), "failed", errBoom, false)

		require.Len(t, logger.entries, 1)
		assert.Equal(t, errBoom, logger.entries[0].Value)
	})

	t.Run("nil inputs are ignored", func(t *testing.T) {
		t.Parallel()

		assert.NotPanics(t, func() {
			SafeError(nil, context.Background(), "failed", errBoom, false)
			SafeError(NewNop(), context.Background(), "failed", nil, false)
		})
	})
}
