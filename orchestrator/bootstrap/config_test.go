//go:build unit

package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("POSTGRES_PRIMARY_DSN", "postgres://localhost:5432/orchestrator")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.EnvName)
	assert.Equal(t, ":8080", cfg.AdminAddress)
	assert.Equal(t, "orchestrator.", cfg.KafkaTopicPrefix)
	assert.Equal(t, 30*time.Second, cfg.ActionTimeout)
	assert.True(t, cfg.PostgresMigrate)
	assert.Empty(t, cfg.redisAddresses())
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("POSTGRES_PRIMARY_DSN", "postgres://localhost:5432/orchestrator")
	t.Setenv("REDIS_ADDRESSES", "redis-1:6379, ,redis-2:6379")
	t.Setenv("OUTBOX_WORKERS", "8")
	t.Setenv("OUTBOX_LEASE_DURATION", "45s")
	t.Setenv("OUTBOX_BACKLOG_ALERT_THRESHOLD", "2500")
	t.Setenv("POSTGRES_MIGRATE", "false")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{"redis-1:6379", "redis-2:6379"}, cfg.redisAddresses())
	assert.Equal(t, 8, cfg.DispatchWorkers)
	assert.Equal(t, 45*time.Second, cfg.LeaseDuration)
	assert.Equal(t, int64(2500), cfg.BacklogAlertThreshold)
	assert.False(t, cfg.PostgresMigrate)
}

func TestLoadConfig_RequiresPrimaryDSN(t *testing.T) {
	t.Setenv("POSTGRES_PRIMARY_DSN", "")

	_, err := LoadConfig()
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()

	_, err := New(context.Background(), cfg, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
