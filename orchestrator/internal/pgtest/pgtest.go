//go:build integration

// Package pgtest starts a disposable Postgres for integration tests.
package pgtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/postgres"
)

// StartContainer runs postgres:16-alpine and returns its DSN. The container
// is terminated on test cleanup.
func StartContainer(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("orchestrator"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	return dsn
}

// NewMigratedClient starts a container, connects and applies migrations.
func NewMigratedClient(t *testing.T) *postgres.Client {
	t.Helper()

	client, err := postgres.New(postgres.Config{
		PrimaryDSN:   StartContainer(t),
		DatabaseName: "orchestrator",
		Logger:       log.NewNop(),
	})
	require.NoError(t, err)

	ctx := context.Background()

	require.NoError(t, client.Connect(ctx))
	require.NoError(t, client.Migrate(ctx))

	t.Cleanup(func() { _ = client.Close() })

	return client
}
