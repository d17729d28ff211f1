//go:build integration

package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/internal/pgtest"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/postgres"
)

func TestIntegration_MigrateIsIdempotent(t *testing.T) {
	client := pgtest.NewMigratedClient(t)
	ctx := context.Background()

	require.NoError(t, client.Migrate(ctx))
	require.NoError(t, client.Ping(ctx))

	primary, err := client.Primary(ctx)
	require.NoError(t, err)

	for _, table := range []string{"outbox_records", "outbox_deliveries", "workflow_definitions", "workflow_runs", "run_steps"} {
		var exists bool

		err := primary.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, table,
		).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, table)
	}
}

func TestIntegration_WithinTx(t *testing.T) {
	client := pgtest.NewMigratedClient(t)
	ctx := context.Background()

	errAbort := errors.New("abort")

	err := client.WithinTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `CREATE TABLE scratch (id INT PRIMARY KEY)`)
		require.NoError(t, err)

		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	primary, err := client.Primary(ctx)
	require.NoError(t, err)

	var exists bool
	require.NoError(t, primary.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'scratch')`).Scan(&exists))
	assert.False(t, exists)

	require.NoError(t, client.WithinTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `CREATE TABLE scratch (id INT PRIMARY KEY)`)
		return err
	}))

	_, err = primary.ExecContext(ctx, `INSERT INTO scratch (id) VALUES (1)`)
	require.NoError(t, err)

	_, err = primary.ExecContext(ctx, `INSERT INTO scratch (id) VALUES (1)`)
	assert.True(t, postgres.IsUniqueViolation(err))
}
