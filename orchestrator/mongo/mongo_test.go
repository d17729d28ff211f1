//go:build unit

package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigNormalize(t *testing.T) {
	cfg := Config{URI: " mongodb://localhost:27017 ", Database: " audit ", MaxPoolSize: 5000}
	require.NoError(t, cfg.normalize())

	assert.Equal(t, "mongodb://localhost:27017", cfg.URI)
	assert.Equal(t, "audit", cfg.Database)
	assert.Equal(t, uint64(maxMaxPoolSize), cfg.MaxPoolSize)
	assert.Equal(t, defaultServerSelectionTimeout, cfg.ServerSelectionTimeout)
	assert.Equal(t, defaultHeartbeatInterval, cfg.HeartbeatInterval)
	assert.NotNil(t, cfg.Logger)

	assert.ErrorIs(t, (&Config{Database: "audit"}).normalize(), ErrEmptyURI)
	assert.ErrorIs(t, (&Config{URI: "mongodb://x"}).normalize(), ErrEmptyDatabaseName)
}

func TestNewClient_ValidatesBeforeConnecting(t *testing.T) {
	_, err := NewClient(context.Background(), Config{Database: "audit"})
	assert.ErrorIs(t, err, ErrEmptyURI)
}

func TestClient_ClosedAndNil(t *testing.T) {
	var nilClient *Client

	assert.ErrorIs(t, nilClient.Ping(context.Background()), ErrNilClient)
	assert.ErrorIs(t, nilClient.Close(context.Background()), ErrNilClient)

	closed := &Client{cfg: Config{Database: "audit", ServerSelectionTimeout: time.Second}}

	_, err := closed.Database(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)

	_, err = closed.Collection(context.Background(), " ")
	assert.ErrorIs(t, err, ErrEmptyCollectionName)

	assert.ErrorIs(t, closed.EnsureIndexes(context.Background(), "audit_events"), ErrEmptyIndexes)
	assert.ErrorIs(t, closed.Ping(context.Background()), ErrClientClosed)
	assert.NoError(t, closed.Close(context.Background()))
}
