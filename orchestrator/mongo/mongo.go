package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/internal/nilcheck"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	libOpentelemetry "github.com/LerianStudio/lib-orchestrator/orchestrator/opentelemetry"
)

const (
	defaultServerSelectionTimeout = 5 * time.Second
	defaultHeartbeatInterval      = 10 * time.Second
	maxMaxPoolSize                = 1000
)

var (
	ErrNilClient           = errors.New("mongo client is nil")
	ErrClientClosed        = errors.New("mongo client is closed")
	ErrEmptyURI            = errors.New("mongo uri cannot be empty")
	ErrEmptyDatabaseName   = errors.New("database name cannot be empty")
	ErrEmptyCollectionName = errors.New("collection name cannot be empty")
	ErrEmptyIndexes        = errors.New("at least one index must be provided")
	ErrConnect             = errors.New("mongo connect failed")
	ErrPing                = errors.New("mongo ping failed")
	ErrCreateIndex         = errors.New("mongo create index failed")
)

// Config defines the connection and pool behavior.
type Config struct {
	URI                    string
	Database               string
	MaxPoolSize            uint64
	ServerSelectionTimeout time.Duration
	HeartbeatInterval      time.Duration
	Logger                 log.Logger
}

func (cfg *Config) normalize() error {
	cfg.URI = strings.TrimSpace(cfg.URI)
	cfg.Database = strings.TrimSpace(cfg.Database)

	if cfg.URI == "" {
		return ErrEmptyURI
	}

	if cfg.Database == "" {
		return ErrEmptyDatabaseName
	}

	if cfg.ServerSelectionTimeout <= 0 {
		cfg.ServerSelectionTimeout = defaultServerSelectionTimeout
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	cfg.MaxPoolSize = min(cfg.MaxPoolSize, maxMaxPoolSize)

	if nilcheck.Interface(cfg.Logger) {
		cfg.Logger = log.NewNop()
	}

	return nil
}

// Client owns one driver client bound to a database.
type Client struct {
	mu     sync.RWMutex
	client *mongo.Client
	cfg    Config
	uri    string
}

// NewClient validates cfg and connects.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, uri: cfg.URI}
	c.cfg.URI = ""

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Connect opens the driver client if it is not open yet.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	ctx, span := otel.Tracer("mongo").Start(ctx, "mongo.connect")
	defer span.End()

	span.SetAttributes(attribute.String("db.system", "mongodb"))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	clientOptions := options.Client().
		ApplyURI(c.uri).
		SetServerSelectionTimeout(c.cfg.ServerSelectionTimeout).
		SetHeartbeatInterval(c.cfg.HeartbeatInterval)

	if c.cfg.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(c.cfg.MaxPoolSize)
	}

	mongoClient, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to connect to mongo", err)
		log.SafeError(c.cfg.Logger, ctx, "mongo connect failed", err, false)

		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	if err := mongoClient.Ping(ctx, readpref.Primary()); err != nil {
		_ = mongoClient.Disconnect(ctx)

		libOpentelemetry.HandleSpanError(span, "failed to ping mongo", err)

		return fmt.Errorf("%w: %w", ErrPing, err)
	}

	c.client = mongoClient

	return nil
}

// Database returns the configured database.
func (c *Client) Database(_ context.Context) (*mongo.Database, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return nil, ErrClientClosed
	}

	return c.client.Database(c.cfg.Database), nil
}

// Collection returns name in the configured database.
func (c *Client) Collection(ctx context.Context, name string) (*mongo.Collection, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyCollectionName
	}

	db, err := c.Database(ctx)
	if err != nil {
		return nil, err
	}

	return db.Collection(name), nil
}

// EnsureIndexes creates indexes on collection. Existing identical indexes
// are left alone by the server.
func (c *Client) EnsureIndexes(ctx context.Context, collection string, indexes ...mongo.IndexModel) error {
	if len(indexes) == 0 {
		return ErrEmptyIndexes
	}

	coll, err := c.Collection(ctx, collection)
	if err != nil {
		return err
	}

	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCreateIndex, collection, err)
	}

	return nil
}

// Ping checks connectivity against the primary.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil {
		return ErrClientClosed
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("%w: %w", ErrPing, err)
	}

	return nil
}

// Close disconnects the driver client.
func (c *Client) Close(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Disconnect(ctx)
	c.client = nil

	return err
}
