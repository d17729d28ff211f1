package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/internal/nilcheck"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	libOpentelemetry "github.com/LerianStudio/lib-orchestrator/orchestrator/opentelemetry"
)

var (
	// ErrNilClient is returned when a Client receiver is nil.
	ErrNilClient = errors.New("redis client is nil")
	// ErrInvalidConfig indicates the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid redis config")
)

// Config selects a standalone, sentinel (MasterName set) or cluster
// (several Addresses) deployment.
type Config struct {
	Addresses    []string
	MasterName   string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	UseTLS       bool
	Logger       log.Logger
}

// String redacts the password.
func (cfg Config) String() string {
	return fmt.Sprintf("redis.Config{Addresses:%v, MasterName:%q, DB:%d, Password:REDACTED}", cfg.Addresses, cfg.MasterName, cfg.DB)
}

func (cfg *Config) normalize() error {
	addresses := make([]string, 0, len(cfg.Addresses))

	for _, address := range cfg.Addresses {
		if address = strings.TrimSpace(address); address != "" {
			addresses = append(addresses, address)
		}
	}

	if len(addresses) == 0 {
		return fmt.Errorf("%w: at least one address is required", ErrInvalidConfig)
	}

	cfg.Addresses = addresses

	if cfg.DB < 0 {
		return fmt.Errorf("%w: db must be non-negative", ErrInvalidConfig)
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 3 * time.Second
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}

	if nilcheck.Interface(cfg.Logger) {
		cfg.Logger = log.NewNop()
	}

	return nil
}

// Client is a lazily connected redis.UniversalClient.
type Client struct {
	mu        sync.RWMutex
	cfg       Config
	client    redis.UniversalClient
	connected bool
}

// New validates cfg. The connection is opened by Connect or the first GetClient.
func New(cfg Config) (*Client, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	return &Client{cfg: cfg}, nil
}

// NewFromUniversal wraps an existing client, such as one pointed at miniredis.
func NewFromUniversal(client redis.UniversalClient, logger log.Logger) (*Client, error) {
	if nilcheck.Interface(client) {
		return nil, ErrNilClient
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &Client{cfg: Config{Logger: logger}, client: client, connected: true}, nil
}

// Connect opens the client and verifies it with PING.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	_, tracer, _, _ := libOrchestrator.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "redis.connect")
	defer span.End()

	if c.client == nil {
		c.client = redis.NewUniversalClient(c.universalOptions())
	}

	if err := c.client.Ping(ctx).Err(); err != nil {
		libOpentelemetry.HandleSpanError(span, "redis ping failed", err)
		c.connected = false

		return fmt.Errorf("redis ping: %w", err)
	}

	c.connected = true
	c.cfg.Logger.Log(ctx, log.LevelInfo, "connected to redis", log.Int("addresses", len(c.cfg.Addresses)))

	return nil
}

func (c *Client) universalOptions() *redis.UniversalOptions {
	opts := &redis.UniversalOptions{
		Addrs:        c.cfg.Addresses,
		MasterName:   c.cfg.MasterName,
		Password:     c.cfg.Password,
		DB:           c.cfg.DB,
		PoolSize:     c.cfg.PoolSize,
		DialTimeout:  c.cfg.DialTimeout,
		ReadTimeout:  c.cfg.ReadTimeout,
		WriteTimeout: c.cfg.WriteTimeout,
	}

	if c.cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return opts
}

// GetClient returns the underlying client, connecting on first use.
//
//nolint:ireturn
func (c *Client) GetClient(ctx context.Context) (redis.UniversalClient, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	client, connected := c.client, c.connected
	c.mu.RUnlock()

	if connected && client != nil {
		return client, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected && c.client != nil {
		return c.client, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.client, nil
}

// IsConnected reports whether the last connect succeeded.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}

// Ping checks connectivity for health reporting.
func (c *Client) Ping(ctx context.Context) error {
	client, err := c.GetClient(ctx)
	if err != nil {
		return err
	}

	return client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	c.connected = false

	if err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}

	return nil
}
