package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/internal/nilcheck"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	libOpentelemetry "github.com/LerianStudio/lib-orchestrator/orchestrator/opentelemetry"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
	defaultTxTimeout       = 30 * time.Second

	uniqueViolationCode = "23505"
)

var (
	// ErrNilClient is returned when a Client receiver is nil.
	ErrNilClient = errors.New("postgres client is nil")
	// ErrNotConnected is returned before Connect succeeds.
	ErrNotConnected = errors.New("postgres client is not connected")
	// ErrInvalidConfig indicates the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid postgres config")
	// ErrNilTxFunc is returned by WithinTx when fn is nil.
	ErrNilTxFunc = errors.New("transaction function is nil")

	credentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	passwordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

	sqlOpen = sql.Open
)

// Config describes the connection pool. ReplicaDSN falls back to PrimaryDSN.
type Config struct {
	PrimaryDSN      string
	ReplicaDSN      string
	DatabaseName    string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// TxTimeout bounds WithinTx when ctx carries no deadline.
	TxTimeout time.Duration
	Logger    log.Logger
}

func (cfg *Config) normalize() error {
	cfg.PrimaryDSN = strings.TrimSpace(cfg.PrimaryDSN)
	if cfg.PrimaryDSN == "" {
		return fmt.Errorf("%w: primary dsn is required", ErrInvalidConfig)
	}

	if strings.TrimSpace(cfg.ReplicaDSN) == "" {
		cfg.ReplicaDSN = cfg.PrimaryDSN
	}

	if cfg.DatabaseName != "" && !dbNamePattern.MatchString(cfg.DatabaseName) {
		return fmt.Errorf("%w: invalid database name %q", ErrInvalidConfig, cfg.DatabaseName)
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}

	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}

	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = defaultConnMaxLifetime
	}

	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = defaultConnMaxIdleTime
	}

	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = defaultTxTimeout
	}

	if nilcheck.Interface(cfg.Logger) {
		cfg.Logger = log.NewNop()
	}

	return nil
}

// Client holds the primary/replica resolver.
type Client struct {
	mu       sync.RWMutex
	cfg      Config
	resolver dbresolver.DB
}

// New validates cfg. Call Connect before use.
func New(cfg Config) (*Client, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	return &Client{cfg: cfg}, nil
}

// Connect opens both pools, pings the primary and builds the resolver.
// Reads issued through Resolver go to the replica; writes and transactions
// go to the primary.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	if ctx == nil {
		ctx = context.Background()
	}

	_, tracer, _, _ := libOrchestrator.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.connect")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver != nil {
		if err := c.resolver.Close(); err != nil {
			c.cfg.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.String("error", SanitizeError(err)))
		}

		c.resolver = nil
	}

	primary, err := c.open(c.cfg.PrimaryDSN)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to open primary", err)
		return fmt.Errorf("open primary database: %s", SanitizeError(err))
	}

	replica := primary

	if c.cfg.ReplicaDSN != c.cfg.PrimaryDSN {
		replica, err = c.open(c.cfg.ReplicaDSN)
		if err != nil {
			_ = primary.Close()

			libOpentelemetry.HandleSpanError(span, "failed to open replica", err)

			return fmt.Errorf("open replica database: %s", SanitizeError(err))
		}
	}

	if err := primary.PingContext(ctx); err != nil {
		_ = primary.Close()
		if replica != primary {
			_ = replica.Close()
		}

		libOpentelemetry.HandleSpanError(span, "failed to ping primary", err)

		return fmt.Errorf("ping primary database: %s", SanitizeError(err))
	}

	c.resolver = dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	c.cfg.Logger.Log(ctx, log.LevelInfo, "connected to postgres", log.Bool("dedicated_replica", replica != primary))

	return nil
}

func (c *Client) open(dsn string) (*sql.DB, error) {
	db, err := sqlOpen("pgx", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(c.cfg.MaxOpenConns)
	db.SetMaxIdleConns(c.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(c.cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.cfg.ConnMaxIdleTime)

	return db, nil
}

// Resolver returns the primary/replica resolver.
//
//nolint:ireturn
func (c *Client) Resolver(_ context.Context) (dbresolver.DB, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.resolver == nil {
		return nil, ErrNotConnected
	}

	return c.resolver, nil
}

// Primary returns the primary pool.
func (c *Client) Primary(ctx context.Context) (*sql.DB, error) {
	resolver, err := c.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	primaries := resolver.PrimaryDBs()
	if len(primaries) == 0 || primaries[0] == nil {
		return nil, ErrNotConnected
	}

	return primaries[0], nil
}

// IsConnected reports whether Connect has succeeded.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.resolver != nil
}

// Ping checks the primary for health reporting.
func (c *Client) Ping(ctx context.Context) error {
	primary, err := c.Primary(ctx)
	if err != nil {
		return err
	}

	return primary.PingContext(ctx)
}

// Close releases both pools.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver == nil {
		return nil
	}

	err := c.resolver.Close()
	c.resolver = nil

	if err != nil {
		return fmt.Errorf("close postgres: %w", err)
	}

	return nil
}

// WithinTx runs fn in a primary transaction, committing when fn returns nil
// and rolling back otherwise.
func (c *Client) WithinTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if fn == nil {
		return ErrNilTxFunc
	}

	if ctx == nil {
		ctx = context.Background()
	}

	primary, err := c.Primary(ctx)
	if err != nil {
		return err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, c.cfg.TxTimeout)
		defer cancel()
	}

	tx, err := primary.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// Migrate applies the embedded migrations to the primary.
func (c *Client) Migrate(ctx context.Context) error {
	primary, err := c.Primary(ctx)
	if err != nil {
		return err
	}

	databaseName := c.cfg.DatabaseName
	if databaseName == "" {
		databaseName = "orchestrator"
	}

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	driver, err := migratepg.WithInstance(primary, &migratepg.Config{
		DatabaseName: databaseName,
		SchemaName:   "public",
	})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, databaseName, driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			c.cfg.Logger.Log(ctx, log.LevelInfo, "no new migrations found")
			return nil
		}

		var dirty migrate.ErrDirty
		if errors.As(err, &dirty) {
			return fmt.Errorf("migration failed: dirty database version %d", dirty.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	version, _, _ := m.Version()
	c.cfg.Logger.Log(ctx, log.LevelInfo, "migrations applied", log.Int64("version", int64(version)))

	return nil
}

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// SanitizeError strips credentials from driver errors that echo the DSN.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := credentialsPattern.ReplaceAllString(err.Error(), "://***@")

	return passwordPattern.ReplaceAllString(sanitized, "${1}***")
}
