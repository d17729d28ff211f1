package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	libOpentelemetry "github.com/LerianStudio/lib-orchestrator/orchestrator/opentelemetry"
)

const maxLockTries = 1000

var (
	ErrNilLockManager     = errors.New("lock manager is nil")
	ErrNilLockHandle      = errors.New("lock handle is nil")
	ErrNilLockFn          = errors.New("lock function is nil")
	ErrEmptyLockKey       = errors.New("lock key is empty")
	ErrLockNotHeld        = errors.New("lock was not held or already expired")
	ErrInvalidLockOptions = errors.New("invalid lock options")
)

// LockHandle is an acquired lock.
type LockHandle interface {
	Unlock(ctx context.Context) error
}

// LockManager provides distributed mutual exclusion.
type LockManager interface {
	WithLock(ctx context.Context, lockKey string, fn func(context.Context) error) error
	WithLockOptions(ctx context.Context, lockKey string, opts LockOptions, fn func(context.Context) error) error
	TryLock(ctx context.Context, lockKey string, expiry time.Duration) (LockHandle, bool, error)
}

var _ LockManager = (*RedisLockManager)(nil)

// LockOptions configures acquisition.
type LockOptions struct {
	// Expiry bounds how long a crashed holder keeps the lock.
	Expiry      time.Duration
	Tries       int
	RetryDelay  time.Duration
	DriftFactor float64
}

// DefaultLockOptions returns 10s expiry, 3 tries 500ms apart, 1% drift.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Expiry:      10 * time.Second,
		Tries:       3,
		RetryDelay:  500 * time.Millisecond,
		DriftFactor: 0.01,
	}
}

func (opts LockOptions) validate() error {
	switch {
	case opts.Expiry <= 0:
		return fmt.Errorf("%w: expiry must be positive", ErrInvalidLockOptions)
	case opts.Tries < 1 || opts.Tries > maxLockTries:
		return fmt.Errorf("%w: tries must be within [1, %d]", ErrInvalidLockOptions, maxLockTries)
	case opts.RetryDelay < 0:
		return fmt.Errorf("%w: retry delay must be non-negative", ErrInvalidLockOptions)
	case opts.DriftFactor < 0 || opts.DriftFactor >= 1:
		return fmt.Errorf("%w: drift factor must be within [0, 1)", ErrInvalidLockOptions)
	}

	return nil
}

// clientPool resolves the client per Get so a reconnect is picked up.
type clientPool struct {
	conn *Client
}

func (p *clientPool) Get(ctx context.Context) (redsyncredis.Conn, error) {
	client, err := p.conn.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock pool: %w", err)
	}

	return goredis.NewPool(client).Get(ctx)
}

type lockHandle struct {
	mutex  *redsync.Mutex
	logger log.Logger
}

func (h *lockHandle) Unlock(ctx context.Context) error {
	if h == nil || h.mutex == nil {
		return ErrNilLockHandle
	}

	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		return fmt.Errorf("distributed lock: unlock: %w", err)
	}

	if !ok {
		h.logger.Log(ctx, log.LevelWarn, "lock was not held or already expired")
		return ErrLockNotHeld
	}

	return nil
}

// RedisLockManager implements LockManager with the redsync RedLock algorithm.
type RedisLockManager struct {
	redsync *redsync.Redsync
}

// NewRedisLockManager creates a lock manager over conn.
func NewRedisLockManager(conn *Client) (*RedisLockManager, error) {
	if conn == nil {
		return nil, ErrNilClient
	}

	return &RedisLockManager{redsync: redsync.New(&clientPool{conn: conn})}, nil
}

// WithLock runs fn while holding lockKey with DefaultLockOptions.
func (dl *RedisLockManager) WithLock(ctx context.Context, lockKey string, fn func(context.Context) error) error {
	return dl.WithLockOptions(ctx, lockKey, DefaultLockOptions(), fn)
}

// WithLockOptions runs fn while holding lockKey. The lock is released on
// return, including when fn panics.
func (dl *RedisLockManager) WithLockOptions(ctx context.Context, lockKey string, opts LockOptions, fn func(context.Context) error) error {
	if dl == nil || dl.redsync == nil {
		return ErrNilLockManager
	}

	if fn == nil {
		return ErrNilLockFn
	}

	if strings.TrimSpace(lockKey) == "" {
		return ErrEmptyLockKey
	}

	if err := opts.validate(); err != nil {
		return err
	}

	logger, tracer, _, _ := libOrchestrator.NewTrackingFromContext(ctx)
	safeKey := safeLockKeyForLogs(lockKey)

	ctx, span := tracer.Start(ctx, "redis.lock.with_lock")
	defer span.End()

	mutex := dl.redsync.NewMutex(
		lockKey,
		redsync.WithExpiry(opts.Expiry),
		redsync.WithTries(opts.Tries),
		redsync.WithRetryDelay(opts.RetryDelay),
		redsync.WithDriftFactor(opts.DriftFactor),
	)

	if err := mutex.LockContext(ctx); err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to acquire lock", err)

		return fmt.Errorf("acquire lock %s: %w", safeKey, err)
	}

	defer func() {
		if ok, err := mutex.UnlockContext(ctx); !ok || err != nil {
			logger.Log(ctx, log.LevelWarn, "failed to release lock", log.String("lock_key", safeKey), log.Bool("unlock_ok", ok), log.Err(err))
		}
	}()

	if err := fn(ctx); err != nil {
		libOpentelemetry.HandleSpanError(span, "function failed under lock", err)

		return fmt.Errorf("distributed lock: function execution: %w", err)
	}

	return nil
}

// TryLock makes a single acquisition attempt. A lock held elsewhere returns
// (nil, false, nil); transport failures return an error.
func (dl *RedisLockManager) TryLock(ctx context.Context, lockKey string, expiry time.Duration) (LockHandle, bool, error) {
	if dl == nil || dl.redsync == nil {
		return nil, false, ErrNilLockManager
	}

	if strings.TrimSpace(lockKey) == "" {
		return nil, false, ErrEmptyLockKey
	}

	if expiry <= 0 {
		expiry = DefaultLockOptions().Expiry
	}

	logger, tracer, _, _ := libOrchestrator.NewTrackingFromContext(ctx)
	safeKey := safeLockKeyForLogs(lockKey)

	ctx, span := tracer.Start(ctx, "redis.lock.try_lock")
	defer span.End()

	mutex := dl.redsync.NewMutex(lockKey, redsync.WithExpiry(expiry), redsync.WithTries(1))

	if err := mutex.LockContext(ctx); err != nil {
		if isLockContention(err) {
			logger.Log(ctx, log.LevelDebug, "lock held by another process", log.String("lock_key", safeKey))
			return nil, false, nil
		}

		libOpentelemetry.HandleSpanError(span, "failed to attempt lock acquisition", err)

		return nil, false, fmt.Errorf("try lock %s: %w", safeKey, err)
	}

	return &lockHandle{mutex: mutex, logger: logger}, true, nil
}

func isLockContention(err error) bool {
	return errors.Is(err, redsync.ErrFailed) || strings.Contains(err.Error(), "lock already taken")
}

func safeLockKeyForLogs(lockKey string) string {
	const maxLen = 128

	quoted := strconv.QuoteToASCII(lockKey)
	if len(quoted) <= maxLen {
		return quoted
	}

	return quoted[:maxLen] + "...(truncated)"
}
