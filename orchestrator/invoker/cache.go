package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/redis"
)

const defaultCachePrefix = "orchestrator:invoke:"

// ResultCache stores successful results by idempotency key.
type ResultCache interface {
	Get(ctx context.Context, key string) (map[string]any, bool, error)
	Set(ctx context.Context, key string, result map[string]any, ttl time.Duration) error
}

// RedisResultCache keeps results as JSON strings with a TTL.
type RedisResultCache struct {
	conn   *redis.Client
	prefix string
}

var _ ResultCache = (*RedisResultCache)(nil)

// NewRedisResultCache builds a cache over conn. An empty prefix uses
// "orchestrator:invoke:".
func NewRedisResultCache(conn *redis.Client, prefix string) (*RedisResultCache, error) {
	if conn == nil {
		return nil, redis.ErrNilClient
	}

	if prefix == "" {
		prefix = defaultCachePrefix
	}

	return &RedisResultCache{conn: conn, prefix: prefix}, nil
}

// Get returns the cached result for key.
func (cache *RedisResultCache) Get(ctx context.Context, key string) (map[string]any, bool, error) {
	client, err := cache.conn.GetClient(ctx)
	if err != nil {
		return nil, false, err
	}

	raw, err := client.Get(ctx, cache.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("get cached result: %w", err)
	}

	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false, fmt.Errorf("decode cached result: %w", err)
	}

	return result, true, nil
}

// Set stores result for key. The first write wins.
func (cache *RedisResultCache) Set(ctx context.Context, key string, result map[string]any, ttl time.Duration) error {
	client, err := cache.conn.GetClient(ctx)
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidResult, err)
	}

	if err := client.SetNX(ctx, cache.prefix+key, encoded, ttl).Err(); err != nil {
		return fmt.Errorf("set cached result: %w", err)
	}

	return nil
}
