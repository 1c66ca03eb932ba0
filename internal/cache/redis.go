package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DocumentCache is a read accelerator in front of the durable store. Entries
// live under "doc:{id}" with a TTL, so a stale entry can never outlive the
// TTL window even if an eviction is missed. It is never authoritative.
type DocumentCache struct {
	rdb       *redis.Client
	ttl       time.Duration
	opTimeout time.Duration
}

// New connects to redis and verifies the connection. A bounded per-operation
// timeout keeps a slow cache from stalling saves and reads for everyone.
func New(ctx context.Context, addr string, ttl, opTimeout time.Duration) (*DocumentCache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &DocumentCache{rdb: rdb, ttl: ttl, opTimeout: opTimeout}, nil
}

func key(id string) string {
	return "doc:" + id
}

// GetContent returns the cached content and whether the key was present.
func (c *DocumentCache) GetContent(ctx context.Context, id string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	content, err := c.rdb.Get(ctx, key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get %s: %w", id, err)
	}
	return content, true, nil
}

// SetContent stores content with a renewed TTL.
func (c *DocumentCache) SetContent(ctx context.Context, id, content string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.rdb.Set(ctx, key(id), content, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", id, err)
	}
	return nil
}

// Evict drops the entry for id. Missing keys are not an error.
func (c *DocumentCache) Evict(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.rdb.Del(ctx, key(id)).Err(); err != nil {
		return fmt.Errorf("cache evict %s: %w", id, err)
	}
	return nil
}

// Close releases the redis connection.
func (c *DocumentCache) Close() error {
	return c.rdb.Close()
}
