package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"channelhub/internal/core/ports"
)

var (
	_ ports.DedupCache   = (*RedisCache)(nil)
	_ ports.RefreshLease = (*RedisCache)(nil)
)

// RedisCache implements the dedup fast path and the cross-instance refresh
// lease. Both are advisory: the messages unique index and the connection row
// CAS stay authoritative when Redis loses state.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache instance.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func dedupCacheKey(key string) string {
	return fmt.Sprintf("dedup:msg:%s", key)
}

func leaseKey(connectionID int64) string {
	return fmt.Sprintf("refreshlock:conn:%d", connectionID)
}

// IsDuplicate checks whether the message key was seen recently.
func (c *RedisCache) IsDuplicate(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, dedupCacheKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed records the message key with a TTL.
func (c *RedisCache) MarkProcessed(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.client.Set(ctx, dedupCacheKey(key), "1", ttl).Err(); err != nil {
		return fmt.Errorf("dedup mark: %w", err)
	}
	return nil
}

// Acquire takes the per-connection refresh lease with SET NX. Returns false
// when another instance already holds it.
func (c *RedisCache) Acquire(ctx context.Context, connectionID int64, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, leaseKey(connectionID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire refresh lease: %w", err)
	}
	return ok, nil
}

// Release drops the lease early. The TTL covers a crashed holder.
func (c *RedisCache) Release(ctx context.Context, connectionID int64) error {
	if err := c.client.Del(ctx, leaseKey(connectionID)).Err(); err != nil {
		return fmt.Errorf("release refresh lease: %w", err)
	}
	return nil
}
