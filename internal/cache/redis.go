package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"example.com/backstage/fulfillment/config"
)

// RedisCache remembers which event ids were processed recently. It is a hint
// only: the processed-event ledger in the database stays authoritative.
type RedisCache struct {
	client  *redis.Client
	enabled bool
	ttl     time.Duration
}

// NewRedisCache creates a new Redis cache. A disabled cache never reports a
// hit and ignores writes.
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	if !cfg.Enabled {
		return &RedisCache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return NewRedisCacheWithClient(client, cfg.SeenTTL), nil
}

// NewRedisCacheWithClient wraps an existing client
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{client: client, enabled: true, ttl: ttl}
}

// GetSeenEventKey generates a cache key for a processed event id
func GetSeenEventKey(eventID string) string {
	return fmt.Sprintf("fulfillment:seen:%s", eventID)
}

// Seen reports whether eventID was marked as processed
func (c *RedisCache) Seen(ctx context.Context, eventID string) (bool, error) {
	if !c.enabled {
		return false, nil
	}

	n, err := c.client.Exists(ctx, GetSeenEventKey(eventID)).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to check event in Redis")
	}
	return n > 0, nil
}

// MarkSeen records eventID as processed for the configured TTL
func (c *RedisCache) MarkSeen(ctx context.Context, eventID string) error {
	if !c.enabled {
		return nil
	}

	if err := c.client.Set(ctx, GetSeenEventKey(eventID), 1, c.ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to mark event in Redis")
	}
	return nil
}

// Ping checks the connection
func (c *RedisCache) Ping(ctx context.Context) error {
	if !c.enabled {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Enabled() bool {
	return c.enabled
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if !c.enabled || c.client == nil {
		return nil
	}
	return c.client.Close()
}
