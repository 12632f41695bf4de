package cache

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/fulfillment/config"
)

func newMiniCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCacheWithClient(client, time.Minute), mr
}

func TestSeenAndMarkSeen(t *testing.T) {
	c, mr := newMiniCache(t)
	ctx := context.Background()

	seen, err := c.Seen(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, c.MarkSeen(ctx, "evt-1"))
	seen, err = c.Seen(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)

	assert.Equal(t, time.Minute, mr.TTL(GetSeenEventKey("evt-1")))

	mr.FastForward(2 * time.Minute)
	seen, err = c.Seen(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestSeenReportsRedisFailure(t *testing.T) {
	c, mr := newMiniCache(t)
	mr.Close()

	_, err := c.Seen(context.Background(), "evt-1")
	assert.Error(t, err)
}

func TestDisabledCache(t *testing.T) {
	c, err := NewRedisCache(config.RedisConfig{Enabled: false})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.MarkSeen(ctx, "evt-1"))
	seen, err := c.Seen(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.False(t, c.Enabled())
	assert.NoError(t, c.Close())
}

func TestNewRedisCacheConnects(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	c, err := NewRedisCache(config.RedisConfig{
		Enabled: true,
		Host:    mr.Host(),
		Port:    port,
		SeenTTL: time.Hour,
	})
	require.NoError(t, err)
	defer c.Close()

	assert.NoError(t, c.Ping(context.Background()))
}
