package cache

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labqc-server/internal/domain"
)

func TestRedisCache(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ctx := context.Background()
	c, err := NewRedisCache(ctx, domain.CacheConfig{RedisURL: url, DefaultTTL: time.Minute, MaxRetries: 1}, logger)
	require.NoError(t, err)
	defer c.Close()

	key := domain.RunKey{MaterialID: "redis-test", TestCode: "GLU"}
	require.NoError(t, c.Invalidate(ctx, key))

	_, ok := c.Get(ctx, key)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, key, projection(key)))
	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "redis-test", got.MaterialID)
	assert.Equal(t, 104.0, got.Limits.UWL)

	require.NoError(t, c.Invalidate(ctx, key))
	_, ok = c.Get(ctx, key)
	assert.False(t, ok)
	assert.NoError(t, c.Health(ctx))
}

func TestNewRedisCacheBadURL(t *testing.T) {
	_, err := NewRedisCache(context.Background(), domain.CacheConfig{RedisURL: "not a url"}, logrus.New())
	assert.Error(t, err)
}

func TestRedisKey(t *testing.T) {
	assert.Equal(t, "labqc:lj:m1:GLU", redisKey(domain.RunKey{MaterialID: "m1", TestCode: "GLU"}))
}
