package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/labqc-server/internal/domain"
)

const keyPrefix = "labqc:lj:"

// RedisCache shares projections between server replicas.
type RedisCache struct {
	client     *redis.Client
	defaultTTL time.Duration
	logger     *logrus.Logger
}

// NewRedisCache connects to the Redis instance named by config.RedisURL.
func NewRedisCache(ctx context.Context, config domain.CacheConfig, logger *logrus.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.PoolTimeout > 0 {
		opts.PoolTimeout = config.PoolTimeout
	}
	opts.MaxRetries = config.MaxRetries

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisCacheFromClient(client, config.DefaultTTL, logger), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *RedisCache {
	return &RedisCache{client: client, defaultTTL: ttl, logger: logger}
}

// Get returns the cached projection. Transport and decode failures are reported as misses.
func (c *RedisCache) Get(ctx context.Context, key domain.RunKey) (*domain.LeveyJenningsData, bool) {
	val, err := c.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.WithError(err).WithField("key", key.String()).Warn("Redis cache read failed")
		return nil, false
	}

	var data domain.LeveyJenningsData
	if err := json.Unmarshal(val, &data); err != nil {
		c.client.Del(ctx, redisKey(key))
		return nil, false
	}
	return &data, true
}

// Set stores data with the default TTL.
func (c *RedisCache) Set(ctx context.Context, key domain.RunKey, data *domain.LeveyJenningsData) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal projection: %w", err)
	}
	return c.client.Set(ctx, redisKey(key), payload, c.defaultTTL).Err()
}

// Invalidate deletes the projection for key.
func (c *RedisCache) Invalidate(ctx context.Context, key domain.RunKey) error {
	return c.client.Del(ctx, redisKey(key)).Err()
}

// Health pings the server.
func (c *RedisCache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func redisKey(key domain.RunKey) string {
	return keyPrefix + key.String()
}
