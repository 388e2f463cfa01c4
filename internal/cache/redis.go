package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type redisCache struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

// NewRedis constructs a Redis backed cache and verifies connectivity.
func NewRedis(addr, password string, db int, ttl time.Duration, logger *slog.Logger) (URLCache, error) {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &redisCache{
		client:  client,
		logger:  logger.With("component", "redis_cache"),
		prefix:  "morphlink:url:",
		ttl:     ttl,
		timeout: 250 * time.Millisecond,
	}, nil
}

func (c *redisCache) Get(ctx context.Context, code string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	val, err := c.client.Get(ctx, c.prefix+code).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logRedisError("get", err)
		}
		return "", false
	}
	return val, true
}

func (c *redisCache) Set(ctx context.Context, code, longURL string) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.Set(ctx, c.prefix+code, longURL, c.ttl).Err(); err != nil {
		c.logRedisError("set", err)
	}
}

func (c *redisCache) Delete(ctx context.Context, code string) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.Del(ctx, c.prefix+code).Err(); err != nil {
		c.logRedisError("del", err)
	}
}

func (c *redisCache) Close() {
	if c.client != nil {
		_ = c.client.Close()
	}
}

func (c *redisCache) logRedisError(op string, err error) {
	c.logger.Error("redis cache error", "op", op, "error", err)
}

// Open returns a Redis cache when addr is set and reachable, otherwise a
// memory cache. A Redis failure is logged, not fatal.
func Open(addr, password string, db int, logger *slog.Logger) URLCache {
	return open(addr, password, db, logger, func() URLCache { return NewMemory(DefaultTTL) }, "memory")
}

// OpenShared is Open for processes that share storage with other processes.
// Without Redis it caches nothing: a local entry would outlive an update or
// delete served by another process.
func OpenShared(addr, password string, db int, logger *slog.Logger) URLCache {
	return open(addr, password, db, logger, Noop, "no")
}

func open(addr, password string, db int, logger *slog.Logger, fallback func() URLCache, name string) URLCache {
	if addr == "" {
		return fallback()
	}
	c, err := NewRedis(addr, password, db, DefaultTTL, logger)
	if err != nil {
		if logger != nil {
			logger.Warn("redis cache unavailable, using "+name+" cache", "addr", addr, "error", err)
		}
		return fallback()
	}
	return c
}
