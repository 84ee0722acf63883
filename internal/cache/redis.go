package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Monthlyaway/short-link-relay/internal/logger"
	"github.com/Monthlyaway/short-link-relay/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

const (
	// LinkPrefix is the prefix for link routing keys in Redis
	LinkPrefix = "short:link:"
	// DefaultTTL is the default TTL for cached links (24 hours)
	DefaultTTL = 24 * time.Hour
)

// Route is the part of a link needed to answer a resolution.
// Click counts are never cached; they live only in the link store.
type Route struct {
	OriginalURL string     `json:"u"`
	Mode        model.Mode `json:"m"`
}

// RouteOf extracts the cacheable part of a link
func RouteOf(link *model.Link) Route {
	return Route{OriginalURL: link.OriginalURL, Mode: link.Mode}
}

// Options configures the Redis connection
type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	TTL      time.Duration
	// Retries is how many extra pings are attempted before giving up
	Retries uint64
}

// RedisCache wraps the Redis client
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to Redis, retrying the initial ping with
// exponential backoff so the service tolerates Redis starting late.
func NewRedisCache(ctx context.Context, opts Options, log logger.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	attempt := 0
	backoff := retry.WithMaxRetries(opts.Retries, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis connection failed, retrying",
				logger.String("addr", opts.Addr),
				logger.Int("attempt", attempt),
				logger.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s after %d attempts: %w", opts.Addr, attempt, err)
	}
	log.Info("connected to redis", logger.String("addr", opts.Addr), logger.Int("attempts", attempt))

	return NewRedisCacheFromClient(client, opts.TTL), nil
}

// NewRedisCacheFromClient wraps an existing client
func NewRedisCacheFromClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

// Get returns the cached route for a short code; ok is false on a miss
func (r *RedisCache) Get(ctx context.Context, shortCode string) (Route, bool, error) {
	val, err := r.client.Get(ctx, LinkPrefix+shortCode).Bytes()
	if errors.Is(err, redis.Nil) {
		return Route{}, false, nil
	}
	if err != nil {
		return Route{}, false, fmt.Errorf("failed to get from Redis: %w", err)
	}

	var route Route
	if err := json.Unmarshal(val, &route); err != nil {
		return Route{}, false, fmt.Errorf("failed to decode cached link %q: %w", shortCode, err)
	}
	return route, true, nil
}

// Fill stores a route read from the store only if no entry exists yet.
// Admin writes use Set, so a fill carrying a row read before an update
// cannot overwrite the newer entry.
func (r *RedisCache) Fill(ctx context.Context, shortCode string, route Route) error {
	val, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("failed to encode link %q: %w", shortCode, err)
	}
	if err := r.client.SetNX(ctx, LinkPrefix+shortCode, val, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to fill Redis: %w", err)
	}
	return nil
}

// Set stores the route for a short code with the configured TTL, replacing any entry
func (r *RedisCache) Set(ctx context.Context, shortCode string, route Route) error {
	val, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("failed to encode link %q: %w", shortCode, err)
	}
	if err := r.client.Set(ctx, LinkPrefix+shortCode, val, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in Redis: %w", err)
	}
	return nil
}

// Delete removes a short code from cache
func (r *RedisCache) Delete(ctx context.Context, shortCode string) error {
	if err := r.client.Del(ctx, LinkPrefix+shortCode).Err(); err != nil {
		return fmt.Errorf("failed to delete from Redis: %w", err)
	}
	return nil
}

// Ping checks the connection
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// Client returns the underlying Redis client
func (r *RedisCache) Client() *redis.Client {
	return r.client
}
