package middleware

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/Monthlyaway/short-link-relay/internal/logger"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Strategy selects the rate limiting algorithm
type Strategy string

const (
	// FixedWindow counts requests per aligned window. Allows up to 2x
	// the limit across a window boundary.
	FixedWindow Strategy = "fixed_window"
	// SlidingWindow keeps a timestamp per request in a sorted set
	SlidingWindow Strategy = "sliding_window"
	// TokenBucket refills limit tokens per window and allows bursts
	TokenBucket Strategy = "token_bucket"
)

// ParseStrategy maps a config value onto a Strategy, defaulting to FixedWindow
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case SlidingWindow:
		return SlidingWindow
	case TokenBucket:
		return TokenBucket
	default:
		return FixedWindow
	}
}

// Policy describes one limit applied by a RateLimiter
type Policy struct {
	Strategy Strategy
	Limit    int
	Window   time.Duration

	// KeyFunc buckets requests. Defaults to IPAndRouteKey.
	KeyFunc func(*gin.Context) string
	// OnLimited writes the rejection. Defaults to a 429 JSON body.
	OnLimited func(*gin.Context)
	// Skip exempts a request from limiting
	Skip func(*gin.Context) bool
}

// Decision is the outcome of one limit check
type Decision struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// RateLimiter enforces a Policy with counters kept in Redis
type RateLimiter struct {
	redis  *redis.Client
	policy Policy
	log    logger.Logger
}

// NewRateLimiter creates a new rate limiter instance
func NewRateLimiter(client *redis.Client, policy Policy, log logger.Logger) *RateLimiter {
	if policy.KeyFunc == nil {
		policy.KeyFunc = IPAndRouteKey
	}
	if policy.OnLimited == nil {
		policy.OnLimited = tooManyRequests
	}
	if policy.Skip == nil {
		policy.Skip = func(*gin.Context) bool { return false }
	}
	if policy.Window <= 0 {
		policy.Window = time.Minute
	}
	return &RateLimiter{
		redis:  client,
		policy: policy,
		log:    log,
	}
}

// Middleware returns the gin handler. Redis failures let the request through.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.policy.Skip(c) {
			c.Next()
			return
		}

		key := rl.policy.KeyFunc(c)
		d, err := rl.Check(c.Request.Context(), key)
		if err != nil {
			rl.log.Warn("rate limiter unavailable, failing open",
				logger.String("key", key),
				logger.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.policy.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))

		if !d.Allowed {
			retryAfter := int64(time.Until(d.Reset).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			rl.policy.OnLimited(c)
			c.Abort()
			return
		}

		c.Next()
	}
}

// Check consumes one unit for key under the configured strategy
func (rl *RateLimiter) Check(ctx context.Context, key string) (Decision, error) {
	switch rl.policy.Strategy {
	case SlidingWindow:
		return rl.slidingWindow(ctx, key)
	case TokenBucket:
		return rl.tokenBucket(ctx, key)
	default:
		return rl.fixedWindow(ctx, key)
	}
}

func (rl *RateLimiter) fixedWindow(ctx context.Context, key string) (Decision, error) {
	start := time.Now().Truncate(rl.policy.Window)
	windowKey := fmt.Sprintf("%s:%d", key, start.Unix())

	pipe := rl.redis.TxPipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, rl.policy.Window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, err
	}

	count := int(incr.Val())
	return Decision{
		Allowed:   count <= rl.policy.Limit,
		Remaining: max(rl.policy.Limit-count, 0),
		Reset:     start.Add(rl.policy.Window),
	}, nil
}

// slidingWindow logs rejected requests too, so a client that keeps
// hammering stays limited.
func (rl *RateLimiter) slidingWindow(ctx context.Context, key string) (Decision, error) {
	now := time.Now()
	member := fmt.Sprintf("%d-%08x", now.UnixNano(), rand.Uint32())

	pipe := rl.redis.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.Add(-rl.policy.Window).UnixNano(), 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, rl.policy.Window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, err
	}

	count := int(card.Val())
	return Decision{
		Allowed:   count <= rl.policy.Limit,
		Remaining: max(rl.policy.Limit-count, 0),
		Reset:     now.Add(rl.policy.Window),
	}, nil
}

// tokenBucketScript refills and takes a token in one round trip.
// KEYS[1] bucket hash; ARGV capacity, tokens per ms, now ms, ttl ms.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now
tokens = math.min(capacity, tokens + math.max(0, now - ts) * rate)
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', now)
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {allowed, tostring(tokens)}
`)

func (rl *RateLimiter) tokenBucket(ctx context.Context, key string) (Decision, error) {
	now := time.Now()
	perMs := float64(rl.policy.Limit) / float64(rl.policy.Window.Milliseconds())

	res, err := tokenBucketScript.Run(ctx, rl.redis, []string{key + ":bucket"},
		rl.policy.Limit,
		strconv.FormatFloat(perMs, 'f', -1, 64),
		now.UnixMilli(),
		(rl.policy.Window * 2).Milliseconds(),
	).Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("unexpected token bucket reply: %v", res)
	}

	allowed, _ := res[0].(int64)
	left, _ := res[1].(string)
	tokens, err := strconv.ParseFloat(left, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("invalid token count %q: %w", left, err)
	}

	reset := now
	if tokens < 1 {
		reset = now.Add(time.Duration((1 - tokens) / perMs * float64(time.Millisecond)))
	}
	return Decision{
		Allowed:   allowed == 1,
		Remaining: int(tokens),
		Reset:     reset,
	}, nil
}

func tooManyRequests(c *gin.Context) {
	c.JSON(http.StatusTooManyRequests, gin.H{
		"code":    http.StatusTooManyRequests,
		"message": "Rate limit exceeded. Please try again later.",
	})
}

// IPKey buckets by client IP across all routes
func IPKey(c *gin.Context) string {
	return "rate_limit:ip:" + c.ClientIP()
}

// IPAndRouteKey buckets by client IP and route pattern, so every short
// code behind /:short_code shares one bucket per client.
func IPAndRouteKey(c *gin.Context) string {
	route := c.FullPath()
	if route == "" {
		route = c.Request.URL.Path
	}
	return fmt.Sprintf("rate_limit:%s:%s", c.ClientIP(), route)
}

// SkipProbes exempts the health and metrics endpoints
func SkipProbes(c *gin.Context) bool {
	return c.Request.URL.Path == "/health" || c.Request.URL.Path == "/metrics"
}
