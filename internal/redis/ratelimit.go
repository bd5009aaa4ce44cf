package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Prefix string        // Key namespace, e.g. "notify" or "api"
	Limit  int           // Maximum hits inside Window
	Window time.Duration // Sliding window length
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is a sliding-window limiter over a Redis sorted set: one member
// per admitted hit, scored by its timestamp. Every process sharing the Redis
// instance shares the window.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	if config.Prefix == "" {
		config.Prefix = "ratelimit"
	}
	if config.Window == 0 {
		config.Window = time.Minute
	}
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Allow admits a single hit for key.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// slidingWindowScript trims, counts and records in one step, so concurrent
// callers at limit-1 cannot both be admitted.
//
// KEYS[1] window key
// ARGV[1] exclusive lower bound ("(<nanos>"), ARGV[2] score for new hits,
// ARGV[3] limit, ARGV[4] ttl in ms, ARGV[5..] one member per hit
var slidingWindowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local current = redis.call('ZCARD', KEYS[1])
local n = #ARGV - 4
if current + n > tonumber(ARGV[3]) then
	return {0, current}
end
for i = 5, #ARGV do
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[i])
end
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {1, current}
`)

// AllowN admits n hits for key if they all fit in the current window.
// Rejected hits are not recorded.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	if n <= 0 {
		return nil, fmt.Errorf("rate limit hits must be positive, got %d", n)
	}

	now := r.now()
	windowStart := now.Add(-r.config.Window)
	resetAt := now.Add(r.config.Window)
	redisKey := fmt.Sprintf("%s:%s", r.config.Prefix, key)

	args := make([]any, 0, 4+n)
	args = append(args,
		"("+strconv.FormatInt(windowStart.UnixNano(), 10),
		strconv.FormatInt(now.UnixNano(), 10),
		r.config.Limit,
		(r.config.Window + time.Second).Milliseconds(),
	)
	for i := 0; i < n; i++ {
		args = append(args, uuid.NewString())
	}

	res, err := slidingWindowScript.Run(ctx, r.client.rdb, []string{redisKey}, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis rate limit script failed: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("redis rate limit script returned %d values", len(res))
	}

	current := int(res[1])
	remaining := r.config.Limit - current

	if res[0] == 0 {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", redisKey),
			zap.Int("current", current),
			zap.Int("limit", r.config.Limit),
		)
		return &RateLimitResult{
			Allowed:   false,
			Remaining: max(0, remaining),
			ResetAt:   resetAt,
		}, nil
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: remaining - n,
		ResetAt:   resetAt,
	}, nil
}
