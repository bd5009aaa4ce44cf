package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lalithlochan/outpost/internal/redis"
)

// Limiter admits or rejects one send for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

func limiterKey(companyID int64, channel string) string {
	return fmt.Sprintf("%d:%s", companyID, channel)
}

// SlidingWindow is a per-process sliding-window limiter. State is lost on
// restart.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	hits   map[string][]time.Time
}

func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingWindow{
		limit:  limit,
		window: window,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
	}
}

// Allow records the hit when it fits in the window.
func (s *SlidingWindow) Allow(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-s.window)

	hits := s.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	if len(hits) >= s.limit {
		s.hits[key] = hits
		return false, nil
	}
	s.hits[key] = append(hits, now)
	return true, nil
}

// RedisLimiter shares the window between processes through Redis.
type RedisLimiter struct {
	rl *redis.RateLimiter
}

func NewRedisLimiter(rl *redis.RateLimiter) *RedisLimiter {
	return &RedisLimiter{rl: rl}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	res, err := r.rl.Allow(ctx, key)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}
