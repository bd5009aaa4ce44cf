package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// ReplayTTL is how long the response to a client Idempotency-Key is replayable.
	ReplayTTL = 24 * time.Hour

	// processingTTL bounds a reservation left behind by a crashed request.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest means the same key is being processed by another request.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already in flight")

// ReplayResult is what a duplicate request is answered with.
type ReplayResult struct {
	ResourceID string `json:"resource_id"`
	StatusCode int    `json:"status_code"`
	CreatedAt  int64  `json:"created_at"`
}

// ReplayCache remembers the outcome of requests carrying an Idempotency-Key.
// The relational idempotency row decides admission; the cache only lets a
// duplicate see the original answer.
type ReplayCache struct {
	client *Client
	logger *zap.Logger
}

func NewReplayCache(client *Client, logger *zap.Logger) *ReplayCache {
	return &ReplayCache{
		client: client,
		logger: logger,
	}
}

func (s *ReplayCache) buildKey(companyID int64, idempotencyKey string) string {
	return "idempotency:" + strconv.FormatInt(companyID, 10) + ":" + idempotencyKey
}

// Check returns (nil, nil) for an unknown key and ErrDuplicateRequest while
// the key is reserved.
func (s *ReplayCache) Check(ctx context.Context, companyID int64, idempotencyKey string) (*ReplayResult, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(companyID, idempotencyKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result ReplayResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal replay result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency replay hit",
		zap.Int64("company_id", companyID),
		zap.String("resource_id", result.ResourceID),
	)
	return &result, nil
}

// Store saves the answer for a completed request.
func (s *ReplayCache) Store(ctx context.Context, companyID int64, idempotencyKey string, result *ReplayResult) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.buildKey(companyID, idempotencyKey), data, ReplayTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Reserve marks the key in flight. False means somebody else holds it.
func (s *ReplayCache) Reserve(ctx context.Context, companyID int64, idempotencyKey string) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, s.buildKey(companyID, idempotencyKey), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// Release drops a reservation after the request failed before producing a result.
func (s *ReplayCache) Release(ctx context.Context, companyID int64, idempotencyKey string) error {
	key := s.buildKey(companyID, idempotencyKey)
	val, err := s.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get failed: %w", err)
	}
	if val != processingMarker {
		return nil
	}
	return s.client.rdb.Del(ctx, key).Err()
}

// CheckOrReserve returns a cached result, or reserves the key and returns nil.
func (s *ReplayCache) CheckOrReserve(ctx context.Context, companyID int64, idempotencyKey string) (*ReplayResult, error) {
	result, err := s.Check(ctx, companyID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, companyID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}
	return nil, nil
}
