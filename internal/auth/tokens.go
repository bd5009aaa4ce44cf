// Package auth issues and validates opaque API tokens and records request
// idempotency keys.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/outpost/internal/db"
)

// Scopes granted to API tokens.
const (
	ScopeEventsWrite = "events:write"
	ScopeJobsRead    = "jobs:read"
	ScopeJobsWrite   = "jobs:write"
	ScopeAdmin       = "admin"
)

const tokenPrefix = "otk_"

// ErrInvalidToken is returned by the middleware for unknown, revoked or
// under-scoped tokens.
var ErrInvalidToken = errors.New("invalid api token")

type Store interface {
	CreateToken(ctx context.Context, t *db.APIToken) error
	FindActiveTokenByHash(ctx context.Context, hash string) (*db.APIToken, error)
	TouchToken(ctx context.Context, id int64, at time.Time) error
	DeactivateToken(ctx context.Context, companyID, id int64) error
	InsertIdempotencyKey(ctx context.Context, k *db.IdempotencyKey) (bool, error)
}

// Service owns API tokens and idempotency keys.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// HashToken is the stored form of a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CreateToken issues a token. The raw value is only ever returned here.
func (s *Service) CreateToken(ctx context.Context, companyID int64, name string, scopes []string) (string, int64, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", 0, fmt.Errorf("generate token: %w", err)
	}
	raw := tokenPrefix + hex.EncodeToString(b)

	t := &db.APIToken{
		CompanyID: companyID,
		Name:      name,
		TokenHash: HashToken(raw),
		Scopes:    scopes,
		Active:    true,
	}
	if t.Scopes == nil {
		t.Scopes = []string{}
	}
	if err := s.store.CreateToken(ctx, t); err != nil {
		return "", 0, err
	}

	s.logger.Info("api token created",
		zap.Int64("company_id", companyID),
		zap.Int64("token_id", t.ID),
		zap.Strings("scopes", t.Scopes),
	)
	return raw, t.ID, nil
}

// ValidateToken returns the token for raw, or nil when it is unknown,
// inactive, or lacks scope. An empty scope skips the scope check.
func (s *Service) ValidateToken(ctx context.Context, raw, scope string) (*db.APIToken, error) {
	if raw == "" {
		return nil, nil
	}

	t, err := s.store.FindActiveTokenByHash(ctx, HashToken(raw))
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find token: %w", err)
	}

	if scope != "" && !t.HasScope(scope) && !t.HasScope(ScopeAdmin) {
		return nil, nil
	}

	now := s.now()
	if err := s.store.TouchToken(ctx, t.ID, now); err != nil {
		s.logger.Warn("failed to touch api token", zap.Int64("token_id", t.ID), zap.Error(err))
	} else {
		t.LastUsedAt = &now
	}
	return t, nil
}

func (s *Service) DeactivateToken(ctx context.Context, companyID, id int64) error {
	if err := s.store.DeactivateToken(ctx, companyID, id); err != nil {
		return err
	}
	s.logger.Info("api token deactivated", zap.Int64("company_id", companyID), zap.Int64("token_id", id))
	return nil
}

// CheckIdempotency records key for the company. It returns true the first
// time a key is seen and false for any repeat.
func (s *Service) CheckIdempotency(ctx context.Context, companyID int64, key, requestHash string) (bool, error) {
	return s.store.InsertIdempotencyKey(ctx, &db.IdempotencyKey{
		CompanyID:      companyID,
		IdempotencyKey: key,
		RequestHash:    requestHash,
	})
}

// HashRequest fingerprints a request body for the idempotency record.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
