package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// CreateToken stores a token record (hash and scopes only)
func (r *Repository) CreateToken(ctx context.Context, t *APIToken) error {
	scopes, err := json.Marshal(t.Scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}

	query := `
		INSERT INTO api_tokens (company_id, name, token_hash, scopes_json, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	if err := r.db.Pool().QueryRow(ctx, query, t.CompanyID, t.Name, t.TokenHash, scopes, t.Active).
		Scan(&t.ID, &t.CreatedAt); err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// FindActiveTokenByHash looks up an active token by the hash of its raw value
func (r *Repository) FindActiveTokenByHash(ctx context.Context, hash string) (*APIToken, error) {
	query := `
		SELECT id, company_id, name, token_hash, scopes_json, active, last_used_at, created_at
		FROM api_tokens
		WHERE token_hash = $1 AND active
	`

	var (
		t      APIToken
		scopes []byte
	)
	err := r.db.Pool().QueryRow(ctx, query, hash).Scan(
		&t.ID, &t.CompanyID, &t.Name, &t.TokenHash, &scopes, &t.Active, &t.LastUsedAt, &t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query token: %w", err)
	}
	if err := json.Unmarshal(scopes, &t.Scopes); err != nil {
		return nil, fmt.Errorf("token %d scopes_json: %w", t.ID, err)
	}
	return &t, nil
}

// TouchToken records the last time a token was used
func (r *Repository) TouchToken(ctx context.Context, id int64, at time.Time) error {
	if _, err := r.db.Pool().Exec(ctx, `UPDATE api_tokens SET last_used_at = $1 WHERE id = $2`, at, id); err != nil {
		return fmt.Errorf("touch token: %w", err)
	}
	return nil
}

// DeactivateToken revokes a token
func (r *Repository) DeactivateToken(ctx context.Context, companyID, id int64) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE api_tokens SET active = FALSE WHERE company_id = $1 AND id = $2`,
		companyID, id,
	)
	if err != nil {
		return fmt.Errorf("deactivate token: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("token %d: %w", id, ErrNotFound)
	}
	return nil
}

// InsertIdempotencyKey records a key; false means the key already existed
func (r *Repository) InsertIdempotencyKey(ctx context.Context, k *IdempotencyKey) (bool, error) {
	query := `
		INSERT INTO idempotency_keys (company_id, idempotency_key, request_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (company_id, idempotency_key) DO NOTHING
	`

	result, err := r.db.Pool().Exec(ctx, query, k.CompanyID, k.IdempotencyKey, k.RequestHash)
	if err != nil {
		return false, fmt.Errorf("insert idempotency key: %w", err)
	}
	return result.RowsAffected() == 1, nil
}
