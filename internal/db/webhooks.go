package db

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// CreateSubscription registers a webhook endpoint
func (r *Repository) CreateSubscription(ctx context.Context, s *WebhookSubscription) error {
	events, err := json.Marshal(s.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}

	query := `
		INSERT INTO webhook_subscriptions (company_id, url, secret, events_json, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err = r.db.Pool().QueryRow(ctx, query, s.CompanyID, s.URL, s.Secret, events, s.Active).
		Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// ListSubscriptions returns a company's subscriptions in creation order
func (r *Repository) ListSubscriptions(ctx context.Context, companyID int64, activeOnly bool) ([]*WebhookSubscription, error) {
	query := `
		SELECT id, company_id, url, secret, events_json, active, created_at
		FROM webhook_subscriptions
		WHERE company_id = $1 AND (active OR NOT $2)
		ORDER BY id ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, companyID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*WebhookSubscription
	for rows.Next() {
		var (
			s      WebhookSubscription
			events []byte
		)
		if err := rows.Scan(&s.ID, &s.CompanyID, &s.URL, &s.Secret, &events, &s.Active, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		s.Events, err = DecodeEvents(events)
		if err != nil {
			// One bad row must not stop deliveries to the company's other endpoints.
			r.logger.Warn("skipping subscription with unreadable events_json",
				zap.Int64("subscription_id", s.ID),
				zap.Int64("company_id", s.CompanyID),
				zap.Error(err),
			)
			continue
		}
		subs = append(subs, &s)
	}

	return subs, rows.Err()
}

// DeactivateSubscription stops deliveries to a subscription
func (r *Repository) DeactivateSubscription(ctx context.Context, companyID, id int64) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE webhook_subscriptions SET active = FALSE WHERE company_id = $1 AND id = $2`,
		companyID, id,
	)
	if err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	return nil
}

// InsertWebhookDelivery appends a delivery attempt record
func (r *Repository) InsertWebhookDelivery(ctx context.Context, d *WebhookDelivery) error {
	query := `
		INSERT INTO webhook_deliveries (
			company_id, subscription_id, job_id, event_type, payload_json,
			signature, status, status_code, attempts, next_retry_at, last_error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		d.CompanyID, d.SubscriptionID, d.JobID, d.EventType, d.PayloadJSON,
		d.Signature, d.Status, d.StatusCode, d.Attempts, d.NextRetryAt, d.LastError,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", err)
	}
	return nil
}

// ListWebhookDeliveries lists delivery attempts newest first
func (r *Repository) ListWebhookDeliveries(ctx context.Context, companyID int64, limit, offset int) ([]*WebhookDelivery, error) {
	query := `
		SELECT id, company_id, subscription_id, job_id, event_type, payload_json,
			signature, status, status_code, attempts, next_retry_at, last_error, created_at
		FROM webhook_deliveries
		WHERE company_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, companyID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query webhook deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*WebhookDelivery
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(
			&d.ID, &d.CompanyID, &d.SubscriptionID, &d.JobID, &d.EventType, &d.PayloadJSON,
			&d.Signature, &d.Status, &d.StatusCode, &d.Attempts, &d.NextRetryAt, &d.LastError, &d.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan webhook delivery: %w", err)
		}
		deliveries = append(deliveries, &d)
	}

	return deliveries, rows.Err()
}
