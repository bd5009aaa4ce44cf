package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CreateTemplate inserts a notification template
func (r *Repository) CreateTemplate(ctx context.Context, t *NotificationTemplate) error {
	query := `
		INSERT INTO notification_templates (company_id, name, channel, subject, body, variables_json)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		t.CompanyID, t.Name, t.Channel, t.Subject, t.Body, nullableJSON(t.VariablesJSON),
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// GetTemplate loads a template by id within a company
func (r *Repository) GetTemplate(ctx context.Context, companyID, id int64) (*NotificationTemplate, error) {
	query := `
		SELECT id, company_id, name, channel, subject, body, variables_json, created_at
		FROM notification_templates
		WHERE company_id = $1 AND id = $2
	`

	var t NotificationTemplate
	err := r.db.Pool().QueryRow(ctx, query, companyID, id).Scan(
		&t.ID, &t.CompanyID, &t.Name, &t.Channel, &t.Subject, &t.Body, &t.VariablesJSON, &t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return &t, nil
}

// CreateRule inserts a notification rule
func (r *Repository) CreateRule(ctx context.Context, rule *NotificationRule) error {
	query := `
		INSERT INTO notification_rules (company_id, event_type, channel, recipient, template_id, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		rule.CompanyID, rule.EventType, rule.Channel, rule.Recipient, rule.TemplateID, rule.Active,
	).Scan(&rule.ID, &rule.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// ListActiveRules returns the active rules for an event type, in creation order
func (r *Repository) ListActiveRules(ctx context.Context, companyID int64, eventType string) ([]*NotificationRule, error) {
	query := `
		SELECT id, company_id, event_type, channel, recipient, template_id, active, created_at
		FROM notification_rules
		WHERE company_id = $1 AND event_type = $2 AND active
		ORDER BY id ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, companyID, eventType)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []*NotificationRule
	for rows.Next() {
		var rule NotificationRule
		if err := rows.Scan(
			&rule.ID, &rule.CompanyID, &rule.EventType, &rule.Channel,
			&rule.Recipient, &rule.TemplateID, &rule.Active, &rule.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// UpsertConsent records the opt-in flag for a contact on a channel
func (r *Repository) UpsertConsent(ctx context.Context, c *ContactConsent) error {
	query := `
		INSERT INTO contact_consents (company_id, contact, channel, opt_in)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (company_id, contact, channel)
		DO UPDATE SET opt_in = EXCLUDED.opt_in, updated_at = NOW()
		RETURNING updated_at
	`

	if err := r.db.Pool().QueryRow(ctx, query, c.CompanyID, c.Contact, c.Channel, c.OptIn).Scan(&c.UpdatedAt); err != nil {
		return fmt.Errorf("upsert consent: %w", err)
	}
	return nil
}

// GetConsent returns ErrNotFound when no explicit consent was recorded
func (r *Repository) GetConsent(ctx context.Context, companyID int64, contact, channel string) (*ContactConsent, error) {
	query := `
		SELECT company_id, contact, channel, opt_in, updated_at
		FROM contact_consents
		WHERE company_id = $1 AND contact = $2 AND channel = $3
	`

	var c ContactConsent
	err := r.db.Pool().QueryRow(ctx, query, companyID, contact, channel).Scan(
		&c.CompanyID, &c.Contact, &c.Channel, &c.OptIn, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query consent: %w", err)
	}
	return &c, nil
}

// InsertDeliveryLog appends a notification attempt record
func (r *Repository) InsertDeliveryLog(ctx context.Context, l *DeliveryLog) error {
	query := `
		INSERT INTO notification_delivery_log (
			company_id, job_id, rule_id, event_type, channel, recipient, subject, body, status, detail
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		l.CompanyID, l.JobID, l.RuleID, l.EventType, l.Channel,
		l.Recipient, l.Subject, l.Body, l.Status, l.Detail,
	).Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert delivery log: %w", err)
	}
	return nil
}

// SentRuleIDs returns the rules that already have a sent log for a job
func (r *Repository) SentRuleIDs(ctx context.Context, companyID, jobID int64) ([]int64, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT DISTINCT rule_id FROM notification_delivery_log
		WHERE company_id = $1 AND job_id = $2 AND status = 'sent' AND rule_id IS NOT NULL
	`, companyID, jobID)
	if err != nil {
		return nil, fmt.Errorf("query sent rules: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan rule id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListDeliveryLogs lists notification attempts newest first
func (r *Repository) ListDeliveryLogs(ctx context.Context, companyID int64, limit, offset int) ([]*DeliveryLog, error) {
	query := `
		SELECT id, company_id, job_id, rule_id, event_type, channel, recipient, subject, body, status, detail, created_at
		FROM notification_delivery_log
		WHERE company_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, companyID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query delivery logs: %w", err)
	}
	defer rows.Close()

	var logs []*DeliveryLog
	for rows.Next() {
		var l DeliveryLog
		if err := rows.Scan(
			&l.ID, &l.CompanyID, &l.JobID, &l.RuleID, &l.EventType, &l.Channel,
			&l.Recipient, &l.Subject, &l.Body, &l.Status, &l.Detail, &l.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		logs = append(logs, &l)
	}

	return logs, rows.Err()
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
