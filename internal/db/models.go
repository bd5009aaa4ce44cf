package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a row does not exist (or belongs to another company).
	ErrNotFound = errors.New("not found")
)

// Event is a domain event waiting in the outbox for job expansion
type Event struct {
	ID             int64           `json:"id"`
	CompanyID      int64           `json:"company_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

// Job is a durable unit of work executed by the worker
type Job struct {
	ID             int64           `json:"id"`
	CompanyID      int64           `json:"company_id"`
	JobType        string          `json:"job_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Job status constants
const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusDead    = "dead"
)

// Job type constants
const (
	JobTypeNotificationDispatch = "notification_dispatch"
	JobTypeWebhookDelivery      = "webhook_delivery"
)

// DeadLetterJob is the immutable snapshot of a job that exhausted its attempts
type DeadLetterJob struct {
	ID             uuid.UUID       `json:"id"`
	JobID          int64           `json:"job_id"`
	CompanyID      int64           `json:"company_id"`
	JobType        string          `json:"job_type"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	LastError      string          `json:"last_error"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Channel constants
const (
	ChannelEmail    = "email"
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
	ChannelInApp    = "in_app"
)

// Channels lists every supported notification channel.
var Channels = []string{ChannelEmail, ChannelSMS, ChannelWhatsApp, ChannelInApp}

type NotificationTemplate struct {
	ID            int64           `json:"id"`
	CompanyID     int64           `json:"company_id"`
	Name          string          `json:"name"`
	Channel       string          `json:"channel"`
	Subject       string          `json:"subject"`
	Body          string          `json:"body"`
	VariablesJSON json.RawMessage `json:"variables_json,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type NotificationRule struct {
	ID         int64     `json:"id"`
	CompanyID  int64     `json:"company_id"`
	EventType  string    `json:"event_type"`
	Channel    string    `json:"channel"`
	Recipient  string    `json:"recipient"`
	TemplateID int64     `json:"template_id"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Delivery status constants (notifications and webhooks)
const (
	DeliveryStatusSent      = "sent"
	DeliveryStatusFailed    = "failed"
	DeliveryStatusBlocked   = "blocked"
	DeliveryStatusThrottled = "throttled"
)

// DeliveryLog is one rendered notification attempt and its outcome
type DeliveryLog struct {
	ID        int64     `json:"id"`
	CompanyID int64     `json:"company_id"`
	JobID     *int64    `json:"job_id,omitempty"`
	RuleID    *int64    `json:"rule_id,omitempty"`
	EventType string    `json:"event_type"`
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

type ContactConsent struct {
	CompanyID int64     `json:"company_id"`
	Contact   string    `json:"contact"`
	Channel   string    `json:"channel"`
	OptIn     bool      `json:"opt_in"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WebhookSubscription targets a URL with the events it wants ("*" matches all)
type WebhookSubscription struct {
	ID        int64     `json:"id"`
	CompanyID int64     `json:"company_id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Events    []string  `json:"events"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// WildcardEvent subscribes to every event type.
const WildcardEvent = "*"

// Matches reports whether the subscription wants eventType.
func (s *WebhookSubscription) Matches(eventType string) bool {
	for _, e := range s.Events {
		if e == WildcardEvent || e == eventType {
			return true
		}
	}
	return false
}

// DecodeEvents reads a stored events_json value. Both a list of event types
// and a bare string ("*" or a single type) are accepted.
func DecodeEvents(raw []byte) ([]string, error) {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		if list == nil {
			return nil, errors.New("events_json is null")
		}
		return list, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("events_json must be a list or a string: %w", err)
	}
	if single == "" {
		return nil, errors.New("events_json is an empty string")
	}
	return []string{single}, nil
}

type WebhookDelivery struct {
	ID             int64           `json:"id"`
	CompanyID      int64           `json:"company_id"`
	SubscriptionID int64           `json:"subscription_id"`
	JobID          *int64          `json:"job_id,omitempty"`
	EventType      string          `json:"event_type"`
	PayloadJSON    json.RawMessage `json:"payload_json"`
	Signature      string          `json:"signature"`
	Status         string          `json:"status"`
	StatusCode     int             `json:"status_code"`
	Attempts       int             `json:"attempts"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// APIToken is an issued bearer token; only the hash of the raw value is kept
type APIToken struct {
	ID         int64      `json:"id"`
	CompanyID  int64      `json:"company_id"`
	Name       string     `json:"name"`
	TokenHash  string     `json:"-"`
	Scopes     []string   `json:"scopes"`
	Active     bool       `json:"active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// HasScope reports whether the token was granted scope.
func (t *APIToken) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type IdempotencyKey struct {
	CompanyID      int64     `json:"company_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	RequestHash    string    `json:"request_hash"`
	CreatedAt      time.Time `json:"created_at"`
}
