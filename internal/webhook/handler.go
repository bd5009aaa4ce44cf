package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/outpost/internal/db"
	"github.com/lalithlochan/outpost/internal/worker"
)

// DeliveryPayload is the payload of a webhook_delivery job.
type DeliveryPayload struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// Store is the storage the webhook handler needs.
type Store interface {
	ListSubscriptions(ctx context.Context, companyID int64, activeOnly bool) ([]*db.WebhookSubscription, error)
	InsertWebhookDelivery(ctx context.Context, d *db.WebhookDelivery) error
}

// SecretBox seals and opens subscription secrets. *secrets.Box satisfies it.
type SecretBox interface {
	Seal(plain string) (string, error)
	Open(stored string) (string, error)
}

type HandlerConfig struct {
	// MaxAttempts mirrors the worker's ceiling so the last failed attempt is
	// recorded without a next retry time.
	MaxAttempts int
}

// Handler runs webhook_delivery jobs.
type Handler struct {
	store     Store
	box       SecretBox
	deliverer Deliverer
	config    HandlerConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewHandler(store Store, box SecretBox, deliverer Deliverer, cfg HandlerConfig, logger *zap.Logger) *Handler {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	return &Handler{
		store:     store,
		box:       box,
		deliverer: deliverer,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// deliveryNamespace scopes delivery ids so retries of the same job to the
// same subscription carry the same X-Outpost-Delivery value.
var deliveryNamespace = uuid.MustParse("6f1b2d4e-8c3a-4a57-9e0b-2f6d1c7a5b93")

func deliveryID(jobID, subscriptionID int64) string {
	return uuid.NewSHA1(deliveryNamespace, []byte(fmt.Sprintf("%d:%d", jobID, subscriptionID))).String()
}

// Handle posts the event to every matching active subscription and succeeds
// only when all of them answered 2xx.
func (h *Handler) Handle(ctx context.Context, job *db.Job) error {
	var p DeliveryPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return worker.Permanent(fmt.Errorf("decode delivery payload: %w", err))
	}
	if p.EventType == "" {
		return worker.Permanent(errors.New("delivery payload has no event_type"))
	}

	body, err := CanonicalJSON(p.Payload)
	if err != nil {
		return worker.Permanent(err)
	}

	subs, err := h.store.ListSubscriptions(ctx, job.CompanyID, true)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}

	var (
		matched  int
		failures []string
	)
	for _, sub := range subs {
		if !sub.Matches(p.EventType) {
			continue
		}
		matched++
		if err := h.deliver(ctx, job, sub, p.EventType, body); err != nil {
			failures = append(failures, fmt.Sprintf("subscription %d: %v", sub.ID, err))
		}
	}

	if matched == 0 {
		h.logger.Debug("no webhook subscriptions for event",
			zap.Int64("company_id", job.CompanyID),
			zap.String("event_type", p.EventType),
		)
		return nil
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d of %d webhook deliveries failed: %s", len(failures), matched, strings.Join(failures, "; "))
	}
	return nil
}

func (h *Handler) deliver(ctx context.Context, job *db.Job, sub *db.WebhookSubscription, eventType string, body []byte) error {
	attempts := job.Attempts + 1
	rec := &db.WebhookDelivery{
		CompanyID:      job.CompanyID,
		SubscriptionID: sub.ID,
		JobID:          &job.ID,
		EventType:      eventType,
		PayloadJSON:    body,
		Attempts:       attempts,
	}

	err := h.post(ctx, sub, eventType, deliveryID(job.ID, sub.ID), body, rec)
	if err != nil {
		rec.Status = db.DeliveryStatusFailed
		msg := err.Error()
		rec.LastError = &msg
		if attempts < h.config.MaxAttempts {
			next := h.now().Add(worker.Backoff(attempts))
			rec.NextRetryAt = &next
		}
	} else {
		rec.Status = db.DeliveryStatusSent
	}

	if insertErr := h.store.InsertWebhookDelivery(ctx, rec); insertErr != nil {
		h.logger.Error("failed to record webhook delivery",
			zap.Int64("job_id", job.ID),
			zap.Int64("subscription_id", sub.ID),
			zap.Error(insertErr),
		)
		if err == nil {
			err = fmt.Errorf("record delivery: %w", insertErr)
		}
	}

	h.logger.Info("webhook attempt recorded",
		zap.Int64("job_id", job.ID),
		zap.Int64("subscription_id", sub.ID),
		zap.String("status", rec.Status),
		zap.Int("status_code", rec.StatusCode),
		zap.Int("attempts", attempts),
	)
	return err
}

func (h *Handler) post(ctx context.Context, sub *db.WebhookSubscription, eventType, id string, body []byte, rec *db.WebhookDelivery) error {
	secret, err := h.box.Open(sub.Secret)
	if err != nil {
		return fmt.Errorf("open secret: %w", err)
	}

	rec.Signature = Sign(secret, body)
	status, err := h.deliverer.Deliver(ctx, Request{
		URL:        sub.URL,
		EventType:  eventType,
		DeliveryID: id,
		Signature:  rec.Signature,
		Body:       body,
	})
	rec.StatusCode = status
	return err
}
