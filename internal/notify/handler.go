package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/outpost/internal/db"
	"github.com/lalithlochan/outpost/internal/metrics"
	"github.com/lalithlochan/outpost/internal/worker"
)

// DispatchPayload is the payload of a notification_dispatch job.
type DispatchPayload struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// Store is the storage the notification subsystem reads and writes.
type Store interface {
	ListActiveRules(ctx context.Context, companyID int64, eventType string) ([]*db.NotificationRule, error)
	GetTemplate(ctx context.Context, companyID, id int64) (*db.NotificationTemplate, error)
	GetConsent(ctx context.Context, companyID int64, contact, channel string) (*db.ContactConsent, error)
	InsertDeliveryLog(ctx context.Context, l *db.DeliveryLog) error
	SentRuleIDs(ctx context.Context, companyID, jobID int64) ([]int64, error)
}

type HandlerConfig struct {
	ProviderTimeout time.Duration
}

// Handler runs notification_dispatch jobs: one delivery attempt per active
// rule for the event type.
type Handler struct {
	store   Store
	router  *Router
	limiter Limiter
	config  HandlerConfig
	logger  *zap.Logger
}

func NewHandler(store Store, router *Router, limiter Limiter, cfg HandlerConfig, logger *zap.Logger) *Handler {
	if cfg.ProviderTimeout == 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	return &Handler{
		store:   store,
		router:  router,
		limiter: limiter,
		config:  cfg,
		logger:  logger,
	}
}

// ruleResult is the outcome of one rule. permanent marks failures that a retry
// cannot fix.
type ruleResult struct {
	status    string
	detail    string
	permanent bool
}

func (r ruleResult) ok() bool {
	switch r.status {
	case db.DeliveryStatusSent, db.DeliveryStatusBlocked, db.DeliveryStatusThrottled:
		return true
	}
	return false
}

// Handle succeeds unless a rule ended outside sent/blocked/throttled. When
// every failing rule failed permanently the error is marked permanent.
func (h *Handler) Handle(ctx context.Context, job *db.Job) error {
	var p DispatchPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return worker.Permanent(fmt.Errorf("decode dispatch payload: %w", err))
	}
	if p.EventType == "" {
		return worker.Permanent(errors.New("dispatch payload has no event_type"))
	}

	vars, err := DecodeVars(p.Payload)
	if err != nil {
		return worker.Permanent(err)
	}

	rules, err := h.store.ListActiveRules(ctx, job.CompanyID, p.EventType)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	if len(rules) == 0 {
		h.logger.Debug("no notification rules for event",
			zap.Int64("company_id", job.CompanyID),
			zap.String("event_type", p.EventType),
		)
		return nil
	}

	// A retry only re-attempts the rules that have not been sent for this job.
	sentIDs, err := h.store.SentRuleIDs(ctx, job.CompanyID, job.ID)
	if err != nil {
		return fmt.Errorf("load sent rules: %w", err)
	}
	alreadySent := make(map[int64]bool, len(sentIDs))
	for _, id := range sentIDs {
		alreadySent[id] = true
	}

	var (
		failures  []string
		permanent = true
	)
	for _, rule := range rules {
		if alreadySent[rule.ID] {
			h.logger.Debug("rule already sent for job",
				zap.Int64("job_id", job.ID),
				zap.Int64("rule_id", rule.ID),
			)
			continue
		}
		res := h.deliver(ctx, job, rule, p.EventType, vars)
		if res.ok() {
			continue
		}
		failures = append(failures, fmt.Sprintf("rule %d: %s", rule.ID, res.detail))
		permanent = permanent && res.permanent
	}

	if len(failures) == 0 {
		return nil
	}

	err = fmt.Errorf("%d of %d notification rules failed: %s", len(failures), len(rules), strings.Join(failures, "; "))
	if permanent {
		return worker.Permanent(err)
	}
	return err
}

func (h *Handler) deliver(ctx context.Context, job *db.Job, rule *db.NotificationRule, eventType string, vars Vars) ruleResult {
	entry := &db.DeliveryLog{
		CompanyID: job.CompanyID,
		JobID:     &job.ID,
		RuleID:    &rule.ID,
		EventType: eventType,
		Channel:   rule.Channel,
		Recipient: rule.Recipient,
	}

	res := h.evaluate(ctx, job.CompanyID, rule, vars, entry)
	entry.Status = res.status
	entry.Detail = res.detail

	if err := h.store.InsertDeliveryLog(ctx, entry); err != nil {
		h.logger.Error("failed to write delivery log",
			zap.Int64("job_id", job.ID),
			zap.Int64("rule_id", rule.ID),
			zap.Error(err),
		)
		if res.ok() {
			return ruleResult{status: db.DeliveryStatusFailed, detail: "delivery log: " + err.Error()}
		}
	}

	metrics.RecordNotificationDelivery(rule.Channel, res.status)
	h.logger.Info("notification attempt recorded",
		zap.Int64("job_id", job.ID),
		zap.Int64("rule_id", rule.ID),
		zap.String("channel", rule.Channel),
		zap.String("status", res.status),
		zap.String("detail", res.detail),
	)
	return res
}

// evaluate renders the message into entry and decides the rule's outcome.
func (h *Handler) evaluate(ctx context.Context, companyID int64, rule *db.NotificationRule, vars Vars, entry *db.DeliveryLog) ruleResult {
	tmpl, err := h.store.GetTemplate(ctx, companyID, rule.TemplateID)
	if errors.Is(err, db.ErrNotFound) {
		return ruleResult{status: db.DeliveryStatusFailed, detail: fmt.Sprintf("template %d not found", rule.TemplateID), permanent: true}
	}
	if err != nil {
		return ruleResult{status: db.DeliveryStatusFailed, detail: "load template: " + err.Error()}
	}

	recipient, err := Render(rule.Recipient, vars)
	if err != nil {
		return ruleResult{status: db.DeliveryStatusFailed, detail: "render recipient: " + err.Error(), permanent: true}
	}
	entry.Recipient = recipient

	subject, err := Render(tmpl.Subject, vars)
	if err != nil {
		return ruleResult{status: db.DeliveryStatusFailed, detail: "render subject: " + err.Error(), permanent: true}
	}
	body, err := Render(tmpl.Body, vars)
	if err != nil {
		return ruleResult{status: db.DeliveryStatusFailed, detail: "render body: " + err.Error(), permanent: true}
	}
	entry.Subject = subject
	entry.Body = body

	consent, err := h.store.GetConsent(ctx, companyID, recipient, rule.Channel)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return ruleResult{status: db.DeliveryStatusFailed, detail: "load consent: " + err.Error()}
	case !consent.OptIn:
		return ruleResult{status: db.DeliveryStatusBlocked, detail: "recipient opted out of " + rule.Channel}
	}

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, limiterKey(companyID, rule.Channel))
		if err != nil {
			// the limiter is a soft guard; an unavailable backend admits the send
			h.logger.Warn("rate limiter unavailable", zap.Error(err))
			allowed = true
		}
		if !allowed {
			metrics.RecordRateLimitRejection("notify")
			return ruleResult{status: db.DeliveryStatusThrottled, detail: "rate limit exceeded for " + rule.Channel}
		}
	}

	provider, ok := h.router.Provider(rule.Channel)
	if !ok {
		return ruleResult{status: db.DeliveryStatusFailed, detail: "no provider for channel " + rule.Channel}
	}

	if err := h.send(ctx, provider, recipient, subject, body); err != nil {
		return ruleResult{status: db.DeliveryStatusFailed, detail: err.Error()}
	}
	return ruleResult{status: db.DeliveryStatusSent, detail: "delivered via " + rule.Channel}
}

// send bounds the provider call by ProviderTimeout even if the provider ignores
// its context, and turns a panic into an error.
func (h *Handler) send(ctx context.Context, p Provider, recipient, subject, body string) error {
	ctx, cancel := context.WithTimeout(ctx, h.config.ProviderTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("provider panic: %v", r)
			}
		}()
		done <- p.Send(ctx, recipient, subject, body)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("provider timed out after %s: %w", h.config.ProviderTimeout, ctx.Err())
	}
}
