package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/outpost/internal/auth"
	"github.com/lalithlochan/outpost/internal/notify"
	"github.com/lalithlochan/outpost/internal/webhook"
)

type WebhookRequest struct {
	URL    string   `json:"url" validate:"required,url,max=2048"`
	Secret string   `json:"secret" validate:"omitempty,min=16,max=256"`
	Events []string `json:"events" validate:"required,min=1,dive,required,max=128"`
}

// WebhookResponse carries the plaintext secret; it is never shown again.
type WebhookResponse struct {
	ID     int64    `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if !h.decode(w, r, &req) {
		return
	}

	sub, secret, err := h.Webhooks.CreateSubscription(r.Context(), auth.CompanyID(r.Context()), webhook.SubscriptionInput{
		URL:    req.URL,
		Secret: req.Secret,
		Events: req.Events,
	})
	if err != nil {
		h.writeServiceError(w, err, "Failed to create webhook")
		return
	}
	writeJSON(w, http.StatusCreated, WebhookResponse{
		ID:     sub.ID,
		URL:    sub.URL,
		Events: sub.Events,
		Secret: secret,
	})
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	subs, err := h.Webhooks.ListSubscriptions(r.Context(), auth.CompanyID(r.Context()))
	if err != nil {
		h.writeServiceError(w, err, "Failed to list webhooks")
		return
	}
	writeList(w, subs, len(subs), 0)
}

// DeleteWebhook handles DELETE /v1/webhooks/{id}. The subscription is
// deactivated, its delivery history stays.
func (h *Handler) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := h.int64Param(w, r, "id")
	if !ok {
		return
	}
	if err := h.Webhooks.DeactivateSubscription(r.Context(), auth.CompanyID(r.Context()), id); err != nil {
		h.writeServiceError(w, err, "Failed to delete webhook")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListWebhookDeliveries handles GET /v1/webhooks/deliveries
func (h *Handler) ListWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	items, err := h.Webhooks.ListDeliveries(r.Context(), auth.CompanyID(r.Context()), limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list webhook deliveries")
		return
	}
	writeList(w, items, limit, offset)
}

type TemplateRequest struct {
	Name      string          `json:"name" validate:"required,max=128"`
	Channel   string          `json:"channel" validate:"required,oneof=email sms whatsapp in_app"`
	Subject   string          `json:"subject" validate:"max=512"`
	Body      string          `json:"body" validate:"required"`
	Variables json.RawMessage `json:"variables_json"`
}

// CreateTemplate handles POST /v1/notifications/templates
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if !h.decode(w, r, &req) {
		return
	}

	t, err := h.Notifications.CreateTemplate(r.Context(), auth.CompanyID(r.Context()), notify.TemplateInput{
		Name:      req.Name,
		Channel:   req.Channel,
		Subject:   req.Subject,
		Body:      req.Body,
		Variables: req.Variables,
	})
	if err != nil {
		h.writeServiceError(w, err, "Failed to create template")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

type RuleRequest struct {
	EventType  string `json:"event_type" validate:"required,max=128"`
	Channel    string `json:"channel" validate:"required,oneof=email sms whatsapp in_app"`
	Recipient  string `json:"recipient" validate:"required,max=512"`
	TemplateID int64  `json:"template_id" validate:"required,gt=0"`
	Active     *bool  `json:"active"`
}

// CreateRule handles POST /v1/notifications/rules. Rules are active unless
// the body says otherwise.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if !h.decode(w, r, &req) {
		return
	}
	active := req.Active == nil || *req.Active

	rule, err := h.Notifications.CreateRule(r.Context(), auth.CompanyID(r.Context()), notify.RuleInput{
		EventType:  req.EventType,
		Channel:    req.Channel,
		Recipient:  req.Recipient,
		TemplateID: req.TemplateID,
		Active:     active,
	})
	if err != nil {
		h.writeServiceError(w, err, "Failed to create rule")
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

type ConsentRequest struct {
	Contact string `json:"contact" validate:"required,max=512"`
	Channel string `json:"channel" validate:"required,oneof=email sms whatsapp in_app"`
	OptIn   *bool  `json:"opt_in" validate:"required"`
}

// SetConsent handles PUT /v1/notifications/consents
func (h *Handler) SetConsent(w http.ResponseWriter, r *http.Request) {
	var req ConsentRequest
	if !h.decode(w, r, &req) {
		return
	}

	c, err := h.Notifications.SetConsent(r.Context(), auth.CompanyID(r.Context()), req.Contact, req.Channel, *req.OptIn)
	if err != nil {
		h.writeServiceError(w, err, "Failed to set consent")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ListNotificationDeliveries handles GET /v1/notifications/deliveries
func (h *Handler) ListNotificationDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	items, err := h.Notifications.ListDeliveries(r.Context(), auth.CompanyID(r.Context()), limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list deliveries")
		return
	}
	writeList(w, items, limit, offset)
}

type TokenRequest struct {
	Name   string   `json:"name" validate:"required,max=128"`
	Scopes []string `json:"scopes" validate:"required,min=1,dive,oneof=events:write jobs:read jobs:write admin"`
}

type TokenResponse struct {
	ID     int64    `json:"id"`
	Token  string   `json:"token"`
	Scopes []string `json:"scopes"`
}

// CreateToken handles POST /v1/tokens. The token is issued for the caller's
// company.
func (h *Handler) CreateToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	raw, id, err := h.Tokens.CreateToken(r.Context(), auth.CompanyID(r.Context()), req.Name, req.Scopes)
	if err != nil {
		h.writeServiceError(w, err, "Failed to create token")
		return
	}
	writeJSON(w, http.StatusCreated, TokenResponse{ID: id, Token: raw, Scopes: req.Scopes})
}

// DeleteToken handles DELETE /v1/tokens/{id}
func (h *Handler) DeleteToken(w http.ResponseWriter, r *http.Request) {
	id, ok := h.int64Param(w, r, "id")
	if !ok {
		return
	}
	companyID := auth.CompanyID(r.Context())
	if t, ok := auth.FromContext(r.Context()); ok && t.ID == id {
		h.logger.Info("token revoking itself", zap.Int64("token_id", id), zap.Int64("company_id", companyID))
	}
	if err := h.Tokens.DeactivateToken(r.Context(), companyID, id); err != nil {
		h.writeServiceError(w, err, "Failed to delete token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
