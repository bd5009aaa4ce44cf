package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lalithlochan/outpost/internal/auth"
	"github.com/lalithlochan/outpost/internal/metrics"
)

// Mount registers /v1, /health and /metrics on r. limit runs after
// authentication so it can key on the caller's company.
func (h *Handler) Mount(r chi.Router, limit func(http.Handler) http.Handler) {
	if limit == nil {
		limit = func(next http.Handler) http.Handler { return next }
	}
	r.Route("/v1", func(v1 chi.Router) {
		scoped := func(scope string) chi.Router {
			return v1.With(h.Tokens.Require(scope), limit)
		}

		events := scoped(auth.ScopeEventsWrite)
		events.Post("/events", h.CreateEvent)

		read := scoped(auth.ScopeJobsRead)
		read.Get("/events/{id}", h.GetEvent)
		read.Get("/jobs", h.ListJobs)
		read.Get("/jobs/{id}", h.GetJob)
		read.Get("/dlq", h.ListDeadLetters)
		read.Get("/dlq/{id}", h.GetDeadLetter)
		read.Get("/webhooks", h.ListWebhooks)
		read.Get("/webhooks/deliveries", h.ListWebhookDeliveries)
		read.Get("/notifications/deliveries", h.ListNotificationDeliveries)

		write := scoped(auth.ScopeJobsWrite)
		write.Post("/jobs", h.EnqueueJob)
		write.Post("/dlq/{id}/requeue", h.RequeueDeadLetter)

		admin := scoped(auth.ScopeAdmin)
		admin.Post("/outbox/process", h.ProcessOutbox)
		admin.Post("/jobs/run-next", h.RunNextJob)
		admin.Post("/webhooks", h.CreateWebhook)
		admin.Delete("/webhooks/{id}", h.DeleteWebhook)
		admin.Post("/notifications/templates", h.CreateTemplate)
		admin.Post("/notifications/rules", h.CreateRule)
		admin.Put("/notifications/consents", h.SetConsent)
		admin.Post("/tokens", h.CreateToken)
		admin.Delete("/tokens/{id}", h.DeleteToken)
	})

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())
}
