package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/outpost/internal/auth"
	"github.com/lalithlochan/outpost/internal/circuitbreaker"
	"github.com/lalithlochan/outpost/internal/db"
	"github.com/lalithlochan/outpost/internal/integration"
	"github.com/lalithlochan/outpost/internal/metrics"
	"github.com/lalithlochan/outpost/internal/notify"
	"github.com/lalithlochan/outpost/internal/redis"
	"github.com/lalithlochan/outpost/internal/webhook"
)

const maxBodyBytes = 1 << 20

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// IDResponse is returned after creating an event or a job
type IDResponse struct {
	ID int64 `json:"id"`
}

// Deps are the services the handlers call into.
type Deps struct {
	Integration   *integration.Service
	Notifications *notify.Service
	Webhooks      *webhook.Service
	Tokens        *auth.Service
	// Replay is nil when Redis is not configured.
	Replay   *redis.ReplayCache
	Breakers []*circuitbreaker.CircuitBreaker
	// Ping checks the backing store for /health. Optional.
	Ping func(r *http.Request) error
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger   *zap.Logger
	validate *validator.Validate
	Deps
}

func NewHandler(logger *zap.Logger, deps Deps) *Handler {
	return &Handler{
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		Deps:     deps,
	}
}

// EventRequest is the body of POST /v1/events
type EventRequest struct {
	EventType string          `json:"event_type" validate:"required,max=128"`
	Payload   json.RawMessage `json:"payload"`
}

// CreateEvent handles POST /v1/events.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := auth.CompanyID(ctx)
	idempotencyKey := r.Header.Get("Idempotency-Key")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
		return
	}

	var req EventRequest
	if !h.decodeBytes(w, body, &req) {
		return
	}

	reserved := false
	if idempotencyKey != "" {
		if h.Replay != nil {
			cached, err := h.Replay.CheckOrReserve(ctx, companyID, idempotencyKey)
			switch {
			case errors.Is(err, redis.ErrDuplicateRequest):
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			case err != nil:
				h.logger.Warn("idempotency replay check failed, proceeding",
					zap.Error(err),
					zap.String("idempotency_key", idempotencyKey),
				)
			case cached != nil:
				metrics.RecordIdempotencyHit()
				id, _ := strconv.ParseInt(cached.ResourceID, 10, 64)
				w.Header().Set("X-Idempotency-Replayed", "true")
				writeJSON(w, cached.StatusCode, IDResponse{ID: id})
				return
			default:
				reserved = true
			}
		}

		first, err := h.Tokens.CheckIdempotency(ctx, companyID, idempotencyKey, auth.HashRequest(body))
		if err != nil {
			h.release(r, companyID, idempotencyKey, reserved)
			h.logger.Error("idempotency check failed", zap.Error(err), zap.Int64("company_id", companyID))
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to record idempotency key", "")
			return
		}
		if !first {
			h.release(r, companyID, idempotencyKey, reserved)
			metrics.RecordIdempotencyHit()
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Duplicate request",
				"This idempotency key was already used")
			return
		}
	}

	id, err := h.Integration.EmitEvent(ctx, companyID, req.EventType, req.Payload, idempotencyKey)
	if err != nil {
		h.release(r, companyID, idempotencyKey, reserved)
		h.writeServiceError(w, err, "Failed to emit event")
		return
	}

	if reserved {
		result := &redis.ReplayResult{ResourceID: strconv.FormatInt(id, 10), StatusCode: http.StatusCreated}
		if err := h.Replay.Store(ctx, companyID, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.logger.Info("event accepted",
		zap.Int64("event_id", id),
		zap.Int64("company_id", companyID),
		zap.String("event_type", req.EventType),
	)
	writeJSON(w, http.StatusCreated, IDResponse{ID: id})
}

func (h *Handler) release(r *http.Request, companyID int64, key string, reserved bool) {
	if !reserved {
		return
	}
	if err := h.Replay.Release(r.Context(), companyID, key); err != nil {
		h.logger.Warn("failed to release idempotency reservation", zap.Error(err), zap.String("idempotency_key", key))
	}
}

// GetEvent handles GET /v1/events/{id}
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.int64Param(w, r, "id")
	if !ok {
		return
	}
	ev, err := h.Integration.GetEvent(r.Context(), auth.CompanyID(r.Context()), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get event")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// ProcessOutbox handles POST /v1/outbox/process?limit=50
func (h *Handler) ProcessOutbox(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= 500 {
			limit = l
		}
	}

	n, err := h.Integration.ProcessOutbox(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, err, "Failed to process outbox")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"processed": n})
}

// JobRequest is the body of POST /v1/jobs
type JobRequest struct {
	JobType        string          `json:"job_type" validate:"required,max=128"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key" validate:"omitempty,max=255"`
}

// EnqueueJob handles POST /v1/jobs. The Idempotency-Key header is used when
// the body carries no key.
func (h *Handler) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	id, err := h.Integration.EnqueueJob(r.Context(), auth.CompanyID(r.Context()), req.JobType, req.Payload, req.IdempotencyKey)
	if err != nil {
		h.writeServiceError(w, err, "Failed to enqueue job")
		return
	}
	writeJSON(w, http.StatusAccepted, IDResponse{ID: id})
}

// RunNextJob handles POST /v1/jobs/run-next
func (h *Handler) RunNextJob(w http.ResponseWriter, r *http.Request) {
	ran, err := h.Integration.RunNextJob(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "Failed to run job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ran": ran})
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.int64Param(w, r, "id")
	if !ok {
		return
	}
	job, err := h.Integration.GetJob(r.Context(), auth.CompanyID(r.Context()), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

var jobStatuses = map[string]bool{
	"":                  true,
	db.JobStatusPending: true,
	db.JobStatusRunning: true,
	db.JobStatusDone:    true,
	db.JobStatusDead:    true,
}

// ListJobs handles GET /v1/jobs?status=pending&limit=20&offset=0
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if !jobStatuses[status] {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: pending, running, done, dead")
		return
	}
	limit, offset := pagination(r)

	jobs, err := h.Integration.ListJobs(r.Context(), auth.CompanyID(r.Context()), status, limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list jobs")
		return
	}
	writeList(w, jobs, limit, offset)
}

// ListDeadLetters handles GET /v1/dlq?limit=20&offset=0
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	items, err := h.Integration.ListDeadLetters(r.Context(), auth.CompanyID(r.Context()), limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list dead letters")
		return
	}
	writeList(w, items, limit, offset)
}

// GetDeadLetter handles GET /v1/dlq/{id}
func (h *Handler) GetDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r)
	if !ok {
		return
	}
	item, err := h.Integration.GetDeadLetter(r.Context(), auth.CompanyID(r.Context()), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get dead letter")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// RequeueDeadLetter handles POST /v1/dlq/{id}/requeue
func (h *Handler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r)
	if !ok {
		return
	}
	jobID, err := h.Integration.RequeueDeadLetter(r.Context(), auth.CompanyID(r.Context()), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to requeue dead letter")
		return
	}
	writeJSON(w, http.StatusAccepted, IDResponse{ID: jobID})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	resp := map[string]any{"status": "ok"}

	if h.Ping != nil {
		if err := h.Ping(r); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			status = http.StatusServiceUnavailable
			resp["status"] = "degraded"
			resp["store"] = err.Error()
		}
	}

	breakers := make([]circuitbreaker.Stats, 0, len(h.Breakers))
	for _, cb := range h.Breakers {
		st := cb.Stats()
		metrics.SetCircuitState(st.Name, int(cb.GetState()))
		breakers = append(breakers, st)
	}
	resp["circuit_breakers"] = breakers

	writeJSON(w, status, resp)
}

// pagination reads limit (default 20, max 100) and offset from the query.
func pagination(r *http.Request) (int, int) {
	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

func (h *Handler) int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+name, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) uuidParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
		return false
	}
	return h.decodeBytes(w, body, v)
}

func (h *Handler) decodeBytes(w http.ResponseWriter, body []byte, v any) bool {
	if err := json.Unmarshal(body, v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Validation failed", validationDetail(err))
		return false
	}
	return true
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Param() != "" {
			return fe.Field() + " failed " + fe.Tag() + "=" + fe.Param()
		}
		return fe.Field() + " failed " + fe.Tag()
	}
	return err.Error()
}

// writeServiceError maps domain errors onto problem responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, title string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Not found", "")
	case errors.Is(err, integration.ErrEventTypeRequired),
		errors.Is(err, integration.ErrJobTypeRequired),
		errors.Is(err, integration.ErrPayloadNotObject),
		errors.Is(err, notify.ErrInvalidChannel),
		errors.Is(err, webhook.ErrInvalidURL),
		errors.Is(err, webhook.ErrNoEvents):
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, err.Error())
	default:
		h.logger.Error(title, zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", title, "")
	}
}

// writeError writes an error response in problem+json format
func (h *Handler) writeError(w http.ResponseWriter, status int, errorType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errorType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeList[T any](w http.ResponseWriter, items []T, limit, offset int) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":   items,
		"limit":  limit,
		"offset": offset,
		"count":  len(items),
	})
}
