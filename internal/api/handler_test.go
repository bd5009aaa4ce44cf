package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/outpost/internal/auth"
	"github.com/lalithlochan/outpost/internal/circuitbreaker"
	"github.com/lalithlochan/outpost/internal/db"
	"github.com/lalithlochan/outpost/internal/integration"
	"github.com/lalithlochan/outpost/internal/memstore"
	"github.com/lalithlochan/outpost/internal/notify"
	"github.com/lalithlochan/outpost/internal/redis"
	"github.com/lalithlochan/outpost/internal/secrets"
	"github.com/lalithlochan/outpost/internal/webhook"
)

type testServer struct {
	store  *memstore.Store
	router chi.Router
	tokens *auth.Service
	admin  string
}

func newTestServer(t *testing.T, replay *redis.ReplayCache) *testServer {
	t.Helper()
	logger := zap.NewNop()
	store := memstore.New()

	box, err := secrets.New("", logger)
	if err != nil {
		t.Fatalf("secrets: %v", err)
	}

	tokens := auth.NewService(store, logger)
	h := NewHandler(logger, Deps{
		Integration:   integration.NewService(store, nil, nil, logger),
		Notifications: notify.NewService(store, logger),
		Webhooks:      webhook.NewService(store, box, logger),
		Tokens:        tokens,
		Replay:        replay,
		Breakers:      []*circuitbreaker.CircuitBreaker{circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger)},
	})

	r := chi.NewRouter()
	h.Mount(r, nil)

	admin, _, err := tokens.CreateToken(context.Background(), 1, "root", []string{auth.ScopeAdmin})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	return &testServer{store: store, router: r, tokens: tokens, admin: admin}
}

func (s *testServer) token(t *testing.T, companyID int64, scopes ...string) string {
	t.Helper()
	raw, _, err := s.tokens.CreateToken(context.Background(), companyID, "test", scopes)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	return raw
}

func (s *testServer) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}

	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeID(t *testing.T, rec *httptest.ResponseRecorder) int64 {
	t.Helper()
	var resp IDResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp.ID
}

func TestCreateEvent(t *testing.T) {
	s := newTestServer(t, nil)
	writer := s.token(t, 1, auth.ScopeEventsWrite)
	reader := s.token(t, 1, auth.ScopeJobsRead)

	tests := []struct {
		name           string
		token          string
		body           string
		expectedStatus int
		expectedType   string
	}{
		{"valid event", writer, `{"event_type":"invoice.created","payload":{"total":10}}`, http.StatusCreated, ""},
		{"empty payload", writer, `{"event_type":"invoice.created"}`, http.StatusCreated, ""},
		{"admin token", s.admin, `{"event_type":"invoice.paid","payload":{}}`, http.StatusCreated, ""},
		{"missing event type", writer, `{"payload":{}}`, http.StatusBadRequest, "invalid_request"},
		{"payload not object", writer, `{"event_type":"x","payload":[1,2]}`, http.StatusBadRequest, "invalid_request"},
		{"malformed json", writer, `{not json`, http.StatusBadRequest, "invalid_request"},
		{"no token", "", `{"event_type":"x"}`, http.StatusUnauthorized, "unauthorized"},
		{"missing scope", reader, `{"event_type":"x"}`, http.StatusUnauthorized, "unauthorized"},
		{"unknown token", "otk_nope", `{"event_type":"x"}`, http.StatusUnauthorized, "unauthorized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/v1/events", tt.token, tt.body)
			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}
			if tt.expectedType == "" {
				if id := decodeID(t, rec); id <= 0 {
					t.Errorf("expected positive id, got %d", id)
				}
				return
			}
			var errResp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
				t.Fatalf("failed to decode error: %v", err)
			}
			if errResp.Type != tt.expectedType {
				t.Errorf("expected error type %q, got %q", tt.expectedType, errResp.Type)
			}
		})
	}
}

func TestCreateEvent_DuplicateKeyWithoutReplayCache(t *testing.T) {
	s := newTestServer(t, nil)
	body := `{"event_type":"invoice.created","payload":{"id":1}}`

	rec := s.do(http.MethodPost, "/v1/events", s.admin, body, "Idempotency-Key", "k-1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	rec = s.do(http.MethodPost, "/v1/events", s.admin, body, "Idempotency-Key", "k-1")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	pending, _ := s.store.ListPendingEvents(context.Background(), 10)
	if len(pending) != 1 {
		t.Errorf("expected one stored event, got %d", len(pending))
	}
}

func TestCreateEvent_ReplaysCachedResult(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	replay := redis.NewReplayCache(redis.NewFromClient(rdb, zap.NewNop()), zap.NewNop())

	s := newTestServer(t, replay)
	body := `{"event_type":"invoice.created","payload":{"id":1}}`

	first := s.do(http.MethodPost, "/v1/events", s.admin, body, "Idempotency-Key", "k-1")
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.Code)
	}
	id := decodeID(t, first)

	second := s.do(http.MethodPost, "/v1/events", s.admin, body, "Idempotency-Key", "k-1")
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("expected X-Idempotency-Replayed header")
	}
	if got := decodeID(t, second); got != id {
		t.Errorf("expected replayed id %d, got %d", id, got)
	}

	// Keys are per company.
	other := s.token(t, 2, auth.ScopeEventsWrite)
	rec := s.do(http.MethodPost, "/v1/events", other, body, "Idempotency-Key", "k-1")
	if rec.Code != http.StatusCreated || rec.Header().Get("X-Idempotency-Replayed") != "" {
		t.Errorf("expected fresh event for another company, got %d", rec.Code)
	}
}

func TestCreateEvent_FailedRequestReleasesReservation(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	replay := redis.NewReplayCache(redis.NewFromClient(rdb, zap.NewNop()), zap.NewNop())

	s := newTestServer(t, replay)

	rec := s.do(http.MethodPost, "/v1/events", s.admin, `{"event_type":"x","payload":"str"}`, "Idempotency-Key", "k-2")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(mr.Keys()) != 0 {
		t.Errorf("expected reservation to be released, keys: %v", mr.Keys())
	}
}

func TestJobs(t *testing.T) {
	s := newTestServer(t, nil)
	writer := s.token(t, 1, auth.ScopeJobsWrite)
	reader := s.token(t, 1, auth.ScopeJobsRead)
	outsider := s.token(t, 2, auth.ScopeJobsRead)

	rec := s.do(http.MethodPost, "/v1/jobs", writer, `{"job_type":"report.build","payload":{"month":5},"idempotency_key":"r-5"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	id := decodeID(t, rec)

	rec = s.do(http.MethodPost, "/v1/jobs", writer, `{"job_type":"report.build","payload":{"month":5}}`, "Idempotency-Key", "r-5")
	if got := decodeID(t, rec); got != id {
		t.Errorf("expected same job for same key, got %d and %d", id, got)
	}

	rec = s.do(http.MethodGet, "/v1/jobs/"+strconv.FormatInt(id, 10), reader, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var job db.Job
	_ = json.NewDecoder(rec.Body).Decode(&job)
	if job.Status != db.JobStatusPending || job.JobType != "report.build" {
		t.Errorf("unexpected job: %+v", job)
	}

	rec = s.do(http.MethodGet, "/v1/jobs/"+strconv.FormatInt(id, 10), outsider, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for another company, got %d", rec.Code)
	}

	rec = s.do(http.MethodGet, "/v1/jobs/abc", reader, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad id, got %d", rec.Code)
	}

	rec = s.do(http.MethodGet, "/v1/jobs?status=pending&limit=500", reader, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list struct {
		Data  []db.Job `json:"data"`
		Limit int      `json:"limit"`
		Count int      `json:"count"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&list)
	if list.Count != 1 || list.Limit != 20 {
		t.Errorf("expected 1 job with default limit, got count=%d limit=%d", list.Count, list.Limit)
	}

	rec = s.do(http.MethodGet, "/v1/jobs?status=bogus", reader, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad status, got %d", rec.Code)
	}

	rec = s.do(http.MethodPost, "/v1/jobs", reader, `{"job_type":"x"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for read-only token, got %d", rec.Code)
	}
}

func TestProcessOutbox(t *testing.T) {
	s := newTestServer(t, nil)

	s.do(http.MethodPost, "/v1/events", s.admin, `{"event_type":"invoice.created"}`)
	s.do(http.MethodPost, "/v1/events", s.admin, `{"event_type":"invoice.paid"}`)

	rec := s.do(http.MethodPost, "/v1/outbox/process", s.admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]int
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp["processed"] != 2 {
		t.Errorf("expected 2 processed, got %d", resp["processed"])
	}

	jobs, _ := s.store.ListJobs(context.Background(), 1, "", 10, 0)
	if len(jobs) != 4 {
		t.Errorf("expected 4 jobs after expansion, got %d", len(jobs))
	}

	writer := s.token(t, 1, auth.ScopeJobsWrite)
	if rec := s.do(http.MethodPost, "/v1/outbox/process", writer, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for non-admin, got %d", rec.Code)
	}
}

func TestDeadLetters(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	job := &db.Job{CompanyID: 1, JobType: "report.build", Payload: json.RawMessage(`{"month":5}`)}
	if _, err := s.store.InsertJob(ctx, job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	dlq, err := s.store.MoveToDeadLetter(ctx, job, 3, "boom")
	if err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	rec := s.do(http.MethodGet, "/v1/dlq", s.admin, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), dlq.ID.String()) {
		t.Fatalf("expected dead letter in list, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = s.do(http.MethodGet, "/v1/dlq/"+dlq.ID.String(), s.admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = s.do(http.MethodGet, "/v1/dlq/not-a-uuid", s.admin, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}

	rec = s.do(http.MethodPost, "/v1/dlq/"+dlq.ID.String()+"/requeue", s.admin, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	newID := decodeID(t, rec)
	if newID == job.ID {
		t.Error("requeue should create a new job")
	}

	rec = s.do(http.MethodPost, "/v1/dlq/"+dlq.ID.String()+"/requeue", s.admin, nil)
	if got := decodeID(t, rec); got != newID {
		t.Errorf("requeue twice should return the same job, got %d and %d", newID, got)
	}
}

func TestWebhookManagement(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(http.MethodPost, "/v1/webhooks", s.admin, `{"url":"https://example.com/hook","events":["invoice.created"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created WebhookResponse
	_ = json.NewDecoder(rec.Body).Decode(&created)
	if !strings.HasPrefix(created.Secret, "whsec_") {
		t.Errorf("expected generated secret, got %q", created.Secret)
	}

	rec = s.do(http.MethodGet, "/v1/webhooks", s.admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), created.Secret) {
		t.Error("list must not expose the secret")
	}

	for _, body := range []string{
		`{"url":"not a url","events":["x"]}`,
		`{"url":"https://example.com","events":[]}`,
		`{"url":"ftp://example.com","events":["x"]}`,
	} {
		if rec := s.do(http.MethodPost, "/v1/webhooks", s.admin, body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, rec.Code)
		}
	}

	path := "/v1/webhooks/" + strconv.FormatInt(created.ID, 10)
	if rec := s.do(http.MethodDelete, path, s.admin, nil); rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if rec := s.do(http.MethodDelete, "/v1/webhooks/999", s.admin, nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	if rec := s.do(http.MethodGet, "/v1/webhooks/deliveries", s.admin, nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestNotificationManagement(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(http.MethodPost, "/v1/notifications/templates", s.admin,
		`{"name":"invoice","channel":"email","subject":"Invoice {invoice.number}","body":"Total {invoice.total}"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var tmpl db.NotificationTemplate
	_ = json.NewDecoder(rec.Body).Decode(&tmpl)

	rule := map[string]any{
		"event_type":  "invoice.created",
		"channel":     "email",
		"recipient":   "{customer.email}",
		"template_id": tmpl.ID,
	}
	rec = s.do(http.MethodPost, "/v1/notifications/rules", s.admin, rule)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created db.NotificationRule
	_ = json.NewDecoder(rec.Body).Decode(&created)
	if !created.Active {
		t.Error("rules default to active")
	}

	rule["template_id"] = 999
	if rec := s.do(http.MethodPost, "/v1/notifications/rules", s.admin, rule); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown template, got %d", rec.Code)
	}

	if rec := s.do(http.MethodPost, "/v1/notifications/templates", s.admin,
		`{"name":"x","channel":"pigeon","body":"b"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad channel, got %d", rec.Code)
	}

	rec = s.do(http.MethodPut, "/v1/notifications/consents", s.admin, `{"contact":"a@b.c","channel":"email","opt_in":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	c, err := s.store.GetConsent(context.Background(), 1, "a@b.c", "email")
	if err != nil || c.OptIn {
		t.Errorf("expected stored opt-out, got %+v, %v", c, err)
	}

	if rec := s.do(http.MethodPut, "/v1/notifications/consents", s.admin, `{"contact":"a@b.c","channel":"email"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 when opt_in missing, got %d", rec.Code)
	}

	if rec := s.do(http.MethodGet, "/v1/notifications/deliveries", s.admin, nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestTokens(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(http.MethodPost, "/v1/tokens", s.admin, `{"name":"ci","scopes":["events:write"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var tok TokenResponse
	_ = json.NewDecoder(rec.Body).Decode(&tok)
	if !strings.HasPrefix(tok.Token, "otk_") {
		t.Errorf("unexpected token %q", tok.Token)
	}

	if rec := s.do(http.MethodPost, "/v1/events", tok.Token, `{"event_type":"x"}`); rec.Code != http.StatusCreated {
		t.Errorf("new token should emit events, got %d", rec.Code)
	}

	if rec := s.do(http.MethodPost, "/v1/tokens", s.admin, `{"name":"bad","scopes":["root"]}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown scope, got %d", rec.Code)
	}
	if rec := s.do(http.MethodPost, "/v1/tokens", tok.Token, `{"name":"x","scopes":["admin"]}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for non-admin, got %d", rec.Code)
	}

	if rec := s.do(http.MethodDelete, "/v1/tokens/"+strconv.FormatInt(tok.ID, 10), s.admin, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := s.do(http.MethodPost, "/v1/events", tok.Token, `{"event_type":"x"}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("revoked token should be rejected, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Status   string                 `json:"status"`
		Breakers []circuitbreaker.Stats `json:"circuit_breakers"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Status != "ok" || len(resp.Breakers) != 1 || resp.Breakers[0].State != "closed" {
		t.Errorf("unexpected health body: %+v", resp)
	}

	if rec := s.do(http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusOK {
		t.Errorf("expected metrics 200, got %d", rec.Code)
	}
}
