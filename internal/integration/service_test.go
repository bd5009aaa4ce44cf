package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/outpost/internal/db"
	"github.com/lalithlochan/outpost/internal/memstore"
	"github.com/lalithlochan/outpost/internal/notify"
	"github.com/lalithlochan/outpost/internal/secrets"
	"github.com/lalithlochan/outpost/internal/webhook"
	"github.com/lalithlochan/outpost/internal/worker"
)

const company = int64(1)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type pipeline struct {
	store    *memstore.Store
	svc      *Service
	worker   *worker.Worker
	webhooks *webhook.Service
	clock    *fakeClock
	server   *httptest.Server
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	logger := zap.NewNop()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}

	store := memstore.New()
	store.SetClock(clock.Now)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "fail") {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	box, err := secrets.New("", logger)
	require.NoError(t, err)

	svc := NewService(store, nil, nil, logger)
	w := worker.New(store, worker.Config{}, logger, worker.WithSweeper(svc), worker.WithClock(clock.Now))
	svc.SetRunner(w)

	notifyHandler := notify.NewHandler(store, notify.NewRouter(), notify.NewSlidingWindow(30, time.Minute), notify.HandlerConfig{}, logger)
	deliverer := webhook.NewHTTPDeliverer(webhook.HTTPConfig{Timeout: 2 * time.Second}, logger)
	webhookHandler := webhook.NewHandler(store, box, deliverer, webhook.HandlerConfig{}, logger)
	require.NoError(t, w.Register(db.JobTypeNotificationDispatch, notifyHandler))
	require.NoError(t, w.Register(db.JobTypeWebhookDelivery, webhookHandler))

	return &pipeline{
		store:    store,
		svc:      svc,
		worker:   w,
		webhooks: webhook.NewService(store, box, logger),
		clock:    clock,
		server:   server,
	}
}

func (p *pipeline) drain(t *testing.T) int {
	t.Helper()
	n := 0
	for {
		ok, err := p.svc.RunNextJob(context.Background())
		require.NoError(t, err)
		if !ok {
			return n
		}
		n++
	}
}

func TestEmitEvent(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	id, err := p.svc.EmitEvent(ctx, company, "invoice.created", json.RawMessage(`{"id":42}`), "")
	require.NoError(t, err)
	assert.NotZero(t, id)

	ev, err := p.svc.GetEvent(ctx, company, id)
	require.NoError(t, err)
	assert.Nil(t, ev.ProcessedAt)
	assert.JSONEq(t, `{"id":42}`, string(ev.Payload))

	jobs, err := p.svc.ListJobs(ctx, company, "", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs, "emitting has no side effects beyond the outbox row")
}

func TestEmitEvent_Validation(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	_, err := p.svc.EmitEvent(ctx, company, "  ", nil, "")
	assert.ErrorIs(t, err, ErrEventTypeRequired)

	_, err = p.svc.EmitEvent(ctx, company, "x", json.RawMessage(`[1,2]`), "")
	assert.ErrorIs(t, err, ErrPayloadNotObject)

	id, err := p.svc.EmitEvent(ctx, company, "x", nil, "")
	require.NoError(t, err)
	ev, err := p.svc.GetEvent(ctx, company, id)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(ev.Payload))
}

func TestProcessOutbox_Idempotent(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	id, err := p.svc.EmitEvent(ctx, company, "invoice.created", json.RawMessage(`{"id":42}`), "")
	require.NoError(t, err)

	n, err := p.svc.ProcessOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = p.svc.ProcessOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, 1, p.store.CountJobsByKey(company, itoa(id)))
	assert.Equal(t, 1, p.store.CountJobsByKey(company, "webhook:"+itoa(id)))

	ev, err := p.svc.GetEvent(ctx, company, id)
	require.NoError(t, err)
	assert.NotNil(t, ev.ProcessedAt)
}

func TestProcessOutbox_PreEnqueuedJobIsReused(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	id, err := p.svc.EmitEvent(ctx, company, "invoice.created", nil, "")
	require.NoError(t, err)

	// a sweep that crashed after enqueueing would leave this job behind
	existing, err := p.svc.EnqueueJob(ctx, company, db.JobTypeWebhookDelivery, json.RawMessage(`{"event_type":"invoice.created","payload":{}}`), "webhook:"+itoa(id))
	require.NoError(t, err)

	_, err = p.svc.ProcessOutbox(ctx, 10)
	require.NoError(t, err)

	assert.Equal(t, 1, p.store.CountJobsByKey(company, "webhook:"+itoa(id)))
	job, err := p.svc.GetJob(ctx, company, existing)
	require.NoError(t, err)
	assert.Equal(t, db.JobTypeWebhookDelivery, job.JobType)
}

func TestProcessOutbox_FIFOAndLimit(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := p.svc.EmitEvent(ctx, company, "x", nil, "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	n, err := p.svc.ProcessOutbox(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	first, _ := p.svc.GetEvent(ctx, company, ids[0])
	last, _ := p.svc.GetEvent(ctx, company, ids[2])
	assert.NotNil(t, first.ProcessedAt)
	assert.Nil(t, last.ProcessedAt)
}

func TestInvoiceCreated_NoRulesOrSubscriptions(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	_, err := p.svc.EmitEvent(ctx, company, "invoice.created", json.RawMessage(`{"id":42}`), "")
	require.NoError(t, err)

	_, err = p.svc.ProcessOutbox(ctx, 10)
	require.NoError(t, err)

	jobs, err := p.svc.ListJobs(ctx, company, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, 2, p.drain(t))

	done, err := p.svc.ListJobs(ctx, company, db.JobStatusDone, 0, 0)
	require.NoError(t, err)
	assert.Len(t, done, 2)
}

func TestFailingWebhook_DeadLettersAfterMaxAttempts(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	_, _, err := p.webhooks.CreateSubscription(ctx, company, webhook.SubscriptionInput{
		URL: p.server.URL + "/fail", Secret: "s", Events: []string{"*"},
	})
	require.NoError(t, err)

	_, err = p.svc.EmitEvent(ctx, company, "invoice.created", json.RawMessage(`{"id":42}`), "")
	require.NoError(t, err)

	// tick sweeps the outbox then runs both jobs; the webhook fails
	p.worker.Tick(ctx)
	p.clock.Advance(worker.Backoff(1))
	assert.Equal(t, 1, p.worker.Tick(ctx))
	p.clock.Advance(worker.Backoff(2))
	assert.Equal(t, 1, p.worker.Tick(ctx))

	dead, err := p.svc.ListJobs(ctx, company, db.JobStatusDead, 0, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, db.JobTypeWebhookDelivery, dead[0].JobType)
	assert.Equal(t, 3, dead[0].Attempts)

	dlqs := p.store.DeadLettersForJob(dead[0].ID)
	require.Len(t, dlqs, 1)
	assert.NotEmpty(t, dlqs[0].LastError)
	assert.Contains(t, dlqs[0].LastError, "502")

	// never picked up again
	p.clock.Advance(time.Hour)
	assert.Zero(t, p.drain(t))

	deliveries, err := p.webhooks.ListDeliveries(ctx, company, 0, 0)
	require.NoError(t, err)
	assert.Len(t, deliveries, 3)
}

func TestEnqueueJob_SameKeySameID(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	a, err := p.svc.EnqueueJob(ctx, company, "custom", json.RawMessage(`{"n":1}`), "k-1")
	require.NoError(t, err)
	b, err := p.svc.EnqueueJob(ctx, company, "custom", json.RawMessage(`{"n":2}`), "k-1")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, p.store.CountJobsByKey(company, "k-1"))

	other, err := p.svc.EnqueueJob(ctx, company+1, "custom", nil, "k-1")
	require.NoError(t, err)
	assert.NotEqual(t, a, other)

	c, err := p.svc.EnqueueJob(ctx, company, "custom", nil, "")
	require.NoError(t, err)
	d, err := p.svc.EnqueueJob(ctx, company, "custom", nil, "")
	require.NoError(t, err)
	assert.NotEqual(t, c, d, "jobs without a key are never deduplicated")

	_, err = p.svc.EnqueueJob(ctx, company, "", nil, "")
	assert.ErrorIs(t, err, ErrJobTypeRequired)
}

func TestRequeueDeadLetter(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	// no handler registered for this type, so every run fails
	_, err := p.svc.EnqueueJob(ctx, company, "unknown", json.RawMessage(`{"a":1}`), "")
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		ok, err := p.svc.RunNextJob(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		p.clock.Advance(worker.Backoff(i))
	}

	dlqs, err := p.svc.ListDeadLetters(ctx, company, 10, 0)
	require.NoError(t, err)
	require.Len(t, dlqs, 1)
	assert.Contains(t, dlqs[0].LastError, worker.ErrNoHandler.Error())

	id1, err := p.svc.RequeueDeadLetter(ctx, company, dlqs[0].ID)
	require.NoError(t, err)
	id2, err := p.svc.RequeueDeadLetter(ctx, company, dlqs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	job, err := p.svc.GetJob(ctx, company, id1)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusPending, job.Status)
	assert.Zero(t, job.Attempts)
	assert.JSONEq(t, `{"a":1}`, string(job.Payload))

	_, err = p.svc.RequeueDeadLetter(ctx, company+1, dlqs[0].ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
