package memstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalithlochan/outpost/internal/db"
)

func keyPtr(s string) *string { return &s }

func TestExpandEventOnce(t *testing.T) {
	ctx := context.Background()
	s := New()

	ev := &db.Event{CompanyID: 1, EventType: "order.created", Payload: json.RawMessage(`{"id":1}`)}
	require.NoError(t, s.InsertEvent(ctx, ev))

	pending, err := s.ListPendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	jobs := []*db.Job{
		{CompanyID: 1, JobType: db.JobTypeNotificationDispatch, Payload: ev.Payload, IdempotencyKey: keyPtr("1")},
		{CompanyID: 1, JobType: db.JobTypeWebhookDelivery, Payload: ev.Payload, IdempotencyKey: keyPtr("webhook:1")},
	}
	ids, err := s.ExpandEvent(ctx, pending[0], jobs)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.NotNil(t, pending[0].ProcessedAt)

	_, err = s.ExpandEvent(ctx, pending[0], jobs)
	assert.ErrorIs(t, err, db.ErrNotFound)

	pending, err = s.ListPendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestInsertJobIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s := New()

	first := &db.Job{CompanyID: 1, JobType: "x", IdempotencyKey: keyPtr("k")}
	created, err := s.InsertJob(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, db.JobStatusPending, first.Status)

	dup := &db.Job{CompanyID: 1, JobType: "x", IdempotencyKey: keyPtr("k")}
	created, err = s.InsertJob(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)

	// Keys are scoped per company.
	other := &db.Job{CompanyID: 2, JobType: "x", IdempotencyKey: keyPtr("k")}
	created, err = s.InsertJob(ctx, other)
	require.NoError(t, err)
	assert.True(t, created)

	assert.Equal(t, 1, s.CountJobsByKey(1, "k"))
}

func TestClaimRespectsRetryTime(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := New()
	s.SetClock(func() time.Time { return now })

	job := &db.Job{CompanyID: 1, JobType: "x"}
	_, err := s.InsertJob(ctx, job)
	require.NoError(t, err)

	claimed, err := s.ClaimNextJob(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, db.JobStatusRunning, claimed.Status)

	// A running job is not claimed twice.
	again, err := s.ClaimNextJob(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, again)

	require.NoError(t, s.RescheduleJob(ctx, job.ID, 1, now.Add(2*time.Second), "boom"))

	early, err := s.ClaimNextJob(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Nil(t, early)

	due, err := s.ClaimNextJob(ctx, now.Add(2*time.Second))
	require.NoError(t, err)
	require.NotNil(t, due)
	assert.Equal(t, 1, due.Attempts)
	require.NotNil(t, due.LastError)
	assert.Equal(t, "boom", *due.LastError)

	require.NoError(t, s.CompleteJob(ctx, job.ID))
	done, err := s.GetJob(ctx, 1, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusDone, done.Status)
	assert.Nil(t, done.NextRetryAt)
}

func TestMoveToDeadLetter(t *testing.T) {
	ctx := context.Background()
	s := New()

	job := &db.Job{CompanyID: 1, JobType: "x", Payload: json.RawMessage(`{"a":1}`), IdempotencyKey: keyPtr("k")}
	_, err := s.InsertJob(ctx, job)
	require.NoError(t, err)

	dlq, err := s.MoveToDeadLetter(ctx, job, 3, "gave up")
	require.NoError(t, err)
	assert.Equal(t, job.ID, dlq.JobID)
	assert.Equal(t, 3, dlq.Attempts)
	assert.JSONEq(t, `{"a":1}`, string(dlq.Payload))

	stored, err := s.GetJob(ctx, 1, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusDead, stored.Status)

	got, err := s.GetDeadLetter(ctx, 1, dlq.ID)
	require.NoError(t, err)
	assert.Equal(t, "gave up", got.LastError)

	_, err = s.GetDeadLetter(ctx, 2, dlq.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)

	assert.Len(t, s.DeadLettersForJob(job.ID), 1)
}

func TestCompanyIsolation(t *testing.T) {
	ctx := context.Background()
	s := New()

	ev := &db.Event{CompanyID: 1, EventType: "a"}
	require.NoError(t, s.InsertEvent(ctx, ev))

	_, err := s.GetEvent(ctx, 2, ev.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)

	job := &db.Job{CompanyID: 1, JobType: "x"}
	_, err = s.InsertJob(ctx, job)
	require.NoError(t, err)

	_, err = s.GetJob(ctx, 2, job.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)

	jobs, err := s.ListJobs(ctx, 2, "", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestListJobsPaging(t *testing.T) {
	ctx := context.Background()
	s := New()

	for i := 0; i < 5; i++ {
		_, err := s.InsertJob(ctx, &db.Job{CompanyID: 1, JobType: "x"})
		require.NoError(t, err)
	}

	jobs, err := s.ListJobs(ctx, 1, db.JobStatusPending, 2, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Greater(t, jobs[0].ID, jobs[1].ID)

	jobs, err = s.ListJobs(ctx, 1, "", 10, 4)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	jobs, err = s.ListJobs(ctx, 1, "", 10, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	jobs, err = s.ListJobs(ctx, 1, db.JobStatusDone, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestConsentAndRules(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.GetConsent(ctx, 1, "a@example.com", db.ChannelEmail)
	assert.ErrorIs(t, err, db.ErrNotFound)

	require.NoError(t, s.UpsertConsent(ctx, &db.ContactConsent{CompanyID: 1, Contact: "a@example.com", Channel: db.ChannelEmail, OptIn: true}))
	require.NoError(t, s.UpsertConsent(ctx, &db.ContactConsent{CompanyID: 1, Contact: "a@example.com", Channel: db.ChannelEmail, OptIn: false}))

	c, err := s.GetConsent(ctx, 1, "a@example.com", db.ChannelEmail)
	require.NoError(t, err)
	assert.False(t, c.OptIn)

	require.NoError(t, s.CreateRule(ctx, &db.NotificationRule{CompanyID: 1, EventType: "a", Active: true}))
	require.NoError(t, s.CreateRule(ctx, &db.NotificationRule{CompanyID: 1, EventType: "a", Active: false}))
	require.NoError(t, s.CreateRule(ctx, &db.NotificationRule{CompanyID: 1, EventType: "b", Active: true}))

	rules, err := s.ListActiveRules(ctx, 1, "a")
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestTokensAndIdempotencyKeys(t *testing.T) {
	ctx := context.Background()
	s := New()

	tok := &db.APIToken{CompanyID: 1, TokenHash: "h", Scopes: []string{"admin"}, Active: true}
	require.NoError(t, s.CreateToken(ctx, tok))

	found, err := s.FindActiveTokenByHash(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, tok.ID, found.ID)

	require.NoError(t, s.DeactivateToken(ctx, 1, tok.ID))
	_, err = s.FindActiveTokenByHash(ctx, "h")
	assert.ErrorIs(t, err, db.ErrNotFound)

	assert.ErrorIs(t, s.DeactivateToken(ctx, 2, tok.ID), db.ErrNotFound)

	fresh, err := s.InsertIdempotencyKey(ctx, &db.IdempotencyKey{CompanyID: 1, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.InsertIdempotencyKey(ctx, &db.IdempotencyKey{CompanyID: 1, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.False(t, fresh)

	fresh, err = s.InsertIdempotencyKey(ctx, &db.IdempotencyKey{CompanyID: 2, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestRecoverRunning(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := New()
	s.SetClock(func() time.Time { return now })

	running := &db.Job{CompanyID: 1, JobType: "x"}
	_, err := s.InsertJob(ctx, running)
	require.NoError(t, err)
	_, err = s.ClaimNextJob(ctx, now)
	require.NoError(t, err)

	done := &db.Job{CompanyID: 1, JobType: "x"}
	_, err = s.InsertJob(ctx, done)
	require.NoError(t, err)
	require.NoError(t, s.CompleteJob(ctx, done.ID))

	n, err := s.RecoverRunning(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := s.GetJob(ctx, 1, running.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusPending, job.Status)

	job, err = s.GetJob(ctx, 1, done.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusDone, job.Status)
}
