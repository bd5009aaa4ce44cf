// Package memstore is an in-process implementation of the pipeline's storage
// surface. It mirrors db.Repository (including the unique-key and
// single-writer guarantees) and backs tests and STORE_DRIVER=memory runs.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/outpost/internal/db"
)

// Store keeps every table in memory. A single mutex serialises all writers.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	seq map[string]int64

	events      []*db.Event
	jobs        []*db.Job
	deadLetters []*db.DeadLetterJob
	templates   map[int64]*db.NotificationTemplate
	rules       []*db.NotificationRule
	deliveries  []*db.DeliveryLog
	consents    map[string]*db.ContactConsent
	subs        []*db.WebhookSubscription
	webhookLogs []*db.WebhookDelivery
	tokens      []*db.APIToken
	idemKeys    map[string]*db.IdempotencyKey
}

// New creates an empty store.
func New() *Store {
	return &Store{
		now:       time.Now,
		seq:       make(map[string]int64),
		templates: make(map[int64]*db.NotificationTemplate),
		consents:  make(map[string]*db.ContactConsent),
		idemKeys:  make(map[string]*db.IdempotencyKey),
	}
}

// SetClock overrides the store's notion of now (tests).
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) nextID(table string) int64 {
	s.seq[table]++
	return s.seq[table]
}

func copyJSON(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

func copyJob(j *db.Job) *db.Job {
	c := *j
	c.Payload = copyJSON(j.Payload)
	return &c
}

// InsertEvent appends an event to the outbox.
func (s *Store) InsertEvent(_ context.Context, ev *db.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev.ID = s.nextID("events")
	ev.CreatedAt = s.now()
	stored := *ev
	stored.Payload = copyJSON(ev.Payload)
	s.events = append(s.events, &stored)
	return nil
}

// ListPendingEvents returns up to limit unprocessed events, oldest first.
func (s *Store) ListPendingEvents(_ context.Context, limit int) ([]*db.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.Event
	for _, ev := range s.events {
		if ev.ProcessedAt != nil {
			continue
		}
		c := *ev
		out = append(out, &c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// GetEvent returns a company's event by id.
func (s *Store) GetEvent(_ context.Context, companyID, id int64) (*db.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range s.events {
		if ev.ID == id && ev.CompanyID == companyID {
			c := *ev
			return &c, nil
		}
	}
	return nil, fmt.Errorf("event %d: %w", id, db.ErrNotFound)
}

// ExpandEvent enqueues jobs and marks the event processed atomically.
func (s *Store) ExpandEvent(_ context.Context, ev *db.Event, jobs []*db.Job) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored *db.Event
	for _, e := range s.events {
		if e.ID == ev.ID {
			stored = e
			break
		}
	}
	if stored == nil || stored.ProcessedAt != nil {
		return nil, db.ErrNotFound
	}

	ids := make([]int64, 0, len(jobs))
	for _, job := range jobs {
		s.insertJobLocked(job)
		ids = append(ids, job.ID)
	}

	now := s.now()
	stored.ProcessedAt = &now
	ev.ProcessedAt = &now
	return ids, nil
}

func (s *Store) insertJobLocked(job *db.Job) bool {
	if job.IdempotencyKey != nil {
		for _, existing := range s.jobs {
			if existing.CompanyID == job.CompanyID &&
				existing.IdempotencyKey != nil && *existing.IdempotencyKey == *job.IdempotencyKey {
				job.ID = existing.ID
				job.CreatedAt = existing.CreatedAt
				job.UpdatedAt = existing.UpdatedAt
				return false
			}
		}
	}

	if job.Status == "" {
		job.Status = db.JobStatusPending
	}
	job.ID = s.nextID("jobs")
	job.CreatedAt = s.now()
	job.UpdatedAt = job.CreatedAt
	s.jobs = append(s.jobs, copyJob(job))
	return true
}

// InsertJob enqueues a job; false means the idempotency key already existed.
func (s *Store) InsertJob(_ context.Context, job *db.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertJobLocked(job), nil
}

func (s *Store) findJobLocked(id int64) *db.Job {
	for _, j := range s.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// ClaimNextJob moves the oldest due pending job to running.
func (s *Store) ClaimNextJob(_ context.Context, now time.Time) (*db.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if j.Status != db.JobStatusPending {
			continue
		}
		if j.NextRetryAt != nil && j.NextRetryAt.After(now) {
			continue
		}
		j.Status = db.JobStatusRunning
		j.UpdatedAt = s.now()
		return copyJob(j), nil
	}
	return nil, nil
}

// RecoverRunning returns running jobs last touched at or before before to pending.
func (s *Store) RecoverRunning(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.Status != db.JobStatusRunning || j.UpdatedAt.After(before) {
			continue
		}
		j.Status = db.JobStatusPending
		j.UpdatedAt = s.now()
		n++
	}
	return n, nil
}

// CompleteJob marks a job done.
func (s *Store) CompleteJob(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.findJobLocked(id)
	if j == nil {
		return fmt.Errorf("job %d: %w", id, db.ErrNotFound)
	}
	j.Status = db.JobStatusDone
	j.NextRetryAt = nil
	j.UpdatedAt = s.now()
	return nil
}

// RescheduleJob puts a failed job back to pending.
func (s *Store) RescheduleJob(_ context.Context, id int64, attempts int, nextRetryAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.findJobLocked(id)
	if j == nil {
		return fmt.Errorf("job %d: %w", id, db.ErrNotFound)
	}
	j.Status = db.JobStatusPending
	j.Attempts = attempts
	j.NextRetryAt = &nextRetryAt
	j.LastError = &lastError
	j.UpdatedAt = s.now()
	return nil
}

// MoveToDeadLetter snapshots the job and forces it dead.
func (s *Store) MoveToDeadLetter(_ context.Context, job *db.Job, attempts int, lastError string) (*db.DeadLetterJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.findJobLocked(job.ID)
	if j == nil {
		return nil, fmt.Errorf("job %d: %w", job.ID, db.ErrNotFound)
	}
	j.Status = db.JobStatusDead
	j.Attempts = attempts
	j.LastError = &lastError
	j.NextRetryAt = nil
	j.UpdatedAt = s.now()

	dlq := &db.DeadLetterJob{
		ID:             uuid.New(),
		JobID:          j.ID,
		CompanyID:      j.CompanyID,
		JobType:        j.JobType,
		Payload:        copyJSON(j.Payload),
		Attempts:       attempts,
		IdempotencyKey: j.IdempotencyKey,
		LastError:      lastError,
		CreatedAt:      s.now(),
	}
	s.deadLetters = append(s.deadLetters, dlq)

	c := *dlq
	return &c, nil
}

// GetJob retrieves a job by id within a company.
func (s *Store) GetJob(_ context.Context, companyID, id int64) (*db.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.findJobLocked(id)
	if j == nil || j.CompanyID != companyID {
		return nil, fmt.Errorf("job %d: %w", id, db.ErrNotFound)
	}
	return copyJob(j), nil
}

// ListJobs lists a company's jobs newest first.
func (s *Store) ListJobs(_ context.Context, companyID int64, status string, limit, offset int) ([]*db.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*db.Job
	for i := len(s.jobs) - 1; i >= 0; i-- {
		j := s.jobs[i]
		if j.CompanyID != companyID || (status != "" && j.Status != status) {
			continue
		}
		matched = append(matched, copyJob(j))
	}
	return page(matched, limit, offset), nil
}

// ListDeadLetters lists dead letters for a company, newest first.
func (s *Store) ListDeadLetters(_ context.Context, companyID int64, limit, offset int) ([]*db.DeadLetterJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*db.DeadLetterJob
	for i := len(s.deadLetters) - 1; i >= 0; i-- {
		d := s.deadLetters[i]
		if d.CompanyID == companyID {
			c := *d
			matched = append(matched, &c)
		}
	}
	return page(matched, limit, offset), nil
}

// GetDeadLetter retrieves a single dead letter.
func (s *Store) GetDeadLetter(_ context.Context, companyID int64, id uuid.UUID) (*db.DeadLetterJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.deadLetters {
		if d.ID == id && d.CompanyID == companyID {
			c := *d
			return &c, nil
		}
	}
	return nil, fmt.Errorf("dead letter %s: %w", id, db.ErrNotFound)
}

// CreateTemplate inserts a notification template.
func (s *Store) CreateTemplate(_ context.Context, t *db.NotificationTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.ID = s.nextID("templates")
	t.CreatedAt = s.now()
	c := *t
	s.templates[t.ID] = &c
	return nil
}

// GetTemplate loads a template by id within a company.
func (s *Store) GetTemplate(_ context.Context, companyID, id int64) (*db.NotificationTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[id]
	if !ok || t.CompanyID != companyID {
		return nil, fmt.Errorf("template %d: %w", id, db.ErrNotFound)
	}
	c := *t
	return &c, nil
}

// CreateRule inserts a notification rule.
func (s *Store) CreateRule(_ context.Context, rule *db.NotificationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule.ID = s.nextID("rules")
	rule.CreatedAt = s.now()
	c := *rule
	s.rules = append(s.rules, &c)
	return nil
}

// ListActiveRules returns the active rules for an event type.
func (s *Store) ListActiveRules(_ context.Context, companyID int64, eventType string) ([]*db.NotificationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.NotificationRule
	for _, r := range s.rules {
		if r.CompanyID == companyID && r.EventType == eventType && r.Active {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

func consentKey(companyID int64, contact, channel string) string {
	return fmt.Sprintf("%d|%s|%s", companyID, contact, channel)
}

// UpsertConsent records the opt-in flag for a contact on a channel.
func (s *Store) UpsertConsent(_ context.Context, c *db.ContactConsent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.UpdatedAt = s.now()
	stored := *c
	s.consents[consentKey(c.CompanyID, c.Contact, c.Channel)] = &stored
	return nil
}

// GetConsent returns db.ErrNotFound when no consent was recorded.
func (s *Store) GetConsent(_ context.Context, companyID int64, contact, channel string) (*db.ContactConsent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.consents[consentKey(companyID, contact, channel)]
	if !ok {
		return nil, db.ErrNotFound
	}
	out := *c
	return &out, nil
}

// InsertDeliveryLog appends a notification attempt record.
func (s *Store) InsertDeliveryLog(_ context.Context, l *db.DeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l.ID = s.nextID("delivery_log")
	l.CreatedAt = s.now()
	c := *l
	s.deliveries = append(s.deliveries, &c)
	return nil
}

// SentRuleIDs returns the rules with a sent delivery log for a job.
func (s *Store) SentRuleIDs(_ context.Context, companyID, jobID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	for _, l := range s.deliveries {
		if l.CompanyID != companyID || l.Status != db.DeliveryStatusSent || l.JobID == nil || l.RuleID == nil {
			continue
		}
		if *l.JobID == jobID {
			ids = append(ids, *l.RuleID)
		}
	}
	return ids, nil
}

// ListDeliveryLogs lists notification attempts newest first.
func (s *Store) ListDeliveryLogs(_ context.Context, companyID int64, limit, offset int) ([]*db.DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*db.DeliveryLog
	for i := len(s.deliveries) - 1; i >= 0; i-- {
		if l := s.deliveries[i]; l.CompanyID == companyID {
			c := *l
			matched = append(matched, &c)
		}
	}
	return page(matched, limit, offset), nil
}

// CreateSubscription registers a webhook endpoint.
func (s *Store) CreateSubscription(_ context.Context, sub *db.WebhookSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub.ID = s.nextID("subscriptions")
	sub.CreatedAt = s.now()
	c := *sub
	c.Events = append([]string(nil), sub.Events...)
	s.subs = append(s.subs, &c)
	return nil
}

// ListSubscriptions returns a company's subscriptions in creation order.
func (s *Store) ListSubscriptions(_ context.Context, companyID int64, activeOnly bool) ([]*db.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.WebhookSubscription
	for _, sub := range s.subs {
		if sub.CompanyID != companyID || (activeOnly && !sub.Active) {
			continue
		}
		c := *sub
		c.Events = append([]string(nil), sub.Events...)
		out = append(out, &c)
	}
	return out, nil
}

// DeactivateSubscription stops deliveries to a subscription.
func (s *Store) DeactivateSubscription(_ context.Context, companyID, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		if sub.ID == id && sub.CompanyID == companyID {
			sub.Active = false
			return nil
		}
	}
	return fmt.Errorf("subscription %d: %w", id, db.ErrNotFound)
}

// InsertWebhookDelivery appends a delivery attempt record.
func (s *Store) InsertWebhookDelivery(_ context.Context, d *db.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d.ID = s.nextID("webhook_deliveries")
	d.CreatedAt = s.now()
	c := *d
	c.PayloadJSON = copyJSON(d.PayloadJSON)
	s.webhookLogs = append(s.webhookLogs, &c)
	return nil
}

// ListWebhookDeliveries lists delivery attempts newest first.
func (s *Store) ListWebhookDeliveries(_ context.Context, companyID int64, limit, offset int) ([]*db.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*db.WebhookDelivery
	for i := len(s.webhookLogs) - 1; i >= 0; i-- {
		if d := s.webhookLogs[i]; d.CompanyID == companyID {
			c := *d
			matched = append(matched, &c)
		}
	}
	return page(matched, limit, offset), nil
}

// CreateToken stores a token record.
func (s *Store) CreateToken(_ context.Context, t *db.APIToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.ID = s.nextID("tokens")
	t.CreatedAt = s.now()
	c := *t
	c.Scopes = append([]string(nil), t.Scopes...)
	s.tokens = append(s.tokens, &c)
	return nil
}

// FindActiveTokenByHash looks up an active token by hash.
func (s *Store) FindActiveTokenByHash(_ context.Context, hash string) (*db.APIToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tokens {
		if t.TokenHash == hash && t.Active {
			c := *t
			c.Scopes = append([]string(nil), t.Scopes...)
			return &c, nil
		}
	}
	return nil, db.ErrNotFound
}

// TouchToken records the last time a token was used.
func (s *Store) TouchToken(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tokens {
		if t.ID == id {
			t.LastUsedAt = &at
			return nil
		}
	}
	return fmt.Errorf("token %d: %w", id, db.ErrNotFound)
}

// DeactivateToken revokes a token.
func (s *Store) DeactivateToken(_ context.Context, companyID, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tokens {
		if t.ID == id && t.CompanyID == companyID {
			t.Active = false
			return nil
		}
	}
	return fmt.Errorf("token %d: %w", id, db.ErrNotFound)
}

// InsertIdempotencyKey records a key; false means it already existed.
func (s *Store) InsertIdempotencyKey(_ context.Context, k *db.IdempotencyKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fmt.Sprintf("%d|%s", k.CompanyID, k.IdempotencyKey)
	if _, exists := s.idemKeys[key]; exists {
		return false, nil
	}
	k.CreatedAt = s.now()
	c := *k
	s.idemKeys[key] = &c
	return true, nil
}

// CountJobsByKey reports how many job rows carry an idempotency key (tests).
func (s *Store) CountJobsByKey(companyID int64, key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.CompanyID == companyID && j.IdempotencyKey != nil && *j.IdempotencyKey == key {
			n++
		}
	}
	return n
}

// DeadLettersForJob returns the dead-letter rows that reference a job (tests).
func (s *Store) DeadLettersForJob(jobID int64) []*db.DeadLetterJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.DeadLetterJob
	for _, d := range s.deadLetters {
		if d.JobID == jobID {
			c := *d
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
