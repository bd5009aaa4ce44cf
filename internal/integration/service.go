// Package integration is the entry point the rest of the application uses to
// emit events and manage the job queue.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/outpost/internal/db"
	"github.com/lalithlochan/outpost/internal/metrics"
)

var (
	ErrEventTypeRequired = errors.New("event type is required")
	ErrJobTypeRequired   = errors.New("job type is required")
	ErrPayloadNotObject  = errors.New("payload must be a JSON object")
)

// Repository is the storage the service drives.
type Repository interface {
	InsertEvent(ctx context.Context, ev *db.Event) error
	GetEvent(ctx context.Context, companyID, id int64) (*db.Event, error)
	ListPendingEvents(ctx context.Context, limit int) ([]*db.Event, error)
	ExpandEvent(ctx context.Context, ev *db.Event, jobs []*db.Job) ([]int64, error)
	InsertJob(ctx context.Context, job *db.Job) (bool, error)
	GetJob(ctx context.Context, companyID, id int64) (*db.Job, error)
	ListJobs(ctx context.Context, companyID int64, status string, limit, offset int) ([]*db.Job, error)
	ListDeadLetters(ctx context.Context, companyID int64, limit, offset int) ([]*db.DeadLetterJob, error)
	GetDeadLetter(ctx context.Context, companyID int64, id uuid.UUID) (*db.DeadLetterJob, error)
}

// Runner executes the next due job. *worker.Worker satisfies it.
type Runner interface {
	RunNext(ctx context.Context) (bool, error)
}

// Expansion derives one job from an outbox event.
type Expansion struct {
	JobType string
	Key     func(eventID int64) string
}

// DefaultExpansions fan every event out to notifications and webhooks.
func DefaultExpansions() []Expansion {
	return []Expansion{
		{
			JobType: db.JobTypeNotificationDispatch,
			Key:     func(id int64) string { return strconv.FormatInt(id, 10) },
		},
		{
			JobType: db.JobTypeWebhookDelivery,
			Key:     func(id int64) string { return "webhook:" + strconv.FormatInt(id, 10) },
		},
	}
}

// EventJobPayload is the payload of every job expanded from an event.
type EventJobPayload struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type Service struct {
	repo       Repository
	runner     Runner
	expansions []Expansion
	logger     *zap.Logger
}

func NewService(repo Repository, runner Runner, expansions []Expansion, logger *zap.Logger) *Service {
	if expansions == nil {
		expansions = DefaultExpansions()
	}
	return &Service{
		repo:       repo,
		runner:     runner,
		expansions: expansions,
		logger:     logger,
	}
}

// SetRunner wires the worker after construction; the worker itself needs the
// service as its outbox sweeper.
func (s *Service) SetRunner(r Runner) {
	s.runner = r
}

func normalizePayload(payload json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage(`{}`), nil
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, ErrPayloadNotObject
	}
	return json.RawMessage(trimmed), nil
}

func optionalKey(key string) *string {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return &key
}

// EmitEvent appends an event to the outbox. It never waits for delivery.
func (s *Service) EmitEvent(ctx context.Context, companyID int64, eventType string, payload json.RawMessage, idempotencyKey string) (int64, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return 0, ErrEventTypeRequired
	}
	payload, err := normalizePayload(payload)
	if err != nil {
		return 0, err
	}

	ev := &db.Event{
		CompanyID:      companyID,
		EventType:      eventType,
		Payload:        payload,
		IdempotencyKey: optionalKey(idempotencyKey),
	}
	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		return 0, fmt.Errorf("emit %s: %w", eventType, err)
	}

	metrics.RecordEventEmitted(eventType)
	s.logger.Debug("event emitted",
		zap.Int64("event_id", ev.ID),
		zap.Int64("company_id", companyID),
		zap.String("event_type", eventType),
	)
	return ev.ID, nil
}

func (s *Service) GetEvent(ctx context.Context, companyID, id int64) (*db.Event, error) {
	return s.repo.GetEvent(ctx, companyID, id)
}

// ProcessOutbox expands up to limit pending events, oldest first. Each event
// is expanded and marked processed in one transaction; re-running the sweep
// creates no duplicate jobs.
func (s *Service) ProcessOutbox(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}

	events, err := s.repo.ListPendingEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending events: %w", err)
	}

	processed := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}

		jobs, err := s.expand(ev)
		if err != nil {
			return processed, err
		}

		ids, err := s.repo.ExpandEvent(ctx, ev, jobs)
		if errors.Is(err, db.ErrNotFound) {
			// processed by someone else between list and expand
			continue
		}
		if err != nil {
			return processed, fmt.Errorf("expand event %d: %w", ev.ID, err)
		}

		processed++
		s.logger.Info("event expanded",
			zap.Int64("event_id", ev.ID),
			zap.Int64("company_id", ev.CompanyID),
			zap.String("event_type", ev.EventType),
			zap.Int64s("job_ids", ids),
		)
	}

	metrics.RecordOutboxExpanded(processed)
	return processed, nil
}

func (s *Service) expand(ev *db.Event) ([]*db.Job, error) {
	payload, err := json.Marshal(EventJobPayload{EventType: ev.EventType, Payload: ev.Payload})
	if err != nil {
		return nil, fmt.Errorf("encode job payload for event %d: %w", ev.ID, err)
	}

	jobs := make([]*db.Job, 0, len(s.expansions))
	for _, x := range s.expansions {
		key := x.Key(ev.ID)
		jobs = append(jobs, &db.Job{
			CompanyID:      ev.CompanyID,
			JobType:        x.JobType,
			Payload:        payload,
			IdempotencyKey: &key,
		})
	}
	return jobs, nil
}

// EnqueueJob queues a job. With an idempotency key already in use for the
// company, the existing job's id is returned and nothing is inserted.
func (s *Service) EnqueueJob(ctx context.Context, companyID int64, jobType string, payload json.RawMessage, idempotencyKey string) (int64, error) {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return 0, ErrJobTypeRequired
	}
	payload, err := normalizePayload(payload)
	if err != nil {
		return 0, err
	}

	job := &db.Job{
		CompanyID:      companyID,
		JobType:        jobType,
		Payload:        payload,
		IdempotencyKey: optionalKey(idempotencyKey),
	}
	created, err := s.repo.InsertJob(ctx, job)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", jobType, err)
	}

	metrics.RecordJobEnqueued(jobType, !created)
	if !created {
		s.logger.Debug("duplicate enqueue resolved to existing job",
			zap.Int64("job_id", job.ID),
			zap.Int64("company_id", companyID),
		)
	}
	return job.ID, nil
}

// RunNextJob runs the oldest due job and reports whether one was due.
func (s *Service) RunNextJob(ctx context.Context) (bool, error) {
	if s.runner == nil {
		return false, errors.New("no job runner configured")
	}
	return s.runner.RunNext(ctx)
}

func (s *Service) GetJob(ctx context.Context, companyID, id int64) (*db.Job, error) {
	return s.repo.GetJob(ctx, companyID, id)
}

func (s *Service) ListJobs(ctx context.Context, companyID int64, status string, limit, offset int) ([]*db.Job, error) {
	return s.repo.ListJobs(ctx, companyID, status, limit, offset)
}

func (s *Service) ListDeadLetters(ctx context.Context, companyID int64, limit, offset int) ([]*db.DeadLetterJob, error) {
	return s.repo.ListDeadLetters(ctx, companyID, limit, offset)
}

func (s *Service) GetDeadLetter(ctx context.Context, companyID int64, id uuid.UUID) (*db.DeadLetterJob, error) {
	return s.repo.GetDeadLetter(ctx, companyID, id)
}

// RequeueDeadLetter queues a fresh job from a dead-letter snapshot. Requeueing
// the same dead letter twice returns the same job.
func (s *Service) RequeueDeadLetter(ctx context.Context, companyID int64, id uuid.UUID) (int64, error) {
	dlq, err := s.repo.GetDeadLetter(ctx, companyID, id)
	if err != nil {
		return 0, err
	}

	jobID, err := s.EnqueueJob(ctx, companyID, dlq.JobType, dlq.Payload, "requeue:"+dlq.ID.String())
	if err != nil {
		return 0, err
	}

	s.logger.Info("dead letter requeued",
		zap.String("dlq_id", dlq.ID.String()),
		zap.Int64("original_job_id", dlq.JobID),
		zap.Int64("job_id", jobID),
	)
	return jobID, nil
}
