package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository is the Postgres-backed store for the integration pipeline
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// scanner is satisfied by both pgx.Row and pgx.Rows
type scanner interface {
	Scan(dest ...any) error
}

// querier is satisfied by both the pool and a transaction
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const eventColumns = `id, company_id, event_type, payload, idempotency_key, created_at, processed_at`

func scanEvent(row scanner) (*Event, error) {
	var ev Event
	err := row.Scan(
		&ev.ID,
		&ev.CompanyID,
		&ev.EventType,
		&ev.Payload,
		&ev.IdempotencyKey,
		&ev.CreatedAt,
		&ev.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// InsertEvent appends an event to the outbox
func (r *Repository) InsertEvent(ctx context.Context, ev *Event) error {
	query := `
		INSERT INTO integration_events (company_id, event_type, payload, idempotency_key)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		ev.CompanyID,
		ev.EventType,
		ev.Payload,
		ev.IdempotencyKey,
	).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	return nil
}

// ListPendingEvents returns up to limit unprocessed events, oldest first
func (r *Repository) ListPendingEvents(ctx context.Context, limit int) ([]*Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM integration_events
		WHERE processed_at IS NULL
		ORDER BY id ASC
		LIMIT $1
	`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return events, nil
}

// GetEvent retrieves an event by id within a company
func (r *Repository) GetEvent(ctx context.Context, companyID, id int64) (*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM integration_events WHERE company_id = $1 AND id = $2`

	ev, err := scanEvent(r.db.Pool().QueryRow(ctx, query, companyID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query event: %w", err)
	}
	return ev, nil
}

// ExpandEvent enqueues jobs for an event and marks it processed in a single
// transaction. It returns the ids of the jobs (existing ids for keys that were
// already enqueued). An event processed concurrently yields ErrNotFound.
func (r *Repository) ExpandEvent(ctx context.Context, ev *Event, jobs []*Job) ([]int64, error) {
	ids := make([]int64, 0, len(jobs))

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE integration_events SET processed_at = NOW() WHERE id = $1 AND processed_at IS NULL`,
			ev.ID,
		)
		if err != nil {
			return fmt.Errorf("mark event processed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		for _, job := range jobs {
			if _, err := insertJob(ctx, tx, job); err != nil {
				return err
			}
			ids = append(ids, job.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ev.ProcessedAt = &now
	return ids, nil
}

const jobColumns = `id, company_id, job_type, payload, status, attempts, next_retry_at,
	idempotency_key, last_error, created_at, updated_at`

func scanJob(row scanner) (*Job, error) {
	var job Job
	err := row.Scan(
		&job.ID,
		&job.CompanyID,
		&job.JobType,
		&job.Payload,
		&job.Status,
		&job.Attempts,
		&job.NextRetryAt,
		&job.IdempotencyKey,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// insertJob inserts job unless (company_id, idempotency_key) already exists,
// in which case job.ID is set to the existing row's id and created is false.
func insertJob(ctx context.Context, q querier, job *Job) (bool, error) {
	if job.Status == "" {
		job.Status = JobStatusPending
	}

	query := `
		INSERT INTO integration_jobs (company_id, job_type, payload, status, attempts, next_retry_at, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (company_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING id, created_at, updated_at
	`

	err := q.QueryRow(ctx, query,
		job.CompanyID,
		job.JobType,
		job.Payload,
		job.Status,
		job.Attempts,
		job.NextRetryAt,
		job.IdempotencyKey,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("insert job: %w", err)
	}

	// Conflict: resolve the job that already owns the key.
	err = q.QueryRow(ctx,
		`SELECT id, created_at, updated_at FROM integration_jobs WHERE company_id = $1 AND idempotency_key = $2`,
		job.CompanyID, job.IdempotencyKey,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("resolve existing job: %w", err)
	}
	return false, nil
}

// InsertJob enqueues a job. created is false when the idempotency key was
// already taken; job.ID then holds the existing job's id.
func (r *Repository) InsertJob(ctx context.Context, job *Job) (bool, error) {
	return insertJob(ctx, r.db.Pool(), job)
}

// ClaimNextJob moves the oldest due pending job to running and returns it.
// Returns (nil, nil) when nothing is due.
func (r *Repository) ClaimNextJob(ctx context.Context, now time.Time) (*Job, error) {
	query := `
		UPDATE integration_jobs SET status = 'running', updated_at = NOW()
		WHERE id = (
			SELECT id FROM integration_jobs
			WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= $1)
			ORDER BY id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

// RecoverRunning hands jobs stuck in running (worker died mid-handler, or a
// status update failed) back to the queue. Only rows last updated at or
// before before are touched.
func (r *Repository) RecoverRunning(ctx context.Context, before time.Time) (int, error) {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE integration_jobs SET status = 'pending', updated_at = NOW() WHERE status = 'running' AND updated_at <= $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("recover running jobs: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// CompleteJob marks a job done
func (r *Repository) CompleteJob(ctx context.Context, id int64) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE integration_jobs SET status = 'done', next_retry_at = NULL, updated_at = NOW() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return nil
}

// RescheduleJob puts a failed job back to pending with its new attempt count
func (r *Repository) RescheduleJob(ctx context.Context, id int64, attempts int, nextRetryAt time.Time, lastError string) error {
	query := `
		UPDATE integration_jobs
		SET status = 'pending', attempts = $1, next_retry_at = $2, last_error = $3, updated_at = NOW()
		WHERE id = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, attempts, nextRetryAt, lastError, id)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return nil
}

// MoveToDeadLetter snapshots the job into dead_letter_jobs and forces it dead
func (r *Repository) MoveToDeadLetter(ctx context.Context, job *Job, attempts int, lastError string) (*DeadLetterJob, error) {
	dlq := &DeadLetterJob{
		ID:             uuid.New(),
		JobID:          job.ID,
		CompanyID:      job.CompanyID,
		JobType:        job.JobType,
		Payload:        job.Payload,
		Attempts:       attempts,
		IdempotencyKey: job.IdempotencyKey,
		LastError:      lastError,
	}

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE integration_jobs
			SET status = 'dead', attempts = $1, last_error = $2, next_retry_at = NULL, updated_at = NOW()
			WHERE id = $3
		`, attempts, lastError, job.ID)
		if err != nil {
			return fmt.Errorf("update job status: %w", err)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO dead_letter_jobs (
				id, job_id, company_id, job_type, payload, attempts, idempotency_key, last_error
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING created_at
		`,
			dlq.ID,
			dlq.JobID,
			dlq.CompanyID,
			dlq.JobType,
			dlq.Payload,
			dlq.Attempts,
			dlq.IdempotencyKey,
			dlq.LastError,
		).Scan(&dlq.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert dead letter: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("job moved to dead letter store",
		zap.Int64("job_id", job.ID),
		zap.String("dlq_id", dlq.ID.String()),
		zap.String("last_error", lastError),
	)

	return dlq, nil
}

// GetJob retrieves a job by id within a company
func (r *Repository) GetJob(ctx context.Context, companyID, id int64) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM integration_jobs WHERE company_id = $1 AND id = $2`

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, companyID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// ListJobs lists a company's jobs newest first, optionally filtered by status
func (r *Repository) ListJobs(ctx context.Context, companyID int64, status string, limit, offset int) ([]*Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM integration_jobs
		WHERE company_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY id DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool().Query(ctx, query, companyID, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return jobs, nil
}

const deadLetterColumns = `id, job_id, company_id, job_type, payload, attempts, idempotency_key, last_error, created_at`

func scanDeadLetter(row scanner) (*DeadLetterJob, error) {
	var dlq DeadLetterJob
	err := row.Scan(
		&dlq.ID,
		&dlq.JobID,
		&dlq.CompanyID,
		&dlq.JobType,
		&dlq.Payload,
		&dlq.Attempts,
		&dlq.IdempotencyKey,
		&dlq.LastError,
		&dlq.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &dlq, nil
}

// ListDeadLetters retrieves dead-lettered jobs for a company
func (r *Repository) ListDeadLetters(ctx context.Context, companyID int64, limit, offset int) ([]*DeadLetterJob, error) {
	query := `
		SELECT ` + deadLetterColumns + `
		FROM dead_letter_jobs
		WHERE company_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, companyID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var items []*DeadLetterJob
	for rows.Next() {
		dlq, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		items = append(items, dlq)
	}

	return items, rows.Err()
}

// GetDeadLetter retrieves a single dead-lettered job
func (r *Repository) GetDeadLetter(ctx context.Context, companyID int64, id uuid.UUID) (*DeadLetterJob, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letter_jobs WHERE company_id = $1 AND id = $2`

	dlq, err := scanDeadLetter(r.db.Pool().QueryRow(ctx, query, companyID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query dead letter: %w", err)
	}
	return dlq, nil
}
