package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lalithlochan/outpost/internal/db"
	"github.com/lalithlochan/outpost/internal/metrics"
)

// ErrNoHandler is the failure recorded for a job whose type has no handler.
var ErrNoHandler = errors.New("no handler registered for job type")

// Repository is the slice of the job store the worker needs.
type Repository interface {
	ClaimNextJob(ctx context.Context, now time.Time) (*db.Job, error)
	CompleteJob(ctx context.Context, id int64) error
	RescheduleJob(ctx context.Context, id int64, attempts int, nextRetryAt time.Time, lastError string) error
	MoveToDeadLetter(ctx context.Context, job *db.Job, attempts int, lastError string) (*db.DeadLetterJob, error)
	RecoverRunning(ctx context.Context, before time.Time) (int, error)
}

// Handler executes one job. A nil return marks the job done.
type Handler interface {
	Handle(ctx context.Context, job *db.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *db.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *db.Job) error {
	return f(ctx, job)
}

// Sweeper turns pending outbox events into jobs. It runs at the start of every tick.
type Sweeper interface {
	ProcessOutbox(ctx context.Context, limit int) (int, error)
}

// DeadLetterNotifier is told about every job that lands in the dead-letter store.
type DeadLetterNotifier interface {
	NotifyDeadLetter(ctx context.Context, dlq *db.DeadLetterJob) error
}

type Config struct {
	PollInterval    time.Duration
	BatchSize       int
	MaxAttempts     int
	OutboxBatchSize int
	// RecoverAfter is how long a job must have been running before Start
	// hands it back to the queue. Zero recovers every running job.
	RecoverAfter time.Duration
}

type Worker struct {
	repo     Repository
	config   Config
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
	sweeper  Sweeper
	notifier DeadLetterNotifier

	mu       sync.RWMutex
	handlers map[string]Handler
}

// Option customises a Worker.
type Option func(*Worker)

// WithSweeper runs the outbox sweep before each batch of jobs.
func WithSweeper(s Sweeper) Option {
	return func(w *Worker) { w.sweeper = s }
}

// WithDeadLetterNotifier forwards dead letters to n.
func WithDeadLetterNotifier(n DeadLetterNotifier) Option {
	return func(w *Worker) { w.notifier = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

func New(repo Repository, cfg Config, logger *zap.Logger, opts ...Option) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.OutboxBatchSize == 0 {
		cfg.OutboxBatchSize = 50
	}

	w := &Worker{
		repo:     repo,
		config:   cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/lalithlochan/outpost/internal/worker"),
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register binds a handler to a job type.
func (w *Worker) Register(jobType string, h Handler) error {
	if jobType == "" || h == nil {
		return errors.New("job type and handler are required")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.handlers[jobType]; exists {
		return fmt.Errorf("handler already registered for %q", jobType)
	}
	w.handlers[jobType] = h
	return nil
}

func (w *Worker) handler(jobType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// Start recovers jobs orphaned in running by a previous process, then polls
// until ctx is cancelled. Cancellation is observed between jobs; a running
// handler is allowed to finish.
func (w *Worker) Start(ctx context.Context) {
	if _, err := w.Recover(ctx); err != nil {
		w.logger.Error("recover running jobs failed", zap.Error(err))
	}

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.Info("worker started",
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.Int("batch_size", w.config.BatchSize),
		zap.Int("max_attempts", w.config.MaxAttempts),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Recover puts jobs left in running back to pending. Attempts are kept, so a
// job that keeps crashing the process still reaches the dead-letter store.
func (w *Worker) Recover(ctx context.Context) (int, error) {
	n, err := w.repo.RecoverRunning(ctx, w.now().Add(-w.config.RecoverAfter))
	if err != nil {
		return 0, fmt.Errorf("recover running jobs: %w", err)
	}
	if n > 0 {
		w.logger.Warn("recovered orphaned running jobs", zap.Int("jobs", n))
	}
	return n, nil
}

// Tick sweeps the outbox and then runs up to BatchSize due jobs.
func (w *Worker) Tick(ctx context.Context) int {
	if w.sweeper != nil {
		if n, err := w.sweeper.ProcessOutbox(ctx, w.config.OutboxBatchSize); err != nil {
			w.logger.Error("outbox sweep failed", zap.Error(err))
		} else if n > 0 {
			w.logger.Debug("outbox swept", zap.Int("events", n))
		}
	}

	ran := 0
	for ran < w.config.BatchSize {
		if ctx.Err() != nil {
			break
		}
		ok, err := w.RunNext(ctx)
		if err != nil {
			w.logger.Error("run next job failed", zap.Error(err))
		}
		if !ok {
			break
		}
		ran++
	}
	return ran
}

// RunNext claims and executes the oldest due job. It reports false only when
// no job was due.
func (w *Worker) RunNext(ctx context.Context) (bool, error) {
	job, err := w.repo.ClaimNextJob(ctx, w.now())
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	runCtx := context.WithoutCancel(ctx)
	runCtx, span := w.tracer.Start(runCtx, "job.run", trace.WithAttributes(
		attribute.Int64("job.id", job.ID),
		attribute.String("job.type", job.JobType),
		attribute.Int64("company.id", job.CompanyID),
		attribute.Int("job.attempts", job.Attempts),
	))
	defer span.End()

	start := time.Now()
	runErr := w.dispatch(runCtx, job)
	elapsed := time.Since(start)

	if runErr == nil {
		if err := w.repo.CompleteJob(runCtx, job.ID); err != nil {
			span.RecordError(err)
			return true, fmt.Errorf("complete job %d: %w", job.ID, err)
		}
		metrics.RecordJobRun(job.JobType, db.JobStatusDone, elapsed)
		w.logger.Info("job done",
			zap.Int64("job_id", job.ID),
			zap.String("job_type", job.JobType),
			zap.Int64("company_id", job.CompanyID),
		)
		return true, nil
	}

	span.RecordError(runErr)
	span.SetStatus(codes.Error, runErr.Error())

	status, err := w.fail(runCtx, job, runErr)
	metrics.RecordJobRun(job.JobType, status, elapsed)
	return true, err
}

// dispatch runs the job's handler, converting a panic into an error.
func (w *Worker) dispatch(ctx context.Context, job *db.Job) (err error) {
	h, ok := w.handler(job.JobType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, job.JobType)
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job handler panicked",
				zap.Int64("job_id", job.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return h.Handle(ctx, job)
}

// fail applies the retry policy and returns the job's resulting status.
func (w *Worker) fail(ctx context.Context, job *db.Job, runErr error) (string, error) {
	attempts := job.Attempts + 1
	lastError := runErr.Error()

	if attempts >= w.config.MaxAttempts || IsPermanent(runErr) {
		dlq, err := w.repo.MoveToDeadLetter(ctx, job, attempts, lastError)
		if err != nil {
			return db.JobStatusRunning, fmt.Errorf("dead-letter job %d: %w", job.ID, err)
		}

		metrics.RecordDeadLetter(job.JobType)
		w.logger.Warn("job dead-lettered",
			zap.Int64("job_id", job.ID),
			zap.String("job_type", job.JobType),
			zap.Int64("company_id", job.CompanyID),
			zap.Int("attempts", attempts),
			zap.String("dlq_id", dlq.ID.String()),
			zap.String("last_error", lastError),
		)

		if w.notifier != nil {
			if err := w.notifier.NotifyDeadLetter(ctx, dlq); err != nil {
				w.logger.Error("dead letter notification failed",
					zap.String("dlq_id", dlq.ID.String()),
					zap.Error(err),
				)
			}
		}
		return db.JobStatusDead, nil
	}

	next := w.now().Add(Backoff(attempts))
	if err := w.repo.RescheduleJob(ctx, job.ID, attempts, next, lastError); err != nil {
		return db.JobStatusRunning, fmt.Errorf("reschedule job %d: %w", job.ID, err)
	}

	w.logger.Warn("job failed, retry scheduled",
		zap.Int64("job_id", job.ID),
		zap.String("job_type", job.JobType),
		zap.Int("attempt", attempts),
		zap.Time("next_retry_at", next),
		zap.Error(runErr),
	)
	return db.JobStatusPending, nil
}

// Backoff is the delay before the next attempt: two seconds per attempt made.
func Backoff(attempts int) time.Duration {
	return time.Duration(2*attempts) * time.Second
}
