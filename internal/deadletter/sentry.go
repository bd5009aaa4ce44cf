package deadletter

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/lalithlochan/outpost/internal/db"
)

// SentryReporter captures every dead letter as a Sentry error event.
type SentryReporter struct {
	hub          *sentry.Hub
	flushTimeout time.Duration
}

// NewSentryReporter reports through hub; pass sentry.CurrentHub() after
// sentry.Init.
func NewSentryReporter(hub *sentry.Hub, flushTimeout time.Duration) *SentryReporter {
	return &SentryReporter{hub: hub, flushTimeout: flushTimeout}
}

func (r *SentryReporter) NotifyDeadLetter(_ context.Context, dlq *db.DeadLetterJob) error {
	if r.hub.Client() == nil {
		return errors.New("sentry client not initialised")
	}

	var id *sentry.EventID
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("job_type", dlq.JobType)
		scope.SetTag("company_id", strconv.FormatInt(dlq.CompanyID, 10))
		scope.SetFingerprint([]string{"dead-letter", dlq.JobType})
		scope.SetContext("dead_letter", sentry.Context{
			"id":       dlq.ID.String(),
			"job_id":   dlq.JobID,
			"attempts": dlq.Attempts,
		})
		id = r.hub.CaptureException(errors.New(dlq.JobType + " job dead-lettered: " + dlq.LastError))
	})

	if r.flushTimeout > 0 {
		r.hub.Flush(r.flushTimeout)
	}
	if id == nil {
		return errors.New("sentry dropped the event")
	}
	return nil
}
