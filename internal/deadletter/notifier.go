// Package deadletter fans dead-lettered jobs out to operator-facing sinks.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/outpost/internal/db"
)

// Sink receives dead letters. The SQS producer, SNS publisher and Sentry
// reporter all satisfy it.
type Sink interface {
	NotifyDeadLetter(ctx context.Context, dlq *db.DeadLetterJob) error
}

type namedSink struct {
	name string
	sink Sink
}

// Notifier delivers each dead letter to every configured sink. A failing sink
// does not stop the others.
type Notifier struct {
	sinks   []namedSink
	timeout time.Duration
	logger  *zap.Logger
}

func NewNotifier(timeout time.Duration, logger *zap.Logger) *Notifier {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{timeout: timeout, logger: logger}
}

// Add registers a sink under name.
func (n *Notifier) Add(name string, s Sink) {
	n.sinks = append(n.sinks, namedSink{name: name, sink: s})
	n.logger.Info("dead letter sink enabled", zap.String("sink", name))
}

// Len is the number of registered sinks.
func (n *Notifier) Len() int {
	return len(n.sinks)
}

func (n *Notifier) NotifyDeadLetter(ctx context.Context, dlq *db.DeadLetterJob) error {
	var errs []error
	for _, s := range n.sinks {
		if err := n.notify(ctx, s, dlq); err != nil {
			n.logger.Warn("dead letter sink failed",
				zap.String("sink", s.name),
				zap.String("dlq_id", dlq.ID.String()),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) notify(ctx context.Context, s namedSink, dlq *db.DeadLetterJob) (err error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return s.sink.NotifyDeadLetter(ctx, dlq)
}
