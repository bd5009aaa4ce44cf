package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/outpost/internal/db"
)

// Config holds SQS configuration.
type Config struct {
	Region string
	DLQURL string
}

// SendMessageAPI is the part of the SQS client the producer uses.
type SendMessageAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Message is the body forwarded for every dead-lettered job.
type Message struct {
	DeadLetterID   string          `json:"dead_letter_id"`
	JobID          int64           `json:"job_id"`
	CompanyID      int64           `json:"company_id"`
	JobType        string          `json:"job_type"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	LastError      string          `json:"last_error"`
	DeadAt         int64           `json:"dead_at"`
}

// NewMessage snapshots a dead letter into its wire form.
func NewMessage(dlq *db.DeadLetterJob) Message {
	deadAt := dlq.CreatedAt
	if deadAt.IsZero() {
		deadAt = time.Now()
	}
	return Message{
		DeadLetterID:   dlq.ID.String(),
		JobID:          dlq.JobID,
		CompanyID:      dlq.CompanyID,
		JobType:        dlq.JobType,
		Payload:        dlq.Payload,
		Attempts:       dlq.Attempts,
		IdempotencyKey: dlq.IdempotencyKey,
		LastError:      dlq.LastError,
		DeadAt:         deadAt.UnixNano(),
	}
}

// Producer forwards dead letters to an external SQS queue so operators can
// consume them outside the service.
type Producer struct {
	client   SendMessageAPI
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(client SendMessageAPI, cfg Config, logger *zap.Logger) *Producer {
	logger.Info("sqs dead-letter producer initialized",
		zap.String("queue_url", cfg.DLQURL),
	)

	return &Producer{
		client:   client,
		queueURL: cfg.DLQURL,
		logger:   logger,
	}
}

// Enqueue sends a dead letter to SQS and returns the message ID.
func (p *Producer) Enqueue(ctx context.Context, dlq *db.DeadLetterJob) (string, error) {
	msg := NewMessage(dlq)
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"job_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(dlq.JobType),
			},
			"company_id": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.FormatInt(dlq.CompanyID, 10)),
			},
		},
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("dlq_id", msg.DeadLetterID),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// NotifyDeadLetter lets the producer sit in the dead-letter fan-out.
func (p *Producer) NotifyDeadLetter(ctx context.Context, dlq *db.DeadLetterJob) error {
	id, err := p.Enqueue(ctx, dlq)
	if err != nil {
		return err
	}
	p.logger.Debug("dead letter forwarded to sqs",
		zap.String("dlq_id", dlq.ID.String()),
		zap.String("message_id", id),
	)
	return nil
}
