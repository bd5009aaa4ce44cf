package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/lalithlochan/outpost/internal/db"
)

// PublishAPI is the part of the SNS client the publisher uses.
type PublishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher sends dead-letter alerts to an SNS topic. Operators subscribe
// email, chat or pager endpoints to the topic.
type Publisher struct {
	client   PublishAPI
	topicARN string
}

// Alert is the JSON body published for a dead-lettered job.
type Alert struct {
	DeadLetterID string `json:"dead_letter_id"`
	JobID        int64  `json:"job_id"`
	CompanyID    int64  `json:"company_id"`
	JobType      string `json:"job_type"`
	Attempts     int    `json:"attempts"`
	LastError    string `json:"last_error"`
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(client PublishAPI, topicARN string) *Publisher {
	return &Publisher{
		client:   client,
		topicARN: topicARN,
	}
}

// Publish sends an alert with job type and company as message attributes so
// subscriptions can filter on them.
func (p *Publisher) Publish(ctx context.Context, alert Alert) (string, error) {
	payload, err := json.Marshal(alert)
	if err != nil {
		return "", fmt.Errorf("failed to marshal alert: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String(subject(alert)),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"job_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(alert.JobType),
			},
			"company_id": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.FormatInt(alert.CompanyID, 10)),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// NotifyDeadLetter publishes an alert for dlq.
func (p *Publisher) NotifyDeadLetter(ctx context.Context, dlq *db.DeadLetterJob) error {
	_, err := p.Publish(ctx, Alert{
		DeadLetterID: dlq.ID.String(),
		JobID:        dlq.JobID,
		CompanyID:    dlq.CompanyID,
		JobType:      dlq.JobType,
		Attempts:     dlq.Attempts,
		LastError:    dlq.LastError,
	})
	return err
}

// subject stays under the 100 character SNS limit.
func subject(a Alert) string {
	s := fmt.Sprintf("outpost: %s job %d dead-lettered", a.JobType, a.JobID)
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}
