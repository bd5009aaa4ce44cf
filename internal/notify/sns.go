package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

// SNSAPI is the subset of the SNS client used here.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSProvider sends SMS through AWS SNS. SMS has no subject; only the body is sent.
type SNSProvider struct {
	client SNSAPI
	logger *zap.Logger
}

func NewSNSProvider(client SNSAPI, logger *zap.Logger) *SNSProvider {
	return &SNSProvider{
		client: client,
		logger: logger,
	}
}

func (s *SNSProvider) Send(ctx context.Context, recipient, _, body string) error {
	if recipient == "" {
		return errors.New("sms recipient is empty")
	}
	if body == "" {
		return errors.New("sms body is empty")
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(recipient),
		Message:     aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("phone_number", recipient),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
