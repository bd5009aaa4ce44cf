package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESAPI is the subset of the SES client used here.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESProvider sends email through AWS SES.
type SESProvider struct {
	client SESAPI
	from   string
	logger *zap.Logger
}

func NewSESProvider(client SESAPI, from string, logger *zap.Logger) *SESProvider {
	return &SESProvider{
		client: client,
		from:   from,
		logger: logger,
	}
}

func (s *SESProvider) Send(ctx context.Context, recipient, subject, body string) error {
	if recipient == "" {
		return errors.New("email recipient is empty")
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{recipient},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("to", recipient),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
