package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsses "github.com/aws/aws-sdk-go-v2/service/ses"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lalithlochan/outpost/internal/config"
	"github.com/lalithlochan/outpost/internal/sns"
	"github.com/lalithlochan/outpost/internal/sqs"
)

// awsClients loads the shared AWS config on first use, so a gateway with
// mock providers and no dead-letter forwarding never touches AWS.
type awsClients struct {
	cfg    *config.Config
	logger *zap.Logger

	once   sync.Once
	awsCfg aws.Config
	err    error

	snsClient *awssns.Client
}

func newAWSClients(cfg *config.Config, logger *zap.Logger) *awsClients {
	return &awsClients{cfg: cfg, logger: logger}
}

func (c *awsClients) load(ctx context.Context) (aws.Config, error) {
	c.once.Do(func() {
		c.awsCfg, c.err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.cfg.AWSRegion))
		if c.err != nil {
			c.err = fmt.Errorf("failed to load aws config: %w", c.err)
			return
		}
		if c.cfg.AWSEndpoint != "" {
			c.logger.Info("using custom aws endpoint", zap.String("endpoint", c.cfg.AWSEndpoint))
		}
	})
	return c.awsCfg, c.err
}

func (c *awsClients) endpoint() *string {
	if c.cfg.AWSEndpoint == "" {
		return nil
	}
	return aws.String(c.cfg.AWSEndpoint)
}

func (c *awsClients) ses(ctx context.Context) (*awsses.Client, error) {
	awsCfg, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	return awsses.NewFromConfig(awsCfg, func(o *awsses.Options) {
		o.BaseEndpoint = c.endpoint()
	}), nil
}

// sns is shared by the SMS provider and the dead-letter topic publisher. It
// uses SNS_REGION, which may differ from AWS_REGION.
func (c *awsClients) sns(ctx context.Context) (*awssns.Client, error) {
	if c.snsClient != nil {
		return c.snsClient, nil
	}
	awsCfg, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	c.snsClient = awssns.NewFromConfig(awsCfg, func(o *awssns.Options) {
		o.Region = c.cfg.SNSRegion
		o.BaseEndpoint = c.endpoint()
	})
	return c.snsClient, nil
}

func (c *awsClients) sqsProducer(ctx context.Context) (*sqs.Producer, error) {
	awsCfg, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	client := awssqs.NewFromConfig(awsCfg, func(o *awssqs.Options) {
		o.BaseEndpoint = c.endpoint()
	})
	return sqs.NewProducer(client, sqs.Config{Region: c.cfg.AWSRegion, DLQURL: c.cfg.SQSDLQURL}, c.logger), nil
}

func (c *awsClients) snsPublisher(ctx context.Context) (*sns.Publisher, error) {
	client, err := c.sns(ctx)
	if err != nil {
		return nil, err
	}
	return sns.NewPublisher(client, c.cfg.DLQSNSTopicARN), nil
}
