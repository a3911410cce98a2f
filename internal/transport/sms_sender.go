package transport

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/hardhatlabs/sitepulse/internal/circuitbreaker"
	"github.com/hardhatlabs/sitepulse/internal/db"
	"github.com/hardhatlabs/sitepulse/internal/retry"
)

// SMSSender delivers SMS notifications via AWS SNS.
type SMSSender struct {
	client *sns.Client
	logger *zap.Logger
}

type SMSConfig struct {
	Region string
}

func NewSMSSender(ctx context.Context, cfg SMSConfig, logger *zap.Logger) (*SMSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SMSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

func (s *SMSSender) Send(ctx context.Context, p Payload) error {
	if p.PhoneNumber == "" {
		return fmt.Errorf("%w: sms payload missing phone number", retry.ErrMalformedInput)
	}
	if p.Message == "" {
		return fmt.Errorf("%w: sms payload missing message", retry.ErrMalformedInput)
	}

	body := p.Message
	if p.Title != "" {
		body = p.Title + ": " + body
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(p.PhoneNumber),
		Message:     aws.String(body),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("id", p.NotificationID.String()),
		zap.String("message_id", *result.MessageId),
	)

	return nil
}

func (s *SMSSender) Channel() string { return db.ChannelSMS }
func (s *SMSSender) Service() string { return circuitbreaker.ServiceSMS }
