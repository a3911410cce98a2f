// Package sns publishes admin alerts to the operations SNS topic so on-call
// tooling (pagers, chat bridges) can subscribe without touching this service.
package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/hardhatlabs/sitepulse/internal/alerting"
)

// AlertPublisher fans admin alerts out to an SNS topic.
type AlertPublisher struct {
	client   *sns.Client
	topicARN string
}

// NewAlertPublisher creates a publisher for the given ops topic.
func NewAlertPublisher(ctx context.Context, topicARN, region string) (*AlertPublisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AlertPublisher{
		client:   sns.NewFromConfig(cfg),
		topicARN: topicARN,
	}, nil
}

// NewAlertPublisherWithEndpoint creates a publisher with a custom endpoint
// (for LocalStack).
func NewAlertPublisherWithEndpoint(ctx context.Context, topicARN, endpoint, region string) (*AlertPublisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &AlertPublisher{
		client:   client,
		topicARN: topicARN,
	}, nil
}

// PublishAlert sends one admin alert to the topic with severity and type
// attributes for subscriber-side filtering.
func (p *AlertPublisher) PublishAlert(ctx context.Context, alert alerting.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"severity": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(alert.Severity)),
			},
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(alert.Type),
			},
		},
	}

	if _, err := p.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("failed to publish alert to SNS: %w", err)
	}

	return nil
}
