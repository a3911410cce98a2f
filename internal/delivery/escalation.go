package delivery

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/hardhatlabs/sitepulse/internal/db"
)

// EmailEscalator emails the configured escalation address via AWS SES when a
// notification misses its deadline. The body carries routing metadata only,
// never the message content.
type EmailEscalator struct {
	client *ses.Client
	from   string
	to     string
	logger *zap.Logger
}

type EmailEscalatorConfig struct {
	Region    string
	FromEmail string
	ToEmail   string
}

func NewEmailEscalator(ctx context.Context, cfg EmailEscalatorConfig, logger *zap.Logger) (*EmailEscalator, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &EmailEscalator{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		to:     cfg.ToEmail,
		logger: logger,
	}, nil
}

func (e *EmailEscalator) Notify(ctx context.Context, n *db.Notification, reason string) error {
	if e.to == "" {
		return fmt.Errorf("no escalation email configured")
	}

	subject := fmt.Sprintf("[sitepulse] %s notification escalated: %s", n.Priority, n.Title)
	body := fmt.Sprintf(
		"Notification %s escalated.\n\nReason: %s\nType: %s\nPriority: %s\nChannel: %s\nRecipient: %s\nCompany: %s\nCreated: %s\n",
		n.ID, reason, n.Type, n.Priority, n.Channel, n.RecipientID, n.CompanyID,
		n.CreatedAt.Format("2006-01-02 15:04:05 MST"),
	)

	input := &ses.SendEmailInput{
		Source: aws.String(e.from),
		Destination: &types.Destination{
			ToAddresses: []string{e.to},
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

	result, err := e.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	e.logger.Info("escalation email sent",
		zap.String("notification_id", n.ID.String()),
		zap.String("reason", reason),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// LogEscalator only logs. Used when no escalation email is configured.
type LogEscalator struct {
	Logger *zap.Logger
}

func (e *LogEscalator) Notify(_ context.Context, n *db.Notification, reason string) error {
	e.Logger.Warn("escalation (log only)",
		zap.String("notification_id", n.ID.String()),
		zap.String("priority", n.Priority),
		zap.String("reason", reason),
	)
	return nil
}
