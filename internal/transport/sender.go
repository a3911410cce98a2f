// Package transport holds the pluggable delivery adapters. The resilience
// engine treats each Send as an opaque single attempt; retries, breakers and
// escalation all live above this layer.
package transport

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hardhatlabs/sitepulse/internal/circuitbreaker"
	"github.com/hardhatlabs/sitepulse/internal/db"
	"github.com/hardhatlabs/sitepulse/internal/retry"
)

// Payload is one rendered notification handed to an adapter. Message is the
// already-decrypted body; adapters never see sealed content.
type Payload struct {
	NotificationID uuid.UUID
	RecipientID    uuid.UUID
	Priority       string
	Title          string
	Message        string

	// Contact routing, filled from the recipient directory.
	PhoneNumber string // sms channel
	DeviceToken string // push channel
}

// Sender is a single-channel delivery adapter.
type Sender interface {
	Send(ctx context.Context, p Payload) error
	// Channel is the delivery channel this adapter serves.
	Channel() string
	// Service names the circuit breaker guarding this adapter's dependency.
	Service() string
}

// Router picks the adapter for a notification's channel.
type Router struct {
	senders map[string]Sender
	logger  *zap.Logger
}

func NewRouter(logger *zap.Logger, senders ...Sender) *Router {
	byChannel := make(map[string]Sender, len(senders))
	for _, s := range senders {
		byChannel[s.Channel()] = s
	}
	return &Router{senders: byChannel, logger: logger}
}

// Route returns the adapter for a channel.
func (r *Router) Route(channel string) (Sender, error) {
	s, ok := r.senders[channel]
	if !ok {
		return nil, fmt.Errorf("%w: no sender for channel %q", retry.ErrValidation, channel)
	}
	return s, nil
}

// LogSender logs instead of delivering. Development and tests.
type LogSender struct {
	logger  *zap.Logger
	channel string
	service string
}

func NewLogSender(logger *zap.Logger, channel string) *LogSender {
	service := circuitbreaker.ServiceExternalAPI
	switch channel {
	case db.ChannelPush:
		service = circuitbreaker.ServicePush
	case db.ChannelSMS:
		service = circuitbreaker.ServiceSMS
	}
	return &LogSender{logger: logger, channel: channel, service: service}
}

func (s *LogSender) Send(_ context.Context, p Payload) error {
	s.logger.Info("logging notification (development mode)",
		zap.String("id", p.NotificationID.String()),
		zap.String("channel", s.channel),
		zap.String("recipient_id", p.RecipientID.String()),
		zap.String("title", p.Title),
	)
	return nil
}

func (s *LogSender) Channel() string { return s.channel }
func (s *LogSender) Service() string { return s.service }
