package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hardhatlabs/sitepulse/internal/circuitbreaker"
	"github.com/hardhatlabs/sitepulse/internal/db"
	"github.com/hardhatlabs/sitepulse/internal/retry"
)

// PushSender delivers push notifications through the company push gateway
// over HTTP.
type PushSender struct {
	client     *http.Client
	gatewayURL string
	logger     *zap.Logger
}

type PushConfig struct {
	GatewayURL string
	Timeout    time.Duration
}

func NewPushSender(logger *zap.Logger, cfg PushConfig) *PushSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &PushSender{
		client:     &http.Client{Timeout: timeout},
		gatewayURL: cfg.GatewayURL,
		logger:     logger,
	}
}

type pushRequest struct {
	NotificationID string `json:"notification_id"`
	DeviceToken    string `json:"device_token"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	Priority       string `json:"priority"`
}

func (s *PushSender) Send(ctx context.Context, p Payload) error {
	if s.gatewayURL == "" {
		return fmt.Errorf("%w: push gateway url not configured", retry.ErrValidation)
	}
	if p.DeviceToken == "" {
		return fmt.Errorf("%w: push payload missing device token", retry.ErrMalformedInput)
	}

	body, err := json.Marshal(pushRequest{
		NotificationID: p.NotificationID.String(),
		DeviceToken:    p.DeviceToken,
		Title:          p.Title,
		Body:           p.Message,
		Priority:       p.Priority,
	})
	if err != nil {
		return fmt.Errorf("marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Sitepulse/1.0")
	req.Header.Set("X-Sitepulse-Notification-ID", p.NotificationID.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// delivered
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: push gateway returned %d", retry.ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: push gateway returned %d: %s", retry.ErrMalformedInput, resp.StatusCode, string(preview))
	default:
		return fmt.Errorf("push gateway returned non-2xx status: %d, body: %s", resp.StatusCode, string(preview))
	}

	s.logger.Info("push delivered",
		zap.String("id", p.NotificationID.String()),
		zap.Int("status_code", resp.StatusCode),
	)

	return nil
}

func (s *PushSender) Channel() string { return db.ChannelPush }
func (s *PushSender) Service() string { return circuitbreaker.ServicePush }
