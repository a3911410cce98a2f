// Package delivery orchestrates the notification lifecycle: daily limits,
// delivery through the retry executor, escalation, and acknowledgment.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hardhatlabs/sitepulse/internal/alerting"
	"github.com/hardhatlabs/sitepulse/internal/audit"
	"github.com/hardhatlabs/sitepulse/internal/content"
	"github.com/hardhatlabs/sitepulse/internal/db"
	"github.com/hardhatlabs/sitepulse/internal/metrics"
	"github.com/hardhatlabs/sitepulse/internal/redis"
	"github.com/hardhatlabs/sitepulse/internal/retry"
	"github.com/hardhatlabs/sitepulse/internal/transport"
)

// Repository is the slice of the notification store the coordinator needs.
type Repository interface {
	CreateNotification(ctx context.Context, n *db.Notification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, attempt int, ackDeadline *time.Time) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, attempt int, errMsg string) (bool, error)
	MarkEscalated(ctx context.Context, id uuid.UUID) (bool, error)
	Acknowledge(ctx context.Context, id uuid.UUID, workerID uuid.UUID) (db.AckOutcome, error)
}

// Limiter reserves daily delivery slots per recipient.
type Limiter interface {
	Reserve(ctx context.Context, recipientID uuid.UUID) (*redis.DailyLimitResult, error)
}

// Contact is a recipient's delivery routing info, supplied by the identity
// layer (an external collaborator; trusted as already resolved).
type Contact struct {
	PhoneNumber string
	DeviceToken string
}

// Directory resolves recipients to contacts.
type Directory interface {
	Contact(ctx context.Context, recipientID uuid.UUID) (Contact, error)
}

// StaticDirectory serves contacts from a fixed map. Dev and tests.
type StaticDirectory map[uuid.UUID]Contact

func (d StaticDirectory) Contact(_ context.Context, recipientID uuid.UUID) (Contact, error) {
	return d[recipientID], nil
}

// Escalator notifies the configured escalation target (supervisor/admin)
// about a notification that missed its delivery or acknowledgment deadline.
type Escalator interface {
	Notify(ctx context.Context, n *db.Notification, reason string) error
}

// Deadlines maps priorities to the delivery+acknowledgment SLA.
type Deadlines struct {
	Critical time.Duration
	High     time.Duration
	Normal   time.Duration
	Low      time.Duration
}

func DefaultDeadlines() Deadlines {
	return Deadlines{
		Critical: 30 * time.Second,
		High:     120 * time.Second,
		Normal:   300 * time.Second,
		Low:      600 * time.Second,
	}
}

// For returns the deadline for a priority.
func (d Deadlines) For(priority string) time.Duration {
	switch priority {
	case db.PriorityCritical:
		return d.Critical
	case db.PriorityHigh:
		return d.High
	case db.PriorityLow:
		return d.Low
	default:
		return d.Normal
	}
}

// Config holds the coordinator tunables.
type Config struct {
	Deadlines Deadlines
	// DeliverAsync dispatches delivery on a goroutine per notification so
	// create calls return quickly. Tests run synchronously.
	DeliverAsync bool
	// DeliveryTimeout bounds one notification's whole retry sequence.
	DeliveryTimeout time.Duration
}

// Coordinator drives each notification through its forward-only lifecycle.
// Retries for one notification are strictly sequential; notifications are
// independent of each other.
type Coordinator struct {
	repo      Repository
	limiter   Limiter
	executor  *retry.Executor
	router    *transport.Router
	directory Directory
	escalator Escalator
	recorder  audit.Recorder
	alerts    *alerting.Tracker
	codec     content.Codec
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

func NewCoordinator(
	repo Repository,
	limiter Limiter,
	executor *retry.Executor,
	router *transport.Router,
	directory Directory,
	escalator Escalator,
	recorder audit.Recorder,
	alerts *alerting.Tracker,
	codec content.Codec,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	if cfg.Deadlines == (Deadlines{}) {
		cfg.Deadlines = DefaultDeadlines()
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 2 * time.Minute
	}
	return &Coordinator{
		repo:      repo,
		limiter:   limiter,
		executor:  executor,
		router:    router,
		directory: directory,
		escalator: escalator,
		recorder:  recorder,
		alerts:    alerts,
		codec:     codec,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// CreateRequest is one business event fanned out to many recipients.
type CreateRequest struct {
	Type        string
	Priority    string
	Channel     string
	SenderID    uuid.UUID
	CompanyID   uuid.UUID
	Recipients  []uuid.UUID
	Title       string
	Message     string
	RequiresAck bool
	ExpiresAt   *time.Time
}

// RecipientOutcome is the per-recipient result of a create call.
type RecipientOutcome struct {
	RecipientID    uuid.UUID `json:"recipient_id"`
	NotificationID uuid.UUID `json:"notification_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

// CreateResult reports partial success explicitly; all-or-nothing would hide
// the common case of a few recipients hitting their daily cap.
type CreateResult struct {
	Created []RecipientOutcome `json:"created"`
	Skipped []RecipientOutcome `json:"skipped"`
	Failed  []RecipientOutcome `json:"failed"`
}

// Create persists one notification per recipient and dispatches delivery for
// those admitted by the daily limit. Recipients over the cap are recorded as
// SKIPPED - a capacity outcome, not a failure - and their counter slot is
// not consumed.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	sealed, err := c.codec.Seal(req.Message)
	if err != nil {
		return nil, fmt.Errorf("seal message: %w", err)
	}

	result := &CreateResult{
		Created: []RecipientOutcome{},
		Skipped: []RecipientOutcome{},
		Failed:  []RecipientOutcome{},
	}

	for _, recipientID := range req.Recipients {
		n := &db.Notification{
			ID:          uuid.New(),
			Type:        req.Type,
			Priority:    req.Priority,
			Channel:     req.Channel,
			SenderID:    req.SenderID,
			RecipientID: recipientID,
			CompanyID:   req.CompanyID,
			Title:       req.Title,
			Message:     sealed,
			RequiresAck: req.RequiresAck,
			ExpiresAt:   req.ExpiresAt,
		}

		reservation, err := c.limiter.Reserve(ctx, recipientID)
		if err != nil {
			// Rejecting is safer than risking a blown daily cap; the limit
			// is a hard ceiling.
			c.alerts.LogError(ctx, "STORAGE", "daily_limit_check", err, alerting.SeverityHigh, nil)
			result.Failed = append(result.Failed, RecipientOutcome{
				RecipientID: recipientID,
				Reason:      "daily limit check unavailable",
			})
			continue
		}

		if !reservation.Allowed {
			n.Status = db.StatusSkipped
			if err := c.repo.CreateNotification(ctx, n); err != nil {
				result.Failed = append(result.Failed, RecipientOutcome{
					RecipientID: recipientID,
					Reason:      "store rejected notification",
				})
				continue
			}
			c.audit(ctx, audit.EventCreated, &n.ID, map[string]string{
				"recipient_id": recipientID.String(),
				"priority":     req.Priority,
				"outcome":      "skipped",
				"reason":       "daily_limit_exceeded",
			})
			metrics.RecordDailyLimitSkip()
			result.Skipped = append(result.Skipped, RecipientOutcome{
				RecipientID:    recipientID,
				NotificationID: n.ID,
				Reason:         "daily limit exceeded",
			})
			continue
		}

		n.Status = db.StatusPending
		if err := c.repo.CreateNotification(ctx, n); err != nil {
			c.alerts.LogError(ctx, "STORAGE", "create_notification", err, alerting.SeverityHigh, nil)
			result.Failed = append(result.Failed, RecipientOutcome{
				RecipientID: recipientID,
				Reason:      "store rejected notification",
			})
			continue
		}
		c.audit(ctx, audit.EventCreated, &n.ID, map[string]string{
			"recipient_id": recipientID.String(),
			"priority":     req.Priority,
			"type":         req.Type,
			"channel":      req.Channel,
		})

		if c.cfg.DeliverAsync {
			go c.deliverDetached(n)
		} else {
			_ = c.Deliver(ctx, n)
		}

		result.Created = append(result.Created, RecipientOutcome{
			RecipientID:    recipientID,
			NotificationID: n.ID,
		})
	}

	return result, nil
}

// deliverDetached runs delivery on its own context so it outlives the HTTP
// request that created the notification.
func (c *Coordinator) deliverDetached(n *db.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DeliveryTimeout)
	defer cancel()
	if err := c.Deliver(ctx, n); err != nil {
		c.logger.Debug("background delivery finished with error",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
	}
}

// Deliver attempts delivery of one PENDING notification through the retry
// executor and settles its terminal state.
func (c *Coordinator) Deliver(ctx context.Context, n *db.Notification) error {
	sender, err := c.router.Route(n.Channel)
	if err != nil {
		return c.settleFailure(ctx, n, "ROUTER", 0, err)
	}
	service := sender.Service()

	contact, err := c.directory.Contact(ctx, n.RecipientID)
	if err != nil {
		return c.settleFailure(ctx, n, service, 0, fmt.Errorf("resolve contact: %w", err))
	}

	plaintext, err := c.codec.Open(n.Message)
	if err != nil {
		return c.settleFailure(ctx, n, service, 0, fmt.Errorf("open message: %w", err))
	}

	payload := transport.Payload{
		NotificationID: n.ID,
		RecipientID:    n.RecipientID,
		Priority:       n.Priority,
		Title:          n.Title,
		Message:        plaintext,
		PhoneNumber:    contact.PhoneNumber,
		DeviceToken:    contact.DeviceToken,
	}

	attempts := 0
	op := func(ctx context.Context, attempt int) error {
		attempts = attempt
		c.audit(ctx, audit.EventAttempt, &n.ID, map[string]string{
			"service": service,
			"attempt": strconv.Itoa(attempt),
		})
		metrics.RecordDeliveryAttempt(service)
		return sender.Send(ctx, payload)
	}

	err = c.executor.Execute(ctx, service, op, retry.Options{
		NotificationID: &n.ID,
		Abort:          c.abortCheck(n.ID),
	})

	if err == nil {
		var ackDeadline *time.Time
		if n.RequiresAck {
			t := c.now().Add(c.cfg.Deadlines.For(n.Priority))
			ackDeadline = &t
		}
		moved, err := c.repo.MarkDelivered(ctx, n.ID, attempts, ackDeadline)
		if err != nil {
			c.alerts.LogError(ctx, "STORAGE", "mark_delivered", err, alerting.SeverityHigh, &n.ID)
			return err
		}
		if moved {
			c.audit(ctx, audit.EventDelivered, &n.ID, map[string]string{
				"service": service,
				"attempt": strconv.Itoa(attempts),
			})
			metrics.RecordDelivery(service, "delivered")
			c.logger.Info("notification delivered",
				zap.String("notification_id", n.ID.String()),
				zap.String("service", service),
				zap.Int("attempts", attempts),
			)
		}
		return nil
	}

	if errors.Is(err, retry.ErrAborted) {
		// Another path (expiry sweep, out-of-band ack/escalation) owns the
		// notification now; nothing to settle here.
		c.logger.Info("delivery aborted",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
		return err
	}

	return c.settleFailure(ctx, n, service, attempts, err)
}

// abortCheck re-reads the notification between attempts so an in-flight
// retry sequence stops when the row was escalated, acknowledged, or expired
// by another path.
func (c *Coordinator) abortCheck(id uuid.UUID) func(ctx context.Context) string {
	return func(ctx context.Context) string {
		current, err := c.repo.GetNotification(ctx, id)
		if err != nil {
			// Can't prove staleness; let the attempt proceed.
			return ""
		}
		if current.Status != db.StatusPending {
			return "superseded by status " + current.Status
		}
		if current.ExpiresAt != nil && !c.now().Before(*current.ExpiresAt) {
			return "expired"
		}
		return ""
	}
}

// settleFailure records the terminal failure and escalates. Every failure is
// audited before it propagates upward.
func (c *Coordinator) settleFailure(ctx context.Context, n *db.Notification, service string, attempts int, cause error) error {
	severity := alerting.SeverityMedium
	switch n.Priority {
	case db.PriorityCritical:
		severity = alerting.SeverityCritical
	case db.PriorityHigh:
		severity = alerting.SeverityHigh
	}
	c.alerts.LogError(ctx, service, "delivery_failed", cause, severity, &n.ID)

	moved, err := c.repo.MarkFailed(ctx, n.ID, attempts, cause.Error())
	if err != nil {
		c.alerts.LogError(ctx, "STORAGE", "mark_failed", err, alerting.SeverityHigh, &n.ID)
		return cause
	}
	if !moved {
		return cause
	}
	metrics.RecordDelivery(service, "failed")

	if escErr := c.Escalate(ctx, n.ID, "delivery_failed"); escErr != nil {
		c.logger.Warn("escalation after delivery failure failed",
			zap.String("notification_id", n.ID.String()),
			zap.Error(escErr),
		)
	}
	return cause
}

// Escalate moves a DELIVERED or FAILED notification to ESCALATED and
// notifies the escalation target. Exactly one caller wins a concurrent race;
// the rest are silent no-ops, so duplicate escalation notices cannot be sent.
func (c *Coordinator) Escalate(ctx context.Context, id uuid.UUID, reason string) error {
	n, err := c.repo.GetNotification(ctx, id)
	if err != nil {
		return err
	}

	moved, err := c.repo.MarkEscalated(ctx, id)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}

	elapsed := c.now().Sub(n.CreatedAt)
	if n.DeliveredAt != nil {
		elapsed = c.now().Sub(*n.DeliveredAt)
	}
	c.audit(ctx, audit.EventEscalation, &id, map[string]string{
		"reason":     reason,
		"priority":   n.Priority,
		"elapsed_ms": strconv.FormatInt(elapsed.Milliseconds(), 10),
	})
	metrics.RecordEscalation(reason)

	c.logger.Warn("notification escalated",
		zap.String("notification_id", id.String()),
		zap.String("reason", reason),
		zap.Duration("elapsed", elapsed),
	)

	if c.escalator != nil {
		if err := c.escalator.Notify(ctx, n, reason); err != nil {
			c.alerts.LogError(ctx, "EXTERNAL_API", "escalation_notify", err, alerting.SeverityHigh, &id)
		}
	}
	return nil
}

// Acknowledge marks a notification acknowledged by its recipient.
// Acknowledging twice is a no-op success with no duplicate ACK audit record.
func (c *Coordinator) Acknowledge(ctx context.Context, id uuid.UUID, workerID uuid.UUID) error {
	outcome, err := c.repo.Acknowledge(ctx, id, workerID)
	if err != nil {
		return err
	}
	if outcome == db.AckApplied {
		rec := audit.New(audit.EventAck, &id, map[string]string{
			"worker_id": workerID.String(),
		})
		rec.WorkerID = &workerID
		if err := c.recorder.Append(ctx, rec); err != nil {
			c.logger.Warn("failed to audit acknowledgment", zap.Error(err))
		}
	}
	return nil
}

func (c *Coordinator) audit(ctx context.Context, event audit.Event, notificationID *uuid.UUID, md map[string]string) {
	if err := c.recorder.Append(ctx, audit.New(event, notificationID, md)); err != nil {
		c.logger.Warn("failed to append audit record",
			zap.Error(err),
			zap.String("event", string(event)),
		)
	}
}
