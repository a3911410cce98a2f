package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/hardhatlabs/sitepulse/internal/content"
)

// ErrNotFound is returned when a notification does not exist.
var ErrNotFound = errors.New("notification not found")

// ErrInvalidTransition is returned when a status update would move a
// notification backwards through its lifecycle.
var ErrInvalidTransition = errors.New("invalid status transition")

const notificationColumns = `
	id, type, priority, channel, sender_id, recipient_id, company_id,
	title, message, status, requires_ack, attempt, error_message,
	delivered_at, ack_deadline_at, acknowledged_at, escalated_at, expires_at,
	created_at, updated_at
`

// Repository handles notification persistence. Status updates are
// conditional on the current status so the forward-only lifecycle holds even
// when the coordinator and the sweeper race on the same row.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Filter narrows ListByRecipient results.
type Filter struct {
	Status string
	Type   string
	Limit  int
	Offset int
}

// CreateNotification inserts a new notification.
func (r *Repository) CreateNotification(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO notifications (
			id, type, priority, channel, sender_id, recipient_id, company_id,
			title, message, status, requires_ack, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		n.ID,
		n.Type,
		n.Priority,
		n.Channel,
		n.SenderID,
		n.RecipientID,
		n.CompanyID,
		n.Title,
		n.Message.Stored(),
		n.Status,
		n.RequiresAck,
		n.ExpiresAt,
	).Scan(&n.CreatedAt, &n.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	return nil
}

// GetNotification retrieves a notification by ID.
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// ListByRecipient retrieves a recipient's notifications, newest first.
func (r *Repository) ListByRecipient(ctx context.Context, recipientID uuid.UUID, f Filter) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE recipient_id = $1
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR type = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`

	if f.Limit <= 0 {
		f.Limit = 20
	}

	rows, err := r.db.Pool().Query(ctx, query, recipientID, f.Status, f.Type, f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	return collectNotifications(rows)
}

// MarkDelivered moves a PENDING notification to DELIVERED. Reports false
// when the row was not PENDING (already moved by another path).
func (r *Repository) MarkDelivered(ctx context.Context, id uuid.UUID, attempt int, ackDeadline *time.Time) (bool, error) {
	query := `
		UPDATE notifications
		SET status = $1, attempt = $2, delivered_at = NOW(), ack_deadline_at = $3, updated_at = NOW()
		WHERE id = $4 AND status = $5
	`
	tag, err := r.db.Pool().Exec(ctx, query, StatusDelivered, attempt, ackDeadline, id, StatusPending)
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed moves a PENDING notification to FAILED with the terminal error.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, attempt int, errMsg string) (bool, error) {
	query := `
		UPDATE notifications
		SET status = $1, attempt = $2, error_message = $3, updated_at = NOW()
		WHERE id = $4 AND status = $5
	`
	tag, err := r.db.Pool().Exec(ctx, query, StatusFailed, attempt, errMsg, id, StatusPending)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkEscalated moves a DELIVERED or FAILED notification to ESCALATED.
// The conditional WHERE makes concurrent escalation attempts idempotent:
// exactly one caller observes true.
func (r *Repository) MarkEscalated(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE notifications
		SET status = $1, escalated_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)
	`
	tag, err := r.db.Pool().Exec(ctx, query, StatusEscalated, id, StatusDelivered, StatusFailed)
	if err != nil {
		return false, fmt.Errorf("mark escalated: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AckOutcome describes what an acknowledgment call actually did.
type AckOutcome int

const (
	AckApplied AckOutcome = iota // status moved to ACKNOWLEDGED now
	AckAlready                   // was already ACKNOWLEDGED - no-op success
)

// Acknowledge moves a DELIVERED or ESCALATED notification to ACKNOWLEDGED.
// Acknowledging an already-acknowledged notification is a no-op success;
// client-side network retries must not fail loudly.
func (r *Repository) Acknowledge(ctx context.Context, id uuid.UUID, workerID uuid.UUID) (AckOutcome, error) {
	query := `
		UPDATE notifications
		SET status = $1, acknowledged_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND recipient_id = $3 AND status IN ($4, $5)
	`
	tag, err := r.db.Pool().Exec(ctx, query, StatusAcknowledged, id, workerID, StatusDelivered, StatusEscalated)
	if err != nil {
		return 0, fmt.Errorf("acknowledge: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return AckApplied, nil
	}

	n, err := r.GetNotification(ctx, id)
	if err != nil {
		return 0, err
	}
	if n.RecipientID != workerID {
		return 0, fmt.Errorf("%w: notification %s does not belong to worker %s", ErrNotFound, id, workerID)
	}
	if n.Status == StatusAcknowledged {
		return AckAlready, nil
	}
	return 0, fmt.Errorf("%w: cannot acknowledge from status %s", ErrInvalidTransition, n.Status)
}

// FindAckOverdue returns DELIVERED notifications requiring acknowledgment
// whose deadline has passed. Consumed by the escalation sweeper.
func (r *Repository) FindAckOverdue(ctx context.Context, now time.Time, limit int) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status = $1 AND requires_ack AND ack_deadline_at IS NOT NULL AND ack_deadline_at <= $2
		ORDER BY ack_deadline_at ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, StatusDelivered, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query ack overdue: %w", err)
	}
	defer rows.Close()

	return collectNotifications(rows)
}

// FindExpired returns PENDING notifications past their expiry.
func (r *Repository) FindExpired(ctx context.Context, now time.Time, limit int) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		ORDER BY expires_at ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, StatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query expired: %w", err)
	}
	defer rows.Close()

	return collectNotifications(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	var message string
	err := row.Scan(
		&n.ID,
		&n.Type,
		&n.Priority,
		&n.Channel,
		&n.SenderID,
		&n.RecipientID,
		&n.CompanyID,
		&n.Title,
		&message,
		&n.Status,
		&n.RequiresAck,
		&n.Attempt,
		&n.ErrorMessage,
		&n.DeliveredAt,
		&n.AckDeadlineAt,
		&n.AcknowledgedAt,
		&n.EscalatedAt,
		&n.ExpiresAt,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.Message = content.FromStored(message)
	return &n, nil
}

func collectNotifications(rows pgx.Rows) ([]*Notification, error) {
	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return notifications, nil
}
