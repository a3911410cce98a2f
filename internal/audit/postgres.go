package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hardhatlabs/sitepulse/internal/db"
)

// PostgresRecorder persists audit records in the audit_records table.
// The table has no UPDATE or DELETE path anywhere in the codebase.
type PostgresRecorder struct {
	db     *db.DB
	logger *zap.Logger
}

func NewPostgresRecorder(database *db.DB, logger *zap.Logger) *PostgresRecorder {
	return &PostgresRecorder{
		db:     database,
		logger: logger,
	}
}

func (r *PostgresRecorder) Append(ctx context.Context, rec Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	var metadata []byte
	if rec.Metadata != nil {
		var err error
		metadata, err = json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
	}

	query := `
		INSERT INTO audit_records (id, notification_id, worker_id, event, recorded_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		rec.ID,
		rec.NotificationID,
		rec.WorkerID,
		string(rec.Event),
		rec.Timestamp,
		metadata,
	)
	if err != nil {
		r.logger.Error("failed to append audit record",
			zap.Error(err),
			zap.String("event", string(rec.Event)),
		)
		return fmt.Errorf("insert audit record: %w", err)
	}

	return nil
}

func (r *PostgresRecorder) Trail(ctx context.Context, notificationID uuid.UUID) ([]Record, error) {
	query := `
		SELECT id, notification_id, worker_id, event, recorded_at, metadata
		FROM audit_records
		WHERE notification_id = $1
		ORDER BY recorded_at ASC, id ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var event string
		var metadata []byte
		if err := rows.Scan(&rec.ID, &rec.NotificationID, &rec.WorkerID, &event, &rec.Timestamp, &metadata); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Event = Event(event)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal audit metadata: %w", err)
			}
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}

	return records, nil
}

func (r *PostgresRecorder) CountEventsSince(ctx context.Context, since time.Time) (map[Event]int, error) {
	query := `
		SELECT event, COUNT(*)
		FROM audit_records
		WHERE recorded_at >= $1
		GROUP BY event
	`

	rows, err := r.db.Pool().Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("query audit counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[Event]int)
	for rows.Next() {
		var event string
		var n int
		if err := rows.Scan(&event, &n); err != nil {
			return nil, fmt.Errorf("scan audit count: %w", err)
		}
		counts[Event(event)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit counts: %w", err)
	}

	return counts, nil
}
