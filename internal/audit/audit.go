// Package audit provides the append-only delivery audit trail. Records are
// never updated or deleted; the full lifecycle of a notification must be
// reconstructable from its records alone.
package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event identifies one lifecycle event of a notification or subsystem.
type Event string

const (
	EventCreated        Event = "CREATED"
	EventAttempt        Event = "ATTEMPT"
	EventDelivered      Event = "DELIVERED"
	EventError          Event = "ERROR"
	EventCircuitBreaker Event = "CIRCUIT_BREAKER"
	EventRetry          Event = "RETRY"
	EventEscalation     Event = "ESCALATION"
	EventAdminAlert     Event = "ADMIN_ALERT"
	EventAck            Event = "ACK"
)

// Record is a single immutable audit entry. NotificationID and WorkerID are
// nil for system-level events (circuit breaker transitions, admin alerts).
type Record struct {
	ID             uuid.UUID         `json:"id"`
	NotificationID *uuid.UUID        `json:"notification_id,omitempty"`
	WorkerID       *uuid.UUID        `json:"worker_id,omitempty"`
	Event          Event             `json:"event"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Recorder appends audit records and reads them back for forensics.
type Recorder interface {
	Append(ctx context.Context, rec Record) error
	Trail(ctx context.Context, notificationID uuid.UUID) ([]Record, error)
	// CountEventsSince aggregates record counts per event type for the
	// error-statistics ops endpoint.
	CountEventsSince(ctx context.Context, since time.Time) (map[Event]int, error)
}

// New fills in the generated fields of a record.
func New(event Event, notificationID *uuid.UUID, metadata map[string]string) Record {
	return Record{
		ID:             uuid.New(),
		NotificationID: notificationID,
		Event:          event,
		Timestamp:      time.Now().UTC(),
		Metadata:       metadata,
	}
}

// MemoryRecorder is an in-process Recorder used in tests and development.
type MemoryRecorder struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (m *MemoryRecorder) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryRecorder) Trail(_ context.Context, notificationID uuid.UUID) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, rec := range m.records {
		if rec.NotificationID != nil && *rec.NotificationID == notificationID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryRecorder) CountEventsSince(_ context.Context, since time.Time) (map[Event]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[Event]int)
	for _, rec := range m.records {
		if !rec.Timestamp.Before(since) {
			counts[rec.Event]++
		}
	}
	return counts, nil
}

// All returns a copy of every record, in append order.
func (m *MemoryRecorder) All() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// CountEvent returns how many records of one event type exist, optionally
// scoped to a notification.
func (m *MemoryRecorder) CountEvent(event Event, notificationID *uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.records {
		if rec.Event != event {
			continue
		}
		if notificationID != nil && (rec.NotificationID == nil || *rec.NotificationID != *notificationID) {
			continue
		}
		n++
	}
	return n
}
