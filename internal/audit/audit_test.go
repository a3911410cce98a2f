package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNew_FillsGeneratedFields(t *testing.T) {
	id := uuid.New()
	rec := New(EventCreated, &id, map[string]string{"priority": "HIGH"})

	if rec.ID == uuid.Nil {
		t.Fatal("record ID must be generated")
	}
	if rec.Timestamp.IsZero() {
		t.Fatal("timestamp must be set")
	}
	if rec.Timestamp.Location() != time.UTC {
		t.Fatal("timestamps are recorded in UTC")
	}
	if rec.NotificationID == nil || *rec.NotificationID != id {
		t.Fatal("notification ID not carried over")
	}
}

func TestTrail_ScopedAndOrdered(t *testing.T) {
	m := NewMemoryRecorder()
	ctx := context.Background()

	target := uuid.New()
	other := uuid.New()
	base := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

	// Appended out of order on purpose.
	_ = m.Append(ctx, Record{NotificationID: &target, Event: EventDelivered, Timestamp: base.Add(2 * time.Second)})
	_ = m.Append(ctx, Record{NotificationID: &other, Event: EventCreated, Timestamp: base})
	_ = m.Append(ctx, Record{NotificationID: &target, Event: EventCreated, Timestamp: base})
	_ = m.Append(ctx, Record{NotificationID: &target, Event: EventAttempt, Timestamp: base.Add(time.Second)})
	_ = m.Append(ctx, Record{Event: EventCircuitBreaker, Timestamp: base}) // system-level, no notification

	trail, err := m.Trail(ctx, target)
	if err != nil {
		t.Fatalf("trail failed: %v", err)
	}
	if len(trail) != 3 {
		t.Fatalf("trail has %d records, want 3", len(trail))
	}
	want := []Event{EventCreated, EventAttempt, EventDelivered}
	for i, event := range want {
		if trail[i].Event != event {
			t.Fatalf("trail[%d] = %s, want %s", i, trail[i].Event, event)
		}
	}
}

func TestCountEventsSince_BoundaryInclusive(t *testing.T) {
	m := NewMemoryRecorder()
	ctx := context.Background()
	cutoff := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

	_ = m.Append(ctx, Record{Event: EventError, Timestamp: cutoff.Add(-time.Nanosecond)})
	_ = m.Append(ctx, Record{Event: EventError, Timestamp: cutoff})
	_ = m.Append(ctx, Record{Event: EventError, Timestamp: cutoff.Add(time.Hour)})
	_ = m.Append(ctx, Record{Event: EventRetry, Timestamp: cutoff.Add(time.Hour)})

	counts, err := m.CountEventsSince(ctx, cutoff)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if counts[EventError] != 2 {
		t.Fatalf("errors since cutoff = %d, want 2 (boundary is inclusive)", counts[EventError])
	}
	if counts[EventRetry] != 1 {
		t.Fatalf("retries since cutoff = %d, want 1", counts[EventRetry])
	}
}

func TestAppend_BackfillsMissingFields(t *testing.T) {
	m := NewMemoryRecorder()
	_ = m.Append(context.Background(), Record{Event: EventAdminAlert})

	all := m.All()
	if len(all) != 1 {
		t.Fatalf("got %d records, want 1", len(all))
	}
	if all[0].ID == uuid.Nil || all[0].Timestamp.IsZero() {
		t.Fatal("appended record must get an ID and timestamp")
	}
}
