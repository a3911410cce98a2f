package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hardhatlabs/sitepulse/internal/audit"
	"github.com/hardhatlabs/sitepulse/internal/circuitbreaker"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

type capturePublisher struct {
	mu     sync.Mutex
	alerts []Alert
}

func (p *capturePublisher) PublishAlert(_ context.Context, alert Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, alert)
	return nil
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.alerts)
}

func testTracker(t *testing.T, cfg Config) (*Tracker, *audit.MemoryRecorder, *circuitbreaker.Manager, *capturePublisher) {
	t.Helper()
	recorder := audit.NewMemoryRecorder()
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(),
		[]string{circuitbreaker.ServicePush}, recorder, testLogger())
	publisher := &capturePublisher{}
	tracker := NewTracker(cfg, breakers, recorder, publisher, testLogger())
	return tracker, recorder, breakers, publisher
}

func TestTracker_TotalThresholdRaisesAlert(t *testing.T) {
	tracker, recorder, _, publisher := testTracker(t, Config{
		Window:              5 * time.Minute,
		AdminAlertThreshold: 10,
	})
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		tracker.TrackError(ctx, "PUSH", "timeout", SeverityMedium)
	}
	if publisher.count() != 0 {
		t.Fatalf("no alert expected below threshold, got %d", publisher.count())
	}

	tracker.TrackError(ctx, "PUSH", "timeout", SeverityMedium)
	if publisher.count() != 1 {
		t.Fatalf("expected 1 alert at threshold, got %d", publisher.count())
	}
	if got := recorder.CountEvent(audit.EventAdminAlert, nil); got != 1 {
		t.Fatalf("expected 1 ADMIN_ALERT audit record, got %d", got)
	}
}

func TestTracker_CriticalThresholdRaisesCriticalAlert(t *testing.T) {
	tracker, _, _, publisher := testTracker(t, Config{
		Window:                 5 * time.Minute,
		CriticalErrorThreshold: 5,
		AdminAlertThreshold:    100,
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tracker.TrackError(ctx, "SMS", "provider_down", SeverityCritical)
	}
	if publisher.count() != 1 {
		t.Fatalf("expected 1 alert, got %d", publisher.count())
	}
	if publisher.alerts[0].Severity != SeverityCritical {
		t.Fatalf("expected CRITICAL alert, got %s", publisher.alerts[0].Severity)
	}
}

func TestTracker_CooldownThrottlesRepeatAlerts(t *testing.T) {
	tracker, _, _, publisher := testTracker(t, Config{
		Window:              10 * time.Minute,
		AdminAlertThreshold: 3,
		Cooldown:            5 * time.Minute,
	})
	ctx := context.Background()

	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	tracker.SetClock(func() time.Time { return now })

	for i := 0; i < 6; i++ {
		tracker.TrackError(ctx, "PUSH", "timeout", SeverityMedium)
	}
	if publisher.count() != 1 {
		t.Fatalf("expected 1 alert inside cooldown, got %d", publisher.count())
	}

	// After the cooldown elapses the same sustained degradation alerts again.
	now = now.Add(5 * time.Minute)
	tracker.TrackError(ctx, "PUSH", "timeout", SeverityMedium)
	if publisher.count() != 2 {
		t.Fatalf("expected 2 alerts after cooldown, got %d", publisher.count())
	}
}

func TestTracker_WindowPrunesOldOccurrences(t *testing.T) {
	tracker, _, _, publisher := testTracker(t, Config{
		Window:              5 * time.Minute,
		AdminAlertThreshold: 5,
	})
	ctx := context.Background()

	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	tracker.SetClock(func() time.Time { return now })

	for i := 0; i < 4; i++ {
		tracker.TrackError(ctx, "PUSH", "timeout", SeverityMedium)
	}

	// The earlier errors fall out of the window; one more must not trip.
	now = now.Add(6 * time.Minute)
	tracker.TrackError(ctx, "PUSH", "timeout", SeverityMedium)
	if publisher.count() != 0 {
		t.Fatalf("expected no alert after window pruning, got %d", publisher.count())
	}
}

func TestTracker_KeysAreIndependent(t *testing.T) {
	tracker, _, _, publisher := testTracker(t, Config{
		Window:              5 * time.Minute,
		AdminAlertThreshold: 3,
	})
	ctx := context.Background()

	tracker.TrackError(ctx, "PUSH", "timeout", SeverityMedium)
	tracker.TrackError(ctx, "PUSH", "refused", SeverityMedium)
	tracker.TrackError(ctx, "SMS", "timeout", SeverityMedium)
	if publisher.count() != 0 {
		t.Fatalf("distinct (service, code) keys must not pool, got %d alerts", publisher.count())
	}
}

func TestTracker_LogErrorWritesAuditRecord(t *testing.T) {
	tracker, recorder, _, _ := testTracker(t, DefaultConfig())
	id := uuid.New()

	tracker.LogError(context.Background(), "PUSH", "timeout", errors.New("dial tcp: i/o timeout"), SeverityHigh, &id)

	if got := recorder.CountEvent(audit.EventError, &id); got != 1 {
		t.Fatalf("expected 1 ERROR audit record, got %d", got)
	}
	records, _ := recorder.Trail(context.Background(), id)
	if records[0].Metadata["service"] != "PUSH" || records[0].Metadata["code"] != "timeout" {
		t.Fatalf("unexpected audit metadata: %v", records[0].Metadata)
	}
}

func TestTracker_RecentAlertsNewestFirst(t *testing.T) {
	tracker, _, _, _ := testTracker(t, DefaultConfig())
	ctx := context.Background()

	first := tracker.TriggerAlert(ctx, "ERROR_THRESHOLD", SeverityHigh, nil)
	second := tracker.TriggerAlert(ctx, "CIRCUIT_BREAKER_OPEN", SeverityCritical, nil)

	alerts := tracker.RecentAlerts(10)
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(alerts))
	}
	if alerts[0].ID != second.ID || alerts[1].ID != first.ID {
		t.Fatal("alerts must be returned newest first")
	}

	limited := tracker.RecentAlerts(1)
	if len(limited) != 1 || limited[0].ID != second.ID {
		t.Fatal("limit must keep the newest alert")
	}
}

func TestTracker_AcknowledgeAlertIdempotent(t *testing.T) {
	tracker, _, _, _ := testTracker(t, DefaultConfig())
	ctx := context.Background()

	alert := tracker.TriggerAlert(ctx, "ERROR_THRESHOLD", SeverityHigh, nil)

	if !tracker.AcknowledgeAlert(alert.ID) {
		t.Fatal("first acknowledge must succeed")
	}
	acked := tracker.RecentAlerts(1)[0]
	if !acked.Acknowledged || acked.AcknowledgedAt == nil {
		t.Fatal("alert must be marked acknowledged")
	}
	firstAckAt := *acked.AcknowledgedAt

	if !tracker.AcknowledgeAlert(alert.ID) {
		t.Fatal("second acknowledge must be a no-op success")
	}
	if got := *tracker.RecentAlerts(1)[0].AcknowledgedAt; !got.Equal(firstAckAt) {
		t.Fatal("second acknowledge must not move the timestamp")
	}

	if tracker.AcknowledgeAlert(uuid.New()) {
		t.Fatal("unknown alert id must report false")
	}
}

func TestTracker_HealthSummary(t *testing.T) {
	tracker, _, breakers, _ := testTracker(t, DefaultConfig())
	ctx := context.Background()

	summary := tracker.HealthSummary()
	if summary.Status != "HEALTHY" {
		t.Fatalf("expected HEALTHY, got %s", summary.Status)
	}

	tracker.TriggerAlert(ctx, "ERROR_THRESHOLD", SeverityHigh, nil)
	for i := 0; i < 5; i++ {
		breakers.RecordFailure(ctx, circuitbreaker.ServicePush, errors.New("down"))
	}

	summary = tracker.HealthSummary()
	if summary.Status != "DEGRADED" {
		t.Fatalf("expected DEGRADED with an open breaker, got %s", summary.Status)
	}
	if summary.UnacknowledgedAlerts != 1 || summary.TotalAlerts != 1 {
		t.Fatalf("unexpected alert counts: %+v", summary)
	}
	if len(summary.Breakers) != 1 {
		t.Fatalf("expected 1 breaker snapshot, got %d", len(summary.Breakers))
	}
}

func TestTracker_AlertQueueBounded(t *testing.T) {
	tracker, _, _, _ := testTracker(t, Config{MaxAlerts: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tracker.TriggerAlert(ctx, "ERROR_THRESHOLD", SeverityLow, nil)
	}
	if got := len(tracker.RecentAlerts(0)); got != 3 {
		t.Fatalf("expected queue capped at 3, got %d", got)
	}
}
