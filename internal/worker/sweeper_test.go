package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hardhatlabs/sitepulse/internal/audit"
	"github.com/hardhatlabs/sitepulse/internal/db"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

type sweepRepo struct {
	overdue     []*db.Notification
	expired     []*db.Notification
	queryErr    error
	failedIDs   []uuid.UUID
	markOutcome bool
	markErr     error
}

func (r *sweepRepo) FindAckOverdue(_ context.Context, _ time.Time, _ int) ([]*db.Notification, error) {
	return r.overdue, r.queryErr
}

func (r *sweepRepo) FindExpired(_ context.Context, _ time.Time, _ int) ([]*db.Notification, error) {
	return r.expired, r.queryErr
}

func (r *sweepRepo) MarkFailed(_ context.Context, id uuid.UUID, _ int, _ string) (bool, error) {
	if r.markErr != nil {
		return false, r.markErr
	}
	if r.markOutcome {
		r.failedIDs = append(r.failedIDs, id)
	}
	return r.markOutcome, nil
}

type sweepEscalator struct {
	reasons map[uuid.UUID]string
	err     error
}

func (e *sweepEscalator) Escalate(_ context.Context, id uuid.UUID, reason string) error {
	if e.err != nil {
		return e.err
	}
	if e.reasons == nil {
		e.reasons = make(map[uuid.UUID]string)
	}
	e.reasons[id] = reason
	return nil
}

func TestSweep_EscalatesOverdueAcks(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	repo := &sweepRepo{
		overdue: []*db.Notification{{ID: a}, {ID: b}},
	}
	escalator := &sweepEscalator{}
	recorder := audit.NewMemoryRecorder()

	s := New(repo, escalator, recorder, Config{}, testLogger())
	s.Sweep(context.Background())

	if len(escalator.reasons) != 2 {
		t.Fatalf("escalated %d notifications, want 2", len(escalator.reasons))
	}
	for _, id := range []uuid.UUID{a, b} {
		if escalator.reasons[id] != "ack_deadline_missed" {
			t.Fatalf("reason for %s = %q", id, escalator.reasons[id])
		}
	}
}

func TestSweep_FailsExpiredPending(t *testing.T) {
	id := uuid.New()
	repo := &sweepRepo{
		expired:     []*db.Notification{{ID: id, Attempt: 2}},
		markOutcome: true,
	}
	recorder := audit.NewMemoryRecorder()

	s := New(repo, &sweepEscalator{}, recorder, Config{}, testLogger())
	s.Sweep(context.Background())

	if len(repo.failedIDs) != 1 || repo.failedIDs[0] != id {
		t.Fatalf("failed IDs = %v, want [%s]", repo.failedIDs, id)
	}
	if got := recorder.CountEvent(audit.EventError, &id); got != 1 {
		t.Fatalf("expected 1 ERROR audit record, got %d", got)
	}
	trail, err := recorder.Trail(context.Background(), id)
	if err != nil {
		t.Fatalf("trail failed: %v", err)
	}
	if trail[0].Metadata["reason"] != "expired" {
		t.Fatalf("metadata reason = %q", trail[0].Metadata["reason"])
	}
}

func TestSweep_SkipsAuditWhenRowAlreadyMoved(t *testing.T) {
	// A concurrent delivery can settle the row between the query and the
	// update; the conditional MarkFailed returns false and nothing is audited.
	id := uuid.New()
	repo := &sweepRepo{
		expired:     []*db.Notification{{ID: id}},
		markOutcome: false,
	}
	recorder := audit.NewMemoryRecorder()

	s := New(repo, &sweepEscalator{}, recorder, Config{}, testLogger())
	s.Sweep(context.Background())

	if got := recorder.CountEvent(audit.EventError, &id); got != 0 {
		t.Fatalf("expected no audit records for a lost race, got %d", got)
	}
}

func TestSweep_ContinuesPastEscalationError(t *testing.T) {
	repo := &sweepRepo{
		overdue: []*db.Notification{{ID: uuid.New()}},
		expired: []*db.Notification{{ID: uuid.New(), Attempt: 1}},
	}
	repo.markOutcome = true
	escalator := &sweepEscalator{err: errors.New("smtp unavailable")}
	recorder := audit.NewMemoryRecorder()

	s := New(repo, escalator, recorder, Config{}, testLogger())
	s.Sweep(context.Background())

	// The expiry half of the sweep still runs.
	if len(repo.failedIDs) != 1 {
		t.Fatalf("expiry pass skipped after escalation error, failed=%v", repo.failedIDs)
	}
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	repo := &sweepRepo{}
	s := New(repo, &sweepEscalator{}, audit.NewMemoryRecorder(), Config{PollInterval: 10 * time.Millisecond}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop on context cancellation")
	}
}
