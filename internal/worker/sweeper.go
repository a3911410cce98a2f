// Package worker runs the background sweep that enforces acknowledgment
// deadlines and expiry.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hardhatlabs/sitepulse/internal/audit"
	"github.com/hardhatlabs/sitepulse/internal/db"
)

type Repository interface {
	FindAckOverdue(ctx context.Context, now time.Time, limit int) ([]*db.Notification, error)
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*db.Notification, error)
	MarkFailed(ctx context.Context, id uuid.UUID, attempt int, errMsg string) (bool, error)
}

// Escalator is satisfied by the delivery coordinator.
type Escalator interface {
	Escalate(ctx context.Context, id uuid.UUID, reason string) error
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// Sweeper periodically escalates notifications whose acknowledgment window
// passed and fails PENDING notifications past their expiry.
type Sweeper struct {
	repo      Repository
	escalator Escalator
	recorder  audit.Recorder
	config    Config
	logger    *zap.Logger
	now       func() time.Time
}

func New(repo Repository, escalator Escalator, recorder audit.Recorder, cfg Config, logger *zap.Logger) *Sweeper {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	return &Sweeper{
		repo:      repo,
		escalator: escalator,
		recorder:  recorder,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Exported so tests can drive it without the ticker.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.escalateOverdue(ctx)
	s.failExpired(ctx)
}

func (s *Sweeper) escalateOverdue(ctx context.Context) {
	overdue, err := s.repo.FindAckOverdue(ctx, s.now(), s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to query ack-overdue notifications", zap.Error(err))
		return
	}
	for _, n := range overdue {
		if err := s.escalator.Escalate(ctx, n.ID, "ack_deadline_missed"); err != nil {
			s.logger.Error("failed to escalate overdue notification",
				zap.String("id", n.ID.String()),
				zap.Error(err),
			)
		}
	}
}

func (s *Sweeper) failExpired(ctx context.Context) {
	expired, err := s.repo.FindExpired(ctx, s.now(), s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to query expired notifications", zap.Error(err))
		return
	}
	for _, n := range expired {
		moved, err := s.repo.MarkFailed(ctx, n.ID, n.Attempt, "expired before delivery")
		if err != nil {
			s.logger.Error("failed to expire notification",
				zap.String("id", n.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if !moved {
			continue
		}
		rec := audit.New(audit.EventError, &n.ID, map[string]string{
			"reason": "expired",
		})
		if err := s.recorder.Append(ctx, rec); err != nil {
			s.logger.Warn("failed to audit expiry", zap.Error(err))
		}
		s.logger.Info("notification expired before delivery",
			zap.String("id", n.ID.String()),
		)
	}
}
