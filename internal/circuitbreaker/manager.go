package circuitbreaker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hardhatlabs/sitepulse/internal/audit"
	"github.com/hardhatlabs/sitepulse/internal/metrics"
)

// OpenHandler is invoked after a breaker transitions to open, outside the
// breaker lock. Used to raise an admin alert.
type OpenHandler func(service string, snap Snapshot)

// Manager owns one Breaker per service name. Breaker state is process-wide
// and in-memory; running multiple instances requires externalizing it to a
// shared store with CAS semantics (documented scaling limitation).
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	cfg      Config
	logger   *zap.Logger
	recorder audit.Recorder
	onOpen   OpenHandler
	now      func() time.Time
}

// NewManager creates a manager with breakers registered for the given
// services. recorder may not be nil; onOpen may be.
func NewManager(cfg Config, services []string, recorder audit.Recorder, logger *zap.Logger) *Manager {
	m := &Manager{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		logger:   logger,
		recorder: recorder,
		now:      time.Now,
	}
	for _, svc := range services {
		m.breakers[svc] = newBreaker(svc, cfg, logger, m.clock)
	}

	logger.Info("circuit breakers registered",
		zap.Strings("services", services),
		zap.Int("failure_threshold", cfg.FailureThreshold),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
		zap.Int("half_open_max_calls", cfg.HalfOpenMaxCalls),
	)

	return m
}

// SetOpenHandler registers the hook fired when any breaker opens.
func (m *Manager) SetOpenHandler(h OpenHandler) {
	m.onOpen = h
}

// SetClock overrides the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Manager) clock() time.Time {
	return m.now()
}

func (m *Manager) breaker(service string) (*Breaker, error) {
	m.mu.RLock()
	b, ok := m.breakers[service]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown service %q", service)
	}
	return b, nil
}

// IsCallAllowed reports whether a call to the service may be attempted.
// Unknown services are allowed through; there is nothing to protect.
func (m *Manager) IsCallAllowed(ctx context.Context, service string) bool {
	b, err := m.breaker(service)
	if err != nil {
		return true
	}
	allowed, tr := b.allow()
	if tr.changed {
		m.record(ctx, tr)
	}
	return allowed
}

// RecordSuccess notes a successful call against the service's breaker.
func (m *Manager) RecordSuccess(ctx context.Context, service string) {
	b, err := m.breaker(service)
	if err != nil {
		return
	}
	m.record(ctx, b.recordSuccess())
}

// RecordFailure notes a failed call against the service's breaker.
func (m *Manager) RecordFailure(ctx context.Context, service string, cause error) {
	b, err := m.breaker(service)
	if err != nil {
		return
	}
	tr := b.recordFailure(cause)
	m.record(ctx, tr)
	if tr.opened && m.onOpen != nil {
		m.onOpen(service, tr.snap)
	}
}

// Status returns a snapshot of one breaker.
func (m *Manager) Status(service string) (Snapshot, error) {
	b, err := m.breaker(service)
	if err != nil {
		return Snapshot{}, err
	}
	return b.snapshot(), nil
}

// StatusAll returns snapshots for every registered breaker, sorted by
// service name.
func (m *Manager) StatusAll() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Snapshot, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, b.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Reset forces one breaker closed. Operator-triggered.
func (m *Manager) Reset(ctx context.Context, service string) error {
	b, err := m.breaker(service)
	if err != nil {
		return err
	}
	m.record(ctx, b.reset())
	return nil
}

// AnyDegraded reports whether any breaker is open or half-open.
func (m *Manager) AnyDegraded() bool {
	for _, snap := range m.StatusAll() {
		if snap.State != StateClosed.String() {
			return true
		}
	}
	return false
}

// record writes a CIRCUIT_BREAKER audit event. Audit failures are logged and
// swallowed; breaker decisions must not depend on storage health.
func (m *Manager) record(ctx context.Context, tr transition) {
	if tr.changed {
		metrics.RecordBreakerTransition(tr.snap.Service, tr.snap.State)
	}
	metrics.SetBreakerState(tr.snap.Service, int(tr.to))

	rec := audit.New(audit.EventCircuitBreaker, nil, tr.snap.metadata(tr.event))
	if err := m.recorder.Append(ctx, rec); err != nil {
		m.logger.Warn("failed to audit circuit breaker event",
			zap.Error(err),
			zap.String("service", tr.snap.Service),
			zap.String("event", tr.event),
		)
	}
}
