// Package circuitbreaker gates calls to the external services this system
// depends on (push gateway, SMS gateway, storage, generic APIs). One breaker
// exists per service name for the lifetime of the process.
package circuitbreaker

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Well-known service names, registered at startup.
const (
	ServicePush        = "PUSH"
	ServiceSMS         = "SMS"
	ServiceStorage     = "STORAGE"
	ServiceExternalAPI = "EXTERNAL_API"
)

// State represents the current state of a circuit breaker.
//
// State transitions:
//
//	Closed -> Open:      consecutive failures reach the threshold
//	Open -> HalfOpen:    first Allow call at/after nextAttemptTime (lazy)
//	HalfOpen -> Closed:  HalfOpenMaxCalls consecutive successes
//	HalfOpen -> Open:    any single failure
type State int

const (
	StateClosed   State = iota // Normal operation - calls pass through
	StateOpen                  // Circuit tripped - calls fail fast
	StateHalfOpen              // Recovery trial - limited calls allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned when a breaker is open and calls are being
// rejected to protect the downstream service.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the tunables shared by all breakers.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long an open circuit rejects calls before the
	// next Allow check moves it to half-open.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls bounds the trial calls admitted while half-open; the
	// same number of consecutive successes closes the circuit.
	HalfOpenMaxCalls int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Snapshot is a point-in-time copy of one breaker's state for status
// endpoints and audit metadata.
type Snapshot struct {
	Service             string     `json:"service"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureTime     *time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime     *time.Time `json:"last_success_time,omitempty"`
	NextAttemptTime     *time.Time `json:"next_attempt_time,omitempty"`
	HalfOpenTrialCount  int        `json:"half_open_trial_count"`
}

// Breaker is the per-service failure/recovery state machine. All state is
// guarded by mu; the read-check-then-record sequence of concurrent callers
// serializes here so the failure threshold cannot be slipped past.
type Breaker struct {
	mu      sync.Mutex
	service string
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time

	state               State
	consecutiveFailures int
	lastFailureTime     time.Time
	lastSuccessTime     time.Time
	nextAttemptTime     time.Time // zero unless open
	halfOpenTrialCount  int
	halfOpenSuccesses   int
}

func newBreaker(service string, cfg Config, logger *zap.Logger, now func() time.Time) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 3
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		service: service,
		cfg:     cfg,
		logger:  logger,
		now:     now,
		state:   StateClosed,
	}
}

// transition is what happened during one breaker call, captured under the
// lock and handed to the manager's hooks after the lock is released.
type transition struct {
	event    string // "allow", "success", "failure", "reset"
	from, to State
	changed  bool
	opened   bool // closed/half-open -> open on this call
	snap     Snapshot
}

// allow reports whether a call may proceed. An open breaker whose recovery
// timeout has elapsed moves to half-open here, on the check itself, not on a
// timer.
func (b *Breaker) allow() (bool, transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tr := transition{event: "allow", from: b.state}

	switch b.state {
	case StateClosed:
		tr.to = b.state
		tr.snap = b.snapshotLocked()
		return true, tr

	case StateOpen:
		if !b.now().Before(b.nextAttemptTime) {
			b.setStateLocked(StateHalfOpen)
			b.halfOpenTrialCount = 1
			tr.to, tr.changed = b.state, true
			tr.snap = b.snapshotLocked()
			return true, tr
		}
		tr.to = b.state
		tr.snap = b.snapshotLocked()
		return false, tr

	case StateHalfOpen:
		if b.halfOpenTrialCount < b.cfg.HalfOpenMaxCalls {
			b.halfOpenTrialCount++
			tr.to = b.state
			tr.snap = b.snapshotLocked()
			return true, tr
		}
		tr.to = b.state
		tr.snap = b.snapshotLocked()
		return false, tr

	default:
		tr.to = b.state
		tr.snap = b.snapshotLocked()
		return false, tr
	}
}

// recordSuccess notes a successful call. While closed the consecutive-failure
// counter is decremented rather than zeroed, so a single success does not
// erase a run of recent failures (flapping tolerance; see product note in
// DESIGN.md before changing this).
func (b *Breaker) recordSuccess() transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	tr := transition{event: "success", from: b.state}
	b.lastSuccessTime = b.now()

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures > 0 {
			b.consecutiveFailures--
		}

	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenMaxCalls {
			b.setStateLocked(StateClosed)
			b.consecutiveFailures = 0
			tr.changed = true
			b.logger.Info("circuit breaker closed - service recovered",
				zap.String("service", b.service),
			)
		}
	}

	tr.to = b.state
	tr.snap = b.snapshotLocked()
	return tr
}

// recordFailure notes a failed call, opening the circuit when the threshold
// is reached and immediately reopening a half-open circuit.
func (b *Breaker) recordFailure(err error) transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	tr := transition{event: "failure", from: b.state}
	b.lastFailureTime = b.now()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.setStateLocked(StateOpen)
			b.nextAttemptTime = b.now().Add(b.cfg.RecoveryTimeout)
			tr.changed, tr.opened = true, true
			b.logger.Warn("circuit breaker OPENED - too many failures",
				zap.String("service", b.service),
				zap.Int("failures", b.consecutiveFailures),
				zap.Int("threshold", b.cfg.FailureThreshold),
				zap.Error(err),
			)
		}

	case StateHalfOpen:
		// Trial failed - service still down, reopen with a fresh window.
		b.setStateLocked(StateOpen)
		b.nextAttemptTime = b.now().Add(b.cfg.RecoveryTimeout)
		tr.changed, tr.opened = true, true
		b.logger.Warn("circuit breaker re-opened - trial call failed",
			zap.String("service", b.service),
			zap.Error(err),
		)
	}

	tr.to = b.state
	tr.snap = b.snapshotLocked()
	return tr
}

// reset forces the breaker closed. Operator override only.
func (b *Breaker) reset() transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	tr := transition{event: "reset", from: b.state}
	changed := b.state != StateClosed
	b.setStateLocked(StateClosed)
	b.consecutiveFailures = 0
	tr.to, tr.changed = b.state, changed
	tr.snap = b.snapshotLocked()

	b.logger.Info("circuit breaker manually reset",
		zap.String("service", b.service),
	)
	return tr
}

func (b *Breaker) snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Breaker) snapshotLocked() Snapshot {
	s := Snapshot{
		Service:             b.service,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		HalfOpenTrialCount:  b.halfOpenTrialCount,
	}
	if !b.lastFailureTime.IsZero() {
		t := b.lastFailureTime
		s.LastFailureTime = &t
	}
	if !b.lastSuccessTime.IsZero() {
		t := b.lastSuccessTime
		s.LastSuccessTime = &t
	}
	if b.state == StateOpen {
		t := b.nextAttemptTime
		s.NextAttemptTime = &t
	}
	return s
}

// setStateLocked changes state and resets the half-open bookkeeping.
// Must be called with mu held.
func (b *Breaker) setStateLocked(newState State) {
	if b.state == newState {
		return
	}
	oldState := b.state
	b.state = newState
	b.halfOpenTrialCount = 0
	b.halfOpenSuccesses = 0
	if newState != StateOpen {
		b.nextAttemptTime = time.Time{}
	}

	b.logger.Debug("circuit breaker state transition",
		zap.String("service", b.service),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)
}

// String returns a human-readable representation.
func (b *Breaker) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		b.service, b.state, b.consecutiveFailures, b.cfg.FailureThreshold)
}

func (s Snapshot) metadata(event string) map[string]string {
	md := map[string]string{
		"service":              s.Service,
		"event":                event,
		"state":                s.State,
		"consecutive_failures": strconv.Itoa(s.ConsecutiveFailures),
	}
	if s.NextAttemptTime != nil {
		md["next_attempt_time"] = s.NextAttemptTime.UTC().Format(time.RFC3339)
	}
	return md
}
