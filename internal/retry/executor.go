// Package retry wraps single delivery attempts in exponential-backoff-with-
// jitter retries, consulting the circuit breaker before each attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hardhatlabs/sitepulse/internal/audit"
	"github.com/hardhatlabs/sitepulse/internal/circuitbreaker"
)

// Error kinds that are never worth retrying. Callers (transport adapters,
// validation layers) wrap these with %w so the executor can classify
// failures with errors.Is.
var (
	ErrValidation     = errors.New("validation failed")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrMalformedInput = errors.New("malformed input")
	ErrSenderMismatch = errors.New("sender mismatch")
)

// ErrAborted is returned when the caller's abort condition fired between
// attempts (notification expired, acknowledged or escalated elsewhere).
var ErrAborted = errors.New("retry sequence aborted")

// Retryable reports whether an error is worth another attempt.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrMalformedInput),
		errors.Is(err, ErrSenderMismatch),
		errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return false
	}
	return true
}

// Config holds the backoff tunables. Zero values fall back to the documented
// defaults.
type Config struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFactor      float64
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		BaseDelay:         1000 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = d.JitterFactor
	}
	return c
}

// Delay returns the pre-jitter backoff for a 1-based attempt number:
// min(base * multiplier^(attempt-1), max).
func (c Config) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return c.BaseDelay
	}
	d := float64(c.BaseDelay) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	if d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Operation is a single-attempt unit of work. attempt is 1-based.
type Operation func(ctx context.Context, attempt int) error

// Options tailor one Execute call.
type Options struct {
	// NotificationID scopes the RETRY audit records, nil for system work.
	NotificationID *uuid.UUID

	// Abort is checked between attempts (not only at the start). Returning a
	// non-empty reason cancels the sequence with ErrAborted.
	Abort func(ctx context.Context) (reason string)
}

// Executor runs operations with retries. No shared lock is held while
// sleeping between attempts; breaker state is only touched through the
// manager's own locking.
type Executor struct {
	breakers *circuitbreaker.Manager
	recorder audit.Recorder
	cfg      Config
	logger   *zap.Logger

	mu   sync.Mutex
	rand *rand.Rand
	// sleep is swapped out in tests to avoid real waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(cfg Config, breakers *circuitbreaker.Manager, recorder audit.Recorder, logger *zap.Logger) *Executor {
	return &Executor{
		breakers: breakers,
		recorder: recorder,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    sleepCtx,
	}
}

// SetSleep overrides the inter-attempt wait. Tests only.
func (e *Executor) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	e.sleep = fn
}

// Execute runs op against the named service until it succeeds, a
// non-retryable error occurs, attempts are exhausted, or the sequence is
// cancelled. Attempts for one call are strictly sequential.
func (e *Executor) Execute(ctx context.Context, service string, op Operation, opts Options) error {
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrAborted, err)
		}
		if opts.Abort != nil {
			if reason := opts.Abort(ctx); reason != "" {
				e.audit(ctx, opts.NotificationID, map[string]string{
					"service": service,
					"outcome": "ABORTED",
					"reason":  reason,
					"attempt": strconv.Itoa(attempt),
				})
				return fmt.Errorf("%w: %s", ErrAborted, reason)
			}
		}

		// A tripped breaker means no attempt is made and no failure is
		// recorded against it; it already reflects the degraded state.
		if !e.breakers.IsCallAllowed(ctx, service) {
			e.audit(ctx, opts.NotificationID, map[string]string{
				"service": service,
				"outcome": "REJECTED",
				"reason":  "circuit_open",
				"attempt": strconv.Itoa(attempt),
			})
			return fmt.Errorf("%w: %s unavailable", circuitbreaker.ErrCircuitOpen, service)
		}

		err := op(ctx, attempt)
		if err == nil {
			e.breakers.RecordSuccess(ctx, service)
			if attempt > 1 {
				e.audit(ctx, opts.NotificationID, map[string]string{
					"service": service,
					"outcome": "SUCCESS",
					"attempt": strconv.Itoa(attempt),
				})
			}
			return nil
		}

		lastErr = err
		e.breakers.RecordFailure(ctx, service, err)

		if !Retryable(err) {
			e.audit(ctx, opts.NotificationID, map[string]string{
				"service": service,
				"outcome": "EXHAUSTED",
				"reason":  "non_retryable",
				"attempt": strconv.Itoa(attempt),
				"error":   err.Error(),
			})
			return err
		}

		if attempt == e.cfg.MaxAttempts {
			break
		}

		delay := e.jittered(e.cfg.Delay(attempt))
		e.audit(ctx, opts.NotificationID, map[string]string{
			"service":  service,
			"outcome":  "RETRY_SCHEDULED",
			"attempt":  strconv.Itoa(attempt),
			"delay_ms": strconv.FormatInt(delay.Milliseconds(), 10),
			"error":    err.Error(),
		})
		e.logger.Debug("retrying after backoff",
			zap.String("service", service),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		if err := e.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w: %v", ErrAborted, err)
		}
	}

	e.audit(ctx, opts.NotificationID, map[string]string{
		"service": service,
		"outcome": "EXHAUSTED",
		"reason":  "max_attempts",
		"attempt": strconv.Itoa(e.cfg.MaxAttempts),
		"error":   lastErr.Error(),
	})
	return fmt.Errorf("all %d attempts failed: %w", e.cfg.MaxAttempts, lastErr)
}

func (e *Executor) jittered(d time.Duration) time.Duration {
	if e.cfg.JitterFactor <= 0 {
		return d
	}
	e.mu.Lock()
	f := e.rand.Float64()
	e.mu.Unlock()
	return d + time.Duration(float64(d)*e.cfg.JitterFactor*f)
}

func (e *Executor) audit(ctx context.Context, notificationID *uuid.UUID, md map[string]string) {
	rec := audit.New(audit.EventRetry, notificationID, md)
	if err := e.recorder.Append(ctx, rec); err != nil {
		e.logger.Warn("failed to audit retry event", zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
