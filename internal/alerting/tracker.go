// Package alerting tracks delivery errors in a sliding window and raises
// throttled admin alerts when failure thresholds are crossed.
package alerting

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hardhatlabs/sitepulse/internal/audit"
	"github.com/hardhatlabs/sitepulse/internal/circuitbreaker"
	"github.com/hardhatlabs/sitepulse/internal/metrics"
)

// Severity grades an error or alert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is an admin-facing incident notice, held in an in-memory queue and
// mirrored into the audit log.
type Alert struct {
	ID             uuid.UUID         `json:"id"`
	Type           string            `json:"type"`
	Severity       Severity          `json:"severity"`
	Timestamp      time.Time         `json:"timestamp"`
	Data           map[string]string `json:"data,omitempty"`
	Acknowledged   bool              `json:"acknowledged"`
	AcknowledgedAt *time.Time        `json:"acknowledged_at,omitempty"`
}

// Publisher fans an alert out to an external channel (SNS ops topic).
type Publisher interface {
	PublishAlert(ctx context.Context, alert Alert) error
}

// Config holds the alerting thresholds.
type Config struct {
	// Window is the sliding interval over which occurrences are counted.
	Window time.Duration
	// CriticalErrorThreshold raises an alert when this many critical-severity
	// occurrences land in the window for one (service, code) key.
	CriticalErrorThreshold int
	// AdminAlertThreshold raises an alert at this many total occurrences.
	AdminAlertThreshold int
	// Cooldown throttles repeat alerts per (service, code) key.
	Cooldown time.Duration
	// MaxAlerts bounds the in-memory alert queue.
	MaxAlerts int
}

func DefaultConfig() Config {
	return Config{
		Window:                 5 * time.Minute,
		CriticalErrorThreshold: 5,
		AdminAlertThreshold:    10,
		Cooldown:               5 * time.Minute,
		MaxAlerts:              200,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.CriticalErrorThreshold <= 0 {
		c.CriticalErrorThreshold = d.CriticalErrorThreshold
	}
	if c.AdminAlertThreshold <= 0 {
		c.AdminAlertThreshold = d.AdminAlertThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxAlerts <= 0 {
		c.MaxAlerts = d.MaxAlerts
	}
	return c
}

type occurrence struct {
	at       time.Time
	severity Severity
}

// HealthSummary is the aggregated operator view.
type HealthSummary struct {
	Status               string                    `json:"status"` // HEALTHY or DEGRADED
	Breakers             []circuitbreaker.Snapshot `json:"circuit_breakers"`
	UnacknowledgedAlerts int                       `json:"unacknowledged_alerts"`
	TotalAlerts          int                       `json:"total_alerts"`
	GeneratedAt          time.Time                 `json:"generated_at"`
}

// Tracker is the error and alert hub. All state is in-process; in a
// multi-instance deployment each instance alerts on its own traffic.
type Tracker struct {
	cfg       Config
	breakers  *circuitbreaker.Manager
	recorder  audit.Recorder
	publisher Publisher // nil disables fan-out
	logger    *zap.Logger
	now       func() time.Time

	mu          sync.Mutex
	occurrences map[string][]occurrence // (service|code) -> timestamps in window
	lastAlertAt map[string]time.Time    // cooldown bookkeeping per key
	alerts      []Alert                 // newest last, capped at MaxAlerts
}

func NewTracker(cfg Config, breakers *circuitbreaker.Manager, recorder audit.Recorder, publisher Publisher, logger *zap.Logger) *Tracker {
	return &Tracker{
		cfg:         cfg.withDefaults(),
		breakers:    breakers,
		recorder:    recorder,
		publisher:   publisher,
		logger:      logger,
		now:         time.Now,
		occurrences: make(map[string][]occurrence),
		lastAlertAt: make(map[string]time.Time),
	}
}

// SetClock overrides the time source. Tests only.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// LogError writes an ERROR audit record and feeds the occurrence into the
// alerting window. Every failure path in the engine funnels through here
// before propagating.
func (t *Tracker) LogError(ctx context.Context, service, code string, cause error, severity Severity, notificationID *uuid.UUID) {
	md := map[string]string{
		"service":  service,
		"code":     code,
		"severity": string(severity),
	}
	if cause != nil {
		md["error"] = cause.Error()
	}
	rec := audit.New(audit.EventError, notificationID, md)
	if err := t.recorder.Append(ctx, rec); err != nil {
		t.logger.Warn("failed to audit error", zap.Error(err))
	}

	t.logger.Error("delivery error tracked",
		zap.String("service", service),
		zap.String("code", code),
		zap.String("severity", string(severity)),
		zap.Error(cause),
	)

	t.TrackError(ctx, service, code, severity)
}

// TrackError records an occurrence and raises an admin alert when either
// threshold is crossed, subject to the per-key cooldown.
func (t *Tracker) TrackError(ctx context.Context, service, code string, severity Severity) {
	key := service + "|" + code
	now := t.now()

	t.mu.Lock()
	cutoff := now.Add(-t.cfg.Window)
	window := t.occurrences[key][:0]
	for _, occ := range t.occurrences[key] {
		if occ.at.After(cutoff) {
			window = append(window, occ)
		}
	}
	window = append(window, occurrence{at: now, severity: severity})
	t.occurrences[key] = window

	total := len(window)
	critical := 0
	for _, occ := range window {
		if occ.severity == SeverityCritical {
			critical++
		}
	}

	trip := critical >= t.cfg.CriticalErrorThreshold || total >= t.cfg.AdminAlertThreshold
	inCooldown := false
	if trip {
		if last, ok := t.lastAlertAt[key]; ok && now.Sub(last) < t.cfg.Cooldown {
			inCooldown = true
		} else {
			t.lastAlertAt[key] = now
		}
	}
	t.mu.Unlock()

	if !trip || inCooldown {
		return
	}

	severity = SeverityHigh
	if critical >= t.cfg.CriticalErrorThreshold {
		severity = SeverityCritical
	}
	t.TriggerAlert(ctx, "ERROR_THRESHOLD", severity, map[string]string{
		"service":         service,
		"code":            code,
		"window_total":    strconv.Itoa(total),
		"window_critical": strconv.Itoa(critical),
	})
}

// TriggerAlert queues an admin alert, audits it, and fans it out to the
// configured publisher. Returns the queued alert so callers and tests can
// assert on it without log scraping.
func (t *Tracker) TriggerAlert(ctx context.Context, alertType string, severity Severity, data map[string]string) Alert {
	alert := Alert{
		ID:        uuid.New(),
		Type:      alertType,
		Severity:  severity,
		Timestamp: t.now(),
		Data:      data,
	}

	t.mu.Lock()
	t.alerts = append(t.alerts, alert)
	if len(t.alerts) > t.cfg.MaxAlerts {
		t.alerts = t.alerts[len(t.alerts)-t.cfg.MaxAlerts:]
	}
	t.mu.Unlock()

	metrics.RecordAdminAlert(string(severity))

	md := map[string]string{
		"alert_id": alert.ID.String(),
		"type":     alertType,
		"severity": string(severity),
	}
	for k, v := range data {
		md[k] = v
	}
	if err := t.recorder.Append(ctx, audit.New(audit.EventAdminAlert, nil, md)); err != nil {
		t.logger.Warn("failed to audit admin alert", zap.Error(err))
	}

	t.logger.Warn("admin alert raised",
		zap.String("type", alertType),
		zap.String("severity", string(severity)),
		zap.Any("data", data),
	)

	if t.publisher != nil {
		if err := t.publisher.PublishAlert(ctx, alert); err != nil {
			t.logger.Warn("failed to publish admin alert", zap.Error(err))
		}
	}

	return alert
}

// RecentAlerts returns up to limit alerts, newest first.
func (t *Tracker) RecentAlerts(limit int) []Alert {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.alerts) {
		limit = len(t.alerts)
	}
	out := make([]Alert, 0, limit)
	for i := len(t.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, t.alerts[i])
	}
	return out
}

// AcknowledgeAlert marks an alert acknowledged. Acknowledging twice is a
// no-op success.
func (t *Tracker) AcknowledgeAlert(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.alerts {
		if t.alerts[i].ID != id {
			continue
		}
		if !t.alerts[i].Acknowledged {
			now := t.now()
			t.alerts[i].Acknowledged = true
			t.alerts[i].AcknowledgedAt = &now
		}
		return true
	}
	return false
}

// HealthSummary aggregates breaker states and alert backlog into a single
// verdict: DEGRADED if any breaker is not closed.
func (t *Tracker) HealthSummary() HealthSummary {
	snaps := t.breakers.StatusAll()

	status := "HEALTHY"
	for _, s := range snaps {
		if s.State != circuitbreaker.StateClosed.String() {
			status = "DEGRADED"
			break
		}
	}

	t.mu.Lock()
	unacked := 0
	for _, a := range t.alerts {
		if !a.Acknowledged {
			unacked++
		}
	}
	total := len(t.alerts)
	t.mu.Unlock()

	return HealthSummary{
		Status:               status,
		Breakers:             snaps,
		UnacknowledgedAlerts: unacked,
		TotalAlerts:          total,
		GeneratedAt:          t.now(),
	}
}
