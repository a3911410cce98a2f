package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hardhatlabs/sitepulse/internal/alerting"
	"github.com/hardhatlabs/sitepulse/internal/audit"
	"github.com/hardhatlabs/sitepulse/internal/circuitbreaker"
	"github.com/hardhatlabs/sitepulse/internal/db"
	"github.com/hardhatlabs/sitepulse/internal/delivery"
	"github.com/hardhatlabs/sitepulse/internal/metrics"
	"github.com/hardhatlabs/sitepulse/internal/redis"
)

// Coordinator is the slice of the delivery coordinator the handlers use.
type Coordinator interface {
	Create(ctx context.Context, req delivery.CreateRequest) (*delivery.CreateResult, error)
	Acknowledge(ctx context.Context, id uuid.UUID, workerID uuid.UUID) error
}

// NotificationReader serves the read-only notification endpoints.
type NotificationReader interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListByRecipient(ctx context.Context, recipientID uuid.UUID, f db.Filter) ([]*db.Notification, error)
}

// CreateNotificationRequest is the incoming request body for a create call.
type CreateNotificationRequest struct {
	Type        string     `json:"type"`
	Priority    string     `json:"priority"`
	Channel     string     `json:"channel"`
	Recipients  []string   `json:"recipients"`
	Title       string     `json:"title"`
	Message     string     `json:"message"`
	RequiresAck bool       `json:"requires_ack"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	coordinator Coordinator
	reader      NotificationReader
	breakers    *circuitbreaker.Manager
	tracker     *alerting.Tracker
	recorder    audit.Recorder
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler. idempotency may be nil.
func NewHandler(
	logger *zap.Logger,
	coordinator Coordinator,
	reader NotificationReader,
	breakers *circuitbreaker.Manager,
	tracker *alerting.Tracker,
	recorder audit.Recorder,
	idempotency *redis.IdempotencyService,
) *Handler {
	return &Handler{
		logger:      logger,
		coordinator: coordinator,
		reader:      reader,
		breakers:    breakers,
		tracker:     tracker,
		recorder:    recorder,
		idempotency: idempotency,
	}
}

// CreateNotification handles POST /v1/notifications.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity, _ := IdentityFrom(ctx)
	if !identity.Role.CanCreate() {
		writeError(w, http.StatusForbidden, "forbidden", "Insufficient role",
			"only supervisors and admins may create notifications")
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req CreateNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Title == "" || len(req.Recipients) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields",
			"title and at least one recipient are required")
		return
	}
	if !db.ValidType(req.Type) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid type",
			"type must be one of: TASK_UPDATE, SITE_CHANGE, ATTENDANCE_ALERT, APPROVAL_STATUS")
		return
	}
	if !db.ValidPriority(req.Priority) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid priority",
			"priority must be one of: CRITICAL, HIGH, NORMAL, LOW")
		return
	}
	if !db.ValidChannel(req.Channel) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel",
			"channel must be push or sms")
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid expires_at",
			"expires_at must be in the future")
		return
	}

	recipients := make([]uuid.UUID, 0, len(req.Recipients))
	for _, raw := range req.Recipients {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient",
				"recipients must be valid UUIDs")
			return
		}
		recipients = append(recipients, id)
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, identity.CompanyID.String(), idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}
	}

	result, err := h.coordinator.Create(ctx, delivery.CreateRequest{
		Type:        req.Type,
		Priority:    req.Priority,
		Channel:     req.Channel,
		SenderID:    identity.UserID,
		CompanyID:   identity.CompanyID,
		Recipients:  recipients,
		Title:       req.Title,
		Message:     req.Message,
		RequiresAck: req.RequiresAck,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		h.logger.Error("failed to create notifications",
			zap.Error(err),
			zap.String("sender_id", identity.UserID.String()),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create notifications", "")
		return
	}

	h.logger.Info("notifications created",
		zap.String("sender_id", identity.UserID.String()),
		zap.Int("created", len(result.Created)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int("failed", len(result.Failed)),
	)

	body, _ := json.Marshal(result)

	if idempotencyKey != "" && h.idempotency != nil {
		stored := &redis.IdempotencyResult{
			Body:       body,
			StatusCode: http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, identity.CompanyID.String(), idempotencyKey, stored); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

// GetNotification handles GET /v1/notifications/{id}.
// With ?include_audit=true elevated roles also receive the audit trail.
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, _ := IdentityFrom(ctx)

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	n, err := h.reader.GetNotification(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to get notification", zap.Error(err), zap.String("id", id.String()))
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get notification", "")
		return
	}

	if n.RecipientID != identity.UserID && !identity.Role.CanViewAll() {
		// Hide existence from non-recipients.
		writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}

	resp := map[string]any{"notification": n}
	if r.URL.Query().Get("include_audit") == "true" && identity.Role.CanViewAll() {
		trail, err := h.recorder.Trail(ctx, id)
		if err != nil {
			h.logger.Warn("failed to load audit trail", zap.Error(err), zap.String("id", id.String()))
		} else {
			resp["audit"] = trail
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// ListNotifications handles GET /v1/notifications?recipient_id=&status=&type=&limit=&offset=
// Callers see their own notifications; elevated roles may list any recipient.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, _ := IdentityFrom(ctx)

	recipientID := identity.UserID
	if raw := r.URL.Query().Get("recipient_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_id", "recipient_id must be a valid UUID")
			return
		}
		if id != identity.UserID && !identity.Role.CanViewAll() {
			writeError(w, http.StatusForbidden, "forbidden", "Insufficient role",
				"only supervisors and admins may list other recipients' notifications")
			return
		}
		recipientID = id
	}

	f := db.Filter{
		Status: r.URL.Query().Get("status"),
		Type:   r.URL.Query().Get("type"),
		Limit:  20,
		Offset: 0,
	}
	if f.Status != "" && !db.ValidStatus(f.Status) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status filter", "")
		return
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			f.Limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			f.Offset = o
		}
	}

	notifications, err := h.reader.ListByRecipient(ctx, recipientID, f)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("recipient_id", recipientID.String()),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list notifications", "")
		return
	}
	if notifications == nil {
		notifications = []*db.Notification{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data":   notifications,
		"limit":  f.Limit,
		"offset": f.Offset,
		"count":  len(notifications),
	})
}

// AcknowledgeNotification handles POST /v1/notifications/{id}/ack.
// Acknowledging twice returns the same success response.
func (h *Handler) AcknowledgeNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, _ := IdentityFrom(ctx)

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	if err := h.coordinator.Acknowledge(ctx, id, identity.UserID); err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		case errors.Is(err, db.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "invalid_transition", "Notification cannot be acknowledged",
				err.Error())
		default:
			h.logger.Error("failed to acknowledge notification",
				zap.Error(err),
				zap.String("id", id.String()),
			)
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to acknowledge notification", "")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     id.String(),
		"status": db.StatusAcknowledged,
	})
}

// CircuitBreakerStatus handles GET /v1/ops/circuit-breakers
func (h *Handler) CircuitBreakerStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"circuit_breakers": h.breakers.StatusAll(),
	})
}

// ResetCircuitBreaker handles POST /v1/ops/circuit-breakers/{service}/reset
func (h *Handler) ResetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")

	if err := h.breakers.Reset(r.Context(), service); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "Unknown service", err.Error())
		return
	}

	identity, _ := IdentityFrom(r.Context())
	h.logger.Info("circuit breaker reset by operator",
		zap.String("service", service),
		zap.String("user_id", identity.UserID.String()),
	)

	snap, _ := h.breakers.Status(service)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(snap)
}

// HealthSummary handles GET /v1/ops/health
func (h *Handler) HealthSummary(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(h.tracker.HealthSummary())
}

// RecentAlerts handles GET /v1/ops/alerts?limit=
func (h *Handler) RecentAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	alerts := h.tracker.RecentAlerts(limit)
	if alerts == nil {
		alerts = []alerting.Alert{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data":  alerts,
		"count": len(alerts),
	})
}

// AcknowledgeAlert handles POST /v1/ops/alerts/{id}/ack
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid alert ID", "ID must be a valid UUID")
		return
	}

	if !h.tracker.AcknowledgeAlert(id) {
		writeError(w, http.StatusNotFound, "not_found", "Alert not found", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     id.String(),
		"status": "acknowledged",
	})
}

// ErrorStatistics handles GET /v1/ops/errors?hours=
func (h *Handler) ErrorStatistics(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if hoursStr := r.URL.Query().Get("hours"); hoursStr != "" {
		if v, err := strconv.Atoi(hoursStr); err == nil && v > 0 && v <= 24*30 {
			hours = v
		}
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	counts, err := h.recorder.CountEventsSince(r.Context(), since)
	if err != nil {
		h.logger.Error("failed to aggregate audit events", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to aggregate error statistics", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"window_hours": hours,
		"since":        since.UTC().Format(time.RFC3339),
		"events":       counts,
	})
}

func writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
