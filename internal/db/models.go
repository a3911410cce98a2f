package db

import (
	"time"

	"github.com/google/uuid"

	"github.com/hardhatlabs/sitepulse/internal/content"
)

// Notification statuses. A notification only moves forward:
// PENDING -> {DELIVERED, FAILED} -> ESCALATED -> ACKNOWLEDGED.
// SKIPPED is terminal at creation (daily limit), outside the chain.
const (
	StatusPending      = "PENDING"
	StatusDelivered    = "DELIVERED"
	StatusFailed       = "FAILED"
	StatusEscalated    = "ESCALATED"
	StatusAcknowledged = "ACKNOWLEDGED"
	StatusSkipped      = "SKIPPED"
)

// Notification types raised by the site controllers.
const (
	TypeTaskUpdate      = "TASK_UPDATE"
	TypeSiteChange      = "SITE_CHANGE"
	TypeAttendanceAlert = "ATTENDANCE_ALERT"
	TypeApprovalStatus  = "APPROVAL_STATUS"
)

// Priorities, mapped to delivery+acknowledgment deadlines by the coordinator.
const (
	PriorityCritical = "CRITICAL"
	PriorityHigh     = "HIGH"
	PriorityNormal   = "NORMAL"
	PriorityLow      = "LOW"
)

// Delivery channels.
const (
	ChannelPush = "push"
	ChannelSMS  = "sms"
)

// ValidType reports whether t is a known notification type.
func ValidType(t string) bool {
	switch t {
	case TypeTaskUpdate, TypeSiteChange, TypeAttendanceAlert, TypeApprovalStatus:
		return true
	}
	return false
}

// ValidPriority reports whether p is a known priority.
func ValidPriority(p string) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// ValidChannel reports whether c is a known delivery channel.
func ValidChannel(c string) bool {
	return c == ChannelPush || c == ChannelSMS
}

// ValidStatus reports whether s is a known notification status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusDelivered, StatusFailed, StatusEscalated, StatusAcknowledged, StatusSkipped:
		return true
	}
	return false
}

// Notification is one alert addressed to one recipient. Message bodies are
// stored sealed (encrypted when a content key is configured).
type Notification struct {
	ID           uuid.UUID      `json:"id"`
	Type         string         `json:"type"`
	Priority     string         `json:"priority"`
	Channel      string         `json:"channel"`
	SenderID     uuid.UUID      `json:"sender_id"`
	RecipientID  uuid.UUID      `json:"recipient_id"`
	CompanyID    uuid.UUID      `json:"company_id"`
	Title        string         `json:"title"`
	Message      content.Sealed `json:"message"`
	Status       string         `json:"status"`
	RequiresAck  bool           `json:"requires_acknowledgment"`
	Attempt      int            `json:"attempt"`
	ErrorMessage *string        `json:"error_message,omitempty"`

	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	AckDeadlineAt  *time.Time `json:"ack_deadline_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	EscalatedAt    *time.Time `json:"escalated_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
