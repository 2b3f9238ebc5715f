package domain

import (
	"time"

	"github.com/google/uuid"
)

// Notification represents a user notification
// Maps to CockroachDB notifications table
type Notification struct {
	NotificationID uuid.UUID              `json:"notification_id" db:"notification_id"`
	UserID         uuid.UUID              `json:"user_id" db:"user_id"`
	FromUserID     uuid.UUID              `json:"from_user_id" db:"from_user_id"`
	Type           string                 `json:"type" db:"type"` // missed_call
	Title          string                 `json:"title" db:"title"`
	Body           string                 `json:"body" db:"body"`
	Data           map[string]interface{} `json:"data,omitempty" db:"data"`
	IsRead         bool                   `json:"is_read" db:"is_read"`
	IsPushed       bool                   `json:"is_pushed" db:"is_pushed"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
}

// NotificationCreate represents data needed to create a notification
type NotificationCreate struct {
	UserID     uuid.UUID
	FromUserID uuid.UUID
	Type       string
	Title      string
	Body       string
	Data       map[string]interface{}
}
