package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	OutboxStatusPending   = "pending"
	OutboxStatusPublished = "published"
	OutboxStatusFailed    = "failed"
)

const EventTypeNotificationSent = "notification.sent"

// NotificationEvent is an outbox row written in the same transaction as the
// trigger status change it describes.
type NotificationEvent struct {
	EventID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	EventType   string    `gorm:"not null"`
	TriggerID   string    `gorm:"type:varchar(255);not null;index"`
	Payload     JSONB     `gorm:"type:jsonb;not null"`
	Status      string    `gorm:"not null;default:'pending';index"`
	CreatedAt   time.Time `gorm:"not null"`
	PublishedAt *time.Time
}

func (NotificationEvent) TableName() string {
	return "notification_events"
}
