package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/stagepay/stagepay-backend/pkg/enums"
)

// Notification stores in-app notification payloads per recipient.
type Notification struct {
	ID          uuid.UUID              `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	RecipientID uuid.UUID              `gorm:"type:uuid;not null;uniqueIndex:idx_notifications_event_recipient,priority:2"`
	ProjectID   *uuid.UUID             `gorm:"type:uuid"`
	Type        enums.NotificationType `gorm:"type:notification_type;not null"`
	Title       string                 `gorm:"type:text;not null"`
	Message     string                 `gorm:"type:text;not null"`
	// EventID ties the row back to the originating outbox event so redelivered
	// messages do not insert duplicates.
	EventID   uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_notifications_event_recipient,priority:1"`
	ReadAt    *time.Time `gorm:"type:timestamptz"`
	CreatedAt time.Time  `gorm:"type:timestamptz;default:now()"`
}
