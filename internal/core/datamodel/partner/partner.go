package partner

import (
	"time"

	"gorm.io/datatypes"
)

const (
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusSuspended = "suspended"
)

type Partner struct {
	ID                      string                      `gorm:"primaryKey;type:varchar(36)"`
	Name                    string                      `gorm:"column:name;not null"`
	WebhookURL              string                      `gorm:"column:webhook_url;not null"`
	Events                  datatypes.JSONSlice[string] `gorm:"column:events"`
	Secret                  string                      `gorm:"column:secret;not null"`
	PreviousSecret          *string                     `gorm:"column:previous_secret"`
	PreviousSecretExpiresAt *time.Time                  `gorm:"column:previous_secret_expires_at"`
	Status                  string                      `gorm:"column:status;not null;default:active;index"`
	Description             *string                     `gorm:"column:description"`
	ContactEmail            *string                     `gorm:"column:contact_email"`
	TotalWebhooksSent       int64                       `gorm:"column:total_webhooks_sent;not null;default:0"`
	ConsecutiveFailures     int                         `gorm:"column:consecutive_failures;not null;default:0"`
	LastWebhookAt           *time.Time                  `gorm:"column:last_webhook_at"`
	CreatedAt               time.Time                   `gorm:"column:created_at"`
	UpdatedAt               time.Time                   `gorm:"column:updated_at"`
}

func (Partner) TableName() string {
	return "partners"
}
