package delivery

import (
	"time"

	"gorm.io/datatypes"
)

const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Delivery is one outbound webhook owed to one partner.
type Delivery struct {
	ID            string         `gorm:"primaryKey;type:varchar(36)"`
	PartnerID     string         `gorm:"column:partner_id;not null;uniqueIndex:idx_deliveries_partner_event"`
	EventID       string         `gorm:"column:event_id;not null;uniqueIndex:idx_deliveries_partner_event"`
	EventType     string         `gorm:"column:event_type;not null"`
	Payload       datatypes.JSON `gorm:"column:payload;not null"`
	Status        string         `gorm:"column:status;not null;default:pending;index"`
	Attempts      int            `gorm:"column:attempts;not null;default:0"`
	LastError     *string        `gorm:"column:last_error"`
	LastStatus    *int           `gorm:"column:last_status_code"`
	NextAttemptAt time.Time      `gorm:"column:next_attempt_at;not null;index"`
	DeliveredAt   *time.Time     `gorm:"column:delivered_at"`
	CreatedAt     time.Time      `gorm:"column:created_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at"`
}

func (Delivery) TableName() string {
	return "partner_deliveries"
}
