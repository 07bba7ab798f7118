package idempotency

import (
	"time"

	"gorm.io/datatypes"
)

const (
	StateInProgress = "in_progress"
	StateCompleted  = "completed"
)

type Record struct {
	Key       string         `gorm:"primaryKey;column:idempotency_key;type:varchar(255)"`
	State     string         `gorm:"column:state;not null"`
	Result    datatypes.JSON `gorm:"column:result"`
	ExpiresAt time.Time      `gorm:"column:expires_at;not null;index"`
	CreatedAt time.Time      `gorm:"column:created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at"`
}

func (Record) TableName() string {
	return "idempotency_records"
}
