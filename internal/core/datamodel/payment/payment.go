package payment

import (
	"time"

	"gorm.io/datatypes"
)

const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusRefunded  = "refunded"
	StatusCancelled = "cancelled"
)

const (
	TypeReservation  = "reservation"
	TypeSubscription = "subscription"
)

type Payment struct {
	ID                string            `gorm:"primaryKey;type:varchar(36)"`
	AmountMinor       int64             `gorm:"column:amount_minor;not null"`
	Currency          string            `gorm:"column:currency;type:varchar(3);not null"`
	Status            string            `gorm:"column:status;not null;default:pending;index"`
	Provider          string            `gorm:"column:provider;not null"`
	ProviderPaymentID *string           `gorm:"column:provider_payment_id;uniqueIndex:idx_payments_provider_ref"`
	PaymentType       string            `gorm:"column:payment_type;not null;default:reservation"`
	ReservationID     *string           `gorm:"column:reservation_id;index"`
	SubscriptionID    *string           `gorm:"column:subscription_id"`
	UserID            *string           `gorm:"column:user_id"`
	PayerEmail        *string           `gorm:"column:payer_email"`
	PayerName         *string           `gorm:"column:payer_name"`
	Description       *string           `gorm:"column:description"`
	Metadata          datatypes.JSONMap `gorm:"column:metadata"`
	CheckoutURL       *string           `gorm:"column:checkout_url"`
	FailureReason     *string           `gorm:"column:failure_reason"`
	IdempotencyKey    *string           `gorm:"column:idempotency_key;uniqueIndex"`
	CreatedAt         time.Time         `gorm:"column:created_at"`
	UpdatedAt         time.Time         `gorm:"column:updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}
