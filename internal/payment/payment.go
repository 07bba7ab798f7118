package payment

import (
	"context"
	"time"

	"github.com/mesaya/payment-service/internal/core/datamodel/payment"
)

var SupportedCurrencies = []string{"usd", "eur", "mxn"}

// Repository persists payments. Lookups return internal.ErrPaymentNotFound when absent.
type Repository interface {
	Create(ctx context.Context, p *payment.Payment) error
	GetByID(ctx context.Context, id string) (*payment.Payment, error)
	GetByProviderPaymentID(ctx context.Context, providerPaymentID string) (*payment.Payment, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*payment.Payment, error)
	ListByReservation(ctx context.Context, reservationID string) ([]*payment.Payment, error)
	// AttachIntent sets the provider reference only if none is set yet.
	AttachIntent(ctx context.Context, id, providerPaymentID, checkoutURL string) error
	// UpdateStatus moves a payment from one status to another and fails with Conflict
	// when the stored status is no longer from.
	UpdateStatus(ctx context.Context, id, from, to string, change StatusChange) error
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*payment.Payment, error)
}

type StatusChange struct {
	FailureReason     *string
	ProviderPaymentID *string
}

// ServiceAPI is what the HTTP layer and the webhook dispatcher use.
type ServiceAPI interface {
	Create(ctx context.Context, in CreateInput) (*payment.Payment, bool, error)
	Get(ctx context.Context, id string) (*payment.Payment, error)
	GetByProviderPaymentID(ctx context.Context, providerPaymentID string) (*payment.Payment, error)
	ListByReservation(ctx context.Context, reservationID string) ([]*payment.Payment, error)
	Verify(ctx context.Context, id string) (*VerifyResult, error)
	Cancel(ctx context.Context, id, idempotencyKey string) (*CancelResult, error)
	Refund(ctx context.Context, id string, amountMinor *int64, idempotencyKey string) (*RefundResult, error)
	ApplyProviderResult(ctx context.Context, sig Signal) (*TransitionResult, error)
}

type CreateInput struct {
	AmountMinor    int64
	Currency       string
	Provider       string
	PaymentType    string
	ReservationID  string
	SubscriptionID string
	UserID         string
	PayerEmail     string
	PayerName      string
	Description    string
	Metadata       map[string]interface{}
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// Signal is an observed provider status from a webhook, a provider call or reconciliation.
// Either PaymentID or ProviderPaymentID identifies the payment.
type Signal struct {
	PaymentID         string
	ProviderPaymentID string
	Status            string
	FailureReason     string
	Source            string
}

type TransitionResult struct {
	Payment        *payment.Payment `json:"-"`
	PaymentID      string           `json:"payment_id"`
	PreviousStatus string           `json:"previous_status"`
	CurrentStatus  string           `json:"current_status"`
	Transitioned   bool             `json:"transitioned"`
}

type VerifyResult struct {
	PaymentID      string `json:"payment_id"`
	PreviousStatus string `json:"previous_status"`
	CurrentStatus  string `json:"current_status"`
	RemoteStatus   string `json:"remote_status,omitempty"`
	Synchronized   bool   `json:"synchronized"`
}

type CancelResult struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	Cancelled bool   `json:"cancelled"`
}

type RefundResult struct {
	PaymentID   string `json:"payment_id"`
	RefundID    string `json:"refund_id"`
	Refunded    bool   `json:"refunded"`
	AmountMinor int64  `json:"amount"`
	Status      string `json:"status"`
}
