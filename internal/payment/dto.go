package payment

import (
	"time"

	"github.com/mesaya/payment-service/internal"
	"github.com/mesaya/payment-service/internal/core/common/validation"
	"github.com/mesaya/payment-service/internal/core/datamodel/payment"
)

// CreatePaymentRequest is the body of POST /api/payments. Amount is in minor units.
type CreatePaymentRequest struct {
	Amount         int64                  `json:"amount"`
	Currency       string                 `json:"currency"`
	Provider       string                 `json:"provider,omitempty"`
	PaymentType    string                 `json:"payment_type,omitempty"`
	ReservationID  string                 `json:"reservation_id,omitempty"`
	SubscriptionID string                 `json:"subscription_id,omitempty"`
	UserID         string                 `json:"user_id,omitempty"`
	PayerEmail     string                 `json:"payer_email,omitempty"`
	PayerName      string                 `json:"payer_name,omitempty"`
	Description    string                 `json:"description,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	SuccessURL     string                 `json:"success_url,omitempty"`
	CancelURL      string                 `json:"cancel_url,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

func (r *CreatePaymentRequest) Validate() error {
	v := validation.NewValidator()
	v.Field("amount", r.Amount).Required().MinInt(1, internal.ErrCodeInvalidAmount)
	v.Field("currency", r.Currency).Required()
	if appErr := v.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

func (r *CreatePaymentRequest) ToInput(idempotencyKey string) CreateInput {
	key := r.IdempotencyKey
	if idempotencyKey != "" {
		key = idempotencyKey
	}
	return CreateInput{
		AmountMinor:    r.Amount,
		Currency:       r.Currency,
		Provider:       r.Provider,
		PaymentType:    r.PaymentType,
		ReservationID:  r.ReservationID,
		SubscriptionID: r.SubscriptionID,
		UserID:         r.UserID,
		PayerEmail:     r.PayerEmail,
		PayerName:      r.PayerName,
		Description:    r.Description,
		Metadata:       r.Metadata,
		SuccessURL:     r.SuccessURL,
		CancelURL:      r.CancelURL,
		IdempotencyKey: key,
	}
}

type RefundPaymentRequest struct {
	Amount *int64 `json:"amount,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type PaymentResponse struct {
	ID                string                 `json:"id"`
	Amount            int64                  `json:"amount"`
	Currency          string                 `json:"currency"`
	Status            string                 `json:"status"`
	Provider          string                 `json:"provider"`
	ProviderPaymentID *string                `json:"provider_payment_id,omitempty"`
	PaymentType       string                 `json:"payment_type"`
	ReservationID     *string                `json:"reservation_id,omitempty"`
	SubscriptionID    *string                `json:"subscription_id,omitempty"`
	UserID            *string                `json:"user_id,omitempty"`
	PayerEmail        *string                `json:"payer_email,omitempty"`
	PayerName         *string                `json:"payer_name,omitempty"`
	Description       *string                `json:"description,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	CheckoutURL       *string                `json:"checkout_url,omitempty"`
	FailureReason     *string                `json:"failure_reason,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

func ToPaymentResponse(p *payment.Payment) PaymentResponse {
	return PaymentResponse{
		ID:                p.ID,
		Amount:            p.AmountMinor,
		Currency:          p.Currency,
		Status:            p.Status,
		Provider:          p.Provider,
		ProviderPaymentID: p.ProviderPaymentID,
		PaymentType:       p.PaymentType,
		ReservationID:     p.ReservationID,
		SubscriptionID:    p.SubscriptionID,
		UserID:            p.UserID,
		PayerEmail:        p.PayerEmail,
		PayerName:         p.PayerName,
		Description:       p.Description,
		Metadata:          p.Metadata,
		CheckoutURL:       p.CheckoutURL,
		FailureReason:     p.FailureReason,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

type PaymentListResponse struct {
	Payments []PaymentResponse `json:"payments"`
	Total    int               `json:"total"`
}
