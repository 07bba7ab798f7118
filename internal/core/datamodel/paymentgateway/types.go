package paymentgateway

import (
	"errors"
)

// PaymentStatus is the gateway-side status normalized to the payment lifecycle.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

type IntentRequest struct {
	AmountMinor    int64             `json:"amount"`
	Currency       string            `json:"currency"`
	PaymentID      string            `json:"payment_id"`
	ReservationID  string            `json:"reservation_id,omitempty"`
	Description    string            `json:"description,omitempty"`
	PayerEmail     string            `json:"payer_email,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	SuccessURL     string            `json:"success_url,omitempty"`
	CancelURL      string            `json:"cancel_url,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

func (r *IntentRequest) Validate() error {
	if r.PaymentID == "" {
		return errors.New("payment_id is required")
	}
	if r.AmountMinor <= 0 {
		return errors.New("amount must be greater than 0")
	}
	if r.Currency == "" {
		return errors.New("currency is required")
	}
	return nil
}

// PaymentIntent is the provider-side handle returned on creation. CheckoutURL and ClientSecret are opaque.
type PaymentIntent struct {
	ProviderPaymentID string        `json:"provider_payment_id"`
	CheckoutURL       string        `json:"checkout_url,omitempty"`
	ClientSecret      string        `json:"client_secret,omitempty"`
	Status            PaymentStatus `json:"status"`
}

type RefundResult struct {
	RefundID    string `json:"refund_id"`
	Refunded    bool   `json:"refunded"`
	AmountMinor int64  `json:"amount,omitempty"`
	Message     string `json:"message,omitempty"`
}

type CancelResult struct {
	Cancelled bool          `json:"cancelled"`
	Status    PaymentStatus `json:"status"`
}
