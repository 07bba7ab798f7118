package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePaymentCreated   = "payment.created"
	EventTypePaymentSucceeded = "payment.succeeded"
	EventTypePaymentFailed    = "payment.failed"
	EventTypePaymentRefunded  = "payment.refunded"
	EventTypePaymentCancelled = "payment.cancelled"
	EventTypeReservationPaid  = "reservation.paid"
)

// OutboundEventTypes are the domain events relayed to partners and the event stream.
var OutboundEventTypes = []string{
	EventTypePaymentCreated,
	EventTypePaymentSucceeded,
	EventTypePaymentFailed,
	EventTypePaymentRefunded,
	EventTypePaymentCancelled,
	EventTypeReservationPaid,
}

// PaymentSnapshot is the state of a payment at the moment an event was produced.
type PaymentSnapshot struct {
	PaymentID         string
	ProviderPaymentID string
	Provider          string
	AmountMinor       int64
	Currency          string
	Status            string
	PreviousStatus    string
	PaymentType       string
	ReservationID     string
	SubscriptionID    string
	UserID            string
	FailureReason     string
}

type PaymentEvent struct {
	BaseEvent
	PaymentID         string `json:"payment_id"`
	ProviderPaymentID string `json:"provider_payment_id"`
	Provider          string `json:"provider"`
	AmountMinor       int64  `json:"amount"`
	Currency          string `json:"currency"`
	Status            string `json:"status"`
	PreviousStatus    string `json:"previous_status"`
	ReservationID     string `json:"reservation_id,omitempty"`
	FailureReason     string `json:"failure_reason,omitempty"`
}

func NewPaymentEvent(eventType string, s PaymentSnapshot) *PaymentEvent {
	data := map[string]interface{}{
		"payment_id":          s.PaymentID,
		"provider_payment_id": s.ProviderPaymentID,
		"provider":            s.Provider,
		"amount":              s.AmountMinor,
		"currency":            s.Currency,
		"status":              s.Status,
		"previous_status":     s.PreviousStatus,
		"payment_type":        s.PaymentType,
	}
	if s.ReservationID != "" {
		data["reservation_id"] = s.ReservationID
	}
	if s.SubscriptionID != "" {
		data["subscription_id"] = s.SubscriptionID
	}
	if s.UserID != "" {
		data["user_id"] = s.UserID
	}
	if s.FailureReason != "" {
		data["failure_reason"] = s.FailureReason
	}

	return &PaymentEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      eventType,
			Timestamp: time.Now().UTC(),
			Data:      data,
		},
		PaymentID:         s.PaymentID,
		ProviderPaymentID: s.ProviderPaymentID,
		Provider:          s.Provider,
		AmountMinor:       s.AmountMinor,
		Currency:          s.Currency,
		Status:            s.Status,
		PreviousStatus:    s.PreviousStatus,
		ReservationID:     s.ReservationID,
		FailureReason:     s.FailureReason,
	}
}

type ReservationPaidEvent struct {
	BaseEvent
	ReservationID string `json:"reservation_id"`
	PaymentID     string `json:"payment_id"`
	AmountMinor   int64  `json:"amount"`
	Currency      string `json:"currency"`
}

func NewReservationPaidEvent(s PaymentSnapshot) *ReservationPaidEvent {
	return &ReservationPaidEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeReservationPaid,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"reservation_id": s.ReservationID,
				"payment_id":     s.PaymentID,
				"amount":         s.AmountMinor,
				"currency":       s.Currency,
				"provider":       s.Provider,
			},
		},
		ReservationID: s.ReservationID,
		PaymentID:     s.PaymentID,
		AmountMinor:   s.AmountMinor,
		Currency:      s.Currency,
	}
}
