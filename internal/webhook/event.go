package webhook

import (
	"regexp"
	"time"

	"github.com/mesaya/payment-service/internal/core/datamodel/payment"
)

// EventType is the closed set of inbound event kinds the dispatcher routes.
type EventType string

const (
	TypePaymentCreated       EventType = "payment.created"
	TypePaymentSucceeded     EventType = "payment.succeeded"
	TypePaymentFailed        EventType = "payment.failed"
	TypePaymentRefunded      EventType = "payment.refunded"
	TypePaymentCancelled     EventType = "payment.cancelled"
	TypePaymentUpdated       EventType = "payment.updated"
	TypeReservationCreated   EventType = "reservation.created"
	TypeReservationConfirmed EventType = "reservation.confirmed"
	TypeReservationCancelled EventType = "reservation.cancelled"
	TypeReservationCompleted EventType = "reservation.completed"
	TypeReservationPaid      EventType = "reservation.paid"
	// TypePartnerDefined is any other dotted name sent by a partner.
	TypePartnerDefined EventType = "partner-defined"
	// TypeIgnored is gateway noise, acknowledged without action.
	TypeIgnored EventType = "ignored"
)

var known = map[string]EventType{
	string(TypePaymentCreated):       TypePaymentCreated,
	string(TypePaymentSucceeded):     TypePaymentSucceeded,
	string(TypePaymentFailed):        TypePaymentFailed,
	string(TypePaymentRefunded):      TypePaymentRefunded,
	string(TypePaymentCancelled):     TypePaymentCancelled,
	string(TypePaymentUpdated):       TypePaymentUpdated,
	string(TypeReservationCreated):   TypeReservationCreated,
	string(TypeReservationConfirmed): TypeReservationConfirmed,
	string(TypeReservationCancelled): TypeReservationCancelled,
	string(TypeReservationCompleted): TypeReservationCompleted,
	string(TypeReservationPaid):      TypeReservationPaid,
}

var customName = regexp.MustCompile(`^[a-z][a-z0-9_-]*(\.[a-z0-9_-]+)+$`)

// Classify maps a wire event name onto EventType. Unknown names from gateways are ignored;
// unknown dotted names from partners are partner-defined.
func Classify(name string, fromPartner bool) EventType {
	if t, ok := known[name]; ok {
		return t
	}
	if fromPartner && customName.MatchString(name) {
		return TypePartnerDefined
	}
	return TypeIgnored
}

// TargetStatus is the payment status a payment.* event reports, if any.
func (t EventType) TargetStatus() (string, bool) {
	switch t {
	case TypePaymentSucceeded:
		return payment.StatusSucceeded, true
	case TypePaymentFailed:
		return payment.StatusFailed, true
	case TypePaymentRefunded:
		return payment.StatusRefunded, true
	case TypePaymentCancelled:
		return payment.StatusCancelled, true
	}
	return "", false
}

// IsPayment reports whether t describes a payment lifecycle change.
func (t EventType) IsPayment() bool {
	switch t {
	case TypePaymentCreated, TypePaymentSucceeded, TypePaymentFailed,
		TypePaymentRefunded, TypePaymentCancelled, TypePaymentUpdated:
		return true
	}
	return false
}

// Event is a verified, parsed inbound webhook.
type Event struct {
	// ID is the provider event id, or a fingerprint of source and body when absent.
	ID   string
	Type EventType
	// Name is the event name as received.
	Name              string
	Source            string
	PartnerID         string
	ProviderPaymentID string
	PaymentID         string
	FailureReason     string
	Data              map[string]interface{}
	Raw               []byte
	ReceivedAt        time.Time
}

// Outcome is stored per event id and returned for every delivery of that event.
type Outcome struct {
	EventID        string `json:"event_id"`
	EventType      string `json:"event_type"`
	Source         string `json:"source"`
	PaymentID      string `json:"payment_id,omitempty"`
	PreviousStatus string `json:"previous_status,omitempty"`
	CurrentStatus  string `json:"current_status,omitempty"`
	Transitioned   bool   `json:"transitioned"`
	FannedOut      int    `json:"fanned_out"`
	Note           string `json:"note,omitempty"`
	Replayed       bool   `json:"-"`
}
