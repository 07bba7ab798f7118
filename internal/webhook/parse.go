package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	stripego "github.com/stripe/stripe-go/v74"

	"github.com/mesaya/payment-service/internal"
	"github.com/mesaya/payment-service/internal/provider"
)

// Parser turns a verified body into an Event.
type Parser func(body []byte) (*Event, error)

func invalidEvent(format string, args ...interface{}) error {
	return internal.NewValidationError(fmt.Sprintf(format, args...), internal.ErrCodeInvalidEvent)
}

type genericPayload struct {
	ID      string                 `json:"id"`
	EventID string                 `json:"event_id"`
	Type    string                 `json:"type"`
	Event   string                 `json:"event"`
	Data    map[string]interface{} `json:"data"`
}

func stringField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

func parseGeneric(body []byte, fromPartner bool) (*Event, error) {
	var payload genericPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, invalidEvent("webhook body is not valid JSON")
	}

	name := firstNonEmpty(payload.Type, payload.Event)
	if name == "" {
		return nil, invalidEvent("webhook event type is required")
	}

	ev := &Event{
		ID:                firstNonEmpty(payload.ID, payload.EventID),
		Type:              Classify(name, fromPartner),
		Name:              name,
		Data:              payload.Data,
		ProviderPaymentID: stringField(payload.Data, "provider_payment_id", "gateway_payment_id"),
		PaymentID:         stringField(payload.Data, "payment_id"),
		FailureReason:     stringField(payload.Data, "failure_reason", "reason"),
		Raw:               body,
	}
	return ev, nil
}

// ParseMock reads the mock gateway format: {"id","type","data":{"provider_payment_id",...}}.
func ParseMock(body []byte) (*Event, error) {
	ev, err := parseGeneric(body, false)
	if err != nil {
		return nil, err
	}
	ev.Source = provider.NameMock
	return ev, nil
}

// ParsePartner reads a partner event. Partners reference payments by our payment id.
func ParsePartner(partnerID string) Parser {
	return func(body []byte) (*Event, error) {
		ev, err := parseGeneric(body, true)
		if err != nil {
			return nil, err
		}
		ev.Source = PartnerSource(partnerID)
		ev.PartnerID = partnerID
		return ev, nil
	}
}

func PartnerSource(partnerID string) string {
	return "partner:" + partnerID
}

// ParseStripe reads a Stripe event object.
func ParseStripe(body []byte) (*Event, error) {
	var se stripego.Event
	if err := json.Unmarshal(body, &se); err != nil {
		return nil, invalidEvent("stripe event is not valid JSON")
	}

	name := string(se.Type)
	ev := &Event{
		ID:     se.ID,
		Name:   name,
		Source: provider.NameStripe,
		Raw:    body,
	}
	if se.Data != nil {
		ev.Data = se.Data.Object
	}

	switch name {
	case "payment_intent.succeeded":
		ev.Type = TypePaymentSucceeded
	case "payment_intent.payment_failed":
		ev.Type = TypePaymentFailed
	case "payment_intent.canceled":
		ev.Type = TypePaymentCancelled
	case "payment_intent.created":
		ev.Type = TypePaymentCreated
	case "payment_intent.processing", "payment_intent.requires_action":
		ev.Type = TypePaymentUpdated
	case "charge.refunded":
		ev.Type = TypePaymentRefunded
	default:
		ev.Type = TypeIgnored
		return ev, nil
	}
	if se.Data == nil || len(se.Data.Raw) == 0 {
		return nil, invalidEvent("stripe event %s has no data object", se.ID)
	}

	if strings.HasPrefix(name, "charge.") {
		var charge stripego.Charge
		if err := json.Unmarshal(se.Data.Raw, &charge); err != nil {
			return nil, invalidEvent("stripe charge is malformed")
		}
		if charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
			ev.Type = TypeIgnored
			return ev, nil
		}
		ev.ProviderPaymentID = charge.PaymentIntent.ID
		return ev, nil
	}

	var intent stripego.PaymentIntent
	if err := json.Unmarshal(se.Data.Raw, &intent); err != nil {
		return nil, invalidEvent("stripe payment intent is malformed")
	}
	ev.ProviderPaymentID = intent.ID
	ev.PaymentID = intent.Metadata["payment_id"]
	if intent.LastPaymentError != nil {
		ev.FailureReason = firstNonEmpty(intent.LastPaymentError.Msg, string(intent.LastPaymentError.Code))
	}
	return ev, nil
}

type mercadoPagoNotification struct {
	ID     interface{} `json:"id"`
	Type   string      `json:"type"`
	Action string      `json:"action"`
	Data   struct {
		ID interface{} `json:"id"`
	} `json:"data"`
}

func idString(v interface{}) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// ParseMercadoPago reads a MercadoPago notification. Notifications carry no status, so
// payment notifications are reconciled against the API.
func ParseMercadoPago(body []byte) (*Event, error) {
	var n mercadoPagoNotification
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return nil, invalidEvent("mercadopago notification is not valid JSON")
	}

	paymentID := idString(n.Data.ID)
	ev := &Event{
		ID:     idString(n.ID),
		Name:   firstNonEmpty(n.Action, n.Type),
		Source: provider.NameMercadoPago,
		Raw:    body,
		Data:   map[string]interface{}{"id": paymentID},
	}
	if n.Type != "payment" {
		ev.Type = TypeIgnored
		return ev, nil
	}
	if paymentID == "" {
		return nil, invalidEvent("mercadopago notification has no payment id")
	}
	ev.Type = TypePaymentUpdated
	ev.ProviderPaymentID = paymentID
	return ev, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
