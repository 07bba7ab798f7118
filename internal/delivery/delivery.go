package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mesaya/payment-service/internal/core/datamodel/delivery"
	"github.com/mesaya/payment-service/internal/core/datamodel/partner"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderPartnerID = "X-Partner-Id"
	HeaderEventID   = "X-Event-Id"
	HeaderEventType = "X-Event-Type"
)

var ErrDeliveryNotFound = errors.New("delivery not found")

// Event is one outbound notification to be fanned out to subscribed partners.
type Event struct {
	ID         string
	Type       string
	Data       interface{}
	OccurredAt time.Time
}

// Envelope is the JSON body partners receive.
type Envelope struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	CreatedAt time.Time   `json:"created_at"`
	Data      interface{} `json:"data"`
}

func (e Event) Body() ([]byte, error) {
	return json.Marshal(Envelope{
		ID:        e.ID,
		Type:      e.Type,
		CreatedAt: e.OccurredAt.UTC(),
		Data:      e.Data,
	})
}

type Repository interface {
	// Enqueue inserts d unless a delivery of the same event to the same partner exists.
	Enqueue(ctx context.Context, d *delivery.Delivery) (bool, error)
	GetByID(ctx context.Context, id string) (*delivery.Delivery, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*delivery.Delivery, error)
	// Claim pushes next_attempt_at of a due pending delivery to leaseUntil. Only one caller wins.
	Claim(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error)
	MarkDelivered(ctx context.Context, id string, attempts, statusCode int, at time.Time) error
	MarkAttemptFailed(ctx context.Context, id string, attempt Attempt) error
}

type Attempt struct {
	Attempts   int
	StatusCode *int
	Error      string
	Next       time.Time
	Final      bool
}

// Partners is the subset of the partner registry delivery needs.
type Partners interface {
	ListByEvent(ctx context.Context, eventType string) ([]*partner.Partner, error)
	Get(ctx context.Context, id string) (*partner.Partner, error)
	RecordSuccess(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id string) error
}
