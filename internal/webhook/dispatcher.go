package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mesaya/payment-service/internal"
	paymentmodel "github.com/mesaya/payment-service/internal/core/datamodel/payment"
	"github.com/mesaya/payment-service/internal/delivery"
	"github.com/mesaya/payment-service/internal/payment"
)

const tracerName = "github.com/mesaya/payment-service/internal/webhook"

// Payments is the payment service surface webhook routing drives.
type Payments interface {
	ApplyProviderResult(ctx context.Context, sig payment.Signal) (*payment.TransitionResult, error)
	Verify(ctx context.Context, id string) (*payment.VerifyResult, error)
	GetByProviderPaymentID(ctx context.Context, providerPaymentID string) (*paymentmodel.Payment, error)
}

// FanOut hands an event to partner delivery.
type FanOut interface {
	FanOut(ctx context.Context, ev delivery.Event, excludePartnerID string) (int, error)
}

// Guard runs fn at most once per key and replays its stored result.
type Guard interface {
	Do(ctx context.Context, key string, fn func(ctx context.Context) ([]byte, error)) ([]byte, bool, error)
}

type Dispatcher struct {
	payments Payments
	fanout   FanOut
	guard    Guard
	timeout  time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewDispatcher(payments Payments, fanout FanOut, guard Guard, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		payments: payments,
		fanout:   fanout,
		guard:    guard,
		timeout:  timeout,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
	}
}

// Fingerprint identifies an event that carries no id of its own.
func Fingerprint(source string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte("\n"))
	h.Write(body)
	return "fp_" + hex.EncodeToString(h.Sum(nil))
}

// DedupKey namespaces an event id by its source.
func DedupKey(ev *Event) string {
	return "webhook:" + ev.Source + ":" + ev.ID
}

// Dispatch processes ev at most once. Repeated deliveries of the same event id get the
// stored outcome of the first successful run.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) (*Outcome, error) {
	if ev.ID == "" {
		ev.ID = Fingerprint(ev.Source, ev.Raw)
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}

	ctx, span := d.tracer.Start(ctx, "webhook.dispatch", trace.WithAttributes(
		attribute.String("webhook.source", ev.Source),
		attribute.String("webhook.event_id", ev.ID),
		attribute.String("webhook.event_type", string(ev.Type)),
	))
	defer span.End()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	raw, replayed, err := d.guard.Do(ctx, DedupKey(ev), func(ctx context.Context) ([]byte, error) {
		out, err := d.route(ctx, ev)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Warn("webhook processing failed",
			"source", ev.Source,
			"event_id", ev.ID,
			"event_type", ev.Name,
			"error", err)
		return nil, err
	}

	var out Outcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, internal.NewInternalError("corrupt webhook outcome", err)
	}
	out.Replayed = replayed
	span.SetAttributes(attribute.Bool("webhook.replayed", replayed))

	if replayed {
		d.logger.Info("duplicate webhook answered from stored outcome", "source", ev.Source, "event_id", ev.ID)
	}
	return &out, nil
}

func (d *Dispatcher) route(ctx context.Context, ev *Event) (out *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic while routing webhook", "event_id", ev.ID, "panic", r)
			out, err = nil, internal.NewInternalError("webhook processing panicked", fmt.Errorf("%v", r))
		}
	}()

	out = &Outcome{
		EventID:   ev.ID,
		EventType: string(ev.Type),
		Source:    ev.Source,
		PaymentID: ev.PaymentID,
	}

	if ev.PartnerID != "" && ev.Type.IsPayment() {
		// payment state only moves on gateway evidence
		out.Note = "acknowledged"
		return out, nil
	}

	switch ev.Type {
	case TypePaymentSucceeded, TypePaymentFailed, TypePaymentRefunded, TypePaymentCancelled:
		return d.applyStatus(ctx, ev, out)
	case TypePaymentUpdated:
		return d.reconcile(ctx, ev, out)
	case TypePaymentCreated:
		out.Note = "acknowledged"
		return out, nil
	case TypeReservationCreated, TypeReservationConfirmed, TypeReservationCancelled,
		TypeReservationCompleted, TypeReservationPaid, TypePartnerDefined:
		return d.relay(ctx, ev, out)
	case TypeIgnored:
		out.Note = "ignored"
		return out, nil
	}
	return nil, invalidEvent("unroutable event type %q", ev.Type)
}

func (d *Dispatcher) applyStatus(ctx context.Context, ev *Event, out *Outcome) (*Outcome, error) {
	status, _ := ev.Type.TargetStatus()
	if ev.ProviderPaymentID == "" && ev.PaymentID == "" {
		return nil, invalidEvent("event %s references no payment", ev.ID)
	}

	res, err := d.payments.ApplyProviderResult(ctx, payment.Signal{
		PaymentID:         ev.PaymentID,
		ProviderPaymentID: ev.ProviderPaymentID,
		Status:            status,
		FailureReason:     ev.FailureReason,
		Source:            ev.Source,
	})
	if err != nil {
		if internal.HasCode(err, internal.ErrCodeInvalidTransition) {
			// left unstored; a redelivery after the missing event can still apply
			d.logger.Warn("webhook status rejected by state machine",
				"source", ev.Source,
				"event_id", ev.ID,
				"status", status,
				"error", err)
		}
		return nil, err
	}

	out.PaymentID = res.PaymentID
	out.PreviousStatus = res.PreviousStatus
	out.CurrentStatus = res.CurrentStatus
	out.Transitioned = res.Transitioned
	return out, nil
}

func (d *Dispatcher) reconcile(ctx context.Context, ev *Event, out *Outcome) (*Outcome, error) {
	id := ev.PaymentID
	if id == "" {
		if ev.ProviderPaymentID == "" {
			return nil, invalidEvent("event %s references no payment", ev.ID)
		}
		p, err := d.payments.GetByProviderPaymentID(ctx, ev.ProviderPaymentID)
		if err != nil {
			return nil, err
		}
		id = p.ID
	}

	res, err := d.payments.Verify(ctx, id)
	if err != nil {
		return nil, err
	}
	out.PaymentID = res.PaymentID
	out.PreviousStatus = res.PreviousStatus
	out.CurrentStatus = res.CurrentStatus
	out.Transitioned = res.PreviousStatus != res.CurrentStatus
	if !res.Synchronized {
		out.Note = "remote status " + res.RemoteStatus
	}
	return out, nil
}

// relay forwards a partner event to the other subscribed partners.
func (d *Dispatcher) relay(ctx context.Context, ev *Event, out *Outcome) (*Outcome, error) {
	sender := ev.PartnerID
	if sender == "" {
		sender = internal.PartnerIDFromContext(ctx)
	}
	if sender == "" || d.fanout == nil {
		out.Note = "ignored"
		return out, nil
	}

	n, err := d.fanout.FanOut(ctx, delivery.Event{
		ID:         ev.Source + ":" + ev.ID,
		Type:       ev.Name,
		Data:       ev.Data,
		OccurredAt: ev.ReceivedAt,
	}, sender)
	if err != nil {
		return nil, err
	}
	out.FannedOut = n
	return out, nil
}
