package provider

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/mesaya/payment-service/internal/core/datamodel/paymentgateway"
)

const tracerName = "github.com/mesaya/payment-service/internal/provider"

// Timed bounds every gateway call by a timeout, records a span and classifies the error.
type Timed struct {
	next    Port
	timeout time.Duration
	tracer  trace.Tracer
}

func WithTimeout(next Port, timeout time.Duration) *Timed {
	return &Timed{
		next:    next,
		timeout: timeout,
		tracer:  otel.Tracer(tracerName),
	}
}

func (t *Timed) Name() string {
	return t.next.Name()
}

func (t *Timed) start(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, context.CancelFunc, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "gateway."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(attrs, attribute.String("payment.provider", t.next.Name()))...),
	)
	if t.timeout <= 0 {
		return ctx, func() {}, span
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	return ctx, cancel, span
}

func (t *Timed) finish(span trace.Span, operation string, err error) error {
	defer span.End()
	if err == nil {
		return nil
	}
	err = Classify(t.next.Name(), operation, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.Bool("payment.declined", IsDeclined(err)))
	return err
}

func (t *Timed) CreatePaymentIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.PaymentIntent, error) {
	ctx, cancel, span := t.start(ctx, "create_intent",
		attribute.String("payment.id", req.PaymentID),
		attribute.Int64("payment.amount_minor", req.AmountMinor),
		attribute.String("payment.currency", req.Currency),
	)
	defer cancel()

	intent, err := t.next.CreatePaymentIntent(ctx, req)
	if err := t.finish(span, "create_intent", err); err != nil {
		return nil, err
	}
	return intent, nil
}

func (t *Timed) VerifyPayment(ctx context.Context, providerPaymentID string) (gateway.PaymentStatus, error) {
	ctx, cancel, span := t.start(ctx, "verify", attribute.String("payment.provider_id", providerPaymentID))
	defer cancel()

	status, err := t.next.VerifyPayment(ctx, providerPaymentID)
	if err := t.finish(span, "verify", err); err != nil {
		return "", err
	}
	return status, nil
}

func (t *Timed) RefundPayment(ctx context.Context, providerPaymentID string, amountMinor *int64) (*gateway.RefundResult, error) {
	ctx, cancel, span := t.start(ctx, "refund", attribute.String("payment.provider_id", providerPaymentID))
	defer cancel()

	result, err := t.next.RefundPayment(ctx, providerPaymentID, amountMinor)
	if err := t.finish(span, "refund", err); err != nil {
		return nil, err
	}
	return result, nil
}

func (t *Timed) CancelPayment(ctx context.Context, providerPaymentID string) (*gateway.CancelResult, error) {
	ctx, cancel, span := t.start(ctx, "cancel", attribute.String("payment.provider_id", providerPaymentID))
	defer cancel()

	result, err := t.next.CancelPayment(ctx, providerPaymentID)
	if err := t.finish(span, "cancel", err); err != nil {
		return nil, err
	}
	return result, nil
}
