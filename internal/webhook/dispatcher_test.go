package webhook_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	datapayment "github.com/mesaya/payment-service/internal/core/datamodel/payment"
	"github.com/mesaya/payment-service/internal/idempotency"
	"github.com/mesaya/payment-service/internal/payment"
	"github.com/mesaya/payment-service/internal/webhook"
)

type flakyPayments struct {
	calls atomic.Int32
	fail  func(call int32) error
	panic bool
}

func (f *flakyPayments) ApplyProviderResult(_ context.Context, sig payment.Signal) (*payment.TransitionResult, error) {
	n := f.calls.Add(1)
	if f.panic && n == 1 {
		panic("boom")
	}
	if f.fail != nil {
		if err := f.fail(n); err != nil {
			return nil, err
		}
	}
	return &payment.TransitionResult{
		PaymentID:      "pay-1",
		PreviousStatus: datapayment.StatusPending,
		CurrentStatus:  sig.Status,
		Transitioned:   true,
	}, nil
}

func (f *flakyPayments) Verify(context.Context, string) (*payment.VerifyResult, error) {
	return nil, errors.New("not used")
}

func (f *flakyPayments) GetByProviderPaymentID(context.Context, string) (*datapayment.Payment, error) {
	return nil, errors.New("not used")
}

var _ = Describe("Dispatcher", func() {
	var (
		ctx      context.Context
		payments *flakyPayments
		d        *webhook.Dispatcher
	)

	BeforeEach(func() {
		ctx = context.Background()
		log := slog.New(slog.NewTextHandler(io.Discard, nil))
		payments = &flakyPayments{}
		guard := idempotency.NewGuard(idempotency.NewMemoryStore(), idempotency.GuardConfig{TTL: time.Hour}, log)
		d = webhook.NewDispatcher(payments, nil, guard, time.Second, log)
	})

	event := func() *webhook.Event {
		return &webhook.Event{
			ID:                "evt_9",
			Type:              webhook.TypePaymentSucceeded,
			Name:              "payment.succeeded",
			Source:            "mock",
			ProviderPaymentID: "mock_pi_9",
		}
	}

	It("releases the event after a failure so a retry reprocesses it", func() {
		// Given
		payments.fail = func(call int32) error {
			if call == 1 {
				return errors.New("database unavailable")
			}
			return nil
		}

		// When
		_, err := d.Dispatch(ctx, event())
		Expect(err).To(HaveOccurred())
		out, err := d.Dispatch(ctx, event())

		// Then
		Expect(err).ToNot(HaveOccurred())
		Expect(out.Replayed).To(BeFalse())
		Expect(out.Transitioned).To(BeTrue())
		Expect(payments.calls.Load()).To(Equal(int32(2)))
	})

	It("contains panics to the failing event", func() {
		payments.panic = true

		_, err := d.Dispatch(ctx, event())
		Expect(err).To(HaveOccurred())

		out, err := d.Dispatch(ctx, event())
		Expect(err).ToNot(HaveOccurred())
		Expect(out.CurrentStatus).To(Equal(datapayment.StatusSucceeded))
	})

	It("keeps events from different sources apart", func() {
		a := event()
		b := event()
		b.Source = "stripe"

		_, err := d.Dispatch(ctx, a)
		Expect(err).ToNot(HaveOccurred())
		out, err := d.Dispatch(ctx, b)

		Expect(err).ToNot(HaveOccurred())
		Expect(out.Replayed).To(BeFalse())
		Expect(payments.calls.Load()).To(Equal(int32(2)))
	})

	It("ignores relayable events without a fan-out target", func() {
		ev := &webhook.Event{ID: "r1", Type: webhook.TypeReservationCreated, Source: "mock"}

		out, err := d.Dispatch(ctx, ev)

		Expect(err).ToNot(HaveOccurred())
		Expect(out.Note).To(Equal("ignored"))
		Expect(out.FannedOut).To(BeZero())
	})
})
