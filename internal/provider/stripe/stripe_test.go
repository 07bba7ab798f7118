package stripe

import (
	"context"
	"errors"
	"net/http"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	stripego "github.com/stripe/stripe-go/v74"

	gateway "github.com/mesaya/payment-service/internal/core/datamodel/paymentgateway"
	"github.com/mesaya/payment-service/internal/provider"
)

func TestStripeAdapter(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Stripe Adapter Suite")
}

type fakeIntents struct {
	lastNew *stripego.PaymentIntentParams
	intent  *stripego.PaymentIntent
	err     error
}

func (f *fakeIntents) New(params *stripego.PaymentIntentParams) (*stripego.PaymentIntent, error) {
	f.lastNew = params
	return f.intent, f.err
}

func (f *fakeIntents) Get(id string, params *stripego.PaymentIntentParams) (*stripego.PaymentIntent, error) {
	return f.intent, f.err
}

func (f *fakeIntents) Cancel(id string, params *stripego.PaymentIntentCancelParams) (*stripego.PaymentIntent, error) {
	return f.intent, f.err
}

type fakeRefunds struct {
	last   *stripego.RefundParams
	refund *stripego.Refund
	err    error
}

func (f *fakeRefunds) New(params *stripego.RefundParams) (*stripego.Refund, error) {
	f.last = params
	return f.refund, f.err
}

var _ = Describe("Stripe adapter", func() {
	var (
		intents *fakeIntents
		refunds *fakeRefunds
		adapter *Adapter
		ctx     context.Context
	)

	BeforeEach(func() {
		intents = &fakeIntents{}
		refunds = &fakeRefunds{}
		adapter = newWithAPIs(intents, refunds)
		ctx = context.Background()
	})

	Describe("CreatePaymentIntent", func() {
		It("forwards amount, currency and the idempotency key", func() {
			// Given
			intents.intent = &stripego.PaymentIntent{
				ID:           "pi_123",
				ClientSecret: "pi_123_secret",
				Status:       stripego.PaymentIntentStatusRequiresPaymentMethod,
			}

			// When
			intent, err := adapter.CreatePaymentIntent(ctx, gateway.IntentRequest{
				PaymentID:      "pay_1",
				AmountMinor:    1000,
				Currency:       "USD",
				IdempotencyKey: "k1",
			})

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(intent.ProviderPaymentID).To(Equal("pi_123"))
			Expect(intent.ClientSecret).To(Equal("pi_123_secret"))
			Expect(intent.Status).To(Equal(gateway.PaymentStatusPending))
			Expect(*intents.lastNew.Amount).To(Equal(int64(1000)))
			Expect(*intents.lastNew.Currency).To(Equal("usd"))
			Expect(*intents.lastNew.IdempotencyKey).To(Equal("k1"))
			Expect(intents.lastNew.Metadata).To(HaveKeyWithValue("payment_id", "pay_1"))
		})

		It("maps card errors to a declined gateway error", func() {
			// Given
			intents.err = &stripego.Error{
				Type:           stripego.ErrorTypeCard,
				HTTPStatusCode: http.StatusPaymentRequired,
				Code:           stripego.ErrorCodeCardDeclined,
				Msg:            "Your card was declined.",
			}

			// When
			_, err := adapter.CreatePaymentIntent(ctx, gateway.IntentRequest{PaymentID: "p", AmountMinor: 1, Currency: "usd"})

			// Then
			Expect(provider.IsDeclined(err)).To(BeTrue())
		})

		It("maps API errors to a non-declined gateway error", func() {
			intents.err = &stripego.Error{Type: stripego.ErrorTypeAPI, HTTPStatusCode: http.StatusInternalServerError, Msg: "boom"}
			_, err := adapter.CreatePaymentIntent(ctx, gateway.IntentRequest{PaymentID: "p", AmountMinor: 1, Currency: "usd"})
			Expect(err).To(HaveOccurred())
			Expect(provider.IsDeclined(err)).To(BeFalse())
			Expect(provider.IsTimeout(err)).To(BeFalse())
		})

		It("maps deadline exceeded to GatewayTimeout", func() {
			intents.err = context.DeadlineExceeded
			_, err := adapter.CreatePaymentIntent(ctx, gateway.IntentRequest{PaymentID: "p", AmountMinor: 1, Currency: "usd"})
			Expect(provider.IsTimeout(err)).To(BeTrue())
		})
	})

	Describe("mapStatus", func() {
		DescribeTable("normalizes payment intent statuses",
			func(status stripego.PaymentIntentStatus, refunded bool, expected gateway.PaymentStatus) {
				pi := &stripego.PaymentIntent{Status: status}
				if refunded {
					pi.LatestCharge = &stripego.Charge{Refunded: true}
				}
				Expect(mapStatus(pi)).To(Equal(expected))
			},
			Entry("requires_payment_method", stripego.PaymentIntentStatusRequiresPaymentMethod, false, gateway.PaymentStatusPending),
			Entry("processing", stripego.PaymentIntentStatusProcessing, false, gateway.PaymentStatusPending),
			Entry("requires_capture", stripego.PaymentIntentStatusRequiresCapture, false, gateway.PaymentStatusPending),
			Entry("succeeded", stripego.PaymentIntentStatusSucceeded, false, gateway.PaymentStatusSucceeded),
			Entry("succeeded and refunded", stripego.PaymentIntentStatusSucceeded, true, gateway.PaymentStatusRefunded),
			Entry("canceled", stripego.PaymentIntentStatusCanceled, false, gateway.PaymentStatusCancelled),
		)
	})

	Describe("RefundPayment", func() {
		It("sends a partial amount when given", func() {
			// Given
			refunds.refund = &stripego.Refund{ID: "re_1", Amount: 400, Status: stripego.RefundStatusSucceeded}
			amount := int64(400)

			// When
			result, err := adapter.RefundPayment(ctx, "pi_123", &amount)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(result.RefundID).To(Equal("re_1"))
			Expect(result.AmountMinor).To(Equal(int64(400)))
			Expect(*refunds.last.PaymentIntent).To(Equal("pi_123"))
			Expect(*refunds.last.Amount).To(Equal(int64(400)))
		})

		It("treats a failed refund as declined", func() {
			refunds.refund = &stripego.Refund{ID: "re_1", Status: stripego.RefundStatusFailed}
			_, err := adapter.RefundPayment(ctx, "pi_123", nil)
			Expect(provider.IsDeclined(err)).To(BeTrue())
		})

		It("treats an already refunded charge as declined", func() {
			refunds.err = &stripego.Error{Type: stripego.ErrorTypeInvalidRequest, Code: stripego.ErrorCodeChargeAlreadyRefunded}
			_, err := adapter.RefundPayment(ctx, "pi_123", nil)
			Expect(provider.IsDeclined(err)).To(BeTrue())
		})
	})

	It("wraps unknown errors", func() {
		intents.err = errors.New("dial tcp: connection refused")
		_, err := adapter.VerifyPayment(ctx, "pi_123")
		Expect(err).To(HaveOccurred())
		Expect(provider.IsDeclined(err)).To(BeFalse())
	})
})
