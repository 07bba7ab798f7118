package webhook_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mesaya/payment-service/internal"
	"github.com/mesaya/payment-service/internal/provider"
	"github.com/mesaya/payment-service/internal/webhook"
)

var _ = Describe("Parsers", func() {
	DescribeTable("Classify",
		func(name string, fromPartner bool, expected webhook.EventType) {
			Expect(webhook.Classify(name, fromPartner)).To(Equal(expected))
		},
		Entry("known payment event", "payment.succeeded", false, webhook.TypePaymentSucceeded),
		Entry("known reservation event from a gateway", "reservation.paid", false, webhook.TypeReservationPaid),
		Entry("custom name from a partner", "table.released", true, webhook.TypePartnerDefined),
		Entry("custom name from a gateway", "table.released", false, webhook.TypeIgnored),
		Entry("undotted name from a partner", "ping", true, webhook.TypeIgnored),
	)

	Describe("ParseStripe", func() {
		It("reads payment intent events", func() {
			body := []byte(`{
				"id": "evt_1N",
				"object": "event",
				"type": "payment_intent.payment_failed",
				"data": {"object": {
					"id": "pi_123",
					"object": "payment_intent",
					"metadata": {"payment_id": "pay-1"},
					"last_payment_error": {"message": "Your card was declined."}
				}}
			}`)

			ev, err := webhook.ParseStripe(body)

			Expect(err).ToNot(HaveOccurred())
			Expect(ev.ID).To(Equal("evt_1N"))
			Expect(ev.Source).To(Equal(provider.NameStripe))
			Expect(ev.Type).To(Equal(webhook.TypePaymentFailed))
			Expect(ev.ProviderPaymentID).To(Equal("pi_123"))
			Expect(ev.PaymentID).To(Equal("pay-1"))
			Expect(ev.FailureReason).To(Equal("Your card was declined."))
		})

		It("maps charge refunds onto the payment intent", func() {
			body := []byte(`{
				"id": "evt_2",
				"type": "charge.refunded",
				"data": {"object": {"id": "ch_1", "object": "charge", "payment_intent": "pi_456"}}
			}`)

			ev, err := webhook.ParseStripe(body)

			Expect(err).ToNot(HaveOccurred())
			Expect(ev.Type).To(Equal(webhook.TypePaymentRefunded))
			Expect(ev.ProviderPaymentID).To(Equal("pi_456"))
		})

		It("ignores unrelated event types", func() {
			ev, err := webhook.ParseStripe([]byte(`{"id":"evt_3","type":"customer.created","data":{"object":{}}}`))

			Expect(err).ToNot(HaveOccurred())
			Expect(ev.Type).To(Equal(webhook.TypeIgnored))
		})

		It("rejects malformed JSON", func() {
			_, err := webhook.ParseStripe([]byte(`{not json`))

			Expect(internal.HasCode(err, internal.ErrCodeInvalidEvent)).To(BeTrue())
		})
	})

	Describe("ParseMercadoPago", func() {
		It("turns payment notifications into reconciliation requests", func() {
			body := []byte(`{"id": 12345, "type": "payment", "action": "payment.updated", "data": {"id": "987654321"}}`)

			ev, err := webhook.ParseMercadoPago(body)

			Expect(err).ToNot(HaveOccurred())
			Expect(ev.ID).To(Equal("12345"))
			Expect(ev.Type).To(Equal(webhook.TypePaymentUpdated))
			Expect(ev.ProviderPaymentID).To(Equal("987654321"))
		})

		It("ignores merchant order notifications", func() {
			ev, err := webhook.ParseMercadoPago([]byte(`{"id": 1, "type": "merchant_order", "data": {"id": 2}}`))

			Expect(err).ToNot(HaveOccurred())
			Expect(ev.Type).To(Equal(webhook.TypeIgnored))
		})

		It("requires the payment id", func() {
			_, err := webhook.ParseMercadoPago([]byte(`{"id": 1, "type": "payment", "data": {}}`))

			Expect(internal.HasCode(err, internal.ErrCodeInvalidEvent)).To(BeTrue())
		})
	})

	Describe("ParseMock", func() {
		It("requires an event type", func() {
			_, err := webhook.ParseMock([]byte(`{"id":"e1","data":{}}`))

			Expect(internal.HasCode(err, internal.ErrCodeInvalidEvent)).To(BeTrue())
		})

		It("accepts gateway_payment_id as the provider reference", func() {
			ev, err := webhook.ParseMock([]byte(`{"event_id":"e2","event":"payment.cancelled","data":{"gateway_payment_id":"mock_pi_1"}}`))

			Expect(err).ToNot(HaveOccurred())
			Expect(ev.ID).To(Equal("e2"))
			Expect(ev.Type).To(Equal(webhook.TypePaymentCancelled))
			Expect(ev.ProviderPaymentID).To(Equal("mock_pi_1"))
		})
	})

	It("fingerprints by source and body", func() {
		a := webhook.Fingerprint("mock", []byte(`{"x":1}`))

		Expect(a).To(HavePrefix("fp_"))
		Expect(webhook.Fingerprint("mock", []byte(`{"x":1}`))).To(Equal(a))
		Expect(webhook.Fingerprint("stripe", []byte(`{"x":1}`))).ToNot(Equal(a))
	})
})
