package webhook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	datadelivery "github.com/mesaya/payment-service/internal/core/datamodel/delivery"
	datapartner "github.com/mesaya/payment-service/internal/core/datamodel/partner"
	datapayment "github.com/mesaya/payment-service/internal/core/datamodel/payment"
	gateway "github.com/mesaya/payment-service/internal/core/datamodel/paymentgateway"
	"github.com/mesaya/payment-service/internal/core/events"
	"github.com/mesaya/payment-service/internal/delivery"
	deliverypg "github.com/mesaya/payment-service/internal/delivery/postgres"
	"github.com/mesaya/payment-service/internal/idempotency"
	"github.com/mesaya/payment-service/internal/lock"
	"github.com/mesaya/payment-service/internal/partner"
	partnerpg "github.com/mesaya/payment-service/internal/partner/postgres"
	"github.com/mesaya/payment-service/internal/payment"
	paymentpg "github.com/mesaya/payment-service/internal/payment/postgres"
	"github.com/mesaya/payment-service/internal/provider"
	"github.com/mesaya/payment-service/internal/provider/mock"
	"github.com/mesaya/payment-service/internal/webhook"
	"github.com/mesaya/payment-service/internal/webhook/signature"
)

func TestWebhook(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Webhook Suite")
}

const mockSecret = "whsec_mock_test"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *recordingPublisher) Publish(ctx context.Context, event events.Event) error {
	return p.PublishSync(ctx, event)
}

func (p *recordingPublisher) PublishSync(_ context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, event.EventType())
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.types {
		if t == eventType {
			n++
		}
	}
	return n
}

type recordingSubmitter struct {
	mu  sync.Mutex
	ids []string
}

func (s *recordingSubmitter) Submit(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	return true
}

func (s *recordingSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

func newTestDB() *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	Expect(err).ToNot(HaveOccurred())
	sqlDB, err := db.DB()
	Expect(err).ToNot(HaveOccurred())
	sqlDB.SetMaxOpenConns(1)
	Expect(db.AutoMigrate(&datapayment.Payment{}, &datapartner.Partner{}, &datadelivery.Delivery{})).To(Succeed())
	return db
}

var _ = Describe("Webhooks", func() {
	var (
		ctx       context.Context
		clk       *clock
		gw        *mock.Adapter
		publisher *recordingPublisher
		submitter *recordingSubmitter
		payments  *payment.Service
		partners  *partner.Service
		router    chi.Router
	)

	BeforeEach(func() {
		ctx = context.Background()
		log := slog.New(slog.NewTextHandler(io.Discard, nil))
		clk = &clock{now: time.Now().UTC().Truncate(time.Second)}
		db := newTestDB()

		gw = mock.New("https://checkout.mock.local/pay")
		registry := provider.NewRegistry(provider.NameMock)
		registry.Register(gw)

		guard := idempotency.NewGuard(idempotency.NewMemoryStore(), idempotency.GuardConfig{
			TTL:            time.Hour,
			ReservationTTL: time.Minute,
		}, log)

		publisher = &recordingPublisher{}
		payments = payment.NewService(paymentpg.NewPaymentRepository(db), registry, lock.NewKeyedMutex(), guard, publisher, payment.Config{
			LockWait: 2 * time.Second,
		}, log)

		partners = partner.NewService(partnerpg.NewPartnerRepository(db), partner.Config{
			GracePeriod:          time.Hour,
			SuspendAfterFailures: 3,
			Clock:                clk.Now,
		}, log)

		submitter = &recordingSubmitter{}
		fanout := delivery.NewService(deliverypg.NewDeliveryRepository(db), partners, submitter, log)

		dispatcher := webhook.NewDispatcher(payments, fanout, guard, 5*time.Second, log)
		verifier := signature.NewVerifier(signature.DefaultTolerance, log).WithClock(clk.Now)
		h := webhook.NewHandler(webhook.DefaultSources(mockSecret, "whsec_stripe", "mp_secret"), partners, verifier, dispatcher, log)

		router = chi.NewRouter()
		router.Post("/api/webhooks/partner", h.PartnerWebhook)
		router.Post("/api/webhooks/{gateway}", h.GatewayWebhook)
	})

	post := func(path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	postMock := func(body []byte) *httptest.ResponseRecorder {
		return post("/api/webhooks/mock", body, map[string]string{
			delivery.HeaderSignature: signature.SignTimestamped(mockSecret, body, clk.Now()),
		})
	}

	mockEvent := func(id, eventType, providerPaymentID string) []byte {
		body, err := json.Marshal(map[string]interface{}{
			"id":   id,
			"type": eventType,
			"data": map[string]interface{}{"provider_payment_id": providerPaymentID},
		})
		Expect(err).ToNot(HaveOccurred())
		return body
	}

	decode := func(rec *httptest.ResponseRecorder) webhook.Outcome {
		var out webhook.Outcome
		Expect(json.Unmarshal(rec.Body.Bytes(), &out)).To(Succeed())
		return out
	}

	newPayment := func() *datapayment.Payment {
		p, _, err := payments.Create(ctx, payment.CreateInput{
			AmountMinor:   1000,
			Currency:      "usd",
			ReservationID: "res-7",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(p.ProviderPaymentID).ToNot(BeNil())
		return p
	}

	Describe("gateway webhooks", func() {
		It("applies a status change exactly once however often the event is delivered", func() {
			// Given
			p := newPayment()
			body := mockEvent("evt_1", "payment.succeeded", *p.ProviderPaymentID)

			// When
			first := postMock(body)

			// Then
			Expect(first.Code).To(Equal(http.StatusOK))
			out := decode(first)
			Expect(out.Transitioned).To(BeTrue())
			Expect(out.PreviousStatus).To(Equal(datapayment.StatusPending))
			Expect(out.CurrentStatus).To(Equal(datapayment.StatusSucceeded))
			Expect(out.PaymentID).To(Equal(p.ID))

			for i := 0; i < 5; i++ {
				again := postMock(body)
				Expect(again.Code).To(Equal(http.StatusOK))
				Expect(again.Header().Get("Idempotent-Replayed")).To(Equal("true"))
				Expect(again.Body.String()).To(Equal(first.Body.String()))
			}
			Expect(publisher.count(events.EventTypePaymentSucceeded)).To(Equal(1))
			Expect(publisher.count(events.EventTypeReservationPaid)).To(Equal(1))
		})

		It("deduplicates events without an id by body fingerprint", func() {
			// Given
			p := newPayment()
			body := mockEvent("", "payment.failed", *p.ProviderPaymentID)

			// When
			first := postMock(body)
			second := postMock(body)

			// Then
			Expect(first.Code).To(Equal(http.StatusOK))
			Expect(decode(first).EventID).To(HavePrefix("fp_"))
			Expect(second.Header().Get("Idempotent-Replayed")).To(Equal("true"))
			Expect(publisher.count(events.EventTypePaymentFailed)).To(Equal(1))
		})

		It("rejects a tampered body without touching the payment", func() {
			// Given
			p := newPayment()
			body := mockEvent("evt_2", "payment.succeeded", *p.ProviderPaymentID)
			header := signature.SignTimestamped(mockSecret, body, clk.Now())
			tampered := bytes.Replace(body, []byte("succeeded"), []byte("cancelled"), 1)

			// When
			rec := post("/api/webhooks/mock", tampered, map[string]string{delivery.HeaderSignature: header})

			// Then
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(rec.Body.String()).To(ContainSubstring("INVALID_SIGNATURE"))
			stored, err := payments.Get(ctx, p.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.Status).To(Equal(datapayment.StatusPending))
		})

		It("rejects signatures older than the tolerance", func() {
			p := newPayment()
			body := mockEvent("evt_3", "payment.succeeded", *p.ProviderPaymentID)

			rec := post("/api/webhooks/mock", body, map[string]string{
				delivery.HeaderSignature: signature.SignTimestamped(mockSecret, body, clk.Now().Add(-10*time.Minute)),
			})

			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})

		It("refuses oversized bodies instead of verifying a truncated one", func() {
			body := append([]byte(`{"id":"evt_big","type":"payment.succeeded","data":{"pad":"`), bytes.Repeat([]byte("x"), 1<<20)...)
			body = append(body, []byte(`"}}`)...)

			rec := postMock(body)

			Expect(rec.Code).To(Equal(http.StatusRequestEntityTooLarge))
			Expect(rec.Body.String()).To(ContainSubstring("BODY_TOO_LARGE"))
		})

		It("answers 404 for an unknown gateway", func() {
			rec := post("/api/webhooks/paypal", []byte(`{}`), nil)

			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(rec.Body.String()).To(ContainSubstring("UNKNOWN_GATEWAY"))
		})

		It("reports an out-of-order status event as a conflict without changing state", func() {
			// Given
			p := newPayment()
			Expect(postMock(mockEvent("evt_ok", "payment.succeeded", *p.ProviderPaymentID)).Code).To(Equal(http.StatusOK))

			// When
			rec := postMock(mockEvent("evt_late", "payment.failed", *p.ProviderPaymentID))

			// Then
			Expect(rec.Code).To(Equal(http.StatusConflict))
			Expect(rec.Body.String()).To(ContainSubstring("INVALID_TRANSITION"))
			stored, _ := payments.Get(ctx, p.ID)
			Expect(stored.Status).To(Equal(datapayment.StatusSucceeded))
			Expect(publisher.count(events.EventTypePaymentFailed)).To(Equal(0))
		})

		It("applies a refund redelivered after the success it overtook", func() {
			// Given
			p := newPayment()
			refund := mockEvent("evt_refund", "payment.refunded", *p.ProviderPaymentID)

			// When
			early := postMock(refund)
			success := postMock(mockEvent("evt_paid", "payment.succeeded", *p.ProviderPaymentID))
			redelivered := postMock(refund)

			// Then
			Expect(early.Code).To(Equal(http.StatusConflict))
			Expect(success.Code).To(Equal(http.StatusOK))
			Expect(redelivered.Code).To(Equal(http.StatusOK))
			Expect(redelivered.Header().Get("Idempotent-Replayed")).To(BeEmpty())
			out := decode(redelivered)
			Expect(out.Transitioned).To(BeTrue())
			Expect(out.CurrentStatus).To(Equal(datapayment.StatusRefunded))
			stored, _ := payments.Get(ctx, p.ID)
			Expect(stored.Status).To(Equal(datapayment.StatusRefunded))
			Expect(publisher.count(events.EventTypePaymentRefunded)).To(Equal(1))
		})

		It("reconciles payment.updated against the gateway", func() {
			// Given
			p := newPayment()
			Expect(gw.SetStatus(*p.ProviderPaymentID, gateway.PaymentStatusSucceeded)).To(BeTrue())

			// When
			rec := postMock(mockEvent("evt_upd", "payment.updated", *p.ProviderPaymentID))

			// Then
			Expect(rec.Code).To(Equal(http.StatusOK))
			out := decode(rec)
			Expect(out.PaymentID).To(Equal(p.ID))
			Expect(out.CurrentStatus).To(Equal(datapayment.StatusSucceeded))
			Expect(out.Transitioned).To(BeTrue())
		})

		It("acknowledges gateway noise", func() {
			rec := postMock(mockEvent("evt_noise", "customer.created", "x"))

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decode(rec).EventType).To(Equal(string(webhook.TypeIgnored)))
		})

		It("fails for an unknown payment and processes the event once it can", func() {
			// When
			rec := postMock(mockEvent("evt_ghost", "payment.succeeded", "mock_pi_missing"))

			// Then
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			again := postMock(mockEvent("evt_ghost", "payment.succeeded", "mock_pi_missing"))
			Expect(again.Header().Get("Idempotent-Replayed")).To(BeEmpty())
		})
	})

	Describe("partner webhooks", func() {
		var (
			sender       *datapartner.Partner
			senderSecret string
		)

		BeforeEach(func() {
			var err error
			sender, senderSecret, err = partners.Register(ctx, partner.RegisterInput{
				Name:       "Sender",
				WebhookURL: "https://sender.example/hooks",
				Events:     []string{partner.AllEvents},
			})
			Expect(err).ToNot(HaveOccurred())

			_, _, err = partners.Register(ctx, partner.RegisterInput{
				Name:       "Listener",
				WebhookURL: "https://listener.example/hooks",
				Events:     []string{"reservation.confirmed"},
			})
			Expect(err).ToNot(HaveOccurred())
		})

		postPartner := func(partnerID, secret string, body []byte) *httptest.ResponseRecorder {
			return post("/api/webhooks/partner", body, map[string]string{
				delivery.HeaderPartnerID: partnerID,
				delivery.HeaderSignature: signature.SignTimestamped(secret, body, clk.Now()),
			})
		}

		reservationEvent := []byte(`{"id":"p_evt_1","type":"reservation.confirmed","data":{"reservation_id":"res-9"}}`)

		It("fans a reservation event out to the other subscribed partners", func() {
			// When
			rec := postPartner(sender.ID, senderSecret, reservationEvent)

			// Then
			Expect(rec.Code).To(Equal(http.StatusOK))
			out := decode(rec)
			Expect(out.FannedOut).To(Equal(1))
			Expect(out.Source).To(Equal(webhook.PartnerSource(sender.ID)))
			Expect(submitter.count()).To(Equal(1))

			Expect(postPartner(sender.ID, senderSecret, reservationEvent).Code).To(Equal(http.StatusOK))
			Expect(submitter.count()).To(Equal(1))
		})

		It("relays partner-defined event names", func() {
			_, _, err := partners.Register(ctx, partner.RegisterInput{
				Name:       "Menu sync",
				WebhookURL: "https://menu.example/hooks",
				Events:     []string{"menu.updated"},
			})
			Expect(err).ToNot(HaveOccurred())

			rec := postPartner(sender.ID, senderSecret, []byte(`{"id":"m1","type":"menu.updated","data":{}}`))

			Expect(rec.Code).To(Equal(http.StatusOK))
			out := decode(rec)
			Expect(out.EventType).To(Equal(string(webhook.TypePartnerDefined)))
			Expect(out.FannedOut).To(Equal(1))
		})

		It("accepts the previous secret only inside the grace window", func() {
			// Given
			rotation, err := partners.RotateSecret(ctx, sender.ID)
			Expect(err).ToNot(HaveOccurred())

			// Then
			Expect(postPartner(sender.ID, senderSecret, reservationEvent).Code).To(Equal(http.StatusOK))

			clk.Advance(time.Hour + time.Second)
			next := []byte(`{"id":"p_evt_2","type":"reservation.confirmed","data":{}}`)
			Expect(postPartner(sender.ID, senderSecret, next).Code).To(Equal(http.StatusUnauthorized))
			Expect(postPartner(sender.ID, rotation.Secret, next).Code).To(Equal(http.StatusOK))
		})

		It("treats unknown partners as bad signatures", func() {
			rec := postPartner("3f0c2a4e-0000-4000-8000-000000000000", senderSecret, reservationEvent)

			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})

		It("rejects requests without a partner id", func() {
			rec := post("/api/webhooks/partner", reservationEvent, nil)

			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})

		It("refuses suspended partners", func() {
			suspended := datapartner.StatusSuspended
			_, err := partners.Update(ctx, sender.ID, partner.UpdateInput{Status: &suspended})
			Expect(err).ToNot(HaveOccurred())

			rec := postPartner(sender.ID, senderSecret, reservationEvent)

			Expect(rec.Code).To(Equal(http.StatusForbidden))
			Expect(rec.Body.String()).To(ContainSubstring("PARTNER_SUSPENDED"))
		})

		It("never lets a partner move a payment", func() {
			// Given
			p := newPayment()
			body, _ := json.Marshal(map[string]interface{}{
				"id":   "p_pay_1",
				"type": "payment.succeeded",
				"data": map[string]interface{}{"payment_id": p.ID},
			})

			// When
			rec := postPartner(sender.ID, senderSecret, body)

			// Then
			Expect(rec.Code).To(Equal(http.StatusOK))
			out := decode(rec)
			Expect(out.Transitioned).To(BeFalse())
			Expect(out.Note).To(Equal("acknowledged"))
			stored, _ := payments.Get(ctx, p.ID)
			Expect(stored.Status).To(Equal(datapayment.StatusPending))
			Expect(publisher.count(events.EventTypePaymentSucceeded)).To(Equal(0))
			Expect(publisher.count(events.EventTypeReservationPaid)).To(Equal(0))
		})
	})
})
