package payment_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	datamodel "github.com/mesaya/payment-service/internal/core/datamodel/payment"
	"github.com/mesaya/payment-service/internal/idempotency"
	"github.com/mesaya/payment-service/internal/lock"
	"github.com/mesaya/payment-service/internal/payment"
	"github.com/mesaya/payment-service/internal/payment/postgres"
	"github.com/mesaya/payment-service/internal/provider"
	"github.com/mesaya/payment-service/internal/provider/mock"
)

var _ = Describe("Handler", func() {
	var router chi.Router

	BeforeEach(func() {
		log := slog.New(slog.NewTextHandler(io.Discard, nil))
		registry := provider.NewRegistry(provider.NameMock)
		registry.Register(mock.New("https://checkout.mock.local/pay"))
		guard := idempotency.NewGuard(idempotency.NewMemoryStore(), idempotency.GuardConfig{TTL: time.Hour}, log)
		svc := payment.NewService(postgres.NewPaymentRepository(newTestDB()), registry, lock.NewKeyedMutex(),
			guard, &recordingPublisher{}, payment.Config{}, log)
		h := payment.NewHandler(svc, log)

		router = chi.NewRouter()
		router.Post("/api/payments", h.CreatePayment)
		router.Get("/api/payments/{id}", h.GetPayment)
		router.Get("/api/payments/reservation/{id}", h.ListByReservation)
		router.Post("/api/payments/{id}/cancel", h.CancelPayment)
		router.Post("/api/payments/{id}/refund", h.RefundPayment)
	})

	do := func(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	It("creates a payment and replays it under the same Idempotency-Key", func() {
		// Given
		body := map[string]interface{}{"amount": 2500, "currency": "mxn", "reservation_id": "res-7"}
		headers := map[string]string{payment.IdempotencyKeyHeader: "key-1"}

		// When
		first := do(http.MethodPost, "/api/payments", body, headers)
		second := do(http.MethodPost, "/api/payments", body, headers)

		// Then
		Expect(first.Code).To(Equal(http.StatusCreated))
		Expect(second.Code).To(Equal(http.StatusOK))

		var a, b payment.PaymentResponse
		Expect(json.Unmarshal(first.Body.Bytes(), &a)).To(Succeed())
		Expect(json.Unmarshal(second.Body.Bytes(), &b)).To(Succeed())
		Expect(b.ID).To(Equal(a.ID))
		Expect(a.Status).To(Equal(datamodel.StatusPending))

		got := do(http.MethodGet, "/api/payments/"+a.ID, nil, nil)
		Expect(got.Code).To(Equal(http.StatusOK))

		list := do(http.MethodGet, "/api/payments/reservation/res-7", nil, nil)
		var listed payment.PaymentListResponse
		Expect(json.Unmarshal(list.Body.Bytes(), &listed)).To(Succeed())
		Expect(listed.Total).To(Equal(1))
	})

	It("returns 400 for invalid input", func() {
		rec := do(http.MethodPost, "/api/payments", map[string]interface{}{"amount": -1, "currency": "usd"}, nil)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("returns 404 for an unknown payment", func() {
		rec := do(http.MethodGet, "/api/payments/does-not-exist", nil, nil)
		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})

	It("returns 409 when refunding a pending payment", func() {
		// Given
		created := do(http.MethodPost, "/api/payments", map[string]interface{}{"amount": 100, "currency": "usd"}, nil)
		var p payment.PaymentResponse
		Expect(json.Unmarshal(created.Body.Bytes(), &p)).To(Succeed())

		// When
		rec := do(http.MethodPost, "/api/payments/"+p.ID+"/refund", nil, nil)

		// Then
		Expect(rec.Code).To(Equal(http.StatusConflict))
		Expect(rec.Body.String()).To(ContainSubstring("INVALID_TRANSITION"))

		cancelled := do(http.MethodPost, "/api/payments/"+p.ID+"/cancel", nil, nil)
		Expect(cancelled.Code).To(Equal(http.StatusOK))
	})
})
