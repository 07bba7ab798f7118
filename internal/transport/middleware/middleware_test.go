package middleware

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mesaya/payment-service/internal"
	"github.com/mesaya/payment-service/internal/auth"
)

func TestMiddleware(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Middleware Suite")
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func errorCode(rec *httptest.ResponseRecorder) internal.ErrorCode {
	var body struct {
		Error struct {
			Code internal.ErrorCode `json:"code"`
		} `json:"error"`
	}
	Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
	return body.Error.Code
}

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

var _ = Describe("filterBody", func() {
	It("masks secrets and emails but keeps the rest", func() {
		// Given
		body := []byte(`{"amount":1000,"webhook_secret":"whsec_1","payer":{"payer_email":"ana@mesaya.io","card_number":"4242"}}`)

		// When
		out := filterBody(body)

		// Then
		var got map[string]interface{}
		Expect(json.Unmarshal([]byte(out), &got)).To(Succeed())
		Expect(got["amount"]).To(BeNumerically("==", 1000))
		Expect(got["webhook_secret"]).To(Equal("[FILTERED]"))
		payer := got["payer"].(map[string]interface{})
		Expect(payer["payer_email"]).To(Equal("a***@mesaya.io"))
		Expect(payer["card_number"]).To(Equal("[FILTERED]"))
	})

	It("drops non JSON bodies that mention a sensitive field", func() {
		Expect(filterBody([]byte("token=abc"))).To(Equal("[FILTERED - Contains sensitive data]"))
		Expect(filterBody([]byte("hello"))).To(Equal("hello"))
	})
})

var _ = Describe("LoggingMiddleware", func() {
	It("leaves the request body intact for the handler", func() {
		// Given
		var seen []byte
		h := LoggingMiddleware(discard)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusAccepted)
		}))
		body := bytes.Repeat([]byte("a"), maxLoggedBody+10)

		// When
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/webhooks/mock", bytes.NewReader(body)))

		// Then
		Expect(rec.Code).To(Equal(http.StatusAccepted))
		Expect(seen).To(Equal(body))
	})
})

var _ = Describe("CORS", func() {
	It("answers preflight for allowed origins", func() {
		req := httptest.NewRequest(http.MethodOptions, "/api/payments", nil)
		req.Header.Set("Origin", "http://localhost:4200")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()

		CORS("http://localhost:4200, https://mesaya.io")(ok).ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusNoContent))
		Expect(rec.Header().Get("Access-Control-Allow-Origin")).To(Equal("http://localhost:4200"))
	})

	It("sets no headers for other origins", func() {
		req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
		req.Header.Set("Origin", "https://evil.example")
		rec := httptest.NewRecorder()

		CORS("https://mesaya.io")(ok).ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Header().Get("Access-Control-Allow-Origin")).To(BeEmpty())
	})
})

var _ = Describe("RequestID", func() {
	It("keeps a caller supplied trace id", func() {
		var traceID string
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(TraceIDHeader, "trace-123")
		rec := httptest.NewRecorder()

		RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID = TraceID(r.Context())
		})).ServeHTTP(rec, req)

		Expect(traceID).To(Equal("trace-123"))
		Expect(rec.Header().Get(TraceIDHeader)).To(Equal("trace-123"))
	})

	It("generates one when absent", func() {
		rec := httptest.NewRecorder()
		RequestID(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		Expect(rec.Header().Get(TraceIDHeader)).ToNot(BeEmpty())
	})
})

var _ = Describe("RecoveryMiddleware", func() {
	It("turns a panic into a 500 app error", func() {
		rec := httptest.NewRecorder()
		RecoveryMiddleware(discard)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		Expect(rec.Code).To(Equal(http.StatusInternalServerError))
		Expect(errorCode(rec)).To(Equal(internal.ErrorCode("INTERNAL_ERROR")))
	})
})

var _ = Describe("RequireAdminKey", func() {
	var h http.Handler

	BeforeEach(func() {
		hash, err := auth.HashAdminKey("admin-secret")
		Expect(err).ToNot(HaveOccurred())
		h = RequireAdminKey(auth.NewAdminKey(hash), discard)(ok)
	})

	It("accepts the right key", func() {
		req := httptest.NewRequest(http.MethodGet, "/api/partners", nil)
		req.Header.Set(AdminKeyHeader, "admin-secret")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("rejects a wrong or missing key", func() {
		for _, key := range []string{"", "nope"} {
			req := httptest.NewRequest(http.MethodGet, "/api/partners", nil)
			req.Header.Set(AdminKeyHeader, key)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(errorCode(rec)).To(Equal(internal.ErrCodeInvalidAdminKey))
		}
	})
})

var _ = Describe("ServiceAuth", func() {
	var (
		key      *rsa.PrivateKey
		verifier *auth.TokenVerifier
	)

	BeforeEach(func() {
		var err error
		key, err = rsa.GenerateKey(rand.Reader, 2048)
		Expect(err).ToNot(HaveOccurred())
		der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		Expect(err).ToNot(HaveOccurred())
		verifier, err = auth.NewTokenVerifier(string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), "")
		Expect(err).ToNot(HaveOccurred())
	})

	serve := func(h http.Handler, header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/payments/p1", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	It("passes the claims of a valid token on", func() {
		// Given
		token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, auth.Claims{
			Service: "reservations",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			},
		}).SignedString(key)
		Expect(err).ToNot(HaveOccurred())

		var service string
		h := ServiceAuth(verifier, discard)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, _ := auth.ClaimsFromContext(r.Context())
			service = claims.Service
		}))

		// When
		rec := serve(h, "Bearer "+token)

		// Then
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(service).To(Equal("reservations"))
	})

	It("rejects missing and malformed tokens", func() {
		h := ServiceAuth(verifier, discard)(ok)

		rec := serve(h, "")
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		Expect(errorCode(rec)).To(Equal(internal.ErrCodeInvalidToken))

		rec = serve(h, "Bearer not-a-jwt")
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		Expect(errorCode(rec)).To(Equal(internal.ErrCodeInvalidToken))
	})

	It("is open when no verifier is configured", func() {
		Expect(serve(ServiceAuth(nil, discard)(ok), "").Code).To(Equal(http.StatusOK))
	})
})
