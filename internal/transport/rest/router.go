package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"
	"github.com/jmoiron/sqlx"

	"github.com/mesaya/payment-service/internal/auth"
	"github.com/mesaya/payment-service/internal/delivery"
	"github.com/mesaya/payment-service/internal/partner"
	"github.com/mesaya/payment-service/internal/payment"
	"github.com/mesaya/payment-service/internal/transport/middleware"
	"github.com/mesaya/payment-service/internal/transport/swagger"
	"github.com/mesaya/payment-service/internal/webhook"
)

// Dependencies are the handlers and guards the API is assembled from. Nil handlers
// leave their routes unregistered.
type Dependencies struct {
	DB             *sqlx.DB
	HealthChecks   map[string]Check
	Payments       *payment.Handler
	Webhooks       *webhook.Handler
	Partners       *partner.Handler
	Deliveries     *delivery.Handler
	TokenVerifier  *auth.TokenVerifier
	AdminKey       *auth.AdminKey
	OpenAPI        *swagger.Document
	AllowedOrigins string
	Logger         *slog.Logger
}

func RegisterAllRoutes(router *chi.Mux, deps Dependencies) {
	logger := deps.Logger
	healthHandler := NewHealthHandler(deps.DB, deps.HealthChecks)

	// Apply global middleware
	router.Use(middleware.CORS(deps.AllowedOrigins))
	router.Use(middleware.RequestID)
	router.Use(chiMiddleware.RealIP)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	if deps.OpenAPI != nil {
		router.Method(http.MethodGet, swagger.SpecPath, deps.OpenAPI)
		router.Handle("/swagger/*", swagger.Handler())
	}

	router.Route("/api", func(r chi.Router) {
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		// Webhooks authenticate by signature
		if deps.Webhooks != nil {
			r.Route("/webhooks", func(wr chi.Router) {
				wr.Post("/partner", deps.Webhooks.PartnerWebhook)
				wr.Post("/{gateway}", deps.Webhooks.GatewayWebhook)
			})
		}

		if deps.Payments != nil {
			r.Route("/payments", func(pr chi.Router) {
				pr.Use(middleware.ServiceAuth(deps.TokenVerifier, logger))

				pr.Post("/", deps.Payments.CreatePayment)                    // POST /payments
				pr.Get("/reservation/{id}", deps.Payments.ListByReservation) // GET /payments/reservation/:id
				pr.Get("/{id}", deps.Payments.GetPayment)                    // GET /payments/:id
				pr.Post("/{id}/verify", deps.Payments.VerifyPayment)         // POST /payments/:id/verify
				pr.Post("/{id}/cancel", deps.Payments.CancelPayment)         // POST /payments/:id/cancel
				pr.Post("/{id}/refund", deps.Payments.RefundPayment)         // POST /payments/:id/refund
			})
		}

		if deps.Partners != nil {
			r.Route("/partners", func(pr chi.Router) {
				pr.Use(middleware.RequireAdminKey(deps.AdminKey, logger))

				pr.Post("/register", deps.Partners.Register)
				pr.Get("/", deps.Partners.List)
				pr.Get("/by-event/{event}", deps.Partners.ListByEvent)
				if deps.Deliveries != nil {
					pr.Post("/test-webhook", deps.Deliveries.TestWebhook)
				}
				pr.Get("/{id}", deps.Partners.Get)
				pr.Patch("/{id}", deps.Partners.Update)
				pr.Post("/{id}/rotate-secret", deps.Partners.RotateSecret)
			})
		}
	})
}
