package payment

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	errors "github.com/mesaya/payment-service/internal"
	"github.com/mesaya/payment-service/internal/transport"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type Handler struct {
	transport.BaseHandler
	PaymentService ServiceAPI
}

func NewHandler(paymentService ServiceAPI, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler:    transport.BaseHandler{Logger: logger},
		PaymentService: paymentService,
	}
}

// CreatePayment handles POST /api/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.HandleError(w, appErr)
		return
	}
	if err := req.Validate(); err != nil {
		h.HandleServiceError(w, err)
		return
	}

	p, replayed, err := h.PaymentService.Create(r.Context(), req.ToInput(r.Header.Get(IdempotencyKeyHeader)))
	if err != nil {
		h.Logger.Error("CreatePayment: service error", "error", err)
		h.HandleServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
		w.Header().Set("Idempotent-Replayed", "true")
	}
	h.WriteJSON(w, status, ToPaymentResponse(p))
}

// GetPayment handles GET /api/payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.HandleError(w, errors.NewValidationError("payment id is required", errors.ErrCodeValidationFailed))
		return
	}

	p, err := h.PaymentService.Get(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, ToPaymentResponse(p))
}

// ListByReservation handles GET /api/payments/reservation/{id}
func (h *Handler) ListByReservation(w http.ResponseWriter, r *http.Request) {
	reservationID := chi.URLParam(r, "id")

	payments, err := h.PaymentService.ListByReservation(r.Context(), reservationID)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	resp := PaymentListResponse{Payments: make([]PaymentResponse, 0, len(payments))}
	for _, p := range payments {
		resp.Payments = append(resp.Payments, ToPaymentResponse(p))
	}
	resp.Total = len(resp.Payments)
	h.WriteJSON(w, http.StatusOK, resp)
}

// VerifyPayment handles POST /api/payments/{id}/verify
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	result, err := h.PaymentService.Verify(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, result)
}

// CancelPayment handles POST /api/payments/{id}/cancel
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	result, err := h.PaymentService.Cancel(r.Context(), chi.URLParam(r, "id"), r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, result)
}

// RefundPayment handles POST /api/payments/{id}/refund
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	body, appErr := h.ReadBody(r)
	if appErr != nil {
		h.HandleError(w, appErr)
		return
	}
	var req RefundPaymentRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
			return
		}
	}

	result, err := h.PaymentService.Refund(r.Context(), chi.URLParam(r, "id"), req.Amount, r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, result)
}
