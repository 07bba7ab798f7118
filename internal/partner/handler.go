package partner

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/mesaya/payment-service/internal/transport"
)

type Handler struct {
	transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(service ServiceAPI, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: transport.BaseHandler{Logger: logger},
		Service:     service,
	}
}

// Register handles POST /api/partners/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterPartnerRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	p, secret, err := h.Service.Register(r.Context(), req.ToInput())
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusCreated, RegisterPartnerResponse{
		Partner: ToPartnerResponse(p),
		Secret:  secret,
	})
}

// List handles GET /api/partners
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	partners, err := h.Service.ListActive(r.Context())
	if err != nil {
		h.Logger.Error("List: failed to list partners", "error", err)
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, ToPartnerListResponse(partners))
}

// ListByEvent handles GET /api/partners/by-event/{event}
func (h *Handler) ListByEvent(w http.ResponseWriter, r *http.Request) {
	partners, err := h.Service.ListByEvent(r.Context(), chi.URLParam(r, "event"))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, ToPartnerListResponse(partners))
}

// Get handles GET /api/partners/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.Service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, ToPartnerResponse(p))
}

// Update handles PATCH /api/partners/{id}
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdatePartnerRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	p, err := h.Service.Update(r.Context(), chi.URLParam(r, "id"), req.ToInput())
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, ToPartnerResponse(p))
}

// RotateSecret handles POST /api/partners/{id}/rotate-secret
func (h *Handler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	rotation, err := h.Service.RotateSecret(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, RotateSecretResponse{
		PartnerID:               rotation.PartnerID,
		Secret:                  rotation.Secret,
		PreviousSecretExpiresAt: rotation.PreviousSecretExpiresAt,
	})
}
