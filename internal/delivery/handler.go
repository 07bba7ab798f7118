package delivery

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mesaya/payment-service/internal"
	"github.com/mesaya/payment-service/internal/core/common/validation"
	"github.com/mesaya/payment-service/internal/transport"
)

const TestEventType = "webhook.test"

type TestWebhookRequest struct {
	PartnerID string `json:"partner_id,omitempty"`
	URL       string `json:"url,omitempty"`
	Secret    string `json:"secret,omitempty"`
	EventType string `json:"event_type,omitempty"`
}

type TestWebhookResponse struct {
	EventID    string `json:"event_id"`
	URL        string `json:"url"`
	Delivered  bool   `json:"delivered"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

type Handler struct {
	transport.BaseHandler
	partners Partners
	sender   *Sender
}

func NewHandler(partners Partners, sender *Sender, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: transport.BaseHandler{Logger: logger},
		partners:    partners,
		sender:      sender,
	}
}

// TestWebhook handles POST /api/partners/test-webhook. It sends one signed sample event
// directly, bypassing the outbox.
func (h *Handler) TestWebhook(w http.ResponseWriter, r *http.Request) {
	var req TestWebhookRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	if req.PartnerID != "" {
		p, err := h.partners.Get(r.Context(), req.PartnerID)
		if err != nil {
			h.HandleServiceError(w, err)
			return
		}
		if req.URL == "" {
			req.URL = p.WebhookURL
		}
		req.Secret = p.Secret
	}
	if req.EventType == "" {
		req.EventType = TestEventType
	}

	v := validation.NewValidator()
	v.Field("url", req.URL).Required().HTTPURL()
	v.Field("secret", req.Secret).Required()
	if appErr := v.Validate(); appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	ev := Event{
		ID:         uuid.New().String(),
		Type:       req.EventType,
		OccurredAt: time.Now().UTC(),
		Data: map[string]interface{}{
			"message": "test webhook from MesaYA payment service",
		},
	}
	body, err := ev.Body()
	if err != nil {
		h.HandleError(w, internal.NewInternalError("failed to build test event", err))
		return
	}

	status, sendErr := h.sender.Send(r.Context(), Request{
		URL:       req.URL,
		Secret:    req.Secret,
		PartnerID: req.PartnerID,
		EventID:   ev.ID,
		EventType: ev.Type,
		Body:      body,
	})

	resp := TestWebhookResponse{
		EventID:    ev.ID,
		URL:        req.URL,
		Delivered:  sendErr == nil,
		StatusCode: status,
	}
	if sendErr != nil {
		resp.Error = sendErr.Error()
		h.Logger.Warn("test webhook failed", "url", req.URL, "error", sendErr)
	}
	h.WriteJSON(w, http.StatusOK, resp)
}
