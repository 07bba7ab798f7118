package webhook

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/mesaya/payment-service/internal"
	"github.com/mesaya/payment-service/internal/delivery"
	"github.com/mesaya/payment-service/internal/provider"
	"github.com/mesaya/payment-service/internal/transport"
	"github.com/mesaya/payment-service/internal/webhook/signature"
)

// Source describes how one gateway signs and encodes its webhooks.
type Source struct {
	Name   string
	Scheme signature.Scheme
	Header string
	Secret string
	Parse  Parser
}

// DefaultSources returns the gateway sources with their standard headers and schemes.
func DefaultSources(mockSecret, stripeSecret, mercadoPagoSecret string) []Source {
	return []Source{
		{Name: provider.NameMock, Scheme: signature.SchemeTimestamped, Header: delivery.HeaderSignature, Secret: mockSecret, Parse: ParseMock},
		{Name: provider.NameStripe, Scheme: signature.SchemeTimestamped, Header: "Stripe-Signature", Secret: stripeSecret, Parse: ParseStripe},
		{Name: provider.NameMercadoPago, Scheme: signature.SchemeHex, Header: "X-Signature", Secret: mercadoPagoSecret, Parse: ParseMercadoPago},
	}
}

type Partners interface {
	ValidSecrets(ctx context.Context, id string) ([]string, error)
}

type Handler struct {
	transport.BaseHandler
	sources    map[string]Source
	partners   Partners
	verifier   *signature.Verifier
	dispatcher *Dispatcher
}

func NewHandler(sources []Source, partners Partners, verifier *signature.Verifier, dispatcher *Dispatcher, logger *slog.Logger) *Handler {
	h := &Handler{
		BaseHandler: transport.BaseHandler{Logger: logger},
		sources:     make(map[string]Source, len(sources)),
		partners:    partners,
		verifier:    verifier,
		dispatcher:  dispatcher,
	}
	for _, s := range sources {
		h.sources[s.Name] = s
	}
	return h
}

// GatewayWebhook handles POST /api/webhooks/{gateway}
func (h *Handler) GatewayWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "gateway")
	src, ok := h.sources[name]
	if !ok {
		h.HandleError(w, internal.NewNotFoundError("unknown gateway "+name, internal.ErrCodeUnknownGateway))
		return
	}

	body, appErr := h.ReadBody(r)
	if appErr != nil {
		h.HandleError(w, appErr)
		return
	}
	if err := h.verifier.Verify(src.Name, src.Scheme, body, r.Header.Get(src.Header), src.Secret); err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.dispatch(w, r, src.Parse, body)
}

// PartnerWebhook handles POST /api/webhooks/partner
func (h *Handler) PartnerWebhook(w http.ResponseWriter, r *http.Request) {
	partnerID := r.Header.Get(delivery.HeaderPartnerID)
	if partnerID == "" {
		h.HandleError(w, internal.NewInvalidSignatureError("missing partner id"))
		return
	}

	body, appErr := h.ReadBody(r)
	if appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	secrets, err := h.partners.ValidSecrets(r.Context(), partnerID)
	if err != nil {
		if internal.HasCode(err, internal.ErrCodePartnerNotFound) {
			// unknown partners look like bad signatures
			h.Logger.Warn("webhook from unknown partner", "partner_id", partnerID)
			h.HandleError(w, internal.NewInvalidSignatureError("invalid signature"))
			return
		}
		h.HandleServiceError(w, err)
		return
	}

	source := PartnerSource(partnerID)
	if err := h.verifier.Verify(source, signature.SchemeTimestamped, body, r.Header.Get(delivery.HeaderSignature), secrets...); err != nil {
		h.HandleServiceError(w, err)
		return
	}

	ctx := internal.ContextWithPartnerID(r.Context(), partnerID)
	h.dispatch(w, r.WithContext(ctx), ParsePartner(partnerID), body)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, parse Parser, body []byte) {
	ev, err := parse(body)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	out, err := h.dispatcher.Dispatch(r.Context(), ev)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	if out.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	h.WriteJSON(w, http.StatusOK, out)
}
