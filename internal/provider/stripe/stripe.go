package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	stripego "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"

	gateway "github.com/mesaya/payment-service/internal/core/datamodel/paymentgateway"
	"github.com/mesaya/payment-service/internal/provider"
)

type paymentIntentAPI interface {
	New(params *stripego.PaymentIntentParams) (*stripego.PaymentIntent, error)
	Get(id string, params *stripego.PaymentIntentParams) (*stripego.PaymentIntent, error)
	Cancel(id string, params *stripego.PaymentIntentCancelParams) (*stripego.PaymentIntent, error)
}

type refundAPI interface {
	New(params *stripego.RefundParams) (*stripego.Refund, error)
}

type Config struct {
	SecretKey string
	// APIURL overrides the Stripe endpoint, e.g. for stripe-mock.
	APIURL string
}

type Adapter struct {
	intents paymentIntentAPI
	refunds refundAPI
}

func New(cfg Config) (*Adapter, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}

	var backends *stripego.Backends
	if cfg.APIURL != "" {
		backend := stripego.GetBackendWithConfig(stripego.APIBackend, &stripego.BackendConfig{
			URL: stripego.String(cfg.APIURL),
		})
		backends = &stripego.Backends{API: backend, Connect: backend, Uploads: backend}
	}

	sc := client.New(cfg.SecretKey, backends)
	return &Adapter{intents: sc.PaymentIntents, refunds: sc.Refunds}, nil
}

func newWithAPIs(intents paymentIntentAPI, refunds refundAPI) *Adapter {
	return &Adapter{intents: intents, refunds: refunds}
}

func (a *Adapter) Name() string {
	return provider.NameStripe
}

func (a *Adapter) CreatePaymentIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.PaymentIntent, error) {
	params := &stripego.PaymentIntentParams{
		Amount:   stripego.Int64(req.AmountMinor),
		Currency: stripego.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripego.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripego.Bool(true),
		},
	}
	params.Context = ctx
	if req.Description != "" {
		params.Description = stripego.String(req.Description)
	}
	if req.PayerEmail != "" {
		params.ReceiptEmail = stripego.String(req.PayerEmail)
	}
	params.AddMetadata("payment_id", req.PaymentID)
	if req.ReservationID != "" {
		params.AddMetadata("reservation_id", req.ReservationID)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := a.intents.New(params)
	if err != nil {
		return nil, mapError("create_intent", err)
	}

	return &gateway.PaymentIntent{
		ProviderPaymentID: pi.ID,
		ClientSecret:      pi.ClientSecret,
		Status:            mapStatus(pi),
	}, nil
}

func (a *Adapter) VerifyPayment(ctx context.Context, providerPaymentID string) (gateway.PaymentStatus, error) {
	params := &stripego.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")

	pi, err := a.intents.Get(providerPaymentID, params)
	if err != nil {
		return "", mapError("verify", err)
	}
	return mapStatus(pi), nil
}

func (a *Adapter) RefundPayment(ctx context.Context, providerPaymentID string, amountMinor *int64) (*gateway.RefundResult, error) {
	params := &stripego.RefundParams{
		PaymentIntent: stripego.String(providerPaymentID),
	}
	params.Context = ctx
	if amountMinor != nil {
		params.Amount = stripego.Int64(*amountMinor)
	}

	re, err := a.refunds.New(params)
	if err != nil {
		return nil, mapError("refund", err)
	}

	switch re.Status {
	case stripego.RefundStatusFailed, stripego.RefundStatusCanceled:
		return nil, provider.Declined(provider.NameStripe, "refund", string(re.FailureReason),
			fmt.Sprintf("stripe refund %s is %s", re.ID, re.Status), nil)
	}

	return &gateway.RefundResult{
		RefundID:    re.ID,
		Refunded:    true,
		AmountMinor: re.Amount,
		Message:     string(re.Status),
	}, nil
}

func (a *Adapter) CancelPayment(ctx context.Context, providerPaymentID string) (*gateway.CancelResult, error) {
	params := &stripego.PaymentIntentCancelParams{}
	params.Context = ctx

	pi, err := a.intents.Cancel(providerPaymentID, params)
	if err != nil {
		return nil, mapError("cancel", err)
	}

	status := mapStatus(pi)
	return &gateway.CancelResult{
		Cancelled: status == gateway.PaymentStatusCancelled,
		Status:    status,
	}, nil
}

func mapStatus(pi *stripego.PaymentIntent) gateway.PaymentStatus {
	switch pi.Status {
	case stripego.PaymentIntentStatusSucceeded:
		if pi.LatestCharge != nil && pi.LatestCharge.Refunded {
			return gateway.PaymentStatusRefunded
		}
		return gateway.PaymentStatusSucceeded
	case stripego.PaymentIntentStatusCanceled:
		return gateway.PaymentStatusCancelled
	default:
		// requires_payment_method, requires_confirmation, requires_action, processing, requires_capture
		return gateway.PaymentStatusPending
	}
}

func mapError(operation string, err error) error {
	var stripeErr *stripego.Error
	if !errors.As(err, &stripeErr) {
		return provider.Classify(provider.NameStripe, operation, err)
	}

	code := string(stripeErr.Code)
	if stripeErr.DeclineCode != "" {
		code = string(stripeErr.DeclineCode)
	}

	switch {
	case stripeErr.Type == stripego.ErrorTypeCard,
		stripeErr.HTTPStatusCode == http.StatusPaymentRequired,
		stripeErr.Code == stripego.ErrorCodePaymentIntentUnexpectedState,
		stripeErr.Code == stripego.ErrorCodeChargeAlreadyRefunded:
		return provider.Declined(provider.NameStripe, operation, code, stripeErr.Msg, err)
	}

	return provider.Failure(provider.NameStripe, operation, fmt.Sprintf("stripe %s failed: %s", operation, stripeErr.Msg), err)
}
