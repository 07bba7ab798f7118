package mercadopago

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mercadopago/sdk-go/pkg/config"
	"github.com/mercadopago/sdk-go/pkg/payment"
	"github.com/mercadopago/sdk-go/pkg/refund"
	"github.com/shopspring/decimal"

	gateway "github.com/mesaya/payment-service/internal/core/datamodel/paymentgateway"
	"github.com/mesaya/payment-service/internal/idempotency"
	"github.com/mesaya/payment-service/internal/provider"
)

// Metadata keys copied from the intent request into the MercadoPago payment.
const (
	MetadataPaymentMethod = "payment_method_id"
	MetadataCardToken     = "card_token"
	MetadataInstallments  = "installments"
)

type paymentAPI interface {
	Create(ctx context.Context, request payment.Request) (*payment.Response, error)
	Get(ctx context.Context, id int) (*payment.Response, error)
	Cancel(ctx context.Context, id int) (*payment.Response, error)
}

type refundAPI interface {
	Create(ctx context.Context, paymentID int) (*refund.Response, error)
	CreatePartialRefund(ctx context.Context, paymentID int, amount float64) (*refund.Response, error)
}

type Config struct {
	AccessToken     string
	NotificationURL string
}

// Adapter talks to the MercadoPago payments API. The API has no caller-supplied
// idempotency key, so creation is deduplicated through the guard.
type Adapter struct {
	payments        paymentAPI
	refunds         refundAPI
	guard           *idempotency.Guard
	notificationURL string
}

func New(cfg Config, guard *idempotency.Guard) (*Adapter, error) {
	if cfg.AccessToken == "" {
		return nil, errors.New("mercadopago access token is required")
	}
	mpCfg, err := config.New(cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create mercadopago config: %w", err)
	}
	return &Adapter{
		payments:        payment.NewClient(mpCfg),
		refunds:         refund.NewClient(mpCfg),
		guard:           guard,
		notificationURL: cfg.NotificationURL,
	}, nil
}

func newWithAPIs(payments paymentAPI, refunds refundAPI, guard *idempotency.Guard) *Adapter {
	return &Adapter{payments: payments, refunds: refunds, guard: guard}
}

func (a *Adapter) Name() string {
	return provider.NameMercadoPago
}

func (a *Adapter) CreatePaymentIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.PaymentIntent, error) {
	if req.IdempotencyKey == "" || a.guard == nil {
		return a.create(ctx, req)
	}

	key := "mercadopago:intent:" + req.IdempotencyKey
	raw, _, err := a.guard.Do(ctx, key, func(ctx context.Context) ([]byte, error) {
		intent, err := a.create(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(intent)
	})
	if err != nil {
		return nil, err
	}

	var intent gateway.PaymentIntent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return nil, provider.Failure(provider.NameMercadoPago, "create_intent", "corrupt stored intent", err)
	}
	return &intent, nil
}

func (a *Adapter) create(ctx context.Context, req gateway.IntentRequest) (*gateway.PaymentIntent, error) {
	metadata := map[string]any{"payment_id": req.PaymentID}
	if req.ReservationID != "" {
		metadata["reservation_id"] = req.ReservationID
	}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	request := payment.Request{
		TransactionAmount: ToMajor(req.AmountMinor),
		Description:       req.Description,
		ExternalReference: req.PaymentID,
		NotificationURL:   a.notificationURL,
		PaymentMethodID:   req.Metadata[MetadataPaymentMethod],
		Token:             req.Metadata[MetadataCardToken],
		Metadata:          metadata,
	}
	if n, err := strconv.Atoi(req.Metadata[MetadataInstallments]); err == nil && n > 0 {
		request.Installments = n
	}
	if req.PayerEmail != "" {
		request.Payer = &payment.PayerRequest{Email: req.PayerEmail}
	}

	resp, err := a.payments.Create(ctx, request)
	if err != nil {
		return nil, provider.Classify(provider.NameMercadoPago, "create_intent", err)
	}

	return &gateway.PaymentIntent{
		ProviderPaymentID: strconv.Itoa(resp.ID),
		Status:            MapStatus(resp.Status),
	}, nil
}

func parseID(operation, providerPaymentID string) (int, error) {
	id, err := strconv.Atoi(providerPaymentID)
	if err != nil {
		return 0, provider.Failure(provider.NameMercadoPago, operation,
			fmt.Sprintf("invalid mercadopago payment id %q", providerPaymentID), err)
	}
	return id, nil
}

func (a *Adapter) VerifyPayment(ctx context.Context, providerPaymentID string) (gateway.PaymentStatus, error) {
	id, err := parseID("verify", providerPaymentID)
	if err != nil {
		return "", err
	}
	resp, err := a.payments.Get(ctx, id)
	if err != nil {
		return "", provider.Classify(provider.NameMercadoPago, "verify", err)
	}
	return MapStatus(resp.Status), nil
}

func (a *Adapter) RefundPayment(ctx context.Context, providerPaymentID string, amountMinor *int64) (*gateway.RefundResult, error) {
	id, err := parseID("refund", providerPaymentID)
	if err != nil {
		return nil, err
	}

	var resp *refund.Response
	if amountMinor != nil {
		resp, err = a.refunds.CreatePartialRefund(ctx, id, ToMajor(*amountMinor))
	} else {
		resp, err = a.refunds.Create(ctx, id)
	}
	if err != nil {
		return nil, provider.Classify(provider.NameMercadoPago, "refund", err)
	}

	if resp.Status == "rejected" || resp.Status == "cancelled" {
		return nil, provider.Declined(provider.NameMercadoPago, "refund", resp.Status,
			fmt.Sprintf("mercadopago refund %d is %s", resp.ID, resp.Status), nil)
	}

	return &gateway.RefundResult{
		RefundID:    strconv.Itoa(resp.ID),
		Refunded:    true,
		AmountMinor: ToMinor(resp.Amount),
		Message:     resp.Status,
	}, nil
}

func (a *Adapter) CancelPayment(ctx context.Context, providerPaymentID string) (*gateway.CancelResult, error) {
	id, err := parseID("cancel", providerPaymentID)
	if err != nil {
		return nil, err
	}
	resp, err := a.payments.Cancel(ctx, id)
	if err != nil {
		return nil, provider.Classify(provider.NameMercadoPago, "cancel", err)
	}
	status := MapStatus(resp.Status)
	return &gateway.CancelResult{
		Cancelled: status == gateway.PaymentStatusCancelled,
		Status:    status,
	}, nil
}

// MapStatus normalizes a MercadoPago payment status.
func MapStatus(status string) gateway.PaymentStatus {
	switch strings.ToLower(status) {
	case "approved":
		return gateway.PaymentStatusSucceeded
	case "rejected":
		return gateway.PaymentStatusFailed
	case "cancelled":
		return gateway.PaymentStatusCancelled
	case "refunded", "charged_back":
		return gateway.PaymentStatusRefunded
	default:
		// pending, in_process, authorized, in_mediation
		return gateway.PaymentStatusPending
	}
}

// ToMajor converts minor units (cents) into the decimal amount MercadoPago expects.
func ToMajor(amountMinor int64) float64 {
	return decimal.New(amountMinor, -2).InexactFloat64()
}

func ToMinor(amount float64) int64 {
	return decimal.NewFromFloat(amount).Shift(2).Round(0).IntPart()
}
