package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/mesaya/payment-service/internal"
	gateway "github.com/mesaya/payment-service/internal/core/datamodel/paymentgateway"
)

const (
	NameMock        = "mock"
	NameStripe      = "stripe"
	NameMercadoPago = "mercadopago"
)

// Port is the capability every payment gateway adapter implements.
type Port interface {
	Name() string
	CreatePaymentIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.PaymentIntent, error)
	VerifyPayment(ctx context.Context, providerPaymentID string) (gateway.PaymentStatus, error)
	// RefundPayment refunds the full amount when amountMinor is nil.
	RefundPayment(ctx context.Context, providerPaymentID string, amountMinor *int64) (*gateway.RefundResult, error)
	CancelPayment(ctx context.Context, providerPaymentID string) (*gateway.CancelResult, error)
}

// FailureDetails is attached to gateway AppErrors as Details.
type FailureDetails struct {
	Provider     string `json:"provider"`
	Operation    string `json:"operation"`
	Declined     bool   `json:"declined"`
	ProviderCode string `json:"provider_code,omitempty"`
}

// Declined reports a confirmed rejection by the provider.
func Declined(provider, operation, code, message string, cause error) error {
	return internal.NewGatewayError(message, cause).WithDetails(FailureDetails{
		Provider:     provider,
		Operation:    operation,
		Declined:     true,
		ProviderCode: code,
	})
}

// Failure reports a provider error that is not a confirmed rejection.
func Failure(provider, operation, message string, cause error) error {
	return internal.NewGatewayError(message, cause).WithDetails(FailureDetails{
		Provider:  provider,
		Operation: operation,
	})
}

func Timeout(provider, operation string, cause error) error {
	return internal.NewGatewayTimeoutError(
		fmt.Sprintf("%s %s timed out", provider, operation), cause,
	).WithDetails(FailureDetails{
		Provider:  provider,
		Operation: operation,
	})
}

func IsDeclined(err error) bool {
	appErr, ok := internal.IsAppError(err)
	if !ok || appErr.Code != internal.ErrCodeGatewayError {
		return false
	}
	details, ok := appErr.Details.(FailureDetails)
	return ok && details.Declined
}

func IsTimeout(err error) bool {
	return internal.HasCode(err, internal.ErrCodeGatewayTimeout)
}

// Classify maps a raw adapter error onto the gateway taxonomy. AppErrors pass through.
func Classify(provider, operation string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := internal.IsAppError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(provider, operation, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout(provider, operation, err)
	}
	return Failure(provider, operation, fmt.Sprintf("%s %s failed", provider, operation), err)
}

// Registry selects adapters by configured gateway name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Port
	fallback string
}

func NewRegistry(defaultProvider string) *Registry {
	return &Registry{
		adapters: make(map[string]Port),
		fallback: defaultProvider,
	}
}

func (r *Registry) Register(p Port) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[p.Name()] = p
}

// Get returns the adapter for name, or the default adapter when name is empty.
func (r *Registry) Get(name string) (Port, error) {
	if name == "" {
		name = r.fallback
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.adapters[name]
	if !ok {
		return nil, internal.NewValidationError(
			fmt.Sprintf("unknown payment gateway %q", name), internal.ErrCodeUnknownGateway)
	}
	return p, nil
}

func (r *Registry) Default() (Port, error) {
	return r.Get("")
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
