package mock

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	gateway "github.com/mesaya/payment-service/internal/core/datamodel/paymentgateway"
	"github.com/mesaya/payment-service/internal/provider"
)

type Operation string

const (
	OpCreate Operation = "create_intent"
	OpVerify Operation = "verify"
	OpRefund Operation = "refund"
	OpCancel Operation = "cancel"
)

type Outcome string

const (
	OutcomeDecline Outcome = "decline"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
)

type intent struct {
	amountMinor int64
	currency    string
	status      gateway.PaymentStatus
	refunded    int64
}

// Adapter is a deterministic in-memory gateway. It never touches the network.
type Adapter struct {
	checkoutURL string

	mu       sync.Mutex
	intents  map[string]*intent
	byKey    map[string]string
	failNext map[Operation][]Outcome
	forced   map[string]Outcome
}

func New(checkoutURL string) *Adapter {
	return &Adapter{
		checkoutURL: checkoutURL,
		intents:     make(map[string]*intent),
		byKey:       make(map[string]string),
		failNext:    make(map[Operation][]Outcome),
		forced:      make(map[string]Outcome),
	}
}

func (a *Adapter) Name() string {
	return provider.NameMock
}

// FailNext queues an outcome for the next call of op.
func (a *Adapter) FailNext(op Operation, outcome Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext[op] = append(a.failNext[op], outcome)
}

// Force makes every call touching providerPaymentID end with outcome until cleared with "".
func (a *Adapter) Force(providerPaymentID string, outcome Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if outcome == "" {
		delete(a.forced, providerPaymentID)
		return
	}
	a.forced[providerPaymentID] = outcome
}

// SetStatus simulates a status change on the gateway side.
func (a *Adapter) SetStatus(providerPaymentID string, status gateway.PaymentStatus) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	in, ok := a.intents[providerPaymentID]
	if ok {
		in.status = status
	}
	return ok
}

func (a *Adapter) Status(providerPaymentID string) (gateway.PaymentStatus, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	in, ok := a.intents[providerPaymentID]
	if !ok {
		return "", false
	}
	return in.status, true
}

// Intents returns how many distinct intents were created.
func (a *Adapter) Intents() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.intents)
}

// outcomeLocked pops the queued outcome for op, falling back to the forced one for id.
func (a *Adapter) outcomeLocked(op Operation, providerPaymentID string) error {
	var outcome Outcome
	if queue := a.failNext[op]; len(queue) > 0 {
		outcome, a.failNext[op] = queue[0], queue[1:]
	} else if providerPaymentID != "" {
		outcome = a.forced[providerPaymentID]
	}

	switch outcome {
	case OutcomeDecline:
		return provider.Declined(provider.NameMock, string(op), "card_declined", "mock gateway declined the request", nil)
	case OutcomeError:
		return provider.Failure(provider.NameMock, string(op), "mock gateway error", nil)
	case OutcomeTimeout:
		return provider.Timeout(provider.NameMock, string(op), context.DeadlineExceeded)
	}
	return nil
}

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
}

func (a *Adapter) CreatePaymentIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.PaymentIntent, error) {
	if err := req.Validate(); err != nil {
		return nil, provider.Failure(provider.NameMock, string(OpCreate), err.Error(), err)
	}
	if err := ctx.Err(); err != nil {
		return nil, provider.Classify(provider.NameMock, string(OpCreate), err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if req.IdempotencyKey != "" {
		if id, ok := a.byKey[req.IdempotencyKey]; ok {
			return a.intentLocked(id), nil
		}
	}

	if err := a.outcomeLocked(OpCreate, ""); err != nil {
		return nil, err
	}

	id := newID("mock_pi_")
	a.intents[id] = &intent{
		amountMinor: req.AmountMinor,
		currency:    strings.ToLower(req.Currency),
		status:      gateway.PaymentStatusPending,
	}
	if req.IdempotencyKey != "" {
		a.byKey[req.IdempotencyKey] = id
	}

	return a.intentLocked(id), nil
}

func (a *Adapter) intentLocked(id string) *gateway.PaymentIntent {
	in := a.intents[id]

	checkout := a.checkoutURL
	if checkout != "" {
		q := url.Values{}
		q.Set("payment_id", id)
		q.Set("amount", strconv.FormatInt(in.amountMinor, 10))
		q.Set("currency", in.currency)
		sep := "?"
		if strings.Contains(checkout, "?") {
			sep = "&"
		}
		checkout = checkout + sep + q.Encode()
	}

	return &gateway.PaymentIntent{
		ProviderPaymentID: id,
		CheckoutURL:       checkout,
		ClientSecret:      fmt.Sprintf("%s_secret", id),
		Status:            in.status,
	}
}

func (a *Adapter) VerifyPayment(ctx context.Context, providerPaymentID string) (gateway.PaymentStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.outcomeLocked(OpVerify, providerPaymentID); err != nil {
		return "", err
	}
	in, ok := a.intents[providerPaymentID]
	if !ok {
		return "", provider.Failure(provider.NameMock, string(OpVerify),
			fmt.Sprintf("no such payment: %s", providerPaymentID), nil)
	}
	return in.status, nil
}

func (a *Adapter) RefundPayment(ctx context.Context, providerPaymentID string, amountMinor *int64) (*gateway.RefundResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.outcomeLocked(OpRefund, providerPaymentID); err != nil {
		return nil, err
	}
	in, ok := a.intents[providerPaymentID]
	if !ok {
		return nil, provider.Failure(provider.NameMock, string(OpRefund),
			fmt.Sprintf("no such payment: %s", providerPaymentID), nil)
	}
	if in.status == gateway.PaymentStatusFailed || in.status == gateway.PaymentStatusCancelled {
		return nil, provider.Declined(provider.NameMock, string(OpRefund), "charge_not_refundable",
			fmt.Sprintf("payment is %s", in.status), nil)
	}

	amount := in.amountMinor - in.refunded
	if amountMinor != nil {
		if *amountMinor <= 0 || *amountMinor > amount {
			return nil, provider.Declined(provider.NameMock, string(OpRefund), "amount_too_large",
				"refund amount exceeds the refundable balance", nil)
		}
		amount = *amountMinor
	}
	in.refunded += amount
	in.status = gateway.PaymentStatusRefunded

	return &gateway.RefundResult{
		RefundID:    newID("mock_re_"),
		Refunded:    true,
		AmountMinor: amount,
	}, nil
}

func (a *Adapter) CancelPayment(ctx context.Context, providerPaymentID string) (*gateway.CancelResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.outcomeLocked(OpCancel, providerPaymentID); err != nil {
		return nil, err
	}
	in, ok := a.intents[providerPaymentID]
	if !ok {
		return nil, provider.Failure(provider.NameMock, string(OpCancel),
			fmt.Sprintf("no such payment: %s", providerPaymentID), nil)
	}
	if in.status == gateway.PaymentStatusSucceeded || in.status == gateway.PaymentStatusRefunded {
		return nil, provider.Declined(provider.NameMock, string(OpCancel), "payment_intent_unexpected_state",
			fmt.Sprintf("payment is %s", in.status), nil)
	}
	in.status = gateway.PaymentStatusCancelled

	return &gateway.CancelResult{Cancelled: true, Status: in.status}, nil
}
