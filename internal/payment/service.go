package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mesaya/payment-service/internal"
	"github.com/mesaya/payment-service/internal/core/common/validation"
	"github.com/mesaya/payment-service/internal/core/datamodel/payment"
	gateway "github.com/mesaya/payment-service/internal/core/datamodel/paymentgateway"
	"github.com/mesaya/payment-service/internal/core/events"
	"github.com/mesaya/payment-service/internal/idempotency"
	"github.com/mesaya/payment-service/internal/lock"
	"github.com/mesaya/payment-service/internal/provider"
)

// Providers resolves a gateway adapter by name; an empty name selects the default.
type Providers interface {
	Get(name string) (provider.Port, error)
}

type Config struct {
	SuccessURL string
	CancelURL  string
	// LockWait bounds how long an operation waits for the per-payment lock.
	LockWait time.Duration
}

type Service struct {
	repo      Repository
	providers Providers
	locker    lock.Locker
	guard     *idempotency.Guard
	publisher events.Publisher
	cfg       Config
	logger    *slog.Logger
}

func NewService(
	repo Repository,
	providers Providers,
	locker lock.Locker,
	guard *idempotency.Guard,
	publisher events.Publisher,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if cfg.LockWait <= 0 {
		cfg.LockWait = 10 * time.Second
	}
	return &Service{
		repo:      repo,
		providers: providers,
		locker:    locker,
		guard:     guard,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

var _ ServiceAPI = (*Service)(nil)

func (s *Service) lock(ctx context.Context, id string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockWait)
	defer cancel()

	unlock, err := s.locker.Lock(lockCtx, "payment:"+id)
	if err != nil {
		return nil, internal.NewConflictError(
			fmt.Sprintf("payment %s is busy, retry later", id), internal.ErrCodeConflict).WithCause(err)
	}
	return unlock, nil
}

func validateCreate(in *CreateInput) error {
	in.Currency = strings.ToLower(strings.TrimSpace(in.Currency))
	if in.PaymentType == "" {
		in.PaymentType = payment.TypeReservation
	}

	v := validation.NewValidator()
	v.Field("amount", in.AmountMinor).MinInt(1, internal.ErrCodeInvalidAmount)
	v.Field("currency", in.Currency).Required().OneOf(SupportedCurrencies, internal.ErrCodeInvalidCurrency)
	v.Field("payment_type", in.PaymentType).OneOf([]string{payment.TypeReservation, payment.TypeSubscription}, internal.ErrCodeValidationFailed)
	v.Field("payer_email", in.PayerEmail).Email()
	v.Field("description", in.Description).MaxLength(500)
	v.Field("success_url", in.SuccessURL).HTTPURL()
	v.Field("cancel_url", in.CancelURL).HTTPURL()
	v.Field("idempotency_key", in.IdempotencyKey).MaxLength(255)
	if appErr := v.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

// Create persists a pending payment and opens the provider intent. A repeated idempotency
// key returns the payment created by the first call; replayed reports that case.
func (s *Service) Create(ctx context.Context, in CreateInput) (*payment.Payment, bool, error) {
	if err := validateCreate(&in); err != nil {
		return nil, false, err
	}

	port, err := s.providers.Get(in.Provider)
	if err != nil {
		return nil, false, err
	}

	if in.IdempotencyKey == "" || s.guard == nil {
		p, err := s.create(ctx, port, in)
		return p, false, err
	}

	raw, replayed, err := s.guard.Do(ctx, "payment:create:"+in.IdempotencyKey, func(ctx context.Context) ([]byte, error) {
		p, err := s.create(ctx, port, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"payment_id": p.ID})
	})
	if err != nil {
		return nil, false, err
	}

	var stored struct {
		PaymentID string `json:"payment_id"`
	}
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false, internal.NewInternalError("corrupt idempotent result", err)
	}
	p, err := s.repo.GetByID(ctx, stored.PaymentID)
	if err != nil {
		return nil, false, err
	}
	if replayed && !sameRequest(p, in) {
		return nil, false, errKeyReused()
	}
	return p, replayed, nil
}

func errKeyReused() error {
	return internal.NewConflictError("idempotency key was used with a different request", internal.ErrCodeConflict)
}

func sameRequest(p *payment.Payment, in CreateInput) bool {
	return p.AmountMinor == in.AmountMinor && p.Currency == in.Currency
}

func (s *Service) create(ctx context.Context, port provider.Port, in CreateInput) (*payment.Payment, error) {
	var p *payment.Payment

	if in.IdempotencyKey != "" {
		existing, err := s.repo.GetByIdempotencyKey(ctx, in.IdempotencyKey)
		switch {
		case err == nil:
			if !sameRequest(existing, in) {
				return nil, errKeyReused()
			}
			// an earlier attempt stored the payment but did not finish opening the intent
			if existing.ProviderPaymentID != nil || existing.Status != payment.StatusPending {
				return existing, nil
			}
			p = existing
		case !errors.Is(err, internal.ErrPaymentNotFound):
			return nil, err
		}
	}

	if p == nil {
		p = newPayment(port.Name(), in)
		if err := s.repo.Create(ctx, p); err != nil {
			s.logger.Error("failed to create payment record", "error", err)
			return nil, internal.NewInternalError("failed to create payment", err)
		}
		s.logger.Info("payment record created",
			"payment_id", p.ID,
			"provider", p.Provider,
			"amount", p.AmountMinor,
			"currency", p.Currency)
	}

	unlock, err := s.lock(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	intentKey := in.IdempotencyKey
	if intentKey == "" {
		intentKey = p.ID
	}
	intent, err := port.CreatePaymentIntent(ctx, gateway.IntentRequest{
		AmountMinor:    p.AmountMinor,
		Currency:       p.Currency,
		PaymentID:      p.ID,
		ReservationID:  deref(p.ReservationID),
		Description:    deref(p.Description),
		PayerEmail:     deref(p.PayerEmail),
		Metadata:       stringMetadata(in.Metadata),
		SuccessURL:     firstNonEmpty(in.SuccessURL, s.cfg.SuccessURL),
		CancelURL:      firstNonEmpty(in.CancelURL, s.cfg.CancelURL),
		IdempotencyKey: intentKey,
	})
	if err != nil {
		if provider.IsDeclined(err) {
			s.logger.Warn("payment intent declined", "payment_id", p.ID, "provider", p.Provider, "error", err)
			if _, terr := s.applyLocked(ctx, p, payment.StatusFailed, ModeSignal, err.Error(), ""); terr != nil {
				return nil, terr
			}
			return p, nil
		}
		// state stays pending; reconciliation or a retry with the same key resolves it
		s.logger.Error("payment intent creation failed", "payment_id", p.ID, "provider", p.Provider, "error", err)
		return nil, err
	}

	if err := s.repo.AttachIntent(ctx, p.ID, intent.ProviderPaymentID, intent.CheckoutURL); err != nil {
		return nil, internal.NewInternalError("failed to store provider reference", err)
	}
	p.ProviderPaymentID = strPtr(intent.ProviderPaymentID)
	p.CheckoutURL = strPtr(intent.CheckoutURL)

	s.publish(ctx, p, events.EventTypePaymentCreated, "")

	if intent.Status != "" && string(intent.Status) != payment.StatusPending {
		if _, err := s.applyLocked(ctx, p, string(intent.Status), ModeSignal, "", ""); err != nil {
			s.logger.Warn("initial provider status not applied", "payment_id", p.ID, "status", intent.Status, "error", err)
		}
	}

	s.logger.Info("payment intent created",
		"payment_id", p.ID,
		"provider", p.Provider,
		"provider_payment_id", intent.ProviderPaymentID,
		"status", p.Status)
	return p, nil
}

func newPayment(providerName string, in CreateInput) *payment.Payment {
	p := &payment.Payment{
		ID:             uuid.New().String(),
		AmountMinor:    in.AmountMinor,
		Currency:       in.Currency,
		Status:         payment.StatusPending,
		Provider:       providerName,
		PaymentType:    in.PaymentType,
		ReservationID:  strPtr(in.ReservationID),
		SubscriptionID: strPtr(in.SubscriptionID),
		UserID:         strPtr(in.UserID),
		PayerEmail:     strPtr(in.PayerEmail),
		PayerName:      strPtr(in.PayerName),
		Description:    strPtr(in.Description),
		IdempotencyKey: strPtr(in.IdempotencyKey),
	}
	if len(in.Metadata) > 0 {
		p.Metadata = in.Metadata
	}
	return p
}

func (s *Service) Get(ctx context.Context, id string) (*payment.Payment, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByProviderPaymentID(ctx context.Context, providerPaymentID string) (*payment.Payment, error) {
	return s.repo.GetByProviderPaymentID(ctx, providerPaymentID)
}

func (s *Service) ListByReservation(ctx context.Context, reservationID string) ([]*payment.Payment, error) {
	return s.repo.ListByReservation(ctx, reservationID)
}

// ApplyProviderResult feeds an observed status into the state machine.
func (s *Service) ApplyProviderResult(ctx context.Context, sig Signal) (*TransitionResult, error) {
	if !IsValidStatus(sig.Status) {
		return nil, internal.NewValidationError(fmt.Sprintf("unknown payment status %q", sig.Status), internal.ErrCodeValidationFailed)
	}

	id := sig.PaymentID
	if id == "" {
		if sig.ProviderPaymentID == "" {
			return nil, internal.NewValidationError("payment reference is required", internal.ErrCodeValidationFailed)
		}
		p, err := s.repo.GetByProviderPaymentID(ctx, sig.ProviderPaymentID)
		if err != nil {
			return nil, err
		}
		id = p.ID
	}

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	result, err := s.applyLocked(ctx, p, sig.Status, ModeSignal, sig.FailureReason, sig.ProviderPaymentID)
	if err != nil {
		s.logger.Warn("provider result rejected",
			"payment_id", id,
			"source", sig.Source,
			"status", sig.Status,
			"error", err)
		return nil, err
	}
	return result, nil
}

// applyLocked runs one state machine step. The caller holds the payment lock.
func (s *Service) applyLocked(ctx context.Context, p *payment.Payment, to string, mode Mode, reason, providerPaymentID string) (*TransitionResult, error) {
	from := p.Status
	result := &TransitionResult{
		Payment:        p,
		PaymentID:      p.ID,
		PreviousStatus: from,
		CurrentStatus:  from,
	}

	apply, err := Decide(from, to, mode)
	if err != nil {
		return nil, err
	}
	if !apply {
		return result, nil
	}

	change := StatusChange{}
	if to == payment.StatusFailed && reason != "" {
		change.FailureReason = strPtr(reason)
	}
	if providerPaymentID != "" && p.ProviderPaymentID == nil {
		change.ProviderPaymentID = strPtr(providerPaymentID)
	}

	if err := s.repo.UpdateStatus(ctx, p.ID, from, to, change); err != nil {
		return nil, err
	}

	p.Status = to
	if change.FailureReason != nil {
		p.FailureReason = change.FailureReason
	}
	if change.ProviderPaymentID != nil {
		p.ProviderPaymentID = change.ProviderPaymentID
	}
	result.CurrentStatus = to
	result.Transitioned = true

	s.logger.Info("payment transitioned",
		"payment_id", p.ID,
		"from", from,
		"to", to)

	for _, eventType := range EventsFor(from, to, p.PaymentType) {
		s.publish(ctx, p, eventType, from)
	}
	return result, nil
}

func (s *Service) publish(ctx context.Context, p *payment.Payment, eventType, previous string) {
	if s.publisher == nil {
		return
	}

	snapshot := events.PaymentSnapshot{
		PaymentID:         p.ID,
		ProviderPaymentID: deref(p.ProviderPaymentID),
		Provider:          p.Provider,
		AmountMinor:       p.AmountMinor,
		Currency:          p.Currency,
		Status:            p.Status,
		PreviousStatus:    previous,
		PaymentType:       p.PaymentType,
		ReservationID:     deref(p.ReservationID),
		SubscriptionID:    deref(p.SubscriptionID),
		UserID:            deref(p.UserID),
		FailureReason:     deref(p.FailureReason),
	}

	var event events.Event
	if eventType == events.EventTypeReservationPaid {
		event = events.NewReservationPaidEvent(snapshot)
	} else {
		event = events.NewPaymentEvent(eventType, snapshot)
	}

	if err := s.publisher.PublishSync(ctx, event); err != nil {
		s.logger.Error("failed to publish payment event",
			"payment_id", p.ID,
			"event_type", eventType,
			"error", err)
	}
}

// Verify asks the provider for the current status and applies it.
func (s *Service) Verify(ctx context.Context, id string) (*VerifyResult, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{
		PaymentID:      p.ID,
		PreviousStatus: p.Status,
		CurrentStatus:  p.Status,
	}
	if p.ProviderPaymentID == nil {
		return result, nil
	}

	port, err := s.providers.Get(p.Provider)
	if err != nil {
		return nil, err
	}
	remote, err := port.VerifyPayment(ctx, *p.ProviderPaymentID)
	if err != nil {
		s.logger.Warn("payment verification failed", "payment_id", p.ID, "provider", p.Provider, "error", err)
		return nil, err
	}
	result.RemoteStatus = string(remote)

	// a pending remote status carries no news for a payment that already moved on
	if string(remote) != payment.StatusPending {
		if _, err := s.applyLocked(ctx, p, string(remote), ModeSignal, "", ""); err != nil {
			if !internal.HasCode(err, internal.ErrCodeInvalidTransition) {
				return nil, err
			}
			s.logger.Warn("provider status diverges from local state",
				"payment_id", p.ID,
				"local_status", p.Status,
				"remote_status", remote)
		}
	}

	result.CurrentStatus = p.Status
	result.Synchronized = p.Status == string(remote)
	return result, nil
}

// Cancel moves a pending payment to cancelled after the provider agrees.
func (s *Service) Cancel(ctx context.Context, id, idempotencyKey string) (*CancelResult, error) {
	run := func(ctx context.Context) (*CancelResult, error) {
		unlock, err := s.lock(ctx, id)
		if err != nil {
			return nil, err
		}
		defer unlock()

		p, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if _, err := Decide(p.Status, payment.StatusCancelled, ModeCommand); err != nil {
			return nil, err
		}

		if p.ProviderPaymentID != nil {
			port, err := s.providers.Get(p.Provider)
			if err != nil {
				return nil, err
			}
			res, err := port.CancelPayment(ctx, *p.ProviderPaymentID)
			if err != nil {
				s.logger.Warn("provider cancel failed", "payment_id", p.ID, "error", err)
				return nil, err
			}
			if !res.Cancelled {
				return nil, provider.Declined(p.Provider, "cancel", "",
					fmt.Sprintf("provider reports payment as %s", res.Status), nil)
			}
		}

		if _, err := s.applyLocked(ctx, p, payment.StatusCancelled, ModeCommand, "", ""); err != nil {
			return nil, err
		}
		return &CancelResult{PaymentID: p.ID, Status: p.Status, Cancelled: true}, nil
	}

	if idempotencyKey == "" || s.guard == nil {
		return run(ctx)
	}
	var out CancelResult
	if err := s.guarded(ctx, "payment:cancel:"+id+":"+idempotencyKey, &out, func(ctx context.Context) (interface{}, error) {
		return run(ctx)
	}); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refund returns money on a succeeded payment. A nil amount refunds everything.
func (s *Service) Refund(ctx context.Context, id string, amountMinor *int64, idempotencyKey string) (*RefundResult, error) {
	run := func(ctx context.Context) (*RefundResult, error) {
		unlock, err := s.lock(ctx, id)
		if err != nil {
			return nil, err
		}
		defer unlock()

		p, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if _, err := Decide(p.Status, payment.StatusRefunded, ModeCommand); err != nil {
			return nil, err
		}
		if amountMinor != nil && (*amountMinor <= 0 || *amountMinor > p.AmountMinor) {
			return nil, internal.NewValidationFieldError("amount",
				fmt.Sprintf("amount must be between 1 and %d", p.AmountMinor), internal.ErrCodeInvalidAmount)
		}
		if p.ProviderPaymentID == nil {
			return nil, internal.NewValidationError("payment has no provider reference", internal.ErrCodeValidationFailed)
		}

		port, err := s.providers.Get(p.Provider)
		if err != nil {
			return nil, err
		}
		res, err := port.RefundPayment(ctx, *p.ProviderPaymentID, amountMinor)
		if err != nil {
			s.logger.Warn("provider refund failed", "payment_id", p.ID, "error", err)
			return nil, err
		}

		if _, err := s.applyLocked(ctx, p, payment.StatusRefunded, ModeCommand, "", ""); err != nil {
			return nil, err
		}

		amount := res.AmountMinor
		if amount == 0 {
			amount = p.AmountMinor
			if amountMinor != nil {
				amount = *amountMinor
			}
		}
		return &RefundResult{
			PaymentID:   p.ID,
			RefundID:    res.RefundID,
			Refunded:    res.Refunded,
			AmountMinor: amount,
			Status:      p.Status,
		}, nil
	}

	if idempotencyKey == "" || s.guard == nil {
		return run(ctx)
	}
	var out RefundResult
	if err := s.guarded(ctx, "payment:refund:"+id+":"+idempotencyKey, &out, func(ctx context.Context) (interface{}, error) {
		return run(ctx)
	}); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Service) guarded(ctx context.Context, key string, out interface{}, fn func(ctx context.Context) (interface{}, error)) error {
	raw, _, err := s.guard.Do(ctx, key, func(ctx context.Context) ([]byte, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return internal.NewInternalError("corrupt idempotent result", err)
	}
	return nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func stringMetadata(m map[string]interface{}) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	return out
}
