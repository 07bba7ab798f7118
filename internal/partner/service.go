package partner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mesaya/payment-service/internal"
	"github.com/mesaya/payment-service/internal/core/common/validation"
	"github.com/mesaya/payment-service/internal/core/datamodel/partner"
)

type Config struct {
	// GracePeriod is how long a rotated-out secret keeps verifying.
	GracePeriod time.Duration
	// SuspendAfterFailures suspends a partner after that many consecutive failed deliveries.
	SuspendAfterFailures int
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

type Service struct {
	repo   RepositoryAPI
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewService(repo RepositoryAPI, cfg Config, logger *slog.Logger) *Service {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 24 * time.Hour
	}
	if cfg.SuspendAfterFailures <= 0 {
		cfg.SuspendAfterFailures = 10
	}
	now := cfg.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		repo:   repo,
		cfg:    cfg,
		logger: logger,
		now:    now,
	}
}

var _ ServiceAPI = (*Service)(nil)

func validateEvents(v *validation.ValidationBuilder, events []string) {
	v.Field("events", events).Required().Custom(func(interface{}) *internal.AppError {
		for _, e := range events {
			if !ValidEventName(e) {
				return internal.NewValidationFieldError("events",
					fmt.Sprintf("invalid event name %q", e), internal.ErrCodeInvalidEvent)
			}
		}
		return nil
	})
}

// Register creates an active partner. The returned secret is not retrievable later.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*partner.Partner, string, error) {
	in.Name = strings.TrimSpace(in.Name)

	v := validation.NewValidator()
	v.Field("name", in.Name).Required().MaxLength(255)
	v.Field("webhook_url", in.WebhookURL).Required().HTTPURL()
	v.Field("contact_email", in.ContactEmail).Email()
	validateEvents(v, in.Events)
	if appErr := v.Validate(); appErr != nil {
		return nil, "", appErr
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, "", internal.NewInternalError("failed to generate partner secret", err)
	}

	p := &partner.Partner{
		ID:         uuid.New().String(),
		Name:       in.Name,
		WebhookURL: in.WebhookURL,
		Events:     dedupe(in.Events),
		Secret:     secret,
		Status:     partner.StatusActive,
	}
	if in.Description != "" {
		p.Description = &in.Description
	}
	if in.ContactEmail != "" {
		p.ContactEmail = &in.ContactEmail
	}

	if err := s.repo.Create(ctx, p); err != nil {
		s.logger.Error("failed to create partner", "error", err)
		return nil, "", internal.NewInternalError("failed to register partner", err)
	}

	s.logger.Info("partner registered", "partner_id", p.ID, "name", p.Name, "events", []string(p.Events))
	return p, secret, nil
}

func (s *Service) Get(ctx context.Context, id string) (*partner.Partner, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListActive(ctx context.Context) ([]*partner.Partner, error) {
	return s.repo.ListByStatus(ctx, partner.StatusActive)
}

// ListByEvent returns active partners subscribed to eventType, directly or through "*".
func (s *Service) ListByEvent(ctx context.Context, eventType string) ([]*partner.Partner, error) {
	active, err := s.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	var out []*partner.Partner
	for _, p := range active {
		if Subscribes(p, eventType) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*partner.Partner, error) {
	v := validation.NewValidator()
	if in.Name != nil {
		v.Field("name", strings.TrimSpace(*in.Name)).Required().MaxLength(255)
	}
	if in.WebhookURL != nil {
		v.Field("webhook_url", *in.WebhookURL).Required().HTTPURL()
	}
	if in.Events != nil {
		validateEvents(v, in.Events)
	}
	if in.Status != nil {
		v.Field("status", *in.Status).OneOf(
			[]string{partner.StatusActive, partner.StatusInactive, partner.StatusSuspended}, internal.ErrCodeValidationFailed)
	}
	if in.ContactEmail != nil {
		v.Field("contact_email", *in.ContactEmail).Email()
	}
	if appErr := v.Validate(); appErr != nil {
		return nil, appErr
	}

	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		p.Name = strings.TrimSpace(*in.Name)
	}
	if in.WebhookURL != nil {
		p.WebhookURL = *in.WebhookURL
	}
	if in.Events != nil {
		p.Events = dedupe(in.Events)
	}
	if in.Description != nil {
		p.Description = in.Description
	}
	if in.ContactEmail != nil {
		p.ContactEmail = in.ContactEmail
	}
	if in.Status != nil && *in.Status != p.Status {
		if *in.Status == partner.StatusActive {
			p.ConsecutiveFailures = 0
		}
		s.logger.Info("partner status changed", "partner_id", p.ID, "from", p.Status, "to", *in.Status)
		p.Status = *in.Status
	}

	if err := s.repo.Update(ctx, p); err != nil {
		return nil, internal.NewInternalError("failed to update partner", err)
	}
	return p, nil
}

// RotateSecret issues a new current secret. The old one keeps verifying for the grace period.
func (s *Service) RotateSecret(ctx context.Context, id string) (*Rotation, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, internal.NewInternalError("failed to generate partner secret", err)
	}
	expiresAt := s.now().Add(s.cfg.GracePeriod)

	if err := s.repo.RotateSecret(ctx, p.ID, p.Secret, secret, expiresAt); err != nil {
		return nil, err
	}

	s.logger.Info("partner secret rotated", "partner_id", p.ID, "previous_expires_at", expiresAt)
	return &Rotation{PartnerID: p.ID, Secret: secret, PreviousSecretExpiresAt: expiresAt}, nil
}

// ValidSecrets returns the secrets an inbound webhook from the partner may be signed with:
// the current one, then the previous one while its grace window lasts.
func (s *Service) ValidSecrets(ctx context.Context, id string) ([]string, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != partner.StatusActive {
		return nil, internal.NewForbiddenError(
			fmt.Sprintf("partner %s is %s", p.ID, p.Status), internal.ErrCodePartnerSuspended)
	}

	secrets := []string{p.Secret}
	if p.PreviousSecret != nil && p.PreviousSecretExpiresAt != nil && s.now().Before(*p.PreviousSecretExpiresAt) {
		secrets = append(secrets, *p.PreviousSecret)
	}
	return secrets, nil
}

func (s *Service) RecordSuccess(ctx context.Context, id string) error {
	return s.repo.RecordSuccess(ctx, id, s.now())
}

func (s *Service) RecordFailure(ctx context.Context, id string) error {
	suspended, err := s.repo.RecordFailure(ctx, id, s.now(), s.cfg.SuspendAfterFailures)
	if err != nil {
		return err
	}
	if suspended {
		s.logger.Warn("partner suspended after consecutive delivery failures",
			"partner_id", id,
			"threshold", s.cfg.SuspendAfterFailures)
	}
	return nil
}

func (s *Service) PurgeExpiredSecrets(ctx context.Context) (int64, error) {
	n, err := s.repo.PurgeExpiredSecrets(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired partner secrets purged", "count", n)
	}
	return n, nil
}

func dedupe(events []string) []string {
	seen := make(map[string]bool, len(events))
	out := make([]string, 0, len(events))
	for _, e := range events {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}
