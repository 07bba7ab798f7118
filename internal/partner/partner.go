package partner

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/mesaya/payment-service/internal/core/datamodel/partner"
)

const (
	SecretPrefix = "whsec_"
	// AllEvents subscribes a partner to every event.
	AllEvents = "*"
)

var eventNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*(\.[a-z0-9_-]+)+$`)

// RepositoryAPI persists partners. Lookups return internal.ErrPartnerNotFound when absent.
type RepositoryAPI interface {
	Create(ctx context.Context, p *partner.Partner) error
	GetByID(ctx context.Context, id string) (*partner.Partner, error)
	Update(ctx context.Context, p *partner.Partner) error
	ListByStatus(ctx context.Context, status string) ([]*partner.Partner, error)
	// RotateSecret swaps in newSecret only while the stored current secret is still oldSecret.
	RotateSecret(ctx context.Context, id, oldSecret, newSecret string, previousExpiresAt time.Time) error
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	// RecordFailure bumps the failure counter and suspends an active partner that reaches threshold.
	RecordFailure(ctx context.Context, id string, at time.Time, threshold int) (suspended bool, err error)
	PurgeExpiredSecrets(ctx context.Context, now time.Time) (int64, error)
}

type ServiceAPI interface {
	Register(ctx context.Context, in RegisterInput) (*partner.Partner, string, error)
	Get(ctx context.Context, id string) (*partner.Partner, error)
	ListActive(ctx context.Context) ([]*partner.Partner, error)
	ListByEvent(ctx context.Context, eventType string) ([]*partner.Partner, error)
	Update(ctx context.Context, id string, in UpdateInput) (*partner.Partner, error)
	RotateSecret(ctx context.Context, id string) (*Rotation, error)
	ValidSecrets(ctx context.Context, id string) ([]string, error)
	RecordSuccess(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id string) error
	PurgeExpiredSecrets(ctx context.Context) (int64, error)
}

type RegisterInput struct {
	Name         string
	WebhookURL   string
	Events       []string
	Description  string
	ContactEmail string
}

// UpdateInput carries the fields to change; nil leaves a field as is.
type UpdateInput struct {
	Name         *string
	WebhookURL   *string
	Events       []string
	Status       *string
	Description  *string
	ContactEmail *string
}

type Rotation struct {
	PartnerID               string
	Secret                  string
	PreviousSecretExpiresAt time.Time
}

// GenerateSecret returns a fresh whsec_ secret with 48 hex characters.
func GenerateSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return SecretPrefix + hex.EncodeToString(buf), nil
}

// Subscribes reports whether p receives eventType.
func Subscribes(p *partner.Partner, eventType string) bool {
	for _, e := range p.Events {
		if e == AllEvents || e == eventType {
			return true
		}
	}
	return false
}

// ValidEventName accepts the wildcard and dotted lower-case names such as payment.succeeded.
func ValidEventName(name string) bool {
	return name == AllEvents || eventNamePattern.MatchString(name)
}

func IsValidStatus(status string) bool {
	switch status {
	case partner.StatusActive, partner.StatusInactive, partner.StatusSuspended:
		return true
	}
	return false
}
