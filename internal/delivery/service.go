package delivery

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mesaya/payment-service/internal/core/datamodel/delivery"
)

// Submitter hands a stored delivery to the worker pool.
type Submitter interface {
	Submit(deliveryID string) bool
}

type Service struct {
	repo      Repository
	partners  Partners
	submitter Submitter
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(repo Repository, partners Partners, submitter Submitter, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		partners:  partners,
		submitter: submitter,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// FanOut stores one delivery per active partner subscribed to ev.Type, skipping
// excludePartnerID. Repeating it for the same event adds nothing. It returns how many
// partners the event is owed to.
func (s *Service) FanOut(ctx context.Context, ev Event, excludePartnerID string) (int, error) {
	partners, err := s.partners.ListByEvent(ctx, ev.Type)
	if err != nil {
		return 0, err
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now()
	}
	body, err := ev.Body()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, p := range partners {
		if p.ID == excludePartnerID {
			continue
		}
		d := &delivery.Delivery{
			ID:            uuid.New().String(),
			PartnerID:     p.ID,
			EventID:       ev.ID,
			EventType:     ev.Type,
			Payload:       body,
			Status:        delivery.StatusPending,
			NextAttemptAt: s.now(),
		}
		created, err := s.repo.Enqueue(ctx, d)
		if err != nil {
			return count, err
		}
		count++
		if created && s.submitter != nil {
			s.submitter.Submit(d.ID)
		}
	}

	if count > 0 {
		s.logger.Info("event fanned out to partners",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"partners", count)
	}
	return count, nil
}
