package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mesaya/payment-service/internal"
	"github.com/mesaya/payment-service/internal/core/datamodel/partner"
	partnerpkg "github.com/mesaya/payment-service/internal/partner"
)

type PartnerRepository struct {
	db *gorm.DB
}

func NewPartnerRepository(db *gorm.DB) *PartnerRepository {
	return &PartnerRepository{db: db}
}

var _ partnerpkg.RepositoryAPI = (*PartnerRepository)(nil)

func (r *PartnerRepository) Create(ctx context.Context, p *partner.Partner) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *PartnerRepository) GetByID(ctx context.Context, id string) (*partner.Partner, error) {
	var p partner.Partner
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrPartnerNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PartnerRepository) Update(ctx context.Context, p *partner.Partner) error {
	return r.db.WithContext(ctx).Model(p).Select(
		"name", "webhook_url", "events", "status", "description", "contact_email", "consecutive_failures",
	).Updates(p).Error
}

func (r *PartnerRepository) ListByStatus(ctx context.Context, status string) ([]*partner.Partner, error) {
	var partners []*partner.Partner
	err := r.db.WithContext(ctx).Where("status = ?", status).Order("created_at ASC").Find(&partners).Error
	return partners, err
}

func (r *PartnerRepository) RotateSecret(ctx context.Context, id, oldSecret, newSecret string, previousExpiresAt time.Time) error {
	res := r.db.WithContext(ctx).Model(&partner.Partner{}).
		Where("id = ? AND secret = ?", id, oldSecret).
		Updates(map[string]interface{}{
			"secret":                     newSecret,
			"previous_secret":            oldSecret,
			"previous_secret_expires_at": previousExpiresAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to rotate partner secret: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return internal.NewConflictError("partner secret was rotated concurrently", internal.ErrCodeConflict)
	}
	return nil
}

func (r *PartnerRepository) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&partner.Partner{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"total_webhooks_sent":  gorm.Expr("total_webhooks_sent + 1"),
			"consecutive_failures": 0,
			"last_webhook_at":      at,
		}).Error
}

func (r *PartnerRepository) RecordFailure(ctx context.Context, id string, at time.Time, threshold int) (bool, error) {
	var suspended bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&partner.Partner{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"total_webhooks_sent":  gorm.Expr("total_webhooks_sent + 1"),
				"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
				"last_webhook_at":      at,
			}).Error; err != nil {
			return err
		}

		res := tx.Model(&partner.Partner{}).
			Where("id = ? AND status = ? AND consecutive_failures >= ?", id, partner.StatusActive, threshold).
			Update("status", partner.StatusSuspended)
		if res.Error != nil {
			return res.Error
		}
		suspended = res.RowsAffected == 1
		return nil
	})
	return suspended, err
}

func (r *PartnerRepository) PurgeExpiredSecrets(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&partner.Partner{}).
		Where("previous_secret IS NOT NULL AND previous_secret_expires_at <= ?", now).
		Updates(map[string]interface{}{
			"previous_secret":            nil,
			"previous_secret_expires_at": nil,
		})
	return res.RowsAffected, res.Error
}
