package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mesaya/payment-service/internal/core/datamodel/delivery"
	deliverypkg "github.com/mesaya/payment-service/internal/delivery"
)

type DeliveryRepository struct {
	db *gorm.DB
}

func NewDeliveryRepository(db *gorm.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

var _ deliverypkg.Repository = (*DeliveryRepository)(nil)

func (r *DeliveryRepository) Enqueue(ctx context.Context, d *delivery.Delivery) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "partner_id"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(d)
	if res.Error != nil {
		return false, fmt.Errorf("failed to enqueue delivery: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *DeliveryRepository) GetByID(ctx context.Context, id string) (*delivery.Delivery, error) {
	var d delivery.Delivery
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, deliverypkg.ErrDeliveryNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (r *DeliveryRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*delivery.Delivery, error) {
	var deliveries []*delivery.Delivery
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", delivery.StatusPending, now).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&deliveries).Error
	return deliveries, err
}

func (r *DeliveryRepository) Claim(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&delivery.Delivery{}).
		Where("id = ? AND status = ? AND next_attempt_at <= ?", id, delivery.StatusPending, now).
		Update("next_attempt_at", leaseUntil)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *DeliveryRepository) MarkDelivered(ctx context.Context, id string, attempts, statusCode int, at time.Time) error {
	return r.db.WithContext(ctx).Model(&delivery.Delivery{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           delivery.StatusDelivered,
			"attempts":         attempts,
			"last_status_code": statusCode,
			"last_error":       nil,
			"delivered_at":     at,
		}).Error
}

func (r *DeliveryRepository) MarkAttemptFailed(ctx context.Context, id string, attempt deliverypkg.Attempt) error {
	status := delivery.StatusPending
	if attempt.Final {
		status = delivery.StatusFailed
	}
	return r.db.WithContext(ctx).Model(&delivery.Delivery{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           status,
			"attempts":         attempt.Attempts,
			"last_status_code": attempt.StatusCode,
			"last_error":       attempt.Error,
			"next_attempt_at":  attempt.Next,
		}).Error
}
