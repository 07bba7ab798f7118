package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mesaya/payment-service/internal"
	"github.com/mesaya/payment-service/internal/core/datamodel/payment"
	paymentpkg "github.com/mesaya/payment-service/internal/payment"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{
		db: db,
	}
}

var _ paymentpkg.Repository = (*PaymentRepository)(nil)

func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*payment.Payment, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *PaymentRepository) GetByProviderPaymentID(ctx context.Context, providerPaymentID string) (*payment.Payment, error) {
	return r.first(ctx, "provider_payment_id = ?", providerPaymentID)
}

func (r *PaymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (*payment.Payment, error) {
	return r.first(ctx, "idempotency_key = ?", key)
}

func (r *PaymentRepository) first(ctx context.Context, query string, arg interface{}) (*payment.Payment, error) {
	var p payment.Payment
	err := r.db.WithContext(ctx).Where(query, arg).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) ListByReservation(ctx context.Context, reservationID string) ([]*payment.Payment, error) {
	var payments []*payment.Payment
	err := r.db.WithContext(ctx).
		Where("reservation_id = ?", reservationID).
		Order("created_at DESC").
		Find(&payments).Error
	return payments, err
}

func (r *PaymentRepository) AttachIntent(ctx context.Context, id, providerPaymentID, checkoutURL string) error {
	updates := map[string]interface{}{
		"provider_payment_id": providerPaymentID,
	}
	if checkoutURL != "" {
		updates["checkout_url"] = checkoutURL
	}

	res := r.db.WithContext(ctx).Model(&payment.Payment{}).
		Where("id = ? AND provider_payment_id IS NULL", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		p, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if p.ProviderPaymentID != nil && *p.ProviderPaymentID == providerPaymentID {
			return nil
		}
		return internal.NewConflictError(fmt.Sprintf("payment %s already has a provider reference", id), internal.ErrCodeConflict)
	}
	return nil
}

func (r *PaymentRepository) UpdateStatus(ctx context.Context, id, from, to string, change paymentpkg.StatusChange) error {
	updates := map[string]interface{}{
		"status": to,
	}
	if change.FailureReason != nil {
		updates["failure_reason"] = *change.FailureReason
	}
	if change.ProviderPaymentID != nil {
		updates["provider_payment_id"] = *change.ProviderPaymentID
	}

	res := r.db.WithContext(ctx).Model(&payment.Payment{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return internal.NewConflictError(
			fmt.Sprintf("payment %s is no longer %s", id, from), internal.ErrCodeConflict)
	}
	return nil
}

func (r *PaymentRepository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*payment.Payment, error) {
	var payments []*payment.Payment
	q := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", payment.StatusPending, olderThan).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&payments).Error
	return payments, err
}
