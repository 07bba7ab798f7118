package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	record "github.com/mesaya/payment-service/internal/core/datamodel/idempotency"
	"github.com/mesaya/payment-service/internal/idempotency"
)

const reserveAttempts = 3

// Store keeps idempotency records in the relational database. Reservation relies on the
// primary key: an insert that hits an existing key does nothing.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Reserve(ctx context.Context, key string, ttl time.Duration) (*idempotency.Reservation, error) {
	for attempt := 0; attempt < reserveAttempts; attempt++ {
		now := s.now()
		rec := record.Record{
			Key:       key,
			State:     record.StateInProgress,
			ExpiresAt: now.Add(ttl),
		}

		res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to insert idempotency record: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return &idempotency.Reservation{Acquired: true, Record: &rec}, nil
		}

		// An expired record can be taken over by exactly one caller.
		res = s.db.WithContext(ctx).Model(&record.Record{}).
			Where("idempotency_key = ? AND expires_at <= ?", key, now).
			Updates(map[string]interface{}{
				"state":      record.StateInProgress,
				"result":     nil,
				"expires_at": now.Add(ttl),
				"updated_at": now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to take over idempotency record: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return &idempotency.Reservation{Acquired: true, Record: &rec}, nil
		}

		var existing record.Record
		err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// released between the insert and the read
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load idempotency record: %w", err)
		}
		return &idempotency.Reservation{Acquired: false, Record: &existing}, nil
	}

	return nil, fmt.Errorf("idempotency key %s is contended", key)
}

func (s *Store) Complete(ctx context.Context, key string, result []byte, ttl time.Duration) error {
	now := s.now()
	err := s.db.WithContext(ctx).Model(&record.Record{}).
		Where("idempotency_key = ?", key).
		Updates(map[string]interface{}{
			"state":      record.StateCompleted,
			"result":     result,
			"expires_at": now.Add(ttl),
			"updated_at": now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to complete idempotency record: %w", err)
	}
	return nil
}

func (s *Store) Release(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).
		Where("idempotency_key = ? AND state = ?", key, record.StateInProgress).
		Delete(&record.Record{}).Error
	if err != nil {
		return fmt.Errorf("failed to release idempotency record: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (*record.Record, error) {
	var rec record.Record
	err := s.db.WithContext(ctx).
		Where("idempotency_key = ? AND expires_at > ?", key, s.now()).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, idempotency.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	return &rec, nil
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&record.Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge idempotency records: %w", res.Error)
	}
	return res.RowsAffected, nil
}
