package idempotency

import (
	"context"
	"errors"
	"time"

	record "github.com/mesaya/payment-service/internal/core/datamodel/idempotency"
)

var ErrNotFound = errors.New("idempotency record not found")

// Reservation is the result of an atomic check-and-reserve. When Acquired is false,
// Record holds the state another caller left behind.
type Reservation struct {
	Acquired bool
	Record   *record.Record
}

// Store maps an idempotency key to a single execution. Reserve must be atomic per key
// in every implementation: among concurrent callers exactly one acquires.
type Store interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (*Reservation, error)
	Complete(ctx context.Context, key string, result []byte, ttl time.Duration) error
	Release(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (*record.Record, error)
}

// Purger is implemented by stores that need explicit cleanup of expired keys.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

func expired(rec *record.Record, now time.Time) bool {
	return !rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt)
}
