package idempotency

import (
	"context"
	"sync"
	"time"

	record "github.com/mesaya/payment-service/internal/core/datamodel/idempotency"
)

// MemoryStore keeps records in process. Suitable for tests and single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]record.Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]record.Record),
		now:     time.Now,
	}
}

func (s *MemoryStore) Reserve(ctx context.Context, key string, ttl time.Duration) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.records[key]; ok && !expired(&existing, now) {
		rec := existing
		return &Reservation{Acquired: false, Record: &rec}, nil
	}

	rec := record.Record{
		Key:       key,
		State:     record.StateInProgress,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[key] = rec
	return &Reservation{Acquired: true, Record: &rec}, nil
}

func (s *MemoryStore) Complete(ctx context.Context, key string, result []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := s.records[key]
	rec.Key = key
	rec.State = record.StateCompleted
	rec.Result = append([]byte(nil), result...)
	rec.ExpiresAt = now.Add(ttl)
	rec.UpdatedAt = now
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && rec.State == record.StateInProgress {
		delete(s.records, key)
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || expired(&rec, s.now()) {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, rec := range s.records {
		if expired(&rec, now) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}
