package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	record "github.com/mesaya/payment-service/internal/core/datamodel/idempotency"
	"github.com/mesaya/payment-service/internal/idempotency"
)

const reserveAttempts = 3

type entry struct {
	State     string          `json:"state"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store reserves keys with SET NX; the key's TTL is the record expiry.
type Store struct {
	client redis.UniversalClient
	prefix string
}

func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "idempotency"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) redisKey(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}

func (s *Store) Reserve(ctx context.Context, key string, ttl time.Duration) (*idempotency.Reservation, error) {
	now := time.Now().UTC()
	value, err := json.Marshal(entry{State: record.StateInProgress, CreatedAt: now})
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < reserveAttempts; attempt++ {
		ok, err := s.client.SetNX(ctx, s.redisKey(key), value, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		if ok {
			return &idempotency.Reservation{
				Acquired: true,
				Record: &record.Record{
					Key:       key,
					State:     record.StateInProgress,
					ExpiresAt: now.Add(ttl),
					CreatedAt: now,
					UpdatedAt: now,
				},
			}, nil
		}

		rec, err := s.Get(ctx, key)
		if errors.Is(err, idempotency.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &idempotency.Reservation{Acquired: false, Record: rec}, nil
	}

	return nil, fmt.Errorf("idempotency key %s is contended", key)
}

func (s *Store) Complete(ctx context.Context, key string, result []byte, ttl time.Duration) error {
	value, err := json.Marshal(entry{
		State:     record.StateCompleted,
		Result:    json.RawMessage(result),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.redisKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return nil
}

// releaseScript deletes the key only while it is still in progress.
var releaseScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
	return 0
end
if cjson.decode(raw).state == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *Store) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.redisKey(key)}, record.StateInProgress).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (*record.Record, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, s.redisKey(key))
	ttlCmd := pipe.PTTL(ctx, s.redisKey(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}

	raw, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, idempotency.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("corrupt idempotency entry %s: %w", key, err)
	}

	rec := &record.Record{
		Key:       key,
		State:     e.State,
		Result:    []byte(e.Result),
		CreatedAt: e.CreatedAt,
	}
	if ttl, err := ttlCmd.Result(); err == nil && ttl > 0 {
		rec.ExpiresAt = time.Now().UTC().Add(ttl)
	}
	return rec, nil
}
