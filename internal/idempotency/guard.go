package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mesaya/payment-service/internal"
	record "github.com/mesaya/payment-service/internal/core/datamodel/idempotency"
)

type Policy string

const (
	// PolicyFail answers Conflict while another caller holds the key.
	PolicyFail Policy = "fail"
	// PolicyWait polls until the holder completes or the wait bound elapses.
	PolicyWait Policy = "wait"
)

type GuardConfig struct {
	TTL            time.Duration
	ReservationTTL time.Duration
	Policy         Policy
	Wait           time.Duration
	PollInterval   time.Duration
}

// Guard runs a function at most once per key and replays its stored result afterwards.
type Guard struct {
	store  Store
	cfg    GuardConfig
	logger *slog.Logger
}

func NewGuard(store Store, cfg GuardConfig, logger *slog.Logger) *Guard {
	if cfg.TTL <= 0 {
		cfg.TTL = 72 * time.Hour
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = time.Minute
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyFail
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	return &Guard{store: store, cfg: cfg, logger: logger}
}

// Do executes fn under key. replayed is true when the result comes from an earlier execution.
// A failed fn releases the key so a later call runs again.
func (g *Guard) Do(ctx context.Context, key string, fn func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	deadline := time.Now().Add(g.cfg.Wait)

	for {
		res, err := g.store.Reserve(ctx, key, g.cfg.ReservationTTL)
		if err != nil {
			return nil, false, internal.NewInternalError("failed to reserve idempotency key", err)
		}

		if res.Acquired {
			result, err := g.run(ctx, key, fn)
			return result, false, err
		}

		if res.Record != nil && res.Record.State == record.StateCompleted {
			g.logger.Debug("idempotency key replayed", "idempotency_key", key)
			return res.Record.Result, true, nil
		}

		if g.cfg.Policy != PolicyWait || !time.Now().Before(deadline) {
			return nil, false, internal.NewConflictError(
				fmt.Sprintf("request %s is already in progress", key), internal.ErrCodeConflict)
		}

		select {
		case <-ctx.Done():
			return nil, false, internal.NewConflictError(
				fmt.Sprintf("request %s is already in progress", key), internal.ErrCodeConflict).WithCause(ctx.Err())
		case <-time.After(g.cfg.PollInterval):
		}
	}
}

func (g *Guard) run(ctx context.Context, key string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	result, err := fn(ctx)
	if err != nil {
		if relErr := g.store.Release(context.WithoutCancel(ctx), key); relErr != nil {
			g.logger.Error("failed to release idempotency key",
				"idempotency_key", key,
				"error", relErr)
		}
		return nil, err
	}

	if err := g.store.Complete(context.WithoutCancel(ctx), key, result, g.cfg.TTL); err != nil {
		g.logger.Error("failed to store idempotent result",
			"idempotency_key", key,
			"error", err)
	}
	return result, nil
}
