package payment

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type ReconcileOptions struct {
	// OlderThan skips payments created more recently than this.
	OlderThan   time.Duration
	Limit       int
	Concurrency int
}

type ReconcileReport struct {
	Checked  int      `json:"checked"`
	Changed  int      `json:"changed"`
	Diverged int      `json:"diverged"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// Reconcile verifies stale pending payments against their gateways. Failures of single
// payments are counted, not returned; the pass only errors when the listing fails.
func (s *Service) Reconcile(ctx context.Context, opts ReconcileOptions) (*ReconcileReport, error) {
	if opts.OlderThan <= 0 {
		opts.OlderThan = 15 * time.Minute
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	stale, err := s.repo.ListStalePending(ctx, time.Now().UTC().Add(-opts.OlderThan), opts.Limit)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		report = &ReconcileReport{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	for _, p := range stale {
		if p.ProviderPaymentID == nil {
			continue
		}
		id := p.ID
		g.Go(func() error {
			res, err := s.Verify(gctx, id)

			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			switch {
			case err != nil:
				report.Failed++
				report.Errors = append(report.Errors, id+": "+err.Error())
			case res.PreviousStatus != res.CurrentStatus:
				report.Changed++
			case !res.Synchronized && res.RemoteStatus != "":
				report.Diverged++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("reconciliation pass finished",
		"checked", report.Checked,
		"changed", report.Changed,
		"diverged", report.Diverged,
		"failed", report.Failed)
	return report, nil
}
