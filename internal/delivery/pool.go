package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mesaya/payment-service/internal/core/datamodel/delivery"
	"github.com/mesaya/payment-service/internal/core/datamodel/partner"
)

type Job struct {
	DeliveryID string
}

type Worker struct {
	ID         int
	WorkerPool chan chan Job
	JobChannel chan Job
	Logger     *slog.Logger
}

func NewWorker(id int, workerPool chan chan Job, logger *slog.Logger) *Worker {
	return &Worker{
		ID:         id,
		WorkerPool: workerPool,
		JobChannel: make(chan Job),
		Logger:     logger,
	}
}

func (w *Worker) Start(ctx context.Context, wg *sync.WaitGroup, processFunc func(context.Context, Job)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case w.WorkerPool <- w.JobChannel:
			case <-ctx.Done():
				w.Logger.Debug("delivery worker shutting down", "worker_id", w.ID)
				return
			}

			select {
			case job := <-w.JobChannel:
				w.Logger.Debug("delivery worker processing job", "worker_id", w.ID, "delivery_id", job.DeliveryID)
				processFunc(ctx, job)
			case <-ctx.Done():
				w.Logger.Debug("delivery worker shutting down", "worker_id", w.ID)
				return
			}
		}
	}()
}

type PoolConfig struct {
	Workers      int
	QueueSize    int
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	// Lease is how long a claimed delivery stays invisible to other pollers.
	Lease time.Duration
}

// Pool sends pending partner deliveries. Jobs arrive from Submit right after fan-out and from
// a poller that picks up due retries, so a lost job is only delayed.
type Pool struct {
	repo     Repository
	partners Partners
	sender   *Sender
	cfg      PoolConfig
	logger   *slog.Logger
	now      func() time.Time

	jobQueue   chan Job
	workerPool chan chan Job
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	once       sync.Once
}

func NewPool(repo Repository, partners Partners, sender *Sender, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Minute
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		repo:       repo,
		partners:   partners,
		sender:     sender,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		jobQueue:   make(chan Job, cfg.QueueSize),
		workerPool: make(chan chan Job, cfg.Workers),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (p *Pool) Start() {
	p.once.Do(func() {
		for i := 0; i < p.cfg.Workers; i++ {
			worker := NewWorker(i, p.workerPool, p.logger)
			worker.Start(p.ctx, &p.wg, p.process)
		}

		p.wg.Add(2)
		go p.dispatch()
		go p.poll()

		p.logger.Info("partner delivery worker pool started",
			"workers", p.cfg.Workers,
			"queue_size", cap(p.jobQueue),
			"poll_interval", p.cfg.PollInterval)
	})
}

func (p *Pool) dispatch() {
	defer p.wg.Done()

	for {
		select {
		case job := <-p.jobQueue:
			select {
			case jobChannel := <-p.workerPool:
				select {
				case jobChannel <- job:
				case <-p.ctx.Done():
					return
				}
			case <-p.ctx.Done():
				return
			}
		case <-p.ctx.Done():
			p.logger.Info("delivery dispatcher shutting down")
			return
		}
	}
}

func (p *Pool) poll() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.enqueueDue()
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pool) enqueueDue() {
	due, err := p.repo.ListDue(p.ctx, p.now(), p.cfg.BatchSize)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Error("failed to list due deliveries", "error", err)
		}
		return
	}
	for _, d := range due {
		if !p.Submit(d.ID) {
			return
		}
	}
}

// Submit queues a delivery without blocking. False means the queue is full; the poller
// retries it later.
func (p *Pool) Submit(deliveryID string) bool {
	select {
	case p.jobQueue <- Job{DeliveryID: deliveryID}:
		return true
	default:
		p.logger.Warn("delivery queue full, leaving job to the poller",
			"delivery_id", deliveryID,
			"queue_capacity", cap(p.jobQueue))
		return false
	}
}

func (p *Pool) Shutdown() {
	p.logger.Info("shutting down partner delivery pool")
	p.cancel()
	p.wg.Wait()
	p.logger.Info("partner delivery pool shutdown complete")
}

func (p *Pool) process(ctx context.Context, job Job) {
	if err := p.Deliver(ctx, job.DeliveryID); err != nil {
		p.logger.Warn("partner delivery attempt failed", "delivery_id", job.DeliveryID, "error", err)
	}
}

// Deliver makes one attempt at a due delivery. It is a no-op when another worker holds it.
func (p *Pool) Deliver(ctx context.Context, deliveryID string) error {
	now := p.now()
	claimed, err := p.repo.Claim(ctx, deliveryID, now, now.Add(p.cfg.Lease))
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	d, err := p.repo.GetByID(ctx, deliveryID)
	if err != nil {
		return err
	}

	pt, err := p.partners.Get(ctx, d.PartnerID)
	if err != nil {
		return p.fail(ctx, d, nil, err, true)
	}
	if pt.Status != partner.StatusActive {
		return p.fail(ctx, d, nil, errors.New("partner is "+pt.Status), true)
	}

	status, sendErr := p.sender.Send(ctx, Request{
		URL:       pt.WebhookURL,
		Secret:    pt.Secret,
		PartnerID: pt.ID,
		EventID:   d.EventID,
		EventType: d.EventType,
		Body:      d.Payload,
	})
	if sendErr != nil {
		if errors.Is(sendErr, context.Canceled) && ctx.Err() != nil {
			// shutting down; the lease expires and the poller picks it up again
			return sendErr
		}
		var code *int
		if status != 0 {
			code = &status
		}
		if err := p.partners.RecordFailure(ctx, pt.ID); err != nil {
			p.logger.Error("failed to record partner failure", "partner_id", pt.ID, "error", err)
		}
		return p.fail(ctx, d, code, sendErr, false)
	}

	if err := p.repo.MarkDelivered(ctx, d.ID, d.Attempts+1, status, p.now()); err != nil {
		return err
	}
	if err := p.partners.RecordSuccess(ctx, pt.ID); err != nil {
		p.logger.Error("failed to record partner success", "partner_id", pt.ID, "error", err)
	}
	p.logger.Info("partner webhook delivered",
		"delivery_id", d.ID,
		"partner_id", pt.ID,
		"event_id", d.EventID,
		"event_type", d.EventType,
		"status_code", status)
	return nil
}

func (p *Pool) fail(ctx context.Context, d *delivery.Delivery, statusCode *int, cause error, final bool) error {
	attempts := d.Attempts + 1
	if attempts >= p.cfg.MaxAttempts {
		final = true
	}

	attempt := Attempt{
		Attempts:   attempts,
		StatusCode: statusCode,
		Error:      cause.Error(),
		Next:       p.now().Add(p.backoff(attempts)),
		Final:      final,
	}
	if err := p.repo.MarkAttemptFailed(ctx, d.ID, attempt); err != nil {
		return err
	}

	if final {
		p.logger.Error("partner delivery abandoned",
			"delivery_id", d.ID,
			"partner_id", d.PartnerID,
			"event_id", d.EventID,
			"attempts", attempts,
			"error", cause)
	}
	return cause
}

// backoff is the wait before retry number attempts, growing exponentially up to MaxBackoff.
func (p *Pool) backoff(attempts int) time.Duration {
	b := retry.WithCappedDuration(p.cfg.MaxBackoff, retry.NewExponential(p.cfg.BaseBackoff))
	var d time.Duration
	for i := 0; i < attempts; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}
