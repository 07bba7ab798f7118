package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mesaya/payment-service/internal/webhook/signature"
)

type SenderConfig struct {
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
}

// Sender posts signed webhook bodies, retrying transient failures a few times in place.
type Sender struct {
	client *http.Client
	cfg    SenderConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewSender(cfg SenderConfig, logger *slog.Logger) *Sender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	return &Sender{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

type Request struct {
	URL       string
	Secret    string
	PartnerID string
	EventID   string
	EventType string
	Body      []byte
}

// StatusError is a non-2xx answer from the receiver.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("receiver answered %d", e.StatusCode)
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// Send returns the last HTTP status observed (0 when none) and an error unless a 2xx arrived.
func (s *Sender) Send(ctx context.Context, req Request) (int, error) {
	var lastStatus int

	backoff := retry.NewExponential(s.cfg.BaseBackoff)
	backoff = retry.WithMaxRetries(uint64(max(s.cfg.MaxRetries, 0)), backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		status, err := s.post(ctx, req)
		lastStatus = status
		if err == nil {
			return nil
		}
		if status != 0 && !retryable(status) {
			return err
		}
		s.logger.Debug("partner webhook attempt failed, retrying",
			"partner_id", req.PartnerID,
			"event_id", req.EventID,
			"error", err)
		return retry.RetryableError(err)
	})
	return lastStatus, err
}

func (s *Sender) post(ctx context.Context, req Request) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return 0, fmt.Errorf("failed to create webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderSignature, signature.SignTimestamped(req.Secret, req.Body, s.now()))
	if req.PartnerID != "" {
		httpReq.Header.Set(HeaderPartnerID, req.PartnerID)
	}
	httpReq.Header.Set(HeaderEventID, req.EventID)
	httpReq.Header.Set(HeaderEventType, req.EventType)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode}
	}
	return resp.StatusCode, nil
}
