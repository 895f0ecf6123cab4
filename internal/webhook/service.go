package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/websearch-control-plane/internal/metrics"
	"github.com/JakeFAU/websearch-control-plane/internal/recrawl"
	"github.com/JakeFAU/websearch-control-plane/internal/retry"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 5
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 30 * time.Second
	defaultUserAgent   = "websearch-control-plane-webhook/1.0"
)

// Config tunes webhook delivery.
type Config struct {
	Secret      string
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	UserAgent   string
}

// Result summarizes one delivery.
type Result struct {
	DeliveryID string
	Delivered  bool
	Attempts   int
	StatusCode int
	Err        error
}

// Service signs payloads once and POSTs them with bounded retries.
type Service struct {
	client    *http.Client
	secret    []byte
	policy    retry.Policy
	ids       recrawl.IDGenerator
	clock     recrawl.Clock
	logger    *zap.Logger
	userAgent string
}

// NewService builds a Service. A nil client gets one with cfg.Timeout.
func NewService(cfg Config, client *http.Client, ids recrawl.IDGenerator, clock recrawl.Clock, logger *zap.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		client:    client,
		secret:    []byte(cfg.Secret),
		policy:    retry.NewExponentialPolicy(cfg.MaxAttempts, cfg.BackoffBase, cfg.BackoffMax),
		ids:       ids,
		clock:     clock,
		logger:    logger,
		userAgent: cfg.UserAgent,
	}
}

// Deliver sends the webhook for rec. 2xx stops as delivered, 4xx stops as a
// permanent failure, network errors and 5xx are retried within the budget.
// Every attempt re-sends the same signed body and delivery id.
func (s *Service) Deliver(ctx context.Context, rec recrawl.JobRecord, event string) Result {
	deliveryID := rec.ID + ":" + event
	if s.ids != nil {
		if id, err := s.ids.NewID(); err == nil {
			deliveryID = id
		}
	}
	res := Result{DeliveryID: deliveryID}

	body, err := Encode(NewPayload(rec, event, s.clock.Now()))
	if err != nil {
		res.Err = err
		metrics.ObserveWebhookDelivery(rec.CallbackURL, "error")
		return res
	}
	signature := Sign(s.secret, body)
	logger := s.logger.With(
		zap.String("job_id", rec.ID),
		zap.String("event", event),
		zap.String("delivery_id", deliveryID),
	)

	attempts, err := retry.Do(ctx, s.policy, func(ctx context.Context, attempt int) error {
		code, err := s.post(ctx, rec.CallbackURL, body, signature, event, deliveryID)
		res.StatusCode = code
		if err != nil {
			logger.Debug("webhook attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
	res.Attempts = attempts
	if err != nil {
		res.Err = err
		outcome := "failed"
		if retry.IsPermanent(err) {
			outcome = "rejected"
		}
		metrics.ObserveWebhookDelivery(rec.CallbackURL, outcome)
		logger.Warn("webhook delivery failed", zap.Int("attempts", attempts), zap.Error(err))
		return res
	}
	res.Delivered = true
	metrics.ObserveWebhookDelivery(rec.CallbackURL, "delivered")
	logger.Info("webhook delivered", zap.Int("attempts", attempts), zap.Int("status", res.StatusCode))
	return res
}

func (s *Service) post(ctx context.Context, url string, body []byte, signature, event, deliveryID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set(SignatureHeader, signature)
	req.Header.Set(EventHeader, event)
	req.Header.Set(DeliveryHeader, deliveryID)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post callback: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return resp.StatusCode, retry.Permanent(fmt.Errorf("callback rejected with status %d", resp.StatusCode))
	default:
		return resp.StatusCode, fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
}

// ErrorText flattens a delivery error for storage on the job record.
func ErrorText(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "delivery cancelled"
	}
	return err.Error()
}
