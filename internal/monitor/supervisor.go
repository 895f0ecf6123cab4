// Package monitor runs one completion monitor per callback-bearing re-crawl
// job. Monitors poll the lifecycle manager until the job is terminal and then
// trigger exactly one webhook delivery.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/websearch-control-plane/internal/metrics"
	"github.com/JakeFAU/websearch-control-plane/internal/recrawl"
	"github.com/JakeFAU/websearch-control-plane/internal/webhook"
)

const (
	defaultPollInterval  = 2 * time.Second
	defaultMaxDuration   = 2 * time.Hour
	defaultRecordTimeout = 10 * time.Second
)

// Jobs is the slice of the lifecycle manager a monitor needs.
type Jobs interface {
	Poll(ctx context.Context, jobID string) (recrawl.JobRecord, error)
	ClaimWebhook(ctx context.Context, jobID string, event string) (recrawl.JobRecord, bool, error)
	RecordDelivery(ctx context.Context, jobID string, outcome recrawl.DeliveryOutcome) error
	PendingMonitors(ctx context.Context) ([]recrawl.JobRecord, error)
}

// Deliverer sends a completion webhook.
type Deliverer interface {
	Deliver(ctx context.Context, rec recrawl.JobRecord, event string) webhook.Result
}

// Config bounds each monitor.
type Config struct {
	PollInterval time.Duration
	MaxDuration  time.Duration
}

// Supervisor owns monitor goroutines. Monitors are detached from request
// contexts and end on a terminal job, Stop, MaxDuration or Close.
// MaxDuration bounds polling only; a delivery that has begun runs its retry
// budget to the end unless Stop or Close interrupts it.
type Supervisor struct {
	jobs      Jobs
	deliverer Deliverer
	cfg       Config
	logger    *zap.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	monitors map[string]context.CancelFunc
	closed   bool
}

// NewSupervisor builds a Supervisor.
func NewSupervisor(jobs Jobs, deliverer Deliverer, cfg Config, logger *zap.Logger) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = defaultMaxDuration
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		jobs:      jobs,
		deliverer: deliverer,
		cfg:       cfg,
		logger:    logger,
		base:      base,
		cancel:    cancel,
		monitors:  make(map[string]context.CancelFunc),
	}
}

// Start launches a monitor for jobID unless one is already running.
func (s *Supervisor) Start(jobID string, callbackURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, running := s.monitors[jobID]; running {
		return
	}
	ctx, cancel := context.WithCancel(s.base)
	s.monitors[jobID] = cancel
	s.wg.Add(1)
	metrics.IncActiveMonitors()
	go s.run(ctx, jobID, callbackURL)
}

// Stop cancels the monitor for jobID, if any.
func (s *Supervisor) Stop(jobID string) {
	s.mu.Lock()
	cancel, ok := s.monitors[jobID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Active returns the number of running monitors.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

// Resume restarts monitors for jobs whose webhook is still outstanding.
func (s *Supervisor) Resume(ctx context.Context) (int, error) {
	pending, err := s.jobs.PendingMonitors(ctx)
	if err != nil {
		return 0, fmt.Errorf("resume monitors: %w", err)
	}
	for _, rec := range pending {
		s.Start(rec.ID, rec.CallbackURL)
	}
	if len(pending) > 0 {
		s.logger.Info("resumed completion monitors", zap.Int("count", len(pending)))
	}
	return len(pending), nil
}

// Close cancels every monitor and waits for them, or for ctx.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for monitors: %w", ctx.Err())
	}
}

func (s *Supervisor) run(ctx context.Context, jobID, callbackURL string) {
	logger := s.logger.With(zap.String("job_id", jobID))
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("completion monitor panic", zap.Any("panic", rec))
		}
		s.mu.Lock()
		if cancel, ok := s.monitors[jobID]; ok {
			cancel()
			delete(s.monitors, jobID)
		}
		s.mu.Unlock()
		metrics.DecActiveMonitors()
		s.wg.Done()
	}()

	logger.Debug("completion monitor started", zap.String("callback_url", metrics.SanitizeSite(callbackURL)))
	pollCtx, stopPolling := context.WithTimeout(ctx, s.cfg.MaxDuration)
	rec, ok := s.waitTerminal(pollCtx, logger, jobID)
	stopPolling()
	if !ok {
		return
	}
	s.signal(ctx, logger, rec)
}

// waitTerminal polls until the job is terminal. It returns false when the
// monitor should exit without signaling.
func (s *Supervisor) waitTerminal(ctx context.Context, logger *zap.Logger, jobID string) (recrawl.JobRecord, bool) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		rec, err := s.jobs.Poll(ctx, jobID)
		switch {
		case errors.Is(err, recrawl.ErrJobNotFound):
			logger.Warn("monitored job disappeared")
			return recrawl.JobRecord{}, false
		case err != nil && !rec.Status.Terminal():
			if ctx.Err() == nil {
				logger.Debug("poll failed", zap.Error(err))
			}
		case rec.Status.Terminal():
			return rec, true
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				logger.Warn("completion monitor gave up", zap.Duration("max_duration", s.cfg.MaxDuration))
			}
			return recrawl.JobRecord{}, false
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) signal(ctx context.Context, logger *zap.Logger, rec recrawl.JobRecord) {
	event, ok := webhook.EventFor(rec.Status)
	if !ok {
		logger.Debug("no webhook for status", zap.String("status", string(rec.Status)))
		return
	}
	claimed, won, err := s.jobs.ClaimWebhook(ctx, rec.ID, event)
	if err != nil {
		logger.Warn("claim webhook", zap.Error(err))
		return
	}
	if !won {
		logger.Debug("webhook already claimed")
		return
	}
	res := s.deliverer.Deliver(ctx, claimed, event)
	if ctx.Err() != nil && !res.Delivered {
		// Shutdown mid-delivery: the pending claim expires and a resumed
		// monitor takes it over.
		logger.Info("webhook delivery interrupted", zap.Int("attempts", res.Attempts))
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRecordTimeout)
	defer cancel()
	outcome := recrawl.DeliveryOutcome{
		Delivered: res.Delivered,
		Attempts:  res.Attempts,
		Err:       webhook.ErrorText(res.Err),
	}
	if err := s.jobs.RecordDelivery(recordCtx, rec.ID, outcome); err != nil {
		logger.Error("record webhook outcome", zap.Error(err))
	}
}
