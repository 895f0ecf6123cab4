package recrawl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/websearch-control-plane/internal/events"
	"github.com/JakeFAU/websearch-control-plane/internal/metrics"
)

// Config tunes the lifecycle manager.
type Config struct {
	// DispatchTimeout bounds the Task Runner submit call on the request path.
	DispatchTimeout time.Duration
	// RunnerTimeout bounds each Task Runner status query.
	RunnerTimeout time.Duration
	// StalenessThreshold marks answers stale when the runner has been
	// unreachable for longer than this since the last successful sync.
	StalenessThreshold time.Duration
	// WebhookClaimTTL lets a pending webhook claim be taken over after a restart.
	WebhookClaimTTL time.Duration
}

const (
	defaultDispatchTimeout    = 5 * time.Second
	defaultRunnerTimeout      = 3 * time.Second
	defaultStalenessThreshold = 5 * time.Minute
	defaultWebhookClaimTTL    = 15 * time.Minute
	maxURLLength              = 2048
)

var errWebhookClaimed = errors.New("webhook already claimed")

// Manager orchestrates submission, reconciliation against the Task Runner,
// SLA evaluation and cancellation. All record mutation goes through
// JobStore.Update.
type Manager struct {
	store    JobStore
	runner   TaskRunner
	clock    Clock
	idGen    IDGenerator
	emitter  events.Emitter
	monitors MonitorStarter
	cfg      Config
	logger   *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(
	store JobStore,
	runner TaskRunner,
	clock Clock,
	idGen IDGenerator,
	emitter events.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}
	if cfg.RunnerTimeout <= 0 {
		cfg.RunnerTimeout = defaultRunnerTimeout
	}
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = defaultStalenessThreshold
	}
	if cfg.WebhookClaimTTL <= 0 {
		cfg.WebhookClaimTTL = defaultWebhookClaimTTL
	}
	if emitter == nil {
		emitter = events.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:   store,
		runner:  runner,
		clock:   clock,
		idGen:   idGen,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger,
	}
}

// SetMonitors attaches the completion monitor supervisor. Monitors depend on
// the manager, so they are wired after construction.
func (m *Manager) SetMonitors(monitors MonitorStarter) {
	m.monitors = monitors
}

// Submit records a QUEUED job, dispatches it to the Task Runner and returns
// without waiting for execution.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (JobRecord, error) {
	req, err := normalizeSubmit(req)
	if err != nil {
		return JobRecord{}, err
	}
	rawID, err := m.idGen.NewID()
	if err != nil {
		return JobRecord{}, fmt.Errorf("generate job id: %w", err)
	}
	now := m.now()
	rec := JobRecord{
		ID:          JobIDPrefix + strings.ReplaceAll(rawID, "-", ""),
		Status:      StatusQueued,
		URL:         req.URL,
		Priority:    req.Priority,
		Force:       req.Force,
		CreatedAt:   now,
		SLADeadline: now.Add(SLAWindow),
		CallbackURL: req.CallbackURL,
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return JobRecord{}, fmt.Errorf("store job: %w", err)
	}
	metrics.ObserveSubmission(string(rec.Priority))
	m.emitter.Emit(events.Event{
		JobID:    rec.ID,
		TS:       now,
		Stage:    events.StageSubmitted,
		URL:      rec.URL,
		Priority: string(rec.Priority),
	})

	dispatchCtx, cancel := context.WithTimeout(ctx, m.cfg.DispatchTimeout)
	taskID, err := m.runner.Submit(dispatchCtx, TaskRequest{
		JobID:    rec.ID,
		URL:      rec.URL,
		Priority: rec.Priority,
		Force:    rec.Force,
	})
	cancel()
	if err != nil {
		metrics.ObserveRunnerError("submit")
		m.logger.Error("task dispatch failed", zap.String("job_id", rec.ID), zap.Error(err))
		failed, uerr := m.store.Update(ctx, rec.ID, func(r *JobRecord) error {
			failDispatch(r, "dispatch failed: "+err.Error(), m.now())
			return nil
		})
		if uerr != nil {
			m.logger.Error("mark dispatch failure", zap.String("job_id", rec.ID), zap.Error(uerr))
			return rec, fmt.Errorf("%w: %w", ErrDispatchFailed, err)
		}
		m.emitTransition(failed, StatusQueued)
		return failed, fmt.Errorf("%w: %w", ErrDispatchFailed, err)
	}
	if taskID != "" && taskID != rec.ID {
		rec, err = m.store.Update(ctx, rec.ID, func(r *JobRecord) error {
			r.TaskID = taskID
			return nil
		})
		if err != nil {
			return JobRecord{}, fmt.Errorf("record task id: %w", err)
		}
	}

	if rec.CallbackURL != "" && m.monitors != nil {
		m.monitors.Start(rec.ID, rec.CallbackURL)
	}
	m.logger.Info("recrawl job submitted",
		zap.String("job_id", rec.ID),
		zap.String("url", rec.URL),
		zap.String("priority", string(rec.Priority)),
		zap.Bool("callback", rec.CallbackURL != ""),
	)
	return rec, nil
}

// Status answers a status query. The local record is merged with the live
// runner status; when the runner cannot answer the local record is returned,
// and when only the runner knows the job a degraded view is rebuilt.
func (m *Manager) Status(ctx context.Context, jobID string) (JobView, error) {
	rec, found, err := m.store.Get(ctx, jobID)
	if err != nil {
		return JobView{}, fmt.Errorf("load job: %w", err)
	}
	if !found {
		return m.degradedStatus(ctx, jobID)
	}
	if rec.Status.Terminal() {
		return m.view(rec, false), nil
	}

	report, err := m.queryRunner(ctx, rec.RunnerTaskID())
	if err != nil {
		stale := errors.Is(err, ErrRunnerUnreachable) && m.isStale(rec)
		m.logger.Debug("answering from local state",
			zap.String("job_id", jobID),
			zap.Bool("stale", stale),
			zap.Error(err),
		)
		return m.view(rec, stale), nil
	}
	updated, err := m.observe(ctx, jobID, report)
	if err != nil {
		m.logger.Warn("reconcile job failed", zap.String("job_id", jobID), zap.Error(err))
		return m.view(rec, false), nil
	}
	return m.view(updated, false), nil
}

// Poll queries the runner once for a locally known job and applies the
// observation. Runner errors are returned alongside the current record.
func (m *Manager) Poll(ctx context.Context, jobID string) (JobRecord, error) {
	rec, found, err := m.store.Get(ctx, jobID)
	if err != nil {
		return JobRecord{}, fmt.Errorf("load job: %w", err)
	}
	if !found {
		return JobRecord{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if rec.Status.Terminal() {
		return rec, nil
	}
	report, err := m.queryRunner(ctx, rec.RunnerTaskID())
	if err != nil {
		return rec, err
	}
	return m.observe(ctx, jobID, report)
}

// Cancel moves a QUEUED or PROCESSING job to CANCELLED. The runner is asked
// first: a terminal outcome it already holds is recorded instead and the
// cancel is refused. A terminal job, including one already cancelled, yields
// ErrAlreadyTerminal together with its current record.
func (m *Manager) Cancel(ctx context.Context, jobID string) (JobRecord, error) {
	current, found, err := m.store.Get(ctx, jobID)
	if err != nil {
		return JobRecord{}, fmt.Errorf("load job: %w", err)
	}
	if !found {
		return JobRecord{}, fmt.Errorf("cancel %s: %w", jobID, ErrJobNotFound)
	}
	var outcome *TaskReport
	if !current.Status.Terminal() {
		report, qerr := m.queryRunner(ctx, current.RunnerTaskID())
		switch {
		case qerr != nil:
			m.logger.Debug("cancelling without runner state", zap.String("job_id", jobID), zap.Error(qerr))
		case report.State.Terminal():
			outcome = &report
		}
	}

	var from JobStatus
	var settled bool
	rec, err := m.store.Update(ctx, jobID, func(r *JobRecord) error {
		from = r.Status
		if outcome != nil && !r.Status.Terminal() {
			settled = applyReport(r, *outcome, m.now())
			return nil
		}
		return cancel(r, m.now())
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyTerminal) {
			return rec, fmt.Errorf("cancel %s: %w", jobID, err)
		}
		return JobRecord{}, fmt.Errorf("cancel %s: %w", jobID, err)
	}
	if outcome != nil {
		if settled {
			m.emitTransition(rec, from)
		}
		m.logger.Info("cancel lost to runner outcome", zap.String("job_id", jobID), zap.String("status", string(rec.Status)))
		return rec, fmt.Errorf("cancel %s: %w", jobID, ErrAlreadyTerminal)
	}
	if m.monitors != nil {
		m.monitors.Stop(jobID)
	}
	m.emitTransition(rec, from)
	m.logger.Info("recrawl job cancelled", zap.String("job_id", jobID), zap.String("from", string(from)))
	return rec, nil
}

// List returns local records in submission order.
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]JobView, error) {
	records, err := m.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	views := make([]JobView, 0, len(records))
	for _, rec := range records {
		views = append(views, m.view(rec, false))
	}
	return views, nil
}

// ClaimWebhook reserves the single completion webhook for a terminal job. It
// returns false when the job is not deliverable or another actor holds a
// live claim.
func (m *Manager) ClaimWebhook(ctx context.Context, jobID string, event string) (JobRecord, bool, error) {
	rec, err := m.store.Update(ctx, jobID, func(r *JobRecord) error {
		if r.CallbackURL == "" || (r.Status != StatusCompleted && r.Status != StatusFailed) {
			return errWebhookClaimed
		}
		now := m.now()
		if r.Webhook != nil {
			takeover := r.Webhook.State == WebhookPending && now.Sub(r.Webhook.ClaimedAt) > m.cfg.WebhookClaimTTL
			if !takeover {
				return errWebhookClaimed
			}
		}
		r.Webhook = &WebhookDelivery{State: WebhookPending, Event: event, ClaimedAt: now}
		return nil
	})
	if errors.Is(err, errWebhookClaimed) {
		return rec, false, nil
	}
	if err != nil {
		return JobRecord{}, false, fmt.Errorf("claim webhook: %w", err)
	}
	return rec, true, nil
}

// DeliveryOutcome is the final result of one webhook delivery.
type DeliveryOutcome struct {
	Delivered bool
	Attempts  int
	Err       string
}

// RecordDelivery stores the webhook outcome. It never changes job status.
func (m *Manager) RecordDelivery(ctx context.Context, jobID string, outcome DeliveryOutcome) error {
	now := m.now()
	rec, err := m.store.Update(ctx, jobID, func(r *JobRecord) error {
		if r.Webhook == nil {
			r.Webhook = &WebhookDelivery{ClaimedAt: now}
		}
		r.Webhook.Attempts = outcome.Attempts
		r.Webhook.LastError = outcome.Err
		if outcome.Delivered {
			r.Webhook.State = WebhookDelivered
			r.Webhook.DeliveredAt = pointerTime(now)
		} else {
			r.Webhook.State = WebhookFailed
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	stage := events.StageWebhookDelivered
	if !outcome.Delivered {
		stage = events.StageWebhookFailed
	}
	m.emitter.Emit(events.Event{
		JobID:    rec.ID,
		TS:       now,
		Stage:    stage,
		URL:      rec.URL,
		Priority: string(rec.Priority),
		Attempts: outcome.Attempts,
		Note:     outcome.Err,
	})
	return nil
}

// PendingMonitors lists callback-bearing jobs whose webhook still needs a
// monitor, used to resume monitoring after a restart.
func (m *Manager) PendingMonitors(ctx context.Context) ([]JobRecord, error) {
	records, err := m.store.List(ctx, ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	var out []JobRecord
	for _, rec := range records {
		if rec.CallbackURL == "" || rec.Status == StatusCancelled {
			continue
		}
		if rec.Webhook == nil || rec.Webhook.State == WebhookPending {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *Manager) degradedStatus(ctx context.Context, jobID string) (JobView, error) {
	report, err := m.queryRunner(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrTaskUnknown) {
			return JobView{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return JobView{}, err
	}
	m.logger.Info("answering from runner only", zap.String("job_id", jobID), zap.String("state", string(report.State)))
	return JobView{
		Record:   degradedRecord(jobID, report, m.now()),
		Degraded: true,
	}, nil
}

func (m *Manager) observe(ctx context.Context, jobID string, report TaskReport) (JobRecord, error) {
	var from JobStatus
	var changed bool
	rec, err := m.store.Update(ctx, jobID, func(r *JobRecord) error {
		from = r.Status
		changed = applyReport(r, report, m.now())
		return nil
	})
	if err != nil {
		return JobRecord{}, fmt.Errorf("apply runner report: %w", err)
	}
	if changed {
		m.emitTransition(rec, from)
	}
	return rec, nil
}

func (m *Manager) queryRunner(ctx context.Context, taskID string) (TaskReport, error) {
	queryCtx, cancel := context.WithTimeout(ctx, m.cfg.RunnerTimeout)
	defer cancel()
	report, err := m.runner.Status(queryCtx, taskID)
	if err == nil {
		return report, nil
	}
	if errors.Is(err, ErrTaskUnknown) {
		return TaskReport{}, err
	}
	metrics.ObserveRunnerError("status")
	if errors.Is(err, ErrRunnerUnreachable) {
		return TaskReport{}, err
	}
	return TaskReport{}, fmt.Errorf("%w: %w", ErrRunnerUnreachable, err)
}

// now is the manager's timestamp source. Times are cut to StoredPrecision so
// a record reads back from any store exactly as it was returned.
func (m *Manager) now() time.Time {
	return m.clock.Now().Truncate(StoredPrecision)
}

func (m *Manager) isStale(rec JobRecord) bool {
	last := rec.CreatedAt
	if rec.LastSyncedAt != nil {
		last = *rec.LastSyncedAt
	}
	return m.clock.Now().Sub(last) > m.cfg.StalenessThreshold
}

func (m *Manager) view(rec JobRecord, stale bool) JobView {
	return JobView{Record: rec, SLAMet: rec.SLAMet(), Stale: stale}
}

func (m *Manager) emitTransition(rec JobRecord, from JobStatus) {
	if rec.Status == from {
		return
	}
	evt := events.Event{
		JobID:    rec.ID,
		TS:       m.now(),
		URL:      rec.URL,
		Priority: string(rec.Priority),
	}
	switch rec.Status {
	case StatusProcessing:
		evt.Stage = events.StageStarted
	case StatusCompleted:
		evt.Stage = events.StageCompleted
	case StatusFailed:
		evt.Stage = events.StageFailed
		evt.Note = string(rec.Result)
	case StatusCancelled:
		evt.Stage = events.StageCancelled
	default:
		return
	}
	end := rec.CompletedAt
	if rec.Status == StatusCancelled {
		end = rec.CancelledAt
	}
	if end != nil && end.After(rec.CreatedAt) {
		evt.Dur = end.Sub(rec.CreatedAt)
	}
	evt.SLAMet = rec.SLAMet()
	if evt.SLAMet != nil {
		metrics.ObserveSLA(*evt.SLAMet)
	}
	m.emitter.Emit(evt)
}

func normalizeSubmit(req SubmitRequest) (SubmitRequest, error) {
	req.URL = strings.TrimSpace(req.URL)
	if err := validateHTTPURL(req.URL); err != nil {
		return SubmitRequest{}, fmt.Errorf("%w: url %w", ErrInvalidRequest, err)
	}
	req.CallbackURL = strings.TrimSpace(req.CallbackURL)
	if req.CallbackURL != "" {
		if err := validateHTTPURL(req.CallbackURL); err != nil {
			return SubmitRequest{}, fmt.Errorf("%w: callback_url %w", ErrInvalidRequest, err)
		}
	}
	if req.Priority == "" {
		req.Priority = DefaultPriority
	}
	req.Priority = Priority(strings.ToLower(string(req.Priority)))
	if !req.Priority.Valid() {
		return SubmitRequest{}, fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, req.Priority)
	}
	return req, nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	if len(raw) > maxURLLength {
		return errors.New("is too long")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is malformed: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("must use http or https")
	}
	if u.Host == "" {
		return errors.New("must be absolute")
	}
	return nil
}
