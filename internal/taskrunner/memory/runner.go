// Package memory implements an in-process Task Runner backed by a bounded
// queue and a worker pool.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/websearch-control-plane/internal/dispatcher"
	"github.com/JakeFAU/websearch-control-plane/internal/metrics"
	queuememory "github.com/JakeFAU/websearch-control-plane/internal/queue/memory"
	"github.com/JakeFAU/websearch-control-plane/internal/recrawl"
	"github.com/JakeFAU/websearch-control-plane/internal/retry"
	"github.com/JakeFAU/websearch-control-plane/internal/taskrunner"
)

// Config tunes the in-process runner.
type Config struct {
	QueueDepth  int
	Workers     int
	TaskTimeout time.Duration
	// ResultTTL bounds how long finished task reports are kept.
	ResultTTL time.Duration
	// SweepInterval is how often Run drops reports older than ResultTTL.
	SweepInterval time.Duration
}

const (
	defaultQueueDepth  = 1024
	defaultWorkers     = 4
	defaultTaskTimeout = 5 * time.Minute
	defaultResultTTL   = 24 * time.Hour
	defaultSweep       = time.Minute
)

type task struct {
	req    recrawl.TaskRequest
	report recrawl.TaskReport
}

// Runner executes tasks on a local worker pool and tracks their state.
type Runner struct {
	cfg      Config
	queue    *queuememory.Queue[recrawl.TaskRequest]
	executor taskrunner.Executor
	policy   retry.Policy
	clock    recrawl.Clock
	logger   *zap.Logger

	mu    sync.RWMutex
	tasks map[string]*task
}

// NewRunner builds a Runner. Call Run to start the workers.
func NewRunner(
	cfg Config,
	executor taskrunner.Executor,
	policy retry.Policy,
	clock recrawl.Clock,
	logger *zap.Logger,
) *Runner {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = defaultResultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweep
	}
	if policy == nil {
		policy = retry.NewExponentialPolicy(1, 0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:      cfg,
		queue:    queuememory.NewQueue[recrawl.TaskRequest](cfg.QueueDepth),
		executor: executor,
		policy:   policy,
		clock:    clock,
		logger:   logger,
		tasks:    make(map[string]*task),
	}
}

// Submit records the task as PENDING and queues it. A full queue is reported
// as an error so the caller can fail the job.
func (r *Runner) Submit(_ context.Context, req recrawl.TaskRequest) (string, error) {
	if req.JobID == "" {
		return "", errors.New("task job id is required")
	}
	r.mu.Lock()
	if _, exists := r.tasks[req.JobID]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("task %s already submitted", req.JobID)
	}
	r.tasks[req.JobID] = &task{req: req, report: recrawl.TaskReport{State: recrawl.TaskPending}}
	r.mu.Unlock()

	if err := r.queue.TryEnqueue(req); err != nil {
		r.mu.Lock()
		delete(r.tasks, req.JobID)
		r.mu.Unlock()
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return req.JobID, nil
}

// Status returns a copy of the latest report.
func (r *Runner) Status(_ context.Context, taskID string) (recrawl.TaskReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return recrawl.TaskReport{}, fmt.Errorf("%w: %s", recrawl.ErrTaskUnknown, taskID)
	}
	return copyReport(t.report), nil
}

// Run starts the workers and the report sweeper, and blocks until ctx ends
// or Close drains the queue.
func (r *Runner) Run(ctx context.Context) {
	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		r.sweep(sweepCtx)
	}()

	d := dispatcher.New[recrawl.TaskRequest](r.queue, r.execute, dispatcher.Config{
		Workers:   r.cfg.Workers,
		Exhausted: func(err error) bool { return errors.Is(err, queuememory.ErrClosed) },
		Logger:    r.logger,
	})
	d.Run(ctx)
	stopSweep()
	<-sweepDone
}

func (r *Runner) sweep(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.evictExpired(r.clock.Now()); n > 0 {
				r.logger.Debug("evicted finished task reports", zap.Int("count", n))
			}
		}
	}
}

// Close stops accepting tasks; queued tasks still run if workers are alive.
func (r *Runner) Close() {
	r.queue.Close()
}

func (r *Runner) execute(ctx context.Context, req recrawl.TaskRequest) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	started := r.clock.Now()
	r.setReport(req.JobID, func(rep *recrawl.TaskReport) {
		rep.State = recrawl.TaskRunning
		rep.StartedAt = &started
	})

	var result json.RawMessage
	attempts, err := retry.Do(ctx, r.policy, func(ctx context.Context, _ int) error {
		taskCtx, cancel := context.WithTimeout(ctx, r.cfg.TaskTimeout)
		defer cancel()
		var execErr error
		result, execErr = r.executor.Execute(taskCtx, req)
		return execErr
	})
	finished := r.clock.Now()
	if err != nil {
		r.logger.Warn("task failed",
			zap.String("job_id", req.JobID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		r.setReport(req.JobID, func(rep *recrawl.TaskReport) {
			rep.State = recrawl.TaskFailure
			rep.Error = err.Error()
			rep.FinishedAt = &finished
		})
		return
	}
	r.logger.Debug("task succeeded", zap.String("job_id", req.JobID), zap.Int("attempts", attempts))
	r.setReport(req.JobID, func(rep *recrawl.TaskReport) {
		rep.State = recrawl.TaskSuccess
		rep.Result = result
		rep.FinishedAt = &finished
	})
}

func (r *Runner) setReport(taskID string, fn func(*recrawl.TaskReport)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return
	}
	fn(&t.report)
}

func (r *Runner) evictExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, t := range r.tasks {
		if t.report.FinishedAt != nil && now.Sub(*t.report.FinishedAt) > r.cfg.ResultTTL {
			delete(r.tasks, id)
			evicted++
		}
	}
	return evicted
}

func copyReport(in recrawl.TaskReport) recrawl.TaskReport {
	out := in
	if in.Result != nil {
		out.Result = append(json.RawMessage(nil), in.Result...)
	}
	if in.StartedAt != nil {
		ts := *in.StartedAt
		out.StartedAt = &ts
	}
	if in.FinishedAt != nil {
		ts := *in.FinishedAt
		out.FinishedAt = &ts
	}
	return out
}
