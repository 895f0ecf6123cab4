package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/websearch-control-plane/internal/metrics"
	"github.com/JakeFAU/websearch-control-plane/internal/recrawl"
	"github.com/JakeFAU/websearch-control-plane/internal/retry"
	"github.com/JakeFAU/websearch-control-plane/internal/taskrunner"
)

const (
	defaultWorkers     = 4
	defaultTaskTimeout = 5 * time.Minute
	defaultGroupID     = "recrawl-workers"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// WorkerConfig tunes a fleet worker.
type WorkerConfig struct {
	Config
	Workers     int
	TaskTimeout time.Duration
}

// Worker consumes tasks from Kafka, executes them and writes reports back
// to Redis for the control plane.
type Worker struct {
	reader   messageReader
	store    reportStore
	executor taskrunner.Executor
	policy   retry.Policy
	clock    recrawl.Clock
	logger   *zap.Logger

	prefix      string
	ttl         time.Duration
	workers     int
	taskTimeout time.Duration
}

// NewWorker joins the consumer group described by cfg.
func NewWorker(
	cfg WorkerConfig,
	executor taskrunner.Executor,
	policy retry.Policy,
	clock recrawl.Clock,
	logger *zap.Logger,
) (*Worker, error) {
	cfg.Config = cfg.Config.withDefaults()
	if err := cfg.Config.validate(); err != nil {
		return nil, err
	}
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = defaultGroupID
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  groupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return newWorker(reader, client, executor, policy, clock, logger, cfg), nil
}

func newWorker(
	reader messageReader,
	store reportStore,
	executor taskrunner.Executor,
	policy retry.Policy,
	clock recrawl.Clock,
	logger *zap.Logger,
	cfg WorkerConfig,
) *Worker {
	cfg.Config = cfg.Config.withDefaults()
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if policy == nil {
		policy = retry.NewExponentialPolicy(0, 0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		reader:      reader,
		store:       store,
		executor:    executor,
		policy:      policy,
		clock:       clock,
		logger:      logger,
		prefix:      cfg.KeyPrefix,
		ttl:         cfg.ResultTTL,
		workers:     cfg.Workers,
		taskTimeout: cfg.TaskTimeout,
	}
}

// Run fetches messages until ctx ends. At most Workers tasks execute at once;
// each message is committed after its final report is written.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.workers)
	for {
		msg, err := w.reader.FetchMessage(gctx)
		if err != nil {
			if gctx.Err() != nil {
				break
			}
			_ = g.Wait()
			return fmt.Errorf("fetch task: %w", err)
		}
		g.Go(func() error {
			w.handle(gctx, msg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// Close leaves the consumer group and closes the Redis client.
func (w *Worker) Close() error {
	return errors.Join(w.reader.Close(), w.store.Close())
}

func (w *Worker) handle(ctx context.Context, msg kafka.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("task handler panic", zap.Any("panic", rec), zap.ByteString("key", msg.Key))
		}
	}()

	var req recrawl.TaskRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil || req.JobID == "" {
		w.logger.Warn("dropping malformed task", zap.ByteString("key", msg.Key), zap.Error(err))
		w.commit(ctx, msg)
		return
	}
	report := w.execute(ctx, req)
	if err := writeReport(ctx, w.store, w.prefix+req.JobID, report, w.ttl); err != nil {
		// Leave the message uncommitted so another worker picks it up.
		w.logger.Error("write task report", zap.String("job_id", req.JobID), zap.Error(err))
		return
	}
	w.commit(ctx, msg)
}

func (w *Worker) execute(ctx context.Context, req recrawl.TaskRequest) recrawl.TaskReport {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	started := w.clock.Now().UTC()
	running := recrawl.TaskReport{State: recrawl.TaskRunning, StartedAt: &started}
	if err := writeReport(ctx, w.store, w.prefix+req.JobID, running, w.ttl); err != nil {
		w.logger.Warn("write running report", zap.String("job_id", req.JobID), zap.Error(err))
	}

	var result json.RawMessage
	attempts, err := retry.Do(ctx, w.policy, func(ctx context.Context, _ int) error {
		taskCtx, cancel := context.WithTimeout(ctx, w.taskTimeout)
		defer cancel()
		var execErr error
		result, execErr = w.executor.Execute(taskCtx, req)
		return execErr
	})
	finished := w.clock.Now().UTC()
	if err != nil {
		w.logger.Warn("task failed",
			zap.String("job_id", req.JobID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return recrawl.TaskReport{
			State:      recrawl.TaskFailure,
			Error:      err.Error(),
			StartedAt:  &started,
			FinishedAt: &finished,
		}
	}
	w.logger.Info("task succeeded", zap.String("job_id", req.JobID), zap.Int("attempts", attempts))
	return recrawl.TaskReport{
		State:      recrawl.TaskSuccess,
		Result:     result,
		StartedAt:  &started,
		FinishedAt: &finished,
	}
}

func (w *Worker) commit(ctx context.Context, msg kafka.Message) {
	if err := w.reader.CommitMessages(ctx, msg); err != nil {
		w.logger.Warn("commit task", zap.ByteString("key", msg.Key), zap.Error(err))
	}
}
