package server

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/JakeFAU/websearch-control-plane/internal/clock/system"
	"github.com/JakeFAU/websearch-control-plane/internal/config"
	"github.com/JakeFAU/websearch-control-plane/internal/logging"
	"github.com/JakeFAU/websearch-control-plane/internal/taskrunner/remote"
)

// RunWorker joins the remote task consumer group and executes tasks until
// SIGINT/SIGTERM. It is the fleet side of taskrunner.mode=remote.
func RunWorker(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New("recrawl-worker", cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	clock := system.New()
	worker, err := remote.NewWorker(remote.WorkerConfig{
		Config:      remoteConfig(cfg),
		Workers:     cfg.TaskRunner.Workers,
		TaskTimeout: seconds(cfg.TaskRunner.TaskTimeoutSeconds),
	}, executorFor(cfg, clock), taskPolicy(cfg), clock, logger.Named("worker"))
	if err != nil {
		return fmt.Errorf("worker init failed: %w", err)
	}
	defer func() {
		if err := worker.Close(); err != nil {
			logger.Warn("worker close failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("worker started",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.Topic),
		zap.String("group", cfg.Kafka.GroupID),
		zap.Int("workers", cfg.TaskRunner.Workers),
	)
	if err := worker.Run(ctx); err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}
	logger.Info("worker stopped")
	return nil
}
