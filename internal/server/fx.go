// Package server builds the control plane's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/websearch-control-plane/internal/api"
	cachememory "github.com/JakeFAU/websearch-control-plane/internal/cache/memory"
	cacheredis "github.com/JakeFAU/websearch-control-plane/internal/cache/redis"
	"github.com/JakeFAU/websearch-control-plane/internal/clock/system"
	"github.com/JakeFAU/websearch-control-plane/internal/config"
	"github.com/JakeFAU/websearch-control-plane/internal/events"
	eventsinks "github.com/JakeFAU/websearch-control-plane/internal/events/sinks"
	"github.com/JakeFAU/websearch-control-plane/internal/hash/sha256"
	"github.com/JakeFAU/websearch-control-plane/internal/id/uuid"
	"github.com/JakeFAU/websearch-control-plane/internal/logging"
	"github.com/JakeFAU/websearch-control-plane/internal/monitor"
	"github.com/JakeFAU/websearch-control-plane/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/websearch-control-plane/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/websearch-control-plane/internal/publisher/pubsub"
	"github.com/JakeFAU/websearch-control-plane/internal/recrawl"
	"github.com/JakeFAU/websearch-control-plane/internal/retry"
	"github.com/JakeFAU/websearch-control-plane/internal/search"
	memorystorage "github.com/JakeFAU/websearch-control-plane/internal/storage/memory"
	pgstore "github.com/JakeFAU/websearch-control-plane/internal/storage/postgres"
	"github.com/JakeFAU/websearch-control-plane/internal/store"
	"github.com/JakeFAU/websearch-control-plane/internal/taskrunner"
	runnermemory "github.com/JakeFAU/websearch-control-plane/internal/taskrunner/memory"
	"github.com/JakeFAU/websearch-control-plane/internal/taskrunner/remote"
	"github.com/JakeFAU/websearch-control-plane/internal/webhook"
)

// App contains the application's dependencies.
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	apiServer  *api.Server
	manager    *recrawl.Manager
	supervisor *monitor.Supervisor
	hub        *events.Hub

	localRunner  *runnermemory.Runner
	remoteRunner *remote.Runner

	pool            *pgxpool.Pool
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	memCache        *cachememory.Cache
	redisCache      *cacheredis.Cache

	readyChecks map[string]api.ReadyCheck
}

// Run starts the application and blocks until the context is canceled or
// SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runnerDone := make(chan struct{})
	if a.localRunner != nil {
		go func() {
			defer close(runnerDone)
			a.logger.Info("task runner started", zap.Int("workers", a.cfg.TaskRunner.Workers))
			a.localRunner.Run(context.WithoutCancel(ctx))
		}()
	} else {
		close(runnerDone)
	}

	resumed, err := a.supervisor.Resume(ctx)
	if err != nil {
		a.logger.Warn("resume monitors failed", zap.Error(err))
	} else if resumed > 0 {
		a.logger.Info("resumed completion monitors", zap.Int("count", resumed))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if a.localRunner != nil {
		a.localRunner.Close()
	}
	select {
	case <-runnerDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("task runner did not drain before shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application. Monitors stop first so no
// webhook is recorded half-way; the hub flushes after every emitter is gone.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.supervisor != nil {
		if err := a.supervisor.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close monitors: %w", err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event hub: %w", err))
		}
	}
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure() {
	if a.localRunner != nil {
		a.localRunner.Close()
	}
	if a.remoteRunner != nil {
		if err := a.remoteRunner.Close(); err != nil {
			a.logger.Warn("remote task runner close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.redisCache != nil {
		if err := a.redisCache.Close(); err != nil {
			a.logger.Warn("redis cache close failed", zap.Error(err))
		}
	}
	if a.memCache != nil {
		a.memCache.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New("searchapi", cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	app := &App{
		cfg:         cfg,
		logger:      logger,
		readyChecks: make(map[string]api.ReadyCheck),
	}
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.String("task_runner", cfg.TaskRunner.Mode),
		zap.String("cache", cfg.Cache.Backend),
		zap.String("publisher", cfg.Events.Publisher),
	)

	clock := system.New()
	ids := uuid.NewUUIDGenerator()

	jobStore, eventRepo, err := setupStores(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	app.hub, err = setupEvents(app, eventRepo, publisher, reg)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	runner, err := setupRunner(app, clock)
	if err != nil {
		app.shutdownPartial(ctx)
		return nil, err
	}

	app.manager = recrawl.NewManager(jobStore, runner, clock, ids, app.hub, recrawl.Config{
		DispatchTimeout:    seconds(cfg.Recrawl.DispatchTimeoutSeconds),
		RunnerTimeout:      seconds(cfg.Recrawl.RunnerTimeoutSeconds),
		StalenessThreshold: seconds(cfg.Recrawl.StalenessThresholdSeconds),
		WebhookClaimTTL:    seconds(cfg.Recrawl.WebhookClaimTTLSeconds),
	}, logger.Named("recrawl"))

	deliverer := webhook.NewService(webhook.Config{
		Secret:      cfg.Webhook.Secret,
		Timeout:     seconds(cfg.Webhook.TimeoutSeconds),
		MaxAttempts: cfg.Webhook.MaxAttempts,
		BackoffBase: millis(cfg.Webhook.BackoffBaseMs),
		BackoffMax:  millis(cfg.Webhook.BackoffMaxMs),
		UserAgent:   cfg.Webhook.UserAgent,
	}, nil, ids, clock, logger.Named("webhook"))

	app.supervisor = monitor.NewSupervisor(app.manager, deliverer, monitor.Config{
		PollInterval: cfg.MonitorPollInterval(),
		MaxDuration:  cfg.MonitorMaxDuration(),
	}, logger.Named("monitor"))
	app.manager.SetMonitors(app.supervisor)

	searchSvc, err := setupSearch(app)
	if err != nil {
		app.shutdownPartial(ctx)
		return nil, err
	}

	app.apiServer = api.NewServer(api.Deps{
		Recrawl: app.manager,
		Search:  searchSvc,
		Limiter: ratelimit.New(ratelimit.Config{Limit: cfg.RateLimit.Limit, Window: cfg.RateWindow()}),
		Events:  eventRepo,
	}, api.Options{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKeys:        cfg.Auth.APIKeys,
		RequestTimeout: cfg.RequestTimeout(),
		ReadyChecks:    app.readyChecks,
	}, logger.Named("api"))

	return app, nil
}

// shutdownPartial releases what a failed build already started.
func (a *App) shutdownPartial(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	a.closeInfrastructure()
}

func setupStores(ctx context.Context, app *App) (recrawl.JobStore, store.EventRepository, error) {
	if app.cfg.Store.Backend != config.BackendPostgres {
		app.logger.Info("using in-memory job and event stores")
		return memorystorage.NewJobStore(), memorystorage.NewEventStore(), nil
	}
	db := app.cfg.Database
	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:      db.DSN,
		MaxConns: db.MaxConns,
		MinConns: db.MinConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool init failed: %w", err)
	}
	app.pool = pool
	app.readyChecks["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }

	jobs, err := pgstore.NewJobStore(pool, db.JobsTable)
	if err != nil {
		return nil, nil, fmt.Errorf("job store init failed: %w", err)
	}
	eventStore, err := pgstore.NewEventStore(pool, db.EventsTable)
	if err != nil {
		return nil, nil, fmt.Errorf("event store init failed: %w", err)
	}
	if db.MigrateOnStart {
		if err := jobs.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("job store schema: %w", err)
		}
		if err := eventStore.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("event store schema: %w", err)
		}
	}
	app.logger.Info("postgres stores initialized",
		zap.String("jobs_table", db.JobsTable),
		zap.String("events_table", db.EventsTable),
	)
	return jobs, eventStore, nil
}

func setupPublisher(ctx context.Context, app *App) (eventsinks.Publisher, error) {
	switch app.cfg.Events.Publisher {
	case config.PublisherPubSub:
		var err error
		app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.pubsubPublisher = gcppublisher.New(app.pubsubClient.Publisher(app.cfg.PubSub.TopicName))
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", app.cfg.PubSub.ProjectID),
			zap.String("topic", app.cfg.PubSub.TopicName),
		)
		return app.pubsubPublisher, nil
	case config.BackendMemory:
		app.logger.Info("using in-memory lifecycle publisher")
		return memorypublisher.New(), nil
	default:
		return nil, nil
	}
}

func setupEvents(
	app *App,
	eventRepo store.EventRepository,
	publisher eventsinks.Publisher,
	reg prometheus.Registerer,
) (*events.Hub, error) {
	promSink, err := eventsinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []events.Sink{
		eventsinks.NewLogSink(app.logger.Named("lifecycle")),
		promSink,
		eventsinks.NewStoreSink(eventRepo, app.logger.Named("lifecycle_store")),
	}
	if publisher != nil {
		stages := make([]events.Stage, 0, len(app.cfg.Events.PublishStages))
		for _, s := range app.cfg.Events.PublishStages {
			stages = append(stages, events.Stage(s))
		}
		sinkList = append(sinkList, eventsinks.NewPublisherSink(
			publisher, app.cfg.Events.Topic, stages, app.logger.Named("lifecycle_publisher"),
		))
	}
	hubCfg := events.Config{
		BufferSize:     app.cfg.Events.BufferSize,
		MaxBatchEvents: app.cfg.Events.MaxBatchEvents,
		MaxBatchWait:   millis(app.cfg.Events.MaxBatchWaitMs),
		Logger:         app.logger.Named("event_hub"),
	}
	app.logger.Info("event hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return events.NewHub(hubCfg, sinkList...), nil
}

func setupRunner(app *App, clock recrawl.Clock) (recrawl.TaskRunner, error) {
	tr := app.cfg.TaskRunner
	if tr.Mode == config.ModeRemote {
		runner, err := remote.New(remoteConfig(app.cfg), clock)
		if err != nil {
			return nil, fmt.Errorf("remote task runner init failed: %w", err)
		}
		app.remoteRunner = runner
		app.logger.Info("using remote task runner",
			zap.Strings("brokers", app.cfg.Kafka.Brokers),
			zap.String("topic", app.cfg.Kafka.Topic),
		)
		return runner, nil
	}
	app.localRunner = runnermemory.NewRunner(runnermemory.Config{
		QueueDepth:  tr.QueueDepth,
		Workers:     tr.Workers,
		TaskTimeout: seconds(tr.TaskTimeoutSeconds),
		ResultTTL:   time.Duration(tr.ResultTTLHours) * time.Hour,
	}, executorFor(app.cfg, clock), taskPolicy(app.cfg), clock, app.logger.Named("task_runner"))
	app.logger.Info("using in-process task runner",
		zap.Int("workers", tr.Workers),
		zap.Int("queue_depth", tr.QueueDepth),
	)
	return app.localRunner, nil
}

func setupSearch(app *App) (*search.Service, error) {
	var docs []search.Result
	if path := app.cfg.Search.SeedFile; path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open search seed file: %w", err)
		}
		docs, err = search.LoadDocuments(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("load search seed file: %w", err)
		}
	}
	engine := search.NewShardedEngine(app.cfg.ShardTimeout(), search.NewMemoryShards(app.cfg.Search.Shards, docs...)...)

	var cache search.Cache
	switch app.cfg.Cache.Backend {
	case config.BackendRedis:
		app.redisCache = cacheredis.New(app.cfg.Redis.Addr, app.cfg.Cache.Prefix)
		app.readyChecks["redis"] = app.redisCache.Ping
		cache = app.redisCache
	default:
		var err error
		app.memCache, err = cachememory.New(app.cfg.Cache.MaxBytes)
		if err != nil {
			return nil, fmt.Errorf("search cache init failed: %w", err)
		}
		cache = app.memCache
	}
	app.logger.Info("search service initialized",
		zap.Int("shards", app.cfg.Search.Shards),
		zap.Int("documents", len(docs)),
		zap.String("cache", app.cfg.Cache.Backend),
	)
	return search.NewService(engine, cache, sha256.New(), app.cfg.CacheTTL(), app.logger.Named("search")), nil
}

func remoteConfig(cfg *config.Config) remote.Config {
	return remote.Config{
		Brokers:   cfg.Kafka.Brokers,
		Topic:     cfg.Kafka.Topic,
		GroupID:   cfg.Kafka.GroupID,
		RedisAddr: cfg.Redis.Addr,
		KeyPrefix: cfg.TaskRunner.KeyPrefix,
		ResultTTL: time.Duration(cfg.TaskRunner.ResultTTLHours) * time.Hour,
	}
}

func executorFor(cfg *config.Config, clock recrawl.Clock) taskrunner.Executor {
	return taskrunner.SimulatedExecutor{Delay: millis(cfg.TaskRunner.ExecDelayMs), Now: clock.Now}
}

func taskPolicy(cfg *config.Config) retry.Policy {
	return retry.NewExponentialPolicy(
		cfg.TaskRunner.MaxAttempts,
		millis(cfg.TaskRunner.BackoffBaseMs),
		millis(cfg.TaskRunner.BackoffMaxMs),
	)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
