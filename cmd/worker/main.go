package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"feed-relay/internal/config"
	"feed-relay/internal/domain/entity"
	"feed-relay/internal/infra/adapter/persistence/sqldb"
	"feed-relay/internal/infra/db"
	"feed-relay/internal/infra/fetcher"
	"feed-relay/internal/infra/notifier"
	workerPkg "feed-relay/internal/infra/worker"
	"feed-relay/internal/observability/logging"
	"feed-relay/internal/observability/metrics"
	"feed-relay/internal/observability/slo"
	"feed-relay/internal/observability/tracing"
	"feed-relay/internal/pkg/clock"
	pkgconfig "feed-relay/internal/pkg/config"
	"feed-relay/internal/resilience/circuitbreaker"
	"feed-relay/internal/usecase/check"
	"feed-relay/internal/usecase/delivery"
	"feed-relay/internal/usecase/detect"
	"feed-relay/internal/usecase/feed"
	"feed-relay/internal/usecase/health"
	"feed-relay/internal/usecase/schedule"
)

const serviceName = "feed-relay"

func main() {
	logger := logging.NewLogger()
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("worker exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	shutdownTracing := tracing.Init(serviceName, traceSampleRatio(logger))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Error("failed to flush traces", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Worker configuration (fail-open strategy)
	workerMetrics := workerPkg.NewWorkerMetrics()
	workerConfig, err := workerPkg.LoadConfigFromEnv(logger, workerMetrics)
	if err != nil {
		return fmt.Errorf("load worker configuration: %w", err)
	}
	logger.Info("worker configuration loaded",
		slog.Int("pool_size", workerConfig.PoolSize),
		slog.Duration("job_timeout", workerConfig.JobTimeout),
		slog.Int("queue_max_size", workerConfig.QueueMaxSize),
		slog.Int("health_port", workerConfig.HealthPort),
		slog.Int("metrics_port", workerConfig.MetricsPort))

	conn, err := initDatabase(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Error("failed to close database", slog.Any("error", err))
		}
	}()

	clk := clock.System{}
	store := circuitbreaker.NewDBCircuitBreaker(conn)
	feedRepo := sqldb.NewFeedRepo(store)
	jobStore := sqldb.NewJobStore(store, clk)

	domainCfg, err := config.LoadDomainConfig(os.Getenv("DOMAIN_CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("load domain configuration: %w", err)
	}

	// Feed fetching
	fetchCfg := fetcher.LoadConfigFromEnv(logging.Component(logger, "fetcher"))
	tokens := fetcher.NewTokenSource(fetcher.CredentialsFromConfig(domainCfg, logger), nil, clk, logger)
	rssFetcher := fetcher.NewRSSFetcher(fetchCfg, fetcher.NewDomainLimiter(domainCfg), tokens, logging.Component(logger, "fetcher"))
	feedBreaker := circuitbreaker.NewDomainBreaker(circuitbreaker.DefaultDomainConfig("feed-fetch"), clk, logger)

	// Messaging
	notifyCfg, err := notifier.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load delivery configuration: %w", err)
	}
	deliverer, err := notifier.New(notifyCfg, logging.Component(logger, "notifier"))
	if err != nil {
		return fmt.Errorf("create deliverer: %w", err)
	}
	logger.Info("delivery backend initialized", slog.String("backend", notifyCfg.Backend))

	deliveryLogger := logging.Component(logger, "delivery")
	connMgr := delivery.NewConnectionManager(
		delivery.DefaultConnectionConfig("messaging"), sqldb.NewConnectionStateRepo(store), clk, deliveryLogger)
	if err := connMgr.Start(ctx); err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}
	defer connMgr.Stop(context.WithoutCancel(ctx))

	queue := delivery.NewQueue(workerConfig.QueueConfig(), clk, deliveryLogger)
	gate := &delivery.Gate{
		Conn:       connMgr,
		Breaker:    circuitbreaker.NewDomainBreaker(circuitbreaker.DefaultDomainConfig("delivery-api"), clk, logger),
		BreakerKey: notifier.APIHost(notifyCfg),
		Service:    "delivery",
	}
	queueProcessor := delivery.NewProcessor(workerConfig.ProcessorConfig(), queue, deliverer, gate, clk, deliveryLogger)
	dispatcher := delivery.NewDispatcher(deliverer, queue, gate, queueProcessor, 0, deliveryLogger)

	// Scheduling
	scheduler := schedule.New(workerConfig.ScheduleConfig(), jobStore, feedRepo,
		schedule.NewPriorityRules(domainCfg.PriorityOverrides()), clk, logging.Component(logger, "scheduler"))
	if err := scheduler.StartMaintenance(ctx); err != nil {
		return fmt.Errorf("start scheduler maintenance: %w", err)
	}
	defer scheduler.Stop()

	// Health aggregation
	monitor := health.NewMonitor(workerConfig.HealthConfig(), sqldb.NewHealthMetricRepo(store), health.Sources{
		Connection:  connMgr,
		Queue:       queue,
		Processor:   queueProcessor,
		FeedBreaker: feedBreaker,
		APIBreaker:  gate.Breaker,
		Cleanup:     scheduler,
	}, clk, logging.Component(logger, "health"))
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("start health monitor: %w", err)
	}
	defer monitor.Stop(context.WithoutCancel(ctx))
	gate.Sink = monitor

	checkProcessor := check.NewProcessor(check.DefaultConfig(), check.Deps{
		Feeds:     feedRepo,
		Fetcher:   rssFetcher,
		Detector:  detect.New(detect.DefaultConfig(), clk, logger),
		Breaker:   feedBreaker,
		Sender:    dispatcher,
		Scheduler: scheduler,
		Sink:      monitor,
		Clock:     clk,
		Logger:    logging.Component(logger, "check"),
	})

	feedService := &feed.Service{Feeds: feedRepo, Scheduler: scheduler, Clock: clk, Logger: logging.Component(logger, "feeds")}
	if _, err := feedService.ReloadAll(ctx); err != nil {
		return fmt.Errorf("reload feeds: %w", err)
	}
	// moves checks left on shards a larger pool ran before the pool starts
	_, _ = scheduler.Reconcile(ctx, false)

	pool := workerPkg.NewPool(workerConfig.PoolConfig(), jobStore, clk, workerMetrics, logging.Component(logger, "pool"))
	pool.Register(entity.JobNameCheckFeed, checkProcessor)

	healthServer := workerPkg.NewHealthServer(fmt.Sprintf(":%d", workerConfig.HealthPort), logger,
		workerPkg.ReadinessCheck{Name: "database", Check: store.Ready})

	ops := &opsServer{monitor: monitor, pool: pool, logger: logger}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		queueProcessor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		return ignoreClosed(healthServer.Start(gctx))
	})
	g.Go(func() error {
		return ignoreClosed(startMetricsServer(gctx, fmt.Sprintf(":%d", workerConfig.MetricsPort), ops.Handler(), logger))
	})
	g.Go(func() error {
		reportLoop(gctx, conn, monitor, logger)
		return nil
	})

	healthServer.SetReady(true)
	logger.Info("worker started", slog.Int("shards", workerConfig.PoolSize))

	err = g.Wait()
	healthServer.SetReady(false)
	logger.Info("worker stopping")
	return err
}

// initDatabase opens the database and applies pending migrations.
func initDatabase(ctx context.Context, logger *slog.Logger) (*sqlx.DB, error) {
	dbCfg := db.ConfigFromEnv()
	conn, err := db.Open(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.MigrateUp(conn.DB, dbCfg.Driver); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("database ready", slog.String("driver", dbCfg.Driver))
	return conn, nil
}

// reportLoop refreshes the SLO and connection pool gauges every 30 seconds.
func reportLoop(ctx context.Context, conn *sqlx.DB, monitor *health.Monitor, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.UpdateDBConnectionStats(conn.Stats())

			detailed, err := monitor.GetDetailedMetrics(ctx)
			if err != nil {
				logger.Warn("failed to read detailed metrics", slog.Any("error", err))
				continue
			}
			for name, svc := range detailed.Services {
				if !slo.Update(name, svc.Calls, svc.SuccessRate, float64(svc.P95ResponseMs)) {
					logger.Warn("SLO breached",
						slog.String("service", name),
						slog.Float64("success_rate", svc.SuccessRate),
						slog.Int64("p95_response_ms", svc.P95ResponseMs))
				}
			}
		}
	}
}

// traceSampleRatio reads TRACE_SAMPLE_RATIO, a fraction in [0, 1]
// (default: 0.1).
func traceSampleRatio(logger *slog.Logger) float64 {
	result := pkgconfig.LoadEnvFloat("TRACE_SAMPLE_RATIO", 0.1, func(v float64) error {
		return pkgconfig.ValidateFloatRange(v, 0, 1)
	})
	for _, w := range result.Warnings {
		logger.Warn("tracing configuration fallback applied", slog.String("warning", w))
	}
	return result.Value
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
