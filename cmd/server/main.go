package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"pfexchange/internal/family/events"
	"pfexchange/internal/family/handler"
	"pfexchange/internal/family/lock"
	familymetrics "pfexchange/internal/family/metrics"
	"pfexchange/internal/family/processor"
	"pfexchange/internal/family/registry"
	"pfexchange/internal/family/runner"
	"pfexchange/internal/family/store"
	"pfexchange/internal/platform/config"
	"pfexchange/internal/platform/httpserver"
	"pfexchange/internal/platform/logger"
	"pfexchange/internal/platform/metrics"
	"pfexchange/internal/platform/middleware"
	"pfexchange/internal/platform/redis"
	"pfexchange/pkg/platform/circuit"
	"pfexchange/pkg/platform/throttle"
	"pfexchange/pkg/platform/workerpool"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("pfexchange stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("pfexchange stopped")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	db, err := openDB(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		if err := store.Migrate(ctx, db); err != nil {
			return err
		}
		log.InfoContext(ctx, "family schema applied")
	}
	records := store.NewPostgres(db)

	familyMetrics := familymetrics.New(prometheus.DefaultRegisterer)
	httpMetrics := metrics.New(prometheus.DefaultRegisterer)

	breaker := circuit.New("family-registry",
		circuit.WithFailureThreshold(cfg.Breaker.FailureThreshold),
		circuit.WithSuccessThreshold(cfg.Breaker.SuccessThreshold),
		circuit.WithOpenDuration(cfg.Breaker.OpenDuration),
	)
	limiter := throttle.NewAdaptive(cfg.Batch.RateLimitPerSecond)

	registryClient, err := registry.NewClient(cfg.Registry.URL, cfg.Registry.Timeout, registry.WithLogger(log))
	if err != nil {
		return fmt.Errorf("create registry client: %w", err)
	}

	batchLock, err := newBatchLock(ctx, cfg, log)
	if err != nil {
		return err
	}

	publisher, closePublisher, err := newPublisher(ctx, cfg.Kafka, log)
	if err != nil {
		return err
	}
	defer closePublisher()

	pool, err := workerpool.New(cfg.Batch.PoolSize, cfg.Batch.QueueSize, workerpool.WithPanicHandler(func(v any) {
		log.Error("worker panicked", "panic", v)
	}))
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}

	proc, err := processor.New(records, records, registryClient,
		processor.WithLogger(log),
		processor.WithMetrics(familyMetrics),
		processor.WithBreaker(breaker),
		processor.WithLimiter(limiter),
		processor.WithPool(pool),
		processor.WithLock(batchLock),
		processor.WithPublisher(publisher),
		processor.WithConfig(processor.Config{
			BatchSize:      cfg.Batch.Size,
			MaxRetries:     cfg.Batch.MaxRetries,
			BatchTimeout:   cfg.Batch.Timeout,
			StuckThreshold: cfg.Batch.StuckThreshold,
			BackoffInitial: cfg.Batch.BackoffInitial,
			BackoffMax:     cfg.Batch.BackoffMax,
			RequestorTIN:   cfg.Registry.RequestorTIN,
		}),
	)
	if err != nil {
		return fmt.Errorf("create processor: %w", err)
	}

	continuous, err := runner.New(proc,
		runner.WithLogger(log),
		runner.WithConfig(runner.Config{
			MaxConsecutiveFailures: cfg.Runner.MaxConsecutiveFailures,
			BatchDelay:             cfg.Runner.BatchDelay,
			FailureDelay:           cfg.Runner.FailureDelay,
		}),
	)
	if err != nil {
		return fmt.Errorf("create runner: %w", err)
	}

	batchHandler, err := handler.New(proc, continuous,
		handler.WithLogger(log),
		handler.WithMetrics(httpMetrics),
		handler.WithAdminToken(cfg.Server.AdminToken),
		handler.WithScheduledMode(cfg.Scheduler.Enabled),
	)
	if err != nil {
		return fmt.Errorf("create batch handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recovery(log))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())
	batchHandler.Register(r)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Serve(gctx, httpserver.New(cfg.Server.Addr, r), cfg.Server.ShutdownTimeout, log)
	})
	if cfg.Scheduler.Enabled {
		sched, err := runner.NewScheduler(proc, cfg.Scheduler.BatchInterval, cfg.Scheduler.RecoveryInterval,
			runner.WithSchedulerLogger(log))
		if err != nil {
			return fmt.Errorf("create scheduler: %w", err)
		}
		g.Go(func() error {
			return sched.Run(gctx)
		})
	}

	log.InfoContext(ctx, "pfexchange started",
		"addr", cfg.Server.Addr,
		"scheduled", cfg.Scheduler.Enabled,
		"batch_size", cfg.Batch.Size,
		"pool_size", cfg.Batch.PoolSize,
	)
	serveErr := g.Wait()

	continuous.Stop()
	continuous.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, proc.Close(shutdownCtx))
}

func openDB(ctx context.Context, cfg config.Database) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// newBatchLock returns a Redis lock shared by all replicas, or a
// process-local one when Redis is not configured.
func newBatchLock(ctx context.Context, cfg config.Config, log *slog.Logger) (processor.Lock, error) {
	client, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	if client == nil {
		log.InfoContext(ctx, "redis not configured, using local batch lock")
		return lock.NewLocal(), nil
	}
	// The lease outlives the longest possible batch.
	l, err := lock.NewRedis(client, cfg.Redis.LockKey, cfg.Batch.Timeout+time.Minute)
	if err != nil {
		return nil, fmt.Errorf("create redis lock: %w", err)
	}
	return l, nil
}

func newPublisher(ctx context.Context, cfg config.Kafka, log *slog.Logger) (processor.OutcomePublisher, func(), error) {
	if len(cfg.Brokers) == 0 {
		return events.NewLogPublisher(log), func() {}, nil
	}
	client, err := events.NewKafkaClient(cfg.Brokers, cfg.Topic)
	if err != nil {
		return nil, nil, err
	}
	if cfg.EnsureTopic {
		if err := events.EnsureTopic(ctx, client, cfg.Topic, cfg.Partitions); err != nil {
			client.Close()
			return nil, nil, err
		}
	}
	pub, err := events.NewKafka(client, cfg.Topic)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	log.InfoContext(ctx, "publishing outcomes to kafka", "topic", cfg.Topic, "brokers", cfg.Brokers)
	return pub, pub.Close, nil
}
