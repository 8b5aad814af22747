package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/stagepay/stagepay-backend/internal/notifications"
	"github.com/stagepay/stagepay-backend/internal/payments"
	"github.com/stagepay/stagepay-backend/pkg/config"
	"github.com/stagepay/stagepay-backend/pkg/db"
	"github.com/stagepay/stagepay-backend/pkg/escrow"
	"github.com/stagepay/stagepay-backend/pkg/logger"
	"github.com/stagepay/stagepay-backend/pkg/metrics"
	"github.com/stagepay/stagepay-backend/pkg/migrate"
	"github.com/stagepay/stagepay-backend/pkg/outbox"
	"github.com/stagepay/stagepay-backend/pkg/outbox/idempotency"
	"github.com/stagepay/stagepay-backend/pkg/pubsub"
	"github.com/stagepay/stagepay-backend/pkg/redis"
)

// The worker binary runs the background loops that the API does not: the
// payment reconciler and the lifecycle notification consumer.
func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap pubsub", err)
		os.Exit(1)
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing pubsub client", err)
		}
	}()

	gateway, err := escrow.NewSquareGateway(context.Background(), cfg.Escrow, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap escrow gateway", err)
		os.Exit(1)
	}

	outboxService := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)
	paymentRepo := payments.NewRepository(dbClient.DB())
	paymentService, err := payments.NewService(paymentRepo, dbClient, outboxService, gateway)
	if err != nil {
		logg.Error(context.Background(), "failed to create payment service", err)
		os.Exit(1)
	}

	workerMetrics := metrics.NewWorkerMetrics(prometheus.DefaultRegisterer)
	reconciler := payments.NewReconciler(paymentService, paymentRepo, gateway, logg, workerMetrics, cfg.Reconciler)

	idempotencyManager, err := idempotency.NewManager(redisClient, cfg.Outbox.IdempotencyTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create idempotency manager", err)
		os.Exit(1)
	}
	consumer, err := notifications.NewConsumer(
		notifications.NewRepository(dbClient.DB()),
		pubsubClient.DomainSubscription(),
		idempotencyManager,
		logg,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create notification consumer", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithField(ctx, "env", cfg.App.Env)
	logg.Info(ctx, "starting worker")

	opsAddr := os.Getenv("WORKER_OPS_PORT")
	if opsAddr == "" {
		opsAddr = "9100"
	}
	opsMux := http.NewServeMux()
	opsMux.Handle("/metrics", promhttp.Handler())
	opsServer := &http.Server{Addr: ":" + opsAddr, Handler: opsMux}
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "ops server stopped unexpectedly", err)
		}
	}()
	defer func() {
		_ = opsServer.Shutdown(context.Background())
	}()

	var (
		mu      sync.Mutex
		runErrs error
		wg      sync.WaitGroup
	)
	record := func(name string, err error) {
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		mu.Lock()
		runErrs = multierr.Append(runErrs, err)
		mu.Unlock()
		logg.Error(ctx, name+" stopped unexpectedly", err)
		stop()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		record("payment reconciler", reconciler.Run(ctx))
	}()
	go func() {
		defer wg.Done()
		record("notification consumer", consumer.Run(ctx))
	}()
	wg.Wait()

	if runErrs != nil {
		os.Exit(1)
	}
	logg.Info(ctx, "worker shutting down gracefully")
}
