package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"gorm.io/gorm"

	"github.com/stagepay/stagepay-backend/api/routes"
	"github.com/stagepay/stagepay-backend/internal/disputes"
	"github.com/stagepay/stagepay-backend/internal/notifications"
	"github.com/stagepay/stagepay-backend/internal/payments"
	"github.com/stagepay/stagepay-backend/internal/projects"
	"github.com/stagepay/stagepay-backend/internal/stages"
	escrowwebhook "github.com/stagepay/stagepay-backend/internal/webhooks/escrow"
	"github.com/stagepay/stagepay-backend/pkg/config"
	"github.com/stagepay/stagepay-backend/pkg/db"
	"github.com/stagepay/stagepay-backend/pkg/db/models"
	pkgerrors "github.com/stagepay/stagepay-backend/pkg/errors"
	"github.com/stagepay/stagepay-backend/pkg/escrow"
	"github.com/stagepay/stagepay-backend/pkg/logger"
	"github.com/stagepay/stagepay-backend/pkg/migrate"
	"github.com/stagepay/stagepay-backend/pkg/outbox"
	"github.com/stagepay/stagepay-backend/pkg/pubsub"
	"github.com/stagepay/stagepay-backend/pkg/redis"
)

// fundsReleaser breaks the constructor cycle between the stage and project
// services. The stage service is built first against this proxy; the project
// service is bound once it exists.
type fundsReleaser struct {
	svc projects.Service
}

func (f *fundsReleaser) ReleaseStageFunds(ctx context.Context, tx *gorm.DB, project *models.Project, stage *models.Stage, actor stages.Actor) (*models.Payment, error) {
	if f.svc == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "project service not bound")
	}
	return f.svc.ReleaseStageFunds(ctx, tx, project, stage, actor)
}

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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
			logg.Error(context.Background(), "error closing pubsub", err)
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

	disputeRepo := disputes.NewRepository(dbClient.DB())
	releaser := &fundsReleaser{}
	stageService, err := stages.NewService(stages.NewRepository(dbClient.DB()), dbClient, outboxService, releaser, disputeRepo)
	if err != nil {
		logg.Error(context.Background(), "failed to create stage service", err)
		os.Exit(1)
	}

	projectService, err := projects.NewService(
		projects.NewRepository(dbClient.DB()),
		dbClient,
		outboxService,
		stageService,
		paymentService,
		gateway,
		logg,
		cfg.Policy,
		cfg.Escrow.Currency,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create project service", err)
		os.Exit(1)
	}
	releaser.svc = projectService

	disputeService, err := disputes.NewService(disputeRepo, dbClient, outboxService, stageService)
	if err != nil {
		logg.Error(context.Background(), "failed to create dispute service", err)
		os.Exit(1)
	}

	notificationsService, err := notifications.NewService(notifications.NewRepository(dbClient.DB()))
	if err != nil {
		logg.Error(context.Background(), "failed to create notifications service", err)
		os.Exit(1)
	}

	escrowWebhookService, err := escrowwebhook.NewService(escrowwebhook.ServiceParams{
		Payments:    paymentService,
		PaymentRepo: paymentRepo,
		Logger:      logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create escrow webhook service", err)
		os.Exit(1)
	}
	escrowWebhookGuard, err := escrowwebhook.NewIdempotencyGuard(redisClient, cfg.Outbox.IdempotencyTTL, "escrow-webhook")
	if err != nil {
		logg.Error(context.Background(), "failed to create escrow webhook guard", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	id := os.Getenv("DYNO")
	if id == "" {
		id = "local"
	}
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": id,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(
			cfg,
			logg,
			dbClient,
			redisClient,
			pubsubClient,
			projectService,
			stageService,
			paymentService,
			disputeService,
			notificationsService,
			escrowWebhookService,
			escrowWebhookGuard,
		),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
