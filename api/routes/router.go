package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stagepay/stagepay-backend/api/controllers"
	webhookcontrollers "github.com/stagepay/stagepay-backend/api/controllers/webhooks"
	"github.com/stagepay/stagepay-backend/api/middleware"
	"github.com/stagepay/stagepay-backend/internal/disputes"
	"github.com/stagepay/stagepay-backend/internal/notifications"
	"github.com/stagepay/stagepay-backend/internal/payments"
	"github.com/stagepay/stagepay-backend/internal/projects"
	"github.com/stagepay/stagepay-backend/internal/stages"
	escrowwebhook "github.com/stagepay/stagepay-backend/internal/webhooks/escrow"
	"github.com/stagepay/stagepay-backend/pkg/config"
	"github.com/stagepay/stagepay-backend/pkg/db"
	"github.com/stagepay/stagepay-backend/pkg/logger"
	"github.com/stagepay/stagepay-backend/pkg/redis"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient *redis.Client,
	pubsubP controllers.Pinger,
	projectService projects.Service,
	stageService stages.Service,
	paymentService payments.Service,
	disputeService disputes.Service,
	notificationsService notifications.Service,
	escrowWebhookService *escrowwebhook.Service,
	escrowWebhookGuard *escrowwebhook.IdempotencyGuard,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	r.Route("/health", func(r chi.Router) {
		deps := map[string]controllers.Pinger{
			"postgres": dbP,
			"redis":    redisClient,
			"pubsub":   pubsubP,
		}
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps))
	})

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/escrow", webhookcontrollers.EscrowWebhook(escrowWebhookService, cfg.Escrow, escrowWebhookGuard, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.Idempotency(redisClient, logg))

		r.Route("/projects", func(r chi.Router) {
			r.With(middleware.RequireRole(logg, "homeowner")).Post("/", controllers.ProjectCreate(projectService, logg))
			r.Get("/", controllers.ProjectList(projectService, logg))
			r.Get("/{projectId}", controllers.ProjectGet(projectService, logg))

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(logg, "homeowner"))
				r.Post("/{projectId}/contractor", controllers.ContractorAccept(projectService, logg))
				r.Post("/{projectId}/deposit", controllers.ProjectDeposit(projectService, logg))
				r.Post("/{projectId}/activate", controllers.ProjectActivate(projectService, logg))
				r.Post("/{projectId}/stages/{stageId}/complete", controllers.StageComplete(stageService, logg))
			})

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(logg, "general_contractor"))
				r.Post("/{projectId}/stages/{stageId}/start", controllers.StageStart(stageService, logg))
				r.Post("/{projectId}/stages/{stageId}/cost", controllers.StageRecordCost(stageService, logg))
			})

			r.Get("/{projectId}/stages", controllers.StageList(stageService, projectService, logg))
			r.Get("/{projectId}/payments", controllers.PaymentListByProject(paymentService, projectService, logg))
		})

		r.Route("/disputes", func(r chi.Router) {
			r.With(middleware.RequireRole(logg, "homeowner", "general_contractor", "admin")).
				Post("/", controllers.DisputeFile(disputeService, logg))
			r.Get("/{disputeId}", controllers.DisputeGet(disputeService, projectService, logg))
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", controllers.ListNotifications(notificationsService, logg))
			r.Post("/{notificationId}/read", controllers.MarkNotificationRead(notificationsService, logg))
			r.Post("/read-all", controllers.MarkAllNotificationsRead(notificationsService, logg))
		})
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireRole(logg, "admin"))
		r.Use(middleware.Idempotency(redisClient, logg))

		r.Route("/projects", func(r chi.Router) {
			r.Post("/{projectId}/pause", controllers.AdminProjectPause(projectService, logg))
			r.Post("/{projectId}/resume", controllers.AdminProjectResume(projectService, logg))
			r.Post("/{projectId}/cancel", controllers.AdminProjectCancel(projectService, logg))
		})

		r.Route("/disputes", func(r chi.Router) {
			r.Post("/{disputeId}/review", controllers.DisputeReview(disputeService, logg))
			r.Post("/{disputeId}/resolve", controllers.DisputeResolve(disputeService, logg))
		})

		r.Route("/payments", func(r chi.Router) {
			r.Post("/{paymentId}/refund", controllers.PaymentRefund(paymentService, logg))
		})
	})

	return r
}
