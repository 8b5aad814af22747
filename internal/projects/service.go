package projects

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/stagepay/stagepay-backend/internal/payments"
	"github.com/stagepay/stagepay-backend/internal/stages"
	"github.com/stagepay/stagepay-backend/pkg/config"
	"github.com/stagepay/stagepay-backend/pkg/db/models"
	"github.com/stagepay/stagepay-backend/pkg/enums"
	pkgerrors "github.com/stagepay/stagepay-backend/pkg/errors"
	"github.com/stagepay/stagepay-backend/pkg/escrow"
	"github.com/stagepay/stagepay-backend/pkg/logger"
	"github.com/stagepay/stagepay-backend/pkg/outbox"
	"github.com/stagepay/stagepay-backend/pkg/outbox/payloads"
	"github.com/stagepay/stagepay-backend/pkg/pagination"
	"github.com/stagepay/stagepay-backend/pkg/types"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Actor identifies who is driving a project transition.
type Actor struct {
	UserID uuid.UUID
	Role   enums.ActorRole
}

func (a Actor) ref() *outbox.ActorRef {
	if a.UserID == uuid.Nil {
		return nil
	}
	return &outbox.ActorRef{UserID: a.UserID, Role: a.Role.String()}
}

func (a Actor) payments() payments.Actor {
	return payments.Actor{UserID: a.UserID, Role: a.Role}
}

// CreateInput captures a homeowner's new project. Stages defaults to the
// standard template split when empty.
type CreateInput struct {
	Name        string
	Address     *types.Address
	HomeownerID uuid.UUID
	Budget      decimal.Decimal
	Stages      []stages.Definition
	Actor       Actor
}

// AcceptContractorInput assigns the general contractor to a draft project.
type AcceptContractorInput struct {
	ProjectID    uuid.UUID
	ContractorID uuid.UUID
	Actor        Actor
}

// ActivationPaymentInput starts the deposit that will activate the project.
type ActivationPaymentInput struct {
	ProjectID uuid.UUID
	Amount    decimal.Decimal
	Method    enums.PaymentMethod
	SourceID  string
	Actor     Actor
}

// ConfirmActivationInput ties a completed deposit to the activation guard.
type ConfirmActivationInput struct {
	ProjectID uuid.UUID
	PaymentID uuid.UUID
	Actor     Actor
}

// PauseInput holds an active project, usually for a dispute.
type PauseInput struct {
	ProjectID uuid.UUID
	Reason    string
	Actor     Actor
}

// ResumeInput returns a paused project to active.
type ResumeInput struct {
	ProjectID uuid.UUID
	Actor     Actor
}

// CancelInput terminates a project that has not committed work, or any
// project when an admin overrides.
type CancelInput struct {
	ProjectID uuid.UUID
	Reason    string
	Override  bool
	Actor     Actor
}

// Service owns the project status machine. Every transition is a named
// operation; there is no way to set an arbitrary status.
type Service interface {
	Create(ctx context.Context, input CreateInput) (*models.Project, error)
	AcceptContractor(ctx context.Context, input AcceptContractorInput) (*models.Project, error)
	InitiateActivationPayment(ctx context.Context, input ActivationPaymentInput) (*models.Payment, error)
	ConfirmActivationPayment(ctx context.Context, input ConfirmActivationInput) (*models.Project, error)
	Pause(ctx context.Context, input PauseInput) (*models.Project, error)
	Resume(ctx context.Context, input ResumeInput) (*models.Project, error)
	Cancel(ctx context.Context, input CancelInput) (*models.Project, error)
	Get(ctx context.Context, projectID uuid.UUID) (*models.Project, error)
	List(ctx context.Context, filter ListFilter, params pagination.Params) (*ProjectList, error)

	// ReleaseStageFunds implements the stage completion payout. It runs in
	// the caller's transaction; any gateway failure aborts the completion.
	ReleaseStageFunds(ctx context.Context, tx *gorm.DB, project *models.Project, stage *models.Stage, actor stages.Actor) (*models.Payment, error)
}

type service struct {
	repo     Repository
	tx       txRunner
	outbox   outboxPublisher
	stages   stages.Service
	payments payments.Service
	gateway  escrow.Gateway
	logg     *logger.Logger
	policy   config.PolicyConfig
	currency string
}

// NewService builds the project service with the required dependencies.
func NewService(
	repository Repository,
	tx txRunner,
	outboxPub outboxPublisher,
	stageSvc stages.Service,
	paymentSvc payments.Service,
	gateway escrow.Gateway,
	logg *logger.Logger,
	policy config.PolicyConfig,
	currency string,
) (Service, error) {
	if repository == nil {
		return nil, fmt.Errorf("projects repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outboxPub == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if stageSvc == nil {
		return nil, fmt.Errorf("stage service required")
	}
	if paymentSvc == nil {
		return nil, fmt.Errorf("payment service required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("escrow gateway required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if currency == "" {
		currency = "USD"
	}
	return &service{
		repo:     repository,
		tx:       tx,
		outbox:   outboxPub,
		stages:   stageSvc,
		payments: paymentSvc,
		gateway:  gateway,
		logg:     logg,
		policy:   policy,
		currency: currency,
	}, nil
}

func (s *service) Create(ctx context.Context, input CreateInput) (*models.Project, error) {
	if input.Name == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "project name required")
	}
	if input.HomeownerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "homeowner id required")
	}
	if input.Budget.LessThanOrEqual(decimal.Zero) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "project budget must be positive")
	}
	defs := input.Stages
	if len(defs) == 0 {
		defs = templateDefinitions(input.Budget)
	}

	project := &models.Project{
		Name:        input.Name,
		Address:     input.Address,
		HomeownerID: input.HomeownerID,
		Budget:      input.Budget,
		Spent:       decimal.Zero,
		Status:      enums.ProjectStatusDraft,
	}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, project); err != nil {
			return err
		}
		created, err := s.stages.CreateForProjectTx(ctx, tx, project, defs)
		if err != nil {
			return err
		}
		project.Stages = created

		event := outbox.DomainEvent{
			EventType:     enums.EventProjectCreated,
			AggregateType: enums.AggregateProject,
			AggregateID:   project.ID,
			ProjectID:     project.ID,
			Actor:         input.Actor.ref(),
			Data: payloads.ProjectCreatedEvent{
				ProjectID:   project.ID,
				HomeownerID: project.HomeownerID,
				Budget:      project.Budget,
				StageCount:  len(created),
			},
		}
		return s.outbox.Emit(ctx, tx, event)
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

func (s *service) AcceptContractor(ctx context.Context, input AcceptContractorInput) (*models.Project, error) {
	if input.ContractorID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "contractor id required")
	}
	var updated *models.Project
	err := s.withProject(ctx, input.ProjectID, func(tx *gorm.DB, project *models.Project) error {
		if err := requireHomeowner(project, input.Actor); err != nil {
			return err
		}
		if project.ContractorID != nil {
			return pkgerrors.New(pkgerrors.CodeConflict, "a contractor is already assigned").
				WithDetails(map[string]any{"contractor_id": project.ContractorID.String()})
		}
		if project.Status != enums.ProjectStatusDraft {
			return transitionError(project, enums.ProjectStatusPendingPayment)
		}

		contractorID := input.ContractorID
		project.ContractorID = &contractorID
		project.Status = enums.ProjectStatusPendingPayment
		txRepo := s.repo.WithTx(tx)
		if err := txRepo.Update(ctx, project); err != nil {
			return err
		}

		accepted := outbox.DomainEvent{
			EventType:     enums.EventContractorAccepted,
			AggregateType: enums.AggregateProject,
			AggregateID:   project.ID,
			ProjectID:     project.ID,
			Actor:         input.Actor.ref(),
			Data: payloads.ContractorAcceptedEvent{
				ProjectID:    project.ID,
				ContractorID: contractorID,
			},
		}
		if err := s.outbox.Emit(ctx, tx, accepted); err != nil {
			return err
		}
		if err := s.emitStatusChanged(ctx, tx, project, enums.ProjectStatusDraft, "contractor accepted", input.Actor); err != nil {
			return err
		}
		updated = project
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// InitiateActivationPayment opens the deposit ledger record and hands it to
// the gateway. The ledger settles via the gateway callback (or immediately
// when the gateway completes synchronously); activating the project is a
// separate explicit step.
func (s *service) InitiateActivationPayment(ctx context.Context, input ActivationPaymentInput) (*models.Payment, error) {
	var payment *models.Payment
	err := s.withProject(ctx, input.ProjectID, func(tx *gorm.DB, project *models.Project) error {
		if err := requireHomeowner(project, input.Actor); err != nil {
			return err
		}
		if project.Status != enums.ProjectStatusPendingPayment {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "project is not awaiting its activation payment").
				WithDetails(map[string]any{"current_status": project.Status.String()})
		}
		if err := s.checkDepositThreshold(project, input.Amount); err != nil {
			return err
		}

		attempts, err := s.repo.WithTx(tx).CountPayments(ctx, project.ID, nil)
		if err != nil {
			return err
		}

		created, err := s.payments.CreateTx(ctx, tx, project, payments.CreateInput{
			ProjectID: project.ID,
			Amount:    input.Amount,
			Method:    input.Method,
			Actor:     input.Actor.payments(),
		})
		if err != nil {
			return err
		}

		// Keyed on the project plus the committed attempt count, not the
		// uncommitted payment id: a crash after the charge rolls the ledger
		// row back, and the retry must reuse the key so the gateway
		// deduplicates instead of charging twice.
		intent, err := s.gateway.CreateIntent(ctx, escrow.IntentParams{
			PaymentID:      created.ID,
			ProjectID:      project.ID,
			IdempotencyKey: fmt.Sprintf("deposit-%s-%d", project.ID, attempts),
			Amount:         created.Amount,
			Currency:       s.currency,
			SourceID:       input.SourceID,
			Note:           fmt.Sprintf("activation deposit for %s", project.Name),
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "escrow intent creation failed")
		}
		if err := s.payments.MarkProcessingTx(ctx, tx, created, intent.ID, input.Actor.payments()); err != nil {
			return err
		}
		if intent.Status == escrow.IntentStatusCompleted {
			if err := s.payments.ConfirmTx(ctx, tx, project, created, intent.ID, input.Actor.payments()); err != nil {
				return err
			}
		}
		payment = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

func (s *service) ConfirmActivationPayment(ctx context.Context, input ConfirmActivationInput) (*models.Project, error) {
	var updated *models.Project
	err := s.withProject(ctx, input.ProjectID, func(tx *gorm.DB, project *models.Project) error {
		if err := requireHomeowner(project, input.Actor); err != nil {
			return err
		}
		if project.Status != enums.ProjectStatusPendingPayment {
			return transitionError(project, enums.ProjectStatusActive)
		}

		txRepo := s.repo.WithTx(tx)
		payment, err := txRepo.FindPaymentByID(ctx, input.PaymentID)
		if err != nil {
			return mapNotFound(err, "payment not found")
		}
		if payment.ProjectID != project.ID {
			return pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
		}
		if !payment.IsActivation() {
			return pkgerrors.New(pkgerrors.CodeValidation, "payment is not an activation deposit").
				WithDetails(map[string]any{"payment_id": payment.ID.String()})
		}
		if payment.Status != enums.PaymentStatusCompleted {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "activation payment is not completed").
				WithDetails(map[string]any{"payment_status": payment.Status.String()})
		}
		if err := s.checkDepositThreshold(project, payment.Amount); err != nil {
			return err
		}

		from := project.Status
		project.Status = enums.ProjectStatusActive
		if err := txRepo.Update(ctx, project); err != nil {
			return err
		}
		if err := s.emitStatusChanged(ctx, tx, project, from, "activation payment confirmed", input.Actor); err != nil {
			return err
		}
		updated = project
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *service) Pause(ctx context.Context, input PauseInput) (*models.Project, error) {
	if err := requireAdmin(input.Actor); err != nil {
		return nil, err
	}
	var updated *models.Project
	err := s.withProject(ctx, input.ProjectID, func(tx *gorm.DB, project *models.Project) error {
		if project.Status != enums.ProjectStatusActive {
			return transitionError(project, enums.ProjectStatusPaused)
		}
		from := project.Status
		project.Status = enums.ProjectStatusPaused
		if input.Reason != "" {
			reason := input.Reason
			project.PauseReason = &reason
		}
		if err := s.repo.WithTx(tx).Update(ctx, project); err != nil {
			return err
		}
		if err := s.emitStatusChanged(ctx, tx, project, from, input.Reason, input.Actor); err != nil {
			return err
		}
		updated = project
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *service) Resume(ctx context.Context, input ResumeInput) (*models.Project, error) {
	if err := requireAdmin(input.Actor); err != nil {
		return nil, err
	}
	var updated *models.Project
	err := s.withProject(ctx, input.ProjectID, func(tx *gorm.DB, project *models.Project) error {
		if project.Status != enums.ProjectStatusPaused {
			return transitionError(project, enums.ProjectStatusActive)
		}
		txRepo := s.repo.WithTx(tx)
		blocked, err := txRepo.AnyBlockedStage(ctx, project.ID)
		if err != nil {
			return err
		}
		if blocked {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "a blocked stage prevents resuming").
				WithDetails(map[string]any{"project_id": project.ID.String()})
		}

		from := project.Status
		project.Status = enums.ProjectStatusActive
		project.PauseReason = nil
		if err := txRepo.Update(ctx, project); err != nil {
			return err
		}
		if err := s.emitStatusChanged(ctx, tx, project, from, "resumed", input.Actor); err != nil {
			return err
		}
		updated = project
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *service) Cancel(ctx context.Context, input CancelInput) (*models.Project, error) {
	var updated *models.Project
	err := s.withProject(ctx, input.ProjectID, func(tx *gorm.DB, project *models.Project) error {
		switch project.Status {
		case enums.ProjectStatusDraft, enums.ProjectStatusPendingPayment, enums.ProjectStatusPaused:
		default:
			return transitionError(project, enums.ProjectStatusCancelled)
		}

		txRepo := s.repo.WithTx(tx)
		committed, err := txRepo.AnyCommittedStage(ctx, project.ID)
		if err != nil {
			return err
		}
		if committed {
			if !input.Override || input.Actor.Role != enums.ActorRoleAdmin {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "project has committed work").
					WithDetails(map[string]any{"project_id": project.ID.String()})
			}
			project.AdminOverridden = true
			octx := s.logg.WithFields(ctx, map[string]any{
				"project_id": project.ID.String(),
				"user_id":    input.Actor.UserID.String(),
				"actor_role": input.Actor.Role.String(),
			})
			s.logg.Warn(octx, "project cancelled over committed work by admin override")
		}

		from := project.Status
		now := time.Now().UTC()
		project.Status = enums.ProjectStatusCancelled
		project.CancelledAt = &now
		if input.Reason != "" {
			reason := input.Reason
			project.CancelReason = &reason
		}
		if input.Actor.UserID != uuid.Nil {
			cancelledBy := input.Actor.UserID
			project.CancelledByID = &cancelledBy
		}
		if err := txRepo.Update(ctx, project); err != nil {
			return err
		}
		if err := s.emitStatusChanged(ctx, tx, project, from, input.Reason, input.Actor); err != nil {
			return err
		}
		updated = project
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *service) Get(ctx context.Context, projectID uuid.UUID) (*models.Project, error) {
	project, err := s.repo.FindByID(ctx, projectID)
	if err != nil {
		return nil, mapNotFound(err, "project not found")
	}
	return project, nil
}

func (s *service) List(ctx context.Context, filter ListFilter, params pagination.Params) (*ProjectList, error) {
	return s.repo.List(ctx, filter, params)
}

// ReleaseStageFunds drives the stage payout through the ledger and the
// gateway inside the completion transaction: create, hand off, confirm. A
// failure at any point returns an error and the caller's rollback discards
// the ledger rows.
func (s *service) ReleaseStageFunds(ctx context.Context, tx *gorm.DB, project *models.Project, stage *models.Stage, actor stages.Actor) (*models.Payment, error) {
	paymentActor := payments.Actor{UserID: actor.UserID, Role: actor.Role}
	stageID := stage.ID
	attempts, err := s.repo.WithTx(tx).CountPayments(ctx, project.ID, &stageID)
	if err != nil {
		return nil, err
	}
	payment, err := s.payments.CreateTx(ctx, tx, project, payments.CreateInput{
		ProjectID: project.ID,
		StageID:   &stageID,
		Amount:    stage.ReleaseAmount(),
		Method:    enums.PaymentMethodEscrowRelease,
		Actor:     paymentActor,
	})
	if err != nil {
		return nil, err
	}

	// Keyed on the stage plus the committed attempt count so a retry after a
	// crash (rolled-back ledger row, new payment id) still presents the same
	// key and the gateway deduplicates the charge.
	intent, err := s.gateway.CreateIntent(ctx, escrow.IntentParams{
		PaymentID:      payment.ID,
		ProjectID:      project.ID,
		StageID:        &stageID,
		IdempotencyKey: fmt.Sprintf("release-%s-%d", stage.ID, attempts),
		Amount:         payment.Amount,
		Currency:       s.currency,
		Note:           fmt.Sprintf("stage release: %s", stage.Name),
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "stage fund release failed")
	}
	if err := s.payments.MarkProcessingTx(ctx, tx, payment, intent.ID, paymentActor); err != nil {
		return nil, err
	}

	if intent.Status != escrow.IntentStatusCompleted {
		intent, err = s.gateway.Confirm(ctx, intent.ID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "stage fund release failed")
		}
	}
	if intent.Status != escrow.IntentStatusCompleted {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "stage fund release failed").
			WithDetails(map[string]any{"gateway_status": string(intent.Status)})
	}

	if err := s.payments.ConfirmTx(ctx, tx, project, payment, intent.ID, paymentActor); err != nil {
		return nil, err
	}
	return payment, nil
}

func (s *service) checkDepositThreshold(project *models.Project, amount decimal.Decimal) error {
	percent := decimal.NewFromInt(int64(s.policy.DepositThresholdPercent))
	required := project.Budget.Mul(percent).Div(decimal.NewFromInt(100))
	if amount.LessThan(required) {
		return pkgerrors.New(pkgerrors.CodePolicy, "activation payment below the deposit threshold").
			WithDetails(map[string]any{
				"budget":            project.Budget.String(),
				"required_deposit":  required.String(),
				"amount":            amount.String(),
				"threshold_percent": s.policy.DepositThresholdPercent,
			})
	}
	return nil
}

func (s *service) emitStatusChanged(ctx context.Context, tx *gorm.DB, project *models.Project, from enums.ProjectStatus, reason string, actor Actor) error {
	event := outbox.DomainEvent{
		EventType:     enums.EventProjectStatusChanged,
		AggregateType: enums.AggregateProject,
		AggregateID:   project.ID,
		ProjectID:     project.ID,
		Actor:         actor.ref(),
		Data: payloads.ProjectStatusChangedEvent{
			ProjectID: project.ID,
			From:      from,
			To:        project.Status,
			Reason:    reason,
			Progress:  project.Progress,
		},
	}
	return s.outbox.Emit(ctx, tx, event)
}

// withProject opens a transaction and locks the project row.
func (s *service) withProject(ctx context.Context, projectID uuid.UUID, fn func(tx *gorm.DB, project *models.Project) error) error {
	if projectID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "project id required")
	}
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		project, err := s.repo.WithTx(tx).LockProject(ctx, projectID)
		if err != nil {
			return mapNotFound(err, "project not found")
		}
		return fn(tx, project)
	})
}

func requireAdmin(actor Actor) error {
	if actor.Role != enums.ActorRoleAdmin {
		return pkgerrors.New(pkgerrors.CodeForbidden, "admin role required")
	}
	return nil
}

// requireHomeowner rejects actors other than the owning homeowner. Admin and
// system actors pass.
func requireHomeowner(project *models.Project, actor Actor) error {
	switch actor.Role {
	case enums.ActorRoleAdmin, enums.ActorRoleSystem:
		return nil
	}
	if actor.UserID != project.HomeownerID {
		return pkgerrors.New(pkgerrors.CodeForbidden, "only the project homeowner may perform this action").
			WithDetails(map[string]any{"project_id": project.ID.String()})
	}
	return nil
}

func transitionError(project *models.Project, target enums.ProjectStatus) error {
	return pkgerrors.New(pkgerrors.CodeStateConflict,
		fmt.Sprintf("project cannot move from %s to %s", project.Status, target)).
		WithDetails(map[string]any{
			"project_id":     project.ID.String(),
			"current_status": project.Status.String(),
		})
}

func mapNotFound(err error, message string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, message)
	}
	return err
}
