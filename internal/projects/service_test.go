package projects

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
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
	"github.com/stagepay/stagepay-backend/pkg/pagination"
)

type stubProjectsRepo struct {
	projects     map[uuid.UUID]*models.Project
	payments     map[uuid.UUID]*models.Payment
	anyBlocked   bool
	anyCommitted bool
}

func newStubProjectsRepo() *stubProjectsRepo {
	return &stubProjectsRepo{
		projects: make(map[uuid.UUID]*models.Project),
		payments: make(map[uuid.UUID]*models.Payment),
	}
}

func (s *stubProjectsRepo) WithTx(tx *gorm.DB) Repository {
	return s
}

func (s *stubProjectsRepo) LockProject(ctx context.Context, projectID uuid.UUID) (*models.Project, error) {
	project, ok := s.projects[projectID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return project, nil
}

func (s *stubProjectsRepo) Create(ctx context.Context, project *models.Project) error {
	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	s.projects[project.ID] = project
	return nil
}

func (s *stubProjectsRepo) Update(ctx context.Context, project *models.Project) error {
	s.projects[project.ID] = project
	return nil
}

func (s *stubProjectsRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	project, ok := s.projects[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return project, nil
}

func (s *stubProjectsRepo) FindPaymentByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	payment, ok := s.payments[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return payment, nil
}

func (s *stubProjectsRepo) AnyBlockedStage(ctx context.Context, projectID uuid.UUID) (bool, error) {
	return s.anyBlocked, nil
}

func (s *stubProjectsRepo) AnyCommittedStage(ctx context.Context, projectID uuid.UUID) (bool, error) {
	return s.anyCommitted, nil
}

func (s *stubProjectsRepo) CountPayments(ctx context.Context, projectID uuid.UUID, stageID *uuid.UUID) (int64, error) {
	var count int64
	for _, payment := range s.payments {
		if payment.ProjectID != projectID {
			continue
		}
		if stageID == nil {
			if payment.StageID == nil {
				count++
			}
			continue
		}
		if payment.StageID != nil && *payment.StageID == *stageID {
			count++
		}
	}
	return count, nil
}

func (s *stubProjectsRepo) List(ctx context.Context, filter ListFilter, params pagination.Params) (*ProjectList, error) {
	var items []models.Project
	for _, project := range s.projects {
		items = append(items, *project)
	}
	return &ProjectList{Items: items}, nil
}

type stubTxRunner struct{}

func (stubTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type stubOutboxPublisher struct {
	events []outbox.DomainEvent
}

func (s *stubOutboxPublisher) Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	s.events = append(s.events, event)
	return nil
}

func (s *stubOutboxPublisher) has(eventType enums.OutboxEventType) bool {
	for _, event := range s.events {
		if event.EventType == eventType {
			return true
		}
	}
	return false
}

type stubStagesService struct {
	created []stages.Definition
}

func (s *stubStagesService) CreateForProjectTx(ctx context.Context, tx *gorm.DB, project *models.Project, defs []stages.Definition) ([]models.Stage, error) {
	s.created = defs
	rows := make([]models.Stage, 0, len(defs))
	for i, def := range defs {
		rows = append(rows, models.Stage{
			ID:            uuid.New(),
			ProjectID:     project.ID,
			Name:          def.Name,
			Position:      i,
			EstimatedCost: def.EstimatedCost,
			Status:        enums.StageStatusNotStarted,
		})
	}
	return rows, nil
}

func (s *stubStagesService) Start(ctx context.Context, input stages.StartInput) (*models.Stage, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubStagesService) RecordActualCost(ctx context.Context, input stages.RecordActualCostInput) (*models.Stage, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubStagesService) Complete(ctx context.Context, input stages.CompleteInput) (*models.Stage, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubStagesService) BlockTx(ctx context.Context, tx *gorm.DB, project *models.Project, stageID, disputeID uuid.UUID, actor stages.Actor) (*models.Stage, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubStagesService) UnblockTx(ctx context.Context, tx *gorm.DB, project *models.Project, stageID, disputeID uuid.UUID, actor stages.Actor) (*models.Stage, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubStagesService) Get(ctx context.Context, stageID uuid.UUID) (*models.Stage, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubStagesService) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Stage, error) {
	return nil, fmt.Errorf("not implemented")
}

type stubPaymentsService struct {
	records map[uuid.UUID]*models.Payment
}

func newStubPaymentsService() *stubPaymentsService {
	return &stubPaymentsService{records: make(map[uuid.UUID]*models.Payment)}
}

func (s *stubPaymentsService) CreateTx(ctx context.Context, tx *gorm.DB, project *models.Project, input payments.CreateInput) (*models.Payment, error) {
	if input.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment amount must be positive")
	}
	if project.Spent.Add(input.Amount).GreaterThan(project.Budget) {
		return nil, pkgerrors.New(pkgerrors.CodePolicy, "payment would exceed project budget")
	}
	payment := &models.Payment{
		ID:        uuid.New(),
		ProjectID: project.ID,
		StageID:   input.StageID,
		Amount:    input.Amount,
		Status:    enums.PaymentStatusPending,
		Method:    input.Method,
	}
	s.records[payment.ID] = payment
	return payment, nil
}

func (s *stubPaymentsService) MarkProcessingTx(ctx context.Context, tx *gorm.DB, payment *models.Payment, externalTransactionID string, actor payments.Actor) error {
	payment.Status = enums.PaymentStatusProcessing
	if externalTransactionID != "" {
		payment.ExternalTransactionID = &externalTransactionID
	}
	s.records[payment.ID] = payment
	return nil
}

func (s *stubPaymentsService) ConfirmTx(ctx context.Context, tx *gorm.DB, project *models.Project, payment *models.Payment, externalTransactionID string, actor payments.Actor) error {
	payment.Status = enums.PaymentStatusCompleted
	payment.ExternalTransactionID = &externalTransactionID
	project.Spent = project.Spent.Add(payment.Amount)
	s.records[payment.ID] = payment
	return nil
}

func (s *stubPaymentsService) FailTx(ctx context.Context, tx *gorm.DB, payment *models.Payment, reason string, actor payments.Actor) error {
	payment.Status = enums.PaymentStatusFailed
	s.records[payment.ID] = payment
	return nil
}

func (s *stubPaymentsService) Create(ctx context.Context, input payments.CreateInput) (*models.Payment, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubPaymentsService) MarkProcessing(ctx context.Context, paymentID uuid.UUID, externalTransactionID string, actor payments.Actor) (*models.Payment, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubPaymentsService) Confirm(ctx context.Context, input payments.ConfirmInput) (*models.Payment, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubPaymentsService) Fail(ctx context.Context, paymentID uuid.UUID, reason string, actor payments.Actor) (*models.Payment, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubPaymentsService) Refund(ctx context.Context, input payments.RefundInput) (*models.Payment, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubPaymentsService) Get(ctx context.Context, paymentID uuid.UUID) (*models.Payment, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubPaymentsService) ListByProject(ctx context.Context, projectID uuid.UUID, params pagination.Params) (*payments.PaymentList, error) {
	return nil, fmt.Errorf("not implemented")
}

type stubGateway struct {
	createStatus  escrow.IntentStatus
	confirmStatus escrow.IntentStatus
	createErr     error
	confirmErr    error
	createKeys    []string
}

func (s *stubGateway) CreateIntent(ctx context.Context, params escrow.IntentParams) (*escrow.Intent, error) {
	s.createKeys = append(s.createKeys, params.IdempotencyKey)
	if s.createErr != nil {
		return nil, s.createErr
	}
	status := s.createStatus
	if status == "" {
		status = escrow.IntentStatusPending
	}
	return &escrow.Intent{ID: "sq-" + params.PaymentID.String(), Status: status}, nil
}

func (s *stubGateway) Confirm(ctx context.Context, intentID string) (*escrow.Intent, error) {
	if s.confirmErr != nil {
		return nil, s.confirmErr
	}
	status := s.confirmStatus
	if status == "" {
		status = escrow.IntentStatusCompleted
	}
	return &escrow.Intent{ID: intentID, Status: status}, nil
}

func (s *stubGateway) Refund(ctx context.Context, transactionID string, amount decimal.Decimal) (*escrow.Intent, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubGateway) Lookup(ctx context.Context, intentID string) (*escrow.Intent, error) {
	return nil, fmt.Errorf("not implemented")
}

func money(value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		panic(err)
	}
	return d
}

type fixture struct {
	repo     *stubProjectsRepo
	events   *stubOutboxPublisher
	stages   *stubStagesService
	payments *stubPaymentsService
	gateway  *stubGateway
	svc      Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:     newStubProjectsRepo(),
		events:   &stubOutboxPublisher{},
		stages:   &stubStagesService{},
		payments: newStubPaymentsService(),
		gateway:  &stubGateway{},
	}
	logg := logger.New(logger.Options{ServiceName: "test", Level: zerolog.Disabled, Output: io.Discard})
	svc, err := NewService(
		f.repo, stubTxRunner{}, f.events, f.stages, f.payments, f.gateway,
		logg, config.PolicyConfig{DepositThresholdPercent: 50}, "USD",
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) seedProject(status enums.ProjectStatus, budget, spent string) *models.Project {
	project := &models.Project{
		ID:          uuid.New(),
		Name:        "kitchen remodel",
		HomeownerID: uuid.New(),
		Budget:      money(budget),
		Spent:       money(spent),
		Status:      status,
	}
	f.repo.projects[project.ID] = project
	return project
}

func (f *fixture) seedPayment(projectID uuid.UUID, amount string, status enums.PaymentStatus, stageID *uuid.UUID) *models.Payment {
	payment := &models.Payment{
		ID:        uuid.New(),
		ProjectID: projectID,
		StageID:   stageID,
		Amount:    money(amount),
		Status:    status,
		Method:    enums.PaymentMethodCard,
	}
	f.repo.payments[payment.ID] = payment
	return payment
}

func homeownerActor() Actor {
	return Actor{UserID: uuid.New(), Role: enums.ActorRoleHomeowner}
}

func ownerActor(project *models.Project) Actor {
	return Actor{UserID: project.HomeownerID, Role: enums.ActorRoleHomeowner}
}

func adminActor() Actor {
	return Actor{UserID: uuid.New(), Role: enums.ActorRoleAdmin}
}

func TestCreateSeedsDefaultTemplateStages(t *testing.T) {
	f := newFixture(t)
	project, err := f.svc.Create(context.Background(), CreateInput{
		Name:        "kitchen remodel",
		HomeownerID: uuid.New(),
		Budget:      money("100000"),
		Actor:       homeownerActor(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if project.Status != enums.ProjectStatusDraft {
		t.Fatalf("expected draft, got %s", project.Status)
	}
	if len(f.stages.created) != 4 {
		t.Fatalf("expected 4 template stages, got %d", len(f.stages.created))
	}
	if !f.stages.created[0].EstimatedCost.Equal(money("30000")) {
		t.Fatalf("expected foundation estimate 30000, got %s", f.stages.created[0].EstimatedCost)
	}
	if !f.events.has(enums.EventProjectCreated) {
		t.Fatal("expected project_created event")
	}
}

func TestCreateRejectsNonPositiveBudget(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), CreateInput{
		Name:        "kitchen remodel",
		HomeownerID: uuid.New(),
		Budget:      money("0"),
		Actor:       homeownerActor(),
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAcceptContractorMovesToPendingPayment(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(enums.ProjectStatusDraft, "100000", "0")
	contractorID := uuid.New()

	updated, err := f.svc.AcceptContractor(context.Background(), AcceptContractorInput{
		ProjectID:    project.ID,
		ContractorID: contractorID,
		Actor:        ownerActor(project),
	})
	if err != nil {
		t.Fatalf("accept contractor: %v", err)
	}
	if updated.Status != enums.ProjectStatusPendingPayment {
		t.Fatalf("expected pending_payment, got %s", updated.Status)
	}
	if updated.ContractorID == nil || *updated.ContractorID != contractorID {
		t.Fatal("expected contractor recorded")
	}
	if !f.events.has(enums.EventContractorAccepted) {
		t.Fatal("expected contractor_accepted event")
	}
}

func TestAcceptContractorRejectsSecondAssignment(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(enums.ProjectStatusPendingPayment, "100000", "0")
	existing := uuid.New()
	project.ContractorID = &existing

	_, err := f.svc.AcceptContractor(context.Background(), AcceptContractorInput{
		ProjectID:    project.ID,
		ContractorID: uuid.New(),
		Actor:        ownerActor(project),
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestAcceptContractorRejectsNonOwner(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(enums.ProjectStatusDraft, "100000", "0")

	_, err := f.svc.AcceptContractor(context.Background(), AcceptContractorInput{
		ProjectID:    project.ID,
		ContractorID: uuid.New(),
		Actor:        homeownerActor(),
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if project.ContractorID != nil {
		t.Fatal("contractor must not be assigned")
	}
	if project.Status != enums.ProjectStatusDraft {
		t.Fatalf("project must stay draft, got %s", project.Status)
	}
}

func TestInitiateActivationPaymentRejectsBelowThreshold(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(enums.ProjectStatusPendingPayment, "100000", "0")

	_, err := f.svc.InitiateActivationPayment(context.Background(), ActivationPaymentInput{
		ProjectID: project.ID,
		Amount:    money("40000"),
		Method:    enums.PaymentMethodCard,
		Actor:     ownerActor(project),
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodePolicy {
		t.Fatalf("expected policy error, got %v", err)
	}
}

func TestInitiateActivationPaymentHandsOffToGateway(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(enums.ProjectStatusPendingPayment, "100000", "0")

	payment, err := f.svc.InitiateActivationPayment(context.Background(), ActivationPaymentInput{
		ProjectID: project.ID,
		Amount:    money("60000"),
		Method:    enums.PaymentMethodCard,
		SourceID:  "cnon-token",
		Actor:     ownerActor(project),
	})
	if err != nil {
		t.Fatalf("initiate activation payment: %v", err)
	}
	if payment.Status != enums.PaymentStatusProcessing {
		t.Fatalf("expected processing, got %s", payment.Status)
	}
	if payment.ExternalTransactionID == nil {
		t.Fatal("expected gateway transaction recorded")
	}
	if project.Status != enums.ProjectStatusPendingPayment {
		t.Fatalf("initiation must not activate the project, got %s", project.Status)
	}
}

func TestInitiateActivationPaymentSettlesSynchronousCompletion(t *testing.T) {
	f := newFixture(t)
	f.gateway.createStatus = escrow.IntentStatusCompleted
	project := f.seedProject(enums.ProjectStatusPendingPayment, "100000", "0")

	payment, err := f.svc.InitiateActivationPayment(context.Background(), ActivationPaymentInput{
		ProjectID: project.ID,
		Amount:    money("60000"),
		Method:    enums.PaymentMethodCard,
		Actor:     ownerActor(project),
	})
	if err != nil {
		t.Fatalf("initiate activation payment: %v", err)
	}
	if payment.Status != enums.PaymentStatusCompleted {
		t.Fatalf("expected completed, got %s", payment.Status)
	}
	if !project.Spent.Equal(money("60000")) {
		t.Fatalf("expected spent 60000, got %s", project.Spent)
	}
}

func TestInitiateActivationPaymentRejectsNonOwner(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(enums.ProjectStatusPendingPayment, "100000", "0")

	_, err := f.svc.InitiateActivationPayment(context.Background(), ActivationPaymentInput{
		ProjectID: project.ID,
		Amount:    money("60000"),
		Method:    enums.PaymentMethodCard,
		Actor:     homeownerActor(),
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if len(f.gateway.createKeys) != 0 {
		t.Fatal("gateway must not be charged")
	}
}

func TestDepositChargeKeyStableAcrossRetries(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(enums.ProjectStatusPendingPayment, "100000", "0")

	f.gateway.createErr = fmt.Errorf("gateway unreachable")
	_, err := f.svc.InitiateActivationPayment(context.Background(), ActivationPaymentInput{
		ProjectID: project.ID,
		Amount:    money("60000"),
		Method:    enums.PaymentMethodCard,
		Actor:     ownerActor(project),
	})
	if err == nil {
		t.Fatal("expected gateway error")
	}

	f.gateway.createErr = nil
	if _, err := f.svc.InitiateActivationPayment(context.Background(), ActivationPaymentInput{
		ProjectID: project.ID,
		Amount:    money("60000"),
		Method:    enums.PaymentMethodCard,
		Actor:     ownerActor(project),
	}); err != nil {
		t.Fatalf("retry: %v", err)
	}

	want := fmt.Sprintf("deposit-%s-0", project.ID)
	if len(f.gateway.createKeys) != 2 {
		t.Fatalf("expected 2 gateway calls, got %d", len(f.gateway.createKeys))
	}
	if f.gateway.createKeys[0] != want || f.gateway.createKeys[1] != want {
		t.Fatalf("expected both attempts keyed %q, got %v", want, f.gateway.createKeys)
	}
}

func TestConfirmActivationPaymentActivatesProject(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(enums.ProjectStatusPendingPayment, "100000", "60000")
	payment := f.seedPayment(project.ID, "60000", enums.PaymentStatusCompleted, nil)

	updated, err := f.svc.ConfirmActivationPayment(context.Background(), ConfirmActivationInput{
		ProjectID: project.ID,
		PaymentID: payment.ID,
		Actor:     ownerActor(project),
	})
	if err != nil {
		t.Fatalf("confirm activation: %v", err)
	}
	if updated.Status != enums.ProjectStatusActive {
		t.Fatalf("expected active, got %s", updated.Status)
	}
	if !f.events.has(enums.EventProjectStatusChanged) {
		t.Fatal("expected project_status_changed event")
	}
}

func TestConfirmActivationPaymentRejectsInsufficientDeposit(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(enums.ProjectStatusPendingPayment, "100000", "40000")
	payment := f.seedPayment(project.ID, "40000", enums.PaymentStatusCompleted, nil)

	_, err := f.svc.ConfirmActivationPayment(context.Background(), ConfirmActivationInput{
		ProjectID: project.ID,
		PaymentID: payment.ID,
		Actor:     ownerActor(project),
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodePolicy {
		t.Fatalf("expected policy error, got %v", err)
	}
	if project.Status != enums.ProjectStatusPendingPayment {
		t.Fatalf("project must stay pending_payment, got %s", project.Status)
	}
}

func TestConfirmActivationPaymentRequiresCompletedPayment(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(enums.ProjectStatusPendingPayment, "100000", "0")
	payment := f.seedPayment(project.ID, "60000", enums.PaymentStatusProcessing, nil)

	_, err := f.svc.ConfirmActivationPayment(context.Background(), ConfirmActivationInput{
		ProjectID: project.ID,
		PaymentID: payment.ID,
		Actor:     ownerActor(project),
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestConfirmActivationPaymentRejectsStagePayment(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(enums.ProjectStatusPendingPayment, "100000", "0")
	stageID := uuid.New()
	payment := f.seedPayment(project.ID, "60000", enums.PaymentStatusCompleted, &stageID)

	_, err := f.svc.ConfirmActivationPayment(context.Background(), ConfirmActivationInput{
		ProjectID: project.ID,
		PaymentID: payment.ID,
		Actor:     ownerActor(project),
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestConfirmActivationPaymentRejectsNonOwner(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(enums.ProjectStatusPendingPayment, "100000", "60000")
	payment := f.seedPayment(project.ID, "60000", enums.PaymentStatusCompleted, nil)

	_, err := f.svc.ConfirmActivationPayment(context.Background(), ConfirmActivationInput{
		ProjectID: project.ID,
		PaymentID: payment.ID,
		Actor:     homeownerActor(),
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if project.Status != enums.ProjectStatusPendingPayment {
		t.Fatalf("project must stay pending_payment, got %s", project.Status)
	}
}

func TestPauseRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(enums.ProjectStatusActive, "100000", "60000")

	_, err := f.svc.Pause(context.Background(), PauseInput{
		ProjectID: project.ID,
		Reason:    "dispute filed",
		Actor:     homeownerActor(),
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestPauseAndResumeRoundTrip(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(enums.ProjectStatusActive, "100000", "60000")
	admin := adminActor()

	paused, err := f.svc.Pause(context.Background(), PauseInput{
		ProjectID: project.ID,
		Reason:    "dispute filed",
		Actor:     admin,
	})
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.Status != enums.ProjectStatusPaused {
		t.Fatalf("expected paused, got %s", paused.Status)
	}
	if paused.PauseReason == nil || *paused.PauseReason != "dispute filed" {
		t.Fatal("expected pause reason recorded")
	}

	resumed, err := f.svc.Resume(context.Background(), ResumeInput{ProjectID: project.ID, Actor: admin})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != enums.ProjectStatusActive {
		t.Fatalf("expected active, got %s", resumed.Status)
	}
	if resumed.PauseReason != nil {
		t.Fatal("expected pause reason cleared")
	}
}

func TestResumeRejectedWhileStageBlocked(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(enums.ProjectStatusPaused, "100000", "60000")
	f.repo.anyBlocked = true

	_, err := f.svc.Resume(context.Background(), ResumeInput{ProjectID: project.ID, Actor: adminActor()})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestCancelRejectedFromActive(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(enums.ProjectStatusActive, "100000", "60000")

	_, err := f.svc.Cancel(context.Background(), CancelInput{
		ProjectID: project.ID,
		Reason:    "changed my mind",
		Actor:     homeownerActor(),
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestCancelRejectedWithCommittedWork(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(enums.ProjectStatusPaused, "100000", "80000")
	f.repo.anyCommitted = true

	_, err := f.svc.Cancel(context.Background(), CancelInput{
		ProjectID: project.ID,
		Reason:    "irreconcilable",
		Actor:     homeownerActor(),
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestCancelWithAdminOverride(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(enums.ProjectStatusPaused, "100000", "80000")
	f.repo.anyCommitted = true
	admin := adminActor()

	cancelled, err := f.svc.Cancel(context.Background(), CancelInput{
		ProjectID: project.ID,
		Reason:    "irreconcilable",
		Override:  true,
		Actor:     admin,
	})
	if err != nil {
		t.Fatalf("cancel with override: %v", err)
	}
	if cancelled.Status != enums.ProjectStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if !cancelled.AdminOverridden {
		t.Fatal("expected admin override recorded")
	}
	if cancelled.CancelledByID == nil || *cancelled.CancelledByID != admin.UserID {
		t.Fatal("expected cancelling actor recorded")
	}
	if cancelled.CancelledAt == nil {
		t.Fatal("expected cancelled_at set")
	}
}

func TestCancelOverrideRequiresAdminRole(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(enums.ProjectStatusPaused, "100000", "80000")
	f.repo.anyCommitted = true

	_, err := f.svc.Cancel(context.Background(), CancelInput{
		ProjectID: project.ID,
		Reason:    "irreconcilable",
		Override:  true,
		Actor:     homeownerActor(),
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestReleaseStageFundsConfirmsThroughGateway(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(enums.ProjectStatusActive, "100000", "60000")
	stage := &models.Stage{
		ID:            uuid.New(),
		ProjectID:     project.ID,
		Name:          "foundation",
		Position:      0,
		EstimatedCost: money("20000"),
		Status:        enums.StageStatusInProgress,
	}

	payment, err := f.svc.ReleaseStageFunds(context.Background(), nil, project, stage, stages.Actor{
		UserID: uuid.New(), Role: enums.ActorRoleHomeowner,
	})
	if err != nil {
		t.Fatalf("release stage funds: %v", err)
	}
	if payment.Status != enums.PaymentStatusCompleted {
		t.Fatalf("expected completed, got %s", payment.Status)
	}
	if payment.StageID == nil || *payment.StageID != stage.ID {
		t.Fatal("expected payment tied to the stage")
	}
	if payment.Method != enums.PaymentMethodEscrowRelease {
		t.Fatalf("expected escrow_release method, got %s", payment.Method)
	}
	if !project.Spent.Equal(money("80000")) {
		t.Fatalf("expected spent 80000, got %s", project.Spent)
	}
}

func TestReleaseStageFundsSurfacesGatewayFailure(t *testing.T) {
	f := newFixture(t)
	f.gateway.confirmErr = fmt.Errorf("gateway timeout")
	project := f.seedProject(enums.ProjectStatusActive, "100000", "60000")
	stage := &models.Stage{
		ID:            uuid.New(),
		ProjectID:     project.ID,
		Name:          "foundation",
		Position:      0,
		EstimatedCost: money("20000"),
		Status:        enums.StageStatusInProgress,
	}

	_, err := f.svc.ReleaseStageFunds(context.Background(), nil, project, stage, stages.Actor{
		UserID: uuid.New(), Role: enums.ActorRoleHomeowner,
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeDependency {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func TestReleaseStageFundsRespectsBudget(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(enums.ProjectStatusActive, "100000", "90000")
	stage := &models.Stage{
		ID:            uuid.New(),
		ProjectID:     project.ID,
		Name:          "framing",
		Position:      1,
		EstimatedCost: money("20000"),
		Status:        enums.StageStatusInProgress,
	}

	_, err := f.svc.ReleaseStageFunds(context.Background(), nil, project, stage, stages.Actor{
		UserID: uuid.New(), Role: enums.ActorRoleHomeowner,
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodePolicy {
		t.Fatalf("expected policy error, got %v", err)
	}
}

func TestReleaseChargeKeyStableAcrossRetries(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(enums.ProjectStatusActive, "100000", "60000")
	stage := &models.Stage{
		ID:            uuid.New(),
		ProjectID:     project.ID,
		Name:          "foundation",
		Position:      0,
		EstimatedCost: money("20000"),
		Status:        enums.StageStatusInProgress,
	}
	actor := stages.Actor{UserID: project.HomeownerID, Role: enums.ActorRoleHomeowner}

	f.gateway.confirmErr = fmt.Errorf("gateway timeout")
	if _, err := f.svc.ReleaseStageFunds(context.Background(), nil, project, stage, actor); err == nil {
		t.Fatal("expected gateway error")
	}

	f.gateway.confirmErr = nil
	if _, err := f.svc.ReleaseStageFunds(context.Background(), nil, project, stage, actor); err != nil {
		t.Fatalf("retry: %v", err)
	}

	want := fmt.Sprintf("release-%s-0", stage.ID)
	if len(f.gateway.createKeys) != 2 {
		t.Fatalf("expected 2 gateway calls, got %d", len(f.gateway.createKeys))
	}
	if f.gateway.createKeys[0] != want || f.gateway.createKeys[1] != want {
		t.Fatalf("expected both attempts keyed %q, got %v", want, f.gateway.createKeys)
	}
}

func TestReleaseStageFundsUsesActualCost(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(enums.ProjectStatusActive, "100000", "60000")
	actual := money("18500")
	stage := &models.Stage{
		ID:            uuid.New(),
		ProjectID:     project.ID,
		Name:          "foundation",
		Position:      0,
		EstimatedCost: money("20000"),
		ActualCost:    &actual,
		Status:        enums.StageStatusInProgress,
	}

	payment, err := f.svc.ReleaseStageFunds(context.Background(), nil, project, stage, stages.Actor{
		UserID: uuid.New(), Role: enums.ActorRoleHomeowner,
	})
	if err != nil {
		t.Fatalf("release stage funds: %v", err)
	}
	if !payment.Amount.Equal(actual) {
		t.Fatalf("expected release of actual cost 18500, got %s", payment.Amount)
	}
	if !project.Spent.Equal(money("78500")) {
		t.Fatalf("expected spent 78500, got %s", project.Spent)
	}
}
