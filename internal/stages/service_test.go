package stages

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/stagepay/stagepay-backend/pkg/db/models"
	"github.com/stagepay/stagepay-backend/pkg/enums"
	pkgerrors "github.com/stagepay/stagepay-backend/pkg/errors"
	"github.com/stagepay/stagepay-backend/pkg/outbox"
)

type stubStagesRepo struct {
	project *models.Project
	stages  map[uuid.UUID]*models.Stage
}

func newStubStagesRepo(project *models.Project) *stubStagesRepo {
	return &stubStagesRepo{
		project: project,
		stages:  make(map[uuid.UUID]*models.Stage),
	}
}

func (s *stubStagesRepo) WithTx(tx *gorm.DB) Repository {
	return s
}

func (s *stubStagesRepo) LockProject(ctx context.Context, projectID uuid.UUID) (*models.Project, error) {
	if s.project == nil || s.project.ID != projectID {
		return nil, gorm.ErrRecordNotFound
	}
	return s.project, nil
}

func (s *stubStagesRepo) CreateBatch(ctx context.Context, rows []*models.Stage) error {
	for _, row := range rows {
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
		copied := *row
		s.stages[row.ID] = &copied
	}
	return nil
}

func (s *stubStagesRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Stage, error) {
	stage, ok := s.stages[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *stage
	return &copied, nil
}

func (s *stubStagesRepo) FindByProjectAndPosition(ctx context.Context, projectID uuid.UUID, position int) (*models.Stage, error) {
	for _, stage := range s.stages {
		if stage.ProjectID == projectID && stage.Position == position {
			copied := *stage
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *stubStagesRepo) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Stage, error) {
	var rows []models.Stage
	for _, stage := range s.stages {
		if stage.ProjectID == projectID {
			rows = append(rows, *stage)
		}
	}
	return rows, nil
}

func (s *stubStagesRepo) Update(ctx context.Context, stage *models.Stage) error {
	copied := *stage
	s.stages[stage.ID] = &copied
	return nil
}

func (s *stubStagesRepo) Counts(ctx context.Context, projectID uuid.UUID) (int64, int64, error) {
	var total, completed int64
	for _, stage := range s.stages {
		if stage.ProjectID != projectID {
			continue
		}
		total++
		if stage.Status == enums.StageStatusCompleted {
			completed++
		}
	}
	return total, completed, nil
}

func (s *stubStagesRepo) AnyBlocked(ctx context.Context, projectID uuid.UUID) (bool, error) {
	for _, stage := range s.stages {
		if stage.ProjectID == projectID && stage.Status == enums.StageStatusBlocked {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubStagesRepo) UpdateProject(ctx context.Context, project *models.Project) error {
	s.project = project
	return nil
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

type stubReleaser struct {
	err    error
	called int
}

func (s *stubReleaser) ReleaseStageFunds(ctx context.Context, tx *gorm.DB, project *models.Project, stage *models.Stage, actor Actor) (*models.Payment, error) {
	s.called++
	if s.err != nil {
		return nil, s.err
	}
	return &models.Payment{
		ID:        uuid.New(),
		ProjectID: project.ID,
		StageID:   &stage.ID,
		Amount:    stage.ReleaseAmount(),
		Status:    enums.PaymentStatusCompleted,
	}, nil
}

type stubDisputeChecker struct {
	active map[uuid.UUID]bool
}

func (s *stubDisputeChecker) HasActiveForStage(ctx context.Context, tx *gorm.DB, stageID uuid.UUID) (bool, error) {
	return s.active[stageID], nil
}

func money(value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		panic(err)
	}
	return d
}

func activeProject() *models.Project {
	contractorID := uuid.New()
	return &models.Project{
		ID:           uuid.New(),
		Name:         "kitchen remodel",
		HomeownerID:  uuid.New(),
		ContractorID: &contractorID,
		Budget:       money("100000"),
		Spent:        money("60000"),
		Status:       enums.ProjectStatusActive,
	}
}

type fixture struct {
	repo     *stubStagesRepo
	events   *stubOutboxPublisher
	releaser *stubReleaser
	disputes *stubDisputeChecker
	svc      Service
}

func newFixture(t *testing.T, project *models.Project) *fixture {
	t.Helper()
	f := &fixture{
		repo:     newStubStagesRepo(project),
		events:   &stubOutboxPublisher{},
		releaser: &stubReleaser{},
		disputes: &stubDisputeChecker{active: make(map[uuid.UUID]bool)},
	}
	svc, err := NewService(f.repo, stubTxRunner{}, f.events, f.releaser, f.disputes)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) seedStage(position int, status enums.StageStatus, estimated string) *models.Stage {
	stage := &models.Stage{
		ID:            uuid.New(),
		ProjectID:     f.repo.project.ID,
		Name:          "stage",
		Position:      position,
		EstimatedCost: money(estimated),
		Status:        status,
	}
	f.repo.stages[stage.ID] = stage
	return stage
}

func contractorActor(project *models.Project) Actor {
	return Actor{UserID: *project.ContractorID, Role: enums.ActorRoleContractor}
}

func homeownerActor(project *models.Project) Actor {
	return Actor{UserID: project.HomeownerID, Role: enums.ActorRoleHomeowner}
}

func TestCreateForProjectAssignsContiguousPositions(t *testing.T) {
	f := newFixture(t, activeProject())
	created, err := f.svc.CreateForProjectTx(context.Background(), nil, f.repo.project, []Definition{
		{Name: "foundation", EstimatedCost: money("20000")},
		{Name: "framing", EstimatedCost: money("30000")},
		{Name: "finishes", EstimatedCost: money("10000")},
	})
	if err != nil {
		t.Fatalf("create stages: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(created))
	}
	for i, stage := range created {
		if stage.Position != i {
			t.Fatalf("expected position %d, got %d", i, stage.Position)
		}
		if stage.Status != enums.StageStatusNotStarted {
			t.Fatalf("expected not_started, got %s", stage.Status)
		}
	}
}

func TestCreateForProjectRejectsNonPositiveEstimate(t *testing.T) {
	f := newFixture(t, activeProject())
	_, err := f.svc.CreateForProjectTx(context.Background(), nil, f.repo.project, []Definition{
		{Name: "foundation", EstimatedCost: money("0")},
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStartFirstStage(t *testing.T) {
	f := newFixture(t, activeProject())
	stage := f.seedStage(0, enums.StageStatusNotStarted, "20000")

	started, err := f.svc.Start(context.Background(), StartInput{
		ProjectID: f.repo.project.ID,
		StageID:   stage.ID,
		Actor:     contractorActor(f.repo.project),
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != enums.StageStatusInProgress {
		t.Fatalf("expected in_progress, got %s", started.Status)
	}
	if started.StartedAt == nil {
		t.Fatal("expected started_at set")
	}
	if !f.events.has(enums.EventStageStarted) {
		t.Fatal("expected stage_started event")
	}
}

func TestStartRequiresActiveProject(t *testing.T) {
	project := activeProject()
	project.Status = enums.ProjectStatusPaused
	f := newFixture(t, project)
	stage := f.seedStage(0, enums.StageStatusNotStarted, "20000")

	_, err := f.svc.Start(context.Background(), StartInput{StageID: stage.ID, Actor: contractorActor(project)})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestStartEnforcesSequencing(t *testing.T) {
	f := newFixture(t, activeProject())
	f.seedStage(0, enums.StageStatusInProgress, "20000")
	second := f.seedStage(1, enums.StageStatusNotStarted, "30000")

	_, err := f.svc.Start(context.Background(), StartInput{StageID: second.ID, Actor: contractorActor(f.repo.project)})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestStartRejectsBlockedStage(t *testing.T) {
	f := newFixture(t, activeProject())
	stage := f.seedStage(0, enums.StageStatusBlocked, "20000")

	_, err := f.svc.Start(context.Background(), StartInput{StageID: stage.ID, Actor: contractorActor(f.repo.project)})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestStartRejectsUnassignedContractor(t *testing.T) {
	f := newFixture(t, activeProject())
	stage := f.seedStage(0, enums.StageStatusNotStarted, "20000")

	_, err := f.svc.Start(context.Background(), StartInput{
		StageID: stage.ID,
		Actor:   Actor{UserID: uuid.New(), Role: enums.ActorRoleContractor},
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if got := f.repo.stages[stage.ID].Status; got != enums.StageStatusNotStarted {
		t.Fatalf("stage must stay not_started, got %s", got)
	}
}

func TestRecordActualCostRejectsUnassignedContractor(t *testing.T) {
	f := newFixture(t, activeProject())
	stage := f.seedStage(0, enums.StageStatusInProgress, "20000")

	_, err := f.svc.RecordActualCost(context.Background(), RecordActualCostInput{
		StageID:    stage.ID,
		ActualCost: money("18500"),
		Actor:      Actor{UserID: uuid.New(), Role: enums.ActorRoleContractor},
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if f.repo.stages[stage.ID].ActualCost != nil {
		t.Fatal("actual cost must not be recorded")
	}
}

func TestCompleteRejectsOutsideHomeowner(t *testing.T) {
	f := newFixture(t, activeProject())
	stage := f.seedStage(0, enums.StageStatusInProgress, "20000")

	_, err := f.svc.Complete(context.Background(), CompleteInput{
		StageID: stage.ID,
		Actor:   Actor{UserID: uuid.New(), Role: enums.ActorRoleHomeowner},
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if f.releaser.called != 0 {
		t.Fatal("no funds may be released for an outside caller")
	}
	if got := f.repo.stages[stage.ID].Status; got != enums.StageStatusInProgress {
		t.Fatalf("stage must stay in_progress, got %s", got)
	}
}

func TestCompleteReleasesFundsAndUpdatesProgress(t *testing.T) {
	f := newFixture(t, activeProject())
	first := f.seedStage(0, enums.StageStatusInProgress, "20000")
	f.seedStage(1, enums.StageStatusNotStarted, "30000")

	completed, err := f.svc.Complete(context.Background(), CompleteInput{
		StageID: first.ID,
		Actor:   homeownerActor(f.repo.project),
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != enums.StageStatusCompleted {
		t.Fatalf("expected completed, got %s", completed.Status)
	}
	if f.releaser.called != 1 {
		t.Fatalf("expected one release call, got %d", f.releaser.called)
	}
	if f.repo.project.Progress != 50 {
		t.Fatalf("expected progress 50, got %d", f.repo.project.Progress)
	}
	if f.repo.project.Status != enums.ProjectStatusActive {
		t.Fatalf("project must stay active with stages remaining, got %s", f.repo.project.Status)
	}
	if !f.events.has(enums.EventStageCompleted) {
		t.Fatal("expected stage_completed event")
	}
}

func TestCompleteLastStageCompletesProject(t *testing.T) {
	f := newFixture(t, activeProject())
	only := f.seedStage(0, enums.StageStatusInProgress, "20000")

	if _, err := f.svc.Complete(context.Background(), CompleteInput{
		StageID: only.ID,
		Actor:   homeownerActor(f.repo.project),
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if f.repo.project.Status != enums.ProjectStatusCompleted {
		t.Fatalf("expected project completed, got %s", f.repo.project.Status)
	}
	if f.repo.project.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", f.repo.project.Progress)
	}
	if !f.events.has(enums.EventProjectStatusChanged) {
		t.Fatal("expected project_status_changed event")
	}
}

func TestCompleteRejectedWhileDisputeActive(t *testing.T) {
	f := newFixture(t, activeProject())
	stage := f.seedStage(0, enums.StageStatusInProgress, "20000")
	f.disputes.active[stage.ID] = true

	_, err := f.svc.Complete(context.Background(), CompleteInput{StageID: stage.ID, Actor: homeownerActor(f.repo.project)})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
	if f.releaser.called != 0 {
		t.Fatal("release must not run while a dispute is active")
	}
}

func TestCompleteAbortsWhenReleaseFails(t *testing.T) {
	f := newFixture(t, activeProject())
	stage := f.seedStage(0, enums.StageStatusInProgress, "20000")
	f.releaser.err = pkgerrors.New(pkgerrors.CodeDependency, "stage fund release failed")

	_, err := f.svc.Complete(context.Background(), CompleteInput{StageID: stage.ID, Actor: homeownerActor(f.repo.project)})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeDependency {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if got := f.repo.stages[stage.ID].Status; got != enums.StageStatusInProgress {
		t.Fatalf("stage must stay in_progress, got %s", got)
	}
	if f.events.has(enums.EventStageCompleted) {
		t.Fatal("no stage_completed event may be emitted on a failed release")
	}
}

func TestCompleteUsesActualCostForRelease(t *testing.T) {
	f := newFixture(t, activeProject())
	stage := f.seedStage(0, enums.StageStatusInProgress, "20000")

	if _, err := f.svc.RecordActualCost(context.Background(), RecordActualCostInput{
		StageID:    stage.ID,
		ActualCost: money("18500"),
		Actor:      contractorActor(f.repo.project),
	}); err != nil {
		t.Fatalf("record actual cost: %v", err)
	}
	completed, err := f.svc.Complete(context.Background(), CompleteInput{StageID: stage.ID, Actor: homeownerActor(f.repo.project)})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !completed.ReleaseAmount().Equal(money("18500")) {
		t.Fatalf("expected release amount 18500, got %s", completed.ReleaseAmount())
	}
}

func TestBlockAndUnblockRestorePriorStatus(t *testing.T) {
	f := newFixture(t, activeProject())
	stage := f.seedStage(1, enums.StageStatusInProgress, "30000")
	disputeID := uuid.New()
	actor := Actor{UserID: uuid.New(), Role: enums.ActorRoleAdmin}

	blocked, err := f.svc.BlockTx(context.Background(), nil, f.repo.project, stage.ID, disputeID, actor)
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if blocked.Status != enums.StageStatusBlocked {
		t.Fatalf("expected blocked, got %s", blocked.Status)
	}
	if blocked.PreBlockStatus == nil || *blocked.PreBlockStatus != enums.StageStatusInProgress {
		t.Fatal("expected pre-block status recorded")
	}
	if blocked.BlockedByDisputeID == nil || *blocked.BlockedByDisputeID != disputeID {
		t.Fatal("expected blocking dispute recorded")
	}

	restored, err := f.svc.UnblockTx(context.Background(), nil, f.repo.project, stage.ID, disputeID, actor)
	if err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if restored.Status != enums.StageStatusInProgress {
		t.Fatalf("expected in_progress restored, got %s", restored.Status)
	}
	if restored.BlockedByDisputeID != nil || restored.PreBlockStatus != nil {
		t.Fatal("expected block bookkeeping cleared")
	}
	if !f.events.has(enums.EventStageBlocked) || !f.events.has(enums.EventStageUnblocked) {
		t.Fatal("expected block and unblock events")
	}
}

func TestBlockRejectsCompletedStage(t *testing.T) {
	f := newFixture(t, activeProject())
	stage := f.seedStage(0, enums.StageStatusCompleted, "20000")

	_, err := f.svc.BlockTx(context.Background(), nil, f.repo.project, stage.ID, uuid.New(), contractorActor(f.repo.project))
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestUnblockRejectsUnblockedStage(t *testing.T) {
	f := newFixture(t, activeProject())
	stage := f.seedStage(0, enums.StageStatusInProgress, "20000")

	_, err := f.svc.UnblockTx(context.Background(), nil, f.repo.project, stage.ID, uuid.New(), contractorActor(f.repo.project))
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
}
