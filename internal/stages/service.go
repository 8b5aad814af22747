package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/stagepay/stagepay-backend/pkg/db/models"
	"github.com/stagepay/stagepay-backend/pkg/enums"
	pkgerrors "github.com/stagepay/stagepay-backend/pkg/errors"
	"github.com/stagepay/stagepay-backend/pkg/outbox"
	"github.com/stagepay/stagepay-backend/pkg/outbox/payloads"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Actor identifies who is driving a stage transition.
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

// Definition describes one stage to seed when a project is created.
type Definition struct {
	Name          string
	EstimatedCost decimal.Decimal
}

// StartInput identifies the stage a contractor wants to begin.
type StartInput struct {
	ProjectID uuid.UUID
	StageID   uuid.UUID
	Actor     Actor
}

// RecordActualCostInput documents the real cost of the work on a stage.
type RecordActualCostInput struct {
	StageID    uuid.UUID
	ActualCost decimal.Decimal
	Actor      Actor
}

// CompleteInput identifies the stage the homeowner is approving.
type CompleteInput struct {
	StageID uuid.UUID
	Actor   Actor
}

// Service sequences the ordered stages of a project. Stages start strictly in
// position order, and completing one releases its funds in the same
// transaction.
type Service interface {
	CreateForProjectTx(ctx context.Context, tx *gorm.DB, project *models.Project, defs []Definition) ([]models.Stage, error)
	Start(ctx context.Context, input StartInput) (*models.Stage, error)
	RecordActualCost(ctx context.Context, input RecordActualCostInput) (*models.Stage, error)
	Complete(ctx context.Context, input CompleteInput) (*models.Stage, error)
	BlockTx(ctx context.Context, tx *gorm.DB, project *models.Project, stageID, disputeID uuid.UUID, actor Actor) (*models.Stage, error)
	UnblockTx(ctx context.Context, tx *gorm.DB, project *models.Project, stageID, disputeID uuid.UUID, actor Actor) (*models.Stage, error)
	Get(ctx context.Context, stageID uuid.UUID) (*models.Stage, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Stage, error)
}

type service struct {
	repo     Repository
	tx       txRunner
	outbox   outboxPublisher
	releaser FundsReleaser
	disputes DisputeChecker
}

// NewService builds the stage service with the required dependencies.
func NewService(
	repository Repository,
	tx txRunner,
	outboxPub outboxPublisher,
	releaser FundsReleaser,
	disputes DisputeChecker,
) (Service, error) {
	if repository == nil {
		return nil, fmt.Errorf("stages repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outboxPub == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if releaser == nil {
		return nil, fmt.Errorf("funds releaser required")
	}
	if disputes == nil {
		return nil, fmt.Errorf("dispute checker required")
	}
	return &service{
		repo:     repository,
		tx:       tx,
		outbox:   outboxPub,
		releaser: releaser,
		disputes: disputes,
	}, nil
}

// CreateForProjectTx seeds the project's stages with contiguous positions
// starting at 0. The caller holds the project lock.
func (s *service) CreateForProjectTx(ctx context.Context, tx *gorm.DB, project *models.Project, defs []Definition) ([]models.Stage, error) {
	if len(defs) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one stage required")
	}
	rows := make([]*models.Stage, 0, len(defs))
	for i, def := range defs {
		if def.Name == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "stage name required").
				WithDetails(map[string]any{"position": i})
		}
		if def.EstimatedCost.LessThanOrEqual(decimal.Zero) {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "stage estimated cost must be positive").
				WithDetails(map[string]any{"position": i, "name": def.Name})
		}
		rows = append(rows, &models.Stage{
			ProjectID:     project.ID,
			Name:          def.Name,
			Position:      i,
			EstimatedCost: def.EstimatedCost,
			Status:        enums.StageStatusNotStarted,
		})
	}
	if err := s.repo.WithTx(tx).CreateBatch(ctx, rows); err != nil {
		return nil, err
	}
	created := make([]models.Stage, 0, len(rows))
	for _, row := range rows {
		created = append(created, *row)
	}
	return created, nil
}

func (s *service) Start(ctx context.Context, input StartInput) (*models.Stage, error) {
	var started *models.Stage
	err := s.withStage(ctx, input.StageID, func(tx *gorm.DB, project *models.Project, stage *models.Stage) error {
		if input.ProjectID != uuid.Nil && stage.ProjectID != input.ProjectID {
			return pkgerrors.New(pkgerrors.CodeNotFound, "stage not found")
		}
		if err := requireAssignedContractor(project, input.Actor); err != nil {
			return err
		}
		if project.Status != enums.ProjectStatusActive {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "project is not active").
				WithDetails(map[string]any{"project_status": project.Status.String()})
		}
		if stage.Status == enums.StageStatusBlocked {
			return stageBlockedError(stage)
		}
		if stage.Status != enums.StageStatusNotStarted {
			return transitionError(stage, enums.StageStatusInProgress)
		}

		txRepo := s.repo.WithTx(tx)
		if stage.Position > 0 {
			prev, err := txRepo.FindByProjectAndPosition(ctx, stage.ProjectID, stage.Position-1)
			if err != nil {
				return err
			}
			if prev.Status == enums.StageStatusBlocked {
				return stageBlockedError(prev)
			}
			if prev.Status != enums.StageStatusCompleted {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "preceding stage is not completed").
					WithDetails(map[string]any{
						"position":           stage.Position,
						"preceding_status":   prev.Status.String(),
						"preceding_stage_id": prev.ID.String(),
					})
			}
		}

		now := time.Now().UTC()
		stage.Status = enums.StageStatusInProgress
		stage.StartedAt = &now
		if err := txRepo.Update(ctx, stage); err != nil {
			return err
		}

		event := outbox.DomainEvent{
			EventType:     enums.EventStageStarted,
			AggregateType: enums.AggregateStage,
			AggregateID:   stage.ID,
			ProjectID:     project.ID,
			Actor:         input.Actor.ref(),
			Data: payloads.StageStartedEvent{
				ProjectID: project.ID,
				StageID:   stage.ID,
				Position:  stage.Position,
			},
		}
		if err := s.outbox.Emit(ctx, tx, event); err != nil {
			return err
		}
		started = stage
		return nil
	})
	if err != nil {
		return nil, err
	}
	return started, nil
}

// RecordActualCost documents what the stage actually cost. It never changes
// status; the value feeds the release amount when the stage completes.
func (s *service) RecordActualCost(ctx context.Context, input RecordActualCostInput) (*models.Stage, error) {
	if input.ActualCost.LessThanOrEqual(decimal.Zero) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "actual cost must be positive")
	}
	var updated *models.Stage
	err := s.withStage(ctx, input.StageID, func(tx *gorm.DB, project *models.Project, stage *models.Stage) error {
		if err := requireAssignedContractor(project, input.Actor); err != nil {
			return err
		}
		if stage.Status == enums.StageStatusCompleted {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "stage is already completed").
				WithDetails(map[string]any{"stage_id": stage.ID.String()})
		}
		cost := input.ActualCost
		stage.ActualCost = &cost
		if err := s.repo.WithTx(tx).Update(ctx, stage); err != nil {
			return err
		}
		updated = stage
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Complete approves the stage and releases its funds. The release runs
// inside the same transaction; a gateway failure rolls everything back and
// the stage stays in_progress.
func (s *service) Complete(ctx context.Context, input CompleteInput) (*models.Stage, error) {
	var completed *models.Stage
	err := s.withStage(ctx, input.StageID, func(tx *gorm.DB, project *models.Project, stage *models.Stage) error {
		if err := requireProjectHomeowner(project, input.Actor); err != nil {
			return err
		}
		if project.Status != enums.ProjectStatusActive {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "project is not active").
				WithDetails(map[string]any{"project_status": project.Status.String()})
		}
		if stage.Status == enums.StageStatusBlocked {
			return stageBlockedError(stage)
		}
		if stage.Status != enums.StageStatusInProgress {
			return transitionError(stage, enums.StageStatusCompleted)
		}
		active, err := s.disputes.HasActiveForStage(ctx, tx, stage.ID)
		if err != nil {
			return err
		}
		if active {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "an unresolved dispute references this stage").
				WithDetails(map[string]any{"stage_id": stage.ID.String()})
		}

		payment, err := s.releaser.ReleaseStageFunds(ctx, tx, project, stage, input.Actor)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		stage.Status = enums.StageStatusCompleted
		stage.CompletedAt = &now
		txRepo := s.repo.WithTx(tx)
		if err := txRepo.Update(ctx, stage); err != nil {
			return err
		}

		progress, allDone, err := s.recomputeProgressTx(ctx, tx, project)
		if err != nil {
			return err
		}

		event := outbox.DomainEvent{
			EventType:     enums.EventStageCompleted,
			AggregateType: enums.AggregateStage,
			AggregateID:   stage.ID,
			ProjectID:     project.ID,
			Actor:         input.Actor.ref(),
			Data: payloads.StageCompletedEvent{
				ProjectID:     project.ID,
				StageID:       stage.ID,
				Position:      stage.Position,
				ReleaseAmount: stage.ReleaseAmount(),
				PaymentID:     payment.ID,
				Progress:      progress,
			},
		}
		if err := s.outbox.Emit(ctx, tx, event); err != nil {
			return err
		}

		if allDone {
			if err := s.completeProjectTx(ctx, tx, project, input.Actor); err != nil {
				return err
			}
		}
		completed = stage
		return nil
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

// BlockTx holds the stage for a dispute. Only the dispute flow calls this;
// the caller holds the project lock.
func (s *service) BlockTx(ctx context.Context, tx *gorm.DB, project *models.Project, stageID, disputeID uuid.UUID, actor Actor) (*models.Stage, error) {
	txRepo := s.repo.WithTx(tx)
	stage, err := txRepo.FindByID(ctx, stageID)
	if err != nil {
		return nil, mapNotFound(err, "stage not found")
	}
	if stage.ProjectID != project.ID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "stage not found")
	}
	if stage.Status == enums.StageStatusBlocked {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "stage is already blocked").
			WithDetails(map[string]any{"stage_id": stage.ID.String()})
	}
	if stage.Status == enums.StageStatusCompleted {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "completed stages cannot be blocked").
			WithDetails(map[string]any{"stage_id": stage.ID.String()})
	}

	prior := stage.Status
	stage.PreBlockStatus = &prior
	stage.Status = enums.StageStatusBlocked
	stage.BlockedByDisputeID = &disputeID
	if err := txRepo.Update(ctx, stage); err != nil {
		return nil, err
	}

	event := outbox.DomainEvent{
		EventType:     enums.EventStageBlocked,
		AggregateType: enums.AggregateStage,
		AggregateID:   stage.ID,
		ProjectID:     project.ID,
		Actor:         actor.ref(),
		Data: payloads.StageBlockedEvent{
			ProjectID: project.ID,
			StageID:   stage.ID,
			DisputeID: disputeID,
		},
	}
	if err := s.outbox.Emit(ctx, tx, event); err != nil {
		return nil, err
	}
	return stage, nil
}

// UnblockTx restores the status the stage held before the dispute blocked
// it. It never completes the stage; approval still has to happen explicitly.
func (s *service) UnblockTx(ctx context.Context, tx *gorm.DB, project *models.Project, stageID, disputeID uuid.UUID, actor Actor) (*models.Stage, error) {
	txRepo := s.repo.WithTx(tx)
	stage, err := txRepo.FindByID(ctx, stageID)
	if err != nil {
		return nil, mapNotFound(err, "stage not found")
	}
	if stage.ProjectID != project.ID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "stage not found")
	}
	if stage.Status != enums.StageStatusBlocked {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "stage is not blocked").
			WithDetails(map[string]any{"stage_id": stage.ID.String(), "current_status": stage.Status.String()})
	}

	restored := enums.StageStatusNotStarted
	if stage.PreBlockStatus != nil {
		restored = *stage.PreBlockStatus
	}
	stage.Status = restored
	stage.PreBlockStatus = nil
	stage.BlockedByDisputeID = nil
	if err := txRepo.Update(ctx, stage); err != nil {
		return nil, err
	}

	event := outbox.DomainEvent{
		EventType:     enums.EventStageUnblocked,
		AggregateType: enums.AggregateStage,
		AggregateID:   stage.ID,
		ProjectID:     project.ID,
		Actor:         actor.ref(),
		Data: payloads.StageUnblockedEvent{
			ProjectID:      project.ID,
			StageID:        stage.ID,
			DisputeID:      disputeID,
			RestoredStatus: restored,
		},
	}
	if err := s.outbox.Emit(ctx, tx, event); err != nil {
		return nil, err
	}
	return stage, nil
}

func (s *service) Get(ctx context.Context, stageID uuid.UUID) (*models.Stage, error) {
	stage, err := s.repo.FindByID(ctx, stageID)
	if err != nil {
		return nil, mapNotFound(err, "stage not found")
	}
	return stage, nil
}

func (s *service) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Stage, error) {
	return s.repo.ListByProject(ctx, projectID)
}

// recomputeProgressTx derives progress from completed stages and persists it
// on the locked project row.
func (s *service) recomputeProgressTx(ctx context.Context, tx *gorm.DB, project *models.Project) (int, bool, error) {
	txRepo := s.repo.WithTx(tx)
	total, completed, err := txRepo.Counts(ctx, project.ID)
	if err != nil {
		return 0, false, err
	}
	progress := 0
	if total > 0 {
		progress = int(completed * 100 / total)
	}
	project.Progress = progress
	if err := txRepo.UpdateProject(ctx, project); err != nil {
		return 0, false, err
	}
	return progress, total > 0 && completed == total, nil
}

// completeProjectTx flips the project to completed once the last stage lands.
func (s *service) completeProjectTx(ctx context.Context, tx *gorm.DB, project *models.Project, actor Actor) error {
	from := project.Status
	now := time.Now().UTC()
	project.Status = enums.ProjectStatusCompleted
	project.CompletedAt = &now
	if err := s.repo.WithTx(tx).UpdateProject(ctx, project); err != nil {
		return err
	}

	event := outbox.DomainEvent{
		EventType:     enums.EventProjectStatusChanged,
		AggregateType: enums.AggregateProject,
		AggregateID:   project.ID,
		ProjectID:     project.ID,
		Actor:         actor.ref(),
		Data: payloads.ProjectStatusChangedEvent{
			ProjectID: project.ID,
			From:      from,
			To:        enums.ProjectStatusCompleted,
			Reason:    "all stages completed",
			Progress:  project.Progress,
		},
	}
	return s.outbox.Emit(ctx, tx, event)
}

// withStage opens a transaction, acquires the owning project's lock, and
// re-reads the stage under the lock.
func (s *service) withStage(ctx context.Context, stageID uuid.UUID, fn func(tx *gorm.DB, project *models.Project, stage *models.Stage) error) error {
	if stageID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stage id required")
	}
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		ref, err := txRepo.FindByID(ctx, stageID)
		if err != nil {
			return mapNotFound(err, "stage not found")
		}
		project, err := txRepo.LockProject(ctx, ref.ProjectID)
		if err != nil {
			return mapNotFound(err, "project not found")
		}
		stage, err := txRepo.FindByID(ctx, stageID)
		if err != nil {
			return mapNotFound(err, "stage not found")
		}
		return fn(tx, project, stage)
	})
}

// requireAssignedContractor rejects actors other than the contractor assigned
// to the stage's project. Admin and system actors pass.
func requireAssignedContractor(project *models.Project, actor Actor) error {
	switch actor.Role {
	case enums.ActorRoleAdmin, enums.ActorRoleSystem:
		return nil
	}
	if project.ContractorID == nil || actor.UserID != *project.ContractorID {
		return pkgerrors.New(pkgerrors.CodeForbidden, "only the assigned contractor may perform this action").
			WithDetails(map[string]any{"project_id": project.ID.String()})
	}
	return nil
}

// requireProjectHomeowner rejects actors other than the owning homeowner.
// Admin and system actors pass.
func requireProjectHomeowner(project *models.Project, actor Actor) error {
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

func stageBlockedError(stage *models.Stage) error {
	details := map[string]any{"stage_id": stage.ID.String()}
	if stage.BlockedByDisputeID != nil {
		details["dispute_id"] = stage.BlockedByDisputeID.String()
	}
	return pkgerrors.New(pkgerrors.CodeStateConflict, "stage is blocked by a dispute").
		WithDetails(details)
}

func transitionError(stage *models.Stage, target enums.StageStatus) error {
	return pkgerrors.New(pkgerrors.CodeStateConflict,
		fmt.Sprintf("stage cannot move from %s to %s", stage.Status, target)).
		WithDetails(map[string]any{
			"stage_id":       stage.ID.String(),
			"current_status": stage.Status.String(),
		})
}

func mapNotFound(err error, message string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, message)
	}
	return err
}
