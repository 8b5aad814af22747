package disputes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/stagepay/stagepay-backend/internal/stages"
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

// stageGate blocks and unblocks the disputed stage inside our transaction.
type stageGate interface {
	BlockTx(ctx context.Context, tx *gorm.DB, project *models.Project, stageID, disputeID uuid.UUID, actor stages.Actor) (*models.Stage, error)
	UnblockTx(ctx context.Context, tx *gorm.DB, project *models.Project, stageID, disputeID uuid.UUID, actor stages.Actor) (*models.Stage, error)
}

// Actor identifies who is driving a dispute transition.
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

func (a Actor) stages() stages.Actor {
	return stages.Actor{UserID: a.UserID, Role: a.Role}
}

// FileInput captures a new dispute report against a stage.
type FileInput struct {
	ProjectID   uuid.UUID
	StageID     uuid.UUID
	Reasons     []enums.DisputeReason
	OtherReason *string
	Actor       Actor
}

// ResolveInput closes out an in_review dispute.
type ResolveInput struct {
	DisputeID       uuid.UUID
	ResolutionNotes string
	Actor           Actor
}

// Service owns the dispute status machine: open -> in_review -> resolved.
// Filing blocks the stage; resolving restores it but never completes it.
type Service interface {
	File(ctx context.Context, input FileInput) (*models.Dispute, error)
	SetInReview(ctx context.Context, disputeID uuid.UUID, actor Actor) (*models.Dispute, error)
	Resolve(ctx context.Context, input ResolveInput) (*models.Dispute, error)
	Get(ctx context.Context, disputeID uuid.UUID) (*models.Dispute, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Dispute, error)
}

type service struct {
	repo   Repository
	tx     txRunner
	outbox outboxPublisher
	gate   stageGate
}

// NewService builds the dispute service with the required dependencies.
func NewService(repository Repository, tx txRunner, outboxPub outboxPublisher, gate stageGate) (Service, error) {
	if repository == nil {
		return nil, fmt.Errorf("disputes repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outboxPub == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if gate == nil {
		return nil, fmt.Errorf("stage gate required")
	}
	return &service{repo: repository, tx: tx, outbox: outboxPub, gate: gate}, nil
}

func (s *service) File(ctx context.Context, input FileInput) (*models.Dispute, error) {
	if input.ProjectID == uuid.Nil || input.StageID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "project and stage ids required")
	}
	if len(input.Reasons) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one dispute reason required")
	}
	needsOther := false
	for _, reason := range input.Reasons {
		if !reason.IsValid() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown dispute reason").
				WithDetails(map[string]any{"reason": reason.String()})
		}
		if reason == enums.DisputeReasonOther {
			needsOther = true
		}
	}
	if needsOther && (input.OtherReason == nil || *input.OtherReason == "") {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "other reason text required")
	}

	var dispute *models.Dispute
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		project, err := txRepo.LockProject(ctx, input.ProjectID)
		if err != nil {
			return mapNotFound(err, "project not found")
		}
		if err := requireParticipant(project, input.Actor); err != nil {
			return err
		}

		active, err := txRepo.HasActiveForStage(ctx, tx, input.StageID)
		if err != nil {
			return err
		}
		if active {
			return pkgerrors.New(pkgerrors.CodePolicy, "an unresolved dispute already exists for this stage").
				WithDetails(map[string]any{"stage_id": input.StageID.String()})
		}

		reasons := make(pq.StringArray, 0, len(input.Reasons))
		for _, reason := range input.Reasons {
			reasons = append(reasons, reason.String())
		}
		dispute = &models.Dispute{
			ProjectID:   project.ID,
			StageID:     input.StageID,
			FiledByID:   input.Actor.UserID,
			FiledByRole: input.Actor.Role,
			Reasons:     reasons,
			OtherReason: input.OtherReason,
			Status:      enums.DisputeStatusOpen,
		}
		if err := txRepo.Create(ctx, dispute); err != nil {
			return err
		}

		if _, err := s.gate.BlockTx(ctx, tx, project, input.StageID, dispute.ID, input.Actor.stages()); err != nil {
			return err
		}

		event := outbox.DomainEvent{
			EventType:     enums.EventDisputeOpened,
			AggregateType: enums.AggregateDispute,
			AggregateID:   dispute.ID,
			ProjectID:     project.ID,
			Actor:         input.Actor.ref(),
			Data: payloads.DisputeOpenedEvent{
				ProjectID: project.ID,
				StageID:   dispute.StageID,
				DisputeID: dispute.ID,
				Reasons:   reasons,
			},
		}
		return s.outbox.Emit(ctx, tx, event)
	})
	if err != nil {
		return nil, err
	}
	return dispute, nil
}

func (s *service) SetInReview(ctx context.Context, disputeID uuid.UUID, actor Actor) (*models.Dispute, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	var updated *models.Dispute
	err := s.withDispute(ctx, disputeID, func(tx *gorm.DB, project *models.Project, dispute *models.Dispute) error {
		if dispute.Status != enums.DisputeStatusOpen {
			return transitionError(dispute, enums.DisputeStatusInReview)
		}
		now := time.Now().UTC()
		dispute.Status = enums.DisputeStatusInReview
		dispute.InReviewAt = &now
		if err := s.repo.WithTx(tx).Update(ctx, dispute); err != nil {
			return err
		}

		event := outbox.DomainEvent{
			EventType:     enums.EventDisputeInReview,
			AggregateType: enums.AggregateDispute,
			AggregateID:   dispute.ID,
			ProjectID:     project.ID,
			Actor:         actor.ref(),
			Data: payloads.DisputeInReviewEvent{
				ProjectID:  project.ID,
				DisputeID:  dispute.ID,
				InReviewAt: now,
			},
		}
		if err := s.outbox.Emit(ctx, tx, event); err != nil {
			return err
		}
		updated = dispute
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Resolve closes the dispute and unblocks the stage. The stage returns to
// its pre-dispute status; completing it still takes an explicit approval.
func (s *service) Resolve(ctx context.Context, input ResolveInput) (*models.Dispute, error) {
	if err := requireAdmin(input.Actor); err != nil {
		return nil, err
	}
	if input.ResolutionNotes == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "resolution notes required")
	}
	var updated *models.Dispute
	err := s.withDispute(ctx, input.DisputeID, func(tx *gorm.DB, project *models.Project, dispute *models.Dispute) error {
		if dispute.Status != enums.DisputeStatusInReview {
			return transitionError(dispute, enums.DisputeStatusResolved)
		}
		now := time.Now().UTC()
		notes := input.ResolutionNotes
		dispute.Status = enums.DisputeStatusResolved
		dispute.ResolutionNotes = &notes
		dispute.ResolvedAt = &now
		if err := s.repo.WithTx(tx).Update(ctx, dispute); err != nil {
			return err
		}

		if _, err := s.gate.UnblockTx(ctx, tx, project, dispute.StageID, dispute.ID, input.Actor.stages()); err != nil {
			return err
		}

		event := outbox.DomainEvent{
			EventType:     enums.EventDisputeResolved,
			AggregateType: enums.AggregateDispute,
			AggregateID:   dispute.ID,
			ProjectID:     project.ID,
			Actor:         input.Actor.ref(),
			Data: payloads.DisputeResolvedEvent{
				ProjectID:       project.ID,
				StageID:         dispute.StageID,
				DisputeID:       dispute.ID,
				ResolutionNotes: notes,
				ResolvedAt:      now,
			},
		}
		if err := s.outbox.Emit(ctx, tx, event); err != nil {
			return err
		}
		updated = dispute
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *service) Get(ctx context.Context, disputeID uuid.UUID) (*models.Dispute, error) {
	dispute, err := s.repo.FindByID(ctx, disputeID)
	if err != nil {
		return nil, mapNotFound(err, "dispute not found")
	}
	return dispute, nil
}

func (s *service) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Dispute, error) {
	return s.repo.ListByProject(ctx, projectID)
}

// withDispute opens a transaction, acquires the owning project's lock, and
// re-reads the dispute under the lock.
func (s *service) withDispute(ctx context.Context, disputeID uuid.UUID, fn func(tx *gorm.DB, project *models.Project, dispute *models.Dispute) error) error {
	if disputeID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "dispute id required")
	}
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		ref, err := txRepo.FindByID(ctx, disputeID)
		if err != nil {
			return mapNotFound(err, "dispute not found")
		}
		project, err := txRepo.LockProject(ctx, ref.ProjectID)
		if err != nil {
			return mapNotFound(err, "project not found")
		}
		dispute, err := txRepo.FindByID(ctx, disputeID)
		if err != nil {
			return mapNotFound(err, "dispute not found")
		}
		return fn(tx, project, dispute)
	})
}

func requireAdmin(actor Actor) error {
	if actor.Role != enums.ActorRoleAdmin {
		return pkgerrors.New(pkgerrors.CodeForbidden, "admin role required")
	}
	return nil
}

// requireParticipant limits filing to the project's homeowner or assigned
// contractor. Admin actors pass.
func requireParticipant(project *models.Project, actor Actor) error {
	if actor.Role == enums.ActorRoleAdmin {
		return nil
	}
	if actor.UserID == project.HomeownerID {
		return nil
	}
	if project.ContractorID != nil && actor.UserID == *project.ContractorID {
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeForbidden, "not a participant on this project").
		WithDetails(map[string]any{"project_id": project.ID.String()})
}

func transitionError(dispute *models.Dispute, target enums.DisputeStatus) error {
	return pkgerrors.New(pkgerrors.CodeStateConflict,
		fmt.Sprintf("dispute cannot move from %s to %s", dispute.Status, target)).
		WithDetails(map[string]any{
			"dispute_id":     dispute.ID.String(),
			"current_status": dispute.Status.String(),
		})
}

func mapNotFound(err error, message string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, message)
	}
	return err
}
