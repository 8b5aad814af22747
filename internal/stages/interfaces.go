package stages

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stagepay/stagepay-backend/pkg/db/models"
)

// Repository is the persistence surface for stage rows and the project
// fields stages maintain (progress, completion).
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	LockProject(ctx context.Context, projectID uuid.UUID) (*models.Project, error)
	CreateBatch(ctx context.Context, stages []*models.Stage) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Stage, error)
	FindByProjectAndPosition(ctx context.Context, projectID uuid.UUID, position int) (*models.Stage, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Stage, error)
	Update(ctx context.Context, stage *models.Stage) error
	Counts(ctx context.Context, projectID uuid.UUID) (total int64, completed int64, err error)
	AnyBlocked(ctx context.Context, projectID uuid.UUID) (bool, error)
	UpdateProject(ctx context.Context, project *models.Project) error
}

// FundsReleaser moves the stage's payout through the ledger and the gateway
// inside the caller's transaction. An error aborts the completion.
type FundsReleaser interface {
	ReleaseStageFunds(ctx context.Context, tx *gorm.DB, project *models.Project, stage *models.Stage, actor Actor) (*models.Payment, error)
}

// DisputeChecker reports whether a stage carries an unresolved dispute.
type DisputeChecker interface {
	HasActiveForStage(ctx context.Context, tx *gorm.DB, stageID uuid.UUID) (bool, error)
}
