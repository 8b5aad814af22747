package disputes

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stagepay/stagepay-backend/pkg/db/models"
)

// Repository is the persistence surface for dispute rows. HasActiveForStage
// doubles as the gate the stage tracker consults before completing a stage.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	LockProject(ctx context.Context, projectID uuid.UUID) (*models.Project, error)
	Create(ctx context.Context, dispute *models.Dispute) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error)
	Update(ctx context.Context, dispute *models.Dispute) error
	HasActiveForStage(ctx context.Context, tx *gorm.DB, stageID uuid.UUID) (bool, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Dispute, error)
}
