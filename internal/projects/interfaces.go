package projects

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stagepay/stagepay-backend/pkg/db/models"
	"github.com/stagepay/stagepay-backend/pkg/enums"
	"github.com/stagepay/stagepay-backend/pkg/pagination"
)

// ListFilter narrows project listings.
type ListFilter struct {
	HomeownerID  *uuid.UUID
	ContractorID *uuid.UUID
	Status       *enums.ProjectStatus
}

// ProjectList is one cursor page of projects.
type ProjectList struct {
	Items      []models.Project
	NextCursor *string
}

// Repository is the persistence surface for project rows.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	LockProject(ctx context.Context, projectID uuid.UUID) (*models.Project, error)
	Create(ctx context.Context, project *models.Project) error
	Update(ctx context.Context, project *models.Project) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Project, error)
	FindPaymentByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	AnyBlockedStage(ctx context.Context, projectID uuid.UUID) (bool, error)
	AnyCommittedStage(ctx context.Context, projectID uuid.UUID) (bool, error)
	CountPayments(ctx context.Context, projectID uuid.UUID, stageID *uuid.UUID) (int64, error)
	List(ctx context.Context, filter ListFilter, params pagination.Params) (*ProjectList, error)
}
