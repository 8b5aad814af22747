package stages

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stagepay/stagepay-backend/internal/repo"
	"github.com/stagepay/stagepay-backend/pkg/db/models"
	"github.com/stagepay/stagepay-backend/pkg/enums"
)

type repository struct {
	db *gorm.DB
}

// NewRepository builds a stage repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) LockProject(ctx context.Context, projectID uuid.UUID) (*models.Project, error) {
	return repo.LockProject(ctx, r.db, projectID)
}

func (r *repository) CreateBatch(ctx context.Context, stages []*models.Stage) error {
	if len(stages) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(stages).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Stage, error) {
	var stage models.Stage
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&stage).Error
	if err != nil {
		return nil, err
	}
	return &stage, nil
}

func (r *repository) FindByProjectAndPosition(ctx context.Context, projectID uuid.UUID, position int) (*models.Stage, error) {
	var stage models.Stage
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND position = ?", projectID, position).
		First(&stage).Error
	if err != nil {
		return nil, err
	}
	return &stage, nil
}

func (r *repository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Stage, error) {
	var rows []models.Stage
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("position ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repository) Update(ctx context.Context, stage *models.Stage) error {
	return r.db.WithContext(ctx).Save(stage).Error
}

func (r *repository) Counts(ctx context.Context, projectID uuid.UUID) (int64, int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&models.Stage{}).
		Where("project_id = ?", projectID).
		Count(&total).Error
	if err != nil {
		return 0, 0, err
	}
	var completed int64
	err = r.db.WithContext(ctx).
		Model(&models.Stage{}).
		Where("project_id = ? AND status = ?", projectID, enums.StageStatusCompleted).
		Count(&completed).Error
	if err != nil {
		return 0, 0, err
	}
	return total, completed, nil
}

func (r *repository) AnyBlocked(ctx context.Context, projectID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Stage{}).
		Where("project_id = ? AND status = ?", projectID, enums.StageStatusBlocked).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repository) UpdateProject(ctx context.Context, project *models.Project) error {
	return r.db.WithContext(ctx).Save(project).Error
}
