package projects

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stagepay/stagepay-backend/internal/repo"
	"github.com/stagepay/stagepay-backend/pkg/db/models"
	"github.com/stagepay/stagepay-backend/pkg/enums"
	"github.com/stagepay/stagepay-backend/pkg/pagination"
)

type repository struct {
	db *gorm.DB
}

// NewRepository builds a project repository bound to the provided DB.
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

func (r *repository) Create(ctx context.Context, project *models.Project) error {
	return r.db.WithContext(ctx).Create(project).Error
}

func (r *repository) Update(ctx context.Context, project *models.Project) error {
	return r.db.WithContext(ctx).Save(project).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	var project models.Project
	err := r.db.WithContext(ctx).
		Preload("Stages", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Where("id = ?", id).
		First(&project).Error
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (r *repository) FindPaymentByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repository) AnyBlockedStage(ctx context.Context, projectID uuid.UUID) (bool, error) {
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

func (r *repository) AnyCommittedStage(ctx context.Context, projectID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Stage{}).
		Where("project_id = ? AND status IN ?", projectID, []enums.StageStatus{
			enums.StageStatusInProgress,
			enums.StageStatusCompleted,
		}).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CountPayments counts committed payment rows for a charge scope. A nil
// stageID scopes to activation deposits (stage_id IS NULL); otherwise to the
// given stage. The count discriminates gateway idempotency keys between
// attempts: rolled-back attempts leave it unchanged, committed failures
// advance it.
func (r *repository) CountPayments(ctx context.Context, projectID uuid.UUID, stageID *uuid.UUID) (int64, error) {
	query := r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("project_id = ?", projectID)
	if stageID == nil {
		query = query.Where("stage_id IS NULL")
	} else {
		query = query.Where("stage_id = ?", *stageID)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repository) List(ctx context.Context, filter ListFilter, params pagination.Params) (*ProjectList, error) {
	limit := pagination.NormalizeLimit(params.Limit)
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, err
	}

	query := r.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit + 1)
	if filter.HomeownerID != nil {
		query = query.Where("homeowner_id = ?", *filter.HomeownerID)
	}
	if filter.ContractorID != nil {
		query = query.Where("contractor_id = ?", *filter.ContractorID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if cursor != nil {
		query = query.Where(
			"(created_at, id) < (?, ?)",
			cursor.CreatedAt, cursor.ID,
		)
	}

	var rows []models.Project
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	list := &ProjectList{Items: rows}
	if len(rows) > limit {
		list.Items = rows[:limit]
		last := list.Items[len(list.Items)-1]
		next := pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		list.NextCursor = &next
	}
	return list, nil
}
