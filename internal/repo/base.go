package repo

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stagepay/stagepay-backend/pkg/db/models"
)

// Base provides a shared foundation for domain repositories.
type Base struct {
	db *gorm.DB
}

// NewBase constructs a Base repository backed by the provided GORM connection.
func NewBase(db *gorm.DB) Base {
	return Base{db: db}
}

// DB returns the GORM connection bound to the supplied context (if any).
func (b Base) DB(ctx context.Context) *gorm.DB {
	if ctx == nil {
		return b.db
	}
	return b.db.WithContext(ctx)
}

// LockProject loads the project row FOR UPDATE. Every mutating operation on a
// project acquires this lock first, so stage transitions, payment callbacks,
// and dispute filings serialize per project while distinct projects proceed in
// parallel.
func LockProject(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) (*models.Project, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	var project models.Project
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", projectID).
		First(&project).Error
	if err != nil {
		return nil, err
	}
	return &project, nil
}
