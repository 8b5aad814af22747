package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/stagepay/stagepay-backend/pkg/db/models"
	"github.com/stagepay/stagepay-backend/pkg/pagination"
)

// Repository is the persistence surface for ledger records.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	LockProject(ctx context.Context, projectID uuid.UUID) (*models.Project, error)
	Create(ctx context.Context, payment *models.Payment) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	FindByExternalTransactionID(ctx context.Context, externalTransactionID string) (*models.Payment, error)
	Update(ctx context.Context, payment *models.Payment) error
	SumRefunds(ctx context.Context, originalID uuid.UUID) (decimal.Decimal, error)
	UpdateProjectSpent(ctx context.Context, projectID uuid.UUID, spent decimal.Decimal) error
	ListByProject(ctx context.Context, projectID uuid.UUID, params pagination.Params) (*PaymentList, error)
	FindStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]models.Payment, error)
}

// PaymentList is one cursor page of ledger records.
type PaymentList struct {
	Items      []models.Payment
	NextCursor *string
}
