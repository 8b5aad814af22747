package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stagepay/stagepay-backend/pkg/enums"
)

// Payment is an immutable money-movement record. Amount never changes after
// creation; reversals are new refunded-status rows linked via RefundOfID.
type Payment struct {
	ID        uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	ProjectID uuid.UUID           `gorm:"column:project_id;type:uuid;not null"`
	StageID   *uuid.UUID          `gorm:"column:stage_id;type:uuid"`
	Amount    decimal.Decimal     `gorm:"column:amount;type:numeric(12,2);not null"`
	Status    enums.PaymentStatus `gorm:"column:status;type:payment_status;not null;default:'pending'"`
	Method    enums.PaymentMethod `gorm:"column:method;type:payment_method;not null"`
	// ExternalTransactionID is the gateway-assigned id recorded on
	// confirmation. The unique index makes webhook redelivery a no-op.
	ExternalTransactionID *string    `gorm:"column:external_transaction_id;uniqueIndex"`
	RefundOfID            *uuid.UUID `gorm:"column:refund_of_id;type:uuid"`
	FailureReason         *string    `gorm:"column:failure_reason"`
	ProcessingAt          *time.Time `gorm:"column:processing_at"`
	CompletedAt           *time.Time `gorm:"column:completed_at"`
	FailedAt              *time.Time `gorm:"column:failed_at"`
	CreatedAt             time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// IsActivation reports whether the payment funds the project deposit rather
// than a stage release.
func (p Payment) IsActivation() bool {
	return p.StageID == nil && p.RefundOfID == nil
}
