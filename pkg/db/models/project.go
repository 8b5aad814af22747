package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stagepay/stagepay-backend/pkg/enums"
	"github.com/stagepay/stagepay-backend/pkg/types"
)

// Project is the root aggregate for a staged construction engagement.
// Budget is fixed at creation; Spent and Progress are derived and only move
// through named transitions.
type Project struct {
	ID              uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Name            string              `gorm:"column:name;not null"`
	Address         *types.Address      `gorm:"column:address;type:address_t"`
	HomeownerID     uuid.UUID           `gorm:"column:homeowner_id;type:uuid;not null"`
	ContractorID    *uuid.UUID          `gorm:"column:contractor_id;type:uuid"`
	Budget          decimal.Decimal     `gorm:"column:budget;type:numeric(12,2);not null"`
	Spent           decimal.Decimal     `gorm:"column:spent;type:numeric(12,2);not null;default:0"`
	Progress        int                 `gorm:"column:progress;not null;default:0"`
	Status          enums.ProjectStatus `gorm:"column:status;type:project_status;not null;default:'draft'"`
	PauseReason     *string             `gorm:"column:pause_reason"`
	CancelReason    *string             `gorm:"column:cancel_reason"`
	CancelledByID   *uuid.UUID          `gorm:"column:cancelled_by_id;type:uuid"`
	AdminOverridden bool                `gorm:"column:admin_overridden;not null;default:false"`
	Stages          []Stage             `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE"`
	Payments        []Payment           `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE"`
	CompletedAt     *time.Time          `gorm:"column:completed_at"`
	CancelledAt     *time.Time          `gorm:"column:cancelled_at"`
	CreatedAt       time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}
