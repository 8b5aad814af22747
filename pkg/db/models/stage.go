package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stagepay/stagepay-backend/pkg/enums"
)

// Stage is one ordered unit of construction work within a project.
// Position values are unique and contiguous from 0 within a project.
type Stage struct {
	ID                 uuid.UUID         `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	ProjectID          uuid.UUID         `gorm:"column:project_id;type:uuid;not null;uniqueIndex:idx_stages_project_position,priority:1"`
	Name               string            `gorm:"column:name;not null"`
	Position           int               `gorm:"column:position;not null;uniqueIndex:idx_stages_project_position,priority:2"`
	EstimatedCost      decimal.Decimal   `gorm:"column:estimated_cost;type:numeric(12,2);not null"`
	ActualCost         *decimal.Decimal  `gorm:"column:actual_cost;type:numeric(12,2)"`
	Status             enums.StageStatus `gorm:"column:status;type:stage_status;not null;default:'not_started'"`
	BlockedByDisputeID *uuid.UUID        `gorm:"column:blocked_by_dispute_id;type:uuid"`
	// PreBlockStatus remembers the status the stage held before a dispute
	// blocked it, so resolution can restore it exactly.
	PreBlockStatus *enums.StageStatus `gorm:"column:pre_block_status;type:stage_status"`
	StartedAt      *time.Time         `gorm:"column:started_at"`
	CompletedAt    *time.Time         `gorm:"column:completed_at"`
	CreatedAt      time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

// ReleaseAmount is the amount paid out when the stage completes.
func (s Stage) ReleaseAmount() decimal.Decimal {
	if s.ActualCost != nil {
		return *s.ActualCost
	}
	return s.EstimatedCost
}
