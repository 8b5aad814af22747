package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/stagepay/stagepay-backend/pkg/enums"
)

// Dispute is a stage-level hold filed by a homeowner, contractor, or admin.
type Dispute struct {
	ID              uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	ProjectID       uuid.UUID           `gorm:"column:project_id;type:uuid;not null"`
	StageID         uuid.UUID           `gorm:"column:stage_id;type:uuid;not null"`
	FiledByID       uuid.UUID           `gorm:"column:filed_by_id;type:uuid;not null"`
	FiledByRole     enums.ActorRole     `gorm:"column:filed_by_role;type:actor_role;not null"`
	Reasons         pq.StringArray      `gorm:"column:reasons;type:text[];not null"`
	OtherReason     *string             `gorm:"column:other_reason"`
	Status          enums.DisputeStatus `gorm:"column:status;type:dispute_status;not null;default:'open'"`
	ResolutionNotes *string             `gorm:"column:resolution_notes"`
	InReviewAt      *time.Time          `gorm:"column:in_review_at"`
	ResolvedAt      *time.Time          `gorm:"column:resolved_at"`
	CreatedAt       time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}
