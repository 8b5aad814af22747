package payloads

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stagepay/stagepay-backend/pkg/enums"
)

// ProjectCreatedEvent signals a new project entering draft.
type ProjectCreatedEvent struct {
	ProjectID   uuid.UUID       `json:"project_id"`
	HomeownerID uuid.UUID       `json:"homeowner_id"`
	Budget      decimal.Decimal `json:"budget"`
	StageCount  int             `json:"stage_count"`
}

// ProjectStatusChangedEvent is emitted on every project transition.
type ProjectStatusChangedEvent struct {
	ProjectID uuid.UUID           `json:"project_id"`
	From      enums.ProjectStatus `json:"from"`
	To        enums.ProjectStatus `json:"to"`
	Reason    string              `json:"reason,omitempty"`
	Progress  int                 `json:"progress"`
}

// ContractorAcceptedEvent records the contractor assignment on a draft project.
type ContractorAcceptedEvent struct {
	ProjectID    uuid.UUID `json:"project_id"`
	ContractorID uuid.UUID `json:"contractor_id"`
}

// StageStartedEvent is emitted when a stage moves to in_progress.
type StageStartedEvent struct {
	ProjectID uuid.UUID `json:"project_id"`
	StageID   uuid.UUID `json:"stage_id"`
	Position  int       `json:"position"`
}

// StageCompletedEvent carries the release amount paid out with completion.
type StageCompletedEvent struct {
	ProjectID     uuid.UUID       `json:"project_id"`
	StageID       uuid.UUID       `json:"stage_id"`
	Position      int             `json:"position"`
	ReleaseAmount decimal.Decimal `json:"release_amount"`
	PaymentID     uuid.UUID       `json:"payment_id"`
	Progress      int             `json:"progress"`
}

// StageBlockedEvent is emitted when a dispute holds a stage.
type StageBlockedEvent struct {
	ProjectID uuid.UUID `json:"project_id"`
	StageID   uuid.UUID `json:"stage_id"`
	DisputeID uuid.UUID `json:"dispute_id"`
}

// StageUnblockedEvent is emitted when dispute resolution releases a stage.
type StageUnblockedEvent struct {
	ProjectID      uuid.UUID         `json:"project_id"`
	StageID        uuid.UUID         `json:"stage_id"`
	DisputeID      uuid.UUID         `json:"dispute_id"`
	RestoredStatus enums.StageStatus `json:"restored_status"`
}

// PaymentCreatedEvent is emitted when a ledger record enters pending.
type PaymentCreatedEvent struct {
	ProjectID uuid.UUID           `json:"project_id"`
	PaymentID uuid.UUID           `json:"payment_id"`
	StageID   *uuid.UUID          `json:"stage_id,omitempty"`
	Amount    decimal.Decimal     `json:"amount"`
	Method    enums.PaymentMethod `json:"method"`
}

// PaymentCompletedEvent is emitted on gateway confirmation.
type PaymentCompletedEvent struct {
	ProjectID             uuid.UUID       `json:"project_id"`
	PaymentID             uuid.UUID       `json:"payment_id"`
	StageID               *uuid.UUID      `json:"stage_id,omitempty"`
	Amount                decimal.Decimal `json:"amount"`
	ExternalTransactionID string          `json:"external_transaction_id"`
	Spent                 decimal.Decimal `json:"spent"`
}

// PaymentFailedEvent is emitted when the gateway declines or times out.
type PaymentFailedEvent struct {
	ProjectID uuid.UUID       `json:"project_id"`
	PaymentID uuid.UUID       `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason,omitempty"`
}

// PaymentRefundedEvent references both the refund row and the original.
type PaymentRefundedEvent struct {
	ProjectID         uuid.UUID       `json:"project_id"`
	RefundPaymentID   uuid.UUID       `json:"refund_payment_id"`
	OriginalPaymentID uuid.UUID       `json:"original_payment_id"`
	Amount            decimal.Decimal `json:"amount"`
}

// DisputeOpenedEvent is emitted when a dispute is filed.
type DisputeOpenedEvent struct {
	ProjectID uuid.UUID `json:"project_id"`
	StageID   uuid.UUID `json:"stage_id"`
	DisputeID uuid.UUID `json:"dispute_id"`
	Reasons   []string  `json:"reasons"`
}

// DisputeInReviewEvent is emitted when an admin begins review.
type DisputeInReviewEvent struct {
	ProjectID  uuid.UUID `json:"project_id"`
	DisputeID  uuid.UUID `json:"dispute_id"`
	InReviewAt time.Time `json:"in_review_at"`
}

// DisputeResolvedEvent records the resolution outcome.
type DisputeResolvedEvent struct {
	ProjectID       uuid.UUID `json:"project_id"`
	StageID         uuid.UUID `json:"stage_id"`
	DisputeID       uuid.UUID `json:"dispute_id"`
	ResolutionNotes string    `json:"resolution_notes"`
	ResolvedAt      time.Time `json:"resolved_at"`
}

// NotificationRequestedEvent tells downstream systems to alert a user.
type NotificationRequestedEvent struct {
	ProjectID   uuid.UUID              `json:"project_id"`
	RecipientID uuid.UUID              `json:"recipient_id"`
	Type        enums.NotificationType `json:"type"`
	Title       string                 `json:"title"`
	Message     string                 `json:"message"`
}
