package escrow

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IntentStatus is the gateway-side view of a payment intent.
type IntentStatus string

const (
	IntentStatusPending   IntentStatus = "pending"
	IntentStatusCompleted IntentStatus = "completed"
	IntentStatusFailed    IntentStatus = "failed"
	IntentStatusRefunded  IntentStatus = "refunded"
)

// Intent is the normalized result of a gateway operation.
type Intent struct {
	ID     string
	Status IntentStatus
}

// IntentParams carries everything needed to move money for one ledger record.
// IdempotencyKey scopes the charge at the gateway; callers derive it from
// durable identity (the stage or project being charged), never from state that
// rolls back with the transaction, so a crash-and-retry reuses the same key
// and the gateway deduplicates instead of double-charging.
type IntentParams struct {
	PaymentID      uuid.UUID
	ProjectID      uuid.UUID
	StageID        *uuid.UUID
	IdempotencyKey string
	Amount         decimal.Decimal
	Currency       string
	SourceID       string
	Note           string
}

// Gateway is the payment-processor capability the core depends on. All
// operations are idempotent per intent id; callbacks may arrive at-least-once.
type Gateway interface {
	CreateIntent(ctx context.Context, params IntentParams) (*Intent, error)
	Confirm(ctx context.Context, intentID string) (*Intent, error)
	Refund(ctx context.Context, transactionID string, amount decimal.Decimal) (*Intent, error)
	Lookup(ctx context.Context, intentID string) (*Intent, error)
}
