package enums

import "fmt"

// OutboxAggregateType maps to the aggregate_type enum in Postgres.
type OutboxAggregateType string

const (
	AggregateProject      OutboxAggregateType = "project"
	AggregateStage        OutboxAggregateType = "stage"
	AggregatePayment      OutboxAggregateType = "payment"
	AggregateDispute      OutboxAggregateType = "dispute"
	AggregateNotification OutboxAggregateType = "notification"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateProject,
	AggregateStage,
	AggregatePayment,
	AggregateDispute,
	AggregateNotification,
}

// IsValid reports whether the value matches the canonical aggregate_type enum.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType maps to the event_type enum in Postgres.
type OutboxEventType string

const (
	EventProjectCreated        OutboxEventType = "project_created"
	EventProjectStatusChanged  OutboxEventType = "project_status_changed"
	EventContractorAccepted    OutboxEventType = "contractor_accepted"
	EventStageStarted          OutboxEventType = "stage_started"
	EventStageCompleted        OutboxEventType = "stage_completed"
	EventStageBlocked          OutboxEventType = "stage_blocked"
	EventStageUnblocked        OutboxEventType = "stage_unblocked"
	EventPaymentCreated        OutboxEventType = "payment_created"
	EventPaymentCompleted      OutboxEventType = "payment_completed"
	EventPaymentFailed         OutboxEventType = "payment_failed"
	EventPaymentRefunded       OutboxEventType = "payment_refunded"
	EventDisputeOpened         OutboxEventType = "dispute_opened"
	EventDisputeInReview       OutboxEventType = "dispute_in_review"
	EventDisputeResolved       OutboxEventType = "dispute_resolved"
	EventNotificationRequested OutboxEventType = "notification_requested"
)

var validOutboxEventTypes = []OutboxEventType{
	EventProjectCreated,
	EventProjectStatusChanged,
	EventContractorAccepted,
	EventStageStarted,
	EventStageCompleted,
	EventStageBlocked,
	EventStageUnblocked,
	EventPaymentCreated,
	EventPaymentCompleted,
	EventPaymentFailed,
	EventPaymentRefunded,
	EventDisputeOpened,
	EventDisputeInReview,
	EventDisputeResolved,
	EventNotificationRequested,
}

// IsValid reports whether the value matches the canonical event_type enum.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
