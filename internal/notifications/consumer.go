package notifications

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/stagepay/stagepay-backend/pkg/db/models"
	"github.com/stagepay/stagepay-backend/pkg/enums"
	"github.com/stagepay/stagepay-backend/pkg/logger"
	"github.com/stagepay/stagepay-backend/pkg/outbox"
	"github.com/stagepay/stagepay-backend/pkg/outbox/idempotency"
	"github.com/stagepay/stagepay-backend/pkg/outbox/payloads"
)

const lifecycleNotificationConsumer = "lifecycle-notifications"

type repository interface {
	Create(ctx context.Context, notification *models.Notification) error
	ProjectParticipants(ctx context.Context, projectID uuid.UUID) ([]uuid.UUID, error)
}

// Consumer watches domain events and fans lifecycle transitions out into
// per-recipient notification rows.
type Consumer struct {
	repo         repository
	subscription *pubsub.Subscriber
	idempotency  *idempotency.Manager
	logg         *logger.Logger
}

// NewConsumer builds a lifecycle notification consumer.
func NewConsumer(repo repository, subscription *pubsub.Subscriber, manager *idempotency.Manager, logg *logger.Logger) (*Consumer, error) {
	if repo == nil {
		return nil, fmt.Errorf("notifications repository required")
	}
	if subscription == nil {
		return nil, fmt.Errorf("domain subscription required")
	}
	if manager == nil {
		return nil, fmt.Errorf("idempotency manager required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		repo:         repo,
		subscription: subscription,
		idempotency:  manager,
		logg:         logg,
	}, nil
}

// Run starts the consumer loop until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		result := c.process(ctx, msg)
		if result.nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack  bool
	nack bool
}

func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	rawType := msg.Attributes["event_type"]
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msg.ID,
		"event_type": rawType,
	})

	eventType, err := enums.ParseOutboxEventType(rawType)
	if err != nil {
		c.logg.Info(logCtx, "skipping unknown event type")
		return processResult{ack: true}
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		c.logg.Error(logCtx, "failed to decode envelope", err)
		return processResult{ack: true}
	}

	eventID, err := uuid.Parse(envelope.EventID)
	if err != nil {
		c.logg.Error(logCtx, "invalid event id", err)
		return processResult{ack: true}
	}

	already, err := c.idempotency.CheckAndMarkProcessed(ctx, lifecycleNotificationConsumer, eventID)
	if err != nil {
		c.logg.Error(logCtx, "idempotency check failed", err)
		return processResult{nack: true}
	}
	if already {
		c.logg.Info(logCtx, "event already processed")
		return processResult{ack: true}
	}

	if err := c.handleEvent(ctx, eventType, eventID, envelope.Data, logCtx); err != nil {
		c.logg.Error(logCtx, "notification handling failed", err)
		_ = c.idempotency.Delete(ctx, lifecycleNotificationConsumer, eventID)
		return processResult{nack: true}
	}

	return processResult{ack: true}
}

func (c *Consumer) handleEvent(ctx context.Context, eventType enums.OutboxEventType, eventID uuid.UUID, data json.RawMessage, logCtx context.Context) error {
	switch eventType {
	case enums.EventNotificationRequested:
		var payload payloads.NotificationRequestedEvent
		if err := json.Unmarshal(data, &payload); err != nil {
			return err
		}
		return c.notify(ctx, eventID, payload.RecipientID, &payload.ProjectID, payload.Type, payload.Title, payload.Message, logCtx)

	case enums.EventProjectStatusChanged:
		var payload payloads.ProjectStatusChangedEvent
		if err := json.Unmarshal(data, &payload); err != nil {
			return err
		}
		message := fmt.Sprintf("Project status changed from %s to %s.", payload.From, payload.To)
		if payload.Reason != "" {
			message = fmt.Sprintf("%s Reason: %s", message, payload.Reason)
		}
		return c.notifyParticipants(ctx, eventID, payload.ProjectID, enums.NotificationTypeProjectUpdate, "Project update", message, logCtx)

	case enums.EventStageCompleted:
		var payload payloads.StageCompletedEvent
		if err := json.Unmarshal(data, &payload); err != nil {
			return err
		}
		message := fmt.Sprintf("Stage %d was approved and %s was released from escrow.", payload.Position+1, payload.ReleaseAmount.StringFixed(2))
		return c.notifyParticipants(ctx, eventID, payload.ProjectID, enums.NotificationTypeStageUpdate, "Stage completed", message, logCtx)

	case enums.EventStageBlocked:
		var payload payloads.StageBlockedEvent
		if err := json.Unmarshal(data, &payload); err != nil {
			return err
		}
		return c.notifyParticipants(ctx, eventID, payload.ProjectID, enums.NotificationTypeDisputeUpdate,
			"Stage on hold", "A dispute was filed and the stage is on hold until it is resolved.", logCtx)

	case enums.EventDisputeResolved:
		var payload payloads.DisputeResolvedEvent
		if err := json.Unmarshal(data, &payload); err != nil {
			return err
		}
		message := fmt.Sprintf("The dispute was resolved: %s", payload.ResolutionNotes)
		return c.notifyParticipants(ctx, eventID, payload.ProjectID, enums.NotificationTypeDisputeUpdate, "Dispute resolved", message, logCtx)

	case enums.EventPaymentFailed:
		var payload payloads.PaymentFailedEvent
		if err := json.Unmarshal(data, &payload); err != nil {
			return err
		}
		message := fmt.Sprintf("A payment of %s failed.", payload.Amount.StringFixed(2))
		if payload.Reason != "" {
			message = fmt.Sprintf("%s Reason: %s", message, payload.Reason)
		}
		return c.notifyParticipants(ctx, eventID, payload.ProjectID, enums.NotificationTypePaymentUpdate, "Payment failed", message, logCtx)

	default:
		c.logg.Info(logCtx, "event type not handled")
		return nil
	}
}

func (c *Consumer) notifyParticipants(ctx context.Context, eventID, projectID uuid.UUID, notifType enums.NotificationType, title, message string, logCtx context.Context) error {
	if projectID == uuid.Nil {
		return fmt.Errorf("project id missing")
	}
	recipients, err := c.repo.ProjectParticipants(ctx, projectID)
	if err != nil {
		return err
	}
	for _, recipient := range recipients {
		if err := c.notify(ctx, eventID, recipient, &projectID, notifType, title, message, logCtx); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) notify(ctx context.Context, eventID, recipientID uuid.UUID, projectID *uuid.UUID, notifType enums.NotificationType, title, message string, logCtx context.Context) error {
	if recipientID == uuid.Nil {
		return fmt.Errorf("recipient id missing")
	}
	notification := &models.Notification{
		RecipientID: recipientID,
		ProjectID:   projectID,
		Type:        notifType,
		Title:       title,
		Message:     message,
		EventID:     eventID,
	}
	if err := c.repo.Create(ctx, notification); err != nil {
		return err
	}
	c.logg.Info(c.logg.WithField(logCtx, "recipient_id", recipientID.String()), "notification recorded")
	return nil
}
