package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/stagepay/stagepay-backend/pkg/db/models"
	"github.com/stagepay/stagepay-backend/pkg/enums"
	pkgerrors "github.com/stagepay/stagepay-backend/pkg/errors"
	"github.com/stagepay/stagepay-backend/pkg/escrow"
	"github.com/stagepay/stagepay-backend/pkg/outbox"
	"github.com/stagepay/stagepay-backend/pkg/outbox/payloads"
	"github.com/stagepay/stagepay-backend/pkg/pagination"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// refundGateway is the slice of the escrow gateway the ledger needs: returning
// money against a settled transaction.
type refundGateway interface {
	Refund(ctx context.Context, transactionID string, amount decimal.Decimal) (*escrow.Intent, error)
}

// Actor identifies who is driving a ledger transition.
type Actor struct {
	UserID uuid.UUID
	Role   enums.ActorRole
}

func (a Actor) ref() *outbox.ActorRef {
	if a.UserID == uuid.Nil {
		return nil
	}
	return &outbox.ActorRef{UserID: a.UserID, Role: a.Role.String()}
}

// CreateInput captures the data required to open a pending ledger record.
type CreateInput struct {
	ProjectID uuid.UUID
	StageID   *uuid.UUID
	Amount    decimal.Decimal
	Method    enums.PaymentMethod
	Actor     Actor
}

// ConfirmInput carries the gateway confirmation for a processing payment.
type ConfirmInput struct {
	PaymentID             uuid.UUID
	ExternalTransactionID string
	Actor                 Actor
}

// RefundInput requests a linked refund record against a completed payment.
type RefundInput struct {
	PaymentID uuid.UUID
	Amount    decimal.Decimal
	Actor     Actor
}

// Service owns the immutable payment ledger. Records only move through the
// named transitions here; amounts never change after creation.
type Service interface {
	Create(ctx context.Context, input CreateInput) (*models.Payment, error)
	MarkProcessing(ctx context.Context, paymentID uuid.UUID, externalTransactionID string, actor Actor) (*models.Payment, error)
	Confirm(ctx context.Context, input ConfirmInput) (*models.Payment, error)
	Fail(ctx context.Context, paymentID uuid.UUID, reason string, actor Actor) (*models.Payment, error)
	Refund(ctx context.Context, input RefundInput) (*models.Payment, error)
	Get(ctx context.Context, paymentID uuid.UUID) (*models.Payment, error)
	ListByProject(ctx context.Context, projectID uuid.UUID, params pagination.Params) (*PaymentList, error)

	// Tx-scoped primitives for callers that already hold the project lock,
	// such as the stage fund release.
	CreateTx(ctx context.Context, tx *gorm.DB, project *models.Project, input CreateInput) (*models.Payment, error)
	MarkProcessingTx(ctx context.Context, tx *gorm.DB, payment *models.Payment, externalTransactionID string, actor Actor) error
	ConfirmTx(ctx context.Context, tx *gorm.DB, project *models.Project, payment *models.Payment, externalTransactionID string, actor Actor) error
	FailTx(ctx context.Context, tx *gorm.DB, payment *models.Payment, reason string, actor Actor) error
}

type service struct {
	repo    Repository
	tx      txRunner
	outbox  outboxPublisher
	gateway refundGateway
}

// NewService builds the ledger service with the required dependencies.
func NewService(repository Repository, tx txRunner, outboxPub outboxPublisher, gateway refundGateway) (Service, error) {
	if repository == nil {
		return nil, fmt.Errorf("payments repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outboxPub == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("escrow gateway required")
	}
	return &service{repo: repository, tx: tx, outbox: outboxPub, gateway: gateway}, nil
}

func (s *service) Create(ctx context.Context, input CreateInput) (*models.Payment, error) {
	if input.ProjectID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "project id required")
	}
	var created *models.Payment
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		project, err := s.repo.WithTx(tx).LockProject(ctx, input.ProjectID)
		if err != nil {
			return mapNotFound(err, "project not found")
		}
		created, err = s.CreateTx(ctx, tx, project, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// CreateTx validates the amount against the remaining budget and inserts a
// pending record. The caller must hold the project lock.
func (s *service) CreateTx(ctx context.Context, tx *gorm.DB, project *models.Project, input CreateInput) (*models.Payment, error) {
	if project == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "project row required")
	}
	if input.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment amount must be positive").
			WithDetails(map[string]any{"amount": input.Amount.String()})
	}
	if !input.Method.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown payment method")
	}
	if projected := project.Spent.Add(input.Amount); projected.GreaterThan(project.Budget) {
		return nil, pkgerrors.New(pkgerrors.CodePolicy, "payment would exceed project budget").
			WithDetails(map[string]any{
				"budget": project.Budget.String(),
				"spent":  project.Spent.String(),
				"amount": input.Amount.String(),
			})
	}

	payment := &models.Payment{
		ProjectID: project.ID,
		StageID:   input.StageID,
		Amount:    input.Amount,
		Status:    enums.PaymentStatusPending,
		Method:    input.Method,
	}
	if err := s.repo.WithTx(tx).Create(ctx, payment); err != nil {
		return nil, err
	}

	event := outbox.DomainEvent{
		EventType:     enums.EventPaymentCreated,
		AggregateType: enums.AggregatePayment,
		AggregateID:   payment.ID,
		ProjectID:     project.ID,
		Actor:         input.Actor.ref(),
		Data: payloads.PaymentCreatedEvent{
			ProjectID: project.ID,
			PaymentID: payment.ID,
			StageID:   payment.StageID,
			Amount:    payment.Amount,
			Method:    payment.Method,
		},
	}
	if err := s.outbox.Emit(ctx, tx, event); err != nil {
		return nil, err
	}
	return payment, nil
}

func (s *service) MarkProcessing(ctx context.Context, paymentID uuid.UUID, externalTransactionID string, actor Actor) (*models.Payment, error) {
	var updated *models.Payment
	err := s.withPayment(ctx, paymentID, func(tx *gorm.DB, _ *models.Project, payment *models.Payment) error {
		if err := s.MarkProcessingTx(ctx, tx, payment, externalTransactionID, actor); err != nil {
			return err
		}
		updated = payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// MarkProcessingTx hands the payment to the gateway: pending -> processing.
// The gateway transaction id is recorded as soon as it exists so the
// reconciler can resolve the record if the confirmation never lands.
func (s *service) MarkProcessingTx(ctx context.Context, tx *gorm.DB, payment *models.Payment, externalTransactionID string, actor Actor) error {
	if payment.Status != enums.PaymentStatusPending {
		return transitionError(payment, enums.PaymentStatusProcessing)
	}
	now := time.Now().UTC()
	payment.Status = enums.PaymentStatusProcessing
	payment.ProcessingAt = &now
	if externalTransactionID != "" {
		payment.ExternalTransactionID = &externalTransactionID
	}
	return s.repo.WithTx(tx).Update(ctx, payment)
}

func (s *service) Confirm(ctx context.Context, input ConfirmInput) (*models.Payment, error) {
	if input.ExternalTransactionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "external transaction id required")
	}
	var confirmed *models.Payment
	err := s.withPayment(ctx, input.PaymentID, func(tx *gorm.DB, project *models.Project, payment *models.Payment) error {
		if err := s.ConfirmTx(ctx, tx, project, payment, input.ExternalTransactionID, input.Actor); err != nil {
			return err
		}
		confirmed = payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return confirmed, nil
}

// ConfirmTx settles a processing payment: processing -> completed, and adds
// the amount to the project's spent total. Replayed confirmations with the
// same external transaction id are a no-op so gateway webhook redelivery is
// safe; a different id on a completed payment is rejected.
func (s *service) ConfirmTx(ctx context.Context, tx *gorm.DB, project *models.Project, payment *models.Payment, externalTransactionID string, actor Actor) error {
	switch payment.Status {
	case enums.PaymentStatusCompleted:
		if payment.ExternalTransactionID != nil && *payment.ExternalTransactionID == externalTransactionID {
			return nil
		}
		return pkgerrors.New(pkgerrors.CodeConflict, "payment already confirmed with a different transaction").
			WithDetails(map[string]any{"payment_id": payment.ID.String()})
	case enums.PaymentStatusProcessing:
		// fall through to settle
	default:
		return transitionError(payment, enums.PaymentStatusCompleted)
	}

	now := time.Now().UTC()
	payment.Status = enums.PaymentStatusCompleted
	payment.ExternalTransactionID = &externalTransactionID
	payment.CompletedAt = &now

	txRepo := s.repo.WithTx(tx)
	if err := txRepo.Update(ctx, payment); err != nil {
		return err
	}

	newSpent := project.Spent.Add(payment.Amount)
	if err := txRepo.UpdateProjectSpent(ctx, project.ID, newSpent); err != nil {
		return err
	}
	project.Spent = newSpent

	event := outbox.DomainEvent{
		EventType:     enums.EventPaymentCompleted,
		AggregateType: enums.AggregatePayment,
		AggregateID:   payment.ID,
		ProjectID:     project.ID,
		Actor:         actor.ref(),
		Data: payloads.PaymentCompletedEvent{
			ProjectID:             project.ID,
			PaymentID:             payment.ID,
			StageID:               payment.StageID,
			Amount:                payment.Amount,
			ExternalTransactionID: externalTransactionID,
			Spent:                 newSpent,
		},
	}
	return s.outbox.Emit(ctx, tx, event)
}

func (s *service) Fail(ctx context.Context, paymentID uuid.UUID, reason string, actor Actor) (*models.Payment, error) {
	var failed *models.Payment
	err := s.withPayment(ctx, paymentID, func(tx *gorm.DB, _ *models.Project, payment *models.Payment) error {
		if err := s.FailTx(ctx, tx, payment, reason, actor); err != nil {
			return err
		}
		failed = payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

// FailTx records a gateway decline: processing -> failed. The amount was
// never added to spent, so nothing is decremented. Retries create a fresh
// payment record; the failed row stays for audit.
func (s *service) FailTx(ctx context.Context, tx *gorm.DB, payment *models.Payment, reason string, actor Actor) error {
	if payment.Status != enums.PaymentStatusProcessing {
		return transitionError(payment, enums.PaymentStatusFailed)
	}
	now := time.Now().UTC()
	payment.Status = enums.PaymentStatusFailed
	payment.FailedAt = &now
	if reason != "" {
		payment.FailureReason = &reason
	}
	if err := s.repo.WithTx(tx).Update(ctx, payment); err != nil {
		return err
	}

	event := outbox.DomainEvent{
		EventType:     enums.EventPaymentFailed,
		AggregateType: enums.AggregatePayment,
		AggregateID:   payment.ID,
		ProjectID:     payment.ProjectID,
		Actor:         actor.ref(),
		Data: payloads.PaymentFailedEvent{
			ProjectID: payment.ProjectID,
			PaymentID: payment.ID,
			Amount:    payment.Amount,
			Reason:    reason,
		},
	}
	return s.outbox.Emit(ctx, tx, event)
}

// Refund moves money back through the gateway and records the result as a new
// linked ledger row. A gateway failure aborts the transaction, so no refund
// row ever exists without the gateway having accepted the refund.
func (s *service) Refund(ctx context.Context, input RefundInput) (*models.Payment, error) {
	if input.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund amount must be positive")
	}
	var refund *models.Payment
	err := s.withPayment(ctx, input.PaymentID, func(tx *gorm.DB, project *models.Project, original *models.Payment) error {
		if original.Status != enums.PaymentStatusCompleted {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "only completed payments can be refunded").
				WithDetails(map[string]any{"current_status": original.Status.String()})
		}
		if original.ExternalTransactionID == nil || *original.ExternalTransactionID == "" {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "payment has no settled gateway transaction to refund").
				WithDetails(map[string]any{"payment_id": original.ID.String()})
		}

		txRepo := s.repo.WithTx(tx)
		refunded, err := txRepo.SumRefunds(ctx, original.ID)
		if err != nil {
			return err
		}
		if refunded.Add(input.Amount).GreaterThan(original.Amount) {
			return pkgerrors.New(pkgerrors.CodePolicy, "cumulative refunds would exceed the original amount").
				WithDetails(map[string]any{
					"original_amount":  original.Amount.String(),
					"already_refunded": refunded.String(),
					"requested":        input.Amount.String(),
				})
		}

		intent, err := s.gateway.Refund(ctx, *original.ExternalTransactionID, input.Amount)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "escrow refund failed")
		}

		now := time.Now().UTC()
		refund = &models.Payment{
			ProjectID:   original.ProjectID,
			StageID:     original.StageID,
			Amount:      input.Amount,
			Status:      enums.PaymentStatusRefunded,
			Method:      original.Method,
			RefundOfID:  &original.ID,
			CompletedAt: &now,
		}
		if intent.ID != "" {
			refundTxID := intent.ID
			refund.ExternalTransactionID = &refundTxID
		}
		if err := txRepo.Create(ctx, refund); err != nil {
			return err
		}

		event := outbox.DomainEvent{
			EventType:     enums.EventPaymentRefunded,
			AggregateType: enums.AggregatePayment,
			AggregateID:   refund.ID,
			ProjectID:     project.ID,
			Actor:         input.Actor.ref(),
			Data: payloads.PaymentRefundedEvent{
				ProjectID:         project.ID,
				RefundPaymentID:   refund.ID,
				OriginalPaymentID: original.ID,
				Amount:            input.Amount,
			},
		}
		return s.outbox.Emit(ctx, tx, event)
	})
	if err != nil {
		return nil, err
	}
	return refund, nil
}

func (s *service) Get(ctx context.Context, paymentID uuid.UUID) (*models.Payment, error) {
	payment, err := s.repo.FindByID(ctx, paymentID)
	if err != nil {
		return nil, mapNotFound(err, "payment not found")
	}
	return payment, nil
}

func (s *service) ListByProject(ctx context.Context, projectID uuid.UUID, params pagination.Params) (*PaymentList, error) {
	return s.repo.ListByProject(ctx, projectID, params)
}

// withPayment opens a transaction, acquires the owning project's lock, and
// re-reads the payment under the lock so transitions serialize per project.
func (s *service) withPayment(ctx context.Context, paymentID uuid.UUID, fn func(tx *gorm.DB, project *models.Project, payment *models.Payment) error) error {
	if paymentID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment id required")
	}
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		ref, err := txRepo.FindByID(ctx, paymentID)
		if err != nil {
			return mapNotFound(err, "payment not found")
		}
		project, err := txRepo.LockProject(ctx, ref.ProjectID)
		if err != nil {
			return mapNotFound(err, "project not found")
		}
		payment, err := txRepo.FindByID(ctx, paymentID)
		if err != nil {
			return mapNotFound(err, "payment not found")
		}
		return fn(tx, project, payment)
	})
}

func transitionError(payment *models.Payment, target enums.PaymentStatus) error {
	return pkgerrors.New(pkgerrors.CodeStateConflict,
		fmt.Sprintf("payment cannot move from %s to %s", payment.Status, target)).
		WithDetails(map[string]any{
			"payment_id":     payment.ID.String(),
			"current_status": payment.Status.String(),
		})
}

func mapNotFound(err error, message string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, message)
	}
	return err
}
