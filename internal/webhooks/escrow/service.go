package escrowwebhook

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/stagepay/stagepay-backend/internal/payments"
	"github.com/stagepay/stagepay-backend/pkg/db/models"
	"github.com/stagepay/stagepay-backend/pkg/enums"
	pkgerrors "github.com/stagepay/stagepay-backend/pkg/errors"
	"github.com/stagepay/stagepay-backend/pkg/logger"
)

type paymentFinder interface {
	FindByExternalTransactionID(ctx context.Context, externalTransactionID string) (*models.Payment, error)
}

// Event is the decoded gateway callback. Deliveries are at-least-once and may
// arrive out of order with the synchronous confirmation path.
type Event struct {
	EventID string    `json:"event_id"`
	Type    string    `json:"type"`
	Data    EventData `json:"data"`
}

type EventData struct {
	Type   string      `json:"type"`
	ID     string      `json:"id"`
	Object EventObject `json:"object"`
}

type EventObject struct {
	Payment *PaymentObject `json:"payment"`
}

// PaymentObject mirrors the gateway's payment resource.
type PaymentObject struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type ServiceParams struct {
	Payments    payments.Service
	PaymentRepo paymentFinder
	Logger      *logger.Logger
}

// Service routes gateway payment callbacks into the ledger.
type Service struct {
	payments payments.Service
	repo     paymentFinder
	logg     *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Payments == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payments service required")
	}
	if params.PaymentRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payment repo required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		payments: params.Payments,
		repo:     params.PaymentRepo,
		logg:     params.Logger,
	}, nil
}

// HandleEvent settles or fails the ledger record referenced by the callback.
// Callbacks that race the synchronous path or the reconciler land on a record
// that is already resolved; those are acknowledged without an error.
func (s *Service) HandleEvent(ctx context.Context, event *Event) error {
	if event == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "escrow event required")
	}
	if !strings.HasPrefix(event.Type, "payment.") {
		s.logg.Info(s.logg.WithField(ctx, "event_type", event.Type), "ignoring non-payment event")
		return nil
	}
	obj := event.Data.Object.Payment
	if obj == nil || obj.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment object missing from event")
	}

	payment, err := s.repo.FindByExternalTransactionID(ctx, obj.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// The intent row may not be committed yet; let the gateway redeliver.
			return pkgerrors.New(pkgerrors.CodeNotFound, "payment not found for gateway transaction").
				WithDetails(map[string]any{"external_transaction_id": obj.ID})
		}
		return err
	}

	actor := payments.Actor{Role: enums.ActorRoleSystem}
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"payment_id":              payment.ID.String(),
		"external_transaction_id": obj.ID,
		"gateway_status":          obj.Status,
	})

	switch strings.ToUpper(obj.Status) {
	case "COMPLETED", "APPROVED":
		_, err = s.payments.Confirm(ctx, payments.ConfirmInput{
			PaymentID:             payment.ID,
			ExternalTransactionID: obj.ID,
			Actor:                 actor,
		})
	case "FAILED", "CANCELED":
		_, err = s.payments.Fail(ctx, payment.ID, "gateway reported "+strings.ToLower(obj.Status), actor)
	default:
		s.logg.Info(logCtx, "gateway status not terminal, ignoring")
		return nil
	}
	if err != nil {
		if typed := pkgerrors.As(err); typed != nil && typed.Code() == pkgerrors.CodeStateConflict {
			s.logg.Info(logCtx, "payment already resolved, callback ignored")
			return nil
		}
		return err
	}

	s.logg.Info(logCtx, "gateway callback applied")
	return nil
}
