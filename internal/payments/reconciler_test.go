package payments

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/stagepay/stagepay-backend/pkg/config"
	"github.com/stagepay/stagepay-backend/pkg/db/models"
	"github.com/stagepay/stagepay-backend/pkg/enums"
	"github.com/stagepay/stagepay-backend/pkg/escrow"
	"github.com/stagepay/stagepay-backend/pkg/logger"
	"github.com/stagepay/stagepay-backend/pkg/metrics"
)

type stubGateway struct {
	intents map[string]*escrow.Intent
	err     error
}

func (s *stubGateway) CreateIntent(ctx context.Context, params escrow.IntentParams) (*escrow.Intent, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubGateway) Confirm(ctx context.Context, intentID string) (*escrow.Intent, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubGateway) Refund(ctx context.Context, transactionID string, amount decimal.Decimal) (*escrow.Intent, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubGateway) Lookup(ctx context.Context, intentID string) (*escrow.Intent, error) {
	if s.err != nil {
		return nil, s.err
	}
	intent, ok := s.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("intent %s not found", intentID)
	}
	return intent, nil
}

func newTestReconciler(t *testing.T, repo *stubPaymentsRepo, gateway *stubGateway) *Reconciler {
	t.Helper()
	svc, _ := newTestService(t, repo)
	logg := logger.New(logger.Options{ServiceName: "test", Level: zerolog.Disabled, Output: io.Discard})
	return NewReconciler(svc, repo, gateway, logg, metrics.NewWorkerMetrics(nil), config.ReconcilerConfig{
		StuckAfter:   10 * time.Minute,
		PollInterval: time.Minute,
		BatchSize:    20,
	})
}

func stuckPayment(repo *stubPaymentsRepo, amount string, externalID *string) *models.Payment {
	processingAt := time.Now().UTC().Add(-time.Hour)
	payment := &models.Payment{
		ID:                    uuid.New(),
		ProjectID:             repo.project.ID,
		Amount:                money(amount),
		Status:                enums.PaymentStatusProcessing,
		Method:                enums.PaymentMethodCard,
		ExternalTransactionID: externalID,
		ProcessingAt:          &processingAt,
	}
	repo.payments[payment.ID] = payment
	return payment
}

func TestReconcilerConfirmsGatewayCompletedPayment(t *testing.T) {
	repo := newStubPaymentsRepo(testProject("100000", "0"))
	externalID := "sq-stuck-1"
	payment := stuckPayment(repo, "60000", &externalID)
	gateway := &stubGateway{intents: map[string]*escrow.Intent{
		externalID: {ID: externalID, Status: escrow.IntentStatusCompleted},
	}}

	resolved, err := newTestReconciler(t, repo, gateway).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("expected 1 resolved, got %d", resolved)
	}
	if got := repo.payments[payment.ID].Status; got != enums.PaymentStatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if !repo.project.Spent.Equal(money("60000")) {
		t.Fatalf("expected spent 60000, got %s", repo.project.Spent)
	}
}

func TestReconcilerFailsGatewayFailedPayment(t *testing.T) {
	repo := newStubPaymentsRepo(testProject("100000", "0"))
	externalID := "sq-stuck-2"
	payment := stuckPayment(repo, "5000", &externalID)
	gateway := &stubGateway{intents: map[string]*escrow.Intent{
		externalID: {ID: externalID, Status: escrow.IntentStatusFailed},
	}}

	resolved, err := newTestReconciler(t, repo, gateway).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("expected 1 resolved, got %d", resolved)
	}
	if got := repo.payments[payment.ID].Status; got != enums.PaymentStatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	if !repo.project.Spent.Equal(money("0")) {
		t.Fatalf("failed payment must not touch spent, got %s", repo.project.Spent)
	}
}

func TestReconcilerFailsPaymentWithoutGatewayTransaction(t *testing.T) {
	repo := newStubPaymentsRepo(testProject("100000", "0"))
	payment := stuckPayment(repo, "5000", nil)
	gateway := &stubGateway{intents: map[string]*escrow.Intent{}}

	resolved, err := newTestReconciler(t, repo, gateway).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("expected 1 resolved, got %d", resolved)
	}
	failed := repo.payments[payment.ID]
	if failed.Status != enums.PaymentStatusFailed {
		t.Fatalf("expected failed, got %s", failed.Status)
	}
	if failed.FailureReason == nil || *failed.FailureReason != "no gateway transaction recorded" {
		t.Fatal("expected failure reason recorded")
	}
}

func TestReconcilerLeavesGatewayPendingPaymentAlone(t *testing.T) {
	repo := newStubPaymentsRepo(testProject("100000", "0"))
	externalID := "sq-stuck-3"
	payment := stuckPayment(repo, "5000", &externalID)
	gateway := &stubGateway{intents: map[string]*escrow.Intent{
		externalID: {ID: externalID, Status: escrow.IntentStatusPending},
	}}

	resolved, err := newTestReconciler(t, repo, gateway).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("expected the pending record counted as handled, got %d", resolved)
	}
	if got := repo.payments[payment.ID].Status; got != enums.PaymentStatusProcessing {
		t.Fatalf("pending intent must stay processing, got %s", got)
	}
}
