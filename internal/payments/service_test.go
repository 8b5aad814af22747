package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/stagepay/stagepay-backend/pkg/db/models"
	"github.com/stagepay/stagepay-backend/pkg/enums"
	pkgerrors "github.com/stagepay/stagepay-backend/pkg/errors"
	"github.com/stagepay/stagepay-backend/pkg/escrow"
	"github.com/stagepay/stagepay-backend/pkg/outbox"
	"github.com/stagepay/stagepay-backend/pkg/pagination"
)

type stubPaymentsRepo struct {
	project  *models.Project
	payments map[uuid.UUID]*models.Payment
}

func newStubPaymentsRepo(project *models.Project) *stubPaymentsRepo {
	return &stubPaymentsRepo{
		project:  project,
		payments: make(map[uuid.UUID]*models.Payment),
	}
}

func (s *stubPaymentsRepo) WithTx(tx *gorm.DB) Repository {
	return s
}

func (s *stubPaymentsRepo) LockProject(ctx context.Context, projectID uuid.UUID) (*models.Project, error) {
	if s.project == nil || s.project.ID != projectID {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *s.project
	return &copied, nil
}

func (s *stubPaymentsRepo) Create(ctx context.Context, payment *models.Payment) error {
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	copied := *payment
	s.payments[payment.ID] = &copied
	return nil
}

func (s *stubPaymentsRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	payment, ok := s.payments[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *payment
	return &copied, nil
}

func (s *stubPaymentsRepo) FindByExternalTransactionID(ctx context.Context, externalTransactionID string) (*models.Payment, error) {
	for _, payment := range s.payments {
		if payment.ExternalTransactionID != nil && *payment.ExternalTransactionID == externalTransactionID {
			copied := *payment
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *stubPaymentsRepo) Update(ctx context.Context, payment *models.Payment) error {
	copied := *payment
	s.payments[payment.ID] = &copied
	return nil
}

func (s *stubPaymentsRepo) SumRefunds(ctx context.Context, originalID uuid.UUID) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, payment := range s.payments {
		if payment.RefundOfID != nil && *payment.RefundOfID == originalID {
			total = total.Add(payment.Amount)
		}
	}
	return total, nil
}

func (s *stubPaymentsRepo) UpdateProjectSpent(ctx context.Context, projectID uuid.UUID, spent decimal.Decimal) error {
	if s.project != nil && s.project.ID == projectID {
		s.project.Spent = spent
	}
	return nil
}

func (s *stubPaymentsRepo) ListByProject(ctx context.Context, projectID uuid.UUID, params pagination.Params) (*PaymentList, error) {
	var items []models.Payment
	for _, payment := range s.payments {
		if payment.ProjectID == projectID {
			items = append(items, *payment)
		}
	}
	return &PaymentList{Items: items}, nil
}

func (s *stubPaymentsRepo) FindStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]models.Payment, error) {
	var rows []models.Payment
	for _, payment := range s.payments {
		if payment.Status == enums.PaymentStatusProcessing && payment.ProcessingAt != nil && payment.ProcessingAt.Before(cutoff) {
			rows = append(rows, *payment)
		}
	}
	return rows, nil
}

type refundCall struct {
	transactionID string
	amount        decimal.Decimal
}

type stubRefundGateway struct {
	refunds   []refundCall
	refundErr error
}

func (s *stubRefundGateway) Refund(ctx context.Context, transactionID string, amount decimal.Decimal) (*escrow.Intent, error) {
	s.refunds = append(s.refunds, refundCall{transactionID: transactionID, amount: amount})
	if s.refundErr != nil {
		return nil, s.refundErr
	}
	return &escrow.Intent{ID: "sqr-refund-" + transactionID, Status: escrow.IntentStatusRefunded}, nil
}

type stubTxRunner struct{}

func (stubTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type stubOutboxPublisher struct {
	events []outbox.DomainEvent
}

func (s *stubOutboxPublisher) Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	s.events = append(s.events, event)
	return nil
}

func (s *stubOutboxPublisher) lastEventType(t *testing.T) enums.OutboxEventType {
	t.Helper()
	if len(s.events) == 0 {
		t.Fatal("expected at least one outbox event")
	}
	return s.events[len(s.events)-1].EventType
}

func money(value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		panic(err)
	}
	return d
}

func testProject(budget, spent string) *models.Project {
	return &models.Project{
		ID:          uuid.New(),
		Name:        "kitchen remodel",
		HomeownerID: uuid.New(),
		Budget:      money(budget),
		Spent:       money(spent),
		Status:      enums.ProjectStatusActive,
	}
}

func newTestService(t *testing.T, repo *stubPaymentsRepo) (Service, *stubOutboxPublisher) {
	t.Helper()
	svc, events, _ := newTestServiceWithGateway(t, repo)
	return svc, events
}

func newTestServiceWithGateway(t *testing.T, repo *stubPaymentsRepo) (Service, *stubOutboxPublisher, *stubRefundGateway) {
	t.Helper()
	events := &stubOutboxPublisher{}
	gateway := &stubRefundGateway{}
	svc, err := NewService(repo, stubTxRunner{}, events, gateway)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, events, gateway
}

func homeownerActor() Actor {
	return Actor{UserID: uuid.New(), Role: enums.ActorRoleHomeowner}
}

func TestCreateRejectsNonPositiveAmount(t *testing.T) {
	project := testProject("100000", "0")
	svc, _ := newTestService(t, newStubPaymentsRepo(project))

	_, err := svc.Create(context.Background(), CreateInput{
		ProjectID: project.ID,
		Amount:    money("0"),
		Method:    enums.PaymentMethodCard,
		Actor:     homeownerActor(),
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateRejectsBudgetOverrun(t *testing.T) {
	project := testProject("100000", "90000")
	svc, _ := newTestService(t, newStubPaymentsRepo(project))

	_, err := svc.Create(context.Background(), CreateInput{
		ProjectID: project.ID,
		Amount:    money("10000.01"),
		Method:    enums.PaymentMethodCard,
		Actor:     homeownerActor(),
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodePolicy {
		t.Fatalf("expected policy error, got %v", err)
	}
}

func TestCreateOpensPendingRecord(t *testing.T) {
	project := testProject("100000", "0")
	repo := newStubPaymentsRepo(project)
	svc, events := newTestService(t, repo)

	payment, err := svc.Create(context.Background(), CreateInput{
		ProjectID: project.ID,
		Amount:    money("60000"),
		Method:    enums.PaymentMethodCard,
		Actor:     homeownerActor(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if payment.Status != enums.PaymentStatusPending {
		t.Fatalf("expected pending, got %s", payment.Status)
	}
	if got := events.lastEventType(t); got != enums.EventPaymentCreated {
		t.Fatalf("expected payment_created event, got %s", got)
	}
}

func TestMarkProcessingGuardsTransition(t *testing.T) {
	project := testProject("100000", "0")
	repo := newStubPaymentsRepo(project)
	svc, _ := newTestService(t, repo)

	payment, err := svc.Create(context.Background(), CreateInput{
		ProjectID: project.ID,
		Amount:    money("1000"),
		Method:    enums.PaymentMethodCard,
		Actor:     homeownerActor(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := svc.MarkProcessing(context.Background(), payment.ID, "sq-intent-1", homeownerActor())
	if err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if updated.Status != enums.PaymentStatusProcessing {
		t.Fatalf("expected processing, got %s", updated.Status)
	}
	if updated.ExternalTransactionID == nil || *updated.ExternalTransactionID != "sq-intent-1" {
		t.Fatal("expected gateway transaction id recorded")
	}

	// second call must be rejected, the record already left pending
	_, err = svc.MarkProcessing(context.Background(), payment.ID, "sq-intent-1", homeownerActor())
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestConfirmIsIdempotentPerTransactionID(t *testing.T) {
	project := testProject("100000", "0")
	repo := newStubPaymentsRepo(project)
	svc, events := newTestService(t, repo)
	actor := homeownerActor()

	payment, err := svc.Create(context.Background(), CreateInput{
		ProjectID: project.ID,
		Amount:    money("60000"),
		Method:    enums.PaymentMethodCard,
		Actor:     actor,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.MarkProcessing(context.Background(), payment.ID, "ext-123", actor); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	confirmed, err := svc.Confirm(context.Background(), ConfirmInput{
		PaymentID:             payment.ID,
		ExternalTransactionID: "ext-123",
		Actor:                 actor,
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != enums.PaymentStatusCompleted {
		t.Fatalf("expected completed, got %s", confirmed.Status)
	}
	if !repo.project.Spent.Equal(money("60000")) {
		t.Fatalf("expected spent 60000, got %s", repo.project.Spent)
	}
	eventCount := len(events.events)

	// webhook redelivery: same transaction id is a no-op
	replayed, err := svc.Confirm(context.Background(), ConfirmInput{
		PaymentID:             payment.ID,
		ExternalTransactionID: "ext-123",
		Actor:                 actor,
	})
	if err != nil {
		t.Fatalf("replayed confirm: %v", err)
	}
	if replayed.Status != enums.PaymentStatusCompleted {
		t.Fatalf("expected completed, got %s", replayed.Status)
	}
	if !repo.project.Spent.Equal(money("60000")) {
		t.Fatalf("replay double-counted spent: %s", repo.project.Spent)
	}
	if len(events.events) != eventCount {
		t.Fatalf("replay emitted extra events: %d -> %d", eventCount, len(events.events))
	}

	// a different transaction id on a settled payment is a conflict
	_, err = svc.Confirm(context.Background(), ConfirmInput{
		PaymentID:             payment.ID,
		ExternalTransactionID: "ext-456",
		Actor:                 actor,
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestFailLeavesSpentUntouched(t *testing.T) {
	project := testProject("100000", "30000")
	repo := newStubPaymentsRepo(project)
	svc, events := newTestService(t, repo)
	actor := homeownerActor()

	payment, err := svc.Create(context.Background(), CreateInput{
		ProjectID: project.ID,
		Amount:    money("20000"),
		Method:    enums.PaymentMethodCard,
		Actor:     actor,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.MarkProcessing(context.Background(), payment.ID, "sq-intent-2", actor); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	failed, err := svc.Fail(context.Background(), payment.ID, "card declined", actor)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != enums.PaymentStatusFailed {
		t.Fatalf("expected failed, got %s", failed.Status)
	}
	if !repo.project.Spent.Equal(money("30000")) {
		t.Fatalf("fail should not change spent, got %s", repo.project.Spent)
	}
	if got := events.lastEventType(t); got != enums.EventPaymentFailed {
		t.Fatalf("expected payment_failed event, got %s", got)
	}
}

func TestRefundCapsAtOriginalAmount(t *testing.T) {
	project := testProject("100000", "0")
	repo := newStubPaymentsRepo(project)
	svc, events := newTestService(t, repo)
	actor := Actor{UserID: uuid.New(), Role: enums.ActorRoleAdmin}

	payment, err := svc.Create(context.Background(), CreateInput{
		ProjectID: project.ID,
		Amount:    money("10000"),
		Method:    enums.PaymentMethodCard,
		Actor:     actor,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.MarkProcessing(context.Background(), payment.ID, "ext-refund", actor); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if _, err := svc.Confirm(context.Background(), ConfirmInput{
		PaymentID:             payment.ID,
		ExternalTransactionID: "ext-refund",
		Actor:                 actor,
	}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	refund, err := svc.Refund(context.Background(), RefundInput{
		PaymentID: payment.ID,
		Amount:    money("6000"),
		Actor:     actor,
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refund.Status != enums.PaymentStatusRefunded {
		t.Fatalf("expected refunded, got %s", refund.Status)
	}
	if refund.RefundOfID == nil || *refund.RefundOfID != payment.ID {
		t.Fatal("refund must reference the original payment")
	}
	if got := events.lastEventType(t); got != enums.EventPaymentRefunded {
		t.Fatalf("expected payment_refunded event, got %s", got)
	}

	// cumulative refunds beyond the original amount are rejected
	_, err = svc.Refund(context.Background(), RefundInput{
		PaymentID: payment.ID,
		Amount:    money("5000"),
		Actor:     actor,
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodePolicy {
		t.Fatalf("expected policy error, got %v", err)
	}
}

func TestRefundMovesMoneyThroughGateway(t *testing.T) {
	project := testProject("100000", "0")
	repo := newStubPaymentsRepo(project)
	svc, _, gateway := newTestServiceWithGateway(t, repo)
	actor := Actor{UserID: uuid.New(), Role: enums.ActorRoleAdmin}

	payment, err := svc.Create(context.Background(), CreateInput{
		ProjectID: project.ID,
		Amount:    money("8000"),
		Method:    enums.PaymentMethodCard,
		Actor:     actor,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.MarkProcessing(context.Background(), payment.ID, "ext-900", actor); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if _, err := svc.Confirm(context.Background(), ConfirmInput{
		PaymentID:             payment.ID,
		ExternalTransactionID: "ext-900",
		Actor:                 actor,
	}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	refund, err := svc.Refund(context.Background(), RefundInput{
		PaymentID: payment.ID,
		Amount:    money("3000"),
		Actor:     actor,
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if len(gateway.refunds) != 1 {
		t.Fatalf("expected one gateway refund, got %d", len(gateway.refunds))
	}
	call := gateway.refunds[0]
	if call.transactionID != "ext-900" {
		t.Fatalf("expected refund against ext-900, got %s", call.transactionID)
	}
	if !call.amount.Equal(money("3000")) {
		t.Fatalf("expected refund amount 3000, got %s", call.amount)
	}
	if refund.ExternalTransactionID == nil || *refund.ExternalTransactionID != "sqr-refund-ext-900" {
		t.Fatal("refund row must record the gateway refund id")
	}
}

func TestRefundAbortsWhenGatewayFails(t *testing.T) {
	project := testProject("100000", "0")
	repo := newStubPaymentsRepo(project)
	svc, _, gateway := newTestServiceWithGateway(t, repo)
	gateway.refundErr = errors.New("square unavailable")
	actor := Actor{UserID: uuid.New(), Role: enums.ActorRoleAdmin}

	payment, err := svc.Create(context.Background(), CreateInput{
		ProjectID: project.ID,
		Amount:    money("8000"),
		Method:    enums.PaymentMethodCard,
		Actor:     actor,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.MarkProcessing(context.Background(), payment.ID, "ext-901", actor); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if _, err := svc.Confirm(context.Background(), ConfirmInput{
		PaymentID:             payment.ID,
		ExternalTransactionID: "ext-901",
		Actor:                 actor,
	}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	_, err = svc.Refund(context.Background(), RefundInput{
		PaymentID: payment.ID,
		Amount:    money("3000"),
		Actor:     actor,
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeDependency {
		t.Fatalf("expected dependency error, got %v", err)
	}
	for _, row := range repo.payments {
		if row.RefundOfID != nil {
			t.Fatal("no refund row may exist when the gateway rejected the refund")
		}
	}
}

func TestRefundRequiresSettledTransaction(t *testing.T) {
	project := testProject("100000", "0")
	repo := newStubPaymentsRepo(project)
	svc, _, gateway := newTestServiceWithGateway(t, repo)
	actor := Actor{UserID: uuid.New(), Role: enums.ActorRoleAdmin}

	// a completed row with no gateway transaction id has nothing to refund against
	orphan := &models.Payment{
		ProjectID: project.ID,
		Amount:    money("5000"),
		Status:    enums.PaymentStatusCompleted,
		Method:    enums.PaymentMethodCard,
	}
	if err := repo.Create(context.Background(), orphan); err != nil {
		t.Fatalf("seed payment: %v", err)
	}

	_, err := svc.Refund(context.Background(), RefundInput{
		PaymentID: orphan.ID,
		Amount:    money("1000"),
		Actor:     actor,
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
	if len(gateway.refunds) != 0 {
		t.Fatal("gateway must not be called without a settled transaction id")
	}
}

func TestRefundRequiresCompletedOriginal(t *testing.T) {
	project := testProject("100000", "0")
	repo := newStubPaymentsRepo(project)
	svc, _ := newTestService(t, repo)
	actor := Actor{UserID: uuid.New(), Role: enums.ActorRoleAdmin}

	payment, err := svc.Create(context.Background(), CreateInput{
		ProjectID: project.ID,
		Amount:    money("10000"),
		Method:    enums.PaymentMethodCard,
		Actor:     actor,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = svc.Refund(context.Background(), RefundInput{
		PaymentID: payment.ID,
		Amount:    money("1000"),
		Actor:     actor,
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
}
