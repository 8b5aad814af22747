package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	sq "github.com/square/square-go-sdk"
	sqclient "github.com/square/square-go-sdk/client"
	sqcore "github.com/square/square-go-sdk/core"
	sqoption "github.com/square/square-go-sdk/option"

	"github.com/stagepay/stagepay-backend/pkg/config"
	pkgerrors "github.com/stagepay/stagepay-backend/pkg/errors"
	"github.com/stagepay/stagepay-backend/pkg/logger"
)

const (
	sandboxEnv    = "sandbox"
	productionEnv = "production"
)

var (
	errAccessTokenRequired = errors.New("escrow access token is required")
	errInvalidEscrowEnv    = fmt.Errorf("escrow environment must be %q or %q", sandboxEnv, productionEnv)
	errLoggerRequired      = errors.New("escrow logger is required")
)

var baseURLs = map[string]string{
	sandboxEnv:    "https://connect.squareupsandbox.com",
	productionEnv: "https://connect.squareup.com",
}

// SquareGateway implements Gateway on top of the Square SDK with centralized
// auth, logging, idempotency, and error mapping.
type SquareGateway struct {
	sdk         *sqclient.Client
	environment string
	locationID  string
	currency    string
	logger      *logger.Logger
}

// NewSquareGateway initializes the Square wrapper and validates credentials.
func NewSquareGateway(ctx context.Context, cfg config.EscrowConfig, logg *logger.Logger) (*SquareGateway, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}
	env, err := normalizeEnv(cfg.Environment)
	if err != nil {
		return nil, err
	}
	accessToken := strings.TrimSpace(cfg.AccessToken)
	if accessToken == "" {
		return nil, errAccessTokenRequired
	}

	sdk := sqclient.NewClient(
		sqoption.WithBaseURL(baseURLs[env]),
		sqoption.WithToken(accessToken),
	)

	g := &SquareGateway{
		sdk:         sdk,
		environment: env,
		locationID:  strings.TrimSpace(cfg.LocationID),
		currency:    strings.TrimSpace(cfg.Currency),
		logger:      logg,
	}
	logg.Info(ctx, "escrow gateway initialized")
	return g, nil
}

// CreateIntent charges the funding source and holds the amount in escrow.
// The caller's idempotency key scopes the charge, so retrying the same
// deposit or release never creates a second charge.
func (g *SquareGateway) CreateIntent(ctx context.Context, params IntentParams) (*Intent, error) {
	key := strings.TrimSpace(params.IdempotencyKey)
	if key == "" {
		key = g.idempotencyKey("payment.create", params.PaymentID)
	}
	req := &sq.CreatePaymentRequest{
		IdempotencyKey: key,
		SourceID:       params.SourceID,
		AmountMoney:    g.money(params.Amount),
	}
	if g.locationID != "" {
		req.LocationID = &g.locationID
	}
	if note := strings.TrimSpace(params.Note); note != "" {
		req.Note = &note
	}
	if params.PaymentID != uuid.Nil {
		ref := params.PaymentID.String()
		req.ReferenceID = &ref
	}

	g.log(ctx, "request", "create_intent", map[string]any{
		"payment_id": params.PaymentID.String(),
		"project_id": params.ProjectID.String(),
		"amount":     params.Amount.String(),
	})

	resp, err := g.sdk.Payments.Create(ctx, req)
	if err != nil {
		g.log(ctx, "error", "create_intent", map[string]any{"error": err.Error()})
		return nil, g.mapSquareError(err, "create intent")
	}

	payment := resp.GetPayment()
	intent := &Intent{
		ID:     stringValue(payment.GetID()),
		Status: statusFromSquare(stringValue(payment.GetStatus())),
	}
	g.log(ctx, "response", "create_intent", map[string]any{
		"intent_id": intent.ID,
		"status":    string(intent.Status),
	})
	return intent, nil
}

// Confirm completes a previously created intent.
func (g *SquareGateway) Confirm(ctx context.Context, intentID string) (*Intent, error) {
	req := &sq.CompletePaymentRequest{PaymentID: intentID}
	g.log(ctx, "request", "confirm_intent", map[string]any{"intent_id": intentID})

	resp, err := g.sdk.Payments.Complete(ctx, req)
	if err != nil {
		g.log(ctx, "error", "confirm_intent", map[string]any{"error": err.Error()})
		return nil, g.mapSquareError(err, "confirm intent")
	}

	payment := resp.GetPayment()
	intent := &Intent{
		ID:     stringValue(payment.GetID()),
		Status: statusFromSquare(stringValue(payment.GetStatus())),
	}
	g.log(ctx, "response", "confirm_intent", map[string]any{
		"intent_id": intent.ID,
		"status":    string(intent.Status),
	})
	return intent, nil
}

// Refund returns funds against a completed transaction.
func (g *SquareGateway) Refund(ctx context.Context, transactionID string, amount decimal.Decimal) (*Intent, error) {
	req := &sq.RefundPaymentRequest{
		IdempotencyKey: fmt.Sprintf("payment.refund-%s-%s", transactionID, amount.String()),
		PaymentID:      &transactionID,
		AmountMoney:    g.money(amount),
	}
	g.log(ctx, "request", "refund", map[string]any{
		"transaction_id": transactionID,
		"amount":         amount.String(),
	})

	resp, err := g.sdk.Refunds.RefundPayment(ctx, req)
	if err != nil {
		g.log(ctx, "error", "refund", map[string]any{"error": err.Error()})
		return nil, g.mapSquareError(err, "refund")
	}

	refund := resp.GetRefund()
	intent := &Intent{
		ID:     refund.GetID(),
		Status: statusFromSquare(stringValue(refund.GetStatus())),
	}
	g.log(ctx, "response", "refund", map[string]any{
		"refund_id": intent.ID,
		"status":    string(intent.Status),
	})
	return intent, nil
}

// Lookup fetches the current gateway-side status of an intent. Used by the
// reconciler to resolve payments stuck in processing after a crash.
func (g *SquareGateway) Lookup(ctx context.Context, intentID string) (*Intent, error) {
	req := &sq.GetPaymentsRequest{PaymentID: intentID}
	g.log(ctx, "request", "lookup_intent", map[string]any{"intent_id": intentID})

	resp, err := g.sdk.Payments.Get(ctx, req)
	if err != nil {
		g.log(ctx, "error", "lookup_intent", map[string]any{"error": err.Error()})
		return nil, g.mapSquareError(err, "lookup intent")
	}

	payment := resp.GetPayment()
	intent := &Intent{
		ID:     stringValue(payment.GetID()),
		Status: statusFromSquare(stringValue(payment.GetStatus())),
	}
	g.log(ctx, "response", "lookup_intent", map[string]any{
		"intent_id": intent.ID,
		"status":    string(intent.Status),
	})
	return intent, nil
}

func (g *SquareGateway) idempotencyKey(prefix string, paymentID uuid.UUID) string {
	return fmt.Sprintf("%s-%s", prefix, paymentID.String())
}

func (g *SquareGateway) money(amount decimal.Decimal) *sq.Money {
	cents := amount.Mul(decimal.NewFromInt(100)).IntPart()
	currency := sq.Currency(strings.ToUpper(g.currency))
	if g.currency == "" {
		currency = sq.Currency("USD")
	}
	return &sq.Money{
		Amount:   &cents,
		Currency: &currency,
	}
}

func (g *SquareGateway) log(ctx context.Context, phase, op string, fields map[string]any) {
	if g == nil || g.logger == nil {
		return
	}
	logFields := map[string]any{
		"operation": op,
		"phase":     phase,
	}
	for k, v := range fields {
		logFields[k] = redact(k, v)
	}
	ctx = g.logger.WithFields(ctx, logFields)
	switch phase {
	case "error":
		g.logger.Error(ctx, fmt.Sprintf("escrow %s", op), errors.New(fmt.Sprint(fields["error"])))
	default:
		g.logger.Info(ctx, fmt.Sprintf("escrow %s", phase))
	}
}

func redact(key string, value any) any {
	lower := strings.ToLower(key)
	for _, sensitive := range []string{"card", "nonce", "token", "cvv", "cvc", "secret", "source"} {
		if strings.Contains(lower, sensitive) {
			return "[REDACTED]"
		}
	}
	return value
}

func (g *SquareGateway) mapSquareError(err error, op string) error {
	if err == nil {
		return nil
	}
	var apiErr *sqcore.APIError
	if errors.As(err, &apiErr) {
		code := domainCodeForStatus(apiErr.StatusCode)
		for _, sqErr := range extractSquareErrors(apiErr) {
			if sqErr == nil {
				continue
			}
			if sqErr.Code == sq.ErrorCodeIdempotencyKeyReused {
				code = pkgerrors.CodeIdempotency
				break
			}
			if sqErr.Category == sq.ErrorCategoryAuthenticationError {
				code = pkgerrors.CodeUnauthorized
				break
			}
		}
		return pkgerrors.Wrap(code, err, fmt.Sprintf("escrow %s failed", op))
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("escrow %s failed", op))
}

func extractSquareErrors(apiErr *sqcore.APIError) []*sq.Error {
	if apiErr == nil {
		return nil
	}
	inner := apiErr.Unwrap()
	if inner == nil {
		return nil
	}
	raw := strings.TrimSpace(inner.Error())
	if raw == "" {
		return nil
	}
	var payload struct {
		Errors []*sq.Error `json:"errors"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil
	}
	return payload.Errors
}

func domainCodeForStatus(status int) pkgerrors.Code {
	switch status {
	case http.StatusUnauthorized:
		return pkgerrors.CodeUnauthorized
	case http.StatusForbidden:
		return pkgerrors.CodeForbidden
	case http.StatusNotFound:
		return pkgerrors.CodeNotFound
	case http.StatusConflict:
		return pkgerrors.CodeConflict
	case http.StatusTooManyRequests:
		return pkgerrors.CodeRateLimit
	case http.StatusBadRequest:
		return pkgerrors.CodeValidation
	case http.StatusUnprocessableEntity:
		return pkgerrors.CodeStateConflict
	default:
		if status >= 400 && status < 500 {
			return pkgerrors.CodeValidation
		}
		return pkgerrors.CodeDependency
	}
}

func statusFromSquare(status string) IntentStatus {
	switch strings.ToUpper(status) {
	case "COMPLETED":
		return IntentStatusCompleted
	case "APPROVED", "PENDING":
		return IntentStatusPending
	case "CANCELED", "FAILED":
		return IntentStatusFailed
	default:
		return IntentStatusPending
	}
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func normalizeEnv(env string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(env))
	switch normalized {
	case sandboxEnv, productionEnv:
		return normalized, nil
	case "":
		return sandboxEnv, nil
	default:
		return "", errInvalidEscrowEnv
	}
}
