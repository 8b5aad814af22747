package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/stagepay/stagepay-backend/api/responses"
	escrowwebhook "github.com/stagepay/stagepay-backend/internal/webhooks/escrow"
	"github.com/stagepay/stagepay-backend/pkg/config"
	"github.com/stagepay/stagepay-backend/pkg/escrow"
	pkgerrors "github.com/stagepay/stagepay-backend/pkg/errors"
	"github.com/stagepay/stagepay-backend/pkg/logger"
)

const signatureHeader = "X-Escrow-Hmacsha256-Signature"

type EscrowWebhookService interface {
	HandleEvent(ctx context.Context, event *escrowwebhook.Event) error
}

type escrowWebhookGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Delete(ctx context.Context, eventID string) error
}

// EscrowWebhook handles payment callbacks from the escrow gateway.
// Deliveries are at-least-once; the guard plus the ledger's transition
// checks make replays harmless.
func EscrowWebhook(svc EscrowWebhookService, cfg config.EscrowConfig, guard escrowWebhookGuard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}
		if guard == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "idempotency guard unavailable"))
			return
		}

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		signature := r.Header.Get(signatureHeader)
		if signature == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "signature missing"))
			return
		}
		if err := escrow.VerifyWebhookSignature(cfg.WebhookSecret, cfg.WebhookURL, payload, signature); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var event escrowwebhook.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode event"))
			return
		}

		eventID := strings.TrimSpace(event.EventID)
		if eventID == "" {
			eventID = event.Data.ID
		}
		if eventID == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "event id missing"))
			return
		}

		alreadyProcessed, err := guard.CheckAndMark(ctx, eventID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
			return
		}
		if alreadyProcessed {
			responses.WriteSuccess(w, nil)
			return
		}

		if err := svc.HandleEvent(ctx, &event); err != nil {
			_ = guard.Delete(ctx, eventID)
			responses.WriteError(ctx, logg, w, err)
			return
		}

		logg.Info(logg.WithField(ctx, "event_id", eventID), "escrow event processed")
		responses.WriteSuccess(w, nil)
	}
}
