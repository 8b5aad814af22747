package payments

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/stagepay/stagepay-backend/pkg/config"
	"github.com/stagepay/stagepay-backend/pkg/db/models"
	"github.com/stagepay/stagepay-backend/pkg/enums"
	pkgerrors "github.com/stagepay/stagepay-backend/pkg/errors"
	"github.com/stagepay/stagepay-backend/pkg/escrow"
	"github.com/stagepay/stagepay-backend/pkg/logger"
	"github.com/stagepay/stagepay-backend/pkg/metrics"
)

const reconcilerWorkerName = "payment_reconciler"

// Reconciler sweeps payments stuck in processing and resolves them against
// the gateway's view. A payment gets stuck when the process dies between
// handing the charge to the gateway and receiving the confirmation, or when
// a webhook never arrives.
type Reconciler struct {
	svc     Service
	repo    Repository
	gateway escrow.Gateway
	logg    *logger.Logger
	metrics *metrics.WorkerMetrics
	cfg     config.ReconcilerConfig
}

// NewReconciler builds the reconciler worker.
func NewReconciler(
	svc Service,
	repository Repository,
	gateway escrow.Gateway,
	logg *logger.Logger,
	workerMetrics *metrics.WorkerMetrics,
	cfg config.ReconcilerConfig,
) *Reconciler {
	return &Reconciler{
		svc:     svc,
		repo:    repository,
		gateway: gateway,
		logg:    logg,
		metrics: workerMetrics,
		cfg:     cfg,
	}
}

// Run polls until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	interval := r.cfg.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			resolved, err := r.RunOnce(ctx)
			r.metrics.ObserveDuration(reconcilerWorkerName, time.Since(start))
			if err != nil {
				r.metrics.IncFailure(reconcilerWorkerName)
				r.logg.Error(ctx, "payment reconcile batch failed", err)
				continue
			}
			r.metrics.IncSuccess(reconcilerWorkerName)
			if resolved > 0 {
				r.logg.Info(r.logg.WithField(ctx, "resolved", resolved), "stuck payments resolved")
			}
		}
	}
}

// RunOnce resolves one batch of stuck payments and reports how many records
// reached a terminal status.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-r.cfg.StuckAfter)
	rows, err := r.repo.FindStuckProcessing(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for i := range rows {
		payment := rows[i]
		if err := r.reconcile(ctx, &payment); err != nil {
			pctx := r.logg.WithField(ctx, "payment_id", payment.ID.String())
			r.logg.Error(pctx, "payment reconcile failed", err)
			continue
		}
		resolved++
	}
	return resolved, nil
}

func (r *Reconciler) reconcile(ctx context.Context, payment *models.Payment) error {
	actor := Actor{Role: enums.ActorRoleSystem}

	// A processing record without a gateway transaction means the charge was
	// never handed off. Nothing was moved, so the record fails cleanly.
	if payment.ExternalTransactionID == nil {
		_, err := r.svc.Fail(ctx, payment.ID, "no gateway transaction recorded", actor)
		return ignoreAlreadyResolved(err)
	}

	intent, err := r.lookupWithRetry(ctx, *payment.ExternalTransactionID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "gateway lookup failed")
	}

	switch intent.Status {
	case escrow.IntentStatusCompleted:
		_, err := r.svc.Confirm(ctx, ConfirmInput{
			PaymentID:             payment.ID,
			ExternalTransactionID: intent.ID,
			Actor:                 actor,
		})
		return ignoreAlreadyResolved(err)
	case escrow.IntentStatusFailed:
		_, err := r.svc.Fail(ctx, payment.ID, "gateway reported failure", actor)
		return ignoreAlreadyResolved(err)
	default:
		// Still pending on the gateway side; the next pass picks it up again.
		return nil
	}
}

func (r *Reconciler) lookupWithRetry(ctx context.Context, transactionID string) (*escrow.Intent, error) {
	backoff := retry.WithMaxRetries(2, retry.NewExponential(250*time.Millisecond))
	var intent *escrow.Intent
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		found, err := r.gateway.Lookup(ctx, transactionID)
		if err != nil {
			return retry.RetryableError(err)
		}
		intent = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return intent, nil
}

// ignoreAlreadyResolved swallows the race where a late webhook settled the
// record between the batch query and the locked transition.
func ignoreAlreadyResolved(err error) error {
	typed := pkgerrors.As(err)
	if typed != nil && typed.Code() == pkgerrors.CodeStateConflict {
		return nil
	}
	return err
}
