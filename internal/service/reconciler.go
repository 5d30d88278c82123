package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"purchase-processor/internal/metrics"
	"purchase-processor/internal/model"
	"purchase-processor/internal/money"
	"purchase-processor/internal/provider"
	"purchase-processor/internal/repository"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	reconcileBatch = 100
	// feeLookback bounds how far back estimated fees are re-read.
	feeLookback = 30 * 24 * time.Hour
)

type ReconcilerOptions struct {
	Schedule     string
	PendingAfter time.Duration
}

// Reconciler periodically settles purchases whose provider outcome was never
// received and replaces estimated fees once the provider reports them.
type Reconciler struct {
	orchestrator Orchestrator
	transactions repository.TransactionRepository
	providers    *provider.Registry
	normalizer   *money.Normalizer
	opts         ReconcilerOptions
	cron         *cron.Cron
	now          func() time.Time
}

func NewReconciler(orchestrator Orchestrator, transactions repository.TransactionRepository, providers *provider.Registry, normalizer *money.Normalizer, opts ReconcilerOptions) *Reconciler {
	logger := cronLogger{}
	return &Reconciler{
		orchestrator: orchestrator,
		transactions: transactions,
		providers:    providers,
		normalizer:   normalizer,
		opts:         opts,
		cron:         cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) Start() error {
	if _, err := r.cron.AddFunc(r.opts.Schedule, r.run); err != nil {
		return fmt.Errorf("schedule reconciler %q: %w", r.opts.Schedule, err)
	}
	r.cron.Start()
	log.Info().Str("schedule", r.opts.Schedule).Msg("reconciler started")
	return nil
}

// Stop waits for a running sweep to finish or ctx to expire.
func (r *Reconciler) Stop(ctx context.Context) {
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (r *Reconciler) run() {
	ctx := context.Background()
	r.track("confirm_pending", r.ConfirmPendingPurchases(ctx))
	r.track("correct_fees", r.CorrectEstimatedFees(ctx))
}

func (r *Reconciler) track(job string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		log.Error().Err(err).Str("job", job).Msg("reconcile sweep failed")
	}
	metrics.ReconcileRuns.WithLabelValues(job, result).Inc()
}

// ConfirmPendingPurchases reads back every purchase left pending longer than
// PendingAfter. Individual failures are logged and the sweep continues.
func (r *Reconciler) ConfirmPendingPurchases(ctx context.Context) error {
	pending, err := r.transactions.ListPendingPurchases(ctx, r.now().Add(-r.opts.PendingAfter), reconcileBatch)
	if err != nil {
		return fmt.Errorf("list pending purchases: %w", err)
	}
	for _, tx := range pending {
		res := r.orchestrator.ConfirmPending(ctx, tx.ID)
		ev := log.Debug()
		if res.Status == StatusSuccess {
			ev = log.Info()
		}
		if res.Err != nil {
			ev = ev.Str("error_kind", string(res.Err.Kind)).Str("reason", res.Err.Message)
		}
		ev.Str("transaction_uuid", tx.UUID).Str("status", string(res.Status)).Msg("pending purchase checked")
	}
	return nil
}

// CorrectEstimatedFees replaces flat-rate fees on purchases and refunds with
// the fee the provider reported once the money settled. Providers that never
// report fees are skipped so their records do not fill every batch.
func (r *Reconciler) CorrectEstimatedFees(ctx context.Context) error {
	txs, err := r.transactions.ListEstimatedFees(ctx, r.providers.FeeReporting(), r.now().Add(-feeLookback), reconcileBatch)
	if err != nil {
		return fmt.Errorf("list estimated fees: %w", err)
	}
	for _, tx := range txs {
		if err := r.correctFee(ctx, tx); err != nil {
			log.Warn().Err(err).Str("transaction_uuid", tx.UUID).Msg("estimated fee not corrected")
		}
	}
	return nil
}

func (r *Reconciler) correctFee(ctx context.Context, tx *model.Transaction) error {
	adapter, ok := r.providers.Get(tx.Provider)
	if !ok {
		return fmt.Errorf("unknown provider %q", tx.Provider)
	}
	fee, feeUSD, err := r.reportedFee(ctx, adapter, tx)
	if errors.Is(err, provider.ErrUnsupported) {
		return nil
	}
	if err != nil {
		return err
	}
	if fee == nil && feeUSD == nil {
		return nil
	}

	before := tx.ProcessingFeeUSD
	tx.Amounts = r.normalizer.WithReportedFee(tx.Amounts, tx.Currency, fee, feeUSD)
	if err := r.transactions.Save(ctx, nil, tx); err != nil {
		return fmt.Errorf("save %s: %w", tx.Kind, err)
	}
	log.Info().
		Str("transaction_uuid", tx.UUID).
		Str("kind", string(tx.Kind)).
		Str("estimated_fee_usd", before.String()).
		Str("reported_fee_usd", tx.ProcessingFeeUSD.String()).
		Msg("processing fee corrected")
	return nil
}

func (r *Reconciler) reportedFee(ctx context.Context, adapter provider.Adapter, tx *model.Transaction) (fee, feeUSD *decimal.Decimal, err error) {
	if tx.Kind == model.KindRefund {
		res, err := adapter.LookupRefund(ctx, tx.ProviderID)
		if err != nil {
			return nil, nil, fmt.Errorf("lookup refund %s: %w", tx.ProviderID, err)
		}
		return res.Fee, res.FeeSettlement, nil
	}
	lk, err := adapter.LookupCharge(ctx, tx)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup charge %s: %w", tx.ProviderID, err)
	}
	if lk.Charge == nil {
		return nil, nil, nil
	}
	return lk.Charge.Fee, lk.Charge.FeeSettlement, nil
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Str("component", "cron").Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Str("component", "cron").Msg(msg)
}
