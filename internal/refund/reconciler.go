package refund

import (
	"context"
	"time"

	"github.com/mileusna/crontab"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/supportdesk/internal/store"
	"github.com/agentoven/supportdesk/pkg/models"
)

// ReconcileJobTimeout bounds one reconciler sweep.
const ReconcileJobTimeout = 5 * time.Minute

// Reconciler re-drives refunds left in refund_processing, e.g. after a
// crash between the ledger write and the gateway's answer.
type Reconciler struct {
	ctab       *crontab.Crontab
	executor   *Executor
	returns    store.ReturnStore
	schedule   string
	staleAfter time.Duration
}

func NewReconciler(executor *Executor, returns store.ReturnStore, schedule string, staleAfter time.Duration) *Reconciler {
	if schedule == "" {
		schedule = "*/5 * * * *"
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &Reconciler{
		ctab:       crontab.New(),
		executor:   executor,
		returns:    returns,
		schedule:   schedule,
		staleAfter: staleAfter,
	}
}

// Run sweeps once, schedules the periodic sweep and blocks until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	r.Sweep(ctx)

	if err := r.ctab.AddJob(r.schedule, func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), ReconcileJobTimeout)
		defer cancel()
		r.Sweep(jobCtx)
	}); err != nil {
		return err
	}
	log.Info().Str("schedule", r.schedule).Dur("stale_after", r.staleAfter).Msg("⏰ Refund reconciler scheduled")

	<-ctx.Done()
	r.ctab.Shutdown()
	return nil
}

// Sweep resumes every stale processing record and returns how many were
// driven to a final state.
func (r *Reconciler) Sweep(ctx context.Context) int {
	stale, err := r.returns.ListReturns(ctx, store.ReturnFilter{
		Status:        models.ReturnRefundProcessing,
		UpdatedBefore: r.executor.now().Add(-r.staleAfter),
		Limit:         100,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to list stale refunds")
		return 0
	}
	resolved := 0
	for _, rec := range stale {
		out, err := r.executor.Resume(ctx, rec.ID)
		if err != nil {
			log.Error().Err(err).Str("return_id", rec.ID).Msg("Failed to resume refund")
			continue
		}
		if out.Action == ActionRefunded || out.Action == ActionRefundFailed || out.Action == ActionPaymentNotReady {
			resolved++
		}
	}
	if len(stale) > 0 {
		log.Info().Int("stale", len(stale)).Int("resolved", resolved).Msg("Refund reconciliation sweep finished")
	}
	return resolved
}
