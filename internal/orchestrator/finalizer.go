package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"insight-orchestrator/internal/models"
	"insight-orchestrator/internal/telemetry"
)

// Finalizer is the join barrier. Every item settlement signals it; only the
// signal that closes the counters and wins the finalize compare-and-swap
// executes the charge/refund branch. Safe under concurrent and duplicated
// signals from at-least-once delivery.
type Finalizer struct {
	store  Store
	ledger Ledger
	log    *zap.Logger
}

// NewFinalizer builds the barrier over the shared store and ledger.
func NewFinalizer(st Store, lg Ledger, log *zap.Logger) *Finalizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Finalizer{store: st, ledger: lg, log: log}
}

// OnItemSettled records one terminal item transition and, if it was the
// last outstanding one, settles the job. The signal is idempotent:
// duplicate invocations for the same transition fall out at the counted
// guard in the store, and only one caller can win the finalize CAS.
func (f *Finalizer) OnItemSettled(ctx context.Context, jobID, itemID string, failed bool) error {
	job, err := f.store.RecordSettlement(ctx, jobID, itemID, failed)
	if err != nil {
		return fmt.Errorf("record settlement for item %s: %w", itemID, err)
	}
	if job.CompletedItems+job.FailedItems < job.TotalItems {
		return nil
	}

	job, won, err := f.store.TryBeginFinalize(ctx, jobID)
	if err != nil {
		return fmt.Errorf("finalize cas: %w", err)
	}
	if !won {
		return nil
	}
	return f.settle(ctx, job)
}

// settle executes the aggregate decision for a barrier winner. A ledger
// failure here re-opens the barrier so the next duplicate settlement signal
// can retry the same decision; the expiry sweeper remains the last resort
// when no signal ever arrives.
func (f *Finalizer) settle(ctx context.Context, job models.Job) error {
	switch Decide(job.FailedItems, job.TotalItems) {
	case OutcomeCharge:
		if _, err := f.ledger.Charge(ctx, job.ReservationID, job.ID); err != nil {
			f.reopen(ctx, job.ID)
			return fmt.Errorf("charge reservation %s: %w", job.ReservationID, err)
		}
		if err := f.store.SetJobOutcome(ctx, job.ID, models.JobCompleted); err != nil {
			return err
		}
		telemetry.Charges.Inc()
		telemetry.JobsCompleted.Inc()
		f.log.Info("job completed, reservation charged",
			zap.String("job_id", job.ID), zap.String("amount", job.TotalCost.String()))

	case OutcomeRefund:
		if _, err := f.ledger.Release(ctx, job.ReservationID, job.ID, "failure_ratio"); err != nil {
			f.reopen(ctx, job.ID)
			return fmt.Errorf("release reservation %s: %w", job.ReservationID, err)
		}
		if err := f.store.SetJobOutcome(ctx, job.ID, models.JobFailed); err != nil {
			return err
		}
		telemetry.Refunds.Inc()
		telemetry.JobsFailed.Inc()
		f.log.Info("job failed, reservation released",
			zap.String("job_id", job.ID),
			zap.Int("failed", job.FailedItems), zap.Int("total", job.TotalItems))

	case OutcomePartial:
		// Reservation stays active. Resolution comes from RetryItem or
		// the expiry sweeper, nowhere else.
		if err := f.store.SetJobOutcome(ctx, job.ID, models.JobPartialFailure); err != nil {
			return err
		}
		telemetry.JobsPartial.Inc()
		f.log.Info("job parked in partial_failure",
			zap.String("job_id", job.ID),
			zap.Int("failed", job.FailedItems), zap.Int("total", job.TotalItems))
	}
	return nil
}

// reopen hands the barrier back after a failed ledger call. Without this a
// job whose items all succeeded would eventually be refunded by the sweeper
// because no signal could ever retry the charge.
func (f *Finalizer) reopen(ctx context.Context, jobID string) {
	if err := f.store.ResetFinalize(ctx, jobID); err != nil {
		f.log.Error("reset finalize flag", zap.String("job_id", jobID), zap.Error(err))
	}
}
