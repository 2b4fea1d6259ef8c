package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"insight-orchestrator/internal/models"
	"insight-orchestrator/internal/telemetry"
)

// JobStore is the job-side surface the sweeper needs to force-fail jobs
// whose reservation expired underneath them.
type JobStore interface {
	JobByReservation(ctx context.Context, reservationID string) (models.Job, bool, error)
	ForceFailJob(ctx context.Context, jobID string) error
}

// Sweeper periodically releases reservations past their hold deadline. It is
// the only automatic resolution for jobs stuck in partial_failure: when the
// hold lapses, the money goes back and the job is forced to failed. Whether
// such jobs should auto-resolve earlier is an open product question.
type Sweeper struct {
	manager  *Manager
	jobs     JobStore
	interval time.Duration
	batch    int
	log      *zap.Logger
}

// NewSweeper builds a sweeper over the ledger manager.
func NewSweeper(m *Manager, jobs JobStore, interval time.Duration, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	if interval == 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{manager: m, jobs: jobs, interval: interval, batch: 100, log: log}
}

// Run sweeps on a fixed ticker until context cancellation.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.SweepExpired(ctx, time.Now().UTC()); err != nil {
				s.log.Warn("expiry sweep failed", zap.Error(err))
			} else if n > 0 {
				s.log.Info("released expired reservations", zap.Int("count", n))
			}
		}
	}
}

// SweepExpired releases every active reservation whose deadline passed and
// force-fails the owning job if it is still unsettled. Returns how many
// reservations were released this pass.
func (s *Sweeper) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.manager.store.ExpiredReservations(ctx, now, s.batch)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, res := range expired {
		job, found, err := s.jobs.JobByReservation(ctx, res.ID)
		if err != nil {
			s.log.Warn("resolve job for expired reservation", zap.String("reservation_id", res.ID), zap.Error(err))
			continue
		}
		reference := ""
		if found {
			reference = job.ID
		}
		ok, err := s.manager.Release(ctx, res.ID, reference, "expired")
		if err != nil {
			s.log.Warn("release expired reservation", zap.String("reservation_id", res.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue // settled between listing and release
		}
		released++
		telemetry.SweeperReleases.Inc()
		if found && !job.Terminal() {
			if err := s.jobs.ForceFailJob(ctx, job.ID); err != nil {
				s.log.Warn("force-fail job after expiry", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
	}
	return released, nil
}
