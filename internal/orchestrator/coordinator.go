package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"insight-orchestrator/internal/contextcache"
	"insight-orchestrator/internal/models"
	"insight-orchestrator/internal/queue"
	"insight-orchestrator/internal/telemetry"
)

// Coordinator validates and creates jobs, reserves funds, seeds the shared
// context, and fans the items out to the worker pool. It returns as soon as
// dispatch succeeds; all further progress is asynchronous.
type Coordinator struct {
	store      Store
	ledger     Ledger
	dispatcher Dispatcher
	seeder     ContextSeeder
	seedWait   time.Duration
	log        *zap.Logger
}

// NewCoordinator wires the coordinator. seeder may be nil to skip cache
// warm-up entirely.
func NewCoordinator(st Store, lg Ledger, d Dispatcher, seeder ContextSeeder, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		store:      st,
		ledger:     lg,
		dispatcher: d,
		seeder:     seeder,
		seedWait:   30 * time.Second,
		log:        log,
	}
}

// StartJob creates and dispatches one unlock job. On a duplicate active job
// it returns the existing handle together with models.ErrDuplicateJob; on an
// uncoverable balance it returns models.ErrInsufficientFunds before any job
// or item rows exist.
func (c *Coordinator) StartJob(ctx context.Context, conversationID, categoryID, userID string, items []models.ItemRequest) (models.Job, error) {
	if len(items) == 0 {
		return models.Job{}, fmt.Errorf("start job: no items requested")
	}

	if existing, found, err := c.store.ActiveJob(ctx, conversationID, categoryID); err != nil {
		return models.Job{}, fmt.Errorf("check active job: %w", err)
	} else if found {
		return existing, models.ErrDuplicateJob
	}

	totalCost := decimal.Zero
	itemTypes := make([]string, 0, len(items))
	for _, it := range items {
		totalCost = totalCost.Add(it.Cost)
		itemTypes = append(itemTypes, it.ItemTypeID)
	}

	reservation, err := c.ledger.Reserve(ctx, userID, totalCost)
	if err != nil {
		return models.Job{}, err
	}

	job := models.Job{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		CategoryID:     categoryID,
		UserID:         userID,
		ReservationID:  reservation.ID,
		TotalCost:      totalCost,
	}
	job, created, existed, err := c.store.CreateJobWithItems(ctx, job, itemTypes)
	if err != nil {
		err = fmt.Errorf("create job: %w", err)
		// The reservation has no job yet; give the hold back rather than
		// waiting on the sweeper.
		if _, relErr := c.ledger.Release(ctx, reservation.ID, job.ID, "create_failed"); relErr != nil {
			c.log.Error("release reservation after create failure", zap.String("reservation_id", reservation.ID), zap.Error(relErr))
		}
		return models.Job{}, err
	}
	if existed {
		if _, relErr := c.ledger.Release(ctx, reservation.ID, job.ID, "duplicate"); relErr != nil {
			c.log.Error("release reservation after duplicate race", zap.String("reservation_id", reservation.ID), zap.Error(relErr))
		}
		return job, models.ErrDuplicateJob
	}

	if len(created) == 0 {
		// Every requested item already exists from earlier generation;
		// there is nothing to pay for.
		if _, relErr := c.ledger.Release(ctx, reservation.ID, job.ID, "already_generated"); relErr != nil {
			c.log.Error("release reservation for empty job", zap.String("reservation_id", reservation.ID), zap.Error(relErr))
		}
		if err := c.store.SetJobOutcome(ctx, job.ID, models.JobCompleted); err != nil {
			return models.Job{}, fmt.Errorf("complete empty job: %w", err)
		}
		job.Status = models.JobCompleted
		return job, nil
	}

	cacheKey := contextcache.Key{ConversationID: conversationID, CategoryID: categoryID}
	c.seedCache(ctx, cacheKey)

	for _, item := range created {
		d := queue.Dispatch{ItemID: item.ID, JobID: job.ID, CacheKey: cacheKey.String()}
		if err := c.dispatcher.Enqueue(ctx, d, time.Now()); err != nil {
			return models.Job{}, fmt.Errorf("dispatch item %s: %w", item.ID, err)
		}
	}
	if err := c.store.MarkJobRunning(ctx, job.ID); err != nil {
		return models.Job{}, fmt.Errorf("mark job running: %w", err)
	}
	job.Status = models.JobRunning
	telemetry.JobsStarted.Inc()
	c.log.Info("job dispatched",
		zap.String("job_id", job.ID),
		zap.String("conversation_id", conversationID),
		zap.String("category_id", categoryID),
		zap.Int("items", len(created)),
		zap.String("total_cost", totalCost.String()))
	return job, nil
}

// seedCache warms the shared context without blocking dispatch. Failures
// are logged and dropped: workers recompute on miss. Hints come from the
// key so the seeded payload matches what a worker would compute.
func (c *Coordinator) seedCache(ctx context.Context, key contextcache.Key) {
	if c.seeder == nil {
		return
	}
	seedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.seedWait)
	go func() {
		defer cancel()
		if err := c.seeder.Seed(seedCtx, key, key.Hints()); err != nil {
			c.log.Warn("context precompute failed, workers will recompute",
				zap.String("key", key.String()), zap.Error(err))
		}
	}()
}

// GetJobStatus is the client polling surface. The counters can dip by one
// across an item retry; see RetryItem.
func (c *Coordinator) GetJobStatus(ctx context.Context, jobID string) (models.JobStatusView, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return models.JobStatusView{}, err
	}
	view := models.JobStatusView{
		JobID:          job.ID,
		Status:         job.Status,
		TotalItems:     job.TotalItems,
		CompletedItems: job.CompletedItems,
		FailedItems:    job.FailedItems,
	}
	if job.Status == models.JobRunning {
		// Crude but honest: the job cannot take longer than the hard
		// per-item budget, items run concurrently.
		eta := time.Now().Add(2 * time.Minute)
		view.ETA = &eta
	}
	return view, nil
}

// RetryItem re-dispatches one failed item of a partial_failure job and
// re-arms the finalizer barrier. It refuses once the parent reservation is
// settled: charged or released jobs are financially immutable.
func (c *Coordinator) RetryItem(ctx context.Context, itemID string) (models.InsightItem, error) {
	item, err := c.store.GetItem(ctx, itemID)
	if err != nil {
		return models.InsightItem{}, err
	}
	job, err := c.store.GetJob(ctx, item.JobID)
	if err != nil {
		return models.InsightItem{}, err
	}
	reservation, err := c.ledger.Reservation(ctx, job.ReservationID)
	if err != nil {
		return models.InsightItem{}, err
	}
	if reservation.Status != models.ReservationActive {
		return models.InsightItem{}, models.ErrReservationSettled
	}

	item, job, err = c.store.ReopenForRetry(ctx, itemID)
	if err != nil {
		return models.InsightItem{}, err
	}

	cacheKey := contextcache.Key{ConversationID: job.ConversationID, CategoryID: job.CategoryID}
	d := queue.Dispatch{ItemID: item.ID, JobID: job.ID, CacheKey: cacheKey.String()}
	if err := c.dispatcher.Enqueue(ctx, d, time.Now()); err != nil {
		return models.InsightItem{}, fmt.Errorf("re-dispatch item %s: %w", item.ID, err)
	}
	c.log.Info("item retry dispatched", zap.String("item_id", item.ID), zap.String("job_id", job.ID))
	return item, nil
}
