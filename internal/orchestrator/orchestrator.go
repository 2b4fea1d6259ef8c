// Package orchestrator owns the fan-out/fan-in core: the coordinator that
// turns an unlock request into a reservation plus N dispatched insight
// items, and the finalizer barrier that settles the reservation exactly
// once after the last item resolves.
package orchestrator

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"insight-orchestrator/internal/contextcache"
	"insight-orchestrator/internal/models"
	"insight-orchestrator/internal/queue"
)

// Store is the persistence surface the orchestrator drives. *store.Store
// implements it; scenario tests substitute an in-memory fake.
type Store interface {
	ActiveJob(ctx context.Context, conversationID, categoryID string) (models.Job, bool, error)
	CreateJobWithItems(ctx context.Context, job models.Job, itemTypes []string) (models.Job, []models.InsightItem, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkJobRunning(ctx context.Context, id string) error
	GetItem(ctx context.Context, id string) (models.InsightItem, error)
	RecordSettlement(ctx context.Context, jobID, itemID string, failed bool) (models.Job, error)
	TryBeginFinalize(ctx context.Context, jobID string) (models.Job, bool, error)
	ResetFinalize(ctx context.Context, jobID string) error
	SetJobOutcome(ctx context.Context, jobID, status string) error
	ReopenForRetry(ctx context.Context, itemID string) (models.InsightItem, models.Job, error)
}

// Ledger is the reservation surface consumed by the coordinator, finalizer
// and retry path. *ledger.Manager implements it.
type Ledger interface {
	Reserve(ctx context.Context, userID string, amount decimal.Decimal) (models.Reservation, error)
	Charge(ctx context.Context, reservationID, reference string) (bool, error)
	Release(ctx context.Context, reservationID, reference, reason string) (bool, error)
	Reservation(ctx context.Context, id string) (models.Reservation, error)
}

// Dispatcher fans dispatches out to the worker pool. *queue.RedisQueue
// implements it.
type Dispatcher interface {
	Enqueue(ctx context.Context, d queue.Dispatch, runAt time.Time) error
}

// ContextSeeder warms the shared-context cache ahead of the workers.
// *contextcache.Cache implements it.
type ContextSeeder interface {
	Seed(ctx context.Context, key contextcache.Key, hints []string) error
}
