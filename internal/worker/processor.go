package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"insight-orchestrator/internal/config"
	"insight-orchestrator/internal/queue"
	"insight-orchestrator/internal/telemetry"
)

// Handler executes one delivered dispatch.
type Handler func(ctx context.Context, d queue.Dispatch) error

// Processor drives the worker execution loop: queue maintenance, dequeue
// with lease, handler execution, ack. Handler errors leave the message
// in-flight so lease expiry redelivers it; at-least-once semantics are the
// handler's problem, which it solves with the item claim guard.
type Processor struct {
	cfg     config.Config
	queue   *queue.RedisQueue
	store   Store
	handler Handler
	log     *zap.Logger
}

// NewProcessor creates the loop around a dispatch handler.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, st Store, handler Handler, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{cfg: cfg, queue: q, store: st, handler: handler, log: log}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.maintain(ctx)

		d, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			p.log.Warn("dequeue failed", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if d.ItemID == "" {
			p.sleep(ctx)
			continue
		}

		telemetry.InFlightGauge.Inc()
		if err := p.handler(ctx, d); err != nil {
			// Leave in-flight; the lease reclaim below will redeliver.
			p.log.Error("dispatch handler failed",
				zap.String("item_id", d.ItemID), zap.String("job_id", d.JobID), zap.Error(err))
			telemetry.InFlightGauge.Dec()
			continue
		}
		if err := p.queue.Ack(ctx, d.ItemID); err != nil {
			p.log.Warn("ack failed", zap.String("item_id", d.ItemID), zap.Error(err))
		}
		telemetry.InFlightGauge.Dec()
	}
}

// maintain promotes due scheduled retries, reclaims expired leases, and
// refreshes the depth gauge. Reclaimed items go back to pending so the
// redelivered dispatch can claim them again.
func (p *Processor) maintain(ctx context.Context) {
	if _, err := p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize)); err != nil {
		p.log.Warn("promote scheduled failed", zap.Error(err))
	}
	reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100)
	if err != nil {
		p.log.Warn("lease reclaim failed", zap.Error(err))
	}
	for _, id := range reclaimed {
		if err := p.store.ReleaseClaim(ctx, id); err != nil {
			p.log.Warn("release stalled claim failed", zap.String("item_id", id), zap.Error(err))
		}
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

func (p *Processor) sleep(ctx context.Context) {
	interval := p.cfg.WorkerPollInterval
	if interval == 0 {
		interval = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(interval):
	}
}
