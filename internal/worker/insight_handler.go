package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"insight-orchestrator/internal/contextcache"
	"insight-orchestrator/internal/models"
	"insight-orchestrator/internal/queue"
	"insight-orchestrator/internal/telemetry"
)

// Store is the item persistence surface the handler drives.
type Store interface {
	GetItem(ctx context.Context, id string) (models.InsightItem, error)
	ClaimItem(ctx context.Context, id string) (models.InsightItem, bool, error)
	CompleteItem(ctx context.Context, id, content string, metricsJSON []byte) (bool, error)
	FailItem(ctx context.Context, id, lastError string) (bool, error)
	RequeueItem(ctx context.Context, id, lastError string) error
	ReleaseClaim(ctx context.Context, id string) error
}

// Settler receives the exactly-one-per-terminal-transition settlement
// signal. *orchestrator.Finalizer implements it.
type Settler interface {
	OnItemSettled(ctx context.Context, jobID, itemID string, failed bool) error
}

// ContextSource resolves shared context for an item. *contextcache.Cache
// implements it.
type ContextSource interface {
	GetOrCompute(ctx context.Context, key contextcache.Key, hints []string) ([]contextcache.Fragment, error)
}

// Archiver persists completed content to cold storage, best effort.
type Archiver interface {
	Store(ctx context.Context, key string, body []byte) error
}

type leaser interface {
	ExtendLease(ctx context.Context, itemID string, extension time.Duration) error
	Schedule(ctx context.Context, d queue.Dispatch, runAt time.Time) error
	DLQPush(ctx context.Context, itemID string) error
}

// HandlerOptions bound one generation attempt and its retry budget.
type HandlerOptions struct {
	SoftTimeout time.Duration // lease extension point
	HardTimeout time.Duration // context cancellation
	MaxRetries  int           // additional attempts after the first
	RetryDelay  time.Duration // fixed delay between attempts
}

func (o HandlerOptions) withDefaults() HandlerOptions {
	if o.SoftTimeout == 0 {
		o.SoftTimeout = 110 * time.Second
	}
	if o.HardTimeout == 0 {
		o.HardTimeout = 120 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 2
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = 5 * time.Second
	}
	return o
}

// InsightHandler processes one dispatched insight item: claim, resolve
// context, generate, persist, settle, signal the barrier.
type InsightHandler struct {
	store     Store
	cache     ContextSource
	retriever contextcache.Retriever
	generator Generator
	settler   Settler
	archive   Archiver
	lease     leaser
	opts      HandlerOptions
	log       *zap.Logger
}

// NewInsightHandler wires the handler. archive may be nil when cold storage
// is unconfigured.
func NewInsightHandler(st Store, cache ContextSource, retriever contextcache.Retriever, gen Generator, settler Settler, archive Archiver, lease leaser, opts HandlerOptions, log *zap.Logger) *InsightHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &InsightHandler{
		store:     st,
		cache:     cache,
		retriever: retriever,
		generator: gen,
		settler:   settler,
		archive:   archive,
		lease:     lease,
		opts:      opts.withDefaults(),
		log:       log,
	}
}

// Handle runs one delivery of a dispatch. Duplicate deliveries collapse to
// no-ops on the claim guard. A nil return acks the message; retries travel
// through the scheduled queue, not through redelivery of this message.
func (h *InsightHandler) Handle(ctx context.Context, d queue.Dispatch) error {
	item, claimed, err := h.store.ClaimItem(ctx, d.ItemID)
	if err != nil {
		return err
	}
	if !claimed {
		// Already terminal, or a stalled claim the reclaim loop will
		// reset. Re-signal terminal items in case a previous delivery
		// crashed between the transition and the barrier signal; the
		// counted guard collapses duplicates.
		existing, err := h.store.GetItem(ctx, d.ItemID)
		if err != nil {
			return err
		}
		switch existing.Status {
		case models.ItemCompleted:
			return h.settler.OnItemSettled(ctx, d.JobID, existing.ID, false)
		case models.ItemFailed:
			return h.settler.OnItemSettled(ctx, d.JobID, existing.ID, true)
		}
		return nil
	}

	fragments, err := h.resolveContext(ctx, d)
	if err != nil {
		return h.handleFailure(ctx, item, d, err)
	}

	result, err := h.generate(ctx, item, fragments)
	if err != nil {
		return h.handleFailure(ctx, item, d, err)
	}

	metricsJSON, err := json.Marshal(result.Metrics)
	if err != nil {
		metricsJSON = []byte("{}")
	}
	settled, err := h.store.CompleteItem(ctx, item.ID, result.Content, metricsJSON)
	if err != nil {
		return err
	}
	if !settled {
		return nil // lost the transition race to a duplicate attempt
	}
	telemetry.ItemsCompleted.Inc()
	h.archiveContent(ctx, item, result.Content)
	return h.settler.OnItemSettled(ctx, d.JobID, item.ID, false)
}

// resolveContext goes through the shared cache first and falls back to a
// direct retrieval when the cache path fails. No job-wide coordination is
// needed for the fallback.
func (h *InsightHandler) resolveContext(ctx context.Context, d queue.Dispatch) ([]contextcache.Fragment, error) {
	key, err := contextcache.ParseKey(d.CacheKey)
	if err != nil {
		return nil, err
	}
	hints := key.Hints()
	fragments, err := h.cache.GetOrCompute(ctx, key, hints)
	if err == nil {
		return fragments, nil
	}
	h.log.Warn("cache path failed, retrieving directly",
		zap.String("item_id", d.ItemID), zap.Error(err))
	fragments, err = h.retriever.Retrieve(ctx, key.ConversationID, hints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrRetrievalUnavailable, err)
	}
	return fragments, nil
}

// generate invokes the opaque work function under the hard deadline,
// extending the queue lease at the soft deadline so an overrunning call is
// not redelivered mid-flight.
func (h *InsightHandler) generate(ctx context.Context, item models.InsightItem, fragments []contextcache.Fragment) (Result, error) {
	genCtx, cancel := context.WithTimeout(ctx, h.opts.HardTimeout)
	defer cancel()

	soft := time.AfterFunc(h.opts.SoftTimeout, func() {
		if err := h.lease.ExtendLease(ctx, item.ID, h.opts.HardTimeout); err != nil {
			h.log.Warn("lease extension failed", zap.String("item_id", item.ID), zap.Error(err))
		}
	})
	defer soft.Stop()

	started := time.Now()
	result, err := h.generator.Generate(genCtx, item, fragments)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(genCtx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w after %s", models.ErrGenerationTimeout, time.Since(started).Round(time.Millisecond))
		}
		return Result{}, err
	}
	if result.Metrics.Latency == 0 {
		result.Metrics.Latency = time.Since(started)
	}
	return result, nil
}

// handleFailure routes one failed attempt: transient errors with budget
// left go back through the scheduled queue at a fixed delay; everything
// else settles the item as failed and signals the barrier.
func (h *InsightHandler) handleFailure(ctx context.Context, item models.InsightItem, d queue.Dispatch, genErr error) error {
	attemptsAllowed := 1 + h.opts.MaxRetries
	if models.Transient(genErr) && item.AttemptCount < attemptsAllowed {
		if err := h.store.RequeueItem(ctx, item.ID, genErr.Error()); err != nil {
			return err
		}
		if err := h.lease.Schedule(ctx, d, time.Now().Add(h.opts.RetryDelay)); err != nil {
			return err
		}
		telemetry.ItemRetries.Inc()
		h.log.Info("item re-queued",
			zap.String("item_id", item.ID),
			zap.Int("attempt", item.AttemptCount),
			zap.Error(genErr))
		return nil
	}

	settled, err := h.store.FailItem(ctx, item.ID, genErr.Error())
	if err != nil {
		return err
	}
	if !settled {
		return nil
	}
	telemetry.ItemsFailed.Inc()
	// Dead-letter record for operator triage; the item row stays the source
	// of truth.
	if err := h.lease.DLQPush(ctx, item.ID); err != nil {
		h.log.Warn("dlq push failed", zap.String("item_id", item.ID), zap.Error(err))
	}
	h.log.Warn("item failed terminally",
		zap.String("item_id", item.ID),
		zap.Int("attempts", item.AttemptCount),
		zap.Error(genErr))
	return h.settler.OnItemSettled(ctx, d.JobID, item.ID, true)
}

func (h *InsightHandler) archiveContent(ctx context.Context, item models.InsightItem, content string) {
	if h.archive == nil {
		return
	}
	key := fmt.Sprintf("insights/%s/%s.md", item.ConversationID, item.ID)
	if err := h.archive.Store(ctx, key, []byte(content)); err != nil {
		h.log.Warn("content archive failed", zap.String("item_id", item.ID), zap.Error(err))
	}
}
