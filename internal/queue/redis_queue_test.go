package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"insight-orchestrator/internal/config"
)

func testQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisQueueWithClient(client, config.Config{VisibilityTimeout: 150 * time.Second}), mr
}

func TestEnqueueDequeueCarriesMeta(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	d := Dispatch{ItemID: "item-1", JobID: "job-1", CacheKey: "conv-1:cat-1"}
	if err := q.Enqueue(ctx, d, time.Now()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	depth, err := q.ReadyDepth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("ReadyDepth = (%d, %v), want (1, nil)", depth, err)
	}

	got, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("DequeueWithLease: %v", err)
	}
	if got != d {
		t.Fatalf("dequeued %+v, want %+v", got, d)
	}

	// Queue is drained; the dispatch sits in-flight, not ready.
	empty, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("second DequeueWithLease: %v", err)
	}
	if empty.ItemID != "" {
		t.Fatalf("dequeued %+v from an empty queue", empty)
	}
}

func TestScheduledDispatchWaitsForPromotion(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	d := Dispatch{ItemID: "item-1", JobID: "job-1", CacheKey: "conv-1:cat-1"}
	runAt := time.Now().Add(5 * time.Second)
	if err := q.Schedule(ctx, d, runAt); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// Not due yet.
	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	if err != nil || n != 0 {
		t.Fatalf("early promote = (%d, %v), want (0, nil)", n, err)
	}
	if got, _ := q.DequeueWithLease(ctx); got.ItemID != "" {
		t.Fatalf("dequeued %+v before promotion", got)
	}

	// Due: promoted onto the ready queue with meta intact.
	n, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	if err != nil || n != 1 {
		t.Fatalf("promote = (%d, %v), want (1, nil)", n, err)
	}
	got, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("DequeueWithLease: %v", err)
	}
	if got != d {
		t.Fatalf("dequeued %+v, want %+v", got, d)
	}
}

func TestExpiredLeaseIsRedelivered(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	d := Dispatch{ItemID: "item-1", JobID: "job-1", CacheKey: "conv-1:cat-1"}
	if err := q.Enqueue(ctx, d, time.Now()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("DequeueWithLease: %v", err)
	}

	// Lease still live: nothing to reclaim.
	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("early RequeueExpired = (%v, %v), want none", ids, err)
	}

	// Past the visibility deadline the dispatch comes back.
	ids, err = q.RequeueExpired(ctx, time.Now().Add(151*time.Second), 10)
	if err != nil {
		t.Fatalf("RequeueExpired: %v", err)
	}
	if len(ids) != 1 || ids[0] != "item-1" {
		t.Fatalf("reclaimed %v, want [item-1]", ids)
	}
	got, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("DequeueWithLease after reclaim: %v", err)
	}
	if got != d {
		t.Fatalf("redelivered %+v, want %+v", got, d)
	}
}

func TestExtendLeaseDelaysReclaim(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, Dispatch{ItemID: "item-1", JobID: "job-1"}, time.Now()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("DequeueWithLease: %v", err)
	}
	if err := q.ExtendLease(ctx, "item-1", 10*time.Minute); err != nil {
		t.Fatalf("ExtendLease: %v", err)
	}

	ids, err := q.RequeueExpired(ctx, time.Now().Add(151*time.Second), 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("RequeueExpired after extension = (%v, %v), want none", ids, err)
	}
	ids, err = q.RequeueExpired(ctx, time.Now().Add(11*time.Minute), 10)
	if err != nil || len(ids) != 1 {
		t.Fatalf("RequeueExpired past extension = (%v, %v), want one", ids, err)
	}
}

func TestAckRemovesInflightAndMeta(t *testing.T) {
	q, mr := testQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, Dispatch{ItemID: "item-1", JobID: "job-1", CacheKey: "k"}, time.Now()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("DequeueWithLease: %v", err)
	}
	if err := q.Ack(ctx, "item-1"); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("RequeueExpired after ack = (%v, %v), want none", ids, err)
	}
	if mr.Exists("dispatch:meta:item-1") {
		t.Fatal("meta key survived ack")
	}
}

func TestScheduledRetrySurvivesAckOfPriorDelivery(t *testing.T) {
	q, mr := testQueue(t)
	ctx := context.Background()

	// Full transient-failure cycle: deliver, schedule the retry, then ack
	// the original delivery. The retry must come back with its correlation
	// meta intact.
	d := Dispatch{ItemID: "item-1", JobID: "job-1", CacheKey: "conv-1:cat-1"}
	if err := q.Enqueue(ctx, d, time.Now()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("DequeueWithLease: %v", err)
	}
	runAt := time.Now().Add(5 * time.Second)
	if err := q.Schedule(ctx, d, runAt); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := q.Ack(ctx, d.ItemID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	n, err := q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	if err != nil || n != 1 {
		t.Fatalf("PromoteScheduled = (%d, %v), want (1, nil)", n, err)
	}
	got, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("DequeueWithLease after promotion: %v", err)
	}
	if got != d {
		t.Fatalf("retry dispatch = %+v, want %+v", got, d)
	}

	// Once the retry itself completes, ack cleans the meta for real.
	if err := q.Ack(ctx, d.ItemID); err != nil {
		t.Fatalf("final Ack: %v", err)
	}
	if mr.Exists("dispatch:meta:item-1") {
		t.Fatal("meta key survived the final ack")
	}
}

func TestDLQRoundTrip(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	for _, id := range []string{"item-1", "item-2"} {
		if err := q.DLQPush(ctx, id); err != nil {
			t.Fatalf("DLQPush(%s): %v", id, err)
		}
	}
	ids, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("DLQPeek: %v", err)
	}
	if len(ids) != 2 || ids[0] != "item-1" || ids[1] != "item-2" {
		t.Fatalf("DLQPeek = %v, want [item-1 item-2]", ids)
	}
}
