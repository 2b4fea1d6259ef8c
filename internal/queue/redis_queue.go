package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"insight-orchestrator/internal/config"
)

// Dispatch is one unit of work delivered to a generation worker. ItemID is
// the message identity; JobID and CacheKey are correlation metadata so the
// worker can signal the right barrier and reuse the shared context.
type Dispatch struct {
	ItemID   string
	JobID    string
	CacheKey string
}

// RedisQueue coordinates ready, in-flight, and scheduled dispatches in
// Redis. Delivery is at-least-once: an expired lease puts the dispatch back
// on the ready queue, so handlers must tolerate redelivery.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	metaPrefix    string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg)
}

// NewRedisQueueWithClient wires the queue onto an existing client (tests).
func NewRedisQueueWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 150 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "dispatch:dlq"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "dispatch:ready",
		inflightKey:   "dispatch:inflight",
		scheduledKey:  "dispatch:scheduled",
		metaPrefix:    "dispatch:meta:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

func (q *RedisQueue) metaKey(itemID string) string {
	return q.metaPrefix + itemID
}

// Enqueue inserts a dispatch into either the scheduled set or the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, d Dispatch, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(d.ItemID), "job_id", d.JobID, "cache_key", d.CacheKey)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: d.ItemID})
	} else {
		pipe.RPush(ctx, q.readyKey, d.ItemID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule moves a dispatch into the scheduled set for deferred delivery,
// which is how fixed-delay item retries are implemented.
func (q *RedisQueue) Schedule(ctx context.Context, d Dispatch, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(d.ItemID), "job_id", d.JobID, "cache_key", d.CacheKey)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: d.ItemID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled dispatches into the ready queue. It
// returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a dispatch from the ready queue and places it into
// inflight with a visibility timeout. A zero-value Dispatch means empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (Dispatch, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return Dispatch{}, nil
	}
	if err != nil {
		return Dispatch{}, err
	}
	itemID, ok := res.(string)
	if !ok {
		return Dispatch{}, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	meta, err := q.client.HGetAll(ctx, q.metaKey(itemID)).Result()
	if err != nil && err != redis.Nil {
		return Dispatch{}, err
	}
	return Dispatch{
		ItemID:   itemID,
		JobID:    meta["job_id"],
		CacheKey: meta["cache_key"],
	}, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight
// dispatch, used when a generation call is allowed to overrun its soft
// timeout.
func (q *RedisQueue) ExtendLease(ctx context.Context, itemID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: itemID,
	}).Err()
}

// Ack removes a dispatch from in-flight tracking. The correlation meta is
// deleted only when the item is not sitting in the scheduled set: a retry
// scheduled by the handler rewrites the meta before the delivery that
// scheduled it gets acked, and the redelivered dispatch still needs it.
func (q *RedisQueue) Ack(ctx context.Context, itemID string) error {
	return ackScript.Run(ctx, q.client,
		[]string{q.inflightKey, q.scheduledKey, q.metaKey(itemID)}, itemID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, itemID string) error {
	return q.client.RPush(ctx, q.dlqKey, itemID).Err()
}

// DLQPeek reads the latest dead-lettered item IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready queue.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var ackScript = redis.NewScript(`
local inflight = KEYS[1]
local scheduled = KEYS[2]
local meta = KEYS[3]
redis.call('ZREM', inflight, ARGV[1])
if redis.call('ZSCORE', scheduled, ARGV[1]) then
  return 0
end
redis.call('DEL', meta)
return 1
`)

var dequeueScript = redis.NewScript(`
local ready = KEYS[1]
local inflight = KEYS[2]
local item = redis.call('LPOP', ready)
if item then
  redis.call('ZADD', inflight, ARGV[1], item)
  return item
end
return nil
`)
