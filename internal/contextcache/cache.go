package contextcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"insight-orchestrator/internal/telemetry"
)

// Fragment is one retrieved context block, ordered by relevance.
type Fragment struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Retriever is the external semantic-search collaborator. Unavailability
// should be reported as (or wrapped around) models.ErrRetrievalUnavailable.
type Retriever interface {
	Retrieve(ctx context.Context, conversationID string, hints []string) ([]Fragment, error)
}

// Key identifies one shared-context computation.
type Key struct {
	ConversationID string
	CategoryID     string
}

// String renders the cache key; also used as the queue correlation value.
func (k Key) String() string {
	return k.ConversationID + ":" + k.CategoryID
}

// Hints are the retrieval hints derived from a key. Seeding and miss
// recomputation must use the same hints, otherwise the payload stored under
// a key would depend on which path computed it.
func (k Key) Hints() []string {
	return []string{k.CategoryID}
}

// ParseKey splits a rendered key back into its parts.
func ParseKey(s string) (Key, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return Key{ConversationID: s[:i], CategoryID: s[i+1:]}, nil
		}
	}
	return Key{}, fmt.Errorf("malformed cache key %q", s)
}

// Cache memoizes retrieval results per (conversation, category) key with a
// fixed TTL. Correctness never depends on a single computation: concurrent
// misses may each recompute. The per-key lock only trims duplicate work, and
// failing to obtain it falls straight through to a direct compute.
type Cache struct {
	client    *redis.Client
	locker    *redislock.Client
	retriever Retriever
	prefix    string
	ttl       time.Duration
	lockTTL   time.Duration
	log       *zap.Logger
}

// Options configures the cache.
type Options struct {
	Prefix  string
	TTL     time.Duration
	LockTTL time.Duration
}

// New builds a cache over the given Redis client and retriever.
func New(client *redis.Client, retriever Retriever, opts Options, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Prefix == "" {
		opts.Prefix = "ctx:"
	}
	if opts.TTL == 0 {
		opts.TTL = 30 * time.Minute
	}
	if opts.LockTTL == 0 {
		opts.LockTTL = 30 * time.Second
	}
	return &Cache{
		client:    client,
		locker:    redislock.New(client),
		retriever: retriever,
		prefix:    opts.Prefix,
		ttl:       opts.TTL,
		lockTTL:   opts.LockTTL,
		log:       log,
	}
}

func (c *Cache) redisKey(k Key) string {
	return c.prefix + k.String()
}

// GetOrCompute returns the cached fragments for key, computing and storing
// them on miss. Retrieval errors propagate; callers have their own per-item
// fallback.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, hints []string) ([]Fragment, error) {
	if frags, ok, err := c.get(ctx, key); err != nil {
		c.log.Warn("context cache read failed", zap.String("key", key.String()), zap.Error(err))
	} else if ok {
		telemetry.CacheHits.Inc()
		return frags, nil
	}
	telemetry.CacheMisses.Inc()

	// Best-effort single-flight across processes. ErrNotObtained means a
	// peer is computing; duplicate work is acceptable, so compute anyway.
	lock, err := c.locker.Obtain(ctx, c.redisKey(key)+":lock", c.lockTTL, nil)
	if err == nil {
		defer func() { _ = lock.Release(ctx) }()
	} else if !errors.Is(err, redislock.ErrNotObtained) {
		c.log.Warn("context cache lock failed", zap.String("key", key.String()), zap.Error(err))
	} else {
		// Peer may have populated the key while we waited on Obtain.
		if frags, ok, err := c.get(ctx, key); err == nil && ok {
			telemetry.CacheHits.Inc()
			return frags, nil
		}
	}

	frags, err := c.retriever.Retrieve(ctx, key.ConversationID, hints)
	if err != nil {
		return nil, err
	}
	if err := c.put(ctx, key, frags); err != nil {
		c.log.Warn("context cache write failed", zap.String("key", key.String()), zap.Error(err))
	}
	return frags, nil
}

// Seed precomputes and stores the context for key. Failures are the
// caller's to ignore: seeding is a best-effort warm-up, workers recompute on
// miss.
func (c *Cache) Seed(ctx context.Context, key Key, hints []string) error {
	frags, err := c.retriever.Retrieve(ctx, key.ConversationID, hints)
	if err != nil {
		return err
	}
	return c.put(ctx, key, frags)
}

func (c *Cache) get(ctx context.Context, key Key) ([]Fragment, bool, error) {
	raw, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var frags []Fragment
	if err := json.Unmarshal(raw, &frags); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached context: %w", err)
	}
	return frags, true, nil
}

func (c *Cache) put(ctx context.Context, key Key, frags []Fragment) error {
	raw, err := json.Marshal(frags)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	return c.client.Set(ctx, c.redisKey(key), raw, c.ttl).Err()
}
