// Package invalidation implements the delayed cache-invalidation queue:
// enqueue with reverse indices, a batch analyzer, a smart executor that
// drains whole index batches atomically, and the background loops that
// keep the queue short.
package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/U2SG/yoto-sub000/internal/primitives"
	"github.com/U2SG/yoto-sub000/internal/store"
)

const (
	// QueueKey is the shared sorted set of pending tasks, scored by
	// enqueue time.
	QueueKey = "delayed_invalidation_queue"

	reasonIndexPrefix  = "reason_index:"
	userIndexPrefix    = "user_index:"
	serverIndexPrefix  = "server_index:"
	patternIndexPrefix = "pattern_index:"

	// DefaultBatchSize bounds one processor drain.
	DefaultBatchSize = 100
	// DefaultMinQueueSize is the floor below which the smart executor
	// does not bother.
	DefaultMinQueueSize = 50
	// DefaultMaxTaskAge is when a task counts as timed out.
	DefaultMaxTaskAge = 1 * time.Hour
	// DefaultIndexTTL expires idle reverse indices.
	DefaultIndexTTL = 24 * time.Hour
)

// Task is one queued invalidation. UserID and ServerID are carried
// explicitly because the fingerprinted cache key cannot be decoded back
// into them.
type Task struct {
	CacheKey   string                `json:"cache_key"`
	CacheLevel primitives.CacheLevel `json:"cache_level"`
	Reason     string                `json:"reason"`
	Timestamp  float64               `json:"timestamp"`
	Processed  bool                  `json:"processed"`
	UserID     int64                 `json:"user_id,omitempty"`
	ServerID   int64                 `json:"server_id,omitempty"`
}

// Invalidator is the cache surface the engine drains into.
type Invalidator interface {
	InvalidateKeys(ctx context.Context, keys []string, level primitives.CacheLevel)
}

// Engine owns the queue, its reverse indices and rate statistics.
type Engine struct {
	store *store.Client
	inval Invalidator

	batchSize    atomic.Int64 // adjustable at runtime by the tuning callback
	minQueueSize int
	maxTaskAge   time.Duration
	indexTTL     time.Duration

	processInterval time.Duration
	smartInterval   time.Duration
	cleanupInterval time.Duration

	enqueued  atomic.Int64
	processed atomic.Int64

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// EngineOption tweaks engine construction.
type EngineOption func(*Engine)

func WithBatchSize(n int) EngineOption          { return func(e *Engine) { e.batchSize.Store(int64(n)) } }
func WithMinQueueSize(n int) EngineOption       { return func(e *Engine) { e.minQueueSize = n } }
func WithMaxTaskAge(d time.Duration) EngineOption {
	return func(e *Engine) { e.maxTaskAge = d }
}
func WithProcessInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.processInterval = d }
}
func WithSmartInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.smartInterval = d }
}
func WithCleanupInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.cleanupInterval = d }
}

func NewEngine(st *store.Client, inval Invalidator, opts ...EngineOption) *Engine {
	e := &Engine{
		store:           st,
		inval:           inval,
		minQueueSize:    DefaultMinQueueSize,
		maxTaskAge:      DefaultMaxTaskAge,
		indexTTL:        DefaultIndexTTL,
		processInterval: 100 * time.Millisecond,
		smartInterval:   5 * time.Minute,
		cleanupInterval: 1 * time.Minute,
		stop:            make(chan struct{}),
	}
	e.batchSize.Store(DefaultBatchSize)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BatchSize reports the current per-pass drain size.
func (e *Engine) BatchSize() int { return int(e.batchSize.Load()) }

// SetBatchSize adjusts the drain size; the tuning callback uses it.
func (e *Engine) SetBatchSize(n int) {
	if n > 0 {
		e.batchSize.Store(int64(n))
	}
}

// keyPattern extracts the key-family prefix used for the pattern axis.
func keyPattern(cacheKey string) string {
	if i := strings.IndexByte(cacheKey, ':'); i > 0 {
		return cacheKey[:i]
	}
	return cacheKey
}

func minuteBucket(t time.Time) string { return t.UTC().Format("200601021504") }

// AddDelayed enqueues one invalidation task and registers it in every
// applicable reverse index. Zero UserID/ServerID skip those axes.
func (e *Engine) AddDelayed(ctx context.Context, cacheKey string, level primitives.CacheLevel, reason string, userID, serverID int64) error {
	now := time.Now()
	task := Task{
		CacheKey:   cacheKey,
		CacheLevel: level,
		Reason:     reason,
		Timestamp:  float64(now.UnixNano()) / 1e9,
		UserID:     userID,
		ServerID:   serverID,
	}
	raw, err := json.Marshal(&task)
	if err != nil {
		return fmt.Errorf("%w: %v", primitives.ErrSerialization, err)
	}
	if err := e.store.ZAdd(ctx, QueueKey, redis.Z{Score: task.Timestamp, Member: string(raw)}); err != nil {
		return err
	}
	e.enqueued.Add(1)

	e.indexAdd(ctx, reasonIndexPrefix+reason, cacheKey)
	e.indexAdd(ctx, patternIndexPrefix+keyPattern(cacheKey), cacheKey)
	if userID != 0 {
		e.indexAdd(ctx, userIndexPrefix+fmt.Sprintf("%d", userID), cacheKey)
	}
	if serverID != 0 {
		e.indexAdd(ctx, serverIndexPrefix+fmt.Sprintf("%d", serverID), cacheKey)
	}

	e.bumpRate(ctx, "in_rate:"+minuteBucket(now), 1)
	return nil
}

func (e *Engine) indexAdd(ctx context.Context, key, member string) {
	if err := e.store.SAdd(ctx, key, member); err != nil {
		slog.Warn("[Invalidation] Index update failed", "index", key, "error", err)
		return
	}
	if err := e.store.Expire(ctx, key, e.indexTTL); err != nil {
		slog.Warn("[Invalidation] Index expire failed", "index", key, "error", err)
	}
}

func (e *Engine) bumpRate(ctx context.Context, key string, n int64) {
	if _, err := e.store.HIncrBy(ctx, key, "count", n); err != nil {
		slog.Warn("[Invalidation] Rate bump failed", "key", key, "error", err)
		return
	}
	_ = e.store.HSet(ctx, key, "timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	_ = e.store.Expire(ctx, key, e.indexTTL)
}

func (e *Engine) rateCount(ctx context.Context, key string) int64 {
	v, err := e.store.HGet(ctx, key, "count")
	if err != nil {
		return 0
	}
	var n int64
	fmt.Sscanf(v, "%d", &n)
	return n
}

// ProcessBatch drains up to batchSize oldest tasks through the cache's
// batched invalidation path, removes them from the queue, cleans their
// index entries and bumps the out-rate.
func (e *Engine) ProcessBatch(ctx context.Context) (int, error) {
	raw, err := e.store.ZRange(ctx, QueueKey, 0, e.batchSize.Load()-1)
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		return 0, nil
	}

	byLevel := make(map[primitives.CacheLevel][]string)
	tasks := make([]Task, 0, len(raw))
	members := make([]interface{}, 0, len(raw))
	for _, m := range raw {
		var task Task
		if jerr := json.Unmarshal([]byte(m), &task); jerr != nil {
			slog.Warn("[Invalidation] Dropping undecodable task", "error", jerr)
			members = append(members, m)
			continue
		}
		tasks = append(tasks, task)
		members = append(members, m)
		byLevel[task.CacheLevel] = append(byLevel[task.CacheLevel], task.CacheKey)
	}

	for level, keys := range byLevel {
		e.inval.InvalidateKeys(ctx, keys, level)
	}
	if err := e.store.ZRem(ctx, QueueKey, members...); err != nil {
		return 0, err
	}
	e.cleanIndexEntries(ctx, tasks)

	n := len(tasks)
	e.processed.Add(int64(n))
	e.bumpRate(ctx, "out_rate:"+minuteBucket(time.Now()), int64(n))
	return n, nil
}

func (e *Engine) cleanIndexEntries(ctx context.Context, tasks []Task) {
	for _, task := range tasks {
		_ = e.store.SRem(ctx, reasonIndexPrefix+task.Reason, task.CacheKey)
		_ = e.store.SRem(ctx, patternIndexPrefix+keyPattern(task.CacheKey), task.CacheKey)
		if task.UserID != 0 {
			_ = e.store.SRem(ctx, userIndexPrefix+fmt.Sprintf("%d", task.UserID), task.CacheKey)
		}
		if task.ServerID != 0 {
			_ = e.store.SRem(ctx, serverIndexPrefix+fmt.Sprintf("%d", task.ServerID), task.CacheKey)
		}
	}
}

// QueueStats reports queue length, oldest task age and the current
// minute's rates.
func (e *Engine) QueueStats(ctx context.Context) map[string]interface{} {
	out := map[string]interface{}{
		"enqueued_local":  e.enqueued.Load(),
		"processed_local": e.processed.Load(),
	}
	length, err := e.store.ZCard(ctx, QueueKey)
	if err == nil {
		out["queue_length"] = length
	}
	oldest, err := e.store.ZRangeWithScores(ctx, QueueKey, 0, 0)
	if err == nil && len(oldest) == 1 {
		out["oldest_age_s"] = nowSecondsSince(oldest[0].Score)
	}
	minute := minuteBucket(time.Now())
	out["in_rate"] = e.rateCount(ctx, "in_rate:"+minute)
	out["out_rate"] = e.rateCount(ctx, "out_rate:"+minute)
	return out
}

func nowSecondsSince(score float64) float64 {
	return float64(time.Now().UnixNano())/1e9 - score
}
