package invalidation

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/U2SG/yoto-sub000/internal/primitives"
	"github.com/U2SG/yoto-sub000/internal/store"
)

// Execution strategies. Auto picks between the other two from the
// growth-vs-processing ratio.
const (
	StrategyAggressive   = "aggressive"
	StrategyConservative = "conservative"
	StrategyAuto         = "auto"
)

// conservativeBatchLimit caps how many recommendations a conservative
// run drains.
const conservativeBatchLimit = 2

// ExecutionResult reports one smart-executor run.
type ExecutionResult struct {
	Strategy      string
	BatchesRun    int
	KeysInvalided int
	TasksRemoved  int
	Skipped       bool
}

func (e *Engine) indexKeyFor(rec Recommendation) string {
	switch rec.Type {
	case "reason_batch":
		return reasonIndexPrefix + rec.Key
	case "pattern_batch":
		return patternIndexPrefix + rec.Key
	case "user_batch":
		return userIndexPrefix + rec.Key
	case "server_batch":
		return serverIndexPrefix + rec.Key
	}
	return ""
}

// ExecuteSmart analyzes the queue and drains the biggest index batches.
// Each batch is selected from a reverse index (never a store-wide
// scan), removed from the queue atomically through the selection
// script, invalidated in both tiers, and counted into the out-rate.
func (e *Engine) ExecuteSmart(ctx context.Context, strategy string) (*ExecutionResult, error) {
	analysis, err := e.Analyze(ctx, e.BatchSize()*10)
	if err != nil {
		return nil, err
	}
	if analysis.QueueLength < int64(e.minQueueSize) {
		return &ExecutionResult{Strategy: strategy, Skipped: true}, nil
	}

	effective := strategy
	if strategy == StrategyAuto || strategy == "" {
		if analysis.GrowthRate > 0 {
			effective = StrategyAggressive
		} else {
			effective = StrategyConservative
		}
	}

	recs := analysis.Recommendations
	if effective == StrategyConservative && len(recs) > conservativeBatchLimit {
		recs = recs[:conservativeBatchLimit]
	}

	result := &ExecutionResult{Strategy: effective}
	for _, rec := range recs {
		indexKey := e.indexKeyFor(rec)
		if indexKey == "" {
			continue
		}
		removed, keys, berr := e.drainIndexBatch(ctx, indexKey)
		if berr != nil {
			slog.Warn("[Invalidation] Batch drain failed", "index", indexKey, "error", berr)
			continue
		}
		if removed == 0 {
			continue
		}
		result.BatchesRun++
		result.KeysInvalided += len(keys)
		result.TasksRemoved += int(removed)
	}

	if result.TasksRemoved > 0 {
		e.processed.Add(int64(result.TasksRemoved))
		e.bumpRate(ctx, "out_rate:"+minuteBucket(time.Now()), int64(result.TasksRemoved))
	}
	slog.Info("[Invalidation] Smart execution done",
		"strategy", effective, "batches", result.BatchesRun, "tasks_removed", result.TasksRemoved)
	return result, nil
}

// drainIndexBatch moves one reverse index's keys into a temporary
// selection set, removes every queue task whose cache_key is selected,
// invalidates the keys in both tiers, and drops the index.
func (e *Engine) drainIndexBatch(ctx context.Context, indexKey string) (int64, []string, error) {
	keys, err := e.store.SMembers(ctx, indexKey)
	if err != nil {
		if store.Nil(err) {
			return 0, nil, nil
		}
		return 0, nil, err
	}
	if len(keys) == 0 {
		return 0, nil, nil
	}

	// The tag pins the selection set to the queue's shard so the script
	// sees both keys.
	tmpKey := "smart_exec:{" + QueueKey + "}:" + uuid.NewString()
	members := make([]interface{}, len(keys))
	for i, k := range keys {
		members[i] = k
	}
	if err := e.store.SAdd(ctx, tmpKey, members...); err != nil {
		return 0, nil, err
	}
	_ = e.store.Expire(ctx, tmpKey, time.Minute)

	res, err := e.store.EvalRegistered(ctx, store.ScriptRemoveTasksByKeys, []string{tmpKey, QueueKey})
	if err != nil {
		_ = e.store.Del(ctx, tmpKey)
		return 0, nil, err
	}
	removed, _ := res.(int64)

	e.inval.InvalidateKeys(ctx, keys, primitives.CacheLevelBoth)
	if err := e.store.Del(ctx, indexKey); err != nil {
		slog.Warn("[Invalidation] Index cleanup failed", "index", indexKey, "error", err)
	}
	return removed, keys, nil
}
