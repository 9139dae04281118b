package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// errorPenalty is how much longer a loop waits after a failed
// iteration, as a multiple of its normal interval. Keeps a broken
// store from being hammered at 10 Hz.
const errorPenalty = 5

// Start launches the three daemons: the batch processor, the smart
// invalidator and the cleanup sweep.
func (e *Engine) Start() {
	e.wg.Add(3)
	go e.loop("processor", e.processInterval, func(ctx context.Context) error {
		_, err := e.ProcessBatch(ctx)
		return err
	})
	go e.loop("smart", e.smartInterval, func(ctx context.Context) error {
		_, err := e.ExecuteSmart(ctx, StrategyAuto)
		return err
	})
	go e.loop("cleanup", e.cleanupInterval, e.cleanupPass)
	slog.Info("[Invalidation] Engine started",
		"process_interval", e.processInterval, "smart_interval", e.smartInterval)
}

// Stop signals the daemons and waits for them to finish their current
// iteration.
func (e *Engine) Stop() {
	e.once.Do(func() { close(e.stop) })
	e.wg.Wait()
}

func (e *Engine) loop(name string, interval time.Duration, fn func(ctx context.Context) error) {
	defer e.wg.Done()
	wait := interval
	for {
		select {
		case <-e.stop:
			return
		case <-time.After(wait):
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval*errorPenalty)
		err := fn(ctx)
		cancel()
		if err != nil {
			slog.Warn("[Invalidation] Loop iteration failed", "loop", name, "error", err)
			wait = interval * errorPenalty
		} else {
			wait = interval
		}
	}
}

// cleanupPass drops tasks older than maxTaskAge and sweeps orphaned
// reverse-index members.
func (e *Engine) cleanupPass(ctx context.Context) error {
	cutoff := float64(time.Now().Add(-e.maxTaskAge).UnixNano()) / 1e9
	removed, err := e.store.ZRemRangeByScore(ctx, QueueKey, "-inf", fmt.Sprintf("%f", cutoff))
	if err != nil {
		return err
	}
	if removed > 0 {
		slog.Info("[Invalidation] Timed-out tasks dropped", "count", removed)
	}
	return e.sweepOrphanIndices(ctx)
}

// sweepOrphanIndices removes index members whose cache key no longer
// appears in any queued task. The user pattern is digit-anchored so the
// sweep never touches the cache's brace-tagged reverse indices.
func (e *Engine) sweepOrphanIndices(ctx context.Context) error {
	queued, err := e.queuedKeySet(ctx)
	if err != nil {
		return err
	}
	patterns := []string{
		reasonIndexPrefix + "*",
		patternIndexPrefix + "*",
		serverIndexPrefix + "*",
		userIndexPrefix + "[0-9]*",
	}
	for _, pattern := range patterns {
		err := e.store.ScanMatch(ctx, pattern, 100, func(indexKey string) error {
			members, merr := e.store.SMembers(ctx, indexKey)
			if merr != nil {
				return merr
			}
			for _, member := range members {
				if _, ok := queued[member]; !ok {
					_ = e.store.SRem(ctx, indexKey, member)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// queuedKeySet snapshots the cache keys of every queued task.
func (e *Engine) queuedKeySet(ctx context.Context) (map[string]struct{}, error) {
	raw, err := e.store.ZRange(ctx, QueueKey, 0, -1)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(raw))
	for _, m := range raw {
		var task Task
		if jerr := json.Unmarshal([]byte(m), &task); jerr == nil {
			out[task.CacheKey] = struct{}{}
		}
	}
	return out, nil
}
