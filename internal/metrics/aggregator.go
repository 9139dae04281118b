// Package metrics turns per-process metric stagings into validated
// per-minute PerformanceMetrics snapshots for the ML feed. Staging goes
// through a shared per-minute hash so every process in the fleet
// contributes to the same snapshot.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/U2SG/yoto-sub000/internal/primitives"
	"github.com/U2SG/yoto-sub000/internal/store"
)

const (
	snapshotKeyPrefix = "monitor:metrics_snapshot:"
	perfKeyPrefix     = "perf:minute:"

	// SnapshotTTL keeps an unprocessed staging hash from lingering.
	SnapshotTTL = 120 * time.Second
	// PerfRetention is how long delivered snapshots stay reloadable.
	PerfRetention = 24 * time.Hour
	// DefaultPollInterval is how often the loop looks for a finished
	// minute.
	DefaultPollInterval = 5 * time.Second
)

// Sink receives each validated snapshot. The ML monitor implements it.
type Sink interface {
	Deliver(pm primitives.PerformanceMetrics)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(pm primitives.PerformanceMetrics)

func (f SinkFunc) Deliver(pm primitives.PerformanceMetrics) { f(pm) }

type stagedValue struct {
	Value float64           `json:"value"`
	Tags  map[string]string `json:"tags,omitempty"`
	TS    float64           `json:"ts"`
}

// Aggregator stages metrics into minute hashes and assembles the
// previous minute into a PerformanceMetrics once it is complete.
type Aggregator struct {
	store *store.Client
	sink  Sink

	pollInterval time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewAggregator(st *store.Client, sink Sink) *Aggregator {
	return &Aggregator{
		store:        st,
		sink:         sink,
		pollInterval: DefaultPollInterval,
		stop:         make(chan struct{}),
	}
}

// WithPollInterval adjusts the loop cadence, mainly for tests.
func (a *Aggregator) WithPollInterval(d time.Duration) *Aggregator {
	a.pollInterval = d
	return a
}

func minuteStart(t time.Time) time.Time { return t.UTC().Truncate(time.Minute) }

func snapshotKey(minute time.Time) string {
	return snapshotKeyPrefix + fmt.Sprintf("%d", minute.Unix())
}

// PerfKey is the retention key one delivered snapshot persists under.
func PerfKey(minute time.Time) string {
	return perfKeyPrefix + fmt.Sprintf("%d", minute.Unix())
}

// StageMetric records one observation into the current minute's hash.
// Later stagings of the same metric within the minute overwrite earlier
// ones.
func (a *Aggregator) StageMetric(ctx context.Context, name string, value float64, tags map[string]string) error {
	raw, err := json.Marshal(&stagedValue{
		Value: value,
		Tags:  tags,
		TS:    float64(time.Now().UnixNano()) / 1e9,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", primitives.ErrSerialization, err)
	}
	key := snapshotKey(minuteStart(time.Now()))
	if err := a.store.HSet(ctx, key, name, string(raw)); err != nil {
		return err
	}
	return a.store.Expire(ctx, key, SnapshotTTL)
}

// Start launches the aggregation loop.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-a.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), a.pollInterval)
				a.AggregateMinute(ctx, minuteStart(time.Now()).Add(-time.Minute))
				cancel()
			}
		}
	}()
}

// Stop signals the loop and waits for it.
func (a *Aggregator) Stop() {
	a.once.Do(func() { close(a.stop) })
	a.wg.Wait()
}

// AggregateMinute assembles one minute's snapshot: validates
// completeness, delivers to the sink, persists for warm-up reload and
// deletes the staging hash. Incomplete or invalid snapshots are
// discarded with a warning.
func (a *Aggregator) AggregateMinute(ctx context.Context, minute time.Time) {
	key := snapshotKey(minute)
	fields, err := a.store.HGetAll(ctx, key)
	if err != nil {
		slog.Warn("[Aggregator] Snapshot read failed", "minute", minute.Unix(), "error", err)
		return
	}
	if len(fields) == 0 {
		return
	}

	values := make(map[string]float64, len(fields))
	for name, raw := range fields {
		v, perr := parseStaged(raw)
		if perr != nil {
			slog.Warn("[Aggregator] Unparsable staged metric", "metric", name, "error", perr)
			continue
		}
		values[name] = v
	}

	if reason, ok := validate(values); !ok {
		slog.Warn("[Aggregator] Discarding invalid snapshot", "minute", minute.Unix(), "reason", reason)
		_ = a.store.Del(ctx, key)
		return
	}

	pm := primitives.PerformanceMetrics{
		Timestamp:           minute,
		CacheHitRate:        values[primitives.MetricCacheHitRate],
		ResponseTime:        values[primitives.MetricResponseTime],
		ErrorRate:           values[primitives.MetricErrorRate],
		MemoryUsage:         values[primitives.MetricMemoryUsage],
		QPS:                 values[primitives.MetricQPS],
		ConnectionPoolUsage: values[primitives.MetricConnectionPoolUsage],
	}
	a.sink.Deliver(pm)
	a.persist(ctx, minute, pm)
	_ = a.store.Del(ctx, key)
}

func parseStaged(raw string) (float64, error) {
	var sv stagedValue
	if err := json.Unmarshal([]byte(raw), &sv); err == nil {
		return sv.Value, nil
	}
	// Plain numeric stagings are accepted too.
	return strconv.ParseFloat(raw, 64)
}

// validate checks the required set is present with finite non-negative
// values.
func validate(values map[string]float64) (string, bool) {
	for _, name := range primitives.RequiredMetrics {
		v, ok := values[name]
		if !ok {
			return "missing " + name, false
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return "invalid " + name, false
		}
	}
	return "", true
}

func (a *Aggregator) persist(ctx context.Context, minute time.Time, pm primitives.PerformanceMetrics) {
	raw, err := json.Marshal(&pm)
	if err != nil {
		return
	}
	if err := a.store.Set(ctx, PerfKey(minute), raw, PerfRetention); err != nil {
		slog.Warn("[Aggregator] Snapshot persist failed", "minute", minute.Unix(), "error", err)
	}
}

// LoadRecent reloads up to the last 24 h of persisted snapshots, oldest
// first. The lifecycle warm-up feeds these into the predictor.
func (a *Aggregator) LoadRecent(ctx context.Context) ([]primitives.PerformanceMetrics, error) {
	var out []primitives.PerformanceMetrics
	now := minuteStart(time.Now())
	for m := now.Add(-PerfRetention); !m.After(now); m = m.Add(time.Minute) {
		raw, err := a.store.GetBytes(ctx, PerfKey(m))
		if err != nil {
			if store.Nil(err) {
				continue
			}
			return out, err
		}
		var pm primitives.PerformanceMetrics
		if jerr := json.Unmarshal(raw, &pm); jerr != nil {
			continue
		}
		out = append(out, pm)
	}
	return out, nil
}
