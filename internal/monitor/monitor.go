package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/U2SG/yoto-sub000/internal/primitives"
)

// Record types accepted by the permission monitor.
const (
	TypeGauge     = "gauge"
	TypeCounter   = "counter"
	TypeHistogram = "histogram"
	TypeEvent     = "event"
)

// Health statuses, best to worst.
const (
	StatusExcellent = "excellent"
	StatusGood      = "good"
	StatusWarning   = "warning"
	StatusError     = "error"
)

// Threshold is one metric's alerting ladder. LowerWorse metrics alarm
// when the value falls below a rung.
type Threshold struct {
	Warning    float64
	Error      float64
	Critical   float64
	LowerWorse bool
}

// DefaultThresholds mirrors the documented defaults.
func DefaultThresholds() map[string]Threshold {
	return map[string]Threshold{
		primitives.MetricCacheHitRate: {Warning: 0.8, Error: 0.6, Critical: 0.4, LowerWorse: true},
		primitives.MetricResponseTime: {Warning: 100, Error: 200, Critical: 500},
		primitives.MetricErrorRate:    {Warning: 0.05, Error: 0.1, Critical: 0.2},
		primitives.MetricMemoryUsage:  {Warning: 0.7, Error: 0.85, Critical: 0.95},
		primitives.MetricQPS:          {Warning: 1000, Error: 500, Critical: 100, LowerWorse: true},
	}
}

// Level reports which alert level value trips, or "" when healthy.
func (t Threshold) Level(value float64) string {
	if t.LowerWorse {
		switch {
		case value <= t.Critical:
			return LevelCritical
		case value <= t.Error:
			return LevelError
		case value <= t.Warning:
			return LevelWarning
		}
		return ""
	}
	switch {
	case value >= t.Critical:
		return LevelCritical
	case value >= t.Error:
		return LevelError
	case value >= t.Warning:
		return LevelWarning
	}
	return ""
}

// Stager receives every numeric record for minute aggregation. The
// metrics aggregator satisfies it.
type Stager interface {
	StageMetric(ctx context.Context, name string, value float64, tags map[string]string) error
}

// PermissionMonitor records domain metrics onto a backend, stages them
// for aggregation, and raises threshold alerts.
type PermissionMonitor struct {
	backend    Backend
	stager     Stager
	thresholds map[string]Threshold

	mu   sync.Mutex
	last map[string]float64
}

func NewPermissionMonitor(backend Backend, stager Stager) *PermissionMonitor {
	return &PermissionMonitor{
		backend:    backend,
		stager:     stager,
		thresholds: DefaultThresholds(),
		last:       make(map[string]float64),
	}
}

// SetThreshold replaces one metric's ladder.
func (pm *PermissionMonitor) SetThreshold(metric string, t Threshold) {
	pm.mu.Lock()
	pm.thresholds[metric] = t
	pm.mu.Unlock()
}

// Record is the general entry point. Events go to event history only;
// numeric records additionally get staged to the aggregator and, when
// checkAlerts is set, evaluated against the metricType's ladder
// (metricType defaults to the metric name).
func (pm *PermissionMonitor) Record(ctx context.Context, name string, value float64, recordType string, tags map[string]string, metadata map[string]interface{}, checkAlerts bool, metricType string) error {
	now := time.Now()
	if recordType == TypeEvent {
		return pm.backend.RecordEvent(ctx, name, metadata, tags, now)
	}

	if err := pm.backend.RecordMetric(ctx, name, value, tags, now); err != nil {
		return err
	}
	if pm.stager != nil {
		if err := pm.stager.StageMetric(ctx, name, value, tags); err != nil {
			slog.Warn("[Monitor] Metric staging failed", "metric", name, "error", err)
		}
	}

	pm.mu.Lock()
	pm.last[name] = value
	pm.mu.Unlock()

	if checkAlerts {
		pm.checkAlert(ctx, name, value, metricType)
	}
	return nil
}

func (pm *PermissionMonitor) checkAlert(ctx context.Context, name string, value float64, metricType string) {
	if metricType == "" {
		metricType = name
	}
	pm.mu.Lock()
	t, ok := pm.thresholds[metricType]
	pm.mu.Unlock()
	if !ok {
		return
	}
	level := t.Level(value)
	if level == "" {
		return
	}

	threshold := t.Warning
	switch level {
	case LevelError:
		threshold = t.Error
	case LevelCritical:
		threshold = t.Critical
	}
	_, created, err := pm.backend.CreateAlert(ctx, Alert{
		MetricType: metricType,
		Level:      level,
		Message:    fmt.Sprintf("%s at %g breached %s threshold %g", name, value, level, threshold),
		Value:      value,
		Threshold:  threshold,
	})
	if err != nil {
		slog.Warn("[Monitor] Alert upsert failed", "metric", metricType, "level", level, "error", err)
		return
	}
	if created {
		slog.Warn("[Monitor] Alert raised", "metric", metricType, "level", level, "value", value)
	}
}

// Convenience wrappers for the hot-path metrics.

func (pm *PermissionMonitor) RecordCacheHitRate(ctx context.Context, rate float64) error {
	return pm.Record(ctx, primitives.MetricCacheHitRate, rate, TypeGauge, nil, nil, true, "")
}

func (pm *PermissionMonitor) RecordResponseTime(ctx context.Context, ms float64) error {
	return pm.Record(ctx, primitives.MetricResponseTime, ms, TypeHistogram, nil, nil, true, "")
}

func (pm *PermissionMonitor) RecordErrorRate(ctx context.Context, rate float64) error {
	return pm.Record(ctx, primitives.MetricErrorRate, rate, TypeGauge, nil, nil, true, "")
}

func (pm *PermissionMonitor) RecordQPS(ctx context.Context, qps float64) error {
	return pm.Record(ctx, primitives.MetricQPS, qps, TypeGauge, nil, nil, true, "")
}

func (pm *PermissionMonitor) RecordMemoryUsage(ctx context.Context, ratio float64) error {
	return pm.Record(ctx, primitives.MetricMemoryUsage, ratio, TypeGauge, nil, nil, true, "")
}

func statusForLevel(level string) string {
	switch level {
	case "":
		return StatusExcellent
	case LevelWarning:
		return StatusWarning
	default:
		return StatusError
	}
}

func worse(a, b string) string {
	rank := map[string]int{StatusExcellent: 0, StatusGood: 1, StatusWarning: 2, StatusError: 3}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Health composes per-metric statuses from the last recorded values.
// Overall is the worst of the cache, performance and error axes; a
// metric with no samples yet reads as good.
func (pm *PermissionMonitor) Health() map[string]interface{} {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	statusOf := func(metric string) string {
		v, ok := pm.last[metric]
		if !ok {
			return StatusGood
		}
		t, has := pm.thresholds[metric]
		if !has {
			return StatusGood
		}
		return statusForLevel(t.Level(v))
	}

	cache := statusOf(primitives.MetricCacheHitRate)
	perf := worse(worse(statusOf(primitives.MetricResponseTime), statusOf(primitives.MetricQPS)),
		statusOf(primitives.MetricMemoryUsage))
	errs := statusOf(primitives.MetricErrorRate)

	return map[string]interface{}{
		"cache_status":       cache,
		"performance_status": perf,
		"error_status":       errs,
		"overall_status":     worse(worse(cache, perf), errs),
	}
}
