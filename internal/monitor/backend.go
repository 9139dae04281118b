// Package monitor provides the metric/event/alert backends and the
// permission monitor that sits on top of one of them. The memory
// backend serves development, the shared-store backend is authoritative
// in production, statsd and prometheus are export-only sinks.
package monitor

import (
	"context"
	"time"
)

// Alert levels.
const (
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

// maxHistory bounds per-metric and event history in the queryable
// backends.
const maxHistory = 1000

// MetricPoint is one recorded observation.
type MetricPoint struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Event is one recorded occurrence.
type Event struct {
	Name      string                 `json:"name"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Tags      map[string]string      `json:"tags,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// RunningStats is the running aggregate per metric name.
type RunningStats struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Alert is one raised condition. Active alerts are keyed by
// (metric_type, level): re-raising updates the row in place.
type Alert struct {
	ID         string    `json:"id"`
	MetricType string    `json:"metric_type"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Resolved   bool      `json:"resolved"`
}

// Backend stores metrics, events and alert state.
//
// CreateAlert upserts by (metric_type, level, unresolved) and reports
// whether a new alert was created; the per-level counter moves only on
// creation. Resolving does not decrement it — the counters count raised
// alerts, not currently-active ones.
type Backend interface {
	RecordMetric(ctx context.Context, name string, value float64, tags map[string]string, ts time.Time) error
	RecordEvent(ctx context.Context, name string, metadata map[string]interface{}, tags map[string]string, ts time.Time) error
	GetMetrics(ctx context.Context, name string, limit int) ([]MetricPoint, error)
	GetStats(ctx context.Context, name string) (RunningStats, error)

	CreateAlert(ctx context.Context, alert Alert) (id string, created bool, err error)
	GetActiveAlerts(ctx context.Context) ([]Alert, error)
	ResolveAlert(ctx context.Context, id string) error
	GetAlertCounters(ctx context.Context) (map[string]int64, error)
}
