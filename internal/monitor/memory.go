package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend keeps everything in process. Development and test use
// only: alert state dies with the process.
type MemoryBackend struct {
	mu       sync.Mutex
	metrics  map[string][]MetricPoint
	events   []Event
	stats    map[string]RunningStats
	alerts   map[string]*Alert
	counters map[string]int64
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		metrics:  make(map[string][]MetricPoint),
		stats:    make(map[string]RunningStats),
		alerts:   make(map[string]*Alert),
		counters: make(map[string]int64),
	}
}

func (m *MemoryBackend) RecordMetric(ctx context.Context, name string, value float64, tags map[string]string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	points := append(m.metrics[name], MetricPoint{Name: name, Value: value, Tags: tags, Timestamp: ts})
	if len(points) > maxHistory {
		points = points[len(points)-maxHistory:]
	}
	m.metrics[name] = points

	s := m.stats[name]
	if s.Count == 0 || value < s.Min {
		s.Min = value
	}
	if s.Count == 0 || value > s.Max {
		s.Max = value
	}
	s.Count++
	s.Sum += value
	m.stats[name] = s
	return nil
}

func (m *MemoryBackend) RecordEvent(ctx context.Context, name string, metadata map[string]interface{}, tags map[string]string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{Name: name, Metadata: metadata, Tags: tags, Timestamp: ts})
	if len(m.events) > maxHistory {
		m.events = m.events[len(m.events)-maxHistory:]
	}
	return nil
}

func (m *MemoryBackend) GetMetrics(ctx context.Context, name string, limit int) ([]MetricPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	points := m.metrics[name]
	if limit > 0 && len(points) > limit {
		points = points[len(points)-limit:]
	}
	return append([]MetricPoint(nil), points...), nil
}

func (m *MemoryBackend) GetStats(ctx context.Context, name string) (RunningStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats[name], nil
}

func (m *MemoryBackend) CreateAlert(ctx context.Context, alert Alert) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.alerts {
		if !existing.Resolved && existing.MetricType == alert.MetricType && existing.Level == alert.Level {
			existing.Message = alert.Message
			existing.Value = alert.Value
			existing.Threshold = alert.Threshold
			existing.UpdatedAt = time.Now()
			return existing.ID, false, nil
		}
	}

	alert.ID = uuid.NewString()
	now := time.Now()
	alert.CreatedAt = now
	alert.UpdatedAt = now
	alert.Resolved = false
	m.alerts[alert.ID] = &alert
	m.counters[alert.Level]++
	return alert.ID, true, nil
}

func (m *MemoryBackend) GetActiveAlerts(ctx context.Context) ([]Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Alert
	for _, a := range m.alerts {
		if !a.Resolved {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *MemoryBackend) ResolveAlert(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.alerts[id]; ok {
		a.Resolved = true
		a.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryBackend) GetAlertCounters(ctx context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out, nil
}
