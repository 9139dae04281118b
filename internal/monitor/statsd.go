package monitor

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// StatsdBackend ships metrics over UDP in statsd line format. It is
// write-only: metric queries return empty. Alert state is process-local
// since statsd has no read path.
type StatsdBackend struct {
	prefix string

	mu   sync.Mutex
	conn net.Conn

	alerts *MemoryBackend
}

func NewStatsdBackend(addr, prefix string) (*StatsdBackend, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("statsd dial %s: %w", addr, err)
	}
	return &StatsdBackend{prefix: prefix, conn: conn, alerts: NewMemoryBackend()}, nil
}

func (s *StatsdBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

func (s *StatsdBackend) send(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Write([]byte(line))
	return err
}

func (s *StatsdBackend) metricName(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "." + name
}

func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	parts := make([]string, 0, len(tags))
	for k, v := range tags {
		parts = append(parts, k+":"+v)
	}
	sort.Strings(parts)
	return "|#" + strings.Join(parts, ",")
}

func (s *StatsdBackend) RecordMetric(ctx context.Context, name string, value float64, tags map[string]string, ts time.Time) error {
	return s.send(fmt.Sprintf("%s:%g|g%s", s.metricName(name), value, formatTags(tags)))
}

func (s *StatsdBackend) RecordEvent(ctx context.Context, name string, metadata map[string]interface{}, tags map[string]string, ts time.Time) error {
	return s.send(fmt.Sprintf("%s:1|c%s", s.metricName(name), formatTags(tags)))
}

func (s *StatsdBackend) GetMetrics(ctx context.Context, name string, limit int) ([]MetricPoint, error) {
	return nil, nil
}

func (s *StatsdBackend) GetStats(ctx context.Context, name string) (RunningStats, error) {
	return RunningStats{}, nil
}

func (s *StatsdBackend) CreateAlert(ctx context.Context, alert Alert) (string, bool, error) {
	id, created, err := s.alerts.CreateAlert(ctx, alert)
	if created {
		_ = s.send(fmt.Sprintf("%s:1|c", s.metricName("alerts."+alert.Level)))
	}
	return id, created, err
}

func (s *StatsdBackend) GetActiveAlerts(ctx context.Context) ([]Alert, error) {
	return s.alerts.GetActiveAlerts(ctx)
}

func (s *StatsdBackend) ResolveAlert(ctx context.Context, id string) error {
	return s.alerts.ResolveAlert(ctx, id)
}

func (s *StatsdBackend) GetAlertCounters(ctx context.Context) (map[string]int64, error) {
	return s.alerts.GetAlertCounters(ctx)
}
