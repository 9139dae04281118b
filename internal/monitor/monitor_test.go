package monitor

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/U2SG/yoto-sub000/internal/primitives"
	"github.com/U2SG/yoto-sub000/internal/store"
)

func TestThresholdLevels(t *testing.T) {
	ths := DefaultThresholds()

	hit := ths[primitives.MetricCacheHitRate]
	assert.Equal(t, "", hit.Level(0.95))
	assert.Equal(t, LevelWarning, hit.Level(0.75))
	assert.Equal(t, LevelError, hit.Level(0.5))
	assert.Equal(t, LevelCritical, hit.Level(0.3))

	rt := ths[primitives.MetricResponseTime]
	assert.Equal(t, "", rt.Level(50))
	assert.Equal(t, LevelWarning, rt.Level(150))
	assert.Equal(t, LevelError, rt.Level(250))
	assert.Equal(t, LevelCritical, rt.Level(600))
}

func TestMemoryBackendHistoryAndStats(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	for _, v := range []float64{10, 30, 20} {
		require.NoError(t, b.RecordMetric(ctx, "response_time", v, nil, time.Now()))
	}

	points, err := b.GetMetrics(ctx, "response_time", 2)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, 30.0, points[0].Value)
	assert.Equal(t, 20.0, points[1].Value)

	stats, err := b.GetStats(ctx, "response_time")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Count)
	assert.Equal(t, 60.0, stats.Sum)
	assert.Equal(t, 10.0, stats.Min)
	assert.Equal(t, 30.0, stats.Max)
}

func TestMemoryAlertUpsertSemantics(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	id1, created, err := b.CreateAlert(ctx, Alert{MetricType: "error_rate", Level: LevelWarning, Value: 0.06})
	require.NoError(t, err)
	assert.True(t, created)

	// Same (metric, level) while active updates in place.
	id2, created, err := b.CreateAlert(ctx, Alert{MetricType: "error_rate", Level: LevelWarning, Value: 0.08})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id1, id2)

	active, err := b.GetActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 0.08, active[0].Value)

	counters, err := b.GetAlertCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters[LevelWarning])

	// Resolving does not decrement the counter; a re-raise creates anew.
	require.NoError(t, b.ResolveAlert(ctx, id1))
	active, err = b.GetActiveAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, created, err = b.CreateAlert(ctx, Alert{MetricType: "error_rate", Level: LevelWarning, Value: 0.07})
	require.NoError(t, err)
	assert.True(t, created)
	counters, err = b.GetAlertCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counters[LevelWarning])
}

func TestRedisBackendRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := store.NewWithClient(rdb)
	t.Cleanup(func() { c.Close() })
	b := NewRedisBackend(c)
	ctx := context.Background()

	for _, v := range []float64{5, 15, 10} {
		require.NoError(t, b.RecordMetric(ctx, "qps", v, nil, time.Now()))
	}

	points, err := b.GetMetrics(ctx, "qps", 10)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, 5.0, points[0].Value)
	assert.Equal(t, 10.0, points[2].Value)

	stats, err := b.GetStats(ctx, "qps")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Count)
	assert.Equal(t, 30.0, stats.Sum)
	assert.Equal(t, 5.0, stats.Min)
	assert.Equal(t, 15.0, stats.Max)

	id, created, err := b.CreateAlert(ctx, Alert{MetricType: "qps", Level: LevelError, Value: 400})
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = b.CreateAlert(ctx, Alert{MetricType: "qps", Level: LevelError, Value: 300})
	require.NoError(t, err)
	assert.False(t, created)

	counters, err := b.GetAlertCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters[LevelError])

	require.NoError(t, b.ResolveAlert(ctx, id))
	active, err := b.GetActiveAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	// Resolution keeps the record for history rather than deleting it.
	raw, err := c.HGet(ctx, activeAlertsKey, id)
	require.NoError(t, err)
	var resolved Alert
	require.NoError(t, json.Unmarshal([]byte(raw), &resolved))
	assert.True(t, resolved.Resolved)

	// A fresh breach after resolution is a new alert and counts again.
	id2, created, err := b.CreateAlert(ctx, Alert{MetricType: "qps", Level: LevelError, Value: 350})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, id, id2)
	counters, err = b.GetAlertCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counters[LevelError])

	// Resolving an unknown id is a no-op.
	require.NoError(t, b.ResolveAlert(ctx, "missing"))
}

func TestStatsdBackendEmitsLines(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	b, err := NewStatsdBackend(pc.LocalAddr().String(), "perm")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.RecordMetric(context.Background(), "qps", 1200, map[string]string{"dc": "eu"}, time.Now()))

	buf := make([]byte, 256)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	line := string(buf[:n])
	assert.Equal(t, "perm.qps:1200|g|#dc:eu", line)

	// Write-only: queries are empty.
	points, err := b.GetMetrics(context.Background(), "qps", 10)
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestPrometheusBackendExports(t *testing.T) {
	b := NewPrometheusBackend("perm")
	ctx := context.Background()

	require.NoError(t, b.RecordMetric(ctx, "qps", 1500, nil, time.Now()))
	require.NoError(t, b.RecordEvent(ctx, "cache_invalidated", nil, nil, time.Now()))
	_, created, err := b.CreateAlert(ctx, Alert{MetricType: "qps", Level: LevelWarning})
	require.NoError(t, err)
	assert.True(t, created)

	assert.Equal(t, 1500.0, testutil.ToFloat64(b.gauges.WithLabelValues("qps")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.events.WithLabelValues("cache_invalidated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.alertsRaised.WithLabelValues(LevelWarning)))
}

type fakeStager struct {
	mu     sync.Mutex
	staged map[string]float64
}

func (f *fakeStager) StageMetric(ctx context.Context, name string, value float64, tags map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.staged == nil {
		f.staged = make(map[string]float64)
	}
	f.staged[name] = value
	return nil
}

func TestMonitorRecordsStagesAndAlerts(t *testing.T) {
	b := NewMemoryBackend()
	stager := &fakeStager{}
	pm := NewPermissionMonitor(b, stager)
	ctx := context.Background()

	require.NoError(t, pm.RecordCacheHitRate(ctx, 0.5))
	require.NoError(t, pm.RecordQPS(ctx, 2000))

	// Numeric records reach the aggregator staging.
	stager.mu.Lock()
	assert.Equal(t, 0.5, stager.staged[primitives.MetricCacheHitRate])
	assert.Equal(t, 2000.0, stager.staged[primitives.MetricQPS])
	stager.mu.Unlock()

	// 0.5 hit rate is below the error rung.
	active, err := b.GetActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, primitives.MetricCacheHitRate, active[0].MetricType)
	assert.Equal(t, LevelError, active[0].Level)

	// Events bypass staging and thresholds.
	require.NoError(t, pm.Record(ctx, "config_applied", 0, TypeEvent, nil, map[string]interface{}{"who": "operator"}, false, ""))
	stager.mu.Lock()
	_, staged := stager.staged["config_applied"]
	stager.mu.Unlock()
	assert.False(t, staged)
}

func TestHealthComposition(t *testing.T) {
	pm := NewPermissionMonitor(NewMemoryBackend(), nil)
	ctx := context.Background()

	require.NoError(t, pm.RecordCacheHitRate(ctx, 0.95))
	require.NoError(t, pm.RecordResponseTime(ctx, 40))
	require.NoError(t, pm.RecordErrorRate(ctx, 0.01))
	require.NoError(t, pm.RecordQPS(ctx, 3000))

	h := pm.Health()
	assert.Equal(t, StatusExcellent, h["overall_status"])

	// One axis degrading drags the overall status down with it.
	require.NoError(t, pm.RecordErrorRate(ctx, 0.15))
	h = pm.Health()
	assert.Equal(t, StatusError, h["error_status"])
	assert.Equal(t, StatusError, h["overall_status"])
	assert.Equal(t, StatusExcellent, h["cache_status"])
}
