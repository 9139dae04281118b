package ml

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/U2SG/yoto-sub000/internal/bus"
	"github.com/U2SG/yoto-sub000/internal/primitives"
	"github.com/U2SG/yoto-sub000/internal/resilience"
	"github.com/U2SG/yoto-sub000/internal/store"
)

func testStack(t *testing.T) (*store.Client, *bus.Bus, *resilience.Controller) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := store.NewWithClient(rdb)
	t.Cleanup(func() { c.Close() })
	b := bus.New(c)
	ctrl := resilience.NewController(c, store.NewLockFactory(c), b)
	return c, b, ctrl
}

func feedSeries(p *Predictor, metric string, values []float64) {
	for _, v := range values {
		pm := primitives.PerformanceMetrics{
			Timestamp:    time.Now(),
			CacheHitRate: 0.9,
			ResponseTime: 50,
			ErrorRate:    0.01,
			MemoryUsage:  0.5,
			QPS:          2000,
		}
		switch metric {
		case primitives.MetricResponseTime:
			pm.ResponseTime = v
		case primitives.MetricQPS:
			pm.QPS = v
		case primitives.MetricErrorRate:
			pm.ErrorRate = v
		case primitives.MetricCacheHitRate:
			pm.CacheHitRate = v
		case primitives.MetricMemoryUsage:
			pm.MemoryUsage = v
		}
		p.Feed(pm)
	}
}

func TestPredictorTrendsFollowSlope(t *testing.T) {
	p := NewPredictor()
	feedSeries(p, primitives.MetricResponseTime, []float64{100, 120, 140, 160, 180})

	pred := p.Predict(primitives.MetricResponseTime, 1)
	assert.Equal(t, TrendIncreasing, pred.Trend)
	assert.Equal(t, 180.0, pred.Current)
	assert.InDelta(t, 200.0, pred.Predicted, 1.0)

	p2 := NewPredictor()
	feedSeries(p2, primitives.MetricResponseTime, []float64{180, 160, 140, 120, 100})
	pred = p2.Predict(primitives.MetricResponseTime, 1)
	assert.Equal(t, TrendDecreasing, pred.Trend)

	p3 := NewPredictor()
	feedSeries(p3, primitives.MetricResponseTime, []float64{50, 50, 50, 50, 50})
	pred = p3.Predict(primitives.MetricResponseTime, 1)
	assert.Equal(t, TrendStable, pred.Trend)
	assert.Equal(t, UrgencyLow, pred.UrgencyLevel)
}

func TestPredictionsAreClamped(t *testing.T) {
	p := NewPredictor()
	feedSeries(p, primitives.MetricResponseTime, []float64{2000, 4000, 6000, 8000, 10000})
	pred := p.Predict(primitives.MetricResponseTime, 5)
	assert.Equal(t, 10000.0, pred.Predicted)

	p2 := NewPredictor()
	feedSeries(p2, primitives.MetricErrorRate, []float64{0.5, 0.4, 0.3, 0.2, 0.1})
	pred = p2.Predict(primitives.MetricErrorRate, 5)
	assert.GreaterOrEqual(t, pred.Predicted, 0.0)
}

func TestPredictorInsufficientData(t *testing.T) {
	p := NewPredictor()
	pred := p.Predict(primitives.MetricQPS, 1)
	assert.Equal(t, 0.0, pred.ConfidenceScore)
	assert.Equal(t, "insufficient data", pred.Recommendation)

	feedSeries(p, primitives.MetricQPS, []float64{1500})
	pred = p.Predict(primitives.MetricQPS, 1)
	assert.Equal(t, 1500.0, pred.Current)
	assert.Equal(t, 1500.0, pred.Predicted)
}

func TestUrgencyIsDirectionAware(t *testing.T) {
	// Low QPS is the alarming direction.
	p := NewPredictor()
	feedSeries(p, primitives.MetricQPS, []float64{90, 90, 90, 90, 90})
	pred := p.Predict(primitives.MetricQPS, 1)
	assert.Equal(t, UrgencyCritical, pred.UrgencyLevel)

	// The same magnitude on response_time is harmless.
	p2 := NewPredictor()
	feedSeries(p2, primitives.MetricResponseTime, []float64{90, 90, 90, 90, 90})
	pred = p2.Predict(primitives.MetricResponseTime, 1)
	assert.Equal(t, UrgencyLow, pred.UrgencyLevel)
}

func TestAnomalyDetectorSeverities(t *testing.T) {
	d := NewAnomalyDetector()
	for i := 0; i < 10; i++ {
		_, flagged := d.Observe("qps", 10)
		assert.False(t, flagged, "flat warm-up must not flag")
		_, flagged = d.Observe("qps", 12)
		assert.False(t, flagged)
	}

	a, flagged := d.Observe("qps", 13.5)
	require.True(t, flagged)
	assert.Equal(t, SeverityMedium, a.Severity)

	a, flagged = d.Observe("qps", 40)
	require.True(t, flagged)
	assert.Equal(t, SeverityHigh, a.Severity)
}

func TestAnomalyDetectorNeedsSamples(t *testing.T) {
	d := NewAnomalyDetector()
	for i := 0; i < 9; i++ {
		_, flagged := d.Observe("error_rate", float64(i))
		assert.False(t, flagged)
	}
}

func highConfidenceIssue(metric string) Prediction {
	return Prediction{
		Metric:          metric,
		Current:         300,
		Predicted:       400,
		UrgencyLevel:    UrgencyHigh,
		ConfidenceScore: 0.97,
	}
}

func TestOptimizerAppliesPastGate(t *testing.T) {
	_, b, ctrl := testStack(t)
	ctx := context.Background()
	o := NewOptimizer(ctrl, b)

	var applied atomic.Int64
	o.RegisterCallback(func(cfg primitives.TuningConfig) {
		applied.Add(1)
		assert.Equal(t, 25, cfg.ConnectionPoolSize)
	})

	var published atomic.Int64
	sub, err := b.Subscribe(primitives.ChannelMLAutoApplied, func(ev *primitives.Event) {
		assert.Equal(t, "ml.optimization.auto_applied", ev.EventName)
		assert.Equal(t, true, ev.Payload["auto_applied"])
		published.Add(1)
	})
	require.NoError(t, err)
	defer sub.Stop()

	plan := o.Evaluate(ctx, []Prediction{highConfidenceIssue(primitives.MetricResponseTime)})
	require.NotNil(t, plan)
	assert.True(t, plan.Applied)
	assert.InDelta(t, 0.97, plan.AvgConfidence, 1e-9)

	cfg := ctrl.GetTuningConfig(ctx, DefaultTuningName)
	assert.Equal(t, 25, cfg.ConnectionPoolSize)
	assert.Equal(t, int64(1), applied.Load())
	assert.Eventually(t, func() bool { return published.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestOptimizerRespectsOperatorOverride(t *testing.T) {
	_, b, ctrl := testStack(t)
	ctx := context.Background()
	o := NewOptimizer(ctrl, b)

	override := primitives.DefaultTuningConfig()
	override.ConnectionPoolSize = 50
	require.NoError(t, ctrl.SetTuningConfig(ctx, DefaultTuningName, override, true))

	plan := o.Evaluate(ctx, []Prediction{highConfidenceIssue(primitives.MetricResponseTime)})
	require.NotNil(t, plan)
	assert.False(t, plan.Applied)

	// The override still shadows reads: no automated write landed under it.
	cfg := ctrl.GetTuningConfig(ctx, DefaultTuningName)
	assert.Equal(t, 50, cfg.ConnectionPoolSize)
}

func TestOptimizerBelowGateSuggestsOnly(t *testing.T) {
	_, b, ctrl := testStack(t)
	o := NewOptimizer(ctrl, b)

	issue := highConfidenceIssue(primitives.MetricResponseTime)
	issue.ConfidenceScore = 0.5
	plan := o.Evaluate(context.Background(), []Prediction{issue})
	require.NotNil(t, plan)
	assert.False(t, plan.Applied)
	assert.Equal(t, primitives.DefaultTuningConfig(), ctrl.GetTuningConfig(context.Background(), DefaultTuningName))
}

func TestOptimizerIgnoresHealthyPredictions(t *testing.T) {
	_, b, ctrl := testStack(t)
	o := NewOptimizer(ctrl, b)
	plan := o.Evaluate(context.Background(), []Prediction{
		{Metric: primitives.MetricQPS, UrgencyLevel: UrgencyLow, ConfidenceScore: 0.99},
		{Metric: primitives.MetricErrorRate, UrgencyLevel: UrgencyMedium, ConfidenceScore: 0.99},
	})
	assert.Nil(t, plan)
}

func TestPlanStaysInsideParameterRanges(t *testing.T) {
	_, b, ctrl := testStack(t)
	ctx := context.Background()

	near := primitives.DefaultTuningConfig()
	near.ConnectionPoolSize = 98
	require.NoError(t, ctrl.SetTuningConfig(ctx, DefaultTuningName, near, false))

	o := NewOptimizer(ctrl, b, WithStrategy(StrategyAggressive))
	plan := o.Evaluate(ctx, []Prediction{highConfidenceIssue(primitives.MetricResponseTime)})
	require.NotNil(t, plan)
	assert.Equal(t, 100, plan.After.ConnectionPoolSize)
}

func sample() primitives.PerformanceMetrics {
	return primitives.PerformanceMetrics{
		Timestamp:    time.Now(),
		CacheHitRate: 0.9,
		ResponseTime: 50,
		ErrorRate:    0.01,
		MemoryUsage:  0.5,
		QPS:          2000,
	}
}

func TestImpairmentGateDropsSamples(t *testing.T) {
	_, b, _ := testStack(t)
	m := NewMonitor(b, NewPredictor(), nil, nil)
	require.NoError(t, m.Start())
	defer m.Stop()

	err := b.Publish(context.Background(), primitives.ChannelResilienceEvents,
		"resilience.circuit_breaker.opened",
		map[string]interface{}{"name": "db_query", "recovery_timeout": 60.0}, "resilience")
	require.NoError(t, err)
	require.Eventually(t, m.Impaired, 2*time.Second, 10*time.Millisecond)

	m.Deliver(sample())
	assert.Equal(t, 0, m.predictor.HistoryLen())
	assert.Equal(t, int64(1), m.DroppedSamples())

	err = b.Publish(context.Background(), primitives.ChannelResilienceEvents,
		"resilience.circuit_breaker.closed",
		map[string]interface{}{"name": "db_query"}, "resilience")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !m.Impaired() }, 2*time.Second, 10*time.Millisecond)

	m.Deliver(sample())
	assert.Equal(t, 1, m.predictor.HistoryLen())
}

func TestExpiredImpairmentIsPruned(t *testing.T) {
	_, b, _ := testStack(t)
	m := NewMonitor(b, NewPredictor(), nil, nil)

	m.mu.Lock()
	m.impairments["circuit_breaker:db_query"] = time.Now().Add(-time.Second)
	m.mu.Unlock()

	assert.False(t, m.Impaired())
	m.Deliver(sample())
	assert.Equal(t, 1, m.predictor.HistoryLen())
}

func TestDeliverFeedsOptimizer(t *testing.T) {
	_, b, ctrl := testStack(t)
	o := NewOptimizer(ctrl, b)
	m := NewMonitor(b, NewPredictor(), NewAnomalyDetector(), o)

	// Healthy snapshots: nothing to optimize, but the model fills up.
	for i := 0; i < 5; i++ {
		m.Deliver(sample())
	}
	assert.Equal(t, 5, m.predictor.HistoryLen())
	assert.Nil(t, o.LastPlan())
}
