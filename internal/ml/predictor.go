// Package ml turns the minute metric feed into trend predictions and
// bounded tuning plans. Everything here is advisory: a prediction or
// plan that cannot be computed degrades to "no change".
package ml

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/U2SG/yoto-sub000/internal/monitor"
	"github.com/U2SG/yoto-sub000/internal/primitives"
)

const (
	// DefaultHistorySize bounds the snapshot ring.
	DefaultHistorySize = 1000
	// fitPoints is how many recent snapshots feed each linear fit.
	fitPoints = 5
	// trendSlopeEpsilon separates stable from moving.
	trendSlopeEpsilon = 0.01
)

// Urgency levels, worst first.
const (
	UrgencyCritical = "critical"
	UrgencyHigh     = "high"
	UrgencyMedium   = "medium"
	UrgencyLow      = "low"
)

// Trend classifications.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// Prediction is one metric's forward look.
type Prediction struct {
	Metric          string  `json:"metric"`
	Current         float64 `json:"current"`
	Predicted       float64 `json:"predicted"`
	Confidence      float64 `json:"confidence"`
	Trend           string  `json:"trend"`
	Recommendation  string  `json:"recommendation"`
	UrgencyLevel    string  `json:"urgency_level"`
	ConfidenceScore float64 `json:"confidence_score"`
}

type linearModel struct {
	slope     float64
	intercept float64
	samples   int
}

// metricBounds clamp predictions to plausible values per metric.
type metricBounds struct{ lo, hi float64 }

func boundsFor(metric string) metricBounds {
	switch metric {
	case primitives.MetricResponseTime:
		return metricBounds{lo: 1, hi: 10000} // milliseconds
	case primitives.MetricQPS:
		return metricBounds{lo: 0, hi: 10000}
	default:
		// hit rate, error rate, memory usage, pool usage are ratios
		return metricBounds{lo: 0, hi: 1}
	}
}

// Predictor keeps a bounded ring of minute snapshots and a per-metric
// linear model refit on every feed.
type Predictor struct {
	mu      sync.Mutex
	history []primitives.PerformanceMetrics
	size    int
	models  map[string]linearModel

	thresholds map[string]monitor.Threshold
}

func NewPredictor() *Predictor {
	return &Predictor{
		size:       DefaultHistorySize,
		models:     make(map[string]linearModel),
		thresholds: monitor.DefaultThresholds(),
	}
}

// Feed appends one snapshot and refits every metric's model.
func (p *Predictor) Feed(pm primitives.PerformanceMetrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pm.Timestamp.IsZero() {
		pm.Timestamp = time.Now()
	}
	p.history = append(p.history, pm)
	if len(p.history) > p.size {
		p.history = p.history[len(p.history)-p.size:]
	}
	for _, metric := range primitives.RequiredMetrics {
		p.models[metric] = p.fit(metric)
	}
}

// HistoryLen reports how many snapshots the ring currently holds.
func (p *Predictor) HistoryLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.history)
}

// fit runs least squares over the last fitPoints samples with x as the
// sample index. Callers hold the mutex.
func (p *Predictor) fit(metric string) linearModel {
	start := len(p.history) - fitPoints
	if start < 0 {
		start = 0
	}
	window := p.history[start:]
	n := len(window)
	if n < 2 {
		var v float64
		if n == 1 {
			v, _ = window[0].Value(metric)
		}
		return linearModel{intercept: v, samples: n}
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, pm := range window {
		x := float64(i)
		y, _ := pm.Value(metric)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return linearModel{intercept: sumY / fn, samples: n}
	}
	slope := (fn*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / fn
	return linearModel{slope: slope, intercept: intercept, samples: n}
}

// Predict projects metric horizonSteps minutes ahead. With fewer than
// two samples the prediction is the current value at zero confidence.
func (p *Predictor) Predict(metric string, horizonSteps int) Prediction {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := Prediction{Metric: metric, Trend: TrendStable, UrgencyLevel: UrgencyLow}
	if len(p.history) == 0 {
		out.Recommendation = "insufficient data"
		return out
	}
	current, _ := p.history[len(p.history)-1].Value(metric)
	out.Current = current

	model, ok := p.models[metric]
	if !ok || model.samples < 2 {
		out.Predicted = current
		out.Recommendation = "insufficient data"
		return out
	}

	b := boundsFor(metric)
	predicted := model.intercept + model.slope*float64(model.samples-1+horizonSteps)
	out.Predicted = clamp(predicted, b.lo, b.hi)

	switch {
	case model.slope > trendSlopeEpsilon:
		out.Trend = TrendIncreasing
	case model.slope < -trendSlopeEpsilon:
		out.Trend = TrendDecreasing
	}

	out.UrgencyLevel = p.urgencyFor(metric, out.Predicted)
	out.Recommendation = recommendationFor(metric, out.UrgencyLevel, out.Trend)

	out.Confidence = clamp(float64(model.samples)/float64(fitPoints), 0, 1)
	out.ConfidenceScore = confidenceScore(out.Confidence, out.UrgencyLevel, current, out.Predicted)
	return out
}

// PredictAll runs Predict over the required metric set.
func (p *Predictor) PredictAll(horizonSteps int) []Prediction {
	out := make([]Prediction, 0, len(primitives.RequiredMetrics))
	for _, metric := range primitives.RequiredMetrics {
		out = append(out, p.Predict(metric, horizonSteps))
	}
	return out
}

// urgencyFor grades a predicted value against the alert ladder,
// direction-aware like the monitor. Callers hold the mutex.
func (p *Predictor) urgencyFor(metric string, value float64) string {
	t, ok := p.thresholds[metric]
	if !ok {
		return UrgencyLow
	}
	switch t.Level(value) {
	case monitor.LevelCritical:
		return UrgencyCritical
	case monitor.LevelError:
		return UrgencyHigh
	case monitor.LevelWarning:
		return UrgencyMedium
	}
	return UrgencyLow
}

// confidenceScore folds urgency and predicted change into the base
// model confidence. A wild swing lowers trust in the fit; a prediction
// in an alarming band gets a small boost since those are the ones the
// optimizer acts on.
func confidenceScore(base float64, urgency string, current, predicted float64) float64 {
	urgencyMult := map[string]float64{
		UrgencyCritical: 1.1,
		UrgencyHigh:     1.05,
		UrgencyMedium:   1.0,
		UrgencyLow:      0.9,
	}[urgency]

	ref := math.Abs(current)
	if ref < 1e-9 {
		ref = 1e-9
	}
	change := math.Abs(predicted-current) / ref
	changeMult := 1.05 - 0.25*math.Min(change, 1)

	return clamp(base*urgencyMult*changeMult, 0, 1)
}

func recommendationFor(metric, urgency, trend string) string {
	if urgency == UrgencyLow {
		return "no action needed"
	}
	switch metric {
	case primitives.MetricCacheHitRate:
		return "grow cache capacity or extend TTLs"
	case primitives.MetricResponseTime:
		return "grow connection pool and review slow queries"
	case primitives.MetricErrorRate:
		return "raise timeouts and inspect failing dependencies"
	case primitives.MetricMemoryUsage:
		return "shrink cache capacity or batch sizes"
	case primitives.MetricQPS:
		return "grow connection pool and batch sizes for throughput"
	}
	return fmt.Sprintf("review %s (%s, %s)", metric, urgency, trend)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
