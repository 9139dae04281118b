package ml

import (
	"math"
	"sync"
)

// Anomaly severities.
const (
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

const (
	anomalyWindow        = 100
	defaultZThreshold    = 2.0
	highSeverityZScore   = 3.0
	minSamplesForZScores = 10
)

// Anomaly is one flagged observation.
type Anomaly struct {
	Metric   string  `json:"metric"`
	Value    float64 `json:"value"`
	Mean     float64 `json:"mean"`
	ZScore   float64 `json:"z_score"`
	Severity string  `json:"severity"`
}

// AnomalyDetector keeps a rolling window per metric and flags values
// whose z-score against the window exceeds the threshold.
type AnomalyDetector struct {
	mu        sync.Mutex
	windows   map[string][]float64
	threshold float64
}

func NewAnomalyDetector() *AnomalyDetector {
	return &AnomalyDetector{windows: make(map[string][]float64), threshold: defaultZThreshold}
}

// SetThreshold replaces the medium-severity z cutoff.
func (d *AnomalyDetector) SetThreshold(z float64) {
	d.mu.Lock()
	d.threshold = z
	d.mu.Unlock()
}

// Observe folds one value into metric's window and reports whether it
// is anomalous against the window before it. Early samples never flag:
// a thin window makes the deviation meaningless.
func (d *AnomalyDetector) Observe(metric string, value float64) (Anomaly, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	window := d.windows[metric]
	defer func() {
		window = append(window, value)
		if len(window) > anomalyWindow {
			window = window[len(window)-anomalyWindow:]
		}
		d.windows[metric] = window
	}()

	if len(window) < minSamplesForZScores {
		return Anomaly{}, false
	}

	var sum float64
	for _, v := range window {
		sum += v
	}
	mean := sum / float64(len(window))
	var sq float64
	for _, v := range window {
		sq += (v - mean) * (v - mean)
	}
	std := math.Sqrt(sq / float64(len(window)))
	if std == 0 {
		if value == mean {
			return Anomaly{}, false
		}
		// Any departure from a flat window is maximally surprising.
		return Anomaly{Metric: metric, Value: value, Mean: mean, ZScore: math.Inf(1), Severity: SeverityHigh}, true
	}

	z := (value - mean) / std
	if math.Abs(z) <= d.threshold {
		return Anomaly{}, false
	}
	severity := SeverityMedium
	if math.Abs(z) > highSeverityZScore {
		severity = SeverityHigh
	}
	return Anomaly{Metric: metric, Value: value, Mean: mean, ZScore: z, Severity: severity}, true
}
