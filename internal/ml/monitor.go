package ml

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/U2SG/yoto-sub000/internal/bus"
	"github.com/U2SG/yoto-sub000/internal/primitives"
)

// impairmentGrace extends each impairment past the component's own
// recovery timeout so half-open probing never feeds the model.
const impairmentGrace = 15 * time.Second

// defaultRecoveryTimeout applies when an event carries no timeout.
const defaultRecoveryTimeout = 60 * time.Second

// Monitor is the ML feed gate. It receives validated minute snapshots
// from the aggregator, drops them while the system is impaired (any
// breaker open, degradation active or limiter tripping), and otherwise
// fans them into the predictor, anomaly detector and optimizer.
type Monitor struct {
	predictor *Predictor
	detector  *AnomalyDetector
	optimizer *Optimizer
	bus       *bus.Bus

	mu          sync.Mutex
	impairments map[string]time.Time // key -> expiry
	dropped     int64

	sub *bus.Subscription
}

func NewMonitor(b *bus.Bus, predictor *Predictor, detector *AnomalyDetector, optimizer *Optimizer) *Monitor {
	return &Monitor{
		predictor:   predictor,
		detector:    detector,
		optimizer:   optimizer,
		bus:         b,
		impairments: make(map[string]time.Time),
	}
}

// Start subscribes to resilience state transitions to track impairment.
func (m *Monitor) Start() error {
	sub, err := m.bus.Subscribe(primitives.ChannelResilienceEvents, m.onResilienceEvent)
	if err != nil {
		return err
	}
	m.sub = sub
	return nil
}

// Stop closes the resilience event subscription.
func (m *Monitor) Stop() {
	if m.sub != nil {
		m.sub.Stop()
	}
}

// onResilienceEvent maintains the impairment map. Event names follow
// resilience.{component}.{transition}.
func (m *Monitor) onResilienceEvent(ev *primitives.Event) {
	parts := strings.Split(ev.EventName, ".")
	if len(parts) != 3 || parts[0] != "resilience" {
		return
	}
	component, transition := parts[1], parts[2]
	name, _ := ev.Payload["name"].(string)
	key := component + ":" + name

	switch transition {
	case "opened", "activated", "triggered":
		recovery := defaultRecoveryTimeout
		if secs, ok := ev.Payload["recovery_timeout"].(float64); ok && secs > 0 {
			recovery = time.Duration(secs * float64(time.Second))
		}
		expiry := time.Now().Add(recovery + impairmentGrace)
		m.mu.Lock()
		m.impairments[key] = expiry
		m.mu.Unlock()
		slog.Info("[MLMonitor] Impairment recorded", "key", key, "until", expiry)
	case "closed", "deactivated":
		m.mu.Lock()
		delete(m.impairments, key)
		m.mu.Unlock()
		slog.Info("[MLMonitor] Impairment cleared", "key", key)
	}
}

// Impaired reports whether any impairment key is still unexpired.
// Expired keys are pruned on the way through.
func (m *Monitor) Impaired() bool {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, expiry := range m.impairments {
		if now.Before(expiry) {
			return true
		}
		delete(m.impairments, key)
	}
	return false
}

// DroppedSamples counts snapshots discarded by the impairment gate.
func (m *Monitor) DroppedSamples() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Deliver is the aggregator sink. Samples taken while a breaker is open
// or a limiter is shedding describe the outage, not the workload, so
// they are dropped rather than folded into the model.
func (m *Monitor) Deliver(pm primitives.PerformanceMetrics) {
	if m.Impaired() {
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
		slog.Debug("[MLMonitor] Dropping snapshot while impaired", "timestamp", pm.Timestamp)
		return
	}

	m.predictor.Feed(pm)

	if m.detector != nil {
		for _, metric := range primitives.RequiredMetrics {
			v, _ := pm.Value(metric)
			if anomaly, flagged := m.detector.Observe(metric, v); flagged {
				slog.Warn("[MLMonitor] Anomaly detected", "metric", metric,
					"value", anomaly.Value, "z_score", anomaly.ZScore, "severity", anomaly.Severity)
			}
		}
	}

	if m.optimizer != nil {
		m.optimizer.Evaluate(context.Background(), m.predictor.PredictAll(1))
	}
}
