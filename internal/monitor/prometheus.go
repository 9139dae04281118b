package monitor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusBackend exports recorded metrics through a dedicated
// registry. Like statsd it is an export sink: history queries return
// empty and alert state is process-local.
type PrometheusBackend struct {
	registry     *prometheus.Registry
	gauges       *prometheus.GaugeVec
	observations *prometheus.HistogramVec
	events       *prometheus.CounterVec
	alertsRaised *prometheus.CounterVec

	alerts *MemoryBackend
}

func NewPrometheusBackend(namespace string) *PrometheusBackend {
	reg := prometheus.NewRegistry()
	b := &PrometheusBackend{
		registry: reg,
		gauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "metric_value",
			Help:      "Last recorded value per metric.",
		}, []string{"metric"}),
		observations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "metric_observations",
			Help:      "Distribution of recorded values per metric.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 12),
		}, []string{"metric"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Recorded events per name.",
		}, []string{"event"}),
		alertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_raised_total",
			Help:      "Alerts raised per level.",
		}, []string{"level"}),
		alerts: NewMemoryBackend(),
	}
	reg.MustRegister(b.gauges, b.observations, b.events, b.alertsRaised)
	return b
}

// Registry exposes the backend's registry for an HTTP handler.
func (p *PrometheusBackend) Registry() *prometheus.Registry { return p.registry }

func (p *PrometheusBackend) RecordMetric(ctx context.Context, name string, value float64, tags map[string]string, ts time.Time) error {
	p.gauges.WithLabelValues(name).Set(value)
	p.observations.WithLabelValues(name).Observe(value)
	return nil
}

func (p *PrometheusBackend) RecordEvent(ctx context.Context, name string, metadata map[string]interface{}, tags map[string]string, ts time.Time) error {
	p.events.WithLabelValues(name).Inc()
	return nil
}

func (p *PrometheusBackend) GetMetrics(ctx context.Context, name string, limit int) ([]MetricPoint, error) {
	return nil, nil
}

func (p *PrometheusBackend) GetStats(ctx context.Context, name string) (RunningStats, error) {
	return RunningStats{}, nil
}

func (p *PrometheusBackend) CreateAlert(ctx context.Context, alert Alert) (string, bool, error) {
	id, created, err := p.alerts.CreateAlert(ctx, alert)
	if created {
		p.alertsRaised.WithLabelValues(alert.Level).Inc()
	}
	return id, created, err
}

func (p *PrometheusBackend) GetActiveAlerts(ctx context.Context) ([]Alert, error) {
	return p.alerts.GetActiveAlerts(ctx)
}

func (p *PrometheusBackend) ResolveAlert(ctx context.Context, id string) error {
	return p.alerts.ResolveAlert(ctx, id)
}

func (p *PrometheusBackend) GetAlertCounters(ctx context.Context) (map[string]int64, error) {
	return p.alerts.GetAlertCounters(ctx)
}
