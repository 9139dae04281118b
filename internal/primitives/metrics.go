package primitives

import "time"

// Required metric names a minute snapshot must contain before it is
// assembled into a PerformanceMetrics and delivered to the ML feed.
var RequiredMetrics = []string{
	MetricCacheHitRate,
	MetricResponseTime,
	MetricErrorRate,
	MetricMemoryUsage,
	MetricQPS,
}

const (
	MetricCacheHitRate        = "cache_hit_rate"
	MetricResponseTime        = "response_time"
	MetricErrorRate           = "error_rate"
	MetricMemoryUsage         = "memory_usage"
	MetricQPS                 = "qps"
	MetricConnectionPoolUsage = "connection_pool_usage"
)

// PerformanceMetrics is one complete per-minute snapshot.
type PerformanceMetrics struct {
	Timestamp           time.Time `json:"timestamp"`
	CacheHitRate        float64   `json:"cache_hit_rate"`
	ResponseTime        float64   `json:"response_time"` // milliseconds
	ErrorRate           float64   `json:"error_rate"`
	MemoryUsage         float64   `json:"memory_usage"`
	QPS                 float64   `json:"qps"`
	ConnectionPoolUsage float64   `json:"connection_pool_usage"`
}

// Value returns the named metric from the snapshot.
func (p *PerformanceMetrics) Value(name string) (float64, bool) {
	switch name {
	case MetricCacheHitRate:
		return p.CacheHitRate, true
	case MetricResponseTime:
		return p.ResponseTime, true
	case MetricErrorRate:
		return p.ErrorRate, true
	case MetricMemoryUsage:
		return p.MemoryUsage, true
	case MetricQPS:
		return p.QPS, true
	case MetricConnectionPoolUsage:
		return p.ConnectionPoolUsage, true
	}
	return 0, false
}
