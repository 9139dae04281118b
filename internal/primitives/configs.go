package primitives

import (
	"encoding/json"
	"fmt"
)

// Resilience config kinds. Each kind lives in its own store hash
// (resilience:{circuit_breaker} etc.) keyed by component name, with an
// overrides hash shadowing the main layer while an override is unexpired.
const (
	ConfigKindCircuitBreaker = "circuit_breaker"
	ConfigKindRateLimit      = "rate_limit"
	ConfigKindDegradation    = "degradation"
	ConfigKindBulkhead       = "bulkhead"
	ConfigKindGlobalSwitch   = "global_switch"
	ConfigKindTuning         = "tuning"
)

// CircuitBreakerConfig controls one named breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int     `json:"failure_threshold"`
	RecoveryTimeout  float64 `json:"recovery_timeout"` // seconds
	HalfOpenMaxCalls int     `json:"half_open_max_calls"`
}

// DefaultCircuitBreakerConfig mirrors the documented defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, RecoveryTimeout: 60, HalfOpenMaxCalls: 1}
}

// RateLimitAlgorithm selects the server-side limiter script.
type RateLimitAlgorithm string

const (
	AlgTokenBucket   RateLimitAlgorithm = "token_bucket"
	AlgSlidingWindow RateLimitAlgorithm = "sliding_window"
	AlgFixedWindow   RateLimitAlgorithm = "fixed_window"
)

// RateLimitConfig controls one named limiter. Dimension limits apply to
// the multi-dimensional composition; a zero limit disables the dimension.
type RateLimitConfig struct {
	MaxRequests     int                `json:"max_requests"`
	TimeWindow      float64            `json:"time_window"` // seconds
	TokensPerSecond float64            `json:"tokens_per_second"`
	Algorithm       RateLimitAlgorithm `json:"algorithm"`

	UserLimit     int `json:"user_limit,omitempty"`
	ServerLimit   int `json:"server_limit,omitempty"`
	IPLimit       int `json:"ip_limit,omitempty"`
	CombinedLimit int `json:"combined_limit,omitempty"`
}

// DefaultRateLimitConfig mirrors the documented defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxRequests:     100,
		TimeWindow:      60,
		TokensPerSecond: 10,
		Algorithm:       AlgSlidingWindow,
	}
}

// DegradationConfig switches a component into a fallback mode.
type DegradationConfig struct {
	Enabled      bool   `json:"enabled"`
	FallbackMode string `json:"fallback_mode"`
}

// BulkheadConfig caps concurrent calls into a component.
type BulkheadConfig struct {
	MaxConcurrentCalls int     `json:"max_concurrent_calls"`
	MaxWaitSeconds     float64 `json:"max_wait_seconds"`
}

// DefaultBulkheadConfig mirrors the documented defaults.
func DefaultBulkheadConfig() BulkheadConfig {
	return BulkheadConfig{MaxConcurrentCalls: 10, MaxWaitSeconds: 0}
}

// GlobalSwitchConfig carries cluster-wide kill switches.
type GlobalSwitchConfig struct {
	MaintenanceMode bool `json:"maintenance_mode"`
}

// TuningConfig holds the operational parameters the adaptive optimizer is
// allowed to rewrite. It lives in the main resilience config layer so a
// manual override always shadows an automated write.
type TuningConfig struct {
	ConnectionPoolSize int     `json:"connection_pool_size"`
	SocketTimeout      float64 `json:"socket_timeout"`
	LockTimeout        float64 `json:"lock_timeout"`
	BatchSize          int     `json:"batch_size"`
	CacheMaxSize       int     `json:"cache_max_size"`
}

// DefaultTuningConfig mirrors the documented defaults.
func DefaultTuningConfig() TuningConfig {
	return TuningConfig{
		ConnectionPoolSize: 20,
		SocketTimeout:      2.0,
		LockTimeout:        1.0,
		BatchSize:          100,
		CacheMaxSize:       5000,
	}
}

// OverrideEntry is one record in the resilience:{config_overrides} hash,
// keyed "{type}:{name}". It shadows main config until ExpiresAt passes.
type OverrideEntry struct {
	Config    json.RawMessage `json:"config"`
	CreatedAt float64         `json:"created_at"`
	ExpiresAt float64         `json:"expires_at"`
	Source    string          `json:"source"`
}

// DecodeConfig unmarshals raw hash content into a typed config record.
// Accepts both the typed JSON we write and the loose dict shapes the
// control plane may post.
func DecodeConfig(raw []byte, out interface{}) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	return nil
}
