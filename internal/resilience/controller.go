// Package resilience provides centrally-configured circuit breakers,
// rate limiters and bulkheads whose state lives in the shared store.
// Every process in the fleet reads and mutates the same truth through
// registered server-side scripts, so a breaker opened on one pod is
// open everywhere in the same instant.
package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/U2SG/yoto-sub000/internal/bus"
	"github.com/U2SG/yoto-sub000/internal/primitives"
	"github.com/U2SG/yoto-sub000/internal/store"
)

const (
	mainHashFmt      = "resilience:{%s}"
	overridesHashKey = "resilience:{config_overrides}"
	configLockFmt    = "lock:resilience:%s:%s"

	// DefaultConfigCacheTTL bounds how stale a local config read may be
	// when the config-updated event was missed.
	DefaultConfigCacheTTL = 300 * time.Second
	// DefaultOverrideTTL is how long a manual operator override shadows
	// the main layer.
	DefaultOverrideTTL = 3600 * time.Second
)

type cachedConfig struct {
	raw       []byte
	found     bool
	fetchedAt time.Time
}

// Controller owns the layered resilience configuration and hands out
// breaker/limiter/bulkhead handles bound to it.
type Controller struct {
	store       *store.Client
	locks       *store.LockFactory
	bus         *bus.Bus
	cacheTTL    time.Duration
	overrideTTL time.Duration

	mu    sync.Mutex
	cache map[string]cachedConfig // "{type}:{name}"

	sub *bus.Subscription
}

// Option tweaks controller construction.
type Option func(*Controller)

func WithConfigCacheTTL(d time.Duration) Option { return func(c *Controller) { c.cacheTTL = d } }
func WithOverrideTTL(d time.Duration) Option    { return func(c *Controller) { c.overrideTTL = d } }

func NewController(st *store.Client, locks *store.LockFactory, b *bus.Bus, opts ...Option) *Controller {
	c := &Controller{
		store:       st,
		locks:       locks,
		bus:         b,
		cacheTTL:    DefaultConfigCacheTTL,
		overrideTTL: DefaultOverrideTTL,
		cache:       make(map[string]cachedConfig),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes to config-updated notifications so the local cache
// never serves a stale entry longer than event propagation takes.
func (c *Controller) Start() error {
	sub, err := c.bus.Subscribe(primitives.ChannelConfigUpdated, func(ev *primitives.Event) {
		ctype, _ := ev.Payload["config_type"].(string)
		cname, _ := ev.Payload["config_name"].(string)
		c.invalidateCached(ctype, cname)
	})
	if err != nil {
		return err
	}
	c.sub = sub
	return nil
}

// Stop closes the config-updated subscription.
func (c *Controller) Stop() {
	if c.sub != nil {
		c.sub.Stop()
	}
}

func (c *Controller) invalidateCached(ctype, cname string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctype == "" {
		c.cache = make(map[string]cachedConfig)
		return
	}
	delete(c.cache, ctype+":"+cname)
}

// readLayered resolves a config through overrides → main → not found,
// consulting the local TTL cache first. The reader never sees an
// expired override: expiry is checked against the entry, not the hash.
func (c *Controller) readLayered(ctx context.Context, kind, name string) ([]byte, bool) {
	key := kind + ":" + name

	c.mu.Lock()
	if entry, ok := c.cache[key]; ok && time.Since(entry.fetchedAt) < c.cacheTTL {
		c.mu.Unlock()
		return entry.raw, entry.found
	}
	c.mu.Unlock()

	raw, found := c.readLayeredUncached(ctx, kind, name)

	c.mu.Lock()
	c.cache[key] = cachedConfig{raw: raw, found: found, fetchedAt: time.Now()}
	c.mu.Unlock()
	return raw, found
}

func (c *Controller) readLayeredUncached(ctx context.Context, kind, name string) ([]byte, bool) {
	if v, err := c.store.HGet(ctx, overridesHashKey, kind+":"+name); err == nil {
		var entry primitives.OverrideEntry
		if jerr := json.Unmarshal([]byte(v), &entry); jerr == nil {
			if entry.ExpiresAt == 0 || entry.ExpiresAt > float64(time.Now().UnixNano())/1e9 {
				return entry.Config, true
			}
		}
	}
	if v, err := c.store.HGet(ctx, fmt.Sprintf(mainHashFmt, kind), name); err == nil {
		return []byte(v), true
	}
	return nil, false
}

// HasOverride reports whether an unexpired override shadows (kind, name).
// The ML optimizer consults this before auto-applying a plan.
func (c *Controller) HasOverride(ctx context.Context, kind, name string) bool {
	v, err := c.store.HGet(ctx, overridesHashKey, kind+":"+name)
	if err != nil {
		return false
	}
	var entry primitives.OverrideEntry
	if err := json.Unmarshal([]byte(v), &entry); err != nil {
		return false
	}
	return entry.ExpiresAt == 0 || entry.ExpiresAt > float64(time.Now().UnixNano())/1e9
}

// writeConfig persists a config record and publishes the update. The
// override lock guards against interleaved partial writes; an invalid
// config never reaches the store.
func (c *Controller) writeConfig(ctx context.Context, kind, name string, cfg interface{}, useOverride bool, source string) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", primitives.ErrSerialization, err)
	}

	lockKey := fmt.Sprintf(configLockFmt, kind, name)
	err = c.locks.WithLock(ctx, lockKey, 5*time.Second, store.DefaultRetryBudget(), func(ctx context.Context) error {
		if useOverride {
			now := float64(time.Now().UnixNano()) / 1e9
			entry := primitives.OverrideEntry{
				Config:    raw,
				CreatedAt: now,
				ExpiresAt: now + c.overrideTTL.Seconds(),
				Source:    source,
			}
			eraw, merr := json.Marshal(&entry)
			if merr != nil {
				return fmt.Errorf("%w: %v", primitives.ErrSerialization, merr)
			}
			return c.store.HSet(ctx, overridesHashKey, kind+":"+name, string(eraw))
		}
		return c.store.HSet(ctx, fmt.Sprintf(mainHashFmt, kind), name, string(raw))
	})
	if err != nil {
		return err
	}

	c.invalidateCached(kind, name)
	c.publishConfigUpdated(ctx, kind, name)
	return nil
}

// publishConfigUpdated notifies the fleet. Publication happens after the
// store write, so subscribers always read a store that reflects the new
// value. Failures are logged, never surfaced.
func (c *Controller) publishConfigUpdated(ctx context.Context, kind, name string) {
	err := c.bus.Publish(ctx, primitives.ChannelConfigUpdated, "resilience.config.updated",
		map[string]interface{}{
			"config_type": kind,
			"config_name": name,
			"timestamp":   float64(time.Now().UnixNano()) / 1e9,
		}, "resilience")
	if err != nil {
		slog.Warn("[Resilience] config_updated publish failed", "type", kind, "name", name, "error", err)
	}
}

// ---------------------------------------------------------------------
// Typed config accessors
// ---------------------------------------------------------------------

func (c *Controller) GetCircuitBreakerConfig(ctx context.Context, name string) primitives.CircuitBreakerConfig {
	cfg := primitives.DefaultCircuitBreakerConfig()
	if raw, ok := c.readLayered(ctx, primitives.ConfigKindCircuitBreaker, name); ok {
		if err := primitives.DecodeConfig(raw, &cfg); err != nil {
			slog.Warn("[Resilience] Bad circuit breaker config, using default", "name", name, "error", err)
			return primitives.DefaultCircuitBreakerConfig()
		}
	}
	return cfg
}

func (c *Controller) SetCircuitBreakerConfig(ctx context.Context, name string, cfg primitives.CircuitBreakerConfig, useOverride bool) error {
	if cfg.FailureThreshold <= 0 || cfg.RecoveryTimeout <= 0 {
		return fmt.Errorf("%w: circuit breaker %q needs positive threshold and recovery timeout", primitives.ErrConfigInvalid, name)
	}
	return c.writeConfig(ctx, primitives.ConfigKindCircuitBreaker, name, &cfg, useOverride, sourceFor(useOverride))
}

func (c *Controller) GetRateLimitConfig(ctx context.Context, name string) primitives.RateLimitConfig {
	cfg := primitives.DefaultRateLimitConfig()
	if raw, ok := c.readLayered(ctx, primitives.ConfigKindRateLimit, name); ok {
		if err := primitives.DecodeConfig(raw, &cfg); err != nil {
			slog.Warn("[Resilience] Bad rate limit config, using default", "name", name, "error", err)
			return primitives.DefaultRateLimitConfig()
		}
	}
	return cfg
}

func (c *Controller) SetRateLimitConfig(ctx context.Context, name string, cfg primitives.RateLimitConfig, useOverride bool) error {
	if cfg.MaxRequests <= 0 || cfg.TimeWindow <= 0 {
		return fmt.Errorf("%w: rate limit %q needs positive budget and window", primitives.ErrConfigInvalid, name)
	}
	return c.writeConfig(ctx, primitives.ConfigKindRateLimit, name, &cfg, useOverride, sourceFor(useOverride))
}

func (c *Controller) GetBulkheadConfig(ctx context.Context, name string) primitives.BulkheadConfig {
	cfg := primitives.DefaultBulkheadConfig()
	if raw, ok := c.readLayered(ctx, primitives.ConfigKindBulkhead, name); ok {
		if err := primitives.DecodeConfig(raw, &cfg); err != nil {
			slog.Warn("[Resilience] Bad bulkhead config, using default", "name", name, "error", err)
			return primitives.DefaultBulkheadConfig()
		}
	}
	return cfg
}

func (c *Controller) SetBulkheadConfig(ctx context.Context, name string, cfg primitives.BulkheadConfig, useOverride bool) error {
	if cfg.MaxConcurrentCalls <= 0 {
		return fmt.Errorf("%w: bulkhead %q needs a positive concurrency cap", primitives.ErrConfigInvalid, name)
	}
	return c.writeConfig(ctx, primitives.ConfigKindBulkhead, name, &cfg, useOverride, sourceFor(useOverride))
}

func (c *Controller) GetDegradationConfig(ctx context.Context, name string) primitives.DegradationConfig {
	var cfg primitives.DegradationConfig
	if raw, ok := c.readLayered(ctx, primitives.ConfigKindDegradation, name); ok {
		if err := primitives.DecodeConfig(raw, &cfg); err != nil {
			slog.Warn("[Resilience] Bad degradation config", "name", name, "error", err)
		}
	}
	return cfg
}

func (c *Controller) SetDegradationConfig(ctx context.Context, name string, cfg primitives.DegradationConfig, useOverride bool) error {
	return c.writeConfig(ctx, primitives.ConfigKindDegradation, name, &cfg, useOverride, sourceFor(useOverride))
}

func (c *Controller) GetTuningConfig(ctx context.Context, name string) primitives.TuningConfig {
	cfg := primitives.DefaultTuningConfig()
	if raw, ok := c.readLayered(ctx, primitives.ConfigKindTuning, name); ok {
		if err := primitives.DecodeConfig(raw, &cfg); err != nil {
			slog.Warn("[Resilience] Bad tuning config, using default", "name", name, "error", err)
			return primitives.DefaultTuningConfig()
		}
	}
	return cfg
}

func (c *Controller) SetTuningConfig(ctx context.Context, name string, cfg primitives.TuningConfig, useOverride bool) error {
	return c.writeConfig(ctx, primitives.ConfigKindTuning, name, &cfg, useOverride, sourceFor(useOverride))
}

// MaintenanceMode reads the global kill switch. A store failure reads as
// "not in maintenance" — the data plane must not brown out because the
// switch is unreadable.
func (c *Controller) MaintenanceMode(ctx context.Context) bool {
	var cfg primitives.GlobalSwitchConfig
	raw, ok := c.readLayeredUncached(ctx, primitives.ConfigKindGlobalSwitch, "global")
	if !ok {
		return false
	}
	if err := primitives.DecodeConfig(raw, &cfg); err != nil {
		return false
	}
	return cfg.MaintenanceMode
}

func (c *Controller) SetMaintenanceMode(ctx context.Context, on bool) error {
	return c.writeConfig(ctx, primitives.ConfigKindGlobalSwitch, "global",
		&primitives.GlobalSwitchConfig{MaintenanceMode: on}, false, "operator")
}

func sourceFor(useOverride bool) string {
	if useOverride {
		return "operator"
	}
	return "automated"
}

// Snapshot reports the stored state of every breaker and bulkhead name
// the caller asks about. Used by the façade's system stats.
func (c *Controller) Snapshot(ctx context.Context, breakerNames, bulkheadNames []string) map[string]interface{} {
	out := make(map[string]interface{})
	breakers := make(map[string]string, len(breakerNames))
	for _, name := range breakerNames {
		state, err := c.store.Get(ctx, breakerStateKey(name))
		if err != nil {
			state = StateClosed
		}
		breakers[name] = state
	}
	out["circuit_breakers"] = breakers

	bulkheads := make(map[string]map[string]string, len(bulkheadNames))
	for _, name := range bulkheadNames {
		stats := make(map[string]string)
		for _, field := range []string{"active_calls", "total_calls", "failed_calls"} {
			v, err := c.store.Get(ctx, fmt.Sprintf("bulkhead:{%s}:%s", name, field))
			if err != nil {
				v = "0"
			}
			stats[field] = v
		}
		bulkheads[name] = stats
	}
	out["bulkheads"] = bulkheads
	return out
}

// eventTransition maps a script event intent to the published suffix.
func eventTransition(intent string) (string, bool) {
	switch intent {
	case primitives.EventIntentOpen:
		return "opened", true
	case primitives.EventIntentHalfOpen:
		return "half_opened", true
	case primitives.EventIntentClosed:
		return "closed", true
	}
	return "", false
}

// publishTransition emits one resilience state-transition event.
// Publish failures never affect the guarded call's result.
func (c *Controller) publishTransition(ctx context.Context, component, name, transition string, extra map[string]interface{}) {
	payload := map[string]interface{}{"name": name}
	for k, v := range extra {
		payload[k] = v
	}
	eventName := fmt.Sprintf("resilience.%s.%s", component, transition)
	if err := c.bus.Publish(ctx, primitives.ChannelResilienceEvents, eventName, payload, "resilience"); err != nil {
		slog.Warn("[Resilience] Event publish failed", "event", eventName, "error", err)
	}
}

// nowSeconds is the clock used for every script call; float seconds keep
// sub-second recovery timeouts exact.
func nowSeconds() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// sanitizeSubkey keeps caller-supplied subkeys from breaking key grammar.
func sanitizeSubkey(subkey string) string {
	if subkey == "" {
		return "default"
	}
	return strings.ReplaceAll(subkey, " ", "_")
}
