package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/U2SG/yoto-sub000/internal/primitives"
	"github.com/U2SG/yoto-sub000/internal/store"
)

// ErrRateLimited is returned when a request is refused by a limiter.
var ErrRateLimited = errors.New("rate limit exceeded")

// windowSeq disambiguates sliding-window members created within the
// same nanosecond on this process.
var windowSeq atomic.Uint64

func windowMember() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), windowSeq.Add(1))
}

// RateLimiter is a named handle whose budget lives in the shared store.
// A subkey partitions the budget (per user, per address); an empty
// subkey shares one bucket across all callers.
type RateLimiter struct {
	name string
	ctrl *Controller
}

// Limiter returns a handle for name.
func (c *Controller) Limiter(name string) *RateLimiter {
	return &RateLimiter{name: name, ctrl: c}
}

// Name returns the limiter's name.
func (rl *RateLimiter) Name() string { return rl.name }

// key builds a shared-store key in the rate_limiter:{name}:kind:subkey
// grammar. The grammar is the interoperability contract: any process,
// in any language, sharing the store must read and write the same keys.
func (rl *RateLimiter) key(kind, subkey string) string {
	return fmt.Sprintf("rate_limiter:{%s}:%s:%s", rl.name, kind, sanitizeSubkey(subkey))
}

// Allow reports whether one request fits the budget right now, using
// the algorithm the current config names. An unknown algorithm falls
// back to the sliding window.
func (rl *RateLimiter) Allow(ctx context.Context, subkey string) (bool, error) {
	cfg := rl.ctrl.GetRateLimitConfig(ctx, rl.name)
	allowed, err := rl.allowWith(ctx, subkey, cfg.Algorithm, cfg.MaxRequests, cfg.TimeWindow, cfg.TokensPerSecond)
	if err != nil {
		return false, err
	}
	if !allowed {
		rl.ctrl.publishTransition(ctx, "rate_limit", rl.name, "triggered",
			map[string]interface{}{"subkey": sanitizeSubkey(subkey), "algorithm": cfg.Algorithm})
	}
	return allowed, nil
}

func (rl *RateLimiter) allowWith(ctx context.Context, subkey string, algorithm primitives.RateLimitAlgorithm, maxRequests int, window, rate float64) (bool, error) {
	var (
		res interface{}
		err error
	)
	switch algorithm {
	case primitives.AlgTokenBucket:
		res, err = rl.ctrl.store.EvalRegistered(ctx, store.ScriptRateLimitTokenBucket,
			[]string{rl.key("tokens", subkey), rl.key("last_update", subkey)},
			maxRequests, rate, nowSeconds())
	case primitives.AlgFixedWindow:
		res, err = rl.ctrl.store.EvalRegistered(ctx, store.ScriptRateLimitFixedWindow,
			[]string{rl.key("fixed_window", subkey), rl.key("counter", subkey)},
			maxRequests, window, nowSeconds())
	default:
		res, err = rl.ctrl.store.EvalRegistered(ctx, store.ScriptRateLimitSlidingWindow,
			[]string{rl.key("sliding_window", subkey)},
			maxRequests, window, nowSeconds(), windowMember())
	}
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Execute guards fn with the limiter, refusing with ErrRateLimited when
// the budget is spent.
func (rl *RateLimiter) Execute(ctx context.Context, subkey string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	allowed, err := rl.Allow(ctx, subkey)
	if err != nil {
		// The limiter must not become the outage: on store failure the
		// call proceeds unguarded.
		return fn(ctx)
	}
	if !allowed {
		return nil, ErrRateLimited
	}
	return fn(ctx)
}

// ---------------------------------------------------------------------
// Multi-dimension limiting
// ---------------------------------------------------------------------

// MultiDimRequest identifies one request across every limited dimension.
// Zero values skip that dimension.
type MultiDimRequest struct {
	UserID   int64
	ServerID int64
	IP       string
}

// MultiDimResult reports the per-dimension outcome of one check.
type MultiDimResult struct {
	Allowed   bool
	DeniedDim string
	Checked   []string
}

// AllowMultiDim checks the user, server, ip and combined dimensions in
// that fixed order with sliding windows, stopping at the first refusal.
// Dimensions checked before a refusal keep their recorded admission; a
// refused request may therefore count against earlier dimensions. That
// over-count is bounded by the request itself and keeps each dimension
// check a single atomic script call.
func (rl *RateLimiter) AllowMultiDim(ctx context.Context, req MultiDimRequest) (MultiDimResult, error) {
	cfg := rl.ctrl.GetRateLimitConfig(ctx, rl.name)
	out := MultiDimResult{Allowed: true}

	type dim struct {
		name   string
		subkey string
		limit  int
	}
	dims := make([]dim, 0, 4)
	if req.UserID != 0 && cfg.UserLimit > 0 {
		dims = append(dims, dim{"user", fmt.Sprintf("user:%d", req.UserID), cfg.UserLimit})
	}
	if req.ServerID != 0 && cfg.ServerLimit > 0 {
		dims = append(dims, dim{"server", fmt.Sprintf("server:%d", req.ServerID), cfg.ServerLimit})
	}
	if req.IP != "" && cfg.IPLimit > 0 {
		dims = append(dims, dim{"ip", "ip:" + req.IP, cfg.IPLimit})
	}
	if req.UserID != 0 && req.ServerID != 0 && cfg.CombinedLimit > 0 {
		dims = append(dims, dim{"combined", fmt.Sprintf("combined:%d:%d", req.UserID, req.ServerID), cfg.CombinedLimit})
	}

	for _, d := range dims {
		out.Checked = append(out.Checked, d.name)
		allowed, err := rl.allowWith(ctx, d.subkey, primitives.AlgSlidingWindow, d.limit, cfg.TimeWindow, cfg.TokensPerSecond)
		if err != nil {
			return out, err
		}
		if !allowed {
			out.Allowed = false
			out.DeniedDim = d.name
			rl.ctrl.publishTransition(ctx, "rate_limit", rl.name, "triggered",
				map[string]interface{}{"dimension": d.name, "subkey": d.subkey})
			return out, nil
		}
	}
	return out, nil
}

// Remaining estimates how many requests are left in a sliding window
// for a subkey. Non-sliding algorithms report the configured budget.
func (rl *RateLimiter) Remaining(ctx context.Context, subkey string) (int64, error) {
	cfg := rl.ctrl.GetRateLimitConfig(ctx, rl.name)
	if cfg.Algorithm != primitives.AlgSlidingWindow && cfg.Algorithm != "" {
		return int64(cfg.MaxRequests), nil
	}
	used, err := rl.ctrl.store.ZCard(ctx, rl.key("sliding_window", subkey))
	if err != nil {
		if store.Nil(err) {
			return int64(cfg.MaxRequests), nil
		}
		return 0, err
	}
	left := int64(cfg.MaxRequests) - used
	if left < 0 {
		left = 0
	}
	return left, nil
}
