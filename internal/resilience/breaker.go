package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/U2SG/yoto-sub000/internal/primitives"
	"github.com/U2SG/yoto-sub000/internal/store"
)

// Breaker states as stored.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// ErrCircuitOpen is returned when a guarded call is refused.
var ErrCircuitOpen = errors.New("circuit breaker is open")

func breakerStateKey(name string) string { return fmt.Sprintf("circuit_breaker:{%s}:state", name) }

func breakerKeys(name string) []string {
	return []string{
		breakerStateKey(name),
		fmt.Sprintf("circuit_breaker:{%s}:failure_count", name),
		fmt.Sprintf("circuit_breaker:{%s}:last_failure_time", name),
		fmt.Sprintf("circuit_breaker:{%s}:half_open_calls", name),
	}
}

// CircuitBreaker is a named handle over the shared breaker state. All
// transitions happen in one server-side script, so the event intent the
// script returns belongs to exactly the transition it performed.
type CircuitBreaker struct {
	name string
	ctrl *Controller
}

// Breaker returns a handle for name. Handles are cheap; config is read
// per call through the layered lookup.
func (c *Controller) Breaker(name string) *CircuitBreaker {
	return &CircuitBreaker{name: name, ctrl: c}
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// BreakerResult is one script round-trip outcome.
type BreakerResult struct {
	CanExecute bool
	State      string
	Intent     string
}

// exec runs one breaker operation atomically and publishes any event
// the transition produced.
func (cb *CircuitBreaker) exec(ctx context.Context, op string) (BreakerResult, error) {
	cfg := cb.ctrl.GetCircuitBreakerConfig(ctx, cb.name)
	res, err := cb.ctrl.store.EvalRegistered(ctx, store.ScriptCircuitBreakerExec,
		breakerKeys(cb.name),
		op, cfg.FailureThreshold, cfg.RecoveryTimeout, nowSeconds())
	if err != nil {
		return BreakerResult{}, err
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) != 3 {
		return BreakerResult{}, fmt.Errorf("%w: unexpected breaker script reply %v", primitives.ErrSerialization, res)
	}
	can, _ := parts[0].(int64)
	state, _ := parts[1].(string)
	intent, _ := parts[2].(string)

	out := BreakerResult{CanExecute: can == 1, State: state, Intent: intent}
	if transition, has := eventTransition(intent); has {
		cb.ctrl.publishTransition(ctx, "circuit_breaker", cb.name, transition,
			map[string]interface{}{"state": state, "recovery_timeout": cfg.RecoveryTimeout})
	}
	return out, nil
}

// Check reports whether a call may proceed, advancing open→half_open
// when the recovery timeout has elapsed.
func (cb *CircuitBreaker) Check(ctx context.Context) (BreakerResult, error) {
	return cb.exec(ctx, "check")
}

// RecordSuccess records a successful guarded call. One success in
// half-open closes the breaker.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context) (BreakerResult, error) {
	return cb.exec(ctx, "success")
}

// RecordFailure records a failed guarded call.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context) (BreakerResult, error) {
	return cb.exec(ctx, "failure")
}

// State reads the current stored state without advancing it.
func (cb *CircuitBreaker) State(ctx context.Context) string {
	state, err := cb.ctrl.store.Get(ctx, breakerStateKey(cb.name))
	if err != nil {
		return StateClosed
	}
	return state
}

// Execute guards fn with the breaker. When the breaker is open the call
// is refused with ErrCircuitOpen (or handed to fallback if provided).
// A store failure on the check side fails open: the guarded body still
// runs, because the breaker must never be the outage.
func (cb *CircuitBreaker) Execute(
	ctx context.Context,
	fn func(ctx context.Context) (interface{}, error),
	fallback func(error) (interface{}, error),
) (interface{}, error) {
	check, err := cb.exec(ctx, "check")
	if err == nil && !check.CanExecute {
		if fallback != nil {
			return fallback(ErrCircuitOpen)
		}
		return nil, ErrCircuitOpen
	}

	result, bodyErr := fn(ctx)
	if bodyErr != nil {
		if _, ferr := cb.exec(ctx, "failure"); ferr != nil {
			// Accounting failed; the business error still wins.
		}
		if fallback != nil {
			return fallback(bodyErr)
		}
		return nil, bodyErr
	}

	if _, serr := cb.exec(ctx, "success"); serr != nil {
		// Same: success accounting is best-effort.
	}
	return result, nil
}
