package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/U2SG/yoto-sub000/internal/store"
)

// ErrBulkheadFull is returned when the concurrency cap is reached.
var ErrBulkheadFull = errors.New("bulkhead is full")

// Bulkhead caps concurrent calls fleet-wide through a shared counter.
type Bulkhead struct {
	name string
	ctrl *Controller
}

// Bulkhead returns a handle for name.
func (c *Controller) Bulkhead(name string) *Bulkhead {
	return &Bulkhead{name: name, ctrl: c}
}

// Name returns the bulkhead's name.
func (bh *Bulkhead) Name() string { return bh.name }

func bulkheadKeys(name string) []string {
	return []string{
		fmt.Sprintf("bulkhead:{%s}:active_calls", name),
		fmt.Sprintf("bulkhead:{%s}:total_calls", name),
		fmt.Sprintf("bulkhead:{%s}:failed_calls", name),
		fmt.Sprintf("bulkhead:{%s}:last_call_time", name),
	}
}

func (bh *Bulkhead) exec(ctx context.Context, op string) (ok bool, active int64, err error) {
	cfg := bh.ctrl.GetBulkheadConfig(ctx, bh.name)
	res, err := bh.ctrl.store.EvalRegistered(ctx, store.ScriptBulkheadExec,
		bulkheadKeys(bh.name), op, cfg.MaxConcurrentCalls, nowSeconds())
	if err != nil {
		return false, 0, err
	}
	parts, _ := res.([]interface{})
	if len(parts) != 2 {
		return false, 0, fmt.Errorf("unexpected bulkhead script reply %v", res)
	}
	n, _ := parts[0].(int64)
	active, _ = parts[1].(int64)
	return n == 1, active, nil
}

// TryAcquire claims one slot. Callers that get a slot must Release it.
func (bh *Bulkhead) TryAcquire(ctx context.Context) (bool, error) {
	ok, active, err := bh.exec(ctx, "acquire")
	if err != nil {
		return false, err
	}
	if !ok {
		bh.ctrl.publishTransition(ctx, "bulkhead", bh.name, "triggered",
			map[string]interface{}{"active_calls": active})
	}
	return ok, nil
}

// Release frees one slot. Never goes negative server-side.
func (bh *Bulkhead) Release(ctx context.Context) error {
	_, _, err := bh.exec(ctx, "release")
	return err
}

// ActiveCalls reads the current fleet-wide concurrency.
func (bh *Bulkhead) ActiveCalls(ctx context.Context) int64 {
	_, active, err := bh.exec(ctx, "check")
	if err != nil {
		return 0
	}
	return active
}

// Execute runs fn inside one slot. Each accounting step is isolated:
// a failed success/failure/release round-trip never changes fn's
// outcome, and the slot release is attempted even when accounting
// failed.
func (bh *Bulkhead) Execute(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	acquired, err := bh.TryAcquire(ctx)
	if err != nil {
		// Admission state unreadable: run unguarded rather than brown out.
		return fn(ctx)
	}
	if !acquired {
		return nil, ErrBulkheadFull
	}

	result, bodyErr := fn(ctx)

	if bodyErr != nil {
		_, _, _ = bh.exec(ctx, "failure")
	} else {
		_, _, _ = bh.exec(ctx, "success")
	}
	// A failed release leaks at most one slot until the counter clamps
	// back at zero; the business result still stands.
	_ = bh.Release(ctx)
	return result, bodyErr
}
