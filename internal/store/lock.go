package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/U2SG/yoto-sub000/internal/primitives"
)

// RetryBudget bounds a lock acquisition spin.
type RetryBudget struct {
	Timeout  time.Duration
	Interval time.Duration
	Retries  int
}

// DefaultRetryBudget is short: single-flight lock holders do one backend
// fetch, so there is nothing to gain from waiting much past that.
func DefaultRetryBudget() RetryBudget {
	return RetryBudget{Timeout: 2 * time.Second, Interval: 20 * time.Millisecond, Retries: 3}
}

// LockFactory mints distributed locks on the shared store.
type LockFactory struct {
	client *Client
}

func NewLockFactory(client *Client) *LockFactory {
	return &LockFactory{client: client}
}

// LockHandle is one held lock. Release is idempotent and only deletes
// the key when the random token still matches, so an expired-and-stolen
// lock is never released from under the new owner.
type LockHandle struct {
	client *Client
	key    string
	token  string

	mu       sync.Mutex
	released bool
}

// Acquire attempts to take key for ttl within the retry budget. The
// second return reports whether the lock was obtained; err is reserved
// for store-level trouble.
func (f *LockFactory) Acquire(ctx context.Context, key string, ttl time.Duration, budget RetryBudget) (*LockHandle, bool, error) {
	if budget.Timeout == 0 {
		budget = DefaultRetryBudget()
	}
	token := uuid.New().String()
	deadline := time.Now().Add(budget.Timeout)

	for attempt := 0; ; attempt++ {
		ok, err := f.client.SetNX(ctx, key, token, ttl)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return &LockHandle{client: f.client, key: key, token: token}, true, nil
		}
		if attempt >= budget.Retries || time.Now().After(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(budget.Interval):
		}
	}
}

// Release gives the lock back. Safe to call more than once.
func (h *LockHandle) Release(ctx context.Context) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	h.mu.Unlock()

	_, err := h.client.EvalRegistered(ctx, ScriptLockRelease, []string{h.key}, h.token)
	if err != nil {
		slog.Warn("[Lock] Release failed", "key", h.key, "error", err)
	}
	return err
}

// WithLock runs fn under the lock and releases on every exit path.
// Returns ErrLockContention when the lock could not be obtained.
func (f *LockFactory) WithLock(ctx context.Context, key string, ttl time.Duration, budget RetryBudget, fn func(ctx context.Context) error) error {
	handle, acquired, err := f.Acquire(ctx, key, ttl, budget)
	if err != nil {
		return err
	}
	if !acquired {
		return primitives.ErrLockContention
	}
	defer handle.Release(ctx)
	return fn(ctx)
}
