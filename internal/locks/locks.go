// Package locks serializes work per merchant account. The portal throttles
// concurrent sessions on one login, so only one goroutine (task execution,
// keepalive, or re-login) may drive an account's browser context at a time.
package locks

import (
	"context"
	"sync"
	"time"
)

// Registry hands out one mutex-like lock per account name. Locks are created
// on first use and kept for the life of the process; the account population
// is small and bounded by the coordinator.
type Registry struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewRegistry returns an empty lock registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]chan struct{})}
}

func (r *Registry) lock(account string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[account]
	if !ok {
		l = make(chan struct{}, 1)
		r.locks[account] = l
	}
	return l
}

// TryAcquire takes the account lock without blocking. It reports whether the
// lock was obtained; the keepalive path uses this so a busy account is simply
// skipped for the round.
func (r *Registry) TryAcquire(account string) bool {
	select {
	case r.lock(account) <- struct{}{}:
		return true
	default:
		return false
	}
}

// Acquire blocks until the account lock is obtained, the timeout elapses, or
// ctx is cancelled. A zero timeout waits on ctx alone.
func (r *Registry) Acquire(ctx context.Context, account string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case r.lock(account) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the account lock. Releasing an unheld lock panics, matching
// sync.Mutex semantics.
func (r *Registry) Release(account string) {
	select {
	case <-r.lock(account):
	default:
		panic("locks: release of unheld account lock " + account)
	}
}

// Held reports whether the account lock is currently taken. Diagnostic only.
func (r *Registry) Held(account string) bool {
	return len(r.lock(account)) == 1
}
