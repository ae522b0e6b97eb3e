package store

import (
	"context"
	"sync"
	"time"

	dErrors "reconcile/pkg/domain-errors"
)

// defaultTxTimeout is the maximum duration for an in-memory unit of work.
const defaultTxTimeout = 5 * time.Second

// MemoryTx serializes units of work over an in-memory store with one mutex.
// A resolution can touch any contact reachable through a merge, so the write
// set is not known up front and cannot be sharded by key the way per-user
// state can.
type MemoryTx struct {
	mu      sync.Mutex
	store   *InMemory
	timeout time.Duration
}

// NewMemoryTx wraps an in-memory store in a serial transaction boundary.
func NewMemoryTx(store *InMemory) *MemoryTx {
	return &MemoryTx{store: store}
}

func (t *MemoryTx) RunInTx(ctx context.Context, fn func(store Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Check again after acquiring the lock.
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	// Units of work are all-or-nothing: restore the pre-transaction state on
	// any failure so a half-finished merge never becomes visible.
	snapshot := t.store.snapshot()
	if err := fn(t.store); err != nil {
		t.store.restore(snapshot)
		return err
	}
	return nil
}

var _ Tx = (*MemoryTx)(nil)
