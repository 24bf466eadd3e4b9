package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warp/stock-ledger/inventory"
)

// =============================================================================
// ROW LOCKS
// =============================================================================

// lockManager hands out exclusive named locks. A waiter gives up after the
// timeout with ErrConcurrencyConflict, which is how a deadlock between two
// transactions resolves: one of them fails and is retried by its caller.
type lockManager struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newLockManager() *lockManager {
	return &lockManager{held: make(map[string]chan struct{})}
}

func (lm *lockManager) acquire(ctx context.Context, name string, timeout time.Duration) error {
	var timer <-chan time.Time
	for {
		lm.mu.Lock()
		released, busy := lm.held[name]
		if !busy {
			lm.held[name] = make(chan struct{})
			lm.mu.Unlock()
			return nil
		}
		lm.mu.Unlock()

		if timer == nil {
			t := time.NewTimer(timeout)
			defer t.Stop()
			timer = t.C
		}
		select {
		case <-released:
		case <-timer:
			return fmt.Errorf("%w: lock wait timeout on %s", inventory.ErrConcurrencyConflict, name)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (lm *lockManager) release(name string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if ch, ok := lm.held[name]; ok {
		delete(lm.held, name)
		close(ch)
	}
}

func snapshotLock(k inventory.SnapshotKey) string { return "snapshot:" + k.String() }
func salesOrderLock(id string) string               { return "sales_order:" + id }
func purchaseOrderLock(id string) string            { return "purchase_order:" + id }
func fulfillmentLock(id string) string              { return "fulfillment:" + id }
func receiptLock(id string) string                  { return "receipt:" + id }
func operationLock(key string) string               { return "operation:" + key }
func importJobLock(id string) string                { return "import_job:" + id }
