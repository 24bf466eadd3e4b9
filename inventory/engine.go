/*
engine.go - Engine wiring and the top-level operation runner

PURPOSE:
  Engine is the entry point for every write operation. Each public method
  follows the same explicit sequence; nothing happens in hidden triggers:

    1. validate the typed request (before any transaction)
    2. open ONE transaction
    3. idempotency guard: replay the stored result if the key was seen
    4. lock the owning header row, then the snapshot rows
    5. compute deltas, append ledger entries (snapshot updated with each)
    6. update lines/headers, reconcile header status
    7. record the result under the idempotency key
    8. commit

  Any error in 3-7 rolls the whole transaction back.

SEE ALSO:
  - ledger.go, idempotency.go: steps 3 and 5
  - allocation.go, fulfillment.go, receiving.go: the engines
  - reconciler.go: step 6
*/
package inventory

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/warp/stock-ledger/logging"
	"github.com/warp/stock-ledger/metrics"
)

// Engine implements the stock operations on top of a Store.
type Engine struct {
	store     Store
	ledger    *Ledger
	guard     *Guard
	projector *Projector

	log     *logging.Logger
	metrics *metrics.Recorder
	now     func() time.Time
	newID   func() string

	allowOverReceipt bool
	progressEvery    int
	observers        []JobObserver
}

type Option func(*Engine)

func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithOverReceipt allows receiving more than a purchase order line ordered.
func WithOverReceipt(allow bool) Option {
	return func(e *Engine) { e.allowOverReceipt = allow }
}

// WithProgressEvery sets how many import rows are processed between job status updates.
func WithProgressEvery(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.progressEvery = n
		}
	}
}

func WithJobObserver(o JobObserver) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		log:           logging.Nop(),
		now:           func() time.Time { return time.Now().UTC() },
		newID:         uuid.NewString,
		progressEvery: 25,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ledger = &Ledger{now: e.now, newID: e.newID, metrics: e.metrics}
	e.guard = &Guard{now: e.now}
	e.projector = &Projector{store: store, now: e.now}
	return e
}

// Store returns the underlying store for read views.
func (e *Engine) Store() Store { return e.store }

// Ledger returns the ledger used by the engines.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Projector returns the snapshot projector.
func (e *Engine) Projector() *Projector { return e.projector }

// =============================================================================
// OPERATION RUNNER
// =============================================================================

// Operation names double as idempotency scopes: a key is bound to one of them.
const (
	OpAllocateLine         = "allocate_line"
	OpAllocateOrder        = "allocate_order"
	OpRevertLineAllocation = "revert_line_allocation"
	OpCancelSalesOrder     = "cancel_sales_order"
	OpRevertOrderToDraft   = "revert_sales_order_to_draft"
	OpCreateFulfillment    = "create_fulfillment"
	OpShipFulfillment      = "ship_fulfillment"
	OpCancelFulfillment    = "cancel_fulfillment"
	OpRevertShipment       = "revert_fulfillment_shipment"
	OpBookInStock          = "book_in_stock"
	OpReceivePurchaseOrder = "receive_purchase_order"
	OpRevertReceipt        = "revert_inventory_receipt"
	OpAdjustStock          = "adjust_stock"
	OpPlacePurchaseOrder   = "place_purchase_order"
	OpCancelPurchaseOrder  = "cancel_purchase_order"
	OpCreateSalesOrder     = "create_sales_order"
	OpCreatePurchaseOrder  = "create_purchase_order"
	OpImportRow            = "import_row"
	OpCreateImportJob      = "create_import_job"
	OpRegisterProduct      = "register_product"
	OpRegisterLocation     = "register_location"
)

// run executes one top-level write operation. req is validated first;
// fn runs inside the transaction behind the idempotency guard.
func run[T any](ctx context.Context, e *Engine, op, key string, req any, fn func(tx Tx) (T, error)) (T, error) {
	start := time.Now()
	var result T

	if err := validateRequest(req); err != nil {
		e.finish(ctx, op, key, start, false, err)
		return result, err
	}

	replayed := false
	err := e.store.WithTx(ctx, func(tx Tx) error {
		res, rep, err := guarded(ctx, tx, e.guard, key, op, func() (T, error) {
			return fn(tx)
		})
		if err != nil {
			return err
		}
		result, replayed = res, rep
		return nil
	})
	if err != nil {
		var zero T
		e.finish(ctx, op, key, start, false, err)
		return zero, err
	}
	e.finish(ctx, op, key, start, replayed, nil)
	return result, nil
}

func (e *Engine) finish(ctx context.Context, op, key string, start time.Time, replayed bool, err error) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = string(Classify(err))
	case replayed:
		outcome = "replayed"
	}
	e.metrics.ObserveOperation(op, outcome, time.Since(start))

	ctx = e.log.WithFields(ctx, map[string]any{"operation": op, "idempotency_key": key})
	switch {
	case err == nil && replayed:
		e.log.Info(ctx, "idempotent replay, prior result returned")
	case err == nil:
		e.log.Debug(ctx, "operation committed")
	case IsClientError(err) || IsRetryable(err):
		e.log.Warn(ctx, "operation rejected", err)
	default:
		e.log.Error(ctx, "operation failed", err)
	}
}

// derivedKeyMark only appears in keys the engine derives. Client keys
// containing it fail validation, so the two never collide.
const derivedKeyMark = "~"

// entryKey derives the idempotency key stamped on the n-th entry of a keyed operation.
func entryKey(key string, n int) string {
	if key == "" {
		return ""
	}
	if n == 0 {
		return key
	}
	return key + derivedKeyMark + strconv.Itoa(n)
}

// keySeq hands out entry keys for one operation in order.
type keySeq struct {
	key string
	n   int
}

func (k *keySeq) next() string {
	s := entryKey(k.key, k.n)
	k.n++
	return s
}
