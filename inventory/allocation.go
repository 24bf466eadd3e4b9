/*
allocation.go - Allocation engine

PURPOSE:
  Reserves available stock for sales order lines. Allocation never fails
  because stock is short: whatever cannot be covered stays on the line as
  backorder and the order waits for stock.

ALGORITHM (per line):
  remaining = ordered - allocated
  for each eligible location (preferred, then priority, then id):
      lock snapshot
      n = min(remaining, available)
      append allocation: reserved +n, available -n, reference = line id
      remaining -= n
  allocated += reserved total

  The snapshot is read under its row lock before n is chosen, so two
  allocations racing for the last units serialize on the row and the second
  one sees what the first one left. If an append still reports a constraint
  violation the location is re-read and retried with the smaller amount.

REVERSAL:
  The reservation held by a line at each location is the sum of
  change_reserved over the line's own allocation / shipment entries (see
  lineReservations). Reverting appends allocation_revert for exactly those
  amounts; nothing is recomputed from current stock.
*/
package inventory

import (
	"context"
	"sort"
)

type AllocateLineRequest struct {
	LineID         string `json:"line_id" validate:"required"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"omitempty,idempotency_key"`
	Actor          string `json:"actor,omitempty"`
}

type AllocateOrderRequest struct {
	SalesOrderID   string `json:"sales_order_id" validate:"required"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"omitempty,idempotency_key"`
	Actor          string `json:"actor,omitempty"`
}

// SalesOrderRequest addresses an existing sales order (cancel, revert to draft).
type SalesOrderRequest struct {
	SalesOrderID   string `json:"sales_order_id" validate:"required"`
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"omitempty,idempotency_key"`
	Actor          string `json:"actor,omitempty"`
}

type RevertLineAllocationRequest struct {
	LineID         string `json:"line_id" validate:"required"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"omitempty,idempotency_key"`
	Actor          string `json:"actor,omitempty"`
}

// Reservation is a quantity reserved (or released) at one location.
type Reservation struct {
	LocationID string `json:"location_id"`
	Quantity   int64  `json:"quantity"`
}

type AllocationResult struct {
	LineID            string        `json:"line_id"`
	ProductID         string        `json:"product_id"`
	Allocated         int64         `json:"allocated"`
	Backordered       int64         `json:"backordered"`
	QuantityAllocated int64         `json:"quantity_allocated"`
	Reservations      []Reservation `json:"reservations,omitempty"`
}

type OrderAllocationResult struct {
	SalesOrderID string             `json:"sales_order_id"`
	Status       SalesOrderStatus   `json:"status"`
	Allocated    int64              `json:"allocated"`
	Backordered  int64              `json:"backordered"`
	Lines        []AllocationResult `json:"lines"`
}

type RevertAllocationResult struct {
	LineID            string        `json:"line_id"`
	Released          int64         `json:"released"`
	QuantityAllocated int64         `json:"quantity_allocated"`
	Releases          []Reservation `json:"releases,omitempty"`
}

// allocationAttempts bounds the re-read/retry loop per location.
const allocationAttempts = 3

// =============================================================================
// TOP-LEVEL OPERATIONS
// =============================================================================

// AllocateLine reserves as much of the line's remaining demand as stock allows.
func (e *Engine) AllocateLine(ctx context.Context, req AllocateLineRequest) (AllocationResult, error) {
	return run(ctx, e, OpAllocateLine, req.IdempotencyKey, req, func(tx Tx) (AllocationResult, error) {
		o, line, err := lockSalesOrderForLine(ctx, tx, req.LineID, "allocate",
			SalesOrderCancelled, SalesOrderShipped)
		if err != nil {
			return AllocationResult{}, err
		}
		keys := &keySeq{key: req.IdempotencyKey}
		res, err := e.allocateLine(ctx, tx, line, keys, req.Actor)
		if err != nil {
			return AllocationResult{}, err
		}
		if o.Status == SalesOrderDraft {
			o.Status = SalesOrderAwaitingStock
		}
		if err := e.reconcileSalesOrder(ctx, tx, o); err != nil {
			return AllocationResult{}, err
		}
		return res, nil
	})
}

// AllocateOrder allocates every line and derives the order status:
// confirmed when nothing is backordered, awaiting_stock otherwise.
func (e *Engine) AllocateOrder(ctx context.Context, req AllocateOrderRequest) (OrderAllocationResult, error) {
	return run(ctx, e, OpAllocateOrder, req.IdempotencyKey, req, func(tx Tx) (OrderAllocationResult, error) {
		o, err := lockSalesOrder(ctx, tx, req.SalesOrderID, "allocate", SalesOrderCancelled, SalesOrderShipped)
		if err != nil {
			return OrderAllocationResult{}, err
		}
		out := OrderAllocationResult{SalesOrderID: o.ID}
		keys := &keySeq{key: req.IdempotencyKey}
		for i := range o.Lines {
			res, err := e.allocateLine(ctx, tx, &o.Lines[i], keys, req.Actor)
			if err != nil {
				return OrderAllocationResult{}, err
			}
			out.Allocated += res.Allocated
			out.Backordered += res.Backordered
			out.Lines = append(out.Lines, res)
		}
		if o.Status == SalesOrderDraft {
			o.Status = SalesOrderAwaitingStock
		}
		if err := e.reconcileSalesOrder(ctx, tx, o); err != nil {
			return OrderAllocationResult{}, err
		}
		out.Status = o.Status
		return out, nil
	})
}

// RevertLineAllocation releases every reservation the line still holds.
// Refused while part of the line is packed into a fulfillment.
func (e *Engine) RevertLineAllocation(ctx context.Context, req RevertLineAllocationRequest) (RevertAllocationResult, error) {
	return run(ctx, e, OpRevertLineAllocation, req.IdempotencyKey, req, func(tx Tx) (RevertAllocationResult, error) {
		o, line, err := lockSalesOrderForLine(ctx, tx, req.LineID, "revert allocation of", SalesOrderCancelled)
		if err != nil {
			return RevertAllocationResult{}, err
		}
		fulfillments, err := tx.ListFulfillments(ctx, o.ID)
		if err != nil {
			return RevertAllocationResult{}, err
		}
		keys := &keySeq{key: req.IdempotencyKey}
		res, err := e.revertLine(ctx, tx, line, packedByLine(fulfillments), keys, req.Actor)
		if err != nil {
			return RevertAllocationResult{}, err
		}
		if err := e.reconcileSalesOrder(ctx, tx, o); err != nil {
			return RevertAllocationResult{}, err
		}
		return res, nil
	})
}

// CancelSalesOrder cancels packed fulfillments, releases every reservation
// and marks the order cancelled. Refused once anything has shipped.
func (e *Engine) CancelSalesOrder(ctx context.Context, req SalesOrderRequest) (SalesOrder, error) {
	return run(ctx, e, OpCancelSalesOrder, req.IdempotencyKey, req, func(tx Tx) (SalesOrder, error) {
		return e.releaseSalesOrder(ctx, tx, req, "cancel", SalesOrderCancelled)
	})
}

// RevertSalesOrderToDraft is CancelSalesOrder that leaves the order editable in draft.
func (e *Engine) RevertSalesOrderToDraft(ctx context.Context, req SalesOrderRequest) (SalesOrder, error) {
	return run(ctx, e, OpRevertOrderToDraft, req.IdempotencyKey, req, func(tx Tx) (SalesOrder, error) {
		return e.releaseSalesOrder(ctx, tx, req, "revert to draft", SalesOrderDraft)
	})
}

func (e *Engine) releaseSalesOrder(ctx context.Context, tx Tx, req SalesOrderRequest, operation string, target SalesOrderStatus) (SalesOrder, error) {
	o, err := lockSalesOrder(ctx, tx, req.SalesOrderID, operation,
		SalesOrderCancelled, SalesOrderShipped, SalesOrderPartiallyShipped)
	if err != nil {
		return SalesOrder{}, err
	}
	for _, l := range o.Lines {
		if l.QuantityFulfilled > 0 {
			return SalesOrder{}, &StateError{Entity: "sales order", ID: o.ID, Status: string(o.Status), Operation: operation}
		}
	}

	fulfillments, err := tx.ListFulfillments(ctx, o.ID)
	if err != nil {
		return SalesOrder{}, err
	}
	now := e.now()
	for _, f := range fulfillments {
		if f.Status != FulfillmentPacked {
			continue
		}
		locked, err := tx.LockFulfillment(ctx, f.ID)
		if err != nil {
			return SalesOrder{}, err
		}
		locked.Status = FulfillmentCancelled
		locked.CancelledAt = &now
		if err := tx.PutFulfillment(ctx, *locked); err != nil {
			return SalesOrder{}, err
		}
	}

	keys := &keySeq{key: req.IdempotencyKey}
	for i := range o.Lines {
		// packed fulfillments were cancelled above, nothing is packed any more
		if _, err := e.revertLine(ctx, tx, &o.Lines[i], nil, keys, req.Actor); err != nil {
			return SalesOrder{}, err
		}
	}
	o.Status = target
	o.UpdatedAt = now
	if err := tx.PutSalesOrder(ctx, *o); err != nil {
		return SalesOrder{}, err
	}
	return *o, nil
}

// =============================================================================
// LINE ALGORITHMS
// =============================================================================

func (e *Engine) allocateLine(ctx context.Context, tx Tx, line *SalesOrderLine, keys *keySeq, actor string) (AllocationResult, error) {
	res := AllocationResult{LineID: line.ID, ProductID: line.ProductID}
	remaining := line.QuantityOrdered - line.QuantityAllocated
	if remaining <= 0 {
		res.QuantityAllocated = line.QuantityAllocated
		return res, nil
	}

	product, err := requireProduct(ctx, tx, line.ProductID)
	if err != nil {
		return AllocationResult{}, err
	}
	preferred := line.LocationID
	if preferred == "" {
		preferred = product.DefaultLocationID
	}
	locations, err := eligibleLocations(ctx, tx, preferred)
	if err != nil {
		return AllocationResult{}, err
	}

	for _, loc := range locations {
		if remaining == 0 {
			break
		}
		n, err := e.reserveAt(ctx, tx, line, loc.ID, remaining, keys, actor)
		if err != nil {
			return AllocationResult{}, err
		}
		if n == 0 {
			continue
		}
		remaining -= n
		res.Allocated += n
		res.Reservations = append(res.Reservations, Reservation{LocationID: loc.ID, Quantity: n})
	}

	line.QuantityAllocated += res.Allocated
	if line.LocationID == "" && len(res.Reservations) > 0 {
		line.LocationID = res.Reservations[0].LocationID
	}
	res.QuantityAllocated = line.QuantityAllocated
	res.Backordered = line.Backordered()
	e.metrics.AddBackordered(res.Backordered)
	return res, nil
}

// reserveAt reserves up to want units at one location and returns how many it got.
func (e *Engine) reserveAt(ctx context.Context, tx Tx, line *SalesOrderLine, locationID string, want int64, keys *keySeq, actor string) (int64, error) {
	key := SnapshotKey{ProductID: line.ProductID, LocationID: locationID}
	for attempt := 0; attempt < allocationAttempts; attempt++ {
		snap, err := tx.LockSnapshot(ctx, key)
		if err != nil {
			return 0, err
		}
		n := min(want, snap.Available)
		if n <= 0 {
			return 0, nil
		}
		_, err = e.ledger.Append(ctx, tx, LedgerEntry{
			ProductID:       line.ProductID,
			LocationID:      locationID,
			TransactionType: TxAllocation,
			Delta:           reserveDelta(n),
			ReferenceID:     line.ID,
			IdempotencyKey:  keys.next(),
			Notes:           "sales order " + line.SalesOrderID,
			Actor:           actor,
		})
		if IsConstraintViolation(err) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
	return 0, nil
}

// revertLine releases the line's unshipped reservations. packed holds the
// quantity in packed fulfillments per line; any for this line refuses the revert.
func (e *Engine) revertLine(ctx context.Context, tx Tx, line *SalesOrderLine, packed map[string]int64, keys *keySeq, actor string) (RevertAllocationResult, error) {
	res := RevertAllocationResult{LineID: line.ID}
	if packed[line.ID] > 0 {
		return RevertAllocationResult{}, &StateError{
			Entity: "sales order line", ID: line.ID, Status: string(FulfillmentPacked), Operation: "revert allocation of",
		}
	}

	held, err := lineReservations(ctx, tx, *line)
	if err != nil {
		return RevertAllocationResult{}, err
	}
	locations := make([]string, 0, len(held))
	for loc, n := range held {
		if n > 0 {
			locations = append(locations, loc)
		}
	}
	sort.Strings(locations)

	for _, loc := range locations {
		n := held[loc]
		_, err := e.ledger.Append(ctx, tx, LedgerEntry{
			ProductID:       line.ProductID,
			LocationID:      loc,
			TransactionType: TxAllocationRevert,
			Delta:           reserveDelta(n).Neg(),
			ReferenceID:     line.ID,
			IdempotencyKey:  keys.next(),
			Notes:           "sales order " + line.SalesOrderID,
			Actor:           actor,
		})
		if err != nil {
			return RevertAllocationResult{}, err
		}
		res.Released += n
		res.Releases = append(res.Releases, Reservation{LocationID: loc, Quantity: n})
	}

	line.QuantityAllocated = line.QuantityFulfilled
	res.QuantityAllocated = line.QuantityAllocated
	return res, nil
}
