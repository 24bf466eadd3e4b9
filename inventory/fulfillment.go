/*
fulfillment.go - Fulfillment engine

PURPOSE:
  Turns reservations into shipments.

    create   group reserved line quantities into a packed fulfillment
             (no ledger change, except re-slicing across locations)
    ship     qoh -n, reserved -n per fulfillment line
    cancel   packed -> cancelled, the quantities return to the allocated pool
    revert   shipped -> packed, qoh +n, reserved +n (mis-shipment)

FREE RESERVATION:
  A line's reservation at a location can be packed once. What is still free
  to pack is the line's reservation there minus what packed fulfillments
  already hold there.

RE-SLICING:
  When the caller asks for a location where the line holds less than
  requested, the shortfall is moved: allocation_revert at the line's other
  locations, allocation at the requested one. The requested location must
  have the stock available.
*/
package inventory

import (
	"context"
	"sort"
)

type FulfillmentItem struct {
	LineID string `json:"line_id" validate:"required"`
	// LocationID pins the quantity to one location; empty lets the engine slice it.
	LocationID string `json:"location_id,omitempty"`
	Quantity   int64  `json:"quantity" validate:"gt=0"`
}

type CreateFulfillmentRequest struct {
	SalesOrderID   string            `json:"sales_order_id" validate:"required"`
	Items          []FulfillmentItem `json:"items" validate:"required,min=1,dive"`
	IdempotencyKey string            `json:"idempotency_key,omitempty" validate:"omitempty,idempotency_key"`
	Actor          string            `json:"actor,omitempty"`
}

// FulfillmentRequest addresses an existing fulfillment (ship, cancel, revert).
type FulfillmentRequest struct {
	FulfillmentID  string `json:"fulfillment_id" validate:"required"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"omitempty,idempotency_key"`
	Actor          string `json:"actor,omitempty"`
}

// =============================================================================
// CREATE
// =============================================================================

// CreateFulfillment packs already-reserved quantities into a new fulfillment.
func (e *Engine) CreateFulfillment(ctx context.Context, req CreateFulfillmentRequest) (Fulfillment, error) {
	return run(ctx, e, OpCreateFulfillment, req.IdempotencyKey, req, func(tx Tx) (Fulfillment, error) {
		o, err := lockSalesOrder(ctx, tx, req.SalesOrderID, "fulfill",
			SalesOrderDraft, SalesOrderCancelled, SalesOrderShipped)
		if err != nil {
			return Fulfillment{}, err
		}
		existing, err := tx.ListFulfillments(ctx, o.ID)
		if err != nil {
			return Fulfillment{}, err
		}
		packed := packedByLineLocation(existing)

		f := Fulfillment{
			ID:           e.newID(),
			SalesOrderID: o.ID,
			Status:       FulfillmentPacked,
			CreatedAt:    e.now(),
		}
		keys := &keySeq{key: req.IdempotencyKey}
		for _, item := range req.Items {
			line, ok := o.line(item.LineID)
			if !ok {
				return Fulfillment{}, notFound("sales order line", item.LineID)
			}
			if packed[line.ID] == nil {
				packed[line.ID] = make(map[string]int64)
			}
			lines, err := e.packItem(ctx, tx, line, item, packed[line.ID], keys, req.Actor)
			if err != nil {
				return Fulfillment{}, err
			}
			f.Lines = append(f.Lines, lines...)
		}

		if err := tx.PutFulfillment(ctx, f); err != nil {
			return Fulfillment{}, err
		}
		if err := e.reconcileSalesOrder(ctx, tx, o); err != nil {
			return Fulfillment{}, err
		}
		return f, nil
	})
}

// packItem resolves one item into fulfillment lines and records them in packed.
func (e *Engine) packItem(ctx context.Context, tx Tx, line *SalesOrderLine, item FulfillmentItem, packed map[string]int64, keys *keySeq, actor string) ([]FulfillmentLine, error) {
	held, err := lineReservations(ctx, tx, *line)
	if err != nil {
		return nil, err
	}
	free := func(loc string) int64 { return held[loc] - packed[loc] }

	if item.LocationID != "" {
		if err := requireLocation(ctx, tx, item.LocationID); err != nil {
			return nil, err
		}
		if short := item.Quantity - free(item.LocationID); short > 0 {
			if err := e.reslice(ctx, tx, line, item.LocationID, short, held, free, keys, actor); err != nil {
				return nil, err
			}
		}
		packed[item.LocationID] += item.Quantity
		return []FulfillmentLine{{SalesOrderLineID: line.ID, LocationID: item.LocationID, Quantity: item.Quantity}}, nil
	}

	locations := reservedLocations(held, line.LocationID)
	var total int64
	for _, loc := range locations {
		total += max(free(loc), 0)
	}
	if total < item.Quantity {
		return nil, &InsufficientReservationError{LineID: line.ID, Reserved: total, Requested: item.Quantity}
	}

	var out []FulfillmentLine
	remaining := item.Quantity
	for _, loc := range locations {
		if remaining == 0 {
			break
		}
		n := min(remaining, free(loc))
		if n <= 0 {
			continue
		}
		packed[loc] += n
		remaining -= n
		out = append(out, FulfillmentLine{SalesOrderLineID: line.ID, LocationID: loc, Quantity: n})
	}
	return out, nil
}

// reslice moves short units of the line's free reservation from its other
// locations to target. held is updated in place.
func (e *Engine) reslice(ctx context.Context, tx Tx, line *SalesOrderLine, target string, short int64, held map[string]int64, free func(string) int64, keys *keySeq, actor string) error {
	var donors []string
	var spare int64
	for _, loc := range reservedLocations(held, line.LocationID) {
		if loc == target || free(loc) <= 0 {
			continue
		}
		donors = append(donors, loc)
		spare += free(loc)
	}
	if spare < short {
		return &InsufficientReservationError{
			LineID: line.ID, LocationID: target, Reserved: free(target) + spare, Requested: free(target) + short,
		}
	}

	targetKey := SnapshotKey{ProductID: line.ProductID, LocationID: target}
	snap, err := tx.LockSnapshot(ctx, targetKey)
	if err != nil {
		return err
	}
	if snap.Available < short {
		return &StockShortError{Key: targetKey, Available: snap.Available, Requested: short}
	}

	remaining := short
	for _, loc := range donors {
		if remaining == 0 {
			break
		}
		n := min(remaining, free(loc))
		if _, err := e.ledger.Append(ctx, tx, LedgerEntry{
			ProductID:       line.ProductID,
			LocationID:      loc,
			TransactionType: TxAllocationRevert,
			Delta:           reserveDelta(n).Neg(),
			ReferenceID:     line.ID,
			IdempotencyKey:  keys.next(),
			Notes:           "moved to " + target,
			Actor:           actor,
		}); err != nil {
			return err
		}
		held[loc] -= n
		remaining -= n
	}

	if _, err := e.ledger.Append(ctx, tx, LedgerEntry{
		ProductID:       line.ProductID,
		LocationID:      target,
		TransactionType: TxAllocation,
		Delta:           reserveDelta(short),
		ReferenceID:     line.ID,
		IdempotencyKey:  keys.next(),
		Notes:           "sales order " + line.SalesOrderID,
		Actor:           actor,
	}); err != nil {
		return err
	}
	held[target] += short
	return nil
}

// reservedLocations lists the locations in held with a positive reservation,
// preferred first, then by id.
func reservedLocations(held map[string]int64, preferred string) []string {
	out := make([]string, 0, len(held))
	for loc, n := range held {
		if n > 0 {
			out = append(out, loc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i] == preferred) != (out[j] == preferred) {
			return out[i] == preferred
		}
		return out[i] < out[j]
	})
	return out
}

// =============================================================================
// SHIP / CANCEL / REVERT
// =============================================================================

// ShipFulfillment consumes the packed quantities: qoh and reserved both drop.
func (e *Engine) ShipFulfillment(ctx context.Context, req FulfillmentRequest) (Fulfillment, error) {
	return run(ctx, e, OpShipFulfillment, req.IdempotencyKey, req, func(tx Tx) (Fulfillment, error) {
		o, f, err := lockFulfillment(ctx, tx, req.FulfillmentID, "ship", FulfillmentPacked)
		if err != nil {
			return Fulfillment{}, err
		}
		keys := &keySeq{key: req.IdempotencyKey}
		for _, fl := range f.Lines {
			line, ok := o.line(fl.SalesOrderLineID)
			if !ok {
				return Fulfillment{}, notFound("sales order line", fl.SalesOrderLineID)
			}
			key := SnapshotKey{ProductID: line.ProductID, LocationID: fl.LocationID}
			snap, err := tx.LockSnapshot(ctx, key)
			if err != nil {
				return Fulfillment{}, err
			}
			held, err := lineReservations(ctx, tx, *line)
			if err != nil {
				return Fulfillment{}, err
			}
			reserved := min(held[fl.LocationID], snap.Reserved)
			if reserved < fl.Quantity {
				return Fulfillment{}, &InsufficientReservationError{
					LineID: line.ID, LocationID: fl.LocationID, Reserved: reserved, Requested: fl.Quantity,
				}
			}
			if _, err := e.ledger.Append(ctx, tx, LedgerEntry{
				ProductID:       line.ProductID,
				LocationID:      fl.LocationID,
				TransactionType: TxShipment,
				Delta:           shipDelta(fl.Quantity),
				ReferenceID:     line.ID,
				IdempotencyKey:  keys.next(),
				Notes:           "fulfillment " + f.ID,
				Actor:           req.Actor,
			}); err != nil {
				return Fulfillment{}, err
			}
			line.QuantityFulfilled += fl.Quantity
		}

		now := e.now()
		f.Status = FulfillmentShipped
		f.ShippedAt = &now
		if err := tx.PutFulfillment(ctx, *f); err != nil {
			return Fulfillment{}, err
		}
		if err := e.reconcileSalesOrder(ctx, tx, o); err != nil {
			return Fulfillment{}, err
		}
		return *f, nil
	})
}

// CancelFulfillment releases a packed grouping. The ledger is not touched:
// the stock was only grouped, never consumed.
func (e *Engine) CancelFulfillment(ctx context.Context, req FulfillmentRequest) (Fulfillment, error) {
	return run(ctx, e, OpCancelFulfillment, req.IdempotencyKey, req, func(tx Tx) (Fulfillment, error) {
		o, f, err := lockFulfillment(ctx, tx, req.FulfillmentID, "cancel", FulfillmentPacked)
		if err != nil {
			return Fulfillment{}, err
		}
		now := e.now()
		f.Status = FulfillmentCancelled
		f.CancelledAt = &now
		if err := tx.PutFulfillment(ctx, *f); err != nil {
			return Fulfillment{}, err
		}
		if err := e.reconcileSalesOrder(ctx, tx, o); err != nil {
			return Fulfillment{}, err
		}
		return *f, nil
	})
}

// RevertFulfillmentShipment is the compensating action for a mis-shipment:
// the exact inverse entries are appended and the fulfillment is packed again.
func (e *Engine) RevertFulfillmentShipment(ctx context.Context, req FulfillmentRequest) (Fulfillment, error) {
	return run(ctx, e, OpRevertShipment, req.IdempotencyKey, req, func(tx Tx) (Fulfillment, error) {
		o, f, err := lockFulfillment(ctx, tx, req.FulfillmentID, "revert shipment of", FulfillmentShipped)
		if err != nil {
			return Fulfillment{}, err
		}
		keys := &keySeq{key: req.IdempotencyKey}
		for _, fl := range f.Lines {
			line, ok := o.line(fl.SalesOrderLineID)
			if !ok {
				return Fulfillment{}, notFound("sales order line", fl.SalesOrderLineID)
			}
			if line.QuantityFulfilled < fl.Quantity {
				return Fulfillment{}, &StateError{
					Entity: "sales order line", ID: line.ID, Status: "fulfilled below shipment", Operation: "revert shipment of",
				}
			}
			if _, err := e.ledger.Append(ctx, tx, LedgerEntry{
				ProductID:       line.ProductID,
				LocationID:      fl.LocationID,
				TransactionType: TxShipmentRevert,
				Delta:           shipDelta(fl.Quantity).Neg(),
				ReferenceID:     line.ID,
				IdempotencyKey:  keys.next(),
				Notes:           "fulfillment " + f.ID,
				Actor:           req.Actor,
			}); err != nil {
				return Fulfillment{}, err
			}
			line.QuantityFulfilled -= fl.Quantity
		}

		f.Status = FulfillmentPacked
		f.ShippedAt = nil
		if err := tx.PutFulfillment(ctx, *f); err != nil {
			return Fulfillment{}, err
		}
		if err := e.reconcileSalesOrder(ctx, tx, o); err != nil {
			return Fulfillment{}, err
		}
		return *f, nil
	})
}

// lockFulfillment locks the owning order, then the fulfillment, and checks its status.
// Order first: every path that touches both takes them in that order.
func lockFulfillment(ctx context.Context, tx Tx, id, operation string, want FulfillmentStatus) (*SalesOrder, *Fulfillment, error) {
	peek, err := tx.GetFulfillment(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if peek == nil {
		return nil, nil, notFound("fulfillment", id)
	}
	o, err := lockSalesOrder(ctx, tx, peek.SalesOrderID, operation+" fulfillment for")
	if err != nil {
		return nil, nil, err
	}
	f, err := tx.LockFulfillment(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if f == nil {
		return nil, nil, notFound("fulfillment", id)
	}
	if f.Status != want {
		return nil, nil, &StateError{Entity: "fulfillment", ID: f.ID, Status: string(f.Status), Operation: operation}
	}
	return o, f, nil
}
