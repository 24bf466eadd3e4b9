/*
reconciler.go - Order status derivation

PURPOSE:
  Header status is never set by hand except for the explicit lifecycle
  moves (cancel, revert to draft, place). Everything else is derived from
  the lines after each operation that changes them.

SALES ORDER (first match wins):
  cancelled                                      -> cancelled
  draft with nothing allocated or packed         -> draft
  every line fulfilled                           -> shipped
  any line fulfilled                             -> partially_shipped
  packed fulfillments cover all remaining demand -> packed
  anything packed                                -> picking
  every line fully allocated                     -> confirmed
  otherwise                                      -> awaiting_stock

PURCHASE ORDER:
  cancelled                   -> cancelled
  every line received >= ord. -> received
  any line received           -> partial_received
  draft                       -> draft
  otherwise                   -> placed
*/
package inventory

import "context"

// DeriveSalesOrderStatus computes the status of o given its fulfillments.
func DeriveSalesOrderStatus(o SalesOrder, fulfillments []Fulfillment) SalesOrderStatus {
	if o.Status == SalesOrderCancelled {
		return SalesOrderCancelled
	}

	packed := packedByLine(fulfillments)
	var allocatedAny, packedAny, fulfilledAny bool
	allFulfilled, allPacked, allAllocated := len(o.Lines) > 0, len(o.Lines) > 0, len(o.Lines) > 0
	for _, l := range o.Lines {
		p := packed[l.ID]
		allocatedAny = allocatedAny || l.QuantityAllocated > 0
		packedAny = packedAny || p > 0
		fulfilledAny = fulfilledAny || l.QuantityFulfilled > 0
		if l.QuantityFulfilled < l.QuantityOrdered {
			allFulfilled = false
		}
		if l.QuantityFulfilled+p < l.QuantityOrdered {
			allPacked = false
		}
		if l.QuantityAllocated < l.QuantityOrdered {
			allAllocated = false
		}
	}

	switch {
	case o.Status == SalesOrderDraft && !allocatedAny && !packedAny && !fulfilledAny:
		return SalesOrderDraft
	case allFulfilled:
		return SalesOrderShipped
	case fulfilledAny:
		return SalesOrderPartiallyShipped
	case packedAny && allPacked:
		return SalesOrderPacked
	case packedAny:
		return SalesOrderPicking
	case allAllocated:
		return SalesOrderConfirmed
	}
	return SalesOrderAwaitingStock
}

// DerivePurchaseOrderStatus computes the status of o from its lines.
func DerivePurchaseOrderStatus(o PurchaseOrder) PurchaseOrderStatus {
	if o.Status == PurchaseOrderCancelled {
		return PurchaseOrderCancelled
	}
	anyReceived, allReceived := false, len(o.Lines) > 0
	for _, l := range o.Lines {
		if l.QuantityReceived > 0 {
			anyReceived = true
		}
		if l.QuantityReceived < l.QuantityOrdered {
			allReceived = false
		}
	}
	switch {
	case allReceived && anyReceived:
		return PurchaseOrderReceived
	case anyReceived:
		return PurchaseOrderPartialReceived
	case o.Status == PurchaseOrderDraft:
		return PurchaseOrderDraft
	}
	return PurchaseOrderPlaced
}

// packedByLine sums quantities in packed fulfillments per sales order line.
func packedByLine(fulfillments []Fulfillment) map[string]int64 {
	out := make(map[string]int64)
	for _, f := range fulfillments {
		if f.Status != FulfillmentPacked {
			continue
		}
		for _, l := range f.Lines {
			out[l.SalesOrderLineID] += l.Quantity
		}
	}
	return out
}

// packedByLineLocation is packedByLine split by location.
func packedByLineLocation(fulfillments []Fulfillment) map[string]map[string]int64 {
	out := make(map[string]map[string]int64)
	for _, f := range fulfillments {
		if f.Status != FulfillmentPacked {
			continue
		}
		for _, l := range f.Lines {
			if out[l.SalesOrderLineID] == nil {
				out[l.SalesOrderLineID] = make(map[string]int64)
			}
			out[l.SalesOrderLineID][l.LocationID] += l.Quantity
		}
	}
	return out
}

// reconcileSalesOrder derives and stores the order's status. The order must be locked.
func (e *Engine) reconcileSalesOrder(ctx context.Context, tx Tx, o *SalesOrder) error {
	fulfillments, err := tx.ListFulfillments(ctx, o.ID)
	if err != nil {
		return err
	}
	o.Status = DeriveSalesOrderStatus(*o, fulfillments)
	o.UpdatedAt = e.now()
	return tx.PutSalesOrder(ctx, *o)
}

// reconcilePurchaseOrder derives and stores the order's status. The order must be locked.
func (e *Engine) reconcilePurchaseOrder(ctx context.Context, tx Tx, o *PurchaseOrder) error {
	o.Status = DerivePurchaseOrderStatus(*o)
	o.UpdatedAt = e.now()
	return tx.PutPurchaseOrder(ctx, *o)
}
