/*
receiving.go - Receiving engine and manual adjustments

PURPOSE:
  Books physical stock in, against a purchase order or directly, and undoes
  those bookings.

    book in      qoh +n, available +n, on_order -min(n, on_order)
    PO receipt   book in per item, quantity_received += n, PO status derived
    revert       receipt_revert: qoh -n, available -n, on_order +consumed
    adjust       qoh +d, available +d (reason required)

ON ORDER FLOOR:
  on_order is never driven below zero. A receipt larger than what is on
  order still raises qoh; only the on_order decrement is floored. The
  floored amount is stored on the receipt line so a reversal restores
  exactly what was taken.

OVER-RECEIPT:
  Receiving more than a PO line ordered is refused with ErrOverReceipt
  unless the engine was built WithOverReceipt(true).

RECEIPT REVERSAL:
  A reversed receipt keeps its row with status=reversed and reversed_at.
  If stock was already consumed (qoh would go negative) the reversal fails
  with a constraint violation and nothing changes.
*/
package inventory

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

type BookInStockRequest struct {
	ProductID      string `json:"product_id" validate:"required"`
	LocationID     string `json:"location_id" validate:"required"`
	Quantity       int64  `json:"quantity" validate:"gt=0"`
	ReferenceID    string `json:"reference_id,omitempty"`
	ReceiptNumber  string `json:"receipt_number,omitempty"`
	Notes          string `json:"notes,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"omitempty,idempotency_key"`
	Actor          string `json:"actor,omitempty"`
}

type ReceiveItem struct {
	LineID string `json:"line_id" validate:"required"`
	// LocationID overrides the purchase order's receiving location.
	LocationID string `json:"location_id,omitempty"`
	Quantity   int64  `json:"quantity" validate:"gt=0"`
}

type ReceivePurchaseOrderRequest struct {
	PurchaseOrderID string        `json:"purchase_order_id" validate:"required"`
	ReceiptNumber   string        `json:"receipt_number,omitempty"`
	Reference       string        `json:"reference,omitempty"`
	Items           []ReceiveItem `json:"items" validate:"required,min=1,dive"`
	IdempotencyKey  string        `json:"idempotency_key,omitempty" validate:"omitempty,idempotency_key"`
	Actor           string        `json:"actor,omitempty"`
}

type RevertReceiptRequest struct {
	ReceiptID      string `json:"receipt_id" validate:"required"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"omitempty,idempotency_key"`
	Actor          string `json:"actor,omitempty"`
}

type AdjustStockRequest struct {
	ProductID      string `json:"product_id" validate:"required"`
	LocationID     string `json:"location_id" validate:"required"`
	QuantityDelta  int64  `json:"quantity_delta" validate:"ne=0"`
	Reason         string `json:"reason" validate:"required"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"omitempty,idempotency_key"`
	Actor          string `json:"actor,omitempty"`
}

type ReceiveSummary struct {
	Receipt         InventoryReceipt    `json:"receipt"`
	PurchaseOrderID string              `json:"purchase_order_id"`
	Status          PurchaseOrderStatus `json:"status"`
	UnitsReceived   int64               `json:"units_received"`
	CostTotal       decimal.Decimal     `json:"cost_total"`
}

// =============================================================================
// BOOK IN
// =============================================================================

// BookInStock books stock directly at a location. The booking is recorded
// as a receipt without purchase order so it can be reverted as a unit.
func (e *Engine) BookInStock(ctx context.Context, req BookInStockRequest) (InventoryReceipt, error) {
	return run(ctx, e, OpBookInStock, req.IdempotencyKey, req, func(tx Tx) (InventoryReceipt, error) {
		if _, err := requireProduct(ctx, tx, req.ProductID); err != nil {
			return InventoryReceipt{}, err
		}
		if err := requireLocation(ctx, tx, req.LocationID); err != nil {
			return InventoryReceipt{}, err
		}

		r := e.newReceipt("", req.ReceiptNumber, req.ReferenceID)
		ref := req.ReferenceID
		if ref == "" {
			ref = r.ID
		}
		consumed, err := e.bookIn(ctx, tx, req.ProductID, req.LocationID, req.Quantity, ref, req.Notes, req.Actor, req.IdempotencyKey)
		if err != nil {
			return InventoryReceipt{}, err
		}
		r.Lines = []ReceiptLine{{
			ProductID:        req.ProductID,
			LocationID:       req.LocationID,
			QuantityReceived: req.Quantity,
			OnOrderConsumed:  consumed,
		}}
		if err := tx.PutReceipt(ctx, r); err != nil {
			return InventoryReceipt{}, err
		}
		return r, nil
	})
}

// bookIn appends the receipt entry and returns the on_order actually consumed.
func (e *Engine) bookIn(ctx context.Context, tx Tx, productID, locationID string, qty int64, ref, notes, actor, key string) (int64, error) {
	snap, err := tx.LockSnapshot(ctx, SnapshotKey{ProductID: productID, LocationID: locationID})
	if err != nil {
		return 0, err
	}
	consumed := min(qty, max(snap.OnOrder, 0))
	_, err = e.ledger.Append(ctx, tx, LedgerEntry{
		ProductID:       productID,
		LocationID:      locationID,
		TransactionType: TxReceipt,
		Delta:           receiveDelta(qty, consumed),
		ReferenceID:     ref,
		IdempotencyKey:  key,
		Notes:           notes,
		Actor:           actor,
	})
	if err != nil {
		return 0, err
	}
	return consumed, nil
}

func (e *Engine) newReceipt(poID, number, reference string) InventoryReceipt {
	id := e.newID()
	now := e.now()
	if number == "" {
		number = "RCV-" + now.Format("20060102") + "-" + strings.ToUpper(shortID(id))
	}
	return InventoryReceipt{
		ID:              id,
		PurchaseOrderID: poID,
		ReceiptNumber:   number,
		Reference:       reference,
		Status:          ReceiptActive,
		ReceivedAt:      now,
	}
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// =============================================================================
// PURCHASE ORDER RECEIPT
// =============================================================================

// ReceivePurchaseOrder books the items in, increments each line's received
// quantity and derives the purchase order status.
func (e *Engine) ReceivePurchaseOrder(ctx context.Context, req ReceivePurchaseOrderRequest) (ReceiveSummary, error) {
	return run(ctx, e, OpReceivePurchaseOrder, req.IdempotencyKey, req, func(tx Tx) (ReceiveSummary, error) {
		refuse := []PurchaseOrderStatus{PurchaseOrderDraft, PurchaseOrderCancelled}
		if !e.allowOverReceipt {
			refuse = append(refuse, PurchaseOrderReceived)
		}
		po, err := lockPurchaseOrder(ctx, tx, req.PurchaseOrderID, "receive", refuse...)
		if err != nil {
			return ReceiveSummary{}, err
		}

		r := e.newReceipt(po.ID, req.ReceiptNumber, req.Reference)
		sum := ReceiveSummary{PurchaseOrderID: po.ID, CostTotal: decimal.Zero}
		keys := &keySeq{key: req.IdempotencyKey}
		for _, item := range req.Items {
			line, ok := po.line(item.LineID)
			if !ok {
				return ReceiveSummary{}, notFound("purchase order line", item.LineID)
			}
			if !e.allowOverReceipt && item.Quantity > line.Outstanding() {
				return ReceiveSummary{}, &OverReceiptError{LineID: line.ID, Outstanding: line.Outstanding(), Requested: item.Quantity}
			}
			loc := item.LocationID
			if loc == "" {
				loc = po.LocationID
			}
			if err := requireLocation(ctx, tx, loc); err != nil {
				return ReceiveSummary{}, err
			}

			consumed, err := e.bookIn(ctx, tx, line.ProductID, loc, item.Quantity, line.ID,
				"receipt "+r.ReceiptNumber, req.Actor, keys.next())
			if err != nil {
				return ReceiveSummary{}, err
			}
			line.QuantityReceived += item.Quantity
			r.Lines = append(r.Lines, ReceiptLine{
				PurchaseOrderLineID: line.ID,
				ProductID:           line.ProductID,
				LocationID:          loc,
				QuantityReceived:    item.Quantity,
				OnOrderConsumed:     consumed,
			})
			sum.UnitsReceived += item.Quantity
			sum.CostTotal = sum.CostTotal.Add(line.UnitCost.Mul(decimal.NewFromInt(item.Quantity)))
		}

		if err := tx.PutReceipt(ctx, r); err != nil {
			return ReceiveSummary{}, err
		}
		if err := e.reconcilePurchaseOrder(ctx, tx, po); err != nil {
			return ReceiveSummary{}, err
		}
		sum.Receipt = r
		sum.Status = po.Status
		return sum, nil
	})
}

// =============================================================================
// REVERT RECEIPT
// =============================================================================

// RevertInventoryReceipt appends the inverse of every receipt line and
// tombstones the receipt.
func (e *Engine) RevertInventoryReceipt(ctx context.Context, req RevertReceiptRequest) (InventoryReceipt, error) {
	return run(ctx, e, OpRevertReceipt, req.IdempotencyKey, req, func(tx Tx) (InventoryReceipt, error) {
		peek, err := tx.GetReceipt(ctx, req.ReceiptID)
		if err != nil {
			return InventoryReceipt{}, err
		}
		if peek == nil {
			return InventoryReceipt{}, notFound("receipt", req.ReceiptID)
		}

		// purchase order before receipt, same order as ReceivePurchaseOrder
		var po *PurchaseOrder
		if peek.PurchaseOrderID != "" {
			if po, err = lockPurchaseOrder(ctx, tx, peek.PurchaseOrderID, "revert receipt of"); err != nil {
				return InventoryReceipt{}, err
			}
		}
		r, err := tx.LockReceipt(ctx, req.ReceiptID)
		if err != nil {
			return InventoryReceipt{}, err
		}
		if r == nil {
			return InventoryReceipt{}, notFound("receipt", req.ReceiptID)
		}
		if r.Status != ReceiptActive {
			return InventoryReceipt{}, &StateError{Entity: "receipt", ID: r.ID, Status: string(r.Status), Operation: "revert"}
		}

		keys := &keySeq{key: req.IdempotencyKey}
		for _, rl := range r.Lines {
			restore := rl.OnOrderConsumed
			if po != nil && po.Status == PurchaseOrderCancelled {
				// nothing is expected any more, so nothing goes back on order
				restore = 0
			}
			ref := rl.PurchaseOrderLineID
			if ref == "" {
				ref = r.ID
			}
			if _, err := e.ledger.Append(ctx, tx, LedgerEntry{
				ProductID:       rl.ProductID,
				LocationID:      rl.LocationID,
				TransactionType: TxReceiptRevert,
				Delta:           receiveDelta(rl.QuantityReceived, restore).Neg(),
				ReferenceID:     ref,
				IdempotencyKey:  keys.next(),
				Notes:           "revert receipt " + r.ReceiptNumber,
				Actor:           req.Actor,
			}); err != nil {
				return InventoryReceipt{}, err
			}
			if po == nil || rl.PurchaseOrderLineID == "" {
				continue
			}
			line, ok := po.line(rl.PurchaseOrderLineID)
			if !ok {
				return InventoryReceipt{}, notFound("purchase order line", rl.PurchaseOrderLineID)
			}
			line.QuantityReceived = max(line.QuantityReceived-rl.QuantityReceived, 0)
		}

		now := e.now()
		r.Status = ReceiptReversed
		r.ReversedAt = &now
		if err := tx.PutReceipt(ctx, *r); err != nil {
			return InventoryReceipt{}, err
		}
		if po != nil {
			if err := e.reconcilePurchaseOrder(ctx, tx, po); err != nil {
				return InventoryReceipt{}, err
			}
		}
		return *r, nil
	})
}

// =============================================================================
// ADJUST
// =============================================================================

// AdjustStock applies a manual correction. A decrease below what is
// available fails with a constraint violation.
func (e *Engine) AdjustStock(ctx context.Context, req AdjustStockRequest) (LedgerEntry, error) {
	return run(ctx, e, OpAdjustStock, req.IdempotencyKey, req, func(tx Tx) (LedgerEntry, error) {
		if _, err := requireProduct(ctx, tx, req.ProductID); err != nil {
			return LedgerEntry{}, err
		}
		if err := requireLocation(ctx, tx, req.LocationID); err != nil {
			return LedgerEntry{}, err
		}
		return e.ledger.Append(ctx, tx, LedgerEntry{
			ProductID:       req.ProductID,
			LocationID:      req.LocationID,
			TransactionType: TxAdjustment,
			Delta:           adjustDelta(req.QuantityDelta),
			IdempotencyKey:  req.IdempotencyKey,
			Notes:           req.Reason,
			Actor:           req.Actor,
		})
	})
}
