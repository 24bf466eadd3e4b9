package inventory

import (
	"context"
	"strconv"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REQUESTS
// =============================================================================

type SalesOrderLineInput struct {
	ProductID string `json:"product_id" validate:"required"`
	// LocationID is an optional preferred location for allocation.
	LocationID string          `json:"location_id,omitempty"`
	Quantity   int64           `json:"quantity" validate:"gt=0"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

type CreateSalesOrderRequest struct {
	CustomerRef    string                `json:"customer_ref,omitempty"`
	Lines          []SalesOrderLineInput `json:"lines" validate:"required,min=1,dive"`
	IdempotencyKey string                `json:"idempotency_key,omitempty" validate:"omitempty,idempotency_key"`
	Actor          string                `json:"actor,omitempty"`
}

type PurchaseOrderLineInput struct {
	ProductID string          `json:"product_id" validate:"required"`
	Quantity  int64           `json:"quantity" validate:"gt=0"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
}

type CreatePurchaseOrderRequest struct {
	SupplierRef    string                   `json:"supplier_ref,omitempty"`
	LocationID     string                   `json:"location_id" validate:"required"`
	Lines          []PurchaseOrderLineInput `json:"lines" validate:"required,min=1,dive"`
	IdempotencyKey string                   `json:"idempotency_key,omitempty" validate:"omitempty,idempotency_key"`
	Actor          string                   `json:"actor,omitempty"`
}

// PurchaseOrderRequest addresses an existing purchase order (place, cancel).
type PurchaseOrderRequest struct {
	PurchaseOrderID string `json:"purchase_order_id" validate:"required"`
	IdempotencyKey  string `json:"idempotency_key,omitempty" validate:"omitempty,idempotency_key"`
	Actor           string `json:"actor,omitempty"`
}

// =============================================================================
// SALES ORDERS
// =============================================================================

// CreateSalesOrder stores a new order in draft. Nothing is reserved until it is allocated.
func (e *Engine) CreateSalesOrder(ctx context.Context, req CreateSalesOrderRequest) (SalesOrder, error) {
	return run(ctx, e, OpCreateSalesOrder, req.IdempotencyKey, req, func(tx Tx) (SalesOrder, error) {
		now := e.now()
		o := SalesOrder{
			ID:          e.newID(),
			CustomerRef: req.CustomerRef,
			Status:      SalesOrderDraft,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		for i, in := range req.Lines {
			if _, err := requireProduct(ctx, tx, in.ProductID); err != nil {
				return SalesOrder{}, err
			}
			if in.LocationID != "" {
				if err := requireLocation(ctx, tx, in.LocationID); err != nil {
					return SalesOrder{}, err
				}
			}
			if in.UnitPrice.IsNegative() {
				return SalesOrder{}, invalid(linesField(i, "unit_price"), "must not be negative")
			}
			o.Lines = append(o.Lines, SalesOrderLine{
				ID:              e.newID(),
				SalesOrderID:    o.ID,
				ProductID:       in.ProductID,
				LocationID:      in.LocationID,
				QuantityOrdered: in.Quantity,
				UnitPrice:       in.UnitPrice,
			})
		}
		if err := tx.PutSalesOrder(ctx, o); err != nil {
			return SalesOrder{}, err
		}
		return o, nil
	})
}

// lockSalesOrder locks the order and rejects the listed statuses.
func lockSalesOrder(ctx context.Context, tx Tx, id, operation string, refuse ...SalesOrderStatus) (*SalesOrder, error) {
	o, err := tx.LockSalesOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, notFound("sales order", id)
	}
	for _, s := range refuse {
		if o.Status == s {
			return nil, &StateError{Entity: "sales order", ID: o.ID, Status: string(o.Status), Operation: operation}
		}
	}
	return o, nil
}

// lockSalesOrderForLine resolves and locks the order that owns lineID.
func lockSalesOrderForLine(ctx context.Context, tx Tx, lineID, operation string, refuse ...SalesOrderStatus) (*SalesOrder, *SalesOrderLine, error) {
	orderID, err := tx.SalesOrderIDForLine(ctx, lineID)
	if err != nil {
		return nil, nil, err
	}
	if orderID == "" {
		return nil, nil, notFound("sales order line", lineID)
	}
	o, err := lockSalesOrder(ctx, tx, orderID, operation, refuse...)
	if err != nil {
		return nil, nil, err
	}
	line, ok := o.line(lineID)
	if !ok {
		return nil, nil, notFound("sales order line", lineID)
	}
	return o, line, nil
}

// =============================================================================
// PURCHASE ORDERS
// =============================================================================

func (e *Engine) CreatePurchaseOrder(ctx context.Context, req CreatePurchaseOrderRequest) (PurchaseOrder, error) {
	return run(ctx, e, OpCreatePurchaseOrder, req.IdempotencyKey, req, func(tx Tx) (PurchaseOrder, error) {
		if err := requireLocation(ctx, tx, req.LocationID); err != nil {
			return PurchaseOrder{}, err
		}
		now := e.now()
		o := PurchaseOrder{
			ID:          e.newID(),
			SupplierRef: req.SupplierRef,
			LocationID:  req.LocationID,
			Status:      PurchaseOrderDraft,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		for i, in := range req.Lines {
			if _, err := requireProduct(ctx, tx, in.ProductID); err != nil {
				return PurchaseOrder{}, err
			}
			if in.UnitCost.IsNegative() {
				return PurchaseOrder{}, invalid(linesField(i, "unit_cost"), "must not be negative")
			}
			o.Lines = append(o.Lines, PurchaseOrderLine{
				ID:              e.newID(),
				PurchaseOrderID: o.ID,
				ProductID:       in.ProductID,
				QuantityOrdered: in.Quantity,
				UnitCost:        in.UnitCost,
			})
		}
		if err := tx.PutPurchaseOrder(ctx, o); err != nil {
			return PurchaseOrder{}, err
		}
		return o, nil
	})
}

// PlacePurchaseOrder moves a draft order to placed and books its quantities as on order.
func (e *Engine) PlacePurchaseOrder(ctx context.Context, req PurchaseOrderRequest) (PurchaseOrder, error) {
	return run(ctx, e, OpPlacePurchaseOrder, req.IdempotencyKey, req, func(tx Tx) (PurchaseOrder, error) {
		o, err := lockPurchaseOrder(ctx, tx, req.PurchaseOrderID, "place",
			PurchaseOrderPlaced, PurchaseOrderPartialReceived, PurchaseOrderReceived, PurchaseOrderCancelled)
		if err != nil {
			return PurchaseOrder{}, err
		}
		keys := &keySeq{key: req.IdempotencyKey}
		for _, l := range o.Lines {
			_, err := e.ledger.Append(ctx, tx, LedgerEntry{
				ProductID:       l.ProductID,
				LocationID:      o.LocationID,
				TransactionType: TxPurchaseOrder,
				Delta:           Delta{OnOrder: l.QuantityOrdered},
				ReferenceID:     l.ID,
				IdempotencyKey:  keys.next(),
				Notes:           "purchase order " + o.ID + " placed",
				Actor:           req.Actor,
			})
			if err != nil {
				return PurchaseOrder{}, err
			}
		}
		o.Status = PurchaseOrderPlaced
		if err := e.reconcilePurchaseOrder(ctx, tx, o); err != nil {
			return PurchaseOrder{}, err
		}
		return *o, nil
	})
}

// CancelPurchaseOrder removes whatever is still outstanding from on order.
// Quantities already received stay booked.
func (e *Engine) CancelPurchaseOrder(ctx context.Context, req PurchaseOrderRequest) (PurchaseOrder, error) {
	return run(ctx, e, OpCancelPurchaseOrder, req.IdempotencyKey, req, func(tx Tx) (PurchaseOrder, error) {
		o, err := lockPurchaseOrder(ctx, tx, req.PurchaseOrderID, "cancel",
			PurchaseOrderReceived, PurchaseOrderCancelled)
		if err != nil {
			return PurchaseOrder{}, err
		}
		if o.Status != PurchaseOrderDraft {
			keys := &keySeq{key: req.IdempotencyKey}
			for _, l := range o.Lines {
				outstanding := l.Outstanding()
				if outstanding == 0 {
					continue
				}
				key := SnapshotKey{ProductID: l.ProductID, LocationID: o.LocationID}
				snap, err := tx.LockSnapshot(ctx, key)
				if err != nil {
					return PurchaseOrder{}, err
				}
				n := min(outstanding, snap.OnOrder)
				if n <= 0 {
					continue
				}
				_, err = e.ledger.Append(ctx, tx, LedgerEntry{
					ProductID:       l.ProductID,
					LocationID:      o.LocationID,
					TransactionType: TxPurchaseOrderCancel,
					Delta:           Delta{OnOrder: -n},
					ReferenceID:     l.ID,
					IdempotencyKey:  keys.next(),
					Notes:           "purchase order " + o.ID + " cancelled",
					Actor:           req.Actor,
				})
				if err != nil {
					return PurchaseOrder{}, err
				}
			}
		}
		o.Status = PurchaseOrderCancelled
		if err := e.reconcilePurchaseOrder(ctx, tx, o); err != nil {
			return PurchaseOrder{}, err
		}
		return *o, nil
	})
}

func lockPurchaseOrder(ctx context.Context, tx Tx, id, operation string, refuse ...PurchaseOrderStatus) (*PurchaseOrder, error) {
	o, err := tx.LockPurchaseOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, notFound("purchase order", id)
	}
	for _, s := range refuse {
		if o.Status == s {
			return nil, &StateError{Entity: "purchase order", ID: o.ID, Status: string(o.Status), Operation: operation}
		}
	}
	return o, nil
}

func linesField(i int, name string) string {
	return "lines[" + strconv.Itoa(i) + "]." + name
}
