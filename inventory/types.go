/*
Package inventory provides the stock ledger and allocation engine.

PURPOSE:
  This package owns every quantity that describes warehouse stock. All
  changes go through an append-only ledger; current quantities per
  (product, location) are a projection of that ledger. On top of the ledger
  sit the engines that reserve stock for sales orders, ship it, receive it
  from purchase orders, and undo each of those steps.

KEY CONCEPTS IN THIS FILE (types.go):
  - Delta:          The four quantity changes carried by one ledger entry
  - LedgerEntry:    Immutable record of one stock movement
  - StockSnapshot:  Current quantities for one (product, location)
  - SalesOrder / PurchaseOrder and their lines
  - Fulfillment:    A packed/shipped grouping of reserved line quantities
  - InventoryReceipt: A booked receipt, reversible as a unit

QUANTITY MODEL:
  qoh        physical stock on hand
  reserved   part of qoh earmarked for sales order lines
  available  qoh - reserved (what allocation may take)
  on_order   expected from open purchase orders

  Every entry keeps available == qoh - reserved by construction:
    allocation   reserved +n, available -n
    shipment     qoh -n, reserved -n
    receipt      qoh +n, available +n, on_order -min(n, on_order)
    adjustment   qoh +d, available +d

SEE ALSO:
  - ledger.go: Append path and non-negativity checks
  - snapshot.go: Replay and rebuild of snapshots
  - store.go: Persistence contract
*/
package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// SnapshotKey identifies one snapshot row.
type SnapshotKey struct {
	ProductID  string
	LocationID string
}

func (k SnapshotKey) String() string {
	return k.ProductID + "@" + k.LocationID
}

// =============================================================================
// TRANSACTION TYPES
// =============================================================================

type TransactionType string

const (
	TxAdjustment          TransactionType = "adjustment"            // Manual correction
	TxAllocation          TransactionType = "allocation"            // Reserve stock for a sales order line
	TxAllocationRevert    TransactionType = "allocation_revert"     // Release a reservation
	TxShipment            TransactionType = "shipment"              // Stock leaves the building
	TxShipmentRevert      TransactionType = "shipment_revert"       // Undo a mis-shipment
	TxReceipt             TransactionType = "receipt"               // Stock booked in
	TxReceiptRevert       TransactionType = "receipt_revert"        // Undo a receipt
	TxImport              TransactionType = "import"                // Bulk import row
	TxPurchaseOrder       TransactionType = "purchase_order"        // PO placed, stock now on order
	TxPurchaseOrderCancel TransactionType = "purchase_order_cancel" // PO cancelled, outstanding removed
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxAdjustment, TxAllocation, TxAllocationRevert, TxShipment, TxShipmentRevert,
		TxReceipt, TxReceiptRevert, TxImport, TxPurchaseOrder, TxPurchaseOrderCancel:
		return true
	}
	return false
}

// =============================================================================
// DELTA
// =============================================================================

// Delta is the set of quantity changes one ledger entry applies.
type Delta struct {
	QOH       int64 `json:"change_qoh"`
	Reserved  int64 `json:"change_reserved"`
	Available int64 `json:"change_available"`
	OnOrder   int64 `json:"change_on_order"`
}

func (d Delta) IsZero() bool {
	return d.QOH == 0 && d.Reserved == 0 && d.Available == 0 && d.OnOrder == 0
}

// Balanced reports whether the delta keeps available == qoh - reserved.
func (d Delta) Balanced() bool {
	return d.Available == d.QOH-d.Reserved
}

func (d Delta) Neg() Delta {
	return Delta{QOH: -d.QOH, Reserved: -d.Reserved, Available: -d.Available, OnOrder: -d.OnOrder}
}

func (d Delta) Add(o Delta) Delta {
	return Delta{
		QOH:       d.QOH + o.QOH,
		Reserved:  d.Reserved + o.Reserved,
		Available: d.Available + o.Available,
		OnOrder:   d.OnOrder + o.OnOrder,
	}
}

func reserveDelta(n int64) Delta  { return Delta{Reserved: n, Available: -n} }
func shipDelta(n int64) Delta     { return Delta{QOH: -n, Reserved: -n} }
func receiveDelta(n, onOrder int64) Delta {
	return Delta{QOH: n, Available: n, OnOrder: -onOrder}
}
func adjustDelta(n int64) Delta { return Delta{QOH: n, Available: n} }

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// LedgerEntry is one immutable stock movement. Never updated, never deleted.
type LedgerEntry struct {
	ID              string          `json:"id"`
	ProductID       string          `json:"product_id"`
	LocationID      string          `json:"location_id"`
	TransactionType TransactionType `json:"transaction_type"`
	Delta
	ReferenceID    string    `json:"reference_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	Actor          string    `json:"actor,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (e LedgerEntry) Key() SnapshotKey {
	return SnapshotKey{ProductID: e.ProductID, LocationID: e.LocationID}
}

// =============================================================================
// STOCK SNAPSHOT
// =============================================================================

// StockSnapshot holds the current quantities for one key. It is derived data:
// it must always equal a full replay of the ledger for that key.
type StockSnapshot struct {
	ProductID   string    `json:"product_id"`
	LocationID  string    `json:"location_id"`
	QOH         int64     `json:"qoh"`
	Reserved    int64     `json:"reserved"`
	Available   int64     `json:"available"`
	OnOrder     int64     `json:"on_order"`
	LastUpdated time.Time `json:"last_updated"`
}

func (s StockSnapshot) Key() SnapshotKey {
	return SnapshotKey{ProductID: s.ProductID, LocationID: s.LocationID}
}

// Apply returns the snapshot with d added. It does not validate.
func (s StockSnapshot) Apply(d Delta) StockSnapshot {
	s.QOH += d.QOH
	s.Reserved += d.Reserved
	s.Available += d.Available
	s.OnOrder += d.OnOrder
	return s
}

// SameQuantities compares the four quantities, ignoring timestamps.
func (s StockSnapshot) SameQuantities(o StockSnapshot) bool {
	return s.QOH == o.QOH && s.Reserved == o.Reserved && s.Available == o.Available && s.OnOrder == o.OnOrder
}

// =============================================================================
// CATALOG
// =============================================================================

type Product struct {
	ID                string    `json:"id"`
	SKU               string    `json:"sku"`
	Name              string    `json:"name"`
	DefaultLocationID string    `json:"default_location_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

type Location struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Sellable  bool      `json:"sellable"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// SALES ORDERS
// =============================================================================

type SalesOrderStatus string

const (
	SalesOrderDraft            SalesOrderStatus = "draft"
	SalesOrderConfirmed        SalesOrderStatus = "confirmed"
	SalesOrderAwaitingStock    SalesOrderStatus = "awaiting_stock"
	SalesOrderPicking          SalesOrderStatus = "picking"
	SalesOrderPacked           SalesOrderStatus = "packed"
	SalesOrderPartiallyShipped SalesOrderStatus = "partially_shipped"
	SalesOrderShipped          SalesOrderStatus = "shipped"
	SalesOrderCancelled        SalesOrderStatus = "cancelled"
)

type SalesOrder struct {
	ID          string           `json:"id"`
	CustomerRef string           `json:"customer_ref,omitempty"`
	Status      SalesOrderStatus `json:"status"`
	Lines       []SalesOrderLine `json:"lines"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// SalesOrderLine invariant: 0 <= QuantityFulfilled <= QuantityAllocated <= QuantityOrdered.
type SalesOrderLine struct {
	ID                string          `json:"id"`
	SalesOrderID      string          `json:"sales_order_id"`
	ProductID         string          `json:"product_id"`
	LocationID        string          `json:"location_id,omitempty"`
	QuantityOrdered   int64           `json:"quantity_ordered"`
	QuantityAllocated int64           `json:"quantity_allocated"`
	QuantityFulfilled int64           `json:"quantity_fulfilled"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
}

// Backordered is the demand allocation could not cover.
func (l SalesOrderLine) Backordered() int64 {
	return l.QuantityOrdered - l.QuantityAllocated
}

func (o *SalesOrder) line(id string) (*SalesOrderLine, bool) {
	for i := range o.Lines {
		if o.Lines[i].ID == id {
			return &o.Lines[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy.
func (o SalesOrder) Clone() SalesOrder {
	o.Lines = append([]SalesOrderLine(nil), o.Lines...)
	return o
}

// =============================================================================
// PURCHASE ORDERS
// =============================================================================

type PurchaseOrderStatus string

const (
	PurchaseOrderDraft           PurchaseOrderStatus = "draft"
	PurchaseOrderPlaced          PurchaseOrderStatus = "placed"
	PurchaseOrderPartialReceived PurchaseOrderStatus = "partial_received"
	PurchaseOrderReceived        PurchaseOrderStatus = "received"
	PurchaseOrderCancelled       PurchaseOrderStatus = "cancelled"
)

type PurchaseOrder struct {
	ID          string              `json:"id"`
	SupplierRef string              `json:"supplier_ref,omitempty"`
	LocationID  string              `json:"location_id"`
	Status      PurchaseOrderStatus `json:"status"`
	Lines       []PurchaseOrderLine `json:"lines"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

type PurchaseOrderLine struct {
	ID               string          `json:"id"`
	PurchaseOrderID  string          `json:"purchase_order_id"`
	ProductID        string          `json:"product_id"`
	QuantityOrdered  int64           `json:"quantity_ordered"`
	QuantityReceived int64           `json:"quantity_received"`
	UnitCost         decimal.Decimal `json:"unit_cost"`
}

// Outstanding is what is still expected from the supplier (never negative).
func (l PurchaseOrderLine) Outstanding() int64 {
	if l.QuantityReceived >= l.QuantityOrdered {
		return 0
	}
	return l.QuantityOrdered - l.QuantityReceived
}

func (o *PurchaseOrder) line(id string) (*PurchaseOrderLine, bool) {
	for i := range o.Lines {
		if o.Lines[i].ID == id {
			return &o.Lines[i], true
		}
	}
	return nil, false
}

func (o PurchaseOrder) Clone() PurchaseOrder {
	o.Lines = append([]PurchaseOrderLine(nil), o.Lines...)
	return o
}

// =============================================================================
// FULFILLMENTS
// =============================================================================

type FulfillmentStatus string

const (
	FulfillmentPacked    FulfillmentStatus = "packed"
	FulfillmentShipped   FulfillmentStatus = "shipped"
	FulfillmentCancelled FulfillmentStatus = "cancelled"
)

type Fulfillment struct {
	ID           string            `json:"id"`
	SalesOrderID string            `json:"sales_order_id"`
	Status       FulfillmentStatus `json:"status"`
	Lines        []FulfillmentLine `json:"lines"`
	CreatedAt    time.Time         `json:"created_at"`
	ShippedAt    *time.Time        `json:"shipped_at,omitempty"`
	CancelledAt  *time.Time        `json:"cancelled_at,omitempty"`
}

type FulfillmentLine struct {
	SalesOrderLineID string `json:"sales_order_line_id"`
	LocationID       string `json:"location_id"`
	Quantity         int64  `json:"quantity"`
}

func (f Fulfillment) Clone() Fulfillment {
	f.Lines = append([]FulfillmentLine(nil), f.Lines...)
	return f
}

// =============================================================================
// RECEIPTS
// =============================================================================

type ReceiptStatus string

const (
	ReceiptActive   ReceiptStatus = "active"
	ReceiptReversed ReceiptStatus = "reversed"
)

// InventoryReceipt is reversed as a unit. Reversal tombstones it; it is never deleted.
type InventoryReceipt struct {
	ID              string        `json:"id"`
	PurchaseOrderID string        `json:"purchase_order_id,omitempty"`
	ReceiptNumber   string        `json:"receipt_number"`
	Reference       string        `json:"reference,omitempty"`
	Status          ReceiptStatus `json:"status"`
	Lines           []ReceiptLine `json:"lines"`
	ReceivedAt      time.Time     `json:"received_at"`
	ReversedAt      *time.Time    `json:"reversed_at,omitempty"`
}

type ReceiptLine struct {
	PurchaseOrderLineID string `json:"purchase_order_line_id,omitempty"`
	ProductID           string `json:"product_id"`
	LocationID          string `json:"location_id"`
	QuantityReceived    int64  `json:"quantity_received"`
	// OnOrderConsumed is the on_order decrement actually booked (after flooring),
	// so the reversal restores exactly that much.
	OnOrderConsumed int64 `json:"on_order_consumed"`
}

func (r InventoryReceipt) Clone() InventoryReceipt {
	r.Lines = append([]ReceiptLine(nil), r.Lines...)
	return r
}

// =============================================================================
// OPERATION RECORDS (idempotency)
// =============================================================================

// OperationRecord stores the result of a completed keyed operation.
type OperationRecord struct {
	IdempotencyKey string    `json:"idempotency_key"`
	Operation      string    `json:"operation"`
	Result         []byte    `json:"result"`
	CreatedAt      time.Time `json:"created_at"`
}

// =============================================================================
// IMPORT JOBS
// =============================================================================

type ImportJobStatus string

const (
	ImportJobPending   ImportJobStatus = "pending"
	ImportJobRunning   ImportJobStatus = "running"
	ImportJobCompleted ImportJobStatus = "completed"
	ImportJobFailed    ImportJobStatus = "failed"
)

type ImportMode string

const (
	ImportModeDelta ImportMode = "delta" // adjust qoh by quantity
	ImportModeSet   ImportMode = "set"   // set qoh to quantity (cycle count)
)

// ImportRow is one normalized row from the import subsystem.
// Quantity stays a string so non-integer input is reported per row.
type ImportRow struct {
	Row        int        `json:"row"`
	SKU        string     `json:"sku"`
	LocationID string     `json:"location_id"`
	Quantity   string     `json:"quantity"`
	Mode       ImportMode `json:"mode,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

type ImportJob struct {
	ID           string          `json:"id"`
	Status       ImportJobStatus `json:"status"`
	Actor        string          `json:"actor,omitempty"`
	Rows         []ImportRow     `json:"rows,omitempty"`
	Total        int             `json:"total"`
	Processed    int             `json:"processed"`
	SuccessCount int             `json:"success_count"`
	ErrorCount   int             `json:"error_count"`
	Errors       []RowError      `json:"errors,omitempty"`
	Failure      string          `json:"failure,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

func (j ImportJob) Clone() ImportJob {
	j.Rows = append([]ImportRow(nil), j.Rows...)
	j.Errors = append([]RowError(nil), j.Errors...)
	return j
}
