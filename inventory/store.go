/*
store.go - Persistence contract for the stock engine

PURPOSE:
  Defines the interface between the engines and the database. Engines never
  write outside WithTx; read views (reporting, UI tables) use the Reader
  methods directly and never write.

KEY INTERFACES:
  Reader:  Read-only queries, safe outside any transaction
  Tx:      Reader + row locks + writes, scoped to one top-level operation
  Store:   Reader + WithTx

LOCKING:
  Lock* methods acquire a row-level lock that is held until the transaction
  ends. Two transactions touching the same snapshot key serialize there;
  disjoint keys do not contend (memory store) or are serialized by the
  database's single writer (SQLite). A lock that cannot be obtained in
  time surfaces as ErrConcurrencyConflict.

APPEND-ONLY CONTRACT:
  Ledger entries have InsertEntry and nothing else. There is no update or
  delete for entries in any implementation.

IMPLEMENTATIONS:
  - inventory/store/memory.go: In-memory, per-row locks (tests, dev)
  - store/sqlite/sqlite.go:    SQLite via database/sql

SEE ALSO:
  - ledger.go: The only caller of InsertEntry / PutSnapshot
  - idempotency.go: The only caller of LockOperation / PutOperation
*/
package inventory

import "context"

// =============================================================================
// FILTERS
// =============================================================================

type EntryFilter struct {
	ProductID   string
	LocationID  string
	ReferenceID string
	Types       []TransactionType
	Limit       int // 0 = no limit; entries are returned oldest first
}

type SnapshotFilter struct {
	ProductID  string
	LocationID string
}

// =============================================================================
// READER - Queries usable outside a transaction
// =============================================================================

// Reader exposes the read paths. All Get* methods return (nil, nil) when the
// row does not exist.
type Reader interface {
	GetSnapshot(ctx context.Context, key SnapshotKey) (*StockSnapshot, error)
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]StockSnapshot, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error)

	GetProduct(ctx context.Context, id string) (*Product, error)
	GetProductBySKU(ctx context.Context, sku string) (*Product, error)
	GetLocation(ctx context.Context, id string) (*Location, error)
	ListLocations(ctx context.Context) ([]Location, error)

	GetSalesOrder(ctx context.Context, id string) (*SalesOrder, error)
	// SalesOrderIDForLine resolves the owning order of a line ("" if unknown).
	SalesOrderIDForLine(ctx context.Context, lineID string) (string, error)
	GetPurchaseOrder(ctx context.Context, id string) (*PurchaseOrder, error)
	GetFulfillment(ctx context.Context, id string) (*Fulfillment, error)
	ListFulfillments(ctx context.Context, salesOrderID string) ([]Fulfillment, error)
	GetReceipt(ctx context.Context, id string) (*InventoryReceipt, error)
	ListReceipts(ctx context.Context, purchaseOrderID string) ([]InventoryReceipt, error)
	GetImportJob(ctx context.Context, id string) (*ImportJob, error)
}

// =============================================================================
// TX - One atomic unit of work
// =============================================================================

// Tx is handed to the function passed to Store.WithTx. Reads made through a
// Tx observe the writes already made through it.
type Tx interface {
	Reader

	// LockSnapshot locks the row for key and returns its current value,
	// a zero snapshot if the row does not exist yet.
	LockSnapshot(ctx context.Context, key SnapshotKey) (StockSnapshot, error)
	PutSnapshot(ctx context.Context, snap StockSnapshot) error
	// ReplaceSnapshots swaps the whole projection (rebuild).
	ReplaceSnapshots(ctx context.Context, snaps []StockSnapshot) error

	// InsertEntry appends to the ledger. Returns ErrDuplicateIdempotencyKey
	// if the entry's key is already present.
	InsertEntry(ctx context.Context, entry LedgerEntry) error

	PutProduct(ctx context.Context, p Product) error
	PutLocation(ctx context.Context, l Location) error

	LockSalesOrder(ctx context.Context, id string) (*SalesOrder, error)
	PutSalesOrder(ctx context.Context, o SalesOrder) error
	LockPurchaseOrder(ctx context.Context, id string) (*PurchaseOrder, error)
	PutPurchaseOrder(ctx context.Context, o PurchaseOrder) error
	LockFulfillment(ctx context.Context, id string) (*Fulfillment, error)
	PutFulfillment(ctx context.Context, f Fulfillment) error
	LockReceipt(ctx context.Context, id string) (*InventoryReceipt, error)
	PutReceipt(ctx context.Context, r InventoryReceipt) error

	// LockOperation locks the idempotency key and returns the stored record, if any.
	LockOperation(ctx context.Context, key string) (*OperationRecord, error)
	PutOperation(ctx context.Context, rec OperationRecord) error

	LockImportJob(ctx context.Context, id string) (*ImportJob, error)
	PutImportJob(ctx context.Context, job ImportJob) error
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	Reader

	// WithTx runs fn in a transaction. If fn returns an error nothing it did
	// is kept; otherwise everything is committed atomically.
	WithTx(ctx context.Context, fn func(Tx) error) error
}
