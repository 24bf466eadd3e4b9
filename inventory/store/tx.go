package store

import (
	"context"

	"github.com/warp/stock-ledger/inventory"
)

// =============================================================================
// WRITE SET
// =============================================================================

type writeSet struct {
	entries   []inventory.LedgerEntry
	entryKeys map[string]bool
	snapshots map[inventory.SnapshotKey]inventory.StockSnapshot
	// replaced is the full projection after ReplaceSnapshots; nil if not called.
	replaced map[inventory.SnapshotKey]inventory.StockSnapshot

	products       map[string]inventory.Product
	locations      map[string]inventory.Location
	salesOrders    map[string]inventory.SalesOrder
	purchaseOrders map[string]inventory.PurchaseOrder
	fulfillments   map[string]inventory.Fulfillment
	receipts       map[string]inventory.InventoryReceipt
	operations     map[string]inventory.OperationRecord
	jobs           map[string]inventory.ImportJob
}

func newWriteSet() *writeSet {
	return &writeSet{
		entryKeys:      make(map[string]bool),
		snapshots:      make(map[inventory.SnapshotKey]inventory.StockSnapshot),
		products:       make(map[string]inventory.Product),
		locations:      make(map[string]inventory.Location),
		salesOrders:    make(map[string]inventory.SalesOrder),
		purchaseOrders: make(map[string]inventory.PurchaseOrder),
		fulfillments:   make(map[string]inventory.Fulfillment),
		receipts:       make(map[string]inventory.InventoryReceipt),
		operations:     make(map[string]inventory.OperationRecord),
		jobs:           make(map[string]inventory.ImportJob),
	}
}

// =============================================================================
// TRANSACTION
// =============================================================================

// memoryTx reads through its own write set to the committed state.
type memoryTx struct {
	m     *Memory
	w     *writeSet
	owned map[string]bool
}

func newMemoryTx(m *Memory) *memoryTx {
	return &memoryTx{m: m, w: newWriteSet(), owned: make(map[string]bool)}
}

var _ inventory.Tx = (*memoryTx)(nil)

// lock is re-entrant within the transaction.
func (t *memoryTx) lock(ctx context.Context, name string) error {
	if t.owned[name] {
		return nil
	}
	if err := t.m.locks.acquire(ctx, name, t.m.lockTimeout); err != nil {
		return err
	}
	t.owned[name] = true
	return nil
}

func (t *memoryTx) releaseLocks() {
	for name := range t.owned {
		t.m.locks.release(name)
	}
	t.owned = nil
}

// ---- snapshots ----

func (t *memoryTx) GetSnapshot(_ context.Context, key inventory.SnapshotKey) (*inventory.StockSnapshot, error) {
	if s, ok := t.w.snapshots[key]; ok {
		return &s, nil
	}
	if t.w.replaced != nil {
		if s, ok := t.w.replaced[key]; ok {
			return &s, nil
		}
		return nil, nil
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	if s, ok := t.m.state.snapshots[key]; ok {
		return &s, nil
	}
	return nil, nil
}

func (t *memoryTx) ListSnapshots(_ context.Context, filter inventory.SnapshotFilter) ([]inventory.StockSnapshot, error) {
	merged := make(map[inventory.SnapshotKey]inventory.StockSnapshot)
	if t.w.replaced != nil {
		for k, v := range t.w.replaced {
			merged[k] = v
		}
	} else {
		t.m.mu.RLock()
		for k, v := range t.m.state.snapshots {
			merged[k] = v
		}
		t.m.mu.RUnlock()
	}
	for k, v := range t.w.snapshots {
		merged[k] = v
	}
	return filterSnapshots(merged, filter), nil
}

func (t *memoryTx) LockSnapshot(ctx context.Context, key inventory.SnapshotKey) (inventory.StockSnapshot, error) {
	if err := t.lock(ctx, snapshotLock(key)); err != nil {
		return inventory.StockSnapshot{}, err
	}
	s, err := t.GetSnapshot(ctx, key)
	if err != nil {
		return inventory.StockSnapshot{}, err
	}
	if s == nil {
		return inventory.StockSnapshot{ProductID: key.ProductID, LocationID: key.LocationID}, nil
	}
	return *s, nil
}

func (t *memoryTx) PutSnapshot(_ context.Context, snap inventory.StockSnapshot) error {
	t.w.snapshots[snap.Key()] = snap
	return nil
}

func (t *memoryTx) ReplaceSnapshots(_ context.Context, snaps []inventory.StockSnapshot) error {
	t.w.replaced = make(map[inventory.SnapshotKey]inventory.StockSnapshot, len(snaps))
	for _, s := range snaps {
		t.w.replaced[s.Key()] = s
	}
	t.w.snapshots = make(map[inventory.SnapshotKey]inventory.StockSnapshot)
	return nil
}

// ---- ledger ----

func (t *memoryTx) ListEntries(_ context.Context, filter inventory.EntryFilter) ([]inventory.LedgerEntry, error) {
	t.m.mu.RLock()
	out := filterEntries(t.m.state.entries, filter)
	t.m.mu.RUnlock()
	out = append(out, filterEntries(t.w.entries, filter)...)
	return limitEntries(out, filter.Limit), nil
}

func (t *memoryTx) InsertEntry(_ context.Context, entry inventory.LedgerEntry) error {
	if k := entry.IdempotencyKey; k != "" {
		if t.w.entryKeys[k] {
			return inventory.ErrDuplicateIdempotencyKey
		}
		t.m.mu.RLock()
		seen := t.m.state.entryKeys[k]
		t.m.mu.RUnlock()
		if seen {
			return inventory.ErrDuplicateIdempotencyKey
		}
		t.w.entryKeys[k] = true
	}
	t.w.entries = append(t.w.entries, entry)
	return nil
}

// ---- catalog ----

func (t *memoryTx) GetProduct(ctx context.Context, id string) (*inventory.Product, error) {
	if p, ok := t.w.products[id]; ok {
		return &p, nil
	}
	return t.m.GetProduct(ctx, id)
}

func (t *memoryTx) GetProductBySKU(ctx context.Context, sku string) (*inventory.Product, error) {
	for _, p := range t.w.products {
		if p.SKU == sku {
			return &p, nil
		}
	}
	p, err := t.m.GetProductBySKU(ctx, sku)
	if err != nil || p == nil {
		return p, err
	}
	if _, rewritten := t.w.products[p.ID]; rewritten {
		// the buffered version no longer carries this sku
		return nil, nil
	}
	return p, nil
}

func (t *memoryTx) PutProduct(_ context.Context, p inventory.Product) error {
	t.w.products[p.ID] = p
	return nil
}

func (t *memoryTx) GetLocation(ctx context.Context, id string) (*inventory.Location, error) {
	if l, ok := t.w.locations[id]; ok {
		return &l, nil
	}
	return t.m.GetLocation(ctx, id)
}

func (t *memoryTx) ListLocations(_ context.Context) ([]inventory.Location, error) {
	merged := make(map[string]inventory.Location)
	t.m.mu.RLock()
	for k, v := range t.m.state.locations {
		merged[k] = v
	}
	t.m.mu.RUnlock()
	for k, v := range t.w.locations {
		merged[k] = v
	}
	return sortedLocations(merged), nil
}

func (t *memoryTx) PutLocation(_ context.Context, l inventory.Location) error {
	t.w.locations[l.ID] = l
	return nil
}

// ---- sales orders ----

func (t *memoryTx) GetSalesOrder(ctx context.Context, id string) (*inventory.SalesOrder, error) {
	if o, ok := t.w.salesOrders[id]; ok {
		c := o.Clone()
		return &c, nil
	}
	return t.m.GetSalesOrder(ctx, id)
}

func (t *memoryTx) SalesOrderIDForLine(ctx context.Context, lineID string) (string, error) {
	for id, o := range t.w.salesOrders {
		for _, l := range o.Lines {
			if l.ID == lineID {
				return id, nil
			}
		}
	}
	return t.m.SalesOrderIDForLine(ctx, lineID)
}

func (t *memoryTx) LockSalesOrder(ctx context.Context, id string) (*inventory.SalesOrder, error) {
	if err := t.lock(ctx, salesOrderLock(id)); err != nil {
		return nil, err
	}
	return t.GetSalesOrder(ctx, id)
}

func (t *memoryTx) PutSalesOrder(_ context.Context, o inventory.SalesOrder) error {
	t.w.salesOrders[o.ID] = o.Clone()
	return nil
}

// ---- purchase orders ----

func (t *memoryTx) GetPurchaseOrder(ctx context.Context, id string) (*inventory.PurchaseOrder, error) {
	if o, ok := t.w.purchaseOrders[id]; ok {
		c := o.Clone()
		return &c, nil
	}
	return t.m.GetPurchaseOrder(ctx, id)
}

func (t *memoryTx) LockPurchaseOrder(ctx context.Context, id string) (*inventory.PurchaseOrder, error) {
	if err := t.lock(ctx, purchaseOrderLock(id)); err != nil {
		return nil, err
	}
	return t.GetPurchaseOrder(ctx, id)
}

func (t *memoryTx) PutPurchaseOrder(_ context.Context, o inventory.PurchaseOrder) error {
	t.w.purchaseOrders[o.ID] = o.Clone()
	return nil
}

// ---- fulfillments ----

func (t *memoryTx) GetFulfillment(ctx context.Context, id string) (*inventory.Fulfillment, error) {
	if f, ok := t.w.fulfillments[id]; ok {
		c := f.Clone()
		return &c, nil
	}
	return t.m.GetFulfillment(ctx, id)
}

func (t *memoryTx) ListFulfillments(_ context.Context, salesOrderID string) ([]inventory.Fulfillment, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	return fulfillmentsFor(t.m.state.fulfillments, t.w.fulfillments, salesOrderID), nil
}

func (t *memoryTx) LockFulfillment(ctx context.Context, id string) (*inventory.Fulfillment, error) {
	if err := t.lock(ctx, fulfillmentLock(id)); err != nil {
		return nil, err
	}
	return t.GetFulfillment(ctx, id)
}

func (t *memoryTx) PutFulfillment(_ context.Context, f inventory.Fulfillment) error {
	t.w.fulfillments[f.ID] = f.Clone()
	return nil
}

// ---- receipts ----

func (t *memoryTx) GetReceipt(ctx context.Context, id string) (*inventory.InventoryReceipt, error) {
	if r, ok := t.w.receipts[id]; ok {
		c := r.Clone()
		return &c, nil
	}
	return t.m.GetReceipt(ctx, id)
}

func (t *memoryTx) ListReceipts(_ context.Context, purchaseOrderID string) ([]inventory.InventoryReceipt, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	return receiptsFor(t.m.state.receipts, t.w.receipts, purchaseOrderID), nil
}

func (t *memoryTx) LockReceipt(ctx context.Context, id string) (*inventory.InventoryReceipt, error) {
	if err := t.lock(ctx, receiptLock(id)); err != nil {
		return nil, err
	}
	return t.GetReceipt(ctx, id)
}

func (t *memoryTx) PutReceipt(_ context.Context, r inventory.InventoryReceipt) error {
	t.w.receipts[r.ID] = r.Clone()
	return nil
}

// ---- operations ----

func (t *memoryTx) LockOperation(ctx context.Context, key string) (*inventory.OperationRecord, error) {
	if err := t.lock(ctx, operationLock(key)); err != nil {
		return nil, err
	}
	if rec, ok := t.w.operations[key]; ok {
		return &rec, nil
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	if rec, ok := t.m.state.operations[key]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (t *memoryTx) PutOperation(_ context.Context, rec inventory.OperationRecord) error {
	t.w.operations[rec.IdempotencyKey] = rec
	return nil
}

// ---- import jobs ----

func (t *memoryTx) GetImportJob(ctx context.Context, id string) (*inventory.ImportJob, error) {
	if j, ok := t.w.jobs[id]; ok {
		c := j.Clone()
		return &c, nil
	}
	return t.m.GetImportJob(ctx, id)
}

func (t *memoryTx) LockImportJob(ctx context.Context, id string) (*inventory.ImportJob, error) {
	if err := t.lock(ctx, importJobLock(id)); err != nil {
		return nil, err
	}
	return t.GetImportJob(ctx, id)
}

func (t *memoryTx) PutImportJob(_ context.Context, j inventory.ImportJob) error {
	t.w.jobs[j.ID] = j.Clone()
	return nil
}
