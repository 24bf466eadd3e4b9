// Package store provides an in-memory inventory.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/stock-ledger/inventory"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps committed state behind one RWMutex and hands out row locks
// through a lock manager. A transaction buffers its writes and applies them
// in one step on commit; disjoint transactions run concurrently.
type Memory struct {
	mu    sync.RWMutex
	state *state

	locks       *lockManager
	lockTimeout time.Duration
}

type Option func(*Memory)

// WithLockTimeout bounds how long a transaction waits for a row lock.
func WithLockTimeout(d time.Duration) Option {
	return func(m *Memory) {
		if d > 0 {
			m.lockTimeout = d
		}
	}
}

func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		state:       newState(),
		locks:       newLockManager(),
		lockTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ inventory.Store = (*Memory)(nil)

// WithTx runs fn with a fresh transaction. Writes become visible to others
// only when fn returns nil; locks are held until then.
func (m *Memory) WithTx(ctx context.Context, fn func(inventory.Tx) error) error {
	tx := newMemoryTx(m)
	defer tx.releaseLocks()

	if err := fn(tx); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *Memory) commit(tx *memoryTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range tx.w.entries {
		if e.IdempotencyKey != "" && m.state.entryKeys[e.IdempotencyKey] {
			return inventory.ErrDuplicateIdempotencyKey
		}
	}
	m.state.apply(tx.w)
	return nil
}

// =============================================================================
// READER - committed state only
// =============================================================================

func (m *Memory) GetSnapshot(_ context.Context, key inventory.SnapshotKey) (*inventory.StockSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.state.snapshots[key]; ok {
		return &s, nil
	}
	return nil, nil
}

func (m *Memory) ListSnapshots(_ context.Context, filter inventory.SnapshotFilter) ([]inventory.StockSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterSnapshots(m.state.snapshots, filter), nil
}

func (m *Memory) ListEntries(_ context.Context, filter inventory.EntryFilter) ([]inventory.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return limitEntries(filterEntries(m.state.entries, filter), filter.Limit), nil
}

func (m *Memory) GetProduct(_ context.Context, id string) (*inventory.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.state.products[id]; ok {
		return &p, nil
	}
	return nil, nil
}

func (m *Memory) GetProductBySKU(_ context.Context, sku string) (*inventory.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.state.products {
		if p.SKU == sku {
			return &p, nil
		}
	}
	return nil, nil
}

func (m *Memory) GetLocation(_ context.Context, id string) (*inventory.Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.state.locations[id]; ok {
		return &l, nil
	}
	return nil, nil
}

func (m *Memory) ListLocations(_ context.Context) ([]inventory.Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedLocations(m.state.locations), nil
}

func (m *Memory) GetSalesOrder(_ context.Context, id string) (*inventory.SalesOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.state.salesOrders[id]; ok {
		c := o.Clone()
		return &c, nil
	}
	return nil, nil
}

func (m *Memory) SalesOrderIDForLine(_ context.Context, lineID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.lineOrders[lineID], nil
}

func (m *Memory) GetPurchaseOrder(_ context.Context, id string) (*inventory.PurchaseOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.state.purchaseOrders[id]; ok {
		c := o.Clone()
		return &c, nil
	}
	return nil, nil
}

func (m *Memory) GetFulfillment(_ context.Context, id string) (*inventory.Fulfillment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if f, ok := m.state.fulfillments[id]; ok {
		c := f.Clone()
		return &c, nil
	}
	return nil, nil
}

func (m *Memory) ListFulfillments(_ context.Context, salesOrderID string) ([]inventory.Fulfillment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fulfillmentsFor(m.state.fulfillments, nil, salesOrderID), nil
}

func (m *Memory) GetReceipt(_ context.Context, id string) (*inventory.InventoryReceipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.state.receipts[id]; ok {
		c := r.Clone()
		return &c, nil
	}
	return nil, nil
}

func (m *Memory) ListReceipts(_ context.Context, purchaseOrderID string) ([]inventory.InventoryReceipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return receiptsFor(m.state.receipts, nil, purchaseOrderID), nil
}

func (m *Memory) GetImportJob(_ context.Context, id string) (*inventory.ImportJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if j, ok := m.state.jobs[id]; ok {
		c := j.Clone()
		return &c, nil
	}
	return nil, nil
}

// =============================================================================
// STATE
// =============================================================================

type state struct {
	entries   []inventory.LedgerEntry
	entryKeys map[string]bool
	snapshots map[inventory.SnapshotKey]inventory.StockSnapshot

	products  map[string]inventory.Product
	locations map[string]inventory.Location

	salesOrders    map[string]inventory.SalesOrder
	lineOrders     map[string]string
	purchaseOrders map[string]inventory.PurchaseOrder
	fulfillments   map[string]inventory.Fulfillment
	receipts       map[string]inventory.InventoryReceipt

	operations map[string]inventory.OperationRecord
	jobs       map[string]inventory.ImportJob
}

func newState() *state {
	return &state{
		entryKeys:      make(map[string]bool),
		snapshots:      make(map[inventory.SnapshotKey]inventory.StockSnapshot),
		products:       make(map[string]inventory.Product),
		locations:      make(map[string]inventory.Location),
		salesOrders:    make(map[string]inventory.SalesOrder),
		lineOrders:     make(map[string]string),
		purchaseOrders: make(map[string]inventory.PurchaseOrder),
		fulfillments:   make(map[string]inventory.Fulfillment),
		receipts:       make(map[string]inventory.InventoryReceipt),
		operations:     make(map[string]inventory.OperationRecord),
		jobs:           make(map[string]inventory.ImportJob),
	}
}

// apply merges a transaction's write set. Caller holds the write lock.
func (s *state) apply(w *writeSet) {
	for _, e := range w.entries {
		s.entries = append(s.entries, e)
		if e.IdempotencyKey != "" {
			s.entryKeys[e.IdempotencyKey] = true
		}
	}
	if w.replaced != nil {
		s.snapshots = make(map[inventory.SnapshotKey]inventory.StockSnapshot, len(w.replaced))
		for k, v := range w.replaced {
			s.snapshots[k] = v
		}
	}
	for k, v := range w.snapshots {
		s.snapshots[k] = v
	}
	for k, v := range w.products {
		s.products[k] = v
	}
	for k, v := range w.locations {
		s.locations[k] = v
	}
	for k, v := range w.salesOrders {
		s.salesOrders[k] = v
		for _, l := range v.Lines {
			s.lineOrders[l.ID] = k
		}
	}
	for k, v := range w.purchaseOrders {
		s.purchaseOrders[k] = v
	}
	for k, v := range w.fulfillments {
		s.fulfillments[k] = v
	}
	for k, v := range w.receipts {
		s.receipts[k] = v
	}
	for k, v := range w.operations {
		s.operations[k] = v
	}
	for k, v := range w.jobs {
		s.jobs[k] = v
	}
}

// =============================================================================
// FILTER HELPERS
// =============================================================================

func matchEntry(e inventory.LedgerEntry, f inventory.EntryFilter) bool {
	if f.ProductID != "" && e.ProductID != f.ProductID {
		return false
	}
	if f.LocationID != "" && e.LocationID != f.LocationID {
		return false
	}
	if f.ReferenceID != "" && e.ReferenceID != f.ReferenceID {
		return false
	}
	if len(f.Types) > 0 {
		for _, t := range f.Types {
			if e.TransactionType == t {
				return true
			}
		}
		return false
	}
	return true
}

func filterEntries(entries []inventory.LedgerEntry, f inventory.EntryFilter) []inventory.LedgerEntry {
	out := make([]inventory.LedgerEntry, 0)
	for _, e := range entries {
		if matchEntry(e, f) {
			out = append(out, e)
		}
	}
	return out
}

func limitEntries(entries []inventory.LedgerEntry, limit int) []inventory.LedgerEntry {
	if limit > 0 && len(entries) > limit {
		return entries[:limit]
	}
	return entries
}

func filterSnapshots(snaps map[inventory.SnapshotKey]inventory.StockSnapshot, f inventory.SnapshotFilter) []inventory.StockSnapshot {
	out := make([]inventory.StockSnapshot, 0)
	for k, s := range snaps {
		if f.ProductID != "" && k.ProductID != f.ProductID {
			continue
		}
		if f.LocationID != "" && k.LocationID != f.LocationID {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].LocationID < out[j].LocationID
	})
	return out
}

func sortedLocations(locs map[string]inventory.Location) []inventory.Location {
	out := make([]inventory.Location, 0, len(locs))
	for _, l := range locs {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// fulfillmentsFor merges committed and buffered fulfillments of one order.
func fulfillmentsFor(committed, overlay map[string]inventory.Fulfillment, salesOrderID string) []inventory.Fulfillment {
	merged := make(map[string]inventory.Fulfillment)
	for id, f := range committed {
		if f.SalesOrderID == salesOrderID {
			merged[id] = f
		}
	}
	for id, f := range overlay {
		if f.SalesOrderID == salesOrderID {
			merged[id] = f
		}
	}
	out := make([]inventory.Fulfillment, 0, len(merged))
	for _, f := range merged {
		out = append(out, f.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func receiptsFor(committed, overlay map[string]inventory.InventoryReceipt, purchaseOrderID string) []inventory.InventoryReceipt {
	merged := make(map[string]inventory.InventoryReceipt)
	for id, r := range committed {
		if r.PurchaseOrderID == purchaseOrderID {
			merged[id] = r
		}
	}
	for id, r := range overlay {
		if r.PurchaseOrderID == purchaseOrderID {
			merged[id] = r
		}
	}
	out := make([]inventory.InventoryReceipt, 0, len(merged))
	for _, r := range merged {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
