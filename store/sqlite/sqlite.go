/*
Package sqlite provides a SQLite-backed inventory.Store.

PURPOSE:
  Durable storage for the ledger, the snapshot projection and the workflow
  rows (orders, fulfillments, receipts, operation results, import jobs).
  In production the same layout works on PostgreSQL with SELECT ... FOR
  UPDATE in place of the writer lock.

APPEND-ONLY ENFORCEMENT:
  ledger_entries has no UPDATE or DELETE path in this package, and two
  triggers abort any UPDATE or DELETE issued against it from elsewhere.
  idempotency_key is UNIQUE where present.

KEY TABLES:
  ledger_entries:        Immutable stock movements
  stock_snapshots:       Derived quantities per (product, location)
  sales_orders / sales_order_lines
  purchase_orders / purchase_order_lines
  fulfillments:          Lines stored as JSON
  inventory_receipts:    Lines stored as JSON, tombstoned on reversal
  operations:            Idempotency results
  import_jobs

CONCURRENCY:
  SQLite has a single writer. WithTx takes the store's write lock for the
  whole transaction, so the row-lock methods of Tx only need to read: no
  other writer can interleave. A database that stays busy past the busy
  timeout surfaces as ErrConcurrencyConflict.

USAGE:
  store, err := sqlite.New("./data/stock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := inventory.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - inventory/store.go: Interface definitions
  - inventory/store/memory.go: In-memory implementation with real row locks
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/stock-ledger/inventory"
)

// Store implements inventory.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	reader
}

type Option func(*options)

type options struct {
	busyTimeout time.Duration
}

// WithBusyTimeout sets how long SQLite waits on a locked database before failing.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.busyTimeout = d
		}
	}
}

var _ inventory.Store = (*Store)(nil)

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	o := options{busyTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", dbPath, o.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory") {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, reader: reader{q: db}}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection (health endpoint).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(inventory.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{reader: reader{q: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapErr(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// =============================================================================
// READER (outside transactions)
// =============================================================================

// The Store's own read methods take the read lock so they never observe
// a half-written transaction through the shared connection.

func (s *Store) GetSnapshot(ctx context.Context, key inventory.SnapshotKey) (*inventory.StockSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader.GetSnapshot(ctx, key)
}

func (s *Store) ListSnapshots(ctx context.Context, f inventory.SnapshotFilter) ([]inventory.StockSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader.ListSnapshots(ctx, f)
}

func (s *Store) ListEntries(ctx context.Context, f inventory.EntryFilter) ([]inventory.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader.ListEntries(ctx, f)
}

func (s *Store) GetProduct(ctx context.Context, id string) (*inventory.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader.GetProduct(ctx, id)
}

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*inventory.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader.GetProductBySKU(ctx, sku)
}

func (s *Store) GetLocation(ctx context.Context, id string) (*inventory.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader.GetLocation(ctx, id)
}

func (s *Store) ListLocations(ctx context.Context) ([]inventory.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader.ListLocations(ctx)
}

func (s *Store) GetSalesOrder(ctx context.Context, id string) (*inventory.SalesOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader.GetSalesOrder(ctx, id)
}

func (s *Store) SalesOrderIDForLine(ctx context.Context, lineID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader.SalesOrderIDForLine(ctx, lineID)
}

func (s *Store) GetPurchaseOrder(ctx context.Context, id string) (*inventory.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader.GetPurchaseOrder(ctx, id)
}

func (s *Store) GetFulfillment(ctx context.Context, id string) (*inventory.Fulfillment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader.GetFulfillment(ctx, id)
}

func (s *Store) ListFulfillments(ctx context.Context, salesOrderID string) ([]inventory.Fulfillment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader.ListFulfillments(ctx, salesOrderID)
}

func (s *Store) GetReceipt(ctx context.Context, id string) (*inventory.InventoryReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader.GetReceipt(ctx, id)
}

func (s *Store) ListReceipts(ctx context.Context, purchaseOrderID string) ([]inventory.InventoryReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader.ListReceipts(ctx, purchaseOrderID)
}

func (s *Store) GetImportJob(ctx context.Context, id string) (*inventory.ImportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader.GetImportJob(ctx, id)
}

// =============================================================================
// ERRORS AND ENCODING
// =============================================================================

// mapErr turns SQLite contention and uniqueness failures into engine errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch {
	case se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked:
		return fmt.Errorf("%w: %v", inventory.ErrConcurrencyConflict, err)
	case se.ExtendedCode == sqlite3.ErrConstraintUnique && strings.Contains(se.Error(), "idempotency_key"):
		return fmt.Errorf("%w: %v", inventory.ErrDuplicateIdempotencyKey, err)
	case se.ExtendedCode == sqlite3.ErrConstraintCheck:
		return fmt.Errorf("%w: %v", inventory.ErrConstraintViolation, err)
	}
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
