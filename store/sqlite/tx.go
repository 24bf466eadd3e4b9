package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/stock-ledger/inventory"
)

// txStore implements inventory.Tx on a *sql.Tx. Reads go through the same
// transaction, so they see its own writes.
type txStore struct {
	reader
	tx *sql.Tx
}

var _ inventory.Tx = (*txStore)(nil)

// =============================================================================
// LOCKS
// =============================================================================

// The store's writer lock is held for the whole transaction, so a Lock*
// method is a plain read.

func (t *txStore) LockSnapshot(ctx context.Context, key inventory.SnapshotKey) (inventory.StockSnapshot, error) {
	s, err := t.GetSnapshot(ctx, key)
	if err != nil {
		return inventory.StockSnapshot{}, err
	}
	if s == nil {
		return inventory.StockSnapshot{ProductID: key.ProductID, LocationID: key.LocationID}, nil
	}
	return *s, nil
}

func (t *txStore) LockSalesOrder(ctx context.Context, id string) (*inventory.SalesOrder, error) {
	return t.GetSalesOrder(ctx, id)
}

func (t *txStore) LockPurchaseOrder(ctx context.Context, id string) (*inventory.PurchaseOrder, error) {
	return t.GetPurchaseOrder(ctx, id)
}

func (t *txStore) LockFulfillment(ctx context.Context, id string) (*inventory.Fulfillment, error) {
	return t.GetFulfillment(ctx, id)
}

func (t *txStore) LockReceipt(ctx context.Context, id string) (*inventory.InventoryReceipt, error) {
	return t.GetReceipt(ctx, id)
}

func (t *txStore) LockImportJob(ctx context.Context, id string) (*inventory.ImportJob, error) {
	return t.GetImportJob(ctx, id)
}

func (t *txStore) LockOperation(ctx context.Context, key string) (*inventory.OperationRecord, error) {
	var (
		rec       inventory.OperationRecord
		result    string
		createdAt string
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT idempotency_key, operation, result_json, created_at FROM operations WHERE idempotency_key = ?`, key,
	).Scan(&rec.IdempotencyKey, &rec.Operation, &result, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to get operation: %w", err))
	}
	rec.Result = []byte(result)
	rec.CreatedAt = parseTime(createdAt)
	return &rec, nil
}

// =============================================================================
// LEDGER AND SNAPSHOTS
// =============================================================================

func (t *txStore) InsertEntry(ctx context.Context, e inventory.LedgerEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			id, product_id, location_id, transaction_type,
			change_qoh, change_reserved, change_available, change_on_order,
			reference_id, idempotency_key, notes, actor, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProductID, e.LocationID, string(e.TransactionType),
		e.QOH, e.Reserved, e.Available, e.OnOrder,
		nullString(e.ReferenceID), nullString(e.IdempotencyKey), nullString(e.Notes), nullString(e.Actor),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return mapErr(fmt.Errorf("failed to insert ledger entry: %w", err))
	}
	return nil
}

func (t *txStore) PutSnapshot(ctx context.Context, s inventory.StockSnapshot) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_snapshots (product_id, location_id, qoh, reserved, available, on_order, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(product_id, location_id) DO UPDATE SET
			qoh = excluded.qoh,
			reserved = excluded.reserved,
			available = excluded.available,
			on_order = excluded.on_order,
			last_updated = excluded.last_updated`,
		s.ProductID, s.LocationID, s.QOH, s.Reserved, s.Available, s.OnOrder, formatTime(s.LastUpdated),
	)
	if err != nil {
		return mapErr(fmt.Errorf("failed to save snapshot: %w", err))
	}
	return nil
}

func (t *txStore) ReplaceSnapshots(ctx context.Context, snaps []inventory.StockSnapshot) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM stock_snapshots`); err != nil {
		return mapErr(fmt.Errorf("failed to clear snapshots: %w", err))
	}
	for _, s := range snaps {
		if err := t.PutSnapshot(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// CATALOG
// =============================================================================

func (t *txStore) PutProduct(ctx context.Context, p inventory.Product) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO products (id, sku, name, default_location_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sku = excluded.sku,
			name = excluded.name,
			default_location_id = excluded.default_location_id`,
		p.ID, p.SKU, p.Name, nullString(p.DefaultLocationID), formatTime(p.CreatedAt),
	)
	if err != nil {
		return mapErr(fmt.Errorf("failed to save product: %w", err))
	}
	return nil
}

func (t *txStore) PutLocation(ctx context.Context, l inventory.Location) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO locations (id, name, sellable, priority, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			sellable = excluded.sellable,
			priority = excluded.priority`,
		l.ID, l.Name, l.Sellable, l.Priority, formatTime(l.CreatedAt),
	)
	if err != nil {
		return mapErr(fmt.Errorf("failed to save location: %w", err))
	}
	return nil
}

// =============================================================================
// ORDERS
// =============================================================================

func (t *txStore) PutSalesOrder(ctx context.Context, o inventory.SalesOrder) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales_orders (id, customer_ref, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer_ref = excluded.customer_ref,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		o.ID, nullString(o.CustomerRef), string(o.Status), formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
	)
	if err != nil {
		return mapErr(fmt.Errorf("failed to save sales order: %w", err))
	}

	for i, l := range o.Lines {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO sales_order_lines (
				id, sales_order_id, position, product_id, location_id,
				quantity_ordered, quantity_allocated, quantity_fulfilled, unit_price
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				location_id = excluded.location_id,
				quantity_ordered = excluded.quantity_ordered,
				quantity_allocated = excluded.quantity_allocated,
				quantity_fulfilled = excluded.quantity_fulfilled,
				unit_price = excluded.unit_price`,
			l.ID, o.ID, i, l.ProductID, nullString(l.LocationID),
			l.QuantityOrdered, l.QuantityAllocated, l.QuantityFulfilled, l.UnitPrice.String(),
		)
		if err != nil {
			return mapErr(fmt.Errorf("failed to save sales order line %s: %w", l.ID, err))
		}
	}
	return nil
}

func (t *txStore) PutPurchaseOrder(ctx context.Context, o inventory.PurchaseOrder) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO purchase_orders (id, supplier_ref, location_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			supplier_ref = excluded.supplier_ref,
			location_id = excluded.location_id,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		o.ID, nullString(o.SupplierRef), o.LocationID, string(o.Status), formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
	)
	if err != nil {
		return mapErr(fmt.Errorf("failed to save purchase order: %w", err))
	}

	for i, l := range o.Lines {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO purchase_order_lines (
				id, purchase_order_id, position, product_id, quantity_ordered, quantity_received, unit_cost
			) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				quantity_ordered = excluded.quantity_ordered,
				quantity_received = excluded.quantity_received,
				unit_cost = excluded.unit_cost`,
			l.ID, o.ID, i, l.ProductID, l.QuantityOrdered, l.QuantityReceived, l.UnitCost.String(),
		)
		if err != nil {
			return mapErr(fmt.Errorf("failed to save purchase order line %s: %w", l.ID, err))
		}
	}
	return nil
}

// =============================================================================
// FULFILLMENTS AND RECEIPTS
// =============================================================================

func (t *txStore) PutFulfillment(ctx context.Context, f inventory.Fulfillment) error {
	lines, err := json.Marshal(f.Lines)
	if err != nil {
		return fmt.Errorf("failed to encode fulfillment lines: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO fulfillments (id, sales_order_id, status, lines_json, created_at, shipped_at, cancelled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			lines_json = excluded.lines_json,
			shipped_at = excluded.shipped_at,
			cancelled_at = excluded.cancelled_at`,
		f.ID, f.SalesOrderID, string(f.Status), string(lines),
		formatTime(f.CreatedAt), nullTime(f.ShippedAt), nullTime(f.CancelledAt),
	)
	if err != nil {
		return mapErr(fmt.Errorf("failed to save fulfillment: %w", err))
	}
	return nil
}

func (t *txStore) PutReceipt(ctx context.Context, r inventory.InventoryReceipt) error {
	lines, err := json.Marshal(r.Lines)
	if err != nil {
		return fmt.Errorf("failed to encode receipt lines: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO inventory_receipts (
			id, purchase_order_id, receipt_number, reference, status, lines_json, received_at, reversed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			reversed_at = excluded.reversed_at`,
		r.ID, nullString(r.PurchaseOrderID), r.ReceiptNumber, nullString(r.Reference), string(r.Status),
		string(lines), formatTime(r.ReceivedAt), nullTime(r.ReversedAt),
	)
	if err != nil {
		return mapErr(fmt.Errorf("failed to save receipt: %w", err))
	}
	return nil
}

// =============================================================================
// OPERATIONS AND IMPORT JOBS
// =============================================================================

func (t *txStore) PutOperation(ctx context.Context, rec inventory.OperationRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO operations (idempotency_key, operation, result_json, created_at)
		VALUES (?, ?, ?, ?)`,
		rec.IdempotencyKey, rec.Operation, string(rec.Result), formatTime(createdAt),
	)
	if err != nil {
		return mapErr(fmt.Errorf("failed to save operation result: %w", err))
	}
	return nil
}

func (t *txStore) PutImportJob(ctx context.Context, j inventory.ImportJob) error {
	rows, err := json.Marshal(j.Rows)
	if err != nil {
		return fmt.Errorf("failed to encode import rows: %w", err)
	}
	errs, err := json.Marshal(j.Errors)
	if err != nil {
		return fmt.Errorf("failed to encode import errors: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO import_jobs (
			id, status, actor, rows_json, total, processed, success_count, error_count,
			errors_json, failure, created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			processed = excluded.processed,
			success_count = excluded.success_count,
			error_count = excluded.error_count,
			errors_json = excluded.errors_json,
			failure = excluded.failure,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		j.ID, string(j.Status), nullString(j.Actor), string(rows), j.Total, j.Processed, j.SuccessCount, j.ErrorCount,
		string(errs), nullString(j.Failure), formatTime(j.CreatedAt), nullTime(j.StartedAt), nullTime(j.CompletedAt),
	)
	if err != nil {
		return mapErr(fmt.Errorf("failed to save import job: %w", err))
	}
	return nil
}
