package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/inventory"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// reader implements inventory.Reader over a queryer.
type reader struct {
	q queryer
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

const snapshotColumns = `product_id, location_id, qoh, reserved, available, on_order, last_updated`

func (r reader) GetSnapshot(ctx context.Context, key inventory.SnapshotKey) (*inventory.StockSnapshot, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM stock_snapshots WHERE product_id = ? AND location_id = ?`,
		key.ProductID, key.LocationID)
	s, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to get snapshot: %w", err))
	}
	return &s, nil
}

func (r reader) ListSnapshots(ctx context.Context, f inventory.SnapshotFilter) ([]inventory.StockSnapshot, error) {
	var where []string
	var args []any
	if f.ProductID != "" {
		where = append(where, "product_id = ?")
		args = append(args, f.ProductID)
	}
	if f.LocationID != "" {
		where = append(where, "location_id = ?")
		args = append(args, f.LocationID)
	}
	query := `SELECT ` + snapshotColumns + ` FROM stock_snapshots` + whereClause(where) + ` ORDER BY product_id, location_id`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query snapshots: %w", err))
	}
	defer rows.Close()

	out := make([]inventory.StockSnapshot, 0)
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (inventory.StockSnapshot, error) {
	var (
		s           inventory.StockSnapshot
		lastUpdated string
	)
	if err := row.Scan(&s.ProductID, &s.LocationID, &s.QOH, &s.Reserved, &s.Available, &s.OnOrder, &lastUpdated); err != nil {
		return s, err
	}
	s.LastUpdated = parseTime(lastUpdated)
	return s, nil
}

// =============================================================================
// LEDGER
// =============================================================================

const entryColumns = `id, product_id, location_id, transaction_type,
	change_qoh, change_reserved, change_available, change_on_order,
	reference_id, idempotency_key, notes, actor, created_at`

func (r reader) ListEntries(ctx context.Context, f inventory.EntryFilter) ([]inventory.LedgerEntry, error) {
	var where []string
	var args []any
	if f.ProductID != "" {
		where = append(where, "product_id = ?")
		args = append(args, f.ProductID)
	}
	if f.LocationID != "" {
		where = append(where, "location_id = ?")
		args = append(args, f.LocationID)
	}
	if f.ReferenceID != "" {
		where = append(where, "reference_id = ?")
		args = append(args, f.ReferenceID)
	}
	if len(f.Types) > 0 {
		marks := make([]string, len(f.Types))
		for i, t := range f.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "transaction_type IN ("+strings.Join(marks, ", ")+")")
	}
	query := `SELECT ` + entryColumns + ` FROM ledger_entries` + whereClause(where) + ` ORDER BY seq`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query ledger: %w", err))
	}
	defer rows.Close()

	out := make([]inventory.LedgerEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(rows scanner) (inventory.LedgerEntry, error) {
	var (
		e                              inventory.LedgerEntry
		txType                         string
		referenceID, key, notes, actor sql.NullString
		createdAt                      string
	)
	err := rows.Scan(
		&e.ID, &e.ProductID, &e.LocationID, &txType,
		&e.QOH, &e.Reserved, &e.Available, &e.OnOrder,
		&referenceID, &key, &notes, &actor, &createdAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan ledger entry: %w", err)
	}
	e.TransactionType = inventory.TransactionType(txType)
	e.ReferenceID = referenceID.String
	e.IdempotencyKey = key.String
	e.Notes = notes.String
	e.Actor = actor.String
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

// =============================================================================
// CATALOG
// =============================================================================

func (r reader) GetProduct(ctx context.Context, id string) (*inventory.Product, error) {
	return r.getProduct(ctx, `WHERE id = ?`, id)
}

func (r reader) GetProductBySKU(ctx context.Context, sku string) (*inventory.Product, error) {
	return r.getProduct(ctx, `WHERE sku = ?`, sku)
}

func (r reader) getProduct(ctx context.Context, where string, arg string) (*inventory.Product, error) {
	var (
		p          inventory.Product
		defaultLoc sql.NullString
		createdAt  string
	)
	err := r.q.QueryRowContext(ctx,
		`SELECT id, sku, name, default_location_id, created_at FROM products `+where, arg,
	).Scan(&p.ID, &p.SKU, &p.Name, &defaultLoc, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to get product: %w", err))
	}
	p.DefaultLocationID = defaultLoc.String
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

func (r reader) GetLocation(ctx context.Context, id string) (*inventory.Location, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT id, name, sellable, priority, created_at FROM locations WHERE id = ?`, id)
	l, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to get location: %w", err))
	}
	return &l, nil
}

func (r reader) ListLocations(ctx context.Context) ([]inventory.Location, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, name, sellable, priority, created_at FROM locations ORDER BY id`)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query locations: %w", err))
	}
	defer rows.Close()

	out := make([]inventory.Location, 0)
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLocation(row scanner) (inventory.Location, error) {
	var (
		l         inventory.Location
		createdAt string
	)
	if err := row.Scan(&l.ID, &l.Name, &l.Sellable, &l.Priority, &createdAt); err != nil {
		return l, err
	}
	l.CreatedAt = parseTime(createdAt)
	return l, nil
}

// =============================================================================
// SALES ORDERS
// =============================================================================

func (r reader) GetSalesOrder(ctx context.Context, id string) (*inventory.SalesOrder, error) {
	var (
		o                    inventory.SalesOrder
		customerRef          sql.NullString
		status               string
		createdAt, updatedAt string
	)
	err := r.q.QueryRowContext(ctx,
		`SELECT id, customer_ref, status, created_at, updated_at FROM sales_orders WHERE id = ?`, id,
	).Scan(&o.ID, &customerRef, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to get sales order: %w", err))
	}
	o.CustomerRef = customerRef.String
	o.Status = inventory.SalesOrderStatus(status)
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)

	rows, err := r.q.QueryContext(ctx, `
		SELECT id, sales_order_id, product_id, location_id,
			quantity_ordered, quantity_allocated, quantity_fulfilled, unit_price
		FROM sales_order_lines WHERE sales_order_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query sales order lines: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var (
			l         inventory.SalesOrderLine
			location  sql.NullString
			unitPrice string
		)
		if err := rows.Scan(&l.ID, &l.SalesOrderID, &l.ProductID, &location,
			&l.QuantityOrdered, &l.QuantityAllocated, &l.QuantityFulfilled, &unitPrice); err != nil {
			return nil, fmt.Errorf("failed to scan sales order line: %w", err)
		}
		l.LocationID = location.String
		l.UnitPrice = parseDecimal(unitPrice)
		o.Lines = append(o.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r reader) SalesOrderIDForLine(ctx context.Context, lineID string) (string, error) {
	var id string
	err := r.q.QueryRowContext(ctx, `SELECT sales_order_id FROM sales_order_lines WHERE id = ?`, lineID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", mapErr(fmt.Errorf("failed to resolve sales order line: %w", err))
	}
	return id, nil
}

// =============================================================================
// PURCHASE ORDERS
// =============================================================================

func (r reader) GetPurchaseOrder(ctx context.Context, id string) (*inventory.PurchaseOrder, error) {
	var (
		o                    inventory.PurchaseOrder
		supplierRef          sql.NullString
		status               string
		createdAt, updatedAt string
	)
	err := r.q.QueryRowContext(ctx,
		`SELECT id, supplier_ref, location_id, status, created_at, updated_at FROM purchase_orders WHERE id = ?`, id,
	).Scan(&o.ID, &supplierRef, &o.LocationID, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to get purchase order: %w", err))
	}
	o.SupplierRef = supplierRef.String
	o.Status = inventory.PurchaseOrderStatus(status)
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)

	rows, err := r.q.QueryContext(ctx, `
		SELECT id, purchase_order_id, product_id, quantity_ordered, quantity_received, unit_cost
		FROM purchase_order_lines WHERE purchase_order_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query purchase order lines: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var (
			l        inventory.PurchaseOrderLine
			unitCost string
		)
		if err := rows.Scan(&l.ID, &l.PurchaseOrderID, &l.ProductID,
			&l.QuantityOrdered, &l.QuantityReceived, &unitCost); err != nil {
			return nil, fmt.Errorf("failed to scan purchase order line: %w", err)
		}
		l.UnitCost = parseDecimal(unitCost)
		o.Lines = append(o.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &o, nil
}

// =============================================================================
// FULFILLMENTS
// =============================================================================

const fulfillmentColumns = `id, sales_order_id, status, lines_json, created_at, shipped_at, cancelled_at`

func (r reader) GetFulfillment(ctx context.Context, id string) (*inventory.Fulfillment, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+fulfillmentColumns+` FROM fulfillments WHERE id = ?`, id)
	f, err := scanFulfillment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to get fulfillment: %w", err))
	}
	return &f, nil
}

func (r reader) ListFulfillments(ctx context.Context, salesOrderID string) ([]inventory.Fulfillment, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+fulfillmentColumns+` FROM fulfillments WHERE sales_order_id = ? ORDER BY created_at, id`, salesOrderID)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query fulfillments: %w", err))
	}
	defer rows.Close()

	out := make([]inventory.Fulfillment, 0)
	for rows.Next() {
		f, err := scanFulfillment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fulfillment: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanFulfillment(row scanner) (inventory.Fulfillment, error) {
	var (
		f                    inventory.Fulfillment
		status, linesJSON    string
		createdAt            string
		shippedAt, cancelled sql.NullString
	)
	if err := row.Scan(&f.ID, &f.SalesOrderID, &status, &linesJSON, &createdAt, &shippedAt, &cancelled); err != nil {
		return f, err
	}
	if err := json.Unmarshal([]byte(linesJSON), &f.Lines); err != nil {
		return f, fmt.Errorf("failed to decode fulfillment lines: %w", err)
	}
	f.Status = inventory.FulfillmentStatus(status)
	f.CreatedAt = parseTime(createdAt)
	f.ShippedAt = timePtr(shippedAt)
	f.CancelledAt = timePtr(cancelled)
	return f, nil
}

// =============================================================================
// RECEIPTS
// =============================================================================

const receiptColumns = `id, purchase_order_id, receipt_number, reference, status, lines_json, received_at, reversed_at`

func (r reader) GetReceipt(ctx context.Context, id string) (*inventory.InventoryReceipt, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM inventory_receipts WHERE id = ?`, id)
	rc, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to get receipt: %w", err))
	}
	return &rc, nil
}

// ListReceipts lists the receipts of a purchase order; "" lists direct bookings.
func (r reader) ListReceipts(ctx context.Context, purchaseOrderID string) ([]inventory.InventoryReceipt, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+receiptColumns+` FROM inventory_receipts
		WHERE COALESCE(purchase_order_id, '') = ? ORDER BY received_at, id`, purchaseOrderID)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query receipts: %w", err))
	}
	defer rows.Close()

	out := make([]inventory.InventoryReceipt, 0)
	for rows.Next() {
		rc, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

func scanReceipt(row scanner) (inventory.InventoryReceipt, error) {
	var (
		rc                inventory.InventoryReceipt
		poID, reference   sql.NullString
		status, linesJSON string
		receivedAt        string
		reversedAt        sql.NullString
	)
	if err := row.Scan(&rc.ID, &poID, &rc.ReceiptNumber, &reference, &status, &linesJSON, &receivedAt, &reversedAt); err != nil {
		return rc, err
	}
	if err := json.Unmarshal([]byte(linesJSON), &rc.Lines); err != nil {
		return rc, fmt.Errorf("failed to decode receipt lines: %w", err)
	}
	rc.PurchaseOrderID = poID.String
	rc.Reference = reference.String
	rc.Status = inventory.ReceiptStatus(status)
	rc.ReceivedAt = parseTime(receivedAt)
	rc.ReversedAt = timePtr(reversedAt)
	return rc, nil
}

// =============================================================================
// IMPORT JOBS
// =============================================================================

func (r reader) GetImportJob(ctx context.Context, id string) (*inventory.ImportJob, error) {
	var (
		j                      inventory.ImportJob
		status, rowsJSON       string
		actor, errsJSON, fail  sql.NullString
		createdAt              string
		startedAt, completedAt sql.NullString
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT id, status, actor, rows_json, total, processed, success_count, error_count,
			errors_json, failure, created_at, started_at, completed_at
		FROM import_jobs WHERE id = ?`, id,
	).Scan(&j.ID, &status, &actor, &rowsJSON, &j.Total, &j.Processed, &j.SuccessCount, &j.ErrorCount,
		&errsJSON, &fail, &createdAt, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to get import job: %w", err))
	}
	if err := json.Unmarshal([]byte(rowsJSON), &j.Rows); err != nil {
		return nil, fmt.Errorf("failed to decode import rows: %w", err)
	}
	if errsJSON.Valid && errsJSON.String != "" {
		if err := json.Unmarshal([]byte(errsJSON.String), &j.Errors); err != nil {
			return nil, fmt.Errorf("failed to decode import errors: %w", err)
		}
	}
	j.Status = inventory.ImportJobStatus(status)
	j.Actor = actor.String
	j.Failure = fail.String
	j.CreatedAt = parseTime(createdAt)
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(completedAt)
	return &j, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
