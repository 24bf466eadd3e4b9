package sqlite

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		product_id TEXT NOT NULL,
		location_id TEXT NOT NULL,
		transaction_type TEXT NOT NULL,
		change_qoh INTEGER NOT NULL DEFAULT 0,
		change_reserved INTEGER NOT NULL DEFAULT 0,
		change_available INTEGER NOT NULL DEFAULT 0,
		change_on_order INTEGER NOT NULL DEFAULT 0,
		reference_id TEXT,
		idempotency_key TEXT UNIQUE,
		notes TEXT,
		actor TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_key
		ON ledger_entries(product_id, location_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_reference
		ON ledger_entries(reference_id) WHERE reference_id IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
		BEFORE UPDATE ON ledger_entries
		BEGIN SELECT RAISE(ABORT, 'ledger_entries is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
		BEFORE DELETE ON ledger_entries
		BEGIN SELECT RAISE(ABORT, 'ledger_entries is append-only'); END;

	-- Snapshot projection
	CREATE TABLE IF NOT EXISTS stock_snapshots (
		product_id TEXT NOT NULL,
		location_id TEXT NOT NULL,
		qoh INTEGER NOT NULL DEFAULT 0 CHECK (qoh >= 0),
		reserved INTEGER NOT NULL DEFAULT 0 CHECK (reserved >= 0),
		available INTEGER NOT NULL DEFAULT 0 CHECK (available >= 0),
		on_order INTEGER NOT NULL DEFAULT 0 CHECK (on_order >= 0),
		last_updated TEXT NOT NULL,
		PRIMARY KEY (product_id, location_id)
	);

	-- Catalog
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		sku TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		default_location_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS locations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		sellable BOOLEAN NOT NULL DEFAULT TRUE,
		priority INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Sales orders
	CREATE TABLE IF NOT EXISTS sales_orders (
		id TEXT PRIMARY KEY,
		customer_ref TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sales_order_lines (
		id TEXT PRIMARY KEY,
		sales_order_id TEXT NOT NULL REFERENCES sales_orders(id),
		position INTEGER NOT NULL,
		product_id TEXT NOT NULL,
		location_id TEXT,
		quantity_ordered INTEGER NOT NULL,
		quantity_allocated INTEGER NOT NULL DEFAULT 0,
		quantity_fulfilled INTEGER NOT NULL DEFAULT 0,
		unit_price TEXT NOT NULL DEFAULT '0',
		CHECK (quantity_fulfilled >= 0
			AND quantity_fulfilled <= quantity_allocated
			AND quantity_allocated <= quantity_ordered)
	);

	CREATE INDEX IF NOT EXISTS idx_sales_order_lines_order
		ON sales_order_lines(sales_order_id, position);

	-- Purchase orders
	CREATE TABLE IF NOT EXISTS purchase_orders (
		id TEXT PRIMARY KEY,
		supplier_ref TEXT,
		location_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS purchase_order_lines (
		id TEXT PRIMARY KEY,
		purchase_order_id TEXT NOT NULL REFERENCES purchase_orders(id),
		position INTEGER NOT NULL,
		product_id TEXT NOT NULL,
		quantity_ordered INTEGER NOT NULL,
		quantity_received INTEGER NOT NULL DEFAULT 0 CHECK (quantity_received >= 0),
		unit_cost TEXT NOT NULL DEFAULT '0'
	);

	CREATE INDEX IF NOT EXISTS idx_purchase_order_lines_order
		ON purchase_order_lines(purchase_order_id, position);

	-- Fulfillments
	CREATE TABLE IF NOT EXISTS fulfillments (
		id TEXT PRIMARY KEY,
		sales_order_id TEXT NOT NULL REFERENCES sales_orders(id),
		status TEXT NOT NULL,
		lines_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		shipped_at TEXT,
		cancelled_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_fulfillments_order
		ON fulfillments(sales_order_id);

	-- Receipts (tombstoned, never deleted)
	CREATE TABLE IF NOT EXISTS inventory_receipts (
		id TEXT PRIMARY KEY,
		purchase_order_id TEXT,
		receipt_number TEXT NOT NULL,
		reference TEXT,
		status TEXT NOT NULL,
		lines_json TEXT NOT NULL,
		received_at TEXT NOT NULL,
		reversed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_inventory_receipts_po
		ON inventory_receipts(purchase_order_id);

	-- Idempotency results
	CREATE TABLE IF NOT EXISTS operations (
		idempotency_key TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		result_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Import jobs
	CREATE TABLE IF NOT EXISTS import_jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		actor TEXT,
		rows_json TEXT NOT NULL,
		total INTEGER NOT NULL DEFAULT 0,
		processed INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		errors_json TEXT,
		failure TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);
	`

	_, err := s.db.Exec(schema)
	return err
}
