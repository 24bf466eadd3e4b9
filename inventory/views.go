package inventory

import "context"

// Read views. None of these lock or write; they see committed state only.

// ProductAvailability totals a product's snapshots across locations.
type ProductAvailability struct {
	ProductID string          `json:"product_id"`
	QOH       int64           `json:"qoh"`
	Reserved  int64           `json:"reserved"`
	Available int64           `json:"available"`
	OnOrder   int64           `json:"on_order"`
	Locations []StockSnapshot `json:"locations"`
}

// Snapshot returns the quantities for one key; a key with no movements yet is all zero.
func (e *Engine) Snapshot(ctx context.Context, key SnapshotKey) (StockSnapshot, error) {
	s, err := e.store.GetSnapshot(ctx, key)
	if err != nil {
		return StockSnapshot{}, err
	}
	if s == nil {
		return StockSnapshot{ProductID: key.ProductID, LocationID: key.LocationID}, nil
	}
	return *s, nil
}

func (e *Engine) Snapshots(ctx context.Context, filter SnapshotFilter) ([]StockSnapshot, error) {
	return e.store.ListSnapshots(ctx, filter)
}

func (e *Engine) Availability(ctx context.Context, productID string) (ProductAvailability, error) {
	if _, err := requireProduct(ctx, e.store, productID); err != nil {
		return ProductAvailability{}, err
	}
	snaps, err := e.store.ListSnapshots(ctx, SnapshotFilter{ProductID: productID})
	if err != nil {
		return ProductAvailability{}, err
	}
	out := ProductAvailability{ProductID: productID, Locations: snaps}
	for _, s := range snaps {
		out.QOH += s.QOH
		out.Reserved += s.Reserved
		out.Available += s.Available
		out.OnOrder += s.OnOrder
	}
	return out, nil
}

// History returns ledger entries, oldest first.
func (e *Engine) History(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error) {
	return e.store.ListEntries(ctx, filter)
}

func (e *Engine) Product(ctx context.Context, id string) (Product, error) {
	p, err := requireProduct(ctx, e.store, id)
	if err != nil {
		return Product{}, err
	}
	return *p, nil
}

func (e *Engine) Locations(ctx context.Context) ([]Location, error) {
	return e.store.ListLocations(ctx)
}

func (e *Engine) SalesOrder(ctx context.Context, id string) (SalesOrder, error) {
	o, err := e.store.GetSalesOrder(ctx, id)
	if err != nil {
		return SalesOrder{}, err
	}
	if o == nil {
		return SalesOrder{}, notFound("sales order", id)
	}
	return *o, nil
}

func (e *Engine) PurchaseOrder(ctx context.Context, id string) (PurchaseOrder, error) {
	o, err := e.store.GetPurchaseOrder(ctx, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if o == nil {
		return PurchaseOrder{}, notFound("purchase order", id)
	}
	return *o, nil
}

func (e *Engine) Fulfillment(ctx context.Context, id string) (Fulfillment, error) {
	f, err := e.store.GetFulfillment(ctx, id)
	if err != nil {
		return Fulfillment{}, err
	}
	if f == nil {
		return Fulfillment{}, notFound("fulfillment", id)
	}
	return *f, nil
}

func (e *Engine) Fulfillments(ctx context.Context, salesOrderID string) ([]Fulfillment, error) {
	return e.store.ListFulfillments(ctx, salesOrderID)
}

func (e *Engine) Receipt(ctx context.Context, id string) (InventoryReceipt, error) {
	r, err := e.store.GetReceipt(ctx, id)
	if err != nil {
		return InventoryReceipt{}, err
	}
	if r == nil {
		return InventoryReceipt{}, notFound("receipt", id)
	}
	return *r, nil
}

func (e *Engine) Receipts(ctx context.Context, purchaseOrderID string) ([]InventoryReceipt, error) {
	return e.store.ListReceipts(ctx, purchaseOrderID)
}

func (e *Engine) ImportJob(ctx context.Context, id string) (ImportJob, error) {
	j, err := e.store.GetImportJob(ctx, id)
	if err != nil {
		return ImportJob{}, err
	}
	if j == nil {
		return ImportJob{}, notFound("import job", id)
	}
	return *j, nil
}
