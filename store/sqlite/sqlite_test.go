package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/inventory"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEngine(t *testing.T) (*inventory.Engine, *Store) {
	t.Helper()
	s := newTestStore(t)
	e := inventory.NewEngine(s)
	ctx := context.Background()

	_, err := e.RegisterLocation(ctx, inventory.RegisterLocationRequest{ID: "wh-1", Name: "Main", Sellable: true})
	require.NoError(t, err)
	_, err = e.RegisterProduct(ctx, inventory.RegisterProductRequest{ID: "p-1", SKU: "SKU-1", Name: "Widget", DefaultLocationID: "wh-1"})
	require.NoError(t, err)
	return e, s
}

func TestStore_BookInAndAllocate_RoundTrip(t *testing.T) {
	// GIVEN: 10 units booked in
	e, s := newTestEngine(t)
	ctx := context.Background()

	receipt, err := e.BookInStock(ctx, inventory.BookInStockRequest{
		ProductID: "p-1", LocationID: "wh-1", Quantity: 10, IdempotencyKey: "book-1",
	})
	require.NoError(t, err)

	// WHEN: an order for 6 is allocated
	so, err := e.CreateSalesOrder(ctx, inventory.CreateSalesOrderRequest{
		Lines: []inventory.SalesOrderLineInput{{ProductID: "p-1", Quantity: 6, UnitPrice: decimal.RequireFromString("9.99")}},
	})
	require.NoError(t, err)
	res, err := e.AllocateOrder(ctx, inventory.AllocateOrderRequest{SalesOrderID: so.ID})
	require.NoError(t, err)

	// THEN: the snapshot, the order and the receipt all read back from disk
	assert.Equal(t, inventory.SalesOrderConfirmed, res.Status)

	snap, err := s.GetSnapshot(ctx, inventory.SnapshotKey{ProductID: "p-1", LocationID: "wh-1"})
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(10), snap.QOH)
	assert.Equal(t, int64(6), snap.Reserved)
	assert.Equal(t, int64(4), snap.Available)

	stored, err := s.GetSalesOrder(ctx, so.ID)
	require.NoError(t, err)
	require.Len(t, stored.Lines, 1)
	assert.Equal(t, int64(6), stored.Lines[0].QuantityAllocated)
	assert.True(t, stored.Lines[0].UnitPrice.Equal(decimal.RequireFromString("9.99")))

	got, err := s.GetReceipt(ctx, receipt.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, inventory.ReceiptActive, got.Status)
	require.Len(t, got.Lines, 1)
	assert.Equal(t, int64(10), got.Lines[0].QuantityReceived)

	direct, err := s.ListReceipts(ctx, "")
	require.NoError(t, err)
	assert.Len(t, direct, 1)
}

func TestStore_LedgerIsAppendOnly(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	_, err := e.AdjustStock(ctx, inventory.AdjustStockRequest{
		ProductID: "p-1", LocationID: "wh-1", QuantityDelta: 3, Reason: "count",
	})
	require.NoError(t, err)

	_, err = s.db.Exec(`UPDATE ledger_entries SET change_qoh = 100`)
	assert.Error(t, err)
	_, err = s.db.Exec(`DELETE FROM ledger_entries`)
	assert.Error(t, err)

	entries, err := s.ListEntries(ctx, inventory.EntryFilter{ProductID: "p-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(3), entries[0].QOH)
	assert.Equal(t, inventory.TxAdjustment, entries[0].TransactionType)
}

func TestStore_DuplicateEntryKey_MapsToSentinel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := inventory.LedgerEntry{
		ID: "e-1", ProductID: "p-1", LocationID: "wh-1",
		TransactionType: inventory.TxAdjustment,
		Delta:           inventory.Delta{QOH: 1, Available: 1},
		IdempotencyKey:  "k-1",
		CreatedAt:       time.Now(),
	}
	require.NoError(t, s.WithTx(ctx, func(tx inventory.Tx) error {
		return tx.InsertEntry(ctx, entry)
	}))

	entry.ID = "e-2"
	err := s.WithTx(ctx, func(tx inventory.Tx) error {
		return tx.InsertEntry(ctx, entry)
	})
	assert.ErrorIs(t, err, inventory.ErrDuplicateIdempotencyKey)
}

func TestStore_NegativeSnapshot_RejectedByCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx inventory.Tx) error {
		return tx.PutSnapshot(ctx, inventory.StockSnapshot{
			ProductID: "p-1", LocationID: "wh-1", QOH: -1, Available: -1, LastUpdated: time.Now(),
		})
	})
	assert.ErrorIs(t, err, inventory.ErrConstraintViolation)
}

func TestStore_RolledBackTx_LeavesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx inventory.Tx) error {
		if err := tx.PutLocation(ctx, inventory.Location{ID: "wh-1", Name: "Main", Sellable: true, CreatedAt: time.Now()}); err != nil {
			return err
		}
		return inventory.ErrInvalidState
	})
	require.ErrorIs(t, err, inventory.ErrInvalidState)

	l, err := s.GetLocation(ctx, "wh-1")
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestStore_TxReadsItsOwnWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx inventory.Tx) error {
		key := inventory.SnapshotKey{ProductID: "p-1", LocationID: "wh-1"}
		snap, err := tx.LockSnapshot(ctx, key)
		if err != nil {
			return err
		}
		assert.Zero(t, snap.QOH)

		snap = snap.Apply(inventory.Delta{QOH: 5, Available: 5})
		snap.LastUpdated = time.Now()
		if err := tx.PutSnapshot(ctx, snap); err != nil {
			return err
		}
		again, err := tx.LockSnapshot(ctx, key)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(5), again.QOH)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_OperationRecord_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WithTx(ctx, func(tx inventory.Tx) error {
		return tx.PutOperation(ctx, inventory.OperationRecord{
			IdempotencyKey: "op-1", Operation: inventory.OpAdjustStock, Result: []byte(`{"id":"e-1"}`),
		})
	}))

	require.NoError(t, s.WithTx(ctx, func(tx inventory.Tx) error {
		rec, err := tx.LockOperation(ctx, "op-1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, inventory.OpAdjustStock, rec.Operation)
		assert.JSONEq(t, `{"id":"e-1"}`, string(rec.Result))

		missing, err := tx.LockOperation(ctx, "op-2")
		require.NoError(t, err)
		assert.Nil(t, missing)
		return nil
	}))
}

func TestStore_ImportJob_RoundTrip(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	job, err := e.CreateImportJob(ctx, inventory.CreateImportJobRequest{Rows: []inventory.ImportRow{
		{SKU: "SKU-1", LocationID: "wh-1", Quantity: "4"},
		{SKU: "NOPE", LocationID: "wh-1", Quantity: "1"},
	}})
	require.NoError(t, err)

	summary, err := e.ProcessInventoryImport(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, 1, summary.ErrorCount)

	stored, err := s.GetImportJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, inventory.ImportJobCompleted, stored.Status)
	assert.Len(t, stored.Rows, 2)
	require.Len(t, stored.Errors, 1)
	assert.Equal(t, 2, stored.Errors[0].Row)
	assert.NotNil(t, stored.CompletedAt)
}

func TestStore_PurchaseOrderLines_KeepOrder(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	_, err := e.RegisterProduct(ctx, inventory.RegisterProductRequest{ID: "p-2", SKU: "SKU-2", Name: "Gadget"})
	require.NoError(t, err)

	po, err := e.CreatePurchaseOrder(ctx, inventory.CreatePurchaseOrderRequest{
		LocationID: "wh-1",
		Lines: []inventory.PurchaseOrderLineInput{
			{ProductID: "p-2", Quantity: 3, UnitCost: decimal.RequireFromString("1.50")},
			{ProductID: "p-1", Quantity: 7, UnitCost: decimal.RequireFromString("2.25")},
		},
	})
	require.NoError(t, err)

	stored, err := s.GetPurchaseOrder(ctx, po.ID)
	require.NoError(t, err)
	require.Len(t, stored.Lines, 2)
	assert.Equal(t, "p-2", stored.Lines[0].ProductID)
	assert.Equal(t, "p-1", stored.Lines[1].ProductID)
	assert.True(t, stored.Lines[1].UnitCost.Equal(decimal.RequireFromString("2.25")))
	assert.Equal(t, inventory.PurchaseOrderDraft, stored.Status)
}

func TestStore_ReceiveAndFulfill_FullFlow(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	key := inventory.SnapshotKey{ProductID: "p-1", LocationID: "wh-1"}

	// GIVEN: a placed purchase order for 10
	po, err := e.CreatePurchaseOrder(ctx, inventory.CreatePurchaseOrderRequest{
		LocationID: "wh-1",
		Lines:      []inventory.PurchaseOrderLineInput{{ProductID: "p-1", Quantity: 10, UnitCost: decimal.RequireFromString("1.25")}},
	})
	require.NoError(t, err)
	_, err = e.PlacePurchaseOrder(ctx, inventory.PurchaseOrderRequest{PurchaseOrderID: po.ID})
	require.NoError(t, err)

	// WHEN: it arrives in two receipts and the second is reverted
	receive := func(qty int64) inventory.ReceiveSummary {
		t.Helper()
		sum, err := e.ReceivePurchaseOrder(ctx, inventory.ReceivePurchaseOrderRequest{
			PurchaseOrderID: po.ID,
			Items:           []inventory.ReceiveItem{{LineID: po.Lines[0].ID, Quantity: qty}},
		})
		require.NoError(t, err)
		return sum
	}
	first := receive(6)
	assert.Equal(t, inventory.PurchaseOrderPartialReceived, first.Status)
	second := receive(4)
	assert.Equal(t, inventory.PurchaseOrderReceived, second.Status)

	_, err = e.RevertInventoryReceipt(ctx, inventory.RevertReceiptRequest{ReceiptID: second.Receipt.ID})
	require.NoError(t, err)

	// THEN: the receipt, the order and the snapshot read back from disk
	stored, err := s.GetReceipt(ctx, second.Receipt.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, inventory.ReceiptReversed, stored.Status)
	require.NotNil(t, stored.ReversedAt)
	require.Len(t, stored.Lines, 1)
	assert.Equal(t, int64(4), stored.Lines[0].OnOrderConsumed)

	storedPO, err := s.GetPurchaseOrder(ctx, po.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.PurchaseOrderPartialReceived, storedPO.Status)
	assert.Equal(t, int64(6), storedPO.Lines[0].QuantityReceived)

	snap, err := s.GetSnapshot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(6), snap.QOH)
	assert.Equal(t, int64(4), snap.OnOrder)

	// GIVEN: an order for 5 allocated and packed
	so, err := e.CreateSalesOrder(ctx, inventory.CreateSalesOrderRequest{
		Lines: []inventory.SalesOrderLineInput{{ProductID: "p-1", Quantity: 5, UnitPrice: decimal.NewFromInt(4)}},
	})
	require.NoError(t, err)
	_, err = e.AllocateOrder(ctx, inventory.AllocateOrderRequest{SalesOrderID: so.ID})
	require.NoError(t, err)
	f, err := e.CreateFulfillment(ctx, inventory.CreateFulfillmentRequest{
		SalesOrderID: so.ID,
		Items:        []inventory.FulfillmentItem{{LineID: so.Lines[0].ID, Quantity: 5}},
	})
	require.NoError(t, err)

	// WHEN: shipped, then the shipment is reverted and the grouping cancelled
	_, err = e.ShipFulfillment(ctx, inventory.FulfillmentRequest{FulfillmentID: f.ID})
	require.NoError(t, err)

	shippedOrder, err := s.GetSalesOrder(ctx, so.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.SalesOrderShipped, shippedOrder.Status)
	assert.Equal(t, int64(5), shippedOrder.Lines[0].QuantityFulfilled)

	_, err = e.RevertFulfillmentShipment(ctx, inventory.FulfillmentRequest{FulfillmentID: f.ID})
	require.NoError(t, err)
	_, err = e.CancelFulfillment(ctx, inventory.FulfillmentRequest{FulfillmentID: f.ID})
	require.NoError(t, err)

	// THEN: the fulfillment lines survived the round trip and the reservation stays
	storedF, err := s.GetFulfillment(ctx, f.ID)
	require.NoError(t, err)
	require.NotNil(t, storedF)
	assert.Equal(t, inventory.FulfillmentCancelled, storedF.Status)
	assert.Equal(t, []inventory.FulfillmentLine{{SalesOrderLineID: so.Lines[0].ID, LocationID: "wh-1", Quantity: 5}}, storedF.Lines)

	list, err := s.ListFulfillments(ctx, so.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	finalOrder, err := s.GetSalesOrder(ctx, so.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.SalesOrderConfirmed, finalOrder.Status)

	snap, err = s.GetSnapshot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(6), snap.QOH)
	assert.Equal(t, int64(5), snap.Reserved)
	assert.Equal(t, int64(1), snap.Available)

	drift, err := e.Projector().Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, drift)
}
