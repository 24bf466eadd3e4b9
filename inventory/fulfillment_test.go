package inventory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/inventory"
)

func pack(t *testing.T, e *inventory.Engine, o inventory.SalesOrder, items ...inventory.FulfillmentItem) inventory.Fulfillment {
	t.Helper()
	f, err := e.CreateFulfillment(context.Background(), inventory.CreateFulfillmentRequest{SalesOrderID: o.ID, Items: items})
	require.NoError(t, err)
	return f
}

func orderStatus(t *testing.T, e *inventory.Engine, id string) inventory.SalesOrderStatus {
	t.Helper()
	o, err := e.SalesOrder(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

func TestFulfillment_PackShipRevertCancel(t *testing.T) {
	// GIVEN: an allocated order for 5
	e := newTestEngine(t)
	ctx := context.Background()
	bookIn(t, e, "wh-1", 5)
	o := newOrder(t, e, 5)
	allocate(t, e, o.ID)

	// WHEN: all 5 are packed
	f := pack(t, e, o, inventory.FulfillmentItem{LineID: o.Lines[0].ID, Quantity: 5})

	// THEN: packing does not touch the ledger
	assert.Equal(t, inventory.FulfillmentPacked, f.Status)
	assert.Equal(t, []inventory.FulfillmentLine{{SalesOrderLineID: o.Lines[0].ID, LocationID: "wh-1", Quantity: 5}}, f.Lines)
	assert.Equal(t, inventory.SalesOrderPacked, orderStatus(t, e, o.ID))
	assert.Equal(t, int64(5), snapAt(t, e, "wh-1").Reserved)

	// WHEN: shipped
	shipped, err := e.ShipFulfillment(ctx, inventory.FulfillmentRequest{FulfillmentID: f.ID})
	require.NoError(t, err)

	// THEN: stock leaves and the order is shipped
	assert.Equal(t, inventory.FulfillmentShipped, shipped.Status)
	require.NotNil(t, shipped.ShippedAt)
	s := snapAt(t, e, "wh-1")
	assert.Equal(t, int64(0), s.QOH)
	assert.Equal(t, int64(0), s.Reserved)
	assert.Equal(t, inventory.SalesOrderShipped, orderStatus(t, e, o.ID))

	_, err = e.ShipFulfillment(ctx, inventory.FulfillmentRequest{FulfillmentID: f.ID})
	assert.ErrorIs(t, err, inventory.ErrInvalidState)

	// WHEN: the shipment was a mistake
	reverted, err := e.RevertFulfillmentShipment(ctx, inventory.FulfillmentRequest{FulfillmentID: f.ID})
	require.NoError(t, err)

	// THEN: the exact inverse is booked and the grouping is packed again
	assert.Equal(t, inventory.FulfillmentPacked, reverted.Status)
	s = snapAt(t, e, "wh-1")
	assert.Equal(t, int64(5), s.QOH)
	assert.Equal(t, int64(5), s.Reserved)
	assert.Equal(t, inventory.SalesOrderPacked, orderStatus(t, e, o.ID))

	// WHEN: the packed grouping is cancelled
	cancelled, err := e.CancelFulfillment(ctx, inventory.FulfillmentRequest{FulfillmentID: f.ID})
	require.NoError(t, err)

	// THEN: the reservation stays with the order
	assert.Equal(t, inventory.FulfillmentCancelled, cancelled.Status)
	assert.Equal(t, int64(5), snapAt(t, e, "wh-1").Reserved)
	assert.Equal(t, inventory.SalesOrderConfirmed, orderStatus(t, e, o.ID))
	assertConsistent(t, e)
}

func TestFulfillment_PartialShipment(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	bookIn(t, e, "wh-1", 5)
	o := newOrder(t, e, 5)
	allocate(t, e, o.ID)

	f := pack(t, e, o, inventory.FulfillmentItem{LineID: o.Lines[0].ID, Quantity: 2})
	assert.Equal(t, inventory.SalesOrderPicking, orderStatus(t, e, o.ID))

	_, err := e.ShipFulfillment(ctx, inventory.FulfillmentRequest{FulfillmentID: f.ID})
	require.NoError(t, err)
	assert.Equal(t, inventory.SalesOrderPartiallyShipped, orderStatus(t, e, o.ID))

	got, err := e.SalesOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Lines[0].QuantityFulfilled)

	// once anything shipped the order can no longer be cancelled
	_, err = e.CancelSalesOrder(ctx, inventory.SalesOrderRequest{SalesOrderID: o.ID})
	assert.ErrorIs(t, err, inventory.ErrInvalidState)

	s := snapAt(t, e, "wh-1")
	assert.Equal(t, int64(3), s.QOH)
	assert.Equal(t, int64(3), s.Reserved)
	assertConsistent(t, e)
}

func TestCreateFulfillment_MoreThanReserved_Refused(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	bookIn(t, e, "wh-1", 2)
	o := newOrder(t, e, 5)
	allocate(t, e, o.ID)

	_, err := e.CreateFulfillment(ctx, inventory.CreateFulfillmentRequest{
		SalesOrderID: o.ID,
		Items:        []inventory.FulfillmentItem{{LineID: o.Lines[0].ID, Quantity: 3}},
	})
	assert.ErrorIs(t, err, inventory.ErrInsufficientReservation)

	fs, err := e.Fulfillments(ctx, o.ID)
	require.NoError(t, err)
	assert.Empty(t, fs)
}

func TestCreateFulfillment_ReservationPackedOnce(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	bookIn(t, e, "wh-1", 3)
	o := newOrder(t, e, 3)
	allocate(t, e, o.ID)

	pack(t, e, o, inventory.FulfillmentItem{LineID: o.Lines[0].ID, Quantity: 3})
	_, err := e.CreateFulfillment(ctx, inventory.CreateFulfillmentRequest{
		SalesOrderID: o.ID,
		Items:        []inventory.FulfillmentItem{{LineID: o.Lines[0].ID, Quantity: 1}},
	})
	assert.ErrorIs(t, err, inventory.ErrInsufficientStock)
}

func TestCreateFulfillment_DraftOrder_Refused(t *testing.T) {
	e := newTestEngine(t)
	o := newOrder(t, e, 1)
	_, err := e.CreateFulfillment(context.Background(), inventory.CreateFulfillmentRequest{
		SalesOrderID: o.ID,
		Items:        []inventory.FulfillmentItem{{LineID: o.Lines[0].ID, Quantity: 1}},
	})
	assert.ErrorIs(t, err, inventory.ErrInvalidState)
}

func TestCreateFulfillment_PinnedLocation_Reslices(t *testing.T) {
	// GIVEN: a line holding 3 at wh-1 and 3 at wh-2, with 2 more free at wh-2
	e := newTestEngine(t)
	ctx := context.Background()
	bookIn(t, e, "wh-1", 3)
	bookIn(t, e, "wh-2", 5)
	o := newOrder(t, e, 6)
	allocate(t, e, o.ID)

	// WHEN: 5 are packed from wh-2
	f := pack(t, e, o, inventory.FulfillmentItem{LineID: o.Lines[0].ID, LocationID: "wh-2", Quantity: 5})

	// THEN: 2 units of reservation moved from wh-1 to wh-2
	assert.Equal(t, []inventory.FulfillmentLine{{SalesOrderLineID: o.Lines[0].ID, LocationID: "wh-2", Quantity: 5}}, f.Lines)
	assert.Equal(t, int64(1), snapAt(t, e, "wh-1").Reserved)
	assert.Equal(t, int64(5), snapAt(t, e, "wh-2").Reserved)

	got, err := e.SalesOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), got.Lines[0].QuantityAllocated)
	assertConsistent(t, e)
}

func TestCreateFulfillment_PinnedLocation_NoStockThere(t *testing.T) {
	e := newTestEngine(t)
	bookIn(t, e, "wh-1", 4)
	o := newOrder(t, e, 4)
	allocate(t, e, o.ID)

	_, err := e.CreateFulfillment(context.Background(), inventory.CreateFulfillmentRequest{
		SalesOrderID: o.ID,
		Items:        []inventory.FulfillmentItem{{LineID: o.Lines[0].ID, LocationID: "wh-2", Quantity: 2}},
	})
	assert.ErrorIs(t, err, inventory.ErrInsufficientStock)
	assert.Equal(t, int64(4), snapAt(t, e, "wh-1").Reserved)
	assertConsistent(t, e)
}

func TestRevertLineAllocation_WhilePacked_Refused(t *testing.T) {
	e := newTestEngine(t)
	bookIn(t, e, "wh-1", 2)
	o := newOrder(t, e, 2)
	allocate(t, e, o.ID)
	pack(t, e, o, inventory.FulfillmentItem{LineID: o.Lines[0].ID, Quantity: 1})

	_, err := e.RevertLineAllocation(context.Background(), inventory.RevertLineAllocationRequest{LineID: o.Lines[0].ID})
	assert.ErrorIs(t, err, inventory.ErrInvalidState)
}

func TestCancelSalesOrder_CancelsPackedFulfillments(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	bookIn(t, e, "wh-1", 2)
	o := newOrder(t, e, 2)
	allocate(t, e, o.ID)
	f := pack(t, e, o, inventory.FulfillmentItem{LineID: o.Lines[0].ID, Quantity: 2})

	_, err := e.CancelSalesOrder(ctx, inventory.SalesOrderRequest{SalesOrderID: o.ID})
	require.NoError(t, err)

	got, err := e.Fulfillment(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.FulfillmentCancelled, got.Status)
	assert.Equal(t, int64(0), snapAt(t, e, "wh-1").Reserved)
	assertConsistent(t, e)
}
