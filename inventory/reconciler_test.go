package inventory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/stock-ledger/inventory"
)

func soLine(id string, ordered, allocated, fulfilled int64) inventory.SalesOrderLine {
	return inventory.SalesOrderLine{ID: id, QuantityOrdered: ordered, QuantityAllocated: allocated, QuantityFulfilled: fulfilled}
}

func packedFulfillment(lineID string, qty int64) inventory.Fulfillment {
	return inventory.Fulfillment{
		Status: inventory.FulfillmentPacked,
		Lines:  []inventory.FulfillmentLine{{SalesOrderLineID: lineID, LocationID: "wh-1", Quantity: qty}},
	}
}

func TestDeriveSalesOrderStatus(t *testing.T) {
	tests := []struct {
		name         string
		status       inventory.SalesOrderStatus
		lines        []inventory.SalesOrderLine
		fulfillments []inventory.Fulfillment
		want         inventory.SalesOrderStatus
	}{
		{
			name:   "cancelled stays cancelled",
			status: inventory.SalesOrderCancelled,
			lines:  []inventory.SalesOrderLine{soLine("l1", 2, 2, 0)},
			want:   inventory.SalesOrderCancelled,
		},
		{
			name:   "untouched draft",
			status: inventory.SalesOrderDraft,
			lines:  []inventory.SalesOrderLine{soLine("l1", 2, 0, 0)},
			want:   inventory.SalesOrderDraft,
		},
		{
			name:   "fully allocated",
			status: inventory.SalesOrderAwaitingStock,
			lines:  []inventory.SalesOrderLine{soLine("l1", 2, 2, 0), soLine("l2", 1, 1, 0)},
			want:   inventory.SalesOrderConfirmed,
		},
		{
			name:   "short line",
			status: inventory.SalesOrderConfirmed,
			lines:  []inventory.SalesOrderLine{soLine("l1", 2, 2, 0), soLine("l2", 3, 1, 0)},
			want:   inventory.SalesOrderAwaitingStock,
		},
		{
			name:         "some packed",
			status:       inventory.SalesOrderConfirmed,
			lines:        []inventory.SalesOrderLine{soLine("l1", 2, 2, 0), soLine("l2", 1, 1, 0)},
			fulfillments: []inventory.Fulfillment{packedFulfillment("l1", 2)},
			want:         inventory.SalesOrderPicking,
		},
		{
			name:         "all packed",
			status:       inventory.SalesOrderPicking,
			lines:        []inventory.SalesOrderLine{soLine("l1", 2, 2, 0)},
			fulfillments: []inventory.Fulfillment{packedFulfillment("l1", 2)},
			want:         inventory.SalesOrderPacked,
		},
		{
			name:   "cancelled fulfillment ignored",
			status: inventory.SalesOrderPicking,
			lines:  []inventory.SalesOrderLine{soLine("l1", 2, 2, 0)},
			fulfillments: []inventory.Fulfillment{{
				Status: inventory.FulfillmentCancelled,
				Lines:  []inventory.FulfillmentLine{{SalesOrderLineID: "l1", Quantity: 2}},
			}},
			want: inventory.SalesOrderConfirmed,
		},
		{
			name:   "partly shipped",
			status: inventory.SalesOrderPacked,
			lines:  []inventory.SalesOrderLine{soLine("l1", 2, 2, 2), soLine("l2", 1, 1, 0)},
			want:   inventory.SalesOrderPartiallyShipped,
		},
		{
			name:   "everything shipped",
			status: inventory.SalesOrderPacked,
			lines:  []inventory.SalesOrderLine{soLine("l1", 2, 2, 2)},
			want:   inventory.SalesOrderShipped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := inventory.SalesOrder{ID: "so-1", Status: tt.status, Lines: tt.lines}
			assert.Equal(t, tt.want, inventory.DeriveSalesOrderStatus(o, tt.fulfillments))
		})
	}
}

func TestDerivePurchaseOrderStatus(t *testing.T) {
	line := func(ordered, received int64) inventory.PurchaseOrderLine {
		return inventory.PurchaseOrderLine{QuantityOrdered: ordered, QuantityReceived: received}
	}
	tests := []struct {
		name   string
		status inventory.PurchaseOrderStatus
		lines  []inventory.PurchaseOrderLine
		want   inventory.PurchaseOrderStatus
	}{
		{"draft", inventory.PurchaseOrderDraft, []inventory.PurchaseOrderLine{line(5, 0)}, inventory.PurchaseOrderDraft},
		{"placed", inventory.PurchaseOrderPlaced, []inventory.PurchaseOrderLine{line(5, 0)}, inventory.PurchaseOrderPlaced},
		{"partial", inventory.PurchaseOrderPlaced, []inventory.PurchaseOrderLine{line(5, 5), line(2, 0)}, inventory.PurchaseOrderPartialReceived},
		{"received", inventory.PurchaseOrderPartialReceived, []inventory.PurchaseOrderLine{line(5, 5), line(2, 3)}, inventory.PurchaseOrderReceived},
		{"reverted to nothing", inventory.PurchaseOrderPartialReceived, []inventory.PurchaseOrderLine{line(5, 0)}, inventory.PurchaseOrderPlaced},
		{"cancelled", inventory.PurchaseOrderCancelled, []inventory.PurchaseOrderLine{line(5, 5)}, inventory.PurchaseOrderCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := inventory.PurchaseOrder{Status: tt.status, Lines: tt.lines}
			assert.Equal(t, tt.want, inventory.DerivePurchaseOrderStatus(o))
		})
	}
}
