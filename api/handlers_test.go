/*
handlers_test.go - HTTP handler tests

Tests for:
- Idempotency-Key header replay
- Allocation with backorder through the API
- Error kind to status mapping
- Import job creation and polling
- Health and metrics endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/inventory"
	"github.com/warp/stock-ledger/inventory/store"
	"github.com/warp/stock-ledger/metrics"
)

type recordingQueue struct {
	ids []string
	err error
}

func (q *recordingQueue) Enqueue(id string) error {
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type testAPI struct {
	engine *inventory.Engine
	queue  *recordingQueue
	router http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	reg := prometheus.NewRegistry()
	engine := inventory.NewEngine(store.NewMemory(), inventory.WithMetrics(metrics.NewRecorder(reg)))
	queue := &recordingQueue{}
	h := NewHandler(engine, queue, fakePinger{}, nil)
	api := &testAPI{engine: engine, queue: queue, router: NewRouter(h, RouterOptions{Gatherer: reg})}

	api.mustDo(t, http.MethodPost, "/api/locations", map[string]any{"id": "wh-1", "name": "Main", "sellable": true}, nil, http.StatusCreated, nil)
	api.mustDo(t, http.MethodPost, "/api/products", map[string]any{"id": "p-1", "sku": "SKU-1", "name": "Widget", "default_location_id": "wh-1"}, nil, http.StatusCreated, nil)
	return api
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) mustDo(t *testing.T, method, path string, body any, headers map[string]string, status int, out any) {
	t.Helper()
	rec := a.do(t, method, path, body, headers)
	require.Equal(t, status, rec.Code, rec.Body.String())
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
}

func TestBookInStock_IdempotencyHeader_ReplaysReceipt(t *testing.T) {
	// GIVEN: a booking sent twice with the same Idempotency-Key
	api := newTestAPI(t)
	body := map[string]any{"product_id": "p-1", "location_id": "wh-1", "quantity": 10}
	headers := map[string]string{idempotencyHeader: "book-1", actorHeader: "clerk"}

	var first, second inventory.InventoryReceipt
	api.mustDo(t, http.MethodPost, "/api/receipts", body, headers, http.StatusCreated, &first)
	api.mustDo(t, http.MethodPost, "/api/receipts", body, headers, http.StatusCreated, &second)

	// THEN: the same receipt comes back and stock is booked once
	assert.Equal(t, first.ID, second.ID)

	var snaps []inventory.StockSnapshot
	api.mustDo(t, http.MethodGet, "/api/snapshots?product_id=p-1", nil, nil, http.StatusOK, &snaps)
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(10), snaps[0].QOH)

	var entries []inventory.LedgerEntry
	api.mustDo(t, http.MethodGet, "/api/ledger?product_id=p-1&type=receipt", nil, nil, http.StatusOK, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, "clerk", entries[0].Actor)
}

func TestAllocateOrder_PartialStock_ReportsBackorder(t *testing.T) {
	api := newTestAPI(t)
	api.mustDo(t, http.MethodPost, "/api/receipts",
		map[string]any{"product_id": "p-1", "location_id": "wh-1", "quantity": 10}, nil, http.StatusCreated, nil)

	var so inventory.SalesOrder
	api.mustDo(t, http.MethodPost, "/api/sales-orders",
		map[string]any{"lines": []map[string]any{{"product_id": "p-1", "quantity": 12, "unit_price": "4.50"}}},
		nil, http.StatusCreated, &so)
	assert.Equal(t, inventory.SalesOrderDraft, so.Status)

	var res inventory.OrderAllocationResult
	api.mustDo(t, http.MethodPost, "/api/sales-orders/"+so.ID+"/allocate", nil, nil, http.StatusOK, &res)

	assert.Equal(t, int64(10), res.Allocated)
	assert.Equal(t, int64(2), res.Backordered)
	assert.Equal(t, inventory.SalesOrderAwaitingStock, res.Status)

	var avail inventory.ProductAvailability
	api.mustDo(t, http.MethodGet, "/api/products/p-1/availability", nil, nil, http.StatusOK, &avail)
	assert.Equal(t, int64(10), avail.Reserved)
	assert.Equal(t, int64(0), avail.Available)
}

func TestErrors_MapToStatusAndKind(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		kind   inventory.Kind
		field  string
	}{
		{
			name: "validation", method: http.MethodPost, path: "/api/adjustments",
			body:   map[string]any{"product_id": "p-1", "location_id": "wh-1", "quantity_delta": 0, "reason": "x"},
			status: http.StatusBadRequest, kind: inventory.KindValidation, field: "quantity_delta",
		},
		{
			name: "malformed body", method: http.MethodPost, path: "/api/adjustments",
			body:   map[string]any{"unknown": true},
			status: http.StatusBadRequest, kind: inventory.KindValidation, field: "body",
		},
		{
			name: "not found", method: http.MethodGet, path: "/api/sales-orders/missing",
			status: http.StatusNotFound, kind: inventory.KindNotFound,
		},
		{
			name: "negative stock", method: http.MethodPost, path: "/api/adjustments",
			body:   map[string]any{"product_id": "p-1", "location_id": "wh-1", "quantity_delta": -1, "reason": "shrinkage"},
			status: http.StatusUnprocessableEntity, kind: inventory.KindConstraintViolation,
		},
		{
			name: "unknown ledger type", method: http.MethodGet, path: "/api/ledger?type=teleport",
			status: http.StatusBadRequest, kind: inventory.KindValidation, field: "type",
		},
		{
			name: "reserved key character", method: http.MethodPost, path: "/api/receipts",
			body:   map[string]any{"product_id": "p-1", "location_id": "wh-1", "quantity": 1, "idempotency_key": "dock~1"},
			status: http.StatusBadRequest, kind: inventory.KindValidation, field: "idempotency_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, tt.method, tt.path, tt.body, nil)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, string(tt.kind), resp.Kind)
			assert.False(t, resp.Retryable)
			if tt.field != "" {
				assert.Equal(t, tt.field, resp.Field)
			}
		})
	}
}

func TestIdempotencyKey_ReusedForOtherOperation_Rejected(t *testing.T) {
	api := newTestAPI(t)
	headers := map[string]string{idempotencyHeader: "shared"}

	api.mustDo(t, http.MethodPost, "/api/receipts",
		map[string]any{"product_id": "p-1", "location_id": "wh-1", "quantity": 1}, headers, http.StatusCreated, nil)

	rec := api.do(t, http.MethodPost, "/api/adjustments",
		map[string]any{"product_id": "p-1", "location_id": "wh-1", "quantity_delta": 1, "reason": "count"}, headers)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestReceive_DraftPurchaseOrder_IsConflict(t *testing.T) {
	api := newTestAPI(t)
	var po inventory.PurchaseOrder
	api.mustDo(t, http.MethodPost, "/api/purchase-orders", map[string]any{
		"location_id": "wh-1",
		"lines":       []map[string]any{{"product_id": "p-1", "quantity": 3}},
	}, nil, http.StatusCreated, &po)
	require.Len(t, po.Lines, 1)

	rec := api.do(t, http.MethodPost, "/api/purchase-orders/"+po.ID+"/receive", map[string]any{
		"items": []map[string]any{{"line_id": po.Lines[0].ID, "quantity": 1}},
	}, nil)

	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(inventory.KindInvalidState), resp.Kind)
	assert.False(t, resp.Retryable)
}

func TestStatusFor_Conflict_IsRetryable(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil)
	rec := httptest.NewRecorder()
	h.writeError(context.Background(), rec, inventory.ErrConcurrencyConflict)

	assert.Equal(t, http.StatusConflict, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Retryable)
	assert.Equal(t, string(inventory.KindConflict), resp.Kind)
}

func TestStatusFor_Internal_HidesMessage(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil)
	rec := httptest.NewRecorder()
	h.writeError(context.Background(), rec, errors.New("disk on fire"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "internal error", resp.Error)
	assert.NotContains(t, rec.Body.String(), "disk on fire")
}

func TestImportJob_CreateQueuesAndPolls(t *testing.T) {
	// GIVEN: an import with one good and one bad row
	api := newTestAPI(t)
	body := map[string]any{"rows": []map[string]any{
		{"sku": "SKU-1", "location_id": "wh-1", "quantity": "5"},
		{"sku": "SKU-1", "location_id": "wh-1", "quantity": "2.5"},
	}}

	// WHEN: it is created
	var job ImportJobDTO
	api.mustDo(t, http.MethodPost, "/api/import-jobs", body, nil, http.StatusAccepted, &job)

	// THEN: it is pending and queued
	assert.Equal(t, inventory.ImportJobPending, job.Status)
	assert.Equal(t, 2, job.Total)
	require.Equal(t, []string{job.ID}, api.queue.ids)

	// WHEN: a worker processes it
	_, err := api.engine.ProcessInventoryImport(context.Background(), job.ID)
	require.NoError(t, err)

	// THEN: polling shows the outcome per row
	var polled ImportJobDTO
	api.mustDo(t, http.MethodGet, "/api/import-jobs/"+job.ID, nil, nil, http.StatusOK, &polled)
	assert.Equal(t, inventory.ImportJobCompleted, polled.Status)
	assert.Equal(t, 1, polled.SuccessCount)
	assert.Equal(t, 1, polled.ErrorCount)
	require.Len(t, polled.Errors, 1)
	assert.Equal(t, 2, polled.Errors[0].Row)

	// a completed job is not queued again
	api.mustDo(t, http.MethodPost, "/api/import-jobs/"+job.ID+"/run", nil, nil, http.StatusAccepted, nil)
	assert.Len(t, api.queue.ids, 1)
}

func TestImportJob_QueueFull_StillAccepted(t *testing.T) {
	api := newTestAPI(t)
	api.queue.err = ErrQueueFull

	var job ImportJobDTO
	api.mustDo(t, http.MethodPost, "/api/import-jobs",
		map[string]any{"rows": []map[string]any{{"sku": "SKU-1", "location_id": "wh-1", "quantity": "1"}}},
		nil, http.StatusAccepted, &job)
	assert.Equal(t, inventory.ImportJobPending, job.Status)
}

func TestHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		api := newTestAPI(t)
		var resp HealthResponse
		api.mustDo(t, http.MethodGet, "/health", nil, nil, http.StatusOK, &resp)
		assert.Equal(t, "ok", resp.Status)
	})

	t.Run("database down", func(t *testing.T) {
		h := NewHandler(nil, nil, fakePinger{err: errors.New("closed")}, nil)
		rec := httptest.NewRecorder()
		h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestMetrics_ExposesOperationCounters(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stock_operations_total")
}

func TestRequestID_EchoedBack(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/api/locations", nil, map[string]string{requestIDHeader: "req-42"})
	assert.Equal(t, "req-42", rec.Header().Get(requestIDHeader))
}

func TestSnapshotsVerify_Consistent(t *testing.T) {
	api := newTestAPI(t)
	api.mustDo(t, http.MethodPost, "/api/receipts",
		map[string]any{"product_id": "p-1", "location_id": "wh-1", "quantity": 3}, nil, http.StatusCreated, nil)

	var resp DriftResponse
	api.mustDo(t, http.MethodGet, "/api/admin/snapshots/verify", nil, nil, http.StatusOK, &resp)
	assert.True(t, resp.Consistent)
	assert.Empty(t, resp.Drift)
}
