/*
handlers.go - HTTP API handlers for the stock engine

PURPOSE:
  Exposes the inventory engine via REST API. Handles HTTP request/response
  and JSON serialization; every rule lives in the inventory package.

ENDPOINTS:
  Catalog:
    GET    /api/locations                         List locations
    POST   /api/locations                         Register location
    POST   /api/products                          Register product
    GET    /api/products/{id}                     Get product
    GET    /api/products/{id}/availability        Totals across locations

  Views:
    GET    /api/snapshots?product_id=&location_id=
    GET    /api/ledger?product_id=&location_id=&reference_id=&type=&limit=

  Sales orders:
    POST   /api/sales-orders                      Create (draft)
    GET    /api/sales-orders/{id}
    POST   /api/sales-orders/{id}/allocate        Allocate every line
    POST   /api/sales-orders/{id}/cancel
    POST   /api/sales-orders/{id}/revert-to-draft
    POST   /api/sales-order-lines/{id}/allocate
    POST   /api/sales-order-lines/{id}/revert-allocation

  Fulfillments:
    POST   /api/fulfillments                      Pack reserved quantities
    POST   /api/fulfillments/{id}/ship|cancel|revert-shipment

  Receiving:
    POST   /api/purchase-orders                   Create (draft)
    POST   /api/purchase-orders/{id}/place|cancel|receive
    POST   /api/receipts                          Book in stock directly
    POST   /api/receipts/{id}/revert
    POST   /api/adjustments

  Import:
    POST   /api/import-jobs                       Create and queue (202)
    POST   /api/import-jobs/{id}/run              Re-queue an existing job
    GET    /api/import-jobs/{id}                  Poll progress

REQUEST FLOW:
  1. Decode the body into the engine's request type (empty body allowed on actions)
  2. Bind path params and the Idempotency-Key / X-Actor headers
  3. Call the engine (validation happens there, before any transaction)
  4. Serialize the result, or map the error kind to a status

ERROR HANDLING:
  - 400: validation
  - 404: not_found
  - 409: invalid_state, conflict (retryable)
  - 422: insufficient_stock, constraint_violation, idempotency
  - 500: internal

SEE ALSO:
  - dto.go: Response shapes
  - importer.go: Async import worker
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/warp/stock-ledger/inventory"
	"github.com/warp/stock-ledger/logging"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Enqueuer hands import jobs to the background workers.
type Enqueuer interface {
	Enqueue(jobID string) error
}

// Pinger reports database health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	engine  *inventory.Engine
	imports Enqueuer
	db      Pinger
	log     *logging.Logger
}

// NewHandler creates a handler. imports and db may be nil.
func NewHandler(engine *inventory.Engine, imports Enqueuer, db Pinger, logg *logging.Logger) *Handler {
	if logg == nil {
		logg = logging.Nop()
	}
	return &Handler{engine: engine, imports: imports, db: db, log: logg}
}

// serve decodes the body into Req, lets bind fill path and header values,
// calls the engine and writes the result with status.
func serve[Req, Res any](
	h *Handler, w http.ResponseWriter, r *http.Request, status int,
	bind func(r *http.Request, req *Req),
	call func(context.Context, Req) (Res, error),
) {
	var req Req
	if err := decodeBody(r, &req); err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	if bind != nil {
		bind(r, &req)
	}
	res, err := call(r.Context(), req)
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, status, res)
}

// idempotency copies the Idempotency-Key and X-Actor headers into fields the body left empty.
func idempotency(r *http.Request, key, actor *string) {
	if *key == "" {
		*key = r.Header.Get(idempotencyHeader)
	}
	if *actor == "" {
		*actor = r.Header.Get(actorHeader)
	}
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Database: "ok"}
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			h.log.Error(r.Context(), "database ping failed", err)
			resp.Status, resp.Database = "degraded", "unreachable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// CATALOG
// =============================================================================

func (h *Handler) RegisterLocation(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, http.StatusCreated, nil, h.engine.RegisterLocation)
}

func (h *Handler) ListLocations(w http.ResponseWriter, r *http.Request) {
	locations, err := h.engine.Locations(r.Context())
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, locations)
}

func (h *Handler) RegisterProduct(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, http.StatusCreated, nil, h.engine.RegisterProduct)
}

func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Product(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.Availability(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// =============================================================================
// VIEWS
// =============================================================================

func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	snaps, err := h.engine.Snapshots(r.Context(), inventory.SnapshotFilter{
		ProductID:  q.Get("product_id"),
		LocationID: q.Get("location_id"),
	})
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := inventory.EntryFilter{
		ProductID:   q.Get("product_id"),
		LocationID:  q.Get("location_id"),
		ReferenceID: q.Get("reference_id"),
	}
	for _, t := range q["type"] {
		tt := inventory.TransactionType(t)
		if !tt.Valid() {
			h.writeError(r.Context(), w, &inventory.ValidationError{Field: "type", Message: fmt.Sprintf("%q is unknown", t)})
			return
		}
		filter.Types = append(filter.Types, tt)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(r.Context(), w, &inventory.ValidationError{Field: "limit", Message: "must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}
	entries, err := h.engine.History(r.Context(), filter)
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// =============================================================================
// SALES ORDERS
// =============================================================================

func (h *Handler) CreateSalesOrder(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, http.StatusCreated, func(r *http.Request, req *inventory.CreateSalesOrderRequest) {
		idempotency(r, &req.IdempotencyKey, &req.Actor)
	}, h.engine.CreateSalesOrder)
}

func (h *Handler) GetSalesOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.engine.SalesOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) ListFulfillments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.engine.SalesOrder(r.Context(), id); err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	fs, err := h.engine.Fulfillments(r.Context(), id)
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, fs)
}

func (h *Handler) AllocateOrder(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, http.StatusOK, func(r *http.Request, req *inventory.AllocateOrderRequest) {
		req.SalesOrderID = chi.URLParam(r, "id")
		idempotency(r, &req.IdempotencyKey, &req.Actor)
	}, h.engine.AllocateOrder)
}

func (h *Handler) CancelSalesOrder(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, http.StatusOK, bindSalesOrder, h.engine.CancelSalesOrder)
}

func (h *Handler) RevertSalesOrderToDraft(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, http.StatusOK, bindSalesOrder, h.engine.RevertSalesOrderToDraft)
}

func bindSalesOrder(r *http.Request, req *inventory.SalesOrderRequest) {
	req.SalesOrderID = chi.URLParam(r, "id")
	idempotency(r, &req.IdempotencyKey, &req.Actor)
}

func (h *Handler) AllocateLine(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, http.StatusOK, func(r *http.Request, req *inventory.AllocateLineRequest) {
		req.LineID = chi.URLParam(r, "id")
		idempotency(r, &req.IdempotencyKey, &req.Actor)
	}, h.engine.AllocateLine)
}

func (h *Handler) RevertLineAllocation(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, http.StatusOK, func(r *http.Request, req *inventory.RevertLineAllocationRequest) {
		req.LineID = chi.URLParam(r, "id")
		idempotency(r, &req.IdempotencyKey, &req.Actor)
	}, h.engine.RevertLineAllocation)
}

// =============================================================================
// FULFILLMENTS
// =============================================================================

func (h *Handler) CreateFulfillment(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, http.StatusCreated, func(r *http.Request, req *inventory.CreateFulfillmentRequest) {
		idempotency(r, &req.IdempotencyKey, &req.Actor)
	}, h.engine.CreateFulfillment)
}

func (h *Handler) GetFulfillment(w http.ResponseWriter, r *http.Request) {
	f, err := h.engine.Fulfillment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *Handler) ShipFulfillment(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, http.StatusOK, bindFulfillment, h.engine.ShipFulfillment)
}

func (h *Handler) CancelFulfillment(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, http.StatusOK, bindFulfillment, h.engine.CancelFulfillment)
}

func (h *Handler) RevertFulfillmentShipment(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, http.StatusOK, bindFulfillment, h.engine.RevertFulfillmentShipment)
}

func bindFulfillment(r *http.Request, req *inventory.FulfillmentRequest) {
	req.FulfillmentID = chi.URLParam(r, "id")
	idempotency(r, &req.IdempotencyKey, &req.Actor)
}

// =============================================================================
// PURCHASING AND RECEIVING
// =============================================================================

func (h *Handler) CreatePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, http.StatusCreated, func(r *http.Request, req *inventory.CreatePurchaseOrderRequest) {
		idempotency(r, &req.IdempotencyKey, &req.Actor)
	}, h.engine.CreatePurchaseOrder)
}

func (h *Handler) GetPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.engine.PurchaseOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) ListPurchaseOrderReceipts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.engine.PurchaseOrder(r.Context(), id); err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	receipts, err := h.engine.Receipts(r.Context(), id)
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

func (h *Handler) PlacePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, http.StatusOK, bindPurchaseOrder, h.engine.PlacePurchaseOrder)
}

func (h *Handler) CancelPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, http.StatusOK, bindPurchaseOrder, h.engine.CancelPurchaseOrder)
}

func bindPurchaseOrder(r *http.Request, req *inventory.PurchaseOrderRequest) {
	req.PurchaseOrderID = chi.URLParam(r, "id")
	idempotency(r, &req.IdempotencyKey, &req.Actor)
}

func (h *Handler) ReceivePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, http.StatusOK, func(r *http.Request, req *inventory.ReceivePurchaseOrderRequest) {
		req.PurchaseOrderID = chi.URLParam(r, "id")
		idempotency(r, &req.IdempotencyKey, &req.Actor)
	}, h.engine.ReceivePurchaseOrder)
}

func (h *Handler) BookInStock(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, http.StatusCreated, func(r *http.Request, req *inventory.BookInStockRequest) {
		idempotency(r, &req.IdempotencyKey, &req.Actor)
	}, h.engine.BookInStock)
}

func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	rc, err := h.engine.Receipt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (h *Handler) RevertInventoryReceipt(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, http.StatusOK, func(r *http.Request, req *inventory.RevertReceiptRequest) {
		req.ReceiptID = chi.URLParam(r, "id")
		idempotency(r, &req.IdempotencyKey, &req.Actor)
	}, h.engine.RevertInventoryReceipt)
}

func (h *Handler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	serve(h, w, r, http.StatusCreated, func(r *http.Request, req *inventory.AdjustStockRequest) {
		idempotency(r, &req.IdempotencyKey, &req.Actor)
	}, h.engine.AdjustStock)
}

// =============================================================================
// IMPORT JOBS
// =============================================================================

// CreateImportJob stores the job and queues it. The response is 202 with
// the pending job; clients poll GET /api/import-jobs/{id}.
func (h *Handler) CreateImportJob(w http.ResponseWriter, r *http.Request) {
	var req inventory.CreateImportJobRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	if req.Actor == "" {
		req.Actor = r.Header.Get(actorHeader)
	}
	job, err := h.engine.CreateImportJob(r.Context(), req)
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	h.enqueue(r.Context(), job.ID)
	writeJSON(w, http.StatusAccepted, toImportJobDTO(job))
}

// RunImportJob queues an existing job again, for example after a restart
// left it pending or failed. Rows already applied are not booked twice.
func (h *Handler) RunImportJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.engine.ImportJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	if job.Status != inventory.ImportJobCompleted {
		h.enqueue(r.Context(), job.ID)
	}
	writeJSON(w, http.StatusAccepted, toImportJobDTO(job))
}

func (h *Handler) enqueue(ctx context.Context, jobID string) {
	if h.imports == nil {
		return
	}
	if err := h.imports.Enqueue(jobID); err != nil {
		// the job stays pending; POST /api/import-jobs/{id}/run picks it up later
		h.log.Warn(h.log.WithField(ctx, "job_id", jobID), "import job not queued", err)
	}
}

func (h *Handler) GetImportJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.engine.ImportJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, toImportJobDTO(job))
}

// =============================================================================
// ADMIN
// =============================================================================

func (h *Handler) VerifySnapshots(w http.ResponseWriter, r *http.Request) {
	drift, err := h.engine.Projector().Verify(r.Context())
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDriftResponse(drift))
}

func (h *Handler) RebuildSnapshots(w http.ResponseWriter, r *http.Request) {
	drift, err := h.engine.Projector().Rebuild(r.Context())
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	if len(drift) > 0 {
		h.log.Warn(h.log.WithField(r.Context(), "keys", len(drift)), "snapshot drift repaired", nil)
	}
	writeJSON(w, http.StatusOK, toDriftResponse(drift))
}

// =============================================================================
// HELPERS
// =============================================================================

// decodeBody decodes JSON into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &inventory.ValidationError{Field: "body", Message: "malformed JSON: " + err.Error()}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	kind := inventory.Classify(err)
	status := statusFor(kind)
	resp := ErrorResponse{
		Error:     err.Error(),
		Kind:      string(kind),
		Retryable: inventory.IsRetryable(err),
	}
	var ve *inventory.ValidationError
	if errors.As(err, &ve) {
		resp.Field = ve.Field
	}
	if status >= http.StatusInternalServerError {
		h.log.Error(ctx, "request failed", err)
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func statusFor(kind inventory.Kind) int {
	switch kind {
	case inventory.KindValidation:
		return http.StatusBadRequest
	case inventory.KindNotFound:
		return http.StatusNotFound
	case inventory.KindInvalidState, inventory.KindConflict:
		return http.StatusConflict
	case inventory.KindInsufficientStock, inventory.KindConstraintViolation, inventory.KindIdempotency:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
