/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Recoverer:  Panic recovery (500 instead of crash)
  2. RequestID:  X-Request-Id in/out, copied into the logging context
  3. Logging:    One structured line per request (zerolog)
  4. CORS:       Cross-origin requests for the warehouse UI

ROUTE GROUPS:
  /health                     Liveness + database ping
  /metrics                    Prometheus exposition
  /api/locations, /api/products           Catalog
  /api/snapshots, /api/ledger             Read views
  /api/sales-orders, /api/sales-order-lines   Allocation
  /api/fulfillments                       Pack / ship / revert
  /api/purchase-orders, /api/receipts     Receiving
  /api/adjustments                        Manual corrections
  /api/import-jobs                        Async bulk import
  /api/admin/snapshots                    Verify / rebuild projection

IDEMPOTENCY:
  Every mutating endpoint accepts an Idempotency-Key header. It is copied
  into the request's idempotency_key field when the body does not set one;
  the engine does the rest.

SECURITY NOTE:
  No authentication middleware. X-Actor is trusted as the audit actor.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/stock-ledger/logging"
)

const (
	requestIDHeader   = "X-Request-Id"
	idempotencyHeader = "Idempotency-Key"
	actorHeader       = "X-Actor"
)

// RouterOptions carries the transport-level settings.
type RouterOptions struct {
	CORSOrigins []string
	// Gatherer backs /metrics; nil means the default registry.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r.Use(chimw.Recoverer)
	r.Use(requestID(h.log))
	r.Use(requestLogging(h.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", idempotencyHeader, actorHeader, requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: true,
	}))

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		// Catalog
		r.Route("/locations", func(r chi.Router) {
			r.Get("/", h.ListLocations)
			r.Post("/", h.RegisterLocation)
		})
		r.Route("/products", func(r chi.Router) {
			r.Post("/", h.RegisterProduct)
			r.Get("/{id}", h.GetProduct)
			r.Get("/{id}/availability", h.GetAvailability)
		})

		// Read views
		r.Get("/snapshots", h.ListSnapshots)
		r.Get("/ledger", h.ListLedger)

		// Sales orders and allocation
		r.Route("/sales-orders", func(r chi.Router) {
			r.Post("/", h.CreateSalesOrder)
			r.Get("/{id}", h.GetSalesOrder)
			r.Get("/{id}/fulfillments", h.ListFulfillments)
			r.Post("/{id}/allocate", h.AllocateOrder)
			r.Post("/{id}/cancel", h.CancelSalesOrder)
			r.Post("/{id}/revert-to-draft", h.RevertSalesOrderToDraft)
		})
		r.Route("/sales-order-lines", func(r chi.Router) {
			r.Post("/{id}/allocate", h.AllocateLine)
			r.Post("/{id}/revert-allocation", h.RevertLineAllocation)
		})

		// Fulfillments
		r.Route("/fulfillments", func(r chi.Router) {
			r.Post("/", h.CreateFulfillment)
			r.Get("/{id}", h.GetFulfillment)
			r.Post("/{id}/ship", h.ShipFulfillment)
			r.Post("/{id}/cancel", h.CancelFulfillment)
			r.Post("/{id}/revert-shipment", h.RevertFulfillmentShipment)
		})

		// Purchasing and receiving
		r.Route("/purchase-orders", func(r chi.Router) {
			r.Post("/", h.CreatePurchaseOrder)
			r.Get("/{id}", h.GetPurchaseOrder)
			r.Get("/{id}/receipts", h.ListPurchaseOrderReceipts)
			r.Post("/{id}/place", h.PlacePurchaseOrder)
			r.Post("/{id}/cancel", h.CancelPurchaseOrder)
			r.Post("/{id}/receive", h.ReceivePurchaseOrder)
		})
		r.Route("/receipts", func(r chi.Router) {
			r.Post("/", h.BookInStock)
			r.Get("/{id}", h.GetReceipt)
			r.Post("/{id}/revert", h.RevertInventoryReceipt)
		})
		r.Post("/adjustments", h.AdjustStock)

		// Bulk import
		r.Route("/import-jobs", func(r chi.Router) {
			r.Post("/", h.CreateImportJob)
			r.Get("/{id}", h.GetImportJob)
			r.Post("/{id}/run", h.RunImportJob)
		})

		// Admin
		r.Route("/admin/snapshots", func(r chi.Router) {
			r.Get("/verify", h.VerifySnapshots)
			r.Post("/rebuild", h.RebuildSnapshots)
		})
	})

	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func requestID(logg *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get(requestIDHeader)
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, reqID)

			ctx := logg.WithRequestID(r.Context(), reqID)
			if actor := r.Header.Get(actorHeader); actor != "" {
				ctx = logg.WithActor(ctx, actor)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func requestLogging(logg *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := logg.WithFields(r.Context(), map[string]any{
				"method": r.Method,
				"path":   r.URL.Path,
			})
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logg.Info(logg.WithFields(ctx, map[string]any{
				"status":      status,
				"duration_ms": time.Since(start).Milliseconds(),
			}), "request.complete")
		})
	}
}
