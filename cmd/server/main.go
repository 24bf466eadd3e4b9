/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the stock ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, STOCK_* environment, then flags)
  2. Initialize logger and metrics registry
  3. Open the SQLite store (or the in-memory store)
  4. Build the engine with its job observers
  5. Start the import workers
  6. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides STOCK_HTTP_PORT)
  -db      SQLite database path (overrides STOCK_DB_PATH)
           Use ":memory:" for an in-memory SQLite database
  -store   "sqlite" (default) or "memory" for the lock-based memory store

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Drain the import workers within the same deadline
  4. Close database and Redis connections

ENVIRONMENT:
  See config/config.go. STOCK_REDIS_URL enables job status publishing.

SEE ALSO:
  - api/server.go: Router configuration
  - api/importer.go: Import workers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/warp/stock-ledger/api"
	"github.com/warp/stock-ledger/config"
	"github.com/warp/stock-ledger/inventory"
	"github.com/warp/stock-ledger/inventory/store"
	"github.com/warp/stock-ledger/jobstatus"
	"github.com/warp/stock-ledger/logging"
	"github.com/warp/stock-ledger/metrics"
	"github.com/warp/stock-ledger/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Flags
	port := flag.Int("port", cfg.HTTP.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DB.Path, "SQLite database path")
	backend := flag.String("store", "sqlite", "storage backend: sqlite or memory")
	flag.Parse()

	logg := logging.New(logging.Options{
		ServiceName: "stock-ledger",
		Level:       logging.ParseLevel(cfg.Log.Level),
		Format:      cfg.Log.Format,
	})
	ctx := context.Background()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(reg)

	// Initialize store
	var (
		st     inventory.Store
		pinger api.Pinger
	)
	switch *backend {
	case "memory":
		st = store.NewMemory(store.WithLockTimeout(cfg.Engine.LockTimeout))
	case "sqlite":
		db, err := sqlite.New(*dbPath, sqlite.WithBusyTimeout(cfg.DB.BusyTimeout))
		if err != nil {
			return fmt.Errorf("initializing database: %w", err)
		}
		defer db.Close()
		st, pinger = db, db
	default:
		return fmt.Errorf("unknown store %q", *backend)
	}

	opts := []inventory.Option{
		inventory.WithLogger(logg),
		inventory.WithMetrics(recorder),
		inventory.WithOverReceipt(cfg.Engine.AllowOverReceipt),
		inventory.WithProgressEvery(cfg.Import.ProgressEvery),
		inventory.WithJobObserver(jobstatus.NewLogObserver(logg)),
	}
	if cfg.JobStatus.RedisURL != "" {
		pub, err := jobstatus.NewRedisPublisher(ctx, cfg.JobStatus.RedisURL, cfg.JobStatus.TTL, logg)
		if err != nil {
			return fmt.Errorf("connecting job status redis: %w", err)
		}
		defer pub.Close()
		opts = append(opts, inventory.WithJobObserver(pub))
	}
	engine := inventory.NewEngine(st, opts...)

	importer := api.NewImportQueue(engine, logg, cfg.Import.Workers, cfg.Import.QueueSize)
	importer.Start(ctx)

	handler := api.NewHandler(engine, importer, pinger, logg)
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Gatherer:    reg,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logg.Info(logg.WithFields(ctx, map[string]any{"port": *port, "store": *backend}), "server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		importer.Stop(ctx)
		return fmt.Errorf("server failed: %w", err)
	}

	logg.Info(ctx, "shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error(ctx, "server forced to shutdown", err)
	}
	importer.Stop(shutdownCtx)

	logg.Info(ctx, "server stopped")
	return nil
}
