// Package metrics records engine activity as Prometheus series.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is nil-safe: a nil *Recorder or one built without a registerer
// silently drops observations.
type Recorder struct {
	operations  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	entries     *prometheus.CounterVec
	backordered prometheus.Counter
	importRows  *prometheus.CounterVec
}

// NewRecorder registers the engine metrics on the provided registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		return &Recorder{}
	}
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_operations_total",
		Help: "Top-level stock operations by outcome.",
	}, []string{"operation", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stock_operation_duration_seconds",
		Help:    "Duration of top-level stock operations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
	entries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_ledger_entries_total",
		Help: "Ledger entries appended by transaction type.",
	}, []string{"transaction_type"})
	backordered := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stock_backordered_units_total",
		Help: "Units left unallocated after allocation attempts.",
	})
	importRows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_import_rows_total",
		Help: "Bulk import rows by result.",
	}, []string{"result"})
	reg.MustRegister(operations, duration, entries, backordered, importRows)
	return &Recorder{
		operations:  operations,
		duration:    duration,
		entries:     entries,
		backordered: backordered,
		importRows:  importRows,
	}
}

// ObserveOperation records one completed call. outcome is "ok", "replayed" or an error kind.
func (r *Recorder) ObserveOperation(operation, outcome string, d time.Duration) {
	if r == nil || r.operations == nil {
		return
	}
	r.operations.WithLabelValues(normalizeLabel(operation), normalizeLabel(outcome)).Inc()
	r.duration.WithLabelValues(normalizeLabel(operation)).Observe(d.Seconds())
}

func (r *Recorder) IncEntries(transactionType string, n int) {
	if r == nil || r.entries == nil || n <= 0 {
		return
	}
	r.entries.WithLabelValues(normalizeLabel(transactionType)).Add(float64(n))
}

func (r *Recorder) AddBackordered(units int64) {
	if r == nil || r.backordered == nil || units <= 0 {
		return
	}
	r.backordered.Add(float64(units))
}

func (r *Recorder) IncImportRow(ok bool) {
	if r == nil || r.importRows == nil {
		return
	}
	result := "error"
	if ok {
		result = "success"
	}
	r.importRows.WithLabelValues(result).Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
