package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder_CountsOperationsAndEntries(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewRecorder(reg)

	rec.ObserveOperation("allocate_line", "ok", 5*time.Millisecond)
	rec.ObserveOperation("allocate_line", "ok", 5*time.Millisecond)
	rec.ObserveOperation("", "", time.Millisecond)
	rec.IncEntries("allocation", 3)
	rec.AddBackordered(4)
	rec.IncImportRow(true)
	rec.IncImportRow(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.operations.WithLabelValues("allocate_line", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.operations.WithLabelValues("unknown", "unknown")))
	assert.Equal(t, 3.0, testutil.ToFloat64(rec.entries.WithLabelValues("allocation")))
	assert.Equal(t, 4.0, testutil.ToFloat64(rec.backordered))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.importRows.WithLabelValues("error")))
}

func TestRecorder_NilSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveOperation("x", "ok", time.Second)
	rec.IncEntries("allocation", 1)
	rec.AddBackordered(1)
	rec.IncImportRow(true)

	empty := NewRecorder(nil)
	empty.ObserveOperation("x", "ok", time.Second)
}
