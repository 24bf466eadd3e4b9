package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/inventory"
	"github.com/warp/stock-ledger/inventory/store"
)

func newImportEngine(t *testing.T) *inventory.Engine {
	t.Helper()
	ctx := context.Background()
	engine := inventory.NewEngine(store.NewMemory())
	_, err := engine.RegisterLocation(ctx, inventory.RegisterLocationRequest{ID: "wh-1", Name: "Main", Sellable: true})
	require.NoError(t, err)
	_, err = engine.RegisterProduct(ctx, inventory.RegisterProductRequest{ID: "p-1", SKU: "SKU-1", Name: "Widget"})
	require.NoError(t, err)
	return engine
}

func TestImportQueue_ProcessesJob(t *testing.T) {
	ctx := context.Background()
	engine := newImportEngine(t)
	job, err := engine.CreateImportJob(ctx, inventory.CreateImportJobRequest{Rows: []inventory.ImportRow{
		{SKU: "SKU-1", LocationID: "wh-1", Quantity: "4"},
	}})
	require.NoError(t, err)

	q := NewImportQueue(engine, nil, 2, 4)
	q.Start(ctx)
	defer q.Stop(ctx)

	require.NoError(t, q.Enqueue(job.ID))

	require.Eventually(t, func() bool {
		j, err := engine.ImportJob(ctx, job.ID)
		return err == nil && j.Status == inventory.ImportJobCompleted
	}, 2*time.Second, 10*time.Millisecond)

	snap, err := engine.Snapshot(ctx, inventory.SnapshotKey{ProductID: "p-1", LocationID: "wh-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.QOH)
}

func TestImportQueue_Full(t *testing.T) {
	// not started, so nothing drains the buffer
	q := NewImportQueue(newImportEngine(t), nil, 1, 1)

	require.NoError(t, q.Enqueue("job-1"))
	assert.ErrorIs(t, q.Enqueue("job-2"), ErrQueueFull)
}

func TestImportQueue_EnqueueAfterStop(t *testing.T) {
	ctx := context.Background()
	q := NewImportQueue(newImportEngine(t), nil, 1, 4)
	q.Start(ctx)
	q.Stop(ctx)

	assert.ErrorIs(t, q.Enqueue("job-1"), ErrQueueStopped)
	// second Stop is a no-op
	q.Stop(ctx)
}

func TestImportQueue_StopBeforeStart(t *testing.T) {
	q := NewImportQueue(newImportEngine(t), nil, 1, 4)
	q.Stop(context.Background())
	q.Start(context.Background())

	assert.ErrorIs(t, q.Enqueue("job-1"), ErrQueueStopped)
}
