/*
importer.go - Background import workers

PURPOSE:
  Runs bulk import jobs off the request path. POST /api/import-jobs stores
  the job and hands its ID to the queue; a fixed pool of workers calls
  Engine.ProcessInventoryImport for each ID.

DESIGN:
  - Bounded queue: Enqueue never blocks, it fails with ErrQueueFull
  - Workers share one context; Stop lets in-flight jobs finish until the
    shutdown deadline, then cancels them (a cancelled job is marked failed
    and can be re-run without double-booking rows)

USAGE:
  importer := NewImportQueue(engine, logger, 2, 64)
  importer.Start(ctx)
  // ... later
  importer.Stop(shutdownCtx)

SEE ALSO:
  - handlers.go: CreateImportJob / RunImportJob
  - inventory/importjob.go: Row processing and progress
*/
package api

import (
	"context"
	"errors"
	"sync"

	"github.com/warp/stock-ledger/inventory"
	"github.com/warp/stock-ledger/logging"
)

var (
	ErrQueueFull    = errors.New("import queue is full")
	ErrQueueStopped = errors.New("import queue is stopped")
)

// ImportQueue handles asynchronous import job processing.
type ImportQueue struct {
	engine  *inventory.Engine
	log     *logging.Logger
	workers int

	jobs   chan string
	done   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	started bool
	stopped bool
}

// NewImportQueue creates a queue with the given worker count and capacity.
func NewImportQueue(engine *inventory.Engine, logg *logging.Logger, workers, size int) *ImportQueue {
	if logg == nil {
		logg = logging.Nop()
	}
	if workers < 1 {
		workers = 1
	}
	if size < 1 {
		size = 1
	}
	return &ImportQueue{
		engine:  engine,
		log:     logg,
		workers: workers,
		jobs:    make(chan string, size),
		done:    make(chan struct{}),
	}
}

// Start launches the workers.
func (q *ImportQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started || q.stopped {
		return
	}
	q.started = true

	ctx, q.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.run(ctx, i)
	}
	q.log.Info(q.log.WithField(ctx, "workers", q.workers), "import workers started")
}

// Enqueue schedules a job. It never blocks.
func (q *ImportQueue) Enqueue(jobID string) error {
	select {
	case <-q.done:
		return ErrQueueStopped
	default:
	}
	select {
	case q.jobs <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop stops accepting jobs and waits for the workers. If ctx ends first,
// the running jobs are cancelled and Stop still waits for them to return.
func (q *ImportQueue) Stop(ctx context.Context) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.done)
	started := q.started
	q.mu.Unlock()

	if !started {
		return
	}

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		q.cancel()
		<-finished
	}
	q.cancel()
	q.log.Info(ctx, "import workers stopped")
}

func (q *ImportQueue) run(ctx context.Context, worker int) {
	defer q.wg.Done()
	ctx = q.log.WithField(ctx, "worker", worker)

	for {
		select {
		case <-q.done:
			return
		case <-ctx.Done():
			return
		case id := <-q.jobs:
			q.process(ctx, id)
		}
	}
}

func (q *ImportQueue) process(ctx context.Context, jobID string) {
	ctx = q.log.WithField(ctx, "job_id", jobID)
	summary, err := q.engine.ProcessInventoryImport(ctx, jobID)
	if err != nil {
		q.log.Error(ctx, "import job failed", err)
		return
	}
	q.log.Debug(q.log.WithFields(ctx, map[string]any{
		"status":        summary.Status,
		"success_count": summary.SuccessCount,
		"error_count":   summary.ErrorCount,
	}), "import job processed")
}
