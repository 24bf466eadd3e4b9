/*
importjob.go - Bulk inventory import

PURPOSE:
  Applies a batch of normalized rows as stock adjustments. Unlike every other
  operation, an import has partial-failure semantics: each row is its own
  transaction, a bad row is recorded on the job and the rest carry on.

ROW SEMANTICS:
  mode=delta (default)  qoh += quantity
  mode=set              qoh := quantity (the delta is computed under the row lock)

  A row fails on an unknown SKU or location, a non-integer quantity, or a
  change that would make stock negative.

RE-RUNS:
  The i-th row of job J (counting from 1, by position) always carries
  idempotency key "~import:J:i". Row numbers supplied by the caller are
  only used in error reports. Running the same job twice (for example
  after a crash mid-way) replays the rows that already applied and never
  books them twice.

PROGRESS:
  The job row is updated every progressEvery rows and at the end; each
  update is pushed to the registered JobObservers. Callers poll the job or
  subscribe to an observer; nothing blocks on the import.
*/
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// JobObserver is notified whenever an import job's progress is stored.
type JobObserver interface {
	OnImportProgress(ctx context.Context, job ImportJob)
}

type CreateImportJobRequest struct {
	Rows  []ImportRow `json:"rows" validate:"required,min=1"`
	Actor string      `json:"actor,omitempty"`
}

type ImportSummary struct {
	JobID        string          `json:"job_id"`
	Status       ImportJobStatus `json:"status"`
	SuccessCount int             `json:"success_count"`
	ErrorCount   int             `json:"error_count"`
	Errors       []RowError      `json:"errors,omitempty"`
}

// ImportRowResult is what one applied row produced.
type ImportRowResult struct {
	Row     int    `json:"row"`
	EntryID string `json:"entry_id,omitempty"`
	Delta   int64  `json:"delta"`
}

// importRowAttempts bounds retries of a row that hit a concurrency conflict.
const importRowAttempts = 3

// CreateImportJob stores a pending job. Rows without a number get their position.
func (e *Engine) CreateImportJob(ctx context.Context, req CreateImportJobRequest) (ImportJob, error) {
	return run(ctx, e, OpCreateImportJob, "", req, func(tx Tx) (ImportJob, error) {
		rows := make([]ImportRow, len(req.Rows))
		for i, r := range req.Rows {
			if r.Row == 0 {
				r.Row = i + 1
			}
			rows[i] = r
		}
		job := ImportJob{
			ID:        e.newID(),
			Status:    ImportJobPending,
			Actor:     req.Actor,
			Rows:      rows,
			Total:     len(rows),
			CreatedAt: e.now(),
		}
		if err := tx.PutImportJob(ctx, job); err != nil {
			return ImportJob{}, err
		}
		return job, nil
	})
}

// ProcessInventoryImport runs a stored job to completion. A completed job
// returns its stored summary.
func (e *Engine) ProcessInventoryImport(ctx context.Context, jobID string) (ImportSummary, error) {
	job, err := e.startImport(ctx, jobID)
	if err != nil {
		return ImportSummary{}, err
	}
	if job.Status == ImportJobCompleted {
		return summarize(job), nil
	}
	e.notify(ctx, job)

	ctx = e.log.WithFields(ctx, map[string]any{"job_id": job.ID, "rows": job.Total})
	e.log.Info(ctx, "import started")

	job.Processed, job.SuccessCount, job.ErrorCount, job.Errors = 0, 0, 0, nil
	for i, row := range job.Rows {
		if err := ctx.Err(); err != nil {
			job.Status = ImportJobFailed
			job.Failure = err.Error()
			if storeErr := e.storeProgress(context.WithoutCancel(ctx), job, true); storeErr != nil {
				return summarize(job), errors.Join(err, storeErr)
			}
			return summarize(job), err
		}

		if err := e.importRow(ctx, job, i, row); err != nil {
			job.ErrorCount++
			job.Errors = append(job.Errors, RowError{Row: row.Row, Message: err.Error()})
			e.metrics.IncImportRow(false)
		} else {
			job.SuccessCount++
			e.metrics.IncImportRow(true)
		}
		job.Processed++

		if (i+1)%e.progressEvery == 0 && i+1 < len(job.Rows) {
			if err := e.storeProgress(ctx, job, false); err != nil {
				return summarize(job), err
			}
		}
	}

	job.Status = ImportJobCompleted
	if err := e.storeProgress(ctx, job, true); err != nil {
		return summarize(job), err
	}
	e.log.Info(e.log.WithFields(ctx, map[string]any{
		"success_count": job.SuccessCount,
		"error_count":   job.ErrorCount,
	}), "import completed")
	return summarize(job), nil
}

func (e *Engine) startImport(ctx context.Context, jobID string) (ImportJob, error) {
	var job ImportJob
	err := e.store.WithTx(ctx, func(tx Tx) error {
		j, err := tx.LockImportJob(ctx, jobID)
		if err != nil {
			return err
		}
		if j == nil {
			return notFound("import job", jobID)
		}
		if j.Status != ImportJobCompleted {
			now := e.now()
			j.Status = ImportJobRunning
			j.StartedAt = &now
			j.Failure = ""
			if err := tx.PutImportJob(ctx, *j); err != nil {
				return err
			}
		}
		job = *j
		return nil
	})
	return job, err
}

// storeProgress writes the counters (and the final status when done) and notifies observers.
func (e *Engine) storeProgress(ctx context.Context, job ImportJob, done bool) error {
	err := e.store.WithTx(ctx, func(tx Tx) error {
		stored, err := tx.LockImportJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if stored == nil {
			return notFound("import job", job.ID)
		}
		stored.Processed = job.Processed
		stored.SuccessCount = job.SuccessCount
		stored.ErrorCount = job.ErrorCount
		stored.Errors = job.Errors
		if done {
			now := e.now()
			stored.Status = job.Status
			stored.Failure = job.Failure
			stored.CompletedAt = &now
		}
		return tx.PutImportJob(ctx, *stored)
	})
	if err != nil {
		e.log.Error(ctx, "storing import progress failed", err)
		return err
	}
	e.notify(ctx, job)
	return nil
}

func (e *Engine) notify(ctx context.Context, job ImportJob) {
	for _, o := range e.observers {
		o.OnImportProgress(ctx, job.Clone())
	}
}

func summarize(job ImportJob) ImportSummary {
	return ImportSummary{
		JobID:        job.ID,
		Status:       job.Status,
		SuccessCount: job.SuccessCount,
		ErrorCount:   job.ErrorCount,
		Errors:       job.Errors,
	}
}

// =============================================================================
// ROWS
// =============================================================================

// importKey is keyed by position in job.Rows, never by the caller's row number.
func importKey(jobID string, index int) string {
	return derivedKeyMark + "import:" + jobID + ":" + strconv.Itoa(index+1)
}

func (e *Engine) importRow(ctx context.Context, job ImportJob, index int, row ImportRow) error {
	key := importKey(job.ID, index)
	var err error
	for attempt := 0; attempt < importRowAttempts; attempt++ {
		_, err = run(ctx, e, OpImportRow, key, nil, func(tx Tx) (ImportRowResult, error) {
			return e.applyImportRow(ctx, tx, job, key, row)
		})
		if !IsRetryable(err) {
			return err
		}
	}
	return err
}

func (e *Engine) applyImportRow(ctx context.Context, tx Tx, job ImportJob, key string, row ImportRow) (ImportRowResult, error) {
	res := ImportRowResult{Row: row.Row}

	sku := strings.TrimSpace(row.SKU)
	if sku == "" {
		return res, invalid("sku", "is required")
	}
	product, err := tx.GetProductBySKU(ctx, sku)
	if err != nil {
		return res, err
	}
	if product == nil {
		return res, invalid("sku", fmt.Sprintf("%q is unknown", sku))
	}
	loc, err := tx.GetLocation(ctx, row.LocationID)
	if err != nil {
		return res, err
	}
	if loc == nil {
		return res, invalid("location_id", fmt.Sprintf("%q is unknown", row.LocationID))
	}
	qty, err := strconv.ParseInt(strings.TrimSpace(row.Quantity), 10, 64)
	if err != nil {
		return res, invalid("quantity", fmt.Sprintf("%q is not an integer", row.Quantity))
	}

	snapKey := SnapshotKey{ProductID: product.ID, LocationID: loc.ID}
	var delta int64
	switch row.Mode {
	case "", ImportModeDelta:
		delta = qty
	case ImportModeSet:
		if qty < 0 {
			return res, invalid("quantity", "must not be negative when setting stock")
		}
		snap, err := tx.LockSnapshot(ctx, snapKey)
		if err != nil {
			return res, err
		}
		delta = qty - snap.QOH
	default:
		return res, invalid("mode", fmt.Sprintf("%q is unknown", row.Mode))
	}
	if delta == 0 {
		// nothing to book; a set row that already matches counts as success
		if row.Mode == ImportModeSet {
			return res, nil
		}
		return res, invalid("quantity", "must not be zero")
	}

	notes := row.Notes
	if notes == "" {
		notes = fmt.Sprintf("import job %s row %d", job.ID, row.Row)
	}
	entry, err := e.ledger.Append(ctx, tx, LedgerEntry{
		ProductID:       product.ID,
		LocationID:      loc.ID,
		TransactionType: TxImport,
		Delta:           adjustDelta(delta),
		ReferenceID:     job.ID,
		IdempotencyKey:  key,
		Notes:           notes,
		Actor:           job.Actor,
	})
	if err != nil {
		return res, err
	}
	res.EntryID = entry.ID
	res.Delta = delta
	return res, nil
}
