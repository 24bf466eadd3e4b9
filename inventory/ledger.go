/*
ledger.go - Append-only stock ledger

PURPOSE:
  The Ledger is the single source of truth for stock quantities. Every
  allocation, shipment, receipt, adjustment and reversal is one or more
  entries here. The snapshot row for the entry's (product, location) is
  updated in the same transaction, under that row's lock.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. BALANCED: every entry keeps available == qoh - reserved
  3. NON-NEGATIVE: qoh, reserved, available, on_order never drop below zero
  4. PROJECTION: snapshot == replay(entries) for every key, always

CORRECTIONS:
  A mistake is never edited. The compensating operation appends the exact
  inverse entry, and both remain in history:

    allocation        reserved +3  available -3
    allocation_revert reserved -3  available +3   -> net zero, both auditable

FAILURE:
  If the resulting snapshot would violate invariant 3 the append fails with
  *ConstraintViolationError and the caller's transaction rolls back. The
  allocation engine never hits this in practice: it reads the locked row
  first and asks only for what is available.
*/
package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/warp/stock-ledger/metrics"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	now     func() time.Time
	newID   func() string
	metrics *metrics.Recorder
}

// Append inserts entry and applies its delta to the snapshot. ID and
// CreatedAt are assigned here; everything else comes from the caller.
func (l *Ledger) Append(ctx context.Context, tx Tx, entry LedgerEntry) (LedgerEntry, error) {
	if err := checkEntry(entry); err != nil {
		return LedgerEntry{}, err
	}

	key := entry.Key()
	current, err := tx.LockSnapshot(ctx, key)
	if err != nil {
		return LedgerEntry{}, err
	}
	if err := checkNonNegative(current, entry.Delta); err != nil {
		return LedgerEntry{}, err
	}

	entry.ID = l.newID()
	entry.CreatedAt = l.now()
	if err := tx.InsertEntry(ctx, entry); err != nil {
		return LedgerEntry{}, err
	}

	next := current.Apply(entry.Delta)
	next.ProductID, next.LocationID = key.ProductID, key.LocationID
	next.LastUpdated = entry.CreatedAt
	if err := tx.PutSnapshot(ctx, next); err != nil {
		return LedgerEntry{}, err
	}

	l.metrics.IncEntries(string(entry.TransactionType), 1)
	return entry, nil
}

func checkEntry(e LedgerEntry) error {
	switch {
	case e.ProductID == "":
		return invalid("product_id", "is required")
	case e.LocationID == "":
		return invalid("location_id", "is required")
	case !e.TransactionType.Valid():
		return invalid("transaction_type", "is unknown: "+string(e.TransactionType))
	case e.Delta.IsZero():
		return invalid("delta", "must change at least one quantity")
	case !e.Delta.Balanced():
		return invalid("delta", "must keep available equal to qoh minus reserved")
	}
	return nil
}

func checkNonNegative(s StockSnapshot, d Delta) error {
	key := s.Key()
	fields := []struct {
		name    string
		current int64
		delta   int64
	}{
		{"qoh", s.QOH, d.QOH},
		{"reserved", s.Reserved, d.Reserved},
		{"available", s.Available, d.Available},
		{"on_order", s.OnOrder, d.OnOrder},
	}
	for _, f := range fields {
		if f.current+f.delta < 0 {
			return &ConstraintViolationError{Key: key, Field: f.name, Current: f.current, Delta: f.delta}
		}
	}
	return nil
}

// IsConstraintViolation reports whether err came from a negative-quantity check.
func IsConstraintViolation(err error) bool {
	return errors.Is(err, ErrConstraintViolation)
}

// =============================================================================
// LINE RESERVATIONS - derived from the line's own entries
// =============================================================================

// lineReservationTypes are the entry types that move a line's reservation.
var lineReservationTypes = []TransactionType{TxAllocation, TxAllocationRevert, TxShipment, TxShipmentRevert}

// lineReservations sums change_reserved per location over the entries that
// reference the line. The result is what the line still holds reserved at
// each location (allocated and not yet shipped).
func lineReservations(ctx context.Context, r Reader, line SalesOrderLine) (map[string]int64, error) {
	entries, err := r.ListEntries(ctx, EntryFilter{
		ProductID:   line.ProductID,
		ReferenceID: line.ID,
		Types:       lineReservationTypes,
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	for _, e := range entries {
		out[e.LocationID] += e.Reserved
	}
	for loc, n := range out {
		if n == 0 {
			delete(out, loc)
		}
	}
	return out, nil
}
