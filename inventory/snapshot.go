/*
snapshot.go - Snapshot projection of the ledger

PURPOSE:
  StockSnapshot rows are derived data. The ledger path keeps them current
  incrementally (ledger.go); this file is the full-replay side used to
  check and, if ever needed, repair them.

  Replay:   pure fold of entries into snapshots
  Verify:   compare stored snapshots with the replay, report drift
  Rebuild:  replace every stored snapshot with the replay

  Rebuild is a recovery path after a bug, not something operations depend on.
*/
package inventory

import (
	"context"
	"sort"
	"time"
)

// Replay folds entries into one snapshot per key. Entries must be in
// append order; only LastUpdated depends on that.
func Replay(entries []LedgerEntry) map[SnapshotKey]StockSnapshot {
	out := make(map[SnapshotKey]StockSnapshot)
	for _, e := range entries {
		k := e.Key()
		s, ok := out[k]
		if !ok {
			s = StockSnapshot{ProductID: k.ProductID, LocationID: k.LocationID}
		}
		s = s.Apply(e.Delta)
		if e.CreatedAt.After(s.LastUpdated) {
			s.LastUpdated = e.CreatedAt
		}
		out[k] = s
	}
	return out
}

// Drift is one key whose stored snapshot differs from the replayed ledger.
type Drift struct {
	Key      SnapshotKey   `json:"key"`
	Stored   StockSnapshot `json:"stored"`
	Replayed StockSnapshot `json:"replayed"`
}

type Projector struct {
	store Store
	now   func() time.Time
}

// Verify replays the whole ledger and returns every key that disagrees.
// It reads outside a transaction, so run it on a quiet store for an exact answer.
func (p *Projector) Verify(ctx context.Context) ([]Drift, error) {
	entries, err := p.store.ListEntries(ctx, EntryFilter{})
	if err != nil {
		return nil, err
	}
	stored, err := p.store.ListSnapshots(ctx, SnapshotFilter{})
	if err != nil {
		return nil, err
	}
	return diff(stored, Replay(entries)), nil
}

// Rebuild locks every known key, replays the ledger and replaces the
// snapshots. Returns the drift that was repaired.
func (p *Projector) Rebuild(ctx context.Context) ([]Drift, error) {
	var repaired []Drift
	err := p.store.WithTx(ctx, func(tx Tx) error {
		stored, err := tx.ListSnapshots(ctx, SnapshotFilter{})
		if err != nil {
			return err
		}
		entries, err := tx.ListEntries(ctx, EntryFilter{})
		if err != nil {
			return err
		}
		replayed := Replay(entries)

		// Lock in a fixed order so a rebuild never deadlocks with the engines.
		keys := make([]SnapshotKey, 0, len(stored)+len(replayed))
		seen := make(map[SnapshotKey]bool)
		for _, s := range stored {
			if !seen[s.Key()] {
				seen[s.Key()] = true
				keys = append(keys, s.Key())
			}
		}
		for k := range replayed {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
		sortKeys(keys)
		for _, k := range keys {
			if _, err := tx.LockSnapshot(ctx, k); err != nil {
				return err
			}
		}

		// Re-read under the locks; entries may have landed meanwhile.
		if entries, err = tx.ListEntries(ctx, EntryFilter{}); err != nil {
			return err
		}
		replayed = Replay(entries)
		if stored, err = tx.ListSnapshots(ctx, SnapshotFilter{}); err != nil {
			return err
		}
		repaired = diff(stored, replayed)

		snaps := make([]StockSnapshot, 0, len(replayed))
		for _, s := range replayed {
			snaps = append(snaps, s)
		}
		sortSnapshots(snaps)
		return tx.ReplaceSnapshots(ctx, snaps)
	})
	if err != nil {
		return nil, err
	}
	return repaired, nil
}

func diff(stored []StockSnapshot, replayed map[SnapshotKey]StockSnapshot) []Drift {
	var out []Drift
	seen := make(map[SnapshotKey]bool, len(stored))
	for _, s := range stored {
		k := s.Key()
		seen[k] = true
		r, ok := replayed[k]
		if !ok {
			r = StockSnapshot{ProductID: k.ProductID, LocationID: k.LocationID}
		}
		if !s.SameQuantities(r) {
			out = append(out, Drift{Key: k, Stored: s, Replayed: r})
		}
	}
	for k, r := range replayed {
		if seen[k] {
			continue
		}
		zero := StockSnapshot{ProductID: k.ProductID, LocationID: k.LocationID}
		if !zero.SameQuantities(r) {
			out = append(out, Drift{Key: k, Stored: zero, Replayed: r})
		}
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i].Key, out[j].Key) })
	return out
}

func keyLess(a, b SnapshotKey) bool {
	if a.ProductID != b.ProductID {
		return a.ProductID < b.ProductID
	}
	return a.LocationID < b.LocationID
}

func sortKeys(keys []SnapshotKey) {
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
}

func sortSnapshots(snaps []StockSnapshot) {
	sort.Slice(snaps, func(i, j int) bool { return keyLess(snaps[i].Key(), snaps[j].Key()) })
}
