/*
idempotency.go - Idempotency guard for top-level write operations

PURPOSE:
  A caller-supplied key makes a write safe to resubmit. The first call with
  a key runs and stores its result; every later call with the same key
  returns that stored result and changes nothing.

HOW IT AVOIDS RACES:
  The check and the mutation run in the SAME transaction. LockOperation
  takes a lock on the key itself, so two concurrent retries serialize:
  the second one waits, then finds the first one's record.

    retry A: lock(k) -> none  -> run -> put(k, result) -> commit -> unlock
    retry B: lock(k) ........ waits ...................... -> found -> replay

SCOPE:
  A key is bound to one operation name. Presenting it for a different
  operation is ErrIdempotencyKeyReused, not a replay.

  Ledger entries carry derived keys (see entryKey) under a uniqueness
  constraint - a second line of defence if a record were ever missing.
*/
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type Guard struct {
	now func() time.Time
}

// Check locks key and reports whether it is new. For a seen key the stored
// record is returned; it must belong to op.
func (g *Guard) Check(ctx context.Context, tx Tx, key, op string) (*OperationRecord, error) {
	rec, err := tx.LockOperation(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if rec.Operation != op {
		return nil, fmt.Errorf("%w: key %q belongs to %s, not %s", ErrIdempotencyKeyReused, key, rec.Operation, op)
	}
	return rec, nil
}

// Record stores the result of op under key. Call after the mutation, in the same tx.
func (g *Guard) Record(ctx context.Context, tx Tx, key, op string, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding %s result: %w", op, err)
	}
	return tx.PutOperation(ctx, OperationRecord{
		IdempotencyKey: key,
		Operation:      op,
		Result:         payload,
		CreatedAt:      g.now(),
	})
}

// guarded runs fn at most once per key. The bool reports a replay.
// An empty key disables the guard.
func guarded[T any](ctx context.Context, tx Tx, g *Guard, key, op string, fn func() (T, error)) (T, bool, error) {
	var zero T
	if key == "" {
		res, err := fn()
		return res, false, err
	}

	rec, err := g.Check(ctx, tx, key, op)
	if err != nil {
		return zero, false, err
	}
	if rec != nil {
		var prior T
		if err := json.Unmarshal(rec.Result, &prior); err != nil {
			return zero, false, fmt.Errorf("decoding stored %s result: %w", op, err)
		}
		return prior, true, nil
	}

	res, err := fn()
	if err != nil {
		return zero, false, err
	}
	if err := g.Record(ctx, tx, key, op, res); err != nil {
		return zero, false, err
	}
	return res, false, nil
}
