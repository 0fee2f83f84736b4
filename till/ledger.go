/*
ledger.go - Append-only movement log for one till session

PURPOSE:
  The Ledger is the immutable source of truth for cash movements. Expected
  cash is never stored while a session is open; it is always computed by
  replaying the movements, so there is no running balance to drift.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. IMMUTABLE: Once written, a movement cannot be modified
  3. ORDERED: Movements replay in insertion order (Seq)
  4. IDEMPOTENT: A repeated idempotency key never yields a second movement

CORRECTIONS:
  A wrong sale is not edited. A compensating movement (a refund, or a
  cash_in against a mistaken cash_out) is appended and both stay on record.

SEE ALSO:
  - store.go: MovementStore persistence
  - reconcile.go: Tally and expected cash over the replayed movements
*/
package till

import "context"

// Ledger wraps a MovementStore with idempotency checks.
type Ledger struct {
	Store MovementStore
}

func NewLedger(store MovementStore) *Ledger {
	return &Ledger{Store: store}
}

// Append adds a movement. Fails with ErrDuplicateIdempotencyKey if the till
// already holds the key. This is the ONLY write operation.
func (l *Ledger) Append(ctx context.Context, m Movement) (Movement, error) {
	if m.IdempotencyKey != "" {
		exists, err := l.Store.MovementExists(ctx, m.TillID, m.IdempotencyKey)
		if err != nil {
			return Movement{}, err
		}
		if exists {
			return Movement{}, ErrDuplicateIdempotencyKey
		}
	}
	return l.Store.AppendMovement(ctx, m)
}

// Movements returns the till's movements in insertion order. Read-only.
func (l *Ledger) Movements(ctx context.Context, tillID TillID) ([]Movement, error) {
	return l.Store.Movements(ctx, tillID)
}
