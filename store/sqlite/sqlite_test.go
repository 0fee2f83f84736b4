package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/till-engine/till"
	"github.com/warp/till-engine/till/tilltest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLite(t *testing.T) {
	tilltest.Run(t, func(t *testing.T) till.TxStore { return newTestStore(t) })
}

func TestSQLite_FileDatabase(t *testing.T) {
	// WAL mode only applies to file databases; run the suite there too.
	tilltest.Run(t, func(t *testing.T) till.TxStore {
		store, err := New(filepath.Join(t.TempDir(), "till.db"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func seedOpenTill(t *testing.T, store *Store) till.TillSession {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.SaveTerminal(ctx, till.Terminal{ID: "T1", TenantID: "acme", CreatedAt: time.Now()}))
	sess := till.TillSession{
		ID:             "till-1",
		TenantID:       "acme",
		TerminalID:     "T1",
		OpenedByUserID: "alice",
		OpenedAt:       time.Date(2025, 3, 10, 8, 0, 0, 123456000, time.UTC),
		OpeningFloat:   till.MustMoney("100.00"),
		Status:         till.StatusOpen,
		Notes:          "morning shift",
	}
	require.NoError(t, store.InsertSession(ctx, sess))
	return sess
}

func TestSQLite_SessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sess := seedOpenTill(t, store)

	got, err := store.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.OpenedAt, got.OpenedAt)
	assert.True(t, sess.OpeningFloat.Equal(got.OpeningFloat))
	assert.Equal(t, "morning shift", got.Notes)
	assert.Nil(t, got.ClosedAt)
	assert.Nil(t, got.OverShort)
}

func TestSQLite_LedgerIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sess := seedOpenTill(t, store)

	m, err := store.AppendMovement(ctx, till.Movement{
		ID: "m1", TillID: sess.ID, Kind: till.KindSale, Amount: till.MustMoney("5.00"),
		RecordedBy: "alice", RecordedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Positive(t, m.Seq)

	// WHEN: something bypasses the store and edits the ledger
	_, err = store.db.ExecContext(ctx, `UPDATE till_movements SET amount = '500.00' WHERE id = 'm1'`)
	// THEN: the database refuses
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = store.db.ExecContext(ctx, `DELETE FROM till_movements WHERE id = 'm1'`)
	require.Error(t, err)

	movements, err := store.Movements(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, "5.00", movements[0].Amount.String())
}

func TestSQLite_ClosedSessionIsImmutable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sess := seedOpenTill(t, store)

	closedAt := time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC)
	counted, expected, over := till.MustMoney("101.00"), till.MustMoney("100.00"), till.MustMoney("1.00")
	closed := sess
	closed.Status = till.StatusClosed
	closed.ClosedByUserID = "bob"
	closed.ClosedAt = &closedAt
	closed.ClosingCashActual = &counted
	closed.ExpectedCash = &expected
	closed.OverShort = &over
	require.NoError(t, store.CloseSession(ctx, closed))

	assert.ErrorIs(t, store.CloseSession(ctx, closed), till.ErrSessionNotOpen)

	_, err := store.db.ExecContext(ctx, `UPDATE till_sessions SET over_short = '0.00' WHERE id = ?`, sess.ID)
	require.Error(t, err)

	_, err = store.AppendMovement(ctx, till.Movement{
		ID: "late", TillID: sess.ID, Kind: till.KindSale, Amount: till.MustMoney("1.00"),
		RecordedBy: "alice", RecordedAt: time.Now(),
	})
	assert.ErrorIs(t, err, till.ErrSessionNotOpen)

	got, err := store.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, till.StatusClosed, got.Status)
	assert.Equal(t, "1.00", got.OverShort.String())
	assert.Equal(t, closedAt, *got.ClosedAt)
	assert.Equal(t, till.UserID("bob"), got.ClosedByUserID)
}

func TestSQLite_OneOpenTillPerTerminal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sess := seedOpenTill(t, store)

	second := sess
	second.ID = "till-2"
	assert.ErrorIs(t, store.InsertSession(ctx, second), till.ErrDuplicateOpenTill)
}

func TestSQLite_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sess := seedOpenTill(t, store)

	err := store.WithTx(ctx, func(tx till.Store) error {
		_, err := tx.AppendMovement(ctx, till.Movement{
			ID: "m1", TillID: sess.ID, Kind: till.KindSale, Amount: till.MustMoney("1.00"),
			RecordedBy: "alice", RecordedAt: time.Now(), IdempotencyKey: "k1",
		})
		require.NoError(t, err)
		_, err = tx.AppendMovement(ctx, till.Movement{
			ID: "m2", TillID: sess.ID, Kind: till.KindSale, Amount: till.MustMoney("1.00"),
			RecordedBy: "alice", RecordedAt: time.Now(), IdempotencyKey: "k1",
		})
		return err
	})
	assert.ErrorIs(t, err, till.ErrDuplicateIdempotencyKey)

	movements, err := store.Movements(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, movements)
}
