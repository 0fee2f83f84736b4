package postgres

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/till-engine/till"
	"github.com/warp/till-engine/till/tilltest"
)

var schemaSeq atomic.Int64

// newTestStore returns a store in a fresh schema, dropped when the test ends.
// Skipped unless TILL_TEST_PG_DSN is set.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TILL_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TILL_TEST_PG_DSN not set")
	}

	ctx := context.Background()
	schema := fmt.Sprintf("till_test_%d_%d", time.Now().UnixNano(), schemaSeq.Add(1))
	store, err := New(ctx, Config{DSN: dsn, Schema: schema})
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = store.db.ExecContext(context.Background(), `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
		store.Close()
	})
	return store
}

func TestPostgres(t *testing.T) {
	tilltest.Run(t, func(t *testing.T) till.TxStore { return newTestStore(t) })
}

func TestPostgres_LedgerIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	svc := till.NewService(store)
	scope := till.Scope{TenantID: "acme", TerminalID: "T1", UserID: "alice"}

	_, err := svc.RegisterTerminal(ctx, scope, scope.TerminalID, "Front")
	require.NoError(t, err)
	sess, err := svc.OpenTill(ctx, scope, till.OpenInput{OpeningFloat: till.MustMoney("10.00")})
	require.NoError(t, err)
	rec, err := svc.RecordMovement(ctx, scope, sess.ID, till.MovementInput{Kind: till.KindSale, Amount: till.MustMoney("2.00")})
	require.NoError(t, err)

	// WHEN: something bypasses the store and edits the ledger
	_, err = store.db.ExecContext(ctx, `UPDATE till_movements SET amount = 200 WHERE id = $1`, string(rec.Movement.ID))
	// THEN: the trigger refuses
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = store.db.ExecContext(ctx, `DELETE FROM till_sessions WHERE id = $1`, string(sess.ID))
	require.Error(t, err)
}

func TestPostgres_SessionLockedInsideTx(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	svc := till.NewService(store)
	scope := till.Scope{TenantID: "acme", TerminalID: "T1", UserID: "alice"}

	_, err := svc.RegisterTerminal(ctx, scope, scope.TerminalID, "Front")
	require.NoError(t, err)
	sess, err := svc.OpenTill(ctx, scope, till.OpenInput{OpeningFloat: till.MustMoney("10.00")})
	require.NoError(t, err)

	// GIVEN: a transaction holding the session row
	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.WithTx(ctx, func(tx till.Store) error {
			if _, err := tx.Session(ctx, sess.ID); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	// WHEN: a close is attempted concurrently
	closed := make(chan error, 1)
	go func() {
		_, err := svc.CloseTill(ctx, scope, sess.ID, till.CloseInput{ClosingCashActual: till.MustMoney("10.00")})
		closed <- err
	}()

	// THEN: it waits for the lock holder
	select {
	case err := <-closed:
		t.Fatalf("close finished while the row was locked: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-closed)
}
