// Package tilltest holds the behavioural suite every till.TxStore must pass.
// Store packages call Run from their own tests with a constructor for a fresh,
// empty store.
package tilltest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/till-engine/till"
)

// NewStore returns a fresh, empty store for one test.
type NewStore func(t *testing.T) till.TxStore

var base = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

// Clock is a deterministic time source that advances one second per call.
type Clock struct {
	ticks atomic.Int64
}

func (c *Clock) Now() time.Time {
	return base.Add(time.Duration(c.ticks.Add(1)) * time.Second)
}

// Fixture is a service over a fresh store with one registered terminal.
type Fixture struct {
	Service *till.Service
	Store   till.TxStore
	Scope   till.Scope
	Clock   *Clock
}

// Setup builds a Fixture with terminal "T1" registered to tenant "acme".
func Setup(t *testing.T, newStore NewStore) *Fixture {
	t.Helper()
	store := newStore(t)
	clock := &Clock{}
	svc := till.NewService(store, till.WithClock(clock.Now))
	scope := till.Scope{TenantID: "acme", TerminalID: "T1", UserID: "alice"}

	_, err := svc.RegisterTerminal(context.Background(), scope, scope.TerminalID, "Front counter")
	require.NoError(t, err)

	return &Fixture{Service: svc, Store: store, Scope: scope, Clock: clock}
}

// Open opens a till with the given float on the fixture terminal.
func (f *Fixture) Open(t *testing.T, float string) till.TillSession {
	t.Helper()
	sess, err := f.Service.OpenTill(context.Background(), f.Scope, till.OpenInput{OpeningFloat: till.MustMoney(float)})
	require.NoError(t, err)
	return sess
}

// Record appends a movement and fails the test on error.
func (f *Fixture) Record(t *testing.T, id till.TillID, kind till.Kind, amount string) till.Recorded {
	t.Helper()
	rec, err := f.Service.RecordMovement(context.Background(), f.Scope, id, till.MovementInput{Kind: kind, Amount: till.MustMoney(amount)})
	require.NoError(t, err)
	return rec
}

func money(s string) till.Money { return till.MustMoney(s) }

// Run executes the full suite against stores built by newStore.
func Run(t *testing.T, newStore NewStore) {
	t.Run("ExampleScenario", func(t *testing.T) { testExampleScenario(t, newStore) })
	t.Run("SingleActiveSession", func(t *testing.T) { testSingleActiveSession(t, newStore) })
	t.Run("ConcurrentOpens", func(t *testing.T) { testConcurrentOpens(t, newStore) })
	t.Run("ReopenAfterClose", func(t *testing.T) { testReopenAfterClose(t, newStore) })
	t.Run("NoMovementAfterClose", func(t *testing.T) { testNoMovementAfterClose(t, newStore) })
	t.Run("NoDoubleClose", func(t *testing.T) { testNoDoubleClose(t, newStore) })
	t.Run("BalancedClose", func(t *testing.T) { testBalancedClose(t, newStore) })
	t.Run("DecimalExactness", func(t *testing.T) { testDecimalExactness(t, newStore) })
	t.Run("AppendOnlyLedger", func(t *testing.T) { testAppendOnlyLedger(t, newStore) })
	t.Run("IdempotencyKey", func(t *testing.T) { testIdempotencyKey(t, newStore) })
	t.Run("ConcurrentMovements", func(t *testing.T) { testConcurrentMovements(t, newStore) })
	t.Run("MovementRacingClose", func(t *testing.T) { testMovementRacingClose(t, newStore) })
	t.Run("ActiveTill", func(t *testing.T) { testActiveTill(t, newStore) })
	t.Run("ScopeIsolation", func(t *testing.T) { testScopeIsolation(t, newStore) })
	t.Run("Validation", func(t *testing.T) { testValidation(t, newStore) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore) })
	t.Run("History", func(t *testing.T) { testHistory(t, newStore) })
	t.Run("StaleTills", func(t *testing.T) { testStaleTills(t, newStore) })
	t.Run("Replay", func(t *testing.T) { testReplay(t, newStore) })
	t.Run("Terminals", func(t *testing.T) { testTerminals(t, newStore) })
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func testExampleScenario(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	f := Setup(t, newStore)

	// GIVEN: a till opened with a 100.00 float
	sess := f.Open(t, "100.00")
	assert.Equal(t, till.StatusOpen, sess.Status)
	assert.Equal(t, till.UserID("alice"), sess.OpenedByUserID)

	// WHEN: sale 50, refund 10, cash out 20
	f.Record(t, sess.ID, till.KindSale, "50.00")
	f.Record(t, sess.ID, till.KindRefund, "10.00")
	f.Record(t, sess.ID, till.KindCashOut, "20.00")

	// THEN: expected cash is 120.00
	sum, err := f.Service.Summary(ctx, f.Scope, sess.ID)
	require.NoError(t, err)
	assert.True(t, sum.ExpectedCash.Equal(money("120.00")), "expected 120.00, got %s", sum.ExpectedCash)
	assert.Equal(t, 3, sum.MovementCount)
	assert.Nil(t, sum.OverShort)

	// WHEN: closing with 125.00 counted
	closing, err := f.Service.CloseTill(ctx, f.Scope, sess.ID, till.CloseInput{ClosingCashActual: money("125.00")})
	require.NoError(t, err)

	// THEN: over by 5.00 and CLOSED
	assert.Equal(t, till.StatusClosed, closing.Session.Status)
	require.NotNil(t, closing.Session.OverShort)
	assert.Equal(t, "5.00", closing.Session.OverShort.String())
	assert.Equal(t, "120.00", closing.Session.ExpectedCash.String())
	assert.Equal(t, "125.00", closing.Session.ClosingCashActual.String())
	assert.Equal(t, till.ResultOver, closing.Summary.Result)

	// AND: the persisted session carries the same figures
	stored, err := f.Service.GetTill(ctx, f.Scope, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, till.StatusClosed, stored.Status)
	require.NotNil(t, stored.ClosedAt)
	assert.Equal(t, "5.00", stored.OverShort.String())
	assert.Equal(t, till.UserID("alice"), stored.ClosedByUserID)
}

func testSingleActiveSession(t *testing.T, newStore NewStore) {
	f := Setup(t, newStore)
	first := f.Open(t, "50.00")

	_, err := f.Service.OpenTill(context.Background(), f.Scope, till.OpenInput{OpeningFloat: money("10.00")})
	require.Error(t, err)
	assert.ErrorIs(t, err, till.ErrConflict)

	var conflict *till.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, first.ID, conflict.ExistingTillID)

	active, ok, err := f.Service.ActiveTill(context.Background(), f.Scope)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID, active.ID)
}

func testConcurrentOpens(t *testing.T, newStore NewStore) {
	f := Setup(t, newStore)
	const workers = 16

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		conflicts atomic.Int32
		others    = make(chan error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Service.OpenTill(context.Background(), f.Scope, till.OpenInput{OpeningFloat: money("100.00")})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, till.ErrConflict):
				conflicts.Add(1)
			default:
				others <- err
			}
		}()
	}
	wg.Wait()
	close(others)

	for err := range others {
		t.Errorf("unexpected error: %v", err)
	}
	assert.Equal(t, int32(1), succeeded.Load(), "exactly one open must succeed")
	assert.Equal(t, int32(workers-1), conflicts.Load())
}

func testReopenAfterClose(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	f := Setup(t, newStore)
	first := f.Open(t, "100.00")
	_, err := f.Service.CloseTill(ctx, f.Scope, first.ID, till.CloseInput{ClosingCashActual: money("100.00")})
	require.NoError(t, err)

	second := f.Open(t, "80.00")
	assert.NotEqual(t, first.ID, second.ID)
}

func testNoMovementAfterClose(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	f := Setup(t, newStore)
	sess := f.Open(t, "100.00")
	f.Record(t, sess.ID, till.KindSale, "5.00")
	_, err := f.Service.CloseTill(ctx, f.Scope, sess.ID, till.CloseInput{ClosingCashActual: money("105.00")})
	require.NoError(t, err)

	_, err = f.Service.RecordMovement(ctx, f.Scope, sess.ID, till.MovementInput{Kind: till.KindSale, Amount: money("1.00")})
	require.Error(t, err)
	assert.ErrorIs(t, err, till.ErrInvalidState)

	movements, err := f.Service.Movements(ctx, f.Scope, sess.ID)
	require.NoError(t, err)
	assert.Len(t, movements, 1, "rejected movement must not reach the ledger")
}

func testNoDoubleClose(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	f := Setup(t, newStore)
	sess := f.Open(t, "100.00")
	_, err := f.Service.CloseTill(ctx, f.Scope, sess.ID, till.CloseInput{ClosingCashActual: money("90.00")})
	require.NoError(t, err)

	_, err = f.Service.CloseTill(ctx, f.Scope, sess.ID, till.CloseInput{ClosingCashActual: money("100.00")})
	require.Error(t, err)
	assert.ErrorIs(t, err, till.ErrInvalidState)

	// First close figures are unchanged.
	stored, err := f.Service.GetTill(ctx, f.Scope, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "90.00", stored.ClosingCashActual.String())
	assert.Equal(t, "-10.00", stored.OverShort.String())
}

func testBalancedClose(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	f := Setup(t, newStore)
	sess := f.Open(t, "200.00")
	f.Record(t, sess.ID, till.KindSale, "19.99")
	f.Record(t, sess.ID, till.KindCashIn, "50.00")
	f.Record(t, sess.ID, till.KindPayout, "12.49")

	sum, err := f.Service.Summary(ctx, f.Scope, sess.ID)
	require.NoError(t, err)

	closing, err := f.Service.CloseTill(ctx, f.Scope, sess.ID, till.CloseInput{ClosingCashActual: sum.ExpectedCash})
	require.NoError(t, err)
	assert.True(t, closing.Session.OverShort.IsZero())
	assert.Equal(t, till.ResultBalanced, closing.Summary.Result)
	assert.Equal(t, "257.50", closing.Session.ExpectedCash.String())
}

func testDecimalExactness(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	f := Setup(t, newStore)
	sess := f.Open(t, "0.00")

	for i := 0; i < 1000; i++ {
		f.Record(t, sess.ID, till.KindSale, "0.01")
	}

	sum, err := f.Service.Summary(ctx, f.Scope, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1000, sum.MovementCount)
	assert.True(t, sum.ExpectedCash.Equal(money("10.00")), "got %s", sum.ExpectedCash)
}

func testAppendOnlyLedger(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	f := Setup(t, newStore)
	sess := f.Open(t, "100.00")
	a := f.Record(t, sess.ID, till.KindSale, "10.00")
	b := f.Record(t, sess.ID, till.KindRefund, "2.50")

	before, err := f.Service.Movements(ctx, f.Scope, sess.ID)
	require.NoError(t, err)
	require.Len(t, before, 2)
	assert.Equal(t, a.Movement.ID, before[0].ID)
	assert.Equal(t, b.Movement.ID, before[1].ID)
	assert.Less(t, before[0].Seq, before[1].Seq)

	// Reads have no effect.
	first, err := f.Service.Summary(ctx, f.Scope, sess.ID)
	require.NoError(t, err)
	second, err := f.Service.Summary(ctx, f.Scope, sess.ID)
	require.NoError(t, err)
	assert.True(t, first.ExpectedCash.Equal(second.ExpectedCash))
	assert.Equal(t, first.MovementCount, second.MovementCount)

	c := f.Record(t, sess.ID, till.KindCashOut, "1.00")
	after, err := f.Service.Movements(ctx, f.Scope, sess.ID)
	require.NoError(t, err)
	require.Len(t, after, 3)
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.True(t, before[i].Amount.Equal(after[i].Amount))
		assert.Equal(t, before[i].Kind, after[i].Kind)
	}
	assert.Equal(t, c.Movement.ID, after[2].ID)
	assert.Equal(t, "106.50", c.Summary.ExpectedCash.String())
}

func testIdempotencyKey(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	f := Setup(t, newStore)
	sess := f.Open(t, "100.00")
	in := till.MovementInput{Kind: till.KindSale, Amount: money("7.00"), IdempotencyKey: "receipt-1001"}

	_, err := f.Service.RecordMovement(ctx, f.Scope, sess.ID, in)
	require.NoError(t, err)

	_, err = f.Service.RecordMovement(ctx, f.Scope, sess.ID, in)
	require.Error(t, err)
	assert.ErrorIs(t, err, till.ErrConflict)

	sum, err := f.Service.Summary(ctx, f.Scope, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.MovementCount)
	assert.Equal(t, "107.00", sum.ExpectedCash.String())

	// The same key is free on another till.
	_, err = f.Service.CloseTill(ctx, f.Scope, sess.ID, till.CloseInput{ClosingCashActual: money("107.00")})
	require.NoError(t, err)
	next := f.Open(t, "0.00")
	_, err = f.Service.RecordMovement(ctx, f.Scope, next.ID, in)
	assert.NoError(t, err)
}

func testConcurrentMovements(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	f := Setup(t, newStore)
	sess := f.Open(t, "10.00")
	const workers = 25

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.Service.RecordMovement(ctx, f.Scope, sess.ID, till.MovementInput{
				Kind:           till.KindSale,
				Amount:         money("1.25"),
				IdempotencyKey: fmt.Sprintf("sale-%d", i),
			})
			if err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}

	sum, err := f.Service.Summary(ctx, f.Scope, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, workers, sum.MovementCount)
	assert.Equal(t, "41.25", sum.ExpectedCash.String())
}

func testMovementRacingClose(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	f := Setup(t, newStore)
	sess := f.Open(t, "0.00")
	const workers = 20

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		closing  till.Closing
		closeErr error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Service.RecordMovement(ctx, f.Scope, sess.ID, till.MovementInput{Kind: till.KindSale, Amount: money("1.00")})
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, till.ErrInvalidState):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		closing, closeErr = f.Service.CloseTill(ctx, f.Scope, sess.ID, till.CloseInput{ClosingCashActual: money("0.00")})
	}()
	wg.Wait()

	require.NoError(t, closeErr)

	// Every accepted movement committed before the close and is reconciled by it.
	movements, err := f.Service.Movements(ctx, f.Scope, sess.ID)
	require.NoError(t, err)
	assert.Len(t, movements, int(accepted.Load()))
	assert.Equal(t, int(accepted.Load()), closing.Summary.MovementCount)
	assert.True(t, closing.Session.ExpectedCash.Equal(till.MoneyFromCents(int64(accepted.Load())*100)))
}

// =============================================================================
// DIRECTORY AND SCOPE
// =============================================================================

func testActiveTill(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	f := Setup(t, newStore)

	// No history: none, not an error.
	_, ok, err := f.Service.ActiveTill(ctx, f.Scope)
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown terminal: none, not an error.
	unknown := f.Scope
	unknown.TerminalID = "T-unknown"
	_, ok, err = f.Service.ActiveTill(ctx, unknown)
	require.NoError(t, err)
	assert.False(t, ok)

	sess := f.Open(t, "100.00")
	active, ok, err := f.Service.ActiveTill(ctx, f.Scope)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sess.ID, active.ID)

	_, err = f.Service.CloseTill(ctx, f.Scope, sess.ID, till.CloseInput{ClosingCashActual: money("100.00")})
	require.NoError(t, err)
	_, ok, err = f.Service.ActiveTill(ctx, f.Scope)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testScopeIsolation(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	f := Setup(t, newStore)
	sess := f.Open(t, "100.00")

	// A second terminal in the same tenant.
	other := f.Scope
	other.TerminalID = "T2"
	_, err := f.Service.RegisterTerminal(ctx, other, other.TerminalID, "Back counter")
	require.NoError(t, err)

	// Another tenant entirely.
	intruder := till.Scope{TenantID: "globex", TerminalID: "T1", UserID: "mallory"}

	_, err = f.Service.RecordMovement(ctx, other, sess.ID, till.MovementInput{Kind: till.KindSale, Amount: money("1.00")})
	assert.ErrorIs(t, err, till.ErrScope, "another terminal's session")

	_, err = f.Service.RecordMovement(ctx, intruder, sess.ID, till.MovementInput{Kind: till.KindSale, Amount: money("1.00")})
	assert.ErrorIs(t, err, till.ErrScope, "another tenant's session")

	_, err = f.Service.Summary(ctx, intruder, sess.ID)
	assert.ErrorIs(t, err, till.ErrScope)

	_, err = f.Service.CloseTill(ctx, intruder, sess.ID, till.CloseInput{ClosingCashActual: money("0.00")})
	assert.ErrorIs(t, err, till.ErrScope)

	_, err = f.Service.OpenTill(ctx, intruder, till.OpenInput{OpeningFloat: money("1.00")})
	assert.ErrorIs(t, err, till.ErrScope, "terminal owned by another tenant")

	_, _, err = f.Service.ActiveTill(ctx, intruder)
	assert.ErrorIs(t, err, till.ErrScope)

	// A tenant-level scope (no terminal) sees the session.
	tenantWide := till.Scope{TenantID: "acme", UserID: "manager"}
	_, err = f.Service.Summary(ctx, tenantWide, sess.ID)
	assert.NoError(t, err)

	// but cannot write to it.
	_, err = f.Service.RecordMovement(ctx, tenantWide, sess.ID, till.MovementInput{Kind: till.KindSale, Amount: money("1.00")})
	assert.ErrorIs(t, err, till.ErrValidation, "record without terminal")

	_, err = f.Service.CloseTill(ctx, tenantWide, sess.ID, till.CloseInput{ClosingCashActual: money("100.00")})
	assert.ErrorIs(t, err, till.ErrValidation, "close without terminal")

	// Nothing was written by the rejected calls.
	sum, err := f.Service.Summary(ctx, f.Scope, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.MovementCount)
	assert.Equal(t, till.StatusOpen, sum.Status)
}

func testValidation(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	f := Setup(t, newStore)

	tests := []struct {
		name string
		call func() error
	}{
		{"negative float", func() error {
			_, err := f.Service.OpenTill(ctx, f.Scope, till.OpenInput{OpeningFloat: money("-1.00")})
			return err
		}},
		{"float with three decimals", func() error {
			_, err := f.Service.OpenTill(ctx, f.Scope, till.OpenInput{OpeningFloat: money("1.005")})
			return err
		}},
		{"float above maximum", func() error {
			_, err := f.Service.OpenTill(ctx, f.Scope, till.OpenInput{OpeningFloat: money("10000000000000000.00")})
			return err
		}},
		{"missing tenant", func() error {
			_, err := f.Service.OpenTill(ctx, till.Scope{TerminalID: "T1", UserID: "alice"}, till.OpenInput{})
			return err
		}},
		{"missing terminal", func() error {
			_, err := f.Service.OpenTill(ctx, till.Scope{TenantID: "acme", UserID: "alice"}, till.OpenInput{})
			return err
		}},
		{"missing user", func() error {
			_, _, err := f.Service.ActiveTill(ctx, till.Scope{TenantID: "acme", TerminalID: "T1"})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), till.ErrValidation)
		})
	}

	sess := f.Open(t, "10.00")
	movementCases := []struct {
		name string
		in   till.MovementInput
	}{
		{"zero amount", till.MovementInput{Kind: till.KindSale, Amount: money("0")}},
		{"negative amount", till.MovementInput{Kind: till.KindSale, Amount: money("-5.00")}},
		{"unknown kind", till.MovementInput{Kind: "tip", Amount: money("5.00")}},
		{"sub-cent amount", till.MovementInput{Kind: till.KindSale, Amount: money("0.001")}},
		{"amount above maximum", till.MovementInput{Kind: till.KindSale, Amount: money("10000000000000000.00")}},
		{"huge exponent", till.MovementInput{Kind: till.KindSale, Amount: money("1e2000000")}},
	}
	for _, tc := range movementCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.Service.RecordMovement(ctx, f.Scope, sess.ID, tc.in)
			assert.ErrorIs(t, err, till.ErrValidation)
		})
	}

	_, err := f.Service.CloseTill(ctx, f.Scope, sess.ID, till.CloseInput{ClosingCashActual: money("-0.01")})
	assert.ErrorIs(t, err, till.ErrValidation)

	_, err = f.Service.CloseTill(ctx, f.Scope, sess.ID, till.CloseInput{ClosingCashActual: money("1e20")})
	assert.ErrorIs(t, err, till.ErrValidation)

	// The largest accepted amount round-trips exactly through the store.
	top, err := f.Service.RecordMovement(ctx, f.Scope, sess.ID, till.MovementInput{Kind: till.KindSale, Amount: till.MaxMoney})
	require.NoError(t, err)
	assert.Equal(t, "9999999999999999.99", top.Movement.Amount.String())

	// camelCase kinds are accepted and stored canonically.
	rec, err := f.Service.RecordMovement(ctx, f.Scope, sess.ID, till.MovementInput{Kind: "cashIn", Amount: money("3.00")})
	require.NoError(t, err)
	assert.Equal(t, till.KindCashIn, rec.Movement.Kind)
}

func testNotFound(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	f := Setup(t, newStore)

	_, err := f.Service.Summary(ctx, f.Scope, "missing")
	assert.True(t, till.IsNotFound(err))

	_, err = f.Service.RecordMovement(ctx, f.Scope, "missing", till.MovementInput{Kind: till.KindSale, Amount: money("1.00")})
	assert.True(t, till.IsNotFound(err))

	_, err = f.Service.CloseTill(ctx, f.Scope, "missing", till.CloseInput{ClosingCashActual: money("1.00")})
	assert.True(t, till.IsNotFound(err))

	unregistered := f.Scope
	unregistered.TerminalID = "T9"
	_, err = f.Service.OpenTill(ctx, unregistered, till.OpenInput{OpeningFloat: money("1.00")})
	assert.True(t, till.IsNotFound(err))

	// The failed open left no session behind.
	_, ok, err := f.Service.ActiveTill(ctx, unregistered)
	require.NoError(t, err)
	assert.False(t, ok)
}

// =============================================================================
// SUPPORTING OPERATIONS
// =============================================================================

func testHistory(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	f := Setup(t, newStore)

	var ids []till.TillID
	for i := 0; i < 3; i++ {
		sess := f.Open(t, "10.00")
		_, err := f.Service.CloseTill(ctx, f.Scope, sess.ID, till.CloseInput{ClosingCashActual: money("10.00")})
		require.NoError(t, err)
		ids = append(ids, sess.ID)
	}
	current := f.Open(t, "10.00")

	history, err := f.Service.TillHistory(ctx, f.Scope, 0)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, current.ID, history[0].ID, "newest first")
	assert.Equal(t, ids[0], history[3].ID)

	limited, err := f.Service.TillHistory(ctx, f.Scope, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testStaleTills(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	f := Setup(t, newStore)
	sess := f.Open(t, "10.00")

	// The clock advances one second per call, so the till is a few seconds old.
	stale, err := f.Service.StaleTills(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stale)

	for i := 0; i < 3700; i++ {
		f.Clock.Now()
	}
	stale, err = f.Service.StaleTills(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, sess.ID, stale[0].ID)

	_, err = f.Service.CloseTill(ctx, f.Scope, sess.ID, till.CloseInput{ClosingCashActual: money("10.00")})
	require.NoError(t, err)
	stale, err = f.Service.StaleTills(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func testReplay(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	f := Setup(t, newStore)
	sess := f.Open(t, "100.00")
	f.Record(t, sess.ID, till.KindSale, "33.33")
	f.Record(t, sess.ID, till.KindPayout, "3.33")

	_, err := f.Service.Replay(ctx, f.Scope, sess.ID)
	assert.ErrorIs(t, err, till.ErrInvalidState, "open sessions have nothing to replay")

	_, err = f.Service.CloseTill(ctx, f.Scope, sess.ID, till.CloseInput{ClosingCashActual: money("129.00")})
	require.NoError(t, err)

	report, err := f.Service.Replay(ctx, f.Scope, sess.ID)
	require.NoError(t, err)
	assert.True(t, report.Matches)
	assert.Equal(t, "130.00", report.Recomputed.String())
	assert.Equal(t, "-1.00", report.StoredOverShort.String())
}

func testTerminals(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	f := Setup(t, newStore)

	_, err := f.Service.RegisterTerminal(ctx, f.Scope, "T1", "Duplicate")
	assert.ErrorIs(t, err, till.ErrConflict)

	generated, err := f.Service.RegisterTerminal(ctx, f.Scope, "", "Kiosk")
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID)

	other := till.Scope{TenantID: "globex", UserID: "bob"}
	_, err = f.Service.RegisterTerminal(ctx, other, "G1", "Globex till")
	require.NoError(t, err)

	terminals, err := f.Service.Terminals(ctx, f.Scope)
	require.NoError(t, err)
	assert.Len(t, terminals, 2)
	for _, term := range terminals {
		assert.Equal(t, till.TenantID("acme"), term.TenantID)
	}
}
