/*
reconcile.go - Expected cash and over/short computation

PURPOSE:
  Pure functions that turn an opening float and a movement list into the
  figures a cashier sees at close. No I/O, no clock, no state.

FORMULA:
  expectedCash = openingFloat + sales + cashIn - refunds - cashOut - payouts
  overShort    = closingCashActual - expectedCash

  overShort > 0 means the drawer holds more than expected (over),
  overShort < 0 means it holds less (short).

DETERMINISM:
  All arithmetic is exact decimal. Sums are commutative, so the result does
  not depend on the order movements were appended, and replaying the same
  ledger always yields the same figures.

SEE ALSO:
  - ledger.go: Source of the movements
  - service.go: Stamps the figures on close
*/
package till

// Totals holds the per-kind sums of a ledger. All fields are non-negative magnitudes.
type Totals struct {
	Sales   Money
	Refunds Money
	CashIn  Money
	CashOut Money
	Payouts Money
	Count   int
}

// Net is the signed sum of all movements.
func (t Totals) Net() Money {
	return t.Sales.Add(t.CashIn).Sub(t.Refunds).Sub(t.CashOut).Sub(t.Payouts)
}

// Tally sums movements by kind.
func Tally(movements []Movement) Totals {
	t := Totals{Sales: Zero, Refunds: Zero, CashIn: Zero, CashOut: Zero, Payouts: Zero}
	for _, m := range movements {
		switch m.Kind {
		case KindSale:
			t.Sales = t.Sales.Add(m.Amount)
		case KindRefund:
			t.Refunds = t.Refunds.Add(m.Amount)
		case KindCashIn:
			t.CashIn = t.CashIn.Add(m.Amount)
		case KindCashOut:
			t.CashOut = t.CashOut.Add(m.Amount)
		case KindPayout:
			t.Payouts = t.Payouts.Add(m.Amount)
		}
		t.Count++
	}
	return t
}

// ExpectedCash is the cash the drawer should hold given the float and movements.
func ExpectedCash(openingFloat Money, movements []Movement) Money {
	return openingFloat.Add(Tally(movements).Net())
}

// OverShort is counted minus expected.
func OverShort(counted, expected Money) Money {
	return counted.Sub(expected)
}

// Result classifies an over/short figure.
type Result string

const (
	ResultBalanced Result = "balanced"
	ResultOver     Result = "over"
	ResultShort    Result = "short"
)

func Classify(overShort Money) Result {
	switch {
	case overShort.IsPositive():
		return ResultOver
	case overShort.IsNegative():
		return ResultShort
	default:
		return ResultBalanced
	}
}

// =============================================================================
// SUMMARY
// =============================================================================

// Summary is the derived view of a session. ClosingCashActual, OverShort and
// Result are set only for closed sessions.
type Summary struct {
	TillID        TillID
	TerminalID    TerminalID
	Status        Status
	OpeningFloat  Money
	Sales         Money
	Refunds       Money
	CashIn        Money
	CashOut       Money
	Payouts       Money
	ExpectedCash  Money
	MovementCount int

	ClosingCashActual *Money
	OverShort         *Money
	Result            Result
}

// Summarize builds the summary of s from its movements. For a closed session
// the persisted close figures are reported as stamped.
func Summarize(s TillSession, movements []Movement) Summary {
	t := Tally(movements)
	sum := Summary{
		TillID:        s.ID,
		TerminalID:    s.TerminalID,
		Status:        s.Status,
		OpeningFloat:  s.OpeningFloat,
		Sales:         t.Sales,
		Refunds:       t.Refunds,
		CashIn:        t.CashIn,
		CashOut:       t.CashOut,
		Payouts:       t.Payouts,
		ExpectedCash:  s.OpeningFloat.Add(t.Net()),
		MovementCount: t.Count,
	}
	if s.IsClosed() && s.ExpectedCash != nil {
		sum.ExpectedCash = *s.ExpectedCash
		sum.ClosingCashActual = s.ClosingCashActual
		sum.OverShort = s.OverShort
		if s.OverShort != nil {
			sum.Result = Classify(*s.OverShort)
		}
	}
	return sum
}

// =============================================================================
// REPLAY - Audit of persisted close figures
// =============================================================================

// ReplayReport compares the figures persisted at close against a fresh
// computation from the ledger.
type ReplayReport struct {
	TillID            TillID
	Recomputed        Money
	RecomputedOver    Money
	StoredExpected    Money
	StoredOverShort   Money
	ClosingCashActual Money
	Matches           bool
}

// Replay recomputes a closed session. s must be closed.
func Replay(s TillSession, movements []Movement) (ReplayReport, error) {
	if !s.IsClosed() || s.ExpectedCash == nil || s.ClosingCashActual == nil || s.OverShort == nil {
		return ReplayReport{}, &InvalidStateError{TillID: s.ID, Status: s.Status, Op: "replay"}
	}
	expected := ExpectedCash(s.OpeningFloat, movements)
	over := OverShort(*s.ClosingCashActual, expected)
	return ReplayReport{
		TillID:            s.ID,
		Recomputed:        expected,
		RecomputedOver:    over,
		StoredExpected:    *s.ExpectedCash,
		StoredOverShort:   *s.OverShort,
		ClosingCashActual: *s.ClosingCashActual,
		Matches:           expected.Equal(*s.ExpectedCash) && over.Equal(*s.OverShort),
	}, nil
}
