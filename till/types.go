/*
Package till provides the till session engine for a multi-tenant point of sale.

PURPOSE:
  A till session is one cash-drawer work period at one terminal, bounded by an
  open and a close. While the session is open, cash-affecting movements (sales,
  refunds, cash-in, cash-out, payouts) are appended to its ledger. At close the
  expected cash is derived from the opening float plus the ledger and compared
  with the counted cash; the difference (over/short) is stamped permanently.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: exact decimal amount (never float64)
  - TillSession: the drawer work period and its close-time figures
  - Movement: an immutable ledger entry; the Kind carries the sign
  - Terminal: the unit of till exclusivity, owned by exactly one tenant

DESIGN PRINCIPLES:
  1. One open session per terminal, enforced by the store
  2. Movements are append-only; corrections are new movements
  3. Expected cash is always recomputed from the ledger, never stored while open
  4. Every operation carries an explicit Scope (tenant, terminal, user)

SEE ALSO:
  - service.go: State machine (open, record movement, close)
  - reconcile.go: Expected cash and over/short computation
  - ledger.go: Append-only movement ledger
  - store.go: Persistence interfaces
*/
package till

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Exact decimal amounts
// =============================================================================

// MoneyScale is the number of fractional digits accepted on input amounts.
const MoneyScale = 2

// Money is an exact decimal monetary amount in the tenant's currency.
type Money struct {
	Value decimal.Decimal
}

// Zero is the zero amount.
var Zero = Money{Value: decimal.Zero}

// maxIntegerDigits is the integer part of a NUMERIC(18,2) column.
const maxIntegerDigits = 16

// MaxMoney is the largest magnitude accepted on input, the NUMERIC(18,2) ceiling.
var MaxMoney = Money{Value: decimal.RequireFromString("9999999999999999.99")}

func NewMoney(d decimal.Decimal) Money { return Money{Value: d} }

// MoneyFromCents builds an amount from minor units.
func MoneyFromCents(cents int64) Money {
	return Money{Value: decimal.New(cents, -MoneyScale)}
}

// ParseMoney parses a decimal string such as "120.00".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("parse money %q: %w", s, err)
	}
	return Money{Value: d}, nil
}

// MustMoney parses s and panics on malformed input. Intended for constants and tests.
func MustMoney(s string) Money {
	return Money{Value: decimal.RequireFromString(s)}
}

func (m Money) Add(o Money) Money         { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money         { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) Neg() Money                { return Money{Value: m.Value.Neg()} }
func (m Money) IsZero() bool              { return m.Value.IsZero() }
func (m Money) IsNegative() bool          { return m.Value.IsNegative() }
func (m Money) IsPositive() bool          { return m.Value.IsPositive() }
func (m Money) Equal(o Money) bool        { return m.Value.Equal(o.Value) }
func (m Money) GreaterThan(o Money) bool  { return m.Value.GreaterThan(o.Value) }
func (m Money) LessThan(o Money) bool     { return m.Value.LessThan(o.Value) }
func (m Money) String() string            { return m.Value.StringFixed(MoneyScale) }
func (m Money) Float64() float64          { return m.Value.InexactFloat64() }

// InRange reports whether |m| does not exceed MaxMoney. The digit count is
// checked first so an input like 1e2000000 is never expanded.
func (m Money) InRange() bool {
	if m.IsZero() {
		return true
	}
	digits := m.Value.NumDigits() + int(m.Value.Exponent())
	switch {
	case digits > maxIntegerDigits:
		return false
	case digits < maxIntegerDigits:
		return true
	}
	return m.Value.Abs().LessThanOrEqual(MaxMoney.Value)
}

// HasValidScale reports whether m has no more than MoneyScale fractional digits.
func (m Money) HasValidScale() bool {
	exp := int(m.Value.Exponent())
	if exp >= -MoneyScale || m.IsZero() {
		return true
	}
	// Dropping more places than the coefficient has leaves a non-zero fraction.
	if m.Value.NumDigits() <= -exp-MoneyScale {
		return false
	}
	return m.Value.Equal(m.Value.Round(MoneyScale))
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type TerminalID string
type UserID string
type TillID string
type MovementID string

// =============================================================================
// SESSION STATUS
// =============================================================================

type Status string

const (
	// StatusPending marks a session that has not been created yet. Sessions
	// are stored directly as open, so no persisted session carries it.
	StatusPending Status = "pending"
	StatusOpen    Status = "open"
	StatusClosed  Status = "closed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusOpen, StatusClosed:
		return true
	}
	return false
}

// =============================================================================
// MOVEMENT KIND
// =============================================================================

type Kind string

const (
	KindSale    Kind = "sale"     // cash taken for a sale
	KindRefund  Kind = "refund"   // cash returned to a customer
	KindCashIn  Kind = "cash_in"  // cash added to the drawer (change top-up)
	KindCashOut Kind = "cash_out" // cash removed from the drawer (bank drop)
	KindPayout  Kind = "payout"   // cash paid to a third party (petty cash, supplier)
)

// Kinds lists every movement kind in display order.
var Kinds = []Kind{KindSale, KindRefund, KindCashIn, KindCashOut, KindPayout}

// ParseKind accepts the canonical snake_case names and the camelCase
// spellings used by older clients ("cashIn", "cashOut").
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "sale":
		return KindSale, true
	case "refund":
		return KindRefund, true
	case "cash_in", "cashIn":
		return KindCashIn, true
	case "cash_out", "cashOut":
		return KindCashOut, true
	case "payout":
		return KindPayout, true
	}
	return "", false
}

func (k Kind) Valid() bool {
	_, ok := ParseKind(string(k))
	return ok
}

// Inflow reports whether the kind increases the cash expected in the drawer.
func (k Kind) Inflow() bool {
	return k == KindSale || k == KindCashIn
}

// =============================================================================
// TERMINAL
// =============================================================================

// Terminal is a physical or logical register. It belongs to exactly one tenant.
type Terminal struct {
	ID        TerminalID
	TenantID  TenantID
	Name      string
	CreatedAt time.Time
}

// =============================================================================
// TILL SESSION
// =============================================================================

// TillSession is a cash-drawer work period at one terminal.
//
// The close fields (ClosedAt, ClosingCashActual, ExpectedCash, OverShort) are
// nil while the session is open and immutable once written.
type TillSession struct {
	ID             TillID
	TenantID       TenantID
	TerminalID     TerminalID
	OpenedByUserID UserID
	OpenedAt       time.Time
	OpeningFloat   Money
	Status         Status
	Notes          string

	ClosedByUserID    UserID
	ClosedAt          *time.Time
	ClosingCashActual *Money
	ExpectedCash      *Money
	OverShort         *Money
	ClosingNotes      string
}

func (s TillSession) IsOpen() bool   { return s.Status == StatusOpen }
func (s TillSession) IsClosed() bool { return s.Status == StatusClosed }

// requireOpen returns an InvalidStateError naming op when s is not open.
func (s TillSession) requireOpen(op string) error {
	if s.IsOpen() {
		return nil
	}
	return &InvalidStateError{TillID: s.ID, Status: s.Status, Op: op}
}

// closed returns a copy of s transitioned to closed with the close figures stamped.
func (s TillSession) closed(by UserID, at time.Time, counted, expected Money, notes string) TillSession {
	overShort := OverShort(counted, expected)
	s.Status = StatusClosed
	s.ClosedByUserID = by
	s.ClosedAt = &at
	s.ClosingCashActual = &counted
	s.ExpectedCash = &expected
	s.OverShort = &overShort
	s.ClosingNotes = notes
	return s
}

// =============================================================================
// MOVEMENT - Immutable ledger entry
// =============================================================================

// Movement is a single cash-affecting ledger entry. Amount is always a positive
// magnitude; Kind decides whether it adds to or subtracts from expected cash.
type Movement struct {
	ID             MovementID
	TillID         TillID
	Seq            int64 // insertion order within the store, assigned on append
	Kind           Kind
	Amount         Money
	Reference      string // linked receipt, invoice or document id
	Notes          string
	RecordedBy     UserID
	RecordedAt     time.Time
	IdempotencyKey string
}

// Delta is the signed effect of the movement on expected cash.
func (m Movement) Delta() Money {
	if m.Kind.Inflow() {
		return m.Amount
	}
	return m.Amount.Neg()
}
