/*
service.go - Till session state machine

PURPOSE:
  Service is the only entry point that changes till state. Every operation
  takes an explicit Scope, validates its input, and runs as one atomic unit
  inside TxStore.WithTx. Either everything it writes commits, or nothing does.

STATE MACHINE:

    (none) --open--> OPEN --close--> CLOSED
                      |
                      +--record movement--> OPEN (session row untouched)

  - open:   terminal has no OPEN session; a second open is a ConflictError
  - record: session must be OPEN, else InvalidStateError
  - close:  session must be OPEN; a second close is an InvalidStateError
  - there is no reopen

  Open, record and close need a terminal in the scope, and the session must
  belong to it. A tenant-wide scope may only read.

CONCURRENCY:
  Open relies on the store's one-open-per-terminal constraint, so two racing
  opens cannot both commit. Record and close both read the session through
  the transaction (which locks it) and check status there. A movement racing
  a close therefore either commits first and is counted by the close, or sees
  CLOSED and is rejected.

SEE ALSO:
  - reconcile.go: Figures stamped on close
  - ledger.go: Movement append with idempotency
  - scope.go: Tenant and terminal checks
*/
package till

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	maxNotesLen     = 1000
	maxReferenceLen = 255
	maxKeyLen       = 255
	maxNameLen      = 120
)

// Service implements the till operations over a transactional store.
type Service struct {
	Store TxStore

	now   func() time.Time
	newID func() string
}

type Option func(*Service)

// WithClock overrides the time source used to stamp opens, movements and closes.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides how till, movement and terminal ids are generated.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func NewService(store TxStore, opts ...Option) *Service {
	s := &Service{
		Store: store,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// timestamp is UTC at microsecond precision so values round-trip through
// every store unchanged.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// =============================================================================
// INPUTS AND RESULTS
// =============================================================================

type OpenInput struct {
	OpeningFloat Money
	Notes        string
}

type MovementInput struct {
	Kind           Kind
	Amount         Money
	Reference      string
	Notes          string
	IdempotencyKey string
}

type CloseInput struct {
	ClosingCashActual Money
	Notes             string
}

// Recorded is the result of a successful RecordMovement.
type Recorded struct {
	Movement Movement
	Summary  Summary
}

// Closing is the result of a successful CloseTill.
type Closing struct {
	Session TillSession
	Summary Summary
}

// =============================================================================
// TERMINALS
// =============================================================================

// RegisterTerminal adds a terminal to the scoped tenant. An empty id is generated.
func (s *Service) RegisterTerminal(ctx context.Context, scope Scope, id TerminalID, name string) (Terminal, error) {
	if err := scope.ValidateTenant(); err != nil {
		return Terminal{}, err
	}
	name = strings.TrimSpace(name)
	if len(name) > maxNameLen {
		return Terminal{}, &ValidationError{Field: "name", Reason: fmt.Sprintf("longer than %d characters", maxNameLen)}
	}
	if id == "" {
		id = TerminalID(s.newID())
	}
	t := Terminal{ID: id, TenantID: scope.TenantID, Name: name, CreatedAt: s.timestamp()}

	err := s.Store.WithTx(ctx, func(tx Store) error {
		return tx.SaveTerminal(ctx, t)
	})
	if errors.Is(err, ErrDuplicateTerminal) {
		return Terminal{}, &ConflictError{TerminalID: id, Reason: fmt.Sprintf("terminal %s already registered", id)}
	}
	if err != nil {
		return Terminal{}, fmt.Errorf("register terminal: %w", err)
	}
	return t, nil
}

// Terminals lists the scoped tenant's terminals.
func (s *Service) Terminals(ctx context.Context, scope Scope) ([]Terminal, error) {
	if err := scope.ValidateTenant(); err != nil {
		return nil, err
	}
	terminals, err := s.Store.Terminals(ctx, scope.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list terminals: %w", err)
	}
	return terminals, nil
}

// scopedTerminal loads the scoped terminal and checks tenant ownership.
func scopedTerminal(ctx context.Context, store Store, scope Scope) (Terminal, error) {
	t, err := store.Terminal(ctx, scope.TerminalID)
	if errors.Is(err, ErrTerminalNotFound) {
		return Terminal{}, &NotFoundError{Resource: "terminal", ID: string(scope.TerminalID)}
	}
	if err != nil {
		return Terminal{}, fmt.Errorf("load terminal: %w", err)
	}
	if err := scope.ownsTerminal(t); err != nil {
		return Terminal{}, err
	}
	return t, nil
}

// scopedSession loads a session and checks it against the scope. Inside WithTx
// the returned row stays locked until the transaction ends.
func scopedSession(ctx context.Context, store Store, scope Scope, id TillID) (TillSession, error) {
	if id == "" {
		return TillSession{}, &ValidationError{Field: "till_id", Reason: "required"}
	}
	sess, err := store.Session(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return TillSession{}, &NotFoundError{Resource: "till", ID: string(id)}
	}
	if err != nil {
		return TillSession{}, fmt.Errorf("load till: %w", err)
	}
	if err := scope.ownsSession(sess); err != nil {
		return TillSession{}, err
	}
	return sess, nil
}

// =============================================================================
// OPEN
// =============================================================================

// OpenTill opens a session on the scoped terminal with the given float.
func (s *Service) OpenTill(ctx context.Context, scope Scope, in OpenInput) (TillSession, error) {
	if err := scope.ValidateTerminal(); err != nil {
		return TillSession{}, err
	}
	if err := validateAmount("opening_float", in.OpeningFloat, true); err != nil {
		return TillSession{}, err
	}
	if err := validateText("notes", in.Notes, maxNotesLen); err != nil {
		return TillSession{}, err
	}

	sess := TillSession{
		ID:             TillID(s.newID()),
		TenantID:       scope.TenantID,
		TerminalID:     scope.TerminalID,
		OpenedByUserID: scope.UserID,
		OpenedAt:       s.timestamp(),
		OpeningFloat:   in.OpeningFloat,
		Status:         StatusOpen,
		Notes:          in.Notes,
	}

	err := s.Store.WithTx(ctx, func(tx Store) error {
		if _, err := scopedTerminal(ctx, tx, scope); err != nil {
			return err
		}
		existing, ok, err := tx.ActiveSession(ctx, scope.TerminalID)
		if err != nil {
			return fmt.Errorf("check active till: %w", err)
		}
		if ok {
			return &ConflictError{TerminalID: scope.TerminalID, ExistingTillID: existing.ID}
		}
		// The check above is advisory; the store's unique constraint decides
		// between two concurrent opens.
		return tx.InsertSession(ctx, sess)
	})
	if errors.Is(err, ErrDuplicateOpenTill) {
		return TillSession{}, &ConflictError{TerminalID: scope.TerminalID, Reason: fmt.Sprintf("terminal %s already has an open till", scope.TerminalID)}
	}
	if err != nil {
		if IsClientError(err) {
			return TillSession{}, err
		}
		return TillSession{}, fmt.Errorf("open till: %w", err)
	}
	return sess, nil
}

// =============================================================================
// READS
// =============================================================================

// ActiveTill returns the open session on the scoped terminal. An unknown
// terminal, or one with no open session, yields (zero, false, nil).
func (s *Service) ActiveTill(ctx context.Context, scope Scope) (TillSession, bool, error) {
	if err := scope.ValidateTerminal(); err != nil {
		return TillSession{}, false, err
	}
	t, err := s.Store.Terminal(ctx, scope.TerminalID)
	if errors.Is(err, ErrTerminalNotFound) {
		return TillSession{}, false, nil
	}
	if err != nil {
		return TillSession{}, false, fmt.Errorf("load terminal: %w", err)
	}
	if err := scope.ownsTerminal(t); err != nil {
		return TillSession{}, false, err
	}
	return NewDirectory(s.Store).Active(ctx, scope.TenantID, scope.TerminalID)
}

// GetTill returns a session within scope.
func (s *Service) GetTill(ctx context.Context, scope Scope, id TillID) (TillSession, error) {
	if err := scope.ValidateTenant(); err != nil {
		return TillSession{}, err
	}
	return scopedSession(ctx, s.Store, scope, id)
}

// TillHistory lists the scoped terminal's sessions, newest first.
func (s *Service) TillHistory(ctx context.Context, scope Scope, limit int) ([]TillSession, error) {
	if err := scope.ValidateTerminal(); err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, &ValidationError{Field: "limit", Reason: "must not be negative"}
	}
	if _, err := scopedTerminal(ctx, s.Store, scope); err != nil {
		return nil, err
	}
	sessions, err := s.Store.Sessions(ctx, scope.TerminalID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tills: %w", err)
	}
	return sessions, nil
}

// Summary returns the derived figures of a session. For an open session the
// expected cash reflects every movement committed so far.
func (s *Service) Summary(ctx context.Context, scope Scope, id TillID) (Summary, error) {
	if err := scope.ValidateTenant(); err != nil {
		return Summary{}, err
	}
	sess, err := scopedSession(ctx, s.Store, scope, id)
	if err != nil {
		return Summary{}, err
	}
	movements, err := NewLedger(s.Store).Movements(ctx, id)
	if err != nil {
		return Summary{}, fmt.Errorf("load movements: %w", err)
	}
	return Summarize(sess, movements), nil
}

// Movements returns a session's ledger in insertion order.
func (s *Service) Movements(ctx context.Context, scope Scope, id TillID) ([]Movement, error) {
	if err := scope.ValidateTenant(); err != nil {
		return nil, err
	}
	if _, err := scopedSession(ctx, s.Store, scope, id); err != nil {
		return nil, err
	}
	movements, err := NewLedger(s.Store).Movements(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load movements: %w", err)
	}
	return movements, nil
}

// =============================================================================
// RECORD MOVEMENT
// =============================================================================

// RecordMovement appends a movement to an open session and returns it with
// the updated summary.
func (s *Service) RecordMovement(ctx context.Context, scope Scope, id TillID, in MovementInput) (Recorded, error) {
	if err := scope.ValidateTerminal(); err != nil {
		return Recorded{}, err
	}
	kind, ok := ParseKind(string(in.Kind))
	if !ok {
		return Recorded{}, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown movement kind %q", in.Kind)}
	}
	if err := validateAmount("amount", in.Amount, false); err != nil {
		return Recorded{}, err
	}
	if err := validateText("reference", in.Reference, maxReferenceLen); err != nil {
		return Recorded{}, err
	}
	if err := validateText("notes", in.Notes, maxNotesLen); err != nil {
		return Recorded{}, err
	}
	if err := validateText("idempotency_key", in.IdempotencyKey, maxKeyLen); err != nil {
		return Recorded{}, err
	}

	var out Recorded
	err := s.Store.WithTx(ctx, func(tx Store) error {
		sess, err := scopedSession(ctx, tx, scope, id)
		if err != nil {
			return err
		}
		if err := sess.requireOpen("record movement"); err != nil {
			return err
		}

		ledger := NewLedger(tx)
		m, err := ledger.Append(ctx, Movement{
			ID:             MovementID(s.newID()),
			TillID:         sess.ID,
			Kind:           kind,
			Amount:         in.Amount,
			Reference:      in.Reference,
			Notes:          in.Notes,
			RecordedBy:     scope.UserID,
			RecordedAt:     s.timestamp(),
			IdempotencyKey: in.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		movements, err := ledger.Movements(ctx, sess.ID)
		if err != nil {
			return fmt.Errorf("load movements: %w", err)
		}
		out = Recorded{Movement: m, Summary: Summarize(sess, movements)}
		return nil
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		return Recorded{}, &ConflictError{Reason: fmt.Sprintf("idempotency key %q already used on till %s", in.IdempotencyKey, id)}
	}
	if err != nil {
		if IsClientError(err) {
			return Recorded{}, err
		}
		return Recorded{}, fmt.Errorf("record movement: %w", err)
	}
	return out, nil
}

// =============================================================================
// CLOSE
// =============================================================================

// CloseTill reconciles and closes an open session. The expected cash, counted
// cash and over/short are stamped on the session and never change again.
func (s *Service) CloseTill(ctx context.Context, scope Scope, id TillID, in CloseInput) (Closing, error) {
	if err := scope.ValidateTerminal(); err != nil {
		return Closing{}, err
	}
	if err := validateAmount("closing_cash_actual", in.ClosingCashActual, true); err != nil {
		return Closing{}, err
	}
	if err := validateText("notes", in.Notes, maxNotesLen); err != nil {
		return Closing{}, err
	}

	var out Closing
	err := s.Store.WithTx(ctx, func(tx Store) error {
		sess, err := scopedSession(ctx, tx, scope, id)
		if err != nil {
			return err
		}
		if err := sess.requireOpen("close"); err != nil {
			return err
		}
		movements, err := NewLedger(tx).Movements(ctx, sess.ID)
		if err != nil {
			return fmt.Errorf("load movements: %w", err)
		}

		expected := ExpectedCash(sess.OpeningFloat, movements)
		closed := sess.closed(scope.UserID, s.timestamp(), in.ClosingCashActual, expected, in.Notes)
		if err := tx.CloseSession(ctx, closed); err != nil {
			if errors.Is(err, ErrSessionNotOpen) {
				return &InvalidStateError{TillID: sess.ID, Status: StatusClosed, Op: "close"}
			}
			return err
		}
		out = Closing{Session: closed, Summary: Summarize(closed, movements)}
		return nil
	})
	if err != nil {
		if IsClientError(err) {
			return Closing{}, err
		}
		return Closing{}, fmt.Errorf("close till: %w", err)
	}
	return out, nil
}

// =============================================================================
// AUDIT
// =============================================================================

// Replay recomputes a closed session from its ledger and reports whether the
// stamped figures still match.
func (s *Service) Replay(ctx context.Context, scope Scope, id TillID) (ReplayReport, error) {
	if err := scope.ValidateTenant(); err != nil {
		return ReplayReport{}, err
	}
	sess, err := scopedSession(ctx, s.Store, scope, id)
	if err != nil {
		return ReplayReport{}, err
	}
	movements, err := NewLedger(s.Store).Movements(ctx, id)
	if err != nil {
		return ReplayReport{}, fmt.Errorf("load movements: %w", err)
	}
	return Replay(sess, movements)
}

// StaleTills lists open sessions, across all tenants, opened more than
// olderThan ago.
func (s *Service) StaleTills(ctx context.Context, olderThan time.Duration) ([]TillSession, error) {
	sessions, err := s.Store.OpenSessions(ctx, s.timestamp().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("list stale tills: %w", err)
	}
	return sessions, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

func validateAmount(field string, m Money, allowZero bool) error {
	switch {
	case m.IsNegative():
		return &ValidationError{Field: field, Reason: "must not be negative"}
	case m.IsZero() && !allowZero:
		return &ValidationError{Field: field, Reason: "must be positive"}
	case !m.InRange():
		return &ValidationError{Field: field, Reason: "exceeds " + MaxMoney.String()}
	case !m.HasValidScale():
		return &ValidationError{Field: field, Reason: fmt.Sprintf("more than %d decimal places", MoneyScale)}
	}
	return nil
}

func validateText(field, v string, max int) error {
	if len(v) > max {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("longer than %d characters", max)}
	}
	return nil
}
