/*
store.go - Persistence interfaces for terminals, till sessions and movements

PURPOSE:
  Defines the boundary between the till state machine and the database.
  Implementations: in-memory (till/store), SQLite (store/sqlite) and
  PostgreSQL (store/postgres). All share the conformance suite in till/tilltest.

APPEND-ONLY CONTRACT:
  MovementStore has exactly one write, AppendMovement. There is no update and
  no delete. A session row is written twice in its life: InsertSession (open)
  and CloseSession (close). Closed rows are never written again.

UNIQUENESS CONTRACT:
  - InsertSession fails with ErrDuplicateOpenTill when the terminal already
    has an open session. Stores back this with a unique constraint so two
    concurrent opens cannot both succeed.
  - AppendMovement fails with ErrDuplicateIdempotencyKey when the till
    already holds a movement with the same non-empty key.

LOCKING:
  Inside WithTx, Session locks the row it returns until the transaction ends
  (SELECT ... FOR UPDATE, or the store-wide lock for SQLite and memory).
  Service reads the session through the tx view before every status-dependent
  write, which serializes movement appends against close.

SEE ALSO:
  - service.go: Sole caller of these interfaces
  - errors.go: Store sentinels
*/
package till

import (
	"context"
	"time"
)

// TerminalStore persists the terminal registry.
type TerminalStore interface {
	// SaveTerminal registers a terminal. Returns ErrDuplicateTerminal if the id exists.
	SaveTerminal(ctx context.Context, t Terminal) error

	// Terminal returns ErrTerminalNotFound if the id is unknown.
	Terminal(ctx context.Context, id TerminalID) (Terminal, error)

	// Terminals lists a tenant's terminals ordered by id.
	Terminals(ctx context.Context, tenantID TenantID) ([]Terminal, error)
}

// SessionStore persists till sessions.
type SessionStore interface {
	InsertSession(ctx context.Context, s TillSession) error

	// Session returns ErrSessionNotFound if the id is unknown.
	Session(ctx context.Context, id TillID) (TillSession, error)

	// ActiveSession returns the open session for a terminal, if any.
	ActiveSession(ctx context.Context, terminalID TerminalID) (TillSession, bool, error)

	// Sessions lists a terminal's sessions, newest first. limit <= 0 means no limit.
	Sessions(ctx context.Context, terminalID TerminalID, limit int) ([]TillSession, error)

	// OpenSessions lists all open sessions opened strictly before cutoff.
	OpenSessions(ctx context.Context, openedBefore time.Time) ([]TillSession, error)

	// CloseSession writes the close fields of s. It returns ErrSessionNotOpen
	// if the stored row is not open.
	CloseSession(ctx context.Context, s TillSession) error
}

// MovementStore persists ledger entries. APPEND-ONLY.
type MovementStore interface {
	// AppendMovement persists m and returns it with Seq assigned.
	AppendMovement(ctx context.Context, m Movement) (Movement, error)

	// Movements returns a till's movements in insertion order.
	Movements(ctx context.Context, tillID TillID) ([]Movement, error)

	// MovementExists reports whether the till already holds a movement with key.
	MovementExists(ctx context.Context, tillID TillID, idempotencyKey string) (bool, error)
}

// Store combines the three persistence concerns.
type Store interface {
	TerminalStore
	SessionStore
	MovementStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
