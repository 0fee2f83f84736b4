/*
Package sqlite provides a SQLite-backed implementation of till.TxStore.

PURPOSE:
  Single-node persistence for the till engine: terminals, till sessions and
  the movement ledger. The same schema is used by store/postgres with only
  dialect differences.

KEY TABLES:
  terminals:      Terminal registry, one tenant per terminal
  till_sessions:  Drawer work periods; close fields NULL while open
  till_movements: Immutable ledger; seq gives insertion order

CONSTRAINTS AND TRIGGERS:
  - idx_one_open_till_per_terminal: partial unique index on terminal_id
    WHERE status = 'open'. Two opens on one terminal cannot both commit.
  - UNIQUE (till_id, idempotency_key): one movement per key per till
  - till_movements_append_only: rejects UPDATE and DELETE on the ledger
  - till_movements_open_session: rejects INSERT against a session that is not open
  - till_sessions_closed_immutable: rejects any UPDATE of a closed session

CONCURRENCY:
  A sync.RWMutex serializes WithTx against everything else, so the session
  read inside a transaction stays valid until commit. ":memory:" databases
  are pinned to one connection, since each new connection would open its own
  empty database.

TIMESTAMPS AND MONEY:
  Timestamps are stored as fixed-width UTC text (microsecond precision) so
  lexical order equals time order. Amounts are stored as decimal text and
  parsed with shopspring/decimal; nothing passes through float64.

USAGE:
  store, err := sqlite.New("./data/till.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
  svc := till.NewService(store)

SEE ALSO:
  - till/store.go: Interface definitions
  - till/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/till-engine/till"
)

// timeLayout is fixed width so that text comparison orders by time.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store implements till.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS terminals (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_terminals_tenant ON terminals(tenant_id);

	CREATE TABLE IF NOT EXISTS till_sessions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		terminal_id TEXT NOT NULL REFERENCES terminals(id),
		opened_by TEXT NOT NULL,
		opened_at TEXT NOT NULL,
		opening_float TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('open', 'closed')),
		notes TEXT NOT NULL DEFAULT '',
		closed_by TEXT,
		closed_at TEXT,
		closing_cash_actual TEXT,
		expected_cash TEXT,
		over_short TEXT,
		closing_notes TEXT
	);

	-- CRITICAL: at most one open till per terminal
	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_open_till_per_terminal
		ON till_sessions(terminal_id) WHERE status = 'open';

	CREATE INDEX IF NOT EXISTS idx_till_sessions_terminal_opened
		ON till_sessions(terminal_id, opened_at);
	CREATE INDEX IF NOT EXISTS idx_till_sessions_status_opened
		ON till_sessions(status, opened_at);

	-- Movements (append-only ledger)
	CREATE TABLE IF NOT EXISTS till_movements (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		till_id TEXT NOT NULL REFERENCES till_sessions(id),
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		recorded_by TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		idempotency_key TEXT,
		UNIQUE (till_id, idempotency_key)
	);

	CREATE INDEX IF NOT EXISTS idx_till_movements_till ON till_movements(till_id, seq);

	CREATE TRIGGER IF NOT EXISTS till_movements_append_only_update
		BEFORE UPDATE ON till_movements
	BEGIN
		SELECT RAISE(ABORT, 'till_movements is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS till_movements_append_only_delete
		BEFORE DELETE ON till_movements
	BEGIN
		SELECT RAISE(ABORT, 'till_movements is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS till_movements_open_session
		BEFORE INSERT ON till_movements
		WHEN (SELECT status FROM till_sessions WHERE id = NEW.till_id) IS NOT 'open'
	BEGIN
		SELECT RAISE(ABORT, 'till session is not open');
	END;

	CREATE TRIGGER IF NOT EXISTS till_sessions_closed_immutable
		BEFORE UPDATE ON till_sessions
		WHEN OLD.status = 'closed'
	BEGIN
		SELECT RAISE(ABORT, 'closed till sessions are immutable');
	END;

	CREATE TRIGGER IF NOT EXISTS till_sessions_no_delete
		BEFORE DELETE ON till_sessions
	BEGIN
		SELECT RAISE(ABORT, 'till sessions are never deleted');
	END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// QUERIES - shared by Store and txStore
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements till.Store over a querier. It does no locking.
type queries struct {
	q querier
}

// --- terminals ---

func (qs queries) SaveTerminal(ctx context.Context, t till.Terminal) error {
	_, err := qs.q.ExecContext(ctx,
		`INSERT INTO terminals (id, tenant_id, name, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.TenantID, t.Name, formatTime(t.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return till.ErrDuplicateTerminal
	}
	if err != nil {
		return fmt.Errorf("failed to save terminal: %w", err)
	}
	return nil
}

func (qs queries) Terminal(ctx context.Context, id till.TerminalID) (till.Terminal, error) {
	row := qs.q.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, created_at FROM terminals WHERE id = ?`, id)
	t, err := scanTerminal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return till.Terminal{}, till.ErrTerminalNotFound
	}
	return t, err
}

func (qs queries) Terminals(ctx context.Context, tenantID till.TenantID) ([]till.Terminal, error) {
	rows, err := qs.q.QueryContext(ctx,
		`SELECT id, tenant_id, name, created_at FROM terminals WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query terminals: %w", err)
	}
	defer rows.Close()

	var terminals []till.Terminal
	for rows.Next() {
		t, err := scanTerminal(rows)
		if err != nil {
			return nil, err
		}
		terminals = append(terminals, t)
	}
	return terminals, rows.Err()
}

// --- sessions ---

const sessionColumns = `id, tenant_id, terminal_id, opened_by, opened_at, opening_float, status, notes,
	closed_by, closed_at, closing_cash_actual, expected_cash, over_short, closing_notes`

func (qs queries) InsertSession(ctx context.Context, s till.TillSession) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO till_sessions (id, tenant_id, terminal_id, opened_by, opened_at, opening_float, status, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.TenantID, s.TerminalID, s.OpenedByUserID, formatTime(s.OpenedAt),
		s.OpeningFloat.Value.String(), s.Status, s.Notes,
	)
	if isUniqueConstraintError(err) {
		return till.ErrDuplicateOpenTill
	}
	if err != nil {
		return fmt.Errorf("failed to insert till session: %w", err)
	}
	return nil
}

func (qs queries) Session(ctx context.Context, id till.TillID) (till.TillSession, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM till_sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return till.TillSession{}, till.ErrSessionNotFound
	}
	return s, err
}

func (qs queries) ActiveSession(ctx context.Context, terminalID till.TerminalID) (till.TillSession, bool, error) {
	row := qs.q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM till_sessions WHERE terminal_id = ? AND status = 'open'`, terminalID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return till.TillSession{}, false, nil
	}
	if err != nil {
		return till.TillSession{}, false, err
	}
	return s, true, nil
}

func (qs queries) Sessions(ctx context.Context, terminalID till.TerminalID, limit int) ([]till.TillSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM till_sessions WHERE terminal_id = ? ORDER BY opened_at DESC, id DESC`
	args := []any{terminalID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return qs.querySessions(ctx, query, args...)
}

func (qs queries) OpenSessions(ctx context.Context, openedBefore time.Time) ([]till.TillSession, error) {
	return qs.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM till_sessions WHERE status = 'open' AND opened_at < ? ORDER BY opened_at ASC`,
		formatTime(openedBefore))
}

func (qs queries) querySessions(ctx context.Context, query string, args ...any) ([]till.TillSession, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query till sessions: %w", err)
	}
	defer rows.Close()

	var sessions []till.TillSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (qs queries) CloseSession(ctx context.Context, s till.TillSession) error {
	if s.ClosedAt == nil || s.ClosingCashActual == nil || s.ExpectedCash == nil || s.OverShort == nil {
		return fmt.Errorf("close till session %s: close fields missing", s.ID)
	}
	res, err := qs.q.ExecContext(ctx, `
		UPDATE till_sessions
		SET status = ?, closed_by = ?, closed_at = ?, closing_cash_actual = ?,
		    expected_cash = ?, over_short = ?, closing_notes = ?
		WHERE id = ? AND status = 'open'`,
		s.Status, s.ClosedByUserID, formatTime(*s.ClosedAt), s.ClosingCashActual.Value.String(),
		s.ExpectedCash.Value.String(), s.OverShort.Value.String(), s.ClosingNotes, s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to close till session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to close till session: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := qs.Session(ctx, s.ID); err != nil {
		return err
	}
	return till.ErrSessionNotOpen
}

// --- movements ---

func (qs queries) AppendMovement(ctx context.Context, m till.Movement) (till.Movement, error) {
	res, err := qs.q.ExecContext(ctx, `
		INSERT INTO till_movements
		(id, till_id, kind, amount, reference, notes, recorded_by, recorded_at, idempotency_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TillID, m.Kind, m.Amount.Value.String(), m.Reference, m.Notes,
		m.RecordedBy, formatTime(m.RecordedAt), nullString(m.IdempotencyKey),
	)
	if err != nil {
		switch {
		case isUniqueConstraintError(err):
			return till.Movement{}, till.ErrDuplicateIdempotencyKey
		case strings.Contains(err.Error(), "till session is not open"):
			return till.Movement{}, till.ErrSessionNotOpen
		}
		return till.Movement{}, fmt.Errorf("failed to append movement: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return till.Movement{}, fmt.Errorf("failed to read movement seq: %w", err)
	}
	m.Seq = seq
	return m, nil
}

func (qs queries) Movements(ctx context.Context, tillID till.TillID) ([]till.Movement, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT seq, id, till_id, kind, amount, reference, notes, recorded_by, recorded_at, idempotency_key
		FROM till_movements WHERE till_id = ? ORDER BY seq ASC`, tillID)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	var movements []till.Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (qs queries) MovementExists(ctx context.Context, tillID till.TillID, key string) (bool, error) {
	var count int
	err := qs.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM till_movements WHERE till_id = ? AND idempotency_key = ?`,
		tillID, key,
	).Scan(&count)
	return count > 0, err
}

// =============================================================================
// STORE - locked entry points
// =============================================================================

func (s *Store) SaveTerminal(ctx context.Context, t till.Terminal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.SaveTerminal(ctx, t)
}

func (s *Store) Terminal(ctx context.Context, id till.TerminalID) (till.Terminal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.Terminal(ctx, id)
}

func (s *Store) Terminals(ctx context.Context, tenantID till.TenantID) ([]till.Terminal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.Terminals(ctx, tenantID)
}

func (s *Store) InsertSession(ctx context.Context, sess till.TillSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.InsertSession(ctx, sess)
}

func (s *Store) Session(ctx context.Context, id till.TillID) (till.TillSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.Session(ctx, id)
}

func (s *Store) ActiveSession(ctx context.Context, terminalID till.TerminalID) (till.TillSession, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.ActiveSession(ctx, terminalID)
}

func (s *Store) Sessions(ctx context.Context, terminalID till.TerminalID, limit int) ([]till.TillSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.Sessions(ctx, terminalID, limit)
}

func (s *Store) OpenSessions(ctx context.Context, openedBefore time.Time) ([]till.TillSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.OpenSessions(ctx, openedBefore)
}

func (s *Store) CloseSession(ctx context.Context, sess till.TillSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.CloseSession(ctx, sess)
}

func (s *Store) AppendMovement(ctx context.Context, m till.Movement) (till.Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.AppendMovement(ctx, m)
}

func (s *Store) Movements(ctx context.Context, tillID till.TillID) ([]till.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.Movements(ctx, tillID)
}

func (s *Store) MovementExists(ctx context.Context, tillID till.TillID, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.MovementExists(ctx, tillID, key)
}

// =============================================================================
// TRANSACTIONAL STORE (till.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction. The store lock is
// held until commit or rollback; fn must only use the store it is given.
func (s *Store) WithTx(ctx context.Context, fn func(store till.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanTerminal(row scanner) (till.Terminal, error) {
	var (
		t         till.Terminal
		createdAt string
	)
	if err := row.Scan(&t.ID, &t.TenantID, &t.Name, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("failed to scan terminal: %w", err)
	}
	var err error
	t.CreatedAt, err = parseTime(createdAt)
	return t, err
}

func scanSession(row scanner) (till.TillSession, error) {
	var (
		s            till.TillSession
		openedAt     string
		openingFloat string
		closedBy     sql.NullString
		closedAt     sql.NullString
		counted      sql.NullString
		expected     sql.NullString
		overShort    sql.NullString
		closingNotes sql.NullString
	)
	err := row.Scan(
		&s.ID, &s.TenantID, &s.TerminalID, &s.OpenedByUserID, &openedAt, &openingFloat, &s.Status, &s.Notes,
		&closedBy, &closedAt, &counted, &expected, &overShort, &closingNotes,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, err
		}
		return s, fmt.Errorf("failed to scan till session: %w", err)
	}

	if s.OpenedAt, err = parseTime(openedAt); err != nil {
		return s, err
	}
	if s.OpeningFloat, err = till.ParseMoney(openingFloat); err != nil {
		return s, err
	}
	s.ClosedByUserID = till.UserID(closedBy.String)
	s.ClosingNotes = closingNotes.String
	if closedAt.Valid {
		t, err := parseTime(closedAt.String)
		if err != nil {
			return s, err
		}
		s.ClosedAt = &t
	}
	if s.ClosingCashActual, err = parseNullMoney(counted); err != nil {
		return s, err
	}
	if s.ExpectedCash, err = parseNullMoney(expected); err != nil {
		return s, err
	}
	if s.OverShort, err = parseNullMoney(overShort); err != nil {
		return s, err
	}
	return s, nil
}

func scanMovement(row scanner) (till.Movement, error) {
	var (
		m              till.Movement
		amount         string
		recordedAt     string
		idempotencyKey sql.NullString
	)
	err := row.Scan(&m.Seq, &m.ID, &m.TillID, &m.Kind, &amount, &m.Reference, &m.Notes,
		&m.RecordedBy, &recordedAt, &idempotencyKey)
	if err != nil {
		return m, fmt.Errorf("failed to scan movement: %w", err)
	}
	if m.Amount, err = till.ParseMoney(amount); err != nil {
		return m, err
	}
	if m.RecordedAt, err = parseTime(recordedAt); err != nil {
		return m, err
	}
	m.IdempotencyKey = idempotencyKey.String
	return m, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullMoney(ns sql.NullString) (*till.Money, error) {
	if !ns.Valid {
		return nil, nil
	}
	m, err := till.ParseMoney(ns.String)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
