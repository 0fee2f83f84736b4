/*
Package postgres provides a PostgreSQL implementation of till.TxStore.

PURPOSE:
  Multi-node persistence for the till engine. Unlike store/sqlite there is no
  process-wide lock: database row locks and constraints do the work, so
  several API instances can share one database.

CONCURRENCY:
  - Open: the partial unique index idx_one_open_till_per_terminal makes the
    second of two racing inserts fail with 23505, mapped to
    till.ErrDuplicateOpenTill.
  - Record and close: inside WithTx, Session reads with SELECT ... FOR UPDATE.
    A movement and a close on the same till therefore run one after the
    other; whichever waits re-reads the row and sees the new status.

SCHEMA:
  Created on New. An optional schema name isolates deployments (and tests)
  sharing one database; it is applied through search_path.

SEE ALSO:
  - store/sqlite/sqlite.go: Same tables, SQLite dialect
  - till/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/warp/till-engine/till"
)

// SQLSTATE codes and constraint names mapped to store sentinels.
const (
	codeUniqueViolation = "23505"
	codeRaiseException  = "P0001"

	constraintOneOpenTill    = "idx_one_open_till_per_terminal"
	constraintIdempotencyKey = "till_movements_idempotency_key"
	constraintTerminalPKey   = "terminals_pkey"

	msgSessionNotOpen = "till session is not open"
)

// Config selects the database and optional schema.
type Config struct {
	DSN    string
	Schema string
}

// Store implements till.TxStore using PostgreSQL through pgx's database/sql driver.
type Store struct {
	db *sql.DB
	queries
}

// New connects, creates the schema if needed and returns the store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	connCfg, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.Schema != "" {
		connCfg.RuntimeParams["search_path"] = cfg.Schema
	}
	db := stdlib.OpenDB(*connCfg)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	store := &Store{db: db, queries: queries{q: db}}
	if err := store.migrate(ctx, cfg.Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context, schema string) error {
	if schema != "" {
		if _, err := s.db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{schema}.Sanitize()); err != nil {
			return err
		}
	}

	ddl := `
	CREATE TABLE IF NOT EXISTS terminals (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_terminals_tenant ON terminals(tenant_id);

	CREATE TABLE IF NOT EXISTS till_sessions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		terminal_id TEXT NOT NULL REFERENCES terminals(id),
		opened_by TEXT NOT NULL,
		opened_at TIMESTAMPTZ NOT NULL,
		opening_float NUMERIC(18,2) NOT NULL CHECK (opening_float >= 0),
		status TEXT NOT NULL CHECK (status IN ('open', 'closed')),
		notes TEXT NOT NULL DEFAULT '',
		closed_by TEXT,
		closed_at TIMESTAMPTZ,
		closing_cash_actual NUMERIC(18,2),
		expected_cash NUMERIC(18,2),
		over_short NUMERIC(18,2),
		closing_notes TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_open_till_per_terminal
		ON till_sessions(terminal_id) WHERE status = 'open';
	CREATE INDEX IF NOT EXISTS idx_till_sessions_terminal_opened
		ON till_sessions(terminal_id, opened_at DESC);
	CREATE INDEX IF NOT EXISTS idx_till_sessions_open
		ON till_sessions(opened_at) WHERE status = 'open';

	CREATE TABLE IF NOT EXISTS till_movements (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		till_id TEXT NOT NULL REFERENCES till_sessions(id),
		kind TEXT NOT NULL CHECK (kind IN ('sale', 'refund', 'cash_in', 'cash_out', 'payout')),
		amount NUMERIC(18,2) NOT NULL CHECK (amount > 0),
		reference TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		recorded_by TEXT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL,
		idempotency_key TEXT,
		CONSTRAINT till_movements_idempotency_key UNIQUE (till_id, idempotency_key)
	);

	CREATE INDEX IF NOT EXISTS idx_till_movements_till ON till_movements(till_id, seq);

	CREATE OR REPLACE FUNCTION till_movements_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'till_movements is append-only';
	END;
	$$ LANGUAGE plpgsql;

	CREATE OR REPLACE FUNCTION till_movements_require_open() RETURNS trigger AS $$
	BEGIN
		IF (SELECT status FROM till_sessions WHERE id = NEW.till_id) IS DISTINCT FROM 'open' THEN
			RAISE EXCEPTION 'till session is not open';
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql;

	CREATE OR REPLACE FUNCTION till_sessions_guard() RETURNS trigger AS $$
	BEGIN
		IF TG_OP = 'DELETE' THEN
			RAISE EXCEPTION 'till sessions are never deleted';
		END IF;
		IF OLD.status = 'closed' THEN
			RAISE EXCEPTION 'closed till sessions are immutable';
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS till_movements_append_only ON till_movements;
	CREATE TRIGGER till_movements_append_only
		BEFORE UPDATE OR DELETE ON till_movements
		FOR EACH ROW EXECUTE FUNCTION till_movements_append_only();

	DROP TRIGGER IF EXISTS till_movements_require_open ON till_movements;
	CREATE TRIGGER till_movements_require_open
		BEFORE INSERT ON till_movements
		FOR EACH ROW EXECUTE FUNCTION till_movements_require_open();

	DROP TRIGGER IF EXISTS till_sessions_guard ON till_sessions;
	CREATE TRIGGER till_sessions_guard
		BEFORE UPDATE OR DELETE ON till_sessions
		FOR EACH ROW EXECUTE FUNCTION till_sessions_guard();
	`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// WithTx executes fn within a READ COMMITTED transaction. Sessions read
// through the given store are locked FOR UPDATE until commit or rollback.
func (s *Store) WithTx(ctx context.Context, fn func(store till.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{q: sqlTx, lock: true}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// QUERIES
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements till.Store. lock adds FOR UPDATE to single-session reads.
type queries struct {
	q    querier
	lock bool
}

func (qs queries) SaveTerminal(ctx context.Context, t till.Terminal) error {
	_, err := qs.q.ExecContext(ctx,
		`INSERT INTO terminals (id, tenant_id, name, created_at) VALUES ($1, $2, $3, $4)`,
		string(t.ID), string(t.TenantID), t.Name, t.CreatedAt.UTC())
	if isUniqueViolation(err, constraintTerminalPKey) {
		return till.ErrDuplicateTerminal
	}
	if err != nil {
		return fmt.Errorf("failed to save terminal: %w", err)
	}
	return nil
}

func (qs queries) Terminal(ctx context.Context, id till.TerminalID) (till.Terminal, error) {
	var t till.Terminal
	err := qs.q.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, created_at FROM terminals WHERE id = $1`, string(id),
	).Scan(&t.ID, &t.TenantID, &t.Name, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return till.Terminal{}, till.ErrTerminalNotFound
	}
	if err != nil {
		return till.Terminal{}, fmt.Errorf("failed to load terminal: %w", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

func (qs queries) Terminals(ctx context.Context, tenantID till.TenantID) ([]till.Terminal, error) {
	rows, err := qs.q.QueryContext(ctx,
		`SELECT id, tenant_id, name, created_at FROM terminals WHERE tenant_id = $1 ORDER BY id`, string(tenantID))
	if err != nil {
		return nil, fmt.Errorf("failed to query terminals: %w", err)
	}
	defer rows.Close()

	var terminals []till.Terminal
	for rows.Next() {
		var t till.Terminal
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Name, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan terminal: %w", err)
		}
		t.CreatedAt = t.CreatedAt.UTC()
		terminals = append(terminals, t)
	}
	return terminals, rows.Err()
}

const sessionColumns = `id, tenant_id, terminal_id, opened_by, opened_at, opening_float::text, status, notes,
	closed_by, closed_at, closing_cash_actual::text, expected_cash::text, over_short::text, closing_notes`

func (qs queries) InsertSession(ctx context.Context, s till.TillSession) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO till_sessions (id, tenant_id, terminal_id, opened_by, opened_at, opening_float, status, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(s.ID), string(s.TenantID), string(s.TerminalID), string(s.OpenedByUserID),
		s.OpenedAt.UTC(), s.OpeningFloat.Value.String(), string(s.Status), s.Notes)
	if isUniqueViolation(err, constraintOneOpenTill) {
		return till.ErrDuplicateOpenTill
	}
	if err != nil {
		return fmt.Errorf("failed to insert till session: %w", err)
	}
	return nil
}

func (qs queries) Session(ctx context.Context, id till.TillID) (till.TillSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM till_sessions WHERE id = $1`
	if qs.lock {
		query += ` FOR UPDATE`
	}
	s, err := scanSession(qs.q.QueryRowContext(ctx, query, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return till.TillSession{}, till.ErrSessionNotFound
	}
	return s, err
}

func (qs queries) ActiveSession(ctx context.Context, terminalID till.TerminalID) (till.TillSession, bool, error) {
	s, err := scanSession(qs.q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM till_sessions WHERE terminal_id = $1 AND status = 'open'`, string(terminalID)))
	if errors.Is(err, sql.ErrNoRows) {
		return till.TillSession{}, false, nil
	}
	if err != nil {
		return till.TillSession{}, false, err
	}
	return s, true, nil
}

func (qs queries) Sessions(ctx context.Context, terminalID till.TerminalID, limit int) ([]till.TillSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM till_sessions WHERE terminal_id = $1 ORDER BY opened_at DESC, id DESC`
	args := []any{string(terminalID)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return qs.querySessions(ctx, query, args...)
}

func (qs queries) OpenSessions(ctx context.Context, openedBefore time.Time) ([]till.TillSession, error) {
	return qs.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM till_sessions WHERE status = 'open' AND opened_at < $1 ORDER BY opened_at`,
		openedBefore.UTC())
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
	var id string
	err := qs.q.QueryRowContext(ctx, `
		UPDATE till_sessions
		SET status = $1, closed_by = $2, closed_at = $3, closing_cash_actual = $4,
		    expected_cash = $5, over_short = $6, closing_notes = $7
		WHERE id = $8 AND status = 'open'
		RETURNING id`,
		string(s.Status), string(s.ClosedByUserID), s.ClosedAt.UTC(), s.ClosingCashActual.Value.String(),
		s.ExpectedCash.Value.String(), s.OverShort.Value.String(), s.ClosingNotes, string(s.ID),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := qs.Session(ctx, s.ID); err != nil {
			return err
		}
		return till.ErrSessionNotOpen
	}
	if err != nil {
		return fmt.Errorf("failed to close till session: %w", err)
	}
	return nil
}

func (qs queries) AppendMovement(ctx context.Context, m till.Movement) (till.Movement, error) {
	var key any
	if m.IdempotencyKey != "" {
		key = m.IdempotencyKey
	}
	err := qs.q.QueryRowContext(ctx, `
		INSERT INTO till_movements
		(id, till_id, kind, amount, reference, notes, recorded_by, recorded_at, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq`,
		string(m.ID), string(m.TillID), string(m.Kind), m.Amount.Value.String(), m.Reference, m.Notes,
		string(m.RecordedBy), m.RecordedAt.UTC(), key,
	).Scan(&m.Seq)
	if err != nil {
		switch {
		case isUniqueViolation(err, constraintIdempotencyKey):
			return till.Movement{}, till.ErrDuplicateIdempotencyKey
		case isRaised(err, msgSessionNotOpen):
			return till.Movement{}, till.ErrSessionNotOpen
		}
		return till.Movement{}, fmt.Errorf("failed to append movement: %w", err)
	}
	return m, nil
}

func (qs queries) Movements(ctx context.Context, tillID till.TillID) ([]till.Movement, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT seq, id, till_id, kind, amount::text, reference, notes, recorded_by, recorded_at, idempotency_key
		FROM till_movements WHERE till_id = $1 ORDER BY seq`, string(tillID))
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	var movements []till.Movement
	for rows.Next() {
		var (
			m      till.Movement
			amount string
			key    sql.NullString
		)
		if err := rows.Scan(&m.Seq, &m.ID, &m.TillID, &m.Kind, &amount, &m.Reference, &m.Notes,
			&m.RecordedBy, &m.RecordedAt, &key); err != nil {
			return nil, fmt.Errorf("failed to scan movement: %w", err)
		}
		if m.Amount, err = till.ParseMoney(amount); err != nil {
			return nil, err
		}
		m.RecordedAt = m.RecordedAt.UTC()
		m.IdempotencyKey = key.String
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (qs queries) MovementExists(ctx context.Context, tillID till.TillID, key string) (bool, error) {
	var exists bool
	err := qs.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM till_movements WHERE till_id = $1 AND idempotency_key = $2)`,
		string(tillID), key,
	).Scan(&exists)
	return exists, err
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (till.TillSession, error) {
	var (
		s            till.TillSession
		openingFloat string
		closedBy     sql.NullString
		closedAt     sql.NullTime
		counted      sql.NullString
		expected     sql.NullString
		overShort    sql.NullString
		closingNotes sql.NullString
	)
	err := row.Scan(
		&s.ID, &s.TenantID, &s.TerminalID, &s.OpenedByUserID, &s.OpenedAt, &openingFloat, &s.Status, &s.Notes,
		&closedBy, &closedAt, &counted, &expected, &overShort, &closingNotes,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, err
		}
		return s, fmt.Errorf("failed to scan till session: %w", err)
	}

	s.OpenedAt = s.OpenedAt.UTC()
	if s.OpeningFloat, err = till.ParseMoney(openingFloat); err != nil {
		return s, err
	}
	s.ClosedByUserID = till.UserID(closedBy.String)
	s.ClosingNotes = closingNotes.String
	if closedAt.Valid {
		t := closedAt.Time.UTC()
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

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation && pgErr.ConstraintName == constraint
}

func isRaised(err error, message string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeRaiseException && pgErr.Message == message
}
