// Package store provides the in-memory till.TxStore.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/till-engine/till"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	terminals map[till.TerminalID]till.Terminal
	sessions  map[till.TillID]till.TillSession
	open      map[till.TerminalID]till.TillID // one open till per terminal
	movements map[till.TillID][]till.Movement
	keys      map[movementKey]bool
	seq       int64
}

type movementKey struct {
	TillID till.TillID
	Key    string
}

func NewMemory() *Memory {
	return &Memory{
		terminals: make(map[till.TerminalID]till.Terminal),
		sessions:  make(map[till.TillID]till.TillSession),
		open:      make(map[till.TerminalID]till.TillID),
		movements: make(map[till.TillID][]till.Movement),
		keys:      make(map[movementKey]bool),
	}
}

// --- terminals ---

func (m *Memory) SaveTerminal(_ context.Context, t till.Terminal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveTerminalLocked(t)
}

func (m *Memory) saveTerminalLocked(t till.Terminal) error {
	if _, ok := m.terminals[t.ID]; ok {
		return till.ErrDuplicateTerminal
	}
	m.terminals[t.ID] = t
	return nil
}

func (m *Memory) Terminal(_ context.Context, id till.TerminalID) (till.Terminal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.terminalLocked(id)
}

func (m *Memory) terminalLocked(id till.TerminalID) (till.Terminal, error) {
	t, ok := m.terminals[id]
	if !ok {
		return till.Terminal{}, till.ErrTerminalNotFound
	}
	return t, nil
}

func (m *Memory) Terminals(_ context.Context, tenantID till.TenantID) ([]till.Terminal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.terminalsLocked(tenantID), nil
}

func (m *Memory) terminalsLocked(tenantID till.TenantID) []till.Terminal {
	var result []till.Terminal
	for _, t := range m.terminals {
		if t.TenantID == tenantID {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// --- sessions ---

func (m *Memory) InsertSession(_ context.Context, s till.TillSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertSessionLocked(s)
}

func (m *Memory) insertSessionLocked(s till.TillSession) error {
	if s.IsOpen() {
		if _, taken := m.open[s.TerminalID]; taken {
			return till.ErrDuplicateOpenTill
		}
		m.open[s.TerminalID] = s.ID
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) Session(_ context.Context, id till.TillID) (till.TillSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionLocked(id)
}

func (m *Memory) sessionLocked(id till.TillID) (till.TillSession, error) {
	s, ok := m.sessions[id]
	if !ok {
		return till.TillSession{}, till.ErrSessionNotFound
	}
	return s, nil
}

func (m *Memory) ActiveSession(_ context.Context, terminalID till.TerminalID) (till.TillSession, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeSessionLocked(terminalID)
}

func (m *Memory) activeSessionLocked(terminalID till.TerminalID) (till.TillSession, bool, error) {
	id, ok := m.open[terminalID]
	if !ok {
		return till.TillSession{}, false, nil
	}
	return m.sessions[id], true, nil
}

func (m *Memory) Sessions(_ context.Context, terminalID till.TerminalID, limit int) ([]till.TillSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionsLocked(terminalID, limit), nil
}

func (m *Memory) sessionsLocked(terminalID till.TerminalID, limit int) []till.TillSession {
	var result []till.TillSession
	for _, s := range m.sessions {
		if s.TerminalID == terminalID {
			result = append(result, s)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].OpenedAt.Equal(result[j].OpenedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].OpenedAt.After(result[j].OpenedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (m *Memory) OpenSessions(_ context.Context, openedBefore time.Time) ([]till.TillSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.openSessionsLocked(openedBefore), nil
}

func (m *Memory) openSessionsLocked(openedBefore time.Time) []till.TillSession {
	var result []till.TillSession
	for _, id := range m.open {
		s := m.sessions[id]
		if s.OpenedAt.Before(openedBefore) {
			result = append(result, s)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OpenedAt.Before(result[j].OpenedAt) })
	return result
}

func (m *Memory) CloseSession(_ context.Context, s till.TillSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeSessionLocked(s)
}

func (m *Memory) closeSessionLocked(s till.TillSession) error {
	stored, ok := m.sessions[s.ID]
	if !ok {
		return till.ErrSessionNotFound
	}
	if !stored.IsOpen() {
		return till.ErrSessionNotOpen
	}
	m.sessions[s.ID] = s
	delete(m.open, stored.TerminalID)
	return nil
}

// --- movements (append-only) ---

func (m *Memory) AppendMovement(_ context.Context, mv till.Movement) (till.Movement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendMovementLocked(mv)
}

func (m *Memory) appendMovementLocked(mv till.Movement) (till.Movement, error) {
	if _, ok := m.sessions[mv.TillID]; !ok {
		return till.Movement{}, till.ErrSessionNotFound
	}
	if mv.IdempotencyKey != "" {
		k := movementKey{TillID: mv.TillID, Key: mv.IdempotencyKey}
		if m.keys[k] {
			return till.Movement{}, till.ErrDuplicateIdempotencyKey
		}
		m.keys[k] = true
	}
	m.seq++
	mv.Seq = m.seq
	m.movements[mv.TillID] = append(m.movements[mv.TillID], mv)
	return mv, nil
}

func (m *Memory) Movements(_ context.Context, tillID till.TillID) ([]till.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.movementsLocked(tillID), nil
}

func (m *Memory) movementsLocked(tillID till.TillID) []till.Movement {
	result := make([]till.Movement, len(m.movements[tillID]))
	copy(result, m.movements[tillID])
	return result
}

func (m *Memory) MovementExists(_ context.Context, tillID till.TillID, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keys[movementKey{TillID: tillID, Key: key}], nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn holding the store lock for its whole duration, which
// serializes transactions. On error the state is restored from a snapshot.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(till.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	terminals map[till.TerminalID]till.Terminal
	sessions  map[till.TillID]till.TillSession
	open      map[till.TerminalID]till.TillID
	movements map[till.TillID][]till.Movement
	keys      map[movementKey]bool
	seq       int64
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		terminals: make(map[till.TerminalID]till.Terminal, len(tm.terminals)),
		sessions:  make(map[till.TillID]till.TillSession, len(tm.sessions)),
		open:      make(map[till.TerminalID]till.TillID, len(tm.open)),
		movements: make(map[till.TillID][]till.Movement, len(tm.movements)),
		keys:      make(map[movementKey]bool, len(tm.keys)),
		seq:       tm.seq,
	}
	for k, v := range tm.terminals {
		s.terminals[k] = v
	}
	for k, v := range tm.sessions {
		s.sessions[k] = v
	}
	for k, v := range tm.open {
		s.open[k] = v
	}
	for k, v := range tm.movements {
		s.movements[k] = append([]till.Movement{}, v...)
	}
	for k, v := range tm.keys {
		s.keys[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.terminals = s.terminals
	tm.sessions = s.sessions
	tm.open = s.open
	tm.movements = s.movements
	tm.keys = s.keys
	tm.seq = s.seq
}

// txMemoryView operates on the parent's maps directly; the parent lock is
// already held by WithTx.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) SaveTerminal(_ context.Context, t till.Terminal) error {
	return tv.parent.saveTerminalLocked(t)
}

func (tv *txMemoryView) Terminal(_ context.Context, id till.TerminalID) (till.Terminal, error) {
	return tv.parent.terminalLocked(id)
}

func (tv *txMemoryView) Terminals(_ context.Context, tenantID till.TenantID) ([]till.Terminal, error) {
	return tv.parent.terminalsLocked(tenantID), nil
}

func (tv *txMemoryView) InsertSession(_ context.Context, s till.TillSession) error {
	return tv.parent.insertSessionLocked(s)
}

func (tv *txMemoryView) Session(_ context.Context, id till.TillID) (till.TillSession, error) {
	return tv.parent.sessionLocked(id)
}

func (tv *txMemoryView) ActiveSession(_ context.Context, terminalID till.TerminalID) (till.TillSession, bool, error) {
	return tv.parent.activeSessionLocked(terminalID)
}

func (tv *txMemoryView) Sessions(_ context.Context, terminalID till.TerminalID, limit int) ([]till.TillSession, error) {
	return tv.parent.sessionsLocked(terminalID, limit), nil
}

func (tv *txMemoryView) OpenSessions(_ context.Context, openedBefore time.Time) ([]till.TillSession, error) {
	return tv.parent.openSessionsLocked(openedBefore), nil
}

func (tv *txMemoryView) CloseSession(_ context.Context, s till.TillSession) error {
	return tv.parent.closeSessionLocked(s)
}

func (tv *txMemoryView) AppendMovement(_ context.Context, mv till.Movement) (till.Movement, error) {
	return tv.parent.appendMovementLocked(mv)
}

func (tv *txMemoryView) Movements(_ context.Context, tillID till.TillID) ([]till.Movement, error) {
	return tv.parent.movementsLocked(tillID), nil
}

func (tv *txMemoryView) MovementExists(_ context.Context, tillID till.TillID, key string) (bool, error) {
	return tv.parent.keys[movementKey{TillID: tillID, Key: key}], nil
}
