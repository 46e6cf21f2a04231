package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. A restart drops every session.
type MemoryStore struct {
	maxTurns int

	mu       sync.RWMutex
	sessions map[string]*memoryEntry
}

type memoryEntry struct {
	mu   sync.Mutex
	sess Session
}

// NewMemoryStore creates an in-memory store bounded to maxTurns per user.
func NewMemoryStore(maxTurns int) *MemoryStore {
	return &MemoryStore{
		maxTurns: normalizeMaxTurns(maxTurns),
		sessions: make(map[string]*memoryEntry),
	}
}

// MaxTurns returns the per-session bound.
func (m *MemoryStore) MaxTurns() int {
	return m.maxTurns
}

func (m *MemoryStore) entry(userID string) *memoryEntry {
	m.mu.RLock()
	e, ok := m.sessions[userID]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.sessions[userID]; ok {
		return e
	}
	e = &memoryEntry{sess: Session{UserID: userID, StartTime: time.Now().UTC()}}
	m.sessions[userID] = e
	return e
}

// GetOrCreate returns a copy of the user's session, creating an empty one if needed.
func (m *MemoryStore) GetOrCreate(_ context.Context, userID string) (Session, error) {
	e := m.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.clone(), nil
}

// AppendTurn appends one turn and evicts the oldest turns beyond the bound.
func (m *MemoryStore) AppendTurn(_ context.Context, userID string, role Role, content string) (Session, error) {
	if err := ValidateTurn(userID, role, content); err != nil {
		return Session{}, err
	}
	e := m.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess.Turns = append(e.sess.Turns, Turn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	e.sess.Turns = keepLast(e.sess.Turns, m.maxTurns)
	return e.sess.clone(), nil
}

// Clear forgets the user's session. Missing sessions are not an error; the
// next GetOrCreate starts an empty one.
func (m *MemoryStore) Clear(_ context.Context, userID string) error {
	m.mu.Lock()
	delete(m.sessions, userID)
	m.mu.Unlock()
	return nil
}

// Count returns the number of known sessions.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *MemoryStore) Close() error { return nil }
