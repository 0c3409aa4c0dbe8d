package conversation

import (
	"context"
	"sync"
)

// Manager tracks the single active session. Switching conversations closes
// the old session (explicit leave) before the new room is joined.
type Manager struct {
	cfg Config

	mu     sync.Mutex
	active *Session
}

// NewManager creates a manager with the shared session collaborators.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// Switch opens the given conversation, tearing down the previous one first.
// Switching to the already-active conversation is a no-op.
func (m *Manager) Switch(ctx context.Context, conversationID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.active.ID() == conversationID {
		return m.active, nil
	}
	if m.active != nil {
		m.active.Close()
		m.active = nil
	}

	s, err := Open(ctx, conversationID, m.cfg)
	if err != nil {
		return nil, err
	}
	m.active = s
	return s, nil
}

// Active returns the current session, or nil when no conversation is open.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Close tears down the active session, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		m.active.Close()
		m.active = nil
	}
}
