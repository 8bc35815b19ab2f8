package chartsession

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNoSession     = errors.New("no chart session for patient")
	ErrManagerClosed = errors.New("session manager is shut down")
)

// opening is an Open in progress. Other callers for the same patient wait
// on done instead of opening a second session.
type opening struct {
	done    chan struct{}
	session *Session
	err     error
}

// Manager keeps at most one open session per patient. m.mu guards the maps
// only; session I/O runs without it.
type Manager struct {
	deps Deps

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	opening  map[uuid.UUID]*opening
	shut     bool
}

func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:     deps,
		sessions: make(map[uuid.UUID]*Session),
		opening:  make(map[uuid.UUID]*opening),
	}
}

// Open returns the patient's session, opening one if needed.
func (m *Manager) Open(ctx context.Context, patientID uuid.UUID) (*Session, error) {
	if patientID == uuid.Nil {
		return nil, errors.New("patient_id is required")
	}
	m.mu.Lock()
	if m.shut {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if s, ok := m.sessions[patientID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	if op, ok := m.opening[patientID]; ok {
		m.mu.Unlock()
		select {
		case <-op.done:
			return op.session, op.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	op := &opening{done: make(chan struct{})}
	m.opening[patientID] = op
	m.mu.Unlock()

	s := New(patientID, m.deps)
	err := s.Open(ctx)
	if err != nil {
		s.Close()
		s = nil
	}

	m.mu.Lock()
	delete(m.opening, patientID)
	if err == nil && m.shut {
		err = ErrManagerClosed
	}
	if err == nil {
		m.sessions[patientID] = s
	}
	m.mu.Unlock()

	if err != nil && s != nil {
		s.Close()
		s = nil
	}
	op.session, op.err = s, err
	close(op.done)
	return s, err
}

// Get returns an already open session.
func (m *Manager) Get(patientID uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[patientID]
	if !ok {
		return nil, ErrNoSession
	}
	return s, nil
}

// Close closes and forgets the patient's session.
func (m *Manager) Close(patientID uuid.UUID) bool {
	m.mu.Lock()
	s, ok := m.sessions[patientID]
	delete(m.sessions, patientID)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
	return ok
}

// CloseAll closes every session and refuses new ones. Used on shutdown.
// Opens still in progress close their session when they finish.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.shut = true
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
