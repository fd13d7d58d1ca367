package engine

import (
	"context"
	"fmt"
	"log"
	"sync"

	chatsvc "github.com/zhouzirui/z-travel/backend/internal/service/chat"
	"github.com/zhouzirui/z-travel/backend/internal/session"
)

// Manager owns the live engines. Sessions share no mutable state.
type Manager struct {
	svc Services
	cfg Config

	mu      sync.RWMutex
	engines map[string]*Engine
}

// NewManager builds a manager over the shared collaborators.
func NewManager(svc Services, cfg Config) (*Manager, error) {
	if svc.Completer == nil {
		return nil, fmt.Errorf("chat completion service is required")
	}
	if svc.Transcript == nil {
		svc.Transcript = chatsvc.NewService()
	}
	return &Manager{svc: svc, cfg: cfg.withDefaults(), engines: make(map[string]*Engine)}, nil
}

// Create starts a session for userID with the user's stored preferences.
func (m *Manager) Create(ctx context.Context, userID string) (*Engine, error) {
	sess, err := m.svc.Transcript.CreateSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	prefs, err := session.LoadOrDefault(ctx, m.svc.Preferences, sess.UserID)
	if err != nil {
		_ = m.svc.Transcript.EndSession(ctx, sess.ID)
		return nil, fmt.Errorf("load preferences: %w", err)
	}

	eng, err := New(sess, prefs, m.svc, NewDevices(), m.cfg)
	if err != nil {
		_ = m.svc.Transcript.EndSession(ctx, sess.ID)
		return nil, err
	}

	m.mu.Lock()
	m.engines[sess.ID] = eng
	m.mu.Unlock()
	return eng, nil
}

// Get returns the engine of sessionID.
func (m *Manager) Get(sessionID string) (*Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	eng, ok := m.engines[sessionID]
	if !ok {
		return nil, chatsvc.ErrSessionNotFound
	}
	return eng, nil
}

// End closes the engine and drops its transcript.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	eng, ok := m.engines[sessionID]
	delete(m.engines, sessionID)
	m.mu.Unlock()
	if !ok {
		return chatsvc.ErrSessionNotFound
	}

	eng.Close()
	return m.svc.Transcript.EndSession(ctx, sessionID)
}

// Len returns how many sessions are live.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.engines)
}

// Shutdown closes every engine.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	engines := m.engines
	m.engines = make(map[string]*Engine)
	m.mu.Unlock()

	for id, eng := range engines {
		eng.Close()
		if err := m.svc.Transcript.EndSession(ctx, id); err != nil {
			log.Printf("[engine] end session %s: %v", id, err)
		}
	}
	log.Printf("[engine] shut down %d sessions", len(engines))
}
