package session

import (
	"context"
	"sync"

	"github.com/zhouzirui/z-travel/backend/internal/model/conversation"
)

// PreferenceStore persists user-level preferences across sessions and resets.
type PreferenceStore interface {
	LoadPreferences(ctx context.Context, userID string) (conversation.Preferences, bool, error)
	SavePreferences(ctx context.Context, userID string, prefs conversation.Preferences) error
}

// MemoryPreferenceStore keeps preferences in process memory, suitable for tests and single-node runs.
type MemoryPreferenceStore struct {
	mu    sync.RWMutex
	items map[string]conversation.Preferences
}

// NewMemoryPreferenceStore returns an empty store.
func NewMemoryPreferenceStore() *MemoryPreferenceStore {
	return &MemoryPreferenceStore{items: make(map[string]conversation.Preferences)}
}

// LoadPreferences returns the stored preferences for userID.
func (s *MemoryPreferenceStore) LoadPreferences(_ context.Context, userID string) (conversation.Preferences, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefs, ok := s.items[userID]
	return prefs, ok, nil
}

// SavePreferences stores prefs for userID.
func (s *MemoryPreferenceStore) SavePreferences(_ context.Context, userID string, prefs conversation.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[userID] = prefs
	return nil
}

// LoadOrDefault returns the stored preferences or the defaults when none exist.
func LoadOrDefault(ctx context.Context, store PreferenceStore, userID string) (conversation.Preferences, error) {
	if store == nil || userID == "" {
		return conversation.DefaultPreferences(), nil
	}
	prefs, ok, err := store.LoadPreferences(ctx, userID)
	if err != nil {
		return conversation.Preferences{}, err
	}
	if !ok {
		return conversation.DefaultPreferences(), nil
	}
	return prefs.Normalize(), nil
}
