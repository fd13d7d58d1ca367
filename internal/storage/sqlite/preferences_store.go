package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zhouzirui/z-travel/backend/internal/model/conversation"
	"github.com/zhouzirui/z-travel/backend/internal/session"
)

// PreferenceStore implements session.PreferenceStore.
type PreferenceStore struct {
	db *sql.DB
}

var _ session.PreferenceStore = (*PreferenceStore)(nil)

// Preferences returns the preference store over d.
func (d *DB) Preferences() *PreferenceStore {
	return &PreferenceStore{db: d.db}
}

func (s *PreferenceStore) LoadPreferences(ctx context.Context, userID string) (conversation.Preferences, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT preferences FROM user_preferences WHERE user_id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Preferences{}, false, nil
	}
	if err != nil {
		return conversation.Preferences{}, false, fmt.Errorf("load preferences: %w", err)
	}

	var prefs conversation.Preferences
	if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
		return conversation.Preferences{}, false, fmt.Errorf("decode preferences: %w", err)
	}
	return prefs, true, nil
}

func (s *PreferenceStore) SavePreferences(ctx context.Context, userID string, prefs conversation.Preferences) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, preferences, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET preferences = excluded.preferences, updated_at = excluded.updated_at`,
		userID, string(raw), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}
