package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-travel/backend/internal/model/conversation"
	chatsvc "github.com/zhouzirui/z-travel/backend/internal/service/chat"
	"github.com/zhouzirui/z-travel/backend/internal/session"
)

func TestManagerLifecycle(t *testing.T) {
	prefs := session.NewMemoryPreferenceStore()
	stored := conversation.DefaultPreferences()
	stored.Tone = conversation.ToneProfessional
	require.NoError(t, prefs.SavePreferences(context.Background(), "alice", stored))

	m, err := NewManager(Services{Completer: &scriptedCompleter{}, Preferences: prefs}, Config{})
	require.NoError(t, err)
	ctx := context.Background()

	eng, err := m.Create(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", eng.UserID())
	assert.Equal(t, conversation.ToneProfessional, eng.Preferences().Tone)

	other, err := m.Create(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "anonymous", other.UserID())
	assert.Equal(t, conversation.ToneFriendly, other.Preferences().Tone)
	assert.Equal(t, 2, m.Len())

	got, err := m.Get(eng.ID())
	require.NoError(t, err)
	assert.Same(t, eng, got)

	// 会话之间互不影响。
	_, err = eng.SendText(ctx, "Find hotels in Rome")
	require.NoError(t, err)
	assert.Empty(t, other.Snapshot().CurrentTopic)

	updated := eng.Preferences()
	updated.Language = "it-IT"
	_, err = eng.UpdatePreferences(ctx, updated)
	require.NoError(t, err)
	saved, ok, err := prefs.LoadPreferences(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "it-IT", saved.Language)

	require.NoError(t, m.End(ctx, eng.ID()))
	_, err = m.Get(eng.ID())
	assert.ErrorIs(t, err, chatsvc.ErrSessionNotFound)
	assert.ErrorIs(t, m.End(ctx, eng.ID()), chatsvc.ErrSessionNotFound)
	_, open := <-eng.Events()
	for open {
		_, open = <-eng.Events()
	}

	m.Shutdown(ctx)
	assert.Equal(t, 0, m.Len())
	_, err = other.SendText(ctx, "hello")
	assert.ErrorIs(t, err, ErrClosed)
}
