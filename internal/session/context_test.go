package session

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-travel/backend/internal/analysis/entity"
	"github.com/zhouzirui/z-travel/backend/internal/analysis/intent"
	"github.com/zhouzirui/z-travel/backend/internal/model/conversation"
)

func TestUpdateFromUtterance(t *testing.T) {
	ctx := New("s-1", conversation.DefaultPreferences())
	text := "Find hotels in Paris for 2 people next weekend"

	before := len(ctx.Snapshot().FlowSteps)
	ctx.Update(intent.Classify(text), entity.Extract(text), "hotels in Paris")

	snap := ctx.Snapshot()
	assert.Equal(t, conversation.IntentSearch, snap.Intent)
	assert.NotEmpty(t, snap.CurrentTopic)
	assert.Len(t, snap.FlowSteps, before+1)
	assert.Equal(t, []string{"Paris"}, snap.Entities[conversation.EntityLocations])
	assert.Equal(t, []string{"2"}, snap.Entities[conversation.EntityGroupSize])
	assert.Equal(t, []string{"next weekend"}, snap.Entities[conversation.EntityDates])
	assert.Equal(t, "Paris", snap.Memory[MemoryDestination])
}

func TestUpdateMergesEntitiesAndKeepsTopic(t *testing.T) {
	ctx := New("s-1", conversation.DefaultPreferences())
	ctx.Update(conversation.IntentSearch, conversation.Entities{conversation.EntityLocations: {"Paris"}}, "paris")
	ctx.Update(conversation.IntentPricing, conversation.Entities{conversation.EntityLocations: {"paris", "Lyon"}}, "  ")

	snap := ctx.Snapshot()
	assert.Equal(t, "paris", snap.CurrentTopic)
	assert.Equal(t, conversation.IntentPricing, snap.Intent)
	assert.Equal(t, []string{"Paris", "Lyon"}, snap.Entities[conversation.EntityLocations])
	require.Len(t, snap.FlowSteps, 2)
	assert.True(t, snap.FlowSteps[0].Completed)
	assert.False(t, snap.FlowSteps[1].Completed)
}

func TestFlowStepsBounded(t *testing.T) {
	ctx := New("s-1", conversation.DefaultPreferences())
	for i := 0; i < FlowLimit+5; i++ {
		ctx.Update(conversation.IntentGeneral, nil, fmt.Sprintf("t%d", i))
	}
	assert.Len(t, ctx.Snapshot().FlowSteps, FlowLimit)
}

func TestSentimentThroughContext(t *testing.T) {
	ctx := New("s-1", conversation.DefaultPreferences())
	assert.Equal(t, conversation.TrendStable, ctx.RecordSentiment("anger", 0.8))
	assert.Equal(t, conversation.TrendStable, ctx.RecordSentiment("frustration", 0.8))
	assert.Equal(t, conversation.TrendDeclining, ctx.RecordSentiment("sadness", 0.8))

	snap := ctx.Snapshot()
	assert.Len(t, snap.SentimentHistory, 3)
	assert.Equal(t, conversation.TrendDeclining, snap.SentimentTrend)
}

func TestInterruptionsOnlyFlipResolved(t *testing.T) {
	ctx := New("s-1", conversation.DefaultPreferences())
	first := ctx.RecordInterruption("playing")
	ctx.RecordInterruption("playing")

	assert.Equal(t, 2, ctx.ResolveInterruptions())
	assert.Equal(t, 0, ctx.ResolveInterruptions())

	snap := ctx.Snapshot()
	require.Len(t, snap.Interruptions, 2)
	assert.True(t, snap.Interruptions[0].Resolved)
	assert.Equal(t, first.Timestamp, snap.Interruptions[0].Timestamp)
	assert.Equal(t, "playing", snap.Interruptions[0].Context)
}

func TestSnapshotIsACopy(t *testing.T) {
	ctx := New("s-1", conversation.DefaultPreferences())
	ctx.Update(conversation.IntentSearch, conversation.Entities{conversation.EntityLocations: {"Rome"}}, "rome")
	ctx.SetSuggestions([]conversation.Suggestion{{Text: "a"}})

	snap := ctx.Snapshot()
	snap.Entities[conversation.EntityLocations][0] = "Milan"
	snap.ProactiveSuggestions[0].Text = "b"

	again := ctx.Snapshot()
	assert.Equal(t, "Rome", again.Entities[conversation.EntityLocations][0])
	assert.Equal(t, "a", again.ProactiveSuggestions[0].Text)
}

func TestSuggestionsAreReplaced(t *testing.T) {
	ctx := New("s-1", conversation.DefaultPreferences())
	ctx.SetSuggestions([]conversation.Suggestion{{Text: "a"}, {Text: "b"}})
	ctx.SetSuggestions([]conversation.Suggestion{{Text: "c"}})
	assert.Equal(t, []conversation.Suggestion{{Text: "c"}}, ctx.Snapshot().ProactiveSuggestions)
}

func TestResetKeepsPreferences(t *testing.T) {
	prefs := conversation.DefaultPreferences()
	prefs.Tone = conversation.ToneProfessional
	prefs.Language = "fr-FR"
	ctx := New("s-1", prefs)

	ctx.Update(conversation.IntentBooking, conversation.Entities{conversation.EntityLocations: {"Paris"}}, "paris")
	ctx.RecordSentiment("joy", 0.9)
	ctx.RecordInterruption("playing")
	ctx.SetSuggestions([]conversation.Suggestion{{Text: "x"}})

	ctx.Reset()

	snap := ctx.Snapshot()
	assert.Empty(t, snap.CurrentTopic)
	assert.Equal(t, conversation.IntentGeneral, snap.Intent)
	assert.True(t, snap.Entities.Empty())
	assert.Empty(t, snap.FlowSteps)
	assert.Empty(t, snap.Interruptions)
	assert.Empty(t, snap.ProactiveSuggestions)
	assert.Empty(t, snap.SentimentHistory)
	assert.Empty(t, snap.Memory)
	assert.Equal(t, "fr-FR", snap.Preferences.Language)
	assert.Equal(t, conversation.ToneProfessional, snap.Preferences.Tone)
	assert.Equal(t, "s-1", snap.SessionID)
}

func TestMemoryRetention(t *testing.T) {
	prefs := conversation.DefaultPreferences()
	prefs.MemoryRetention = conversation.RetentionPersistent
	ctx := New("s-1", prefs)
	ctx.Update(conversation.IntentSearch, conversation.Entities{conversation.EntityPrices: {"$200"}}, "")
	ctx.Reset()

	v, ok := ctx.Recall(MemoryBudget)
	require.True(t, ok)
	assert.Equal(t, "$200", v)

	prefs.MemoryRetention = conversation.RetentionOff
	ctx.SetPreferences(prefs)
	_, ok = ctx.Recall(MemoryBudget)
	assert.False(t, ok)
	assert.False(t, ctx.Remember("note", "window seat"))
}

func TestLoadOrDefault(t *testing.T) {
	store := NewMemoryPreferenceStore()
	bg := context.Background()

	prefs, err := LoadOrDefault(bg, store, "u-1")
	require.NoError(t, err)
	assert.Equal(t, conversation.DefaultPreferences(), prefs)

	custom := conversation.DefaultPreferences()
	custom.AutoSendVoice = true
	require.NoError(t, store.SavePreferences(bg, "u-1", custom))

	prefs, err = LoadOrDefault(bg, store, "u-1")
	require.NoError(t, err)
	assert.True(t, prefs.AutoSendVoice)
}

func TestAnnotateAddsStepOnlyOnIntentChange(t *testing.T) {
	ctx := New("s-1", conversation.DefaultPreferences())
	ctx.Update(conversation.IntentSearch, nil, "hotels")

	ctx.Annotate(conversation.IntentSearch, conversation.Entities{conversation.EntityLocations: {"Rome"}}, "")
	snap := ctx.Snapshot()
	require.Len(t, snap.FlowSteps, 1)
	assert.Equal(t, "hotels", snap.CurrentTopic)
	assert.Equal(t, []string{"Rome"}, snap.Entities[conversation.EntityLocations])

	ctx.Annotate(conversation.IntentBooking, nil, "booking in Rome")
	snap = ctx.Snapshot()
	require.Len(t, snap.FlowSteps, 2)
	assert.True(t, snap.FlowSteps[0].Completed)
	assert.Equal(t, conversation.IntentBooking, snap.Intent)
	assert.Equal(t, "booking in Rome", snap.CurrentTopic)
}
