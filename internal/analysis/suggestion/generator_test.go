package suggestion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-travel/backend/internal/model/chat"
	"github.com/zhouzirui/z-travel/backend/internal/model/conversation"
)

func TestGenerateAccommodation(t *testing.T) {
	got := Generate(Signals{
		Reply: "I found three hotels near the Marais.",
		Entities: conversation.Entities{
			conversation.EntityLocations: {"Paris"},
			conversation.EntityDates:     {"next weekend"},
		},
	}, 3)

	require.Len(t, got, 1)
	assert.Equal(t, "accommodation", got[0].Topic)
	assert.Equal(t, "Check availability in Paris for next weekend", got[0].Text)
	assert.Equal(t, 1, got[0].Priority)
}

func TestGenerateRanksAndCaps(t *testing.T) {
	got := Generate(Signals{
		Reply:       "Day 1 starts with breakfast at the hotel, then a flight to Nice. Expect rain in the afternoon.",
		RichContent: &chat.RichContent{Kind: chat.KindItinerary, Itinerary: &chat.Itinerary{}},
	}, 3)

	require.Len(t, got, 3)
	assert.Equal(t, "accommodation", got[0].Topic)
	assert.Equal(t, "itinerary", got[1].Topic)
	assert.Equal(t, "dining", got[2].Topic)
	for _, s := range got {
		assert.Greater(t, s.Confidence, 0.0)
	}
}

func TestGenerateNoSignal(t *testing.T) {
	assert.Empty(t, Generate(Signals{Reply: "You're welcome!"}, 3))
}

func TestGenerateUsesDefaultLimit(t *testing.T) {
	got := Generate(Signals{
		Reply:       "Hotels, restaurants, flights and the weather forecast are all covered.",
		RichContent: &chat.RichContent{Kind: chat.KindItinerary},
	}, 0)
	assert.Len(t, got, DefaultLimit)
}
