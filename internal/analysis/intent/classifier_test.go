package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhouzirui/z-travel/backend/internal/model/conversation"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		text string
		want conversation.Intent
	}{
		{"Find hotels in Paris for 2 people next weekend", conversation.IntentSearch},
		{"Please book the second one", conversation.IntentBooking},
		{"Can you plan a 3 day itinerary?", conversation.IntentPlanning},
		{"How do you say thank you in Japanese", conversation.IntentTranslation},
		{"Will it rain tomorrow?", conversation.IntentWeather},
		{"How much is a taxi to the airport", conversation.IntentPricing},
		{"I lost my passport, help", conversation.IntentHelp},
		{"hello there", conversation.IntentGeneral},
		{"", conversation.IntentGeneral},
		{"facebook", conversation.IntentGeneral},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.text), "text=%q", tc.text)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	inputs := []string{"Book a room and find flights", "weather price", "???", "Translate the menu"}
	for _, in := range inputs {
		first := Classify(in)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, Classify(in))
		}
	}
}
