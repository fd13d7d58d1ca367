// Package intent maps an utterance to one coarse intent label.
package intent

import (
	"regexp"
	"strings"

	"github.com/zhouzirui/z-travel/backend/internal/model/conversation"
)

type rule struct {
	intent   conversation.Intent
	keywords []string
	pattern  *regexp.Regexp
}

// rules are checked in order; the first match wins.
var rules = compile([]rule{
	{intent: conversation.IntentBooking, keywords: []string{"book", "booking", "reserve", "reservation", "check in", "check-in", "confirm my"}},
	{intent: conversation.IntentSearch, keywords: []string{"find", "search", "look for", "looking for", "show me", "hotels", "flights", "restaurants", "options"}},
	{intent: conversation.IntentHelp, keywords: []string{"help", "support", "problem", "issue", "lost", "emergency", "how do i"}},
	{intent: conversation.IntentPlanning, keywords: []string{"plan", "itinerary", "schedule", "trip", "route", "day by day"}},
	{intent: conversation.IntentTranslation, keywords: []string{"translate", "translation", "how do you say", "what does", "mean in"}},
	{intent: conversation.IntentWeather, keywords: []string{"weather", "forecast", "rain", "temperature", "sunny"}},
	{intent: conversation.IntentPricing, keywords: []string{"price", "cost", "how much", "budget", "cheap", "expensive", "fare"}},
})

func compile(in []rule) []rule {
	for i := range in {
		quoted := make([]string, 0, len(in[i].keywords))
		for _, kw := range in[i].keywords {
			quoted = append(quoted, regexp.QuoteMeta(kw))
		}
		in[i].pattern = regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
	}
	return in
}

// Classify returns exactly one intent for text; IntentGeneral when nothing matches.
func Classify(text string) conversation.Intent {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return conversation.IntentGeneral
	}

	for _, r := range rules {
		if r.pattern.MatchString(normalized) {
			return r.intent
		}
	}
	return conversation.IntentGeneral
}
