// Package suggestion derives proactive follow-up prompts from the latest assistant reply.
package suggestion

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/zhouzirui/z-travel/backend/internal/model/chat"
	"github.com/zhouzirui/z-travel/backend/internal/model/conversation"
)

// DefaultLimit is how many suggestions a turn keeps.
const DefaultLimit = 3

// Signals is what the generator reads from a turn.
type Signals struct {
	Topic       string
	Reply       string
	RichContent *chat.RichContent
	Entities    conversation.Entities
}

type rule struct {
	topic      string
	priority   int
	confidence float64
	match      func(Signals) bool
	text       func(Signals) string
}

var (
	accommodationPattern = regexp.MustCompile(`\b(?:hotels?|accommodations?|hostels?|apartments?|rooms?|stays?|resorts?|lodging|check-in|b&b)\b`)
	diningPattern        = regexp.MustCompile(`\b(?:restaurants?|dining|dinner|lunch|breakfast|cuisine|food|eat|eating|cafes?|menu)\b`)
	flightPattern        = regexp.MustCompile(`\b(?:flights?|airlines?|airport|layover|departure)\b`)
	weatherPattern       = regexp.MustCompile(`\b(?:weather|rain|forecast|temperature|sunny|storm)\b`)
)

var rules = []rule{
	{
		topic:      "accommodation",
		priority:   1,
		confidence: 0.85,
		match: func(s Signals) bool {
			return kindIs(s, chat.KindPropertyCard) || mentions(s, accommodationPattern)
		},
		text: func(s Signals) string {
			where := latest(s.Entities, conversation.EntityLocations)
			when := latest(s.Entities, conversation.EntityDates)
			switch {
			case where != "" && when != "":
				return fmt.Sprintf("Check availability in %s for %s", where, when)
			case where != "":
				return fmt.Sprintf("Check availability in %s for your dates", where)
			default:
				return "Check availability for your travel dates"
			}
		},
	},
	{
		topic:      "itinerary",
		priority:   1,
		confidence: 0.8,
		match: func(s Signals) bool {
			return kindIs(s, chat.KindItinerary)
		},
		text: func(Signals) string {
			return "Add buffer time and transport between activities"
		},
	},
	{
		topic:      "dining",
		priority:   2,
		confidence: 0.75,
		match: func(s Signals) bool {
			return mentions(s, diningPattern)
		},
		text: func(s Signals) string {
			if where := latest(s.Entities, conversation.EntityLocations); where != "" {
				return fmt.Sprintf("Filter restaurants in %s by dietary needs", where)
			}
			return "Filter restaurants by dietary needs"
		},
	},
	{
		topic:      "transport",
		priority:   3,
		confidence: 0.6,
		match: func(s Signals) bool {
			return mentions(s, flightPattern)
		},
		text: func(Signals) string {
			return "Compare flight times and baggage rules"
		},
	},
	{
		topic:      "weather",
		priority:   3,
		confidence: 0.55,
		match: func(s Signals) bool {
			return mentions(s, weatherPattern)
		},
		text: func(s Signals) string {
			if where := latest(s.Entities, conversation.EntityLocations); where != "" {
				return fmt.Sprintf("See the forecast for %s", where)
			}
			return "See the forecast for your destination"
		},
	},
}

// Generate returns at most limit suggestions ordered by priority, then confidence.
// The result always replaces the previous turn's list; a reply with no signal yields none.
func Generate(s Signals, limit int) []conversation.Suggestion {
	if limit <= 0 {
		limit = DefaultLimit
	}

	var out []conversation.Suggestion
	for _, r := range rules {
		if !r.match(s) {
			continue
		}
		out = append(out, conversation.Suggestion{
			Text:       r.text(s),
			Topic:      r.topic,
			Confidence: r.confidence,
			Priority:   r.priority,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Confidence > out[j].Confidence
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func mentions(s Signals, pattern *regexp.Regexp) bool {
	return pattern.MatchString(strings.ToLower(s.Reply)) || pattern.MatchString(strings.ToLower(s.Topic))
}

func kindIs(s Signals, kind chat.ContentKind) bool {
	return s.RichContent != nil && s.RichContent.Kind == kind
}

func latest(e conversation.Entities, kind conversation.EntityKind) string {
	if values := e[kind]; len(values) > 0 {
		return values[len(values)-1]
	}
	return ""
}
