// Package conversation holds the value types of a session's conversational context.
package conversation

import (
	"strings"
	"time"
)

// Intent is the coarse label assigned to an utterance.
type Intent string

const (
	IntentBooking     Intent = "booking"
	IntentSearch      Intent = "search"
	IntentHelp        Intent = "help"
	IntentPlanning    Intent = "planning"
	IntentTranslation Intent = "translation"
	IntentWeather     Intent = "weather"
	IntentPricing     Intent = "pricing"
	IntentGeneral     Intent = "general"
)

// EntityKind names one extraction pass.
type EntityKind string

const (
	EntityLocations EntityKind = "locations"
	EntityDates     EntityKind = "dates"
	EntityPrices    EntityKind = "prices"
	EntityGroupSize EntityKind = "groupSize"
)

// Entities maps a kind to the values extracted for it.
type Entities map[EntityKind][]string

// Merge unions other into e, keeping first-seen order and skipping duplicates.
func (e Entities) Merge(other Entities) {
	for kind, values := range other {
		existing := e[kind]
		for _, v := range values {
			if !containsFold(existing, v) {
				existing = append(existing, v)
			}
		}
		if len(existing) > 0 {
			e[kind] = existing
		}
	}
}

// Clone returns a deep copy.
func (e Entities) Clone() Entities {
	out := make(Entities, len(e))
	for kind, values := range e {
		out[kind] = append([]string(nil), values...)
	}
	return out
}

// Empty reports whether no kind carries a value.
func (e Entities) Empty() bool {
	for _, values := range e {
		if len(values) > 0 {
			return false
		}
	}
	return true
}

func containsFold(values []string, candidate string) bool {
	for _, v := range values {
		if strings.EqualFold(v, candidate) {
			return true
		}
	}
	return false
}

// Trend summarises the direction of recent sentiment.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// SentimentSample is one observation of the user's emotional state.
type SentimentSample struct {
	Emotion    string    `json:"emotion"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// FlowStep records an intent transition.
type FlowStep struct {
	Step      Intent    `json:"step"`
	Completed bool      `json:"completed"`
	Timestamp time.Time `json:"timestamp"`
}

// Interruption records an assistant action preempted by user input.
type Interruption struct {
	Timestamp time.Time `json:"timestamp"`
	Context   string    `json:"context"`
	Resolved  bool      `json:"resolved"`
}

// Suggestion is a proactive follow-up prompt.
type Suggestion struct {
	Text       string  `json:"text"`
	Topic      string  `json:"topic"`
	Confidence float64 `json:"confidence"`
	Priority   int     `json:"priority"`
}
