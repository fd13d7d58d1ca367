// Package session holds the per-conversation context store: topic, intent, entities,
// sentiment, flow history, interruption log, suggestions, memory and preferences.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/z-travel/backend/internal/analysis/sentiment"
	"github.com/zhouzirui/z-travel/backend/internal/model/conversation"
)

// FlowLimit bounds the flow step history.
const FlowLimit = 10

// 记忆中使用的键。
const (
	MemoryDestination = "destination"
	MemoryDates       = "dates"
	MemoryGroupSize   = "groupSize"
	MemoryBudget      = "budget"
)

// Context is the aggregate root of one conversation. Every method is atomic with
// respect to the others; callers never see a half-applied update.
type Context struct {
	mu sync.RWMutex

	id            string
	topic         string
	intent        conversation.Intent
	entities      conversation.Entities
	sentiment     *sentiment.Tracker
	flow          []conversation.FlowStep
	interruptions []conversation.Interruption
	suggestions   []conversation.Suggestion
	memory        map[string]string
	prefs         conversation.Preferences

	now func() time.Time
}

// New creates an empty context for sessionID with the given preferences.
func New(sessionID string, prefs conversation.Preferences) *Context {
	return &Context{
		id:        sessionID,
		intent:    conversation.IntentGeneral,
		entities:  conversation.Entities{},
		sentiment: sentiment.NewTracker(),
		memory:    map[string]string{},
		prefs:     prefs.Normalize(),
		now:       time.Now,
	}
}

// ID returns the immutable session id.
func (c *Context) ID() string {
	return c.id
}

// Update merges entities, sets the topic when topicHint is non-empty and appends a flow step.
// It never fails.
func (c *Context) Update(intent conversation.Intent, entities conversation.Entities, topicHint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if intent == "" {
		intent = conversation.IntentGeneral
	}
	c.intent = intent
	c.entities.Merge(entities)
	if hint := strings.TrimSpace(topicHint); hint != "" {
		c.topic = hint
	}

	// 意图切换时，上一步视为已完成。
	if n := len(c.flow); n > 0 && c.flow[n-1].Step != intent {
		c.flow[n-1].Completed = true
	}
	c.flow = append(c.flow, conversation.FlowStep{Step: intent, Timestamp: c.now()})
	if over := len(c.flow) - FlowLimit; over > 0 {
		c.flow = append([]conversation.FlowStep(nil), c.flow[over:]...)
	}

	c.rememberLocked(entities)
}

// Annotate applies labels inferred by the remote service. Entities merge and a non-empty
// topic replaces the current one; a flow step is appended only when the intent changes.
func (c *Context) Annotate(intent conversation.Intent, entities conversation.Entities, topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entities.Merge(entities)
	if t := strings.TrimSpace(topic); t != "" {
		c.topic = t
	}
	if intent != "" && intent != c.intent {
		if n := len(c.flow); n > 0 {
			c.flow[n-1].Completed = true
		}
		c.intent = intent
		c.flow = append(c.flow, conversation.FlowStep{Step: intent, Timestamp: c.now()})
		if over := len(c.flow) - FlowLimit; over > 0 {
			c.flow = append([]conversation.FlowStep(nil), c.flow[over:]...)
		}
	}
	c.rememberLocked(entities)
}

func (c *Context) rememberLocked(entities conversation.Entities) {
	if c.prefs.MemoryRetention == conversation.RetentionOff {
		return
	}
	facts := map[conversation.EntityKind]string{
		conversation.EntityLocations: MemoryDestination,
		conversation.EntityDates:     MemoryDates,
		conversation.EntityGroupSize: MemoryGroupSize,
		conversation.EntityPrices:    MemoryBudget,
	}
	for kind, key := range facts {
		if values := entities[kind]; len(values) > 0 {
			c.memory[key] = values[len(values)-1]
		}
	}
}

// RecordSentiment appends a sample and returns the recomputed trend.
func (c *Context) RecordSentiment(emotion string, confidence float64) conversation.Trend {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sentiment.Record(emotion, confidence)
}

// RecordInterruption appends an unresolved entry describing the interrupted state.
func (c *Context) RecordInterruption(interrupted string) conversation.Interruption {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := conversation.Interruption{Timestamp: c.now(), Context: interrupted}
	c.interruptions = append(c.interruptions, entry)
	return entry
}

// ResolveInterruptions flips the resolved flag on every open entry and returns how many changed.
// Nothing else about an entry is ever modified.
func (c *Context) ResolveInterruptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for i := range c.interruptions {
		if !c.interruptions[i].Resolved {
			c.interruptions[i].Resolved = true
			n++
		}
	}
	return n
}

// SetSuggestions replaces the suggestion list.
func (c *Context) SetSuggestions(items []conversation.Suggestion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suggestions = append([]conversation.Suggestion(nil), items...)
}

// Remember stores a free-form fact unless retention is off.
func (c *Context) Remember(key, value string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prefs.MemoryRetention == conversation.RetentionOff || strings.TrimSpace(key) == "" {
		return false
	}
	c.memory[key] = value
	return true
}

// Recall returns a remembered fact.
func (c *Context) Recall(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.memory[key]
	return v, ok
}

// Preferences returns the current preferences.
func (c *Context) Preferences() conversation.Preferences {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prefs
}

// SetPreferences replaces the preferences. Turning retention off forgets everything remembered.
func (c *Context) SetPreferences(prefs conversation.Preferences) conversation.Preferences {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefs = prefs.Normalize()
	if c.prefs.MemoryRetention == conversation.RetentionOff {
		c.memory = map[string]string{}
	}
	return c.prefs
}

// Reset clears topic, intent, entities, sentiment, flow, interruptions and suggestions.
// Preferences survive; memory survives only under persistent retention.
func (c *Context) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.topic = ""
	c.intent = conversation.IntentGeneral
	c.entities = conversation.Entities{}
	c.sentiment.Reset()
	c.flow = nil
	c.interruptions = nil
	c.suggestions = nil
	if c.prefs.MemoryRetention != conversation.RetentionPersistent {
		c.memory = map[string]string{}
	}
}

// Snapshot returns a deep copy safe to hand to collaborators.
func (c *Context) Snapshot() conversation.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	memory := make(map[string]string, len(c.memory))
	for k, v := range c.memory {
		memory[k] = v
	}
	return conversation.Snapshot{
		SessionID:            c.id,
		CurrentTopic:         c.topic,
		Intent:               c.intent,
		Entities:             c.entities.Clone(),
		SentimentHistory:     c.sentiment.History(),
		SentimentTrend:       c.sentiment.Trend(),
		FlowSteps:            append([]conversation.FlowStep(nil), c.flow...),
		Interruptions:        append([]conversation.Interruption(nil), c.interruptions...),
		ProactiveSuggestions: append([]conversation.Suggestion(nil), c.suggestions...),
		Memory:               memory,
		Preferences:          c.prefs,
	}
}
