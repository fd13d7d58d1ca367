// Package sentiment keeps a bounded rolling window of emotion samples and derives a trend from it.
package sentiment

import (
	"strings"
	"time"

	"github.com/zhouzirui/z-travel/backend/internal/model/conversation"
)

const (
	// HistoryLimit 为情绪历史的最大长度，超出后丢弃最旧的样本。
	HistoryLimit = 10
	trendWindow  = 3
)

var positive = map[string]struct{}{
	"joy":        {},
	"excitement": {},
	"neutral":    {},
}

var negative = map[string]struct{}{
	"frustration": {},
	"sadness":     {},
	"anxiety":     {},
	"anger":       {},
	"confusion":   {},
}

// IsPositive reports whether emotion belongs to the positive set.
func IsPositive(emotion string) bool {
	_, ok := positive[strings.ToLower(strings.TrimSpace(emotion))]
	return ok
}

// IsNegative reports whether emotion belongs to the negative set.
func IsNegative(emotion string) bool {
	_, ok := negative[strings.ToLower(strings.TrimSpace(emotion))]
	return ok
}

// Tracker 不做并发保护，由持有它的会话上下文负责串行化。
type Tracker struct {
	samples []conversation.SentimentSample
	trend   conversation.Trend
	now     func() time.Time
}

// NewTracker returns an empty tracker whose trend is stable.
func NewTracker() *Tracker {
	return &Tracker{trend: conversation.TrendStable, now: time.Now}
}

// Record appends a sample, evicts the oldest beyond HistoryLimit and recomputes the trend.
func (t *Tracker) Record(emotion string, confidence float64) conversation.Trend {
	sample := conversation.SentimentSample{
		Emotion:    strings.ToLower(strings.TrimSpace(emotion)),
		Confidence: clamp(confidence),
		Timestamp:  t.now(),
	}
	t.samples = append(t.samples, sample)
	if over := len(t.samples) - HistoryLimit; over > 0 {
		t.samples = append([]conversation.SentimentSample(nil), t.samples[over:]...)
	}
	t.trend = Trend(t.samples)
	return t.trend
}

// History returns a copy of the samples, oldest first.
func (t *Tracker) History() []conversation.SentimentSample {
	return append([]conversation.SentimentSample(nil), t.samples...)
}

// Trend returns the trend computed by the last Record call.
func (t *Tracker) Trend() conversation.Trend {
	return t.trend
}

// Len returns the number of retained samples.
func (t *Tracker) Len() int {
	return len(t.samples)
}

// Reset drops all samples.
func (t *Tracker) Reset() {
	t.samples = nil
	t.trend = conversation.TrendStable
}

// Trend derives the direction of the last three samples. The latest sample must agree
// with the majority for the trend to move; anything else is stable.
func Trend(samples []conversation.SentimentSample) conversation.Trend {
	if len(samples) < trendWindow {
		return conversation.TrendStable
	}
	window := samples[len(samples)-trendWindow:]
	current := window[len(window)-1].Emotion

	pos, neg := 0, 0
	for _, s := range window {
		switch {
		case IsPositive(s.Emotion):
			pos++
		case IsNegative(s.Emotion):
			neg++
		}
	}

	switch {
	case pos >= 2 && IsPositive(current):
		return conversation.TrendImproving
	case neg >= 2 && IsNegative(current):
		return conversation.TrendDeclining
	default:
		return conversation.TrendStable
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
