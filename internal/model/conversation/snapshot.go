package conversation

// Snapshot is a read-only copy of a session's context, safe to hand to collaborators.
type Snapshot struct {
	SessionID            string            `json:"sessionId"`
	CurrentTopic         string            `json:"currentTopic"`
	Intent               Intent            `json:"intent"`
	Entities             Entities          `json:"entities"`
	SentimentHistory     []SentimentSample `json:"sentimentHistory"`
	SentimentTrend       Trend             `json:"sentimentTrend"`
	FlowSteps            []FlowStep        `json:"flowSteps"`
	Interruptions        []Interruption    `json:"interruptions"`
	ProactiveSuggestions []Suggestion      `json:"proactiveSuggestions"`
	Memory               map[string]string `json:"memory,omitempty"`
	Preferences          Preferences       `json:"preferences"`
}
