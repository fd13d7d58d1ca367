package chat

import "time"

// Origin identifies who authored a message.
type Origin string

const (
	OriginUser      Origin = "user"
	OriginAssistant Origin = "assistant"
	OriginSystem    Origin = "system"
)

// DeliveryStatus annotates user messages that went through the outbox.
type DeliveryStatus string

const (
	DeliverySent    DeliveryStatus = "sent"
	DeliveryPending DeliveryStatus = "pending"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Message is one immutable transcript entry.
type Message struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionId"`
	Origin      Origin         `json:"origin"`
	Body        string         `json:"body"`
	CreatedAt   time.Time      `json:"createdAt"`
	RichContent *RichContent   `json:"richContent,omitempty"`
	Voice       *VoiceMetadata `json:"voiceMetadata,omitempty"`
	Sentiment   *Sentiment     `json:"sentiment,omitempty"`
}

// VoiceMetadata describes how a message was captured or will be spoken.
type VoiceMetadata struct {
	Transcribed      bool    `json:"transcribed"`
	Confidence       float64 `json:"confidence,omitempty"`
	DetectedLanguage string  `json:"detectedLanguage,omitempty"`
	DurationSeconds  float64 `json:"durationSeconds,omitempty"`
	AutoSent         bool    `json:"autoSent,omitempty"`
}

// Sentiment is the emotion attached to a message by a remote service or the local analyzer.
type Sentiment struct {
	Emotion    string  `json:"emotion"`
	Confidence float64 `json:"confidence"`
}

// Entry is a transcript row: the message plus its annotations.
type Entry struct {
	Message   Message        `json:"message"`
	Delivery  DeliveryStatus `json:"delivery,omitempty"`
	Reactions []Reaction     `json:"reactions,omitempty"`
}
