package chat

import "time"

// Reaction attaches user feedback to a message by id reference.
type Reaction struct {
	MessageID string    `json:"messageId"`
	SessionID string    `json:"sessionId"`
	Reaction  string    `json:"reaction"`
	CreatedAt time.Time `json:"timestamp"`
}
