package chat

import "github.com/zhouzirui/z-travel/backend/internal/model/conversation"

// CompletionRequest is what the chat completion service receives for one turn.
type CompletionRequest struct {
	SessionID   string                   `json:"sessionId"`
	Message     string                   `json:"message"`
	History     []Message                `json:"-"`
	Context     conversation.Snapshot    `json:"contextSnapshot"`
	Preferences conversation.Preferences `json:"preferences"`
}

// CompletionReply is the assistant's answer for one turn.
type CompletionReply struct {
	ResponseText  string         `json:"responseText"`
	ContextUpdate *ContextUpdate `json:"contextUpdate,omitempty"`
	RichContent   *RichContent   `json:"richContent,omitempty"`
	Sentiment     *Sentiment     `json:"sentiment,omitempty"`
	VoiceResponse *VoiceResponse `json:"voiceResponse,omitempty"`
}

// ContextUpdate carries labels the remote service inferred for the turn.
type ContextUpdate struct {
	Topic       string                    `json:"topic,omitempty"`
	Intent      conversation.Intent       `json:"intent,omitempty"`
	Entities    conversation.Entities     `json:"entities,omitempty"`
	Suggestions []conversation.Suggestion `json:"suggestions,omitempty"`
}

// VoiceResponse asks the client to speak the reply.
type VoiceResponse struct {
	Text    string  `json:"text"`
	VoiceID string  `json:"voiceId,omitempty"`
	Speed   float32 `json:"speed,omitempty"`
}
