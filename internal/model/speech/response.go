package speech

import "time"

// TranscriptionResult 语音识别响应
type TranscriptionResult struct {
	SessionID        string    `json:"sessionId"`
	Transcript       string    `json:"transcript"`
	Confidence       float64   `json:"confidence"`
	DetectedLanguage string    `json:"detectedLanguage,omitempty"`
	Emotions         []string  `json:"emotions,omitempty"`
	Duration         int64     `json:"duration"` // milliseconds
	RequestID        string    `json:"requestId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// SynthesisResult 语音合成响应
type SynthesisResult struct {
	SessionID string    `json:"sessionId"`
	Audio     []byte    `json:"-"`
	Format    string    `json:"format"`
	Duration  int64     `json:"duration"` // milliseconds
	RequestID string    `json:"requestId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
