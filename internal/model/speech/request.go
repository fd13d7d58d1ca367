package speech

// TranscriptionRequest 语音识别请求
type TranscriptionRequest struct {
	SessionID    string `json:"sessionId"`
	Audio        []byte `json:"-"`
	Format       string `json:"format"`       // pcm, wav, mp3, webm
	LanguageHint string `json:"languageHint"` // en-US, zh-CN, ...
}

// SynthesisRequest 语音合成请求
type SynthesisRequest struct {
	SessionID    string  `json:"sessionId"`
	Text         string  `json:"text"`
	VoiceID      string  `json:"voiceId"`
	LanguageHint string  `json:"languageHint"`
	Tone         string  `json:"tone"`            // friendly, professional, casual, enthusiastic
	Speed        float32 `json:"speed"`           // 语速倍率 0.5-2.0
	Emotion      string  `json:"emotion,omitempty"`
	EmotionScale float32 `json:"emotionScale,omitempty"`
	Format       string  `json:"format"`
}
