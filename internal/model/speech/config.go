package speech

// Config 语音服务配置
type Config struct {
	// 火山引擎鉴权
	AppID       string `json:"appId"`
	AccessToken string `json:"accessToken"`
	APIKey      string `json:"apiKey,omitempty"` // 兼容旧配置
	Cluster     string `json:"cluster"`
	BaseURL     string `json:"baseUrl"`

	// ASR 配置
	ASRResourceID string `json:"asrResourceId"`
	ASRLanguage   string `json:"asrLanguage"`
	SampleRate    int    `json:"sampleRate"`

	// TTS 配置
	TTSVoice    string  `json:"ttsVoice"`
	TTSSpeed    float32 `json:"ttsSpeed"`
	TTSLanguage string  `json:"ttsLanguage"`
	TTSFormat   string  `json:"ttsFormat"`

	Timeout int `json:"timeout"` // seconds
}
