package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"gopkg.in/yaml.v3"

	speechmodel "github.com/zhouzirui/z-travel/backend/internal/model/speech"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	AI       AIConfig
	Speech   SpeechConfig
	Storage  StorageConfig
	Feedback FeedbackConfig
	Remote   RemoteConfig
	Engine   EngineConfig
}

// Load 从环境变量加载配置；ENGINE_CONFIG_FILE 指向的 YAML 文件可以覆盖引擎参数。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	speech, err := loadSpeechConfig()
	if err != nil {
		return nil, err
	}

	feedback, err := loadFeedbackConfig()
	if err != nil {
		return nil, err
	}

	remote, err := loadRemoteConfig()
	if err != nil {
		return nil, err
	}

	engine, err := loadEngineConfig()
	if err != nil {
		return nil, err
	}
	if path := strings.TrimSpace(os.Getenv("ENGINE_CONFIG_FILE")); path != "" {
		if err := engine.overlay(path); err != nil {
			return nil, err
		}
	}
	if err := engine.validate(); err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		AI:       ai,
		Speech:   speech,
		Storage:  StorageConfig{SQLitePath: getEnvOrDefault("SQLITE_PATH", "./data/travel.db")},
		Feedback: feedback,
		Remote:   remote,
		Engine:   engine,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	var origins []string
	for _, origin := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey              string
	AccessKey           string
	SecretKey           string
	Model               string
	BaseURL             string
	Region              string
	Temperature         *float64
	TopP                *float64
	MaxTokens           *int
	EmotionLLMEnabled   bool
	EmotionHistoryLimit int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	emotionEnabled, err := parseBoolEnv("EMOTION_LLM_ENABLED", false)
	if err != nil {
		return AIConfig{}, err
	}

	emotionHistory := 6
	if historyOverride, err := parseOptionalIntEnv("EMOTION_HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if historyOverride != nil {
		emotionHistory = max(1, *historyOverride)
	}

	return AIConfig{
		APIKey:              strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:           strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:           strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:               strings.TrimSpace(os.Getenv("Model")),
		BaseURL:             getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:              getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:         temperature,
		TopP:                topP,
		MaxTokens:           maxTokens,
		EmotionLLMEnabled:   emotionEnabled,
		EmotionHistoryLimit: emotionHistory,
	}, nil
}

// SpeechConfig 描述语音服务相关配置
type SpeechConfig struct {
	AppID         string
	AccessToken   string
	Cluster       string
	BaseURL       string
	ASRResourceID string
	ASRLanguage   string
	SampleRate    int
	TTSVoice      string
	TTSSpeed      float32
	TTSLanguage   string
	TTSFormat     string
	Timeout       int
	Enabled       bool
}

// Model 转换为语音客户端使用的配置。
func (c SpeechConfig) Model() *speechmodel.Config {
	return &speechmodel.Config{
		AppID:         c.AppID,
		AccessToken:   c.AccessToken,
		Cluster:       c.Cluster,
		BaseURL:       c.BaseURL,
		ASRResourceID: c.ASRResourceID,
		ASRLanguage:   c.ASRLanguage,
		SampleRate:    c.SampleRate,
		TTSVoice:      c.TTSVoice,
		TTSSpeed:      c.TTSSpeed,
		TTSLanguage:   c.TTSLanguage,
		TTSFormat:     c.TTSFormat,
		Timeout:       c.Timeout,
	}
}

func loadSpeechConfig() (SpeechConfig, error) {
	timeout, err := parseOptionalIntEnv("SPEECH_TIMEOUT")
	if err != nil {
		return SpeechConfig{}, err
	}
	timeoutSeconds := 30
	if timeout != nil {
		timeoutSeconds = *timeout
	}

	speed, err := parseOptionalFloat32Env("SPEECH_TTS_SPEED")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsSpeed := float32(1.0)
	if speed != nil {
		ttsSpeed = *speed
	}

	sampleRate, err := parseOptionalIntEnv("SPEECH_SAMPLE_RATE")
	if err != nil {
		return SpeechConfig{}, err
	}
	rate := 16000
	if sampleRate != nil {
		rate = *sampleRate
	}

	appID := strings.TrimSpace(os.Getenv("SPEECH_APP_ID"))
	accessToken := strings.TrimSpace(os.Getenv("SPEECH_ACCESS_TOKEN"))
	if accessToken == "" {
		accessToken = strings.TrimSpace(os.Getenv("SPEECH_API_KEY"))
	}

	resource := getEnvOrDefault("SPEECH_ASR_RESOURCE_ID", strings.TrimSpace(os.Getenv("SPEECH_ASR_MODEL")))

	return SpeechConfig{
		AppID:         appID,
		AccessToken:   accessToken,
		Cluster:       getEnvOrDefault("SPEECH_CLUSTER", ""),
		BaseURL:       getEnvOrDefault("SPEECH_BASE_URL", ""),
		ASRResourceID: resource,
		ASRLanguage:   getEnvOrDefault("SPEECH_ASR_LANGUAGE", "en-US"),
		SampleRate:    rate,
		TTSVoice:      getEnvOrDefault("SPEECH_TTS_VOICE", ""),
		TTSSpeed:      ttsSpeed,
		TTSLanguage:   getEnvOrDefault("SPEECH_TTS_LANGUAGE", "en-US"),
		TTSFormat:     getEnvOrDefault("SPEECH_TTS_FORMAT", "mp3"),
		Timeout:       timeoutSeconds,
		Enabled:       appID != "" && accessToken != "",
	}, nil
}

// StorageConfig 描述持久化配置。":memory:" 表示不落盘。
type StorageConfig struct {
	SQLitePath string
}

// FeedbackConfig 描述反馈上报配置。URL 为空时只记录日志。
type FeedbackConfig struct {
	URL     string
	Rate    float64
	Burst   int
	Timeout time.Duration
}

func loadFeedbackConfig() (FeedbackConfig, error) {
	rate, err := parseOptionalFloatEnv("FEEDBACK_RATE")
	if err != nil {
		return FeedbackConfig{}, err
	}
	burst, err := parseOptionalIntEnv("FEEDBACK_BURST")
	if err != nil {
		return FeedbackConfig{}, err
	}

	cfg := FeedbackConfig{URL: strings.TrimSpace(os.Getenv("FEEDBACK_URL")), Rate: 5, Burst: 10, Timeout: 5 * time.Second}
	if rate != nil {
		if *rate <= 0 {
			return FeedbackConfig{}, fmt.Errorf("invalid FEEDBACK_RATE value %v: must be positive", *rate)
		}
		cfg.Rate = *rate
	}
	if burst != nil {
		if *burst <= 0 {
			return FeedbackConfig{}, fmt.Errorf("invalid FEEDBACK_BURST value %d: must be positive", *burst)
		}
		cfg.Burst = *burst
	}
	return cfg, nil
}

// RemoteConfig 控制远端 AI 调用的超时与熔断。
type RemoteConfig struct {
	Timeout     time.Duration
	MaxFailures uint32
	OpenTimeout time.Duration
}

func loadRemoteConfig() (RemoteConfig, error) {
	cfg := RemoteConfig{Timeout: 30 * time.Second, MaxFailures: 3, OpenTimeout: 30 * time.Second}

	timeout, err := parseOptionalIntEnv("REMOTE_TIMEOUT_SECONDS")
	if err != nil {
		return RemoteConfig{}, err
	}
	if timeout != nil {
		if *timeout <= 0 {
			return RemoteConfig{}, fmt.Errorf("invalid REMOTE_TIMEOUT_SECONDS value %d: must be positive", *timeout)
		}
		cfg.Timeout = time.Duration(*timeout) * time.Second
	}

	failures, err := parseOptionalIntEnv("REMOTE_BREAKER_FAILURES")
	if err != nil {
		return RemoteConfig{}, err
	}
	if failures != nil && *failures > 0 {
		cfg.MaxFailures = uint32(*failures)
	}

	open, err := parseOptionalIntEnv("REMOTE_BREAKER_OPEN_SECONDS")
	if err != nil {
		return RemoteConfig{}, err
	}
	if open != nil && *open > 0 {
		cfg.OpenTimeout = time.Duration(*open) * time.Second
	}
	return cfg, nil
}

// EngineConfig 是会话引擎的可调参数。
type EngineConfig struct {
	AutoSendThreshold  float64 `yaml:"autoSendThreshold"`
	OutboxRetryCeiling int     `yaml:"outboxRetryCeiling"`
	MaxSuggestions     int     `yaml:"maxSuggestions"`
	LevelSampleMS      int     `yaml:"levelSampleMs"`
	WaveformSamples    int     `yaml:"waveformSamples"`
	AudioFormat        string  `yaml:"audioFormat"`
}

// LevelSampleInterval 返回电平采样间隔。
func (c EngineConfig) LevelSampleInterval() time.Duration {
	return time.Duration(c.LevelSampleMS) * time.Millisecond
}

func loadEngineConfig() (EngineConfig, error) {
	cfg := EngineConfig{
		AutoSendThreshold:  0.85,
		OutboxRetryCeiling: 5,
		MaxSuggestions:     3,
		LevelSampleMS:      100,
		WaveformSamples:    48,
		AudioFormat:        getEnvOrDefault("ENGINE_AUDIO_FORMAT", "pcm"),
	}

	threshold, err := parseOptionalFloatEnv("ENGINE_AUTO_SEND_THRESHOLD")
	if err != nil {
		return EngineConfig{}, err
	}
	if threshold != nil {
		cfg.AutoSendThreshold = *threshold
	}

	ints := []struct {
		key    string
		target *int
	}{
		{"ENGINE_OUTBOX_RETRY_CEILING", &cfg.OutboxRetryCeiling},
		{"ENGINE_MAX_SUGGESTIONS", &cfg.MaxSuggestions},
		{"ENGINE_LEVEL_SAMPLE_MS", &cfg.LevelSampleMS},
		{"ENGINE_WAVEFORM_SAMPLES", &cfg.WaveformSamples},
	}
	for _, item := range ints {
		val, err := parseOptionalIntEnv(item.key)
		if err != nil {
			return EngineConfig{}, err
		}
		if val != nil {
			*item.target = *val
		}
	}
	return cfg, nil
}

// overlay 用 YAML 文件中出现的键覆盖当前值，未出现的键保持不变。
func (c *EngineConfig) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read engine config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse engine config %s: %w", path, err)
	}
	return nil
}

func (c EngineConfig) validate() error {
	var errs []error
	if c.AutoSendThreshold <= 0 || c.AutoSendThreshold > 1 {
		errs = append(errs, fmt.Errorf("auto-send threshold %v must be in (0, 1]", c.AutoSendThreshold))
	}
	if c.OutboxRetryCeiling < 1 {
		errs = append(errs, fmt.Errorf("outbox retry ceiling %d must be at least 1", c.OutboxRetryCeiling))
	}
	if c.MaxSuggestions < 1 {
		errs = append(errs, fmt.Errorf("max suggestions %d must be at least 1", c.MaxSuggestions))
	}
	if c.LevelSampleMS < 10 {
		errs = append(errs, fmt.Errorf("level sample interval %dms must be at least 10ms", c.LevelSampleMS))
	}
	if c.WaveformSamples < 1 {
		errs = append(errs, fmt.Errorf("waveform samples %d must be at least 1", c.WaveformSamples))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid engine config: %w", errors.Join(errs...))
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalFloat32Env(key string) (*float32, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	result := float32(val)
	return &result, nil
}
