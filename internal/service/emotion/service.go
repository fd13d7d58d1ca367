// Package emotion 为每条用户输入给出情绪判断，并据此推荐语音播报情绪。
package emotion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	analysis "github.com/zhouzirui/z-travel/backend/internal/analysis/emotion"
	"github.com/zhouzirui/z-travel/backend/internal/model/chat"
	"github.com/zhouzirui/z-travel/backend/internal/model/conversation"
	"github.com/zhouzirui/z-travel/backend/internal/service/resilience"
)

// Config 控制情绪分析服务的行为。
type Config struct {
	Enabled      bool
	HistoryLimit int
}

// Guidance 表示情绪分析的结果以及对回复语气的建议。
type Guidance struct {
	Reading analysis.Reading
	Voice   analysis.VoiceDecision
	Style   string
	Reason  string
}

// Service 使用大模型对会话情绪进行分析，失败时回退到关键词规则。
type Service struct {
	enabled      bool
	classifier   compose.Runnable[map[string]any, *schema.Message]
	breaker      *resilience.Breaker
	historyLimit int
}

// NewService 创建情绪分析服务。chatModel 为 nil 或未启用时只使用关键词规则。
func NewService(ctx context.Context, chatModel model.ChatModel, cfg Config, breaker *resilience.Breaker) (*Service, error) {
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 6
	}

	svc := &Service{
		enabled:      cfg.Enabled && chatModel != nil,
		breaker:      breaker,
		historyLimit: historyLimit,
	}
	if !svc.enabled {
		return svc, nil
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(emotionSystemPrompt),
		schema.UserMessage(emotionUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile emotion classifier chain: %w", err)
	}

	svc.classifier = runnable
	return svc, nil
}

// Enabled 返回大模型分类是否可用。
func (s *Service) Enabled() bool {
	return s != nil && s.enabled && s.classifier != nil
}

// Analyze 预测用户当前情绪。该方法不会失败：任何远端问题都会回退到本地规则。
func (s *Service) Analyze(ctx context.Context, history []chat.Message, userMessage string, tone conversation.Tone) Guidance {
	if !s.Enabled() {
		return fallbackGuidance(userMessage, tone)
	}

	input := map[string]any{
		"history":      formatHistory(history, s.historyLimit),
		"user_message": strings.TrimSpace(userMessage),
	}

	msg, err := resilience.Call(ctx, s.breaker, func(ctx context.Context) (*schema.Message, error) {
		return s.classifier.Invoke(ctx, input)
	})
	if err != nil {
		log.Printf("[emotion] classifier invoke failed, use fallback: %v", err)
		return fallbackGuidance(userMessage, tone)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return fallbackGuidance(userMessage, tone)
	}

	result, err := parseClassifierOutput(msg.Content)
	if err != nil {
		log.Printf("[emotion] classifier output parse failed, use fallback: %v", err)
		return fallbackGuidance(userMessage, tone)
	}

	label, ok := parseEmotionLabel(result.Emotion)
	if !ok {
		return fallbackGuidance(userMessage, tone)
	}

	confidence := result.Confidence
	if confidence <= 0 {
		confidence = 0.6
	}
	if confidence > 1 {
		confidence = 1
	}

	reading := analysis.Reading{
		Emotion:    label,
		Confidence: confidence,
		Score:      clampIntensity(result.Intensity),
	}

	style := strings.TrimSpace(result.Style)
	if style == "" {
		style = defaultStyleByEmotion[label]
	}

	return Guidance{
		Reading: reading,
		Voice:   analysis.VoiceFor(reading, tone),
		Style:   style,
		Reason:  strings.TrimSpace(result.Reason),
	}
}

func fallbackGuidance(userMessage string, tone conversation.Tone) Guidance {
	reading := analysis.Detect(userMessage)
	style := defaultStyleByEmotion[reading.Emotion]
	if style == "" {
		style = "Keep a natural, friendly tone."
	}

	return Guidance{
		Reading: reading,
		Voice:   analysis.VoiceFor(reading, tone),
		Style:   style,
		Reason:  "fallback",
	}
}

// parseClassifierOutput 解析大模型返回的 JSON。
func parseClassifierOutput(content string) (*classifierPayload, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("missing json object")
	}

	payload := &classifierPayload{}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func formatHistory(messages []chat.Message, limit int) string {
	if len(messages) == 0 {
		return "(no earlier messages)"
	}
	if limit < 1 {
		limit = 1
	}
	start := len(messages) - limit
	if start < 0 {
		start = 0
	}

	var builder strings.Builder
	for _, msg := range messages[start:] {
		body := strings.TrimSpace(msg.Body)
		if body == "" || msg.Origin == chat.OriginSystem {
			continue
		}
		role := "Traveller"
		if msg.Origin == chat.OriginAssistant {
			role = "Assistant"
		}
		if builder.Len() > 0 {
			builder.WriteString("\n")
		}
		builder.WriteString(role)
		builder.WriteString(": ")
		builder.WriteString(body)
	}
	if builder.Len() == 0 {
		return "(no earlier messages)"
	}
	return builder.String()
}

func parseEmotionLabel(raw string) (analysis.Label, bool) {
	label := analysis.Label(strings.ToLower(strings.TrimSpace(raw)))
	switch label {
	case analysis.Joy, analysis.Excitement, analysis.Neutral, analysis.Frustration,
		analysis.Sadness, analysis.Anxiety, analysis.Anger, analysis.Confusion:
		return label, true
	default:
		return "", false
	}
}

func clampIntensity(val int) int {
	if val < 0 {
		return 0
	}
	if val > 8 {
		return 8
	}
	return val
}

type classifierPayload struct {
	Emotion    string  `json:"emotion"`
	Intensity  int     `json:"intensity"`
	Confidence float64 `json:"confidence"`
	Style      string  `json:"style"`
	Reason     string  `json:"reason"`
}

const emotionSystemPrompt = "You analyse the mood of a traveller talking to a travel assistant. Read the recent conversation and the latest message, then infer the traveller's current emotion.\nOutput only one JSON object with these fields: emotion (one of joy/excitement/neutral/frustration/sadness/anxiety/anger/confusion), intensity (integer 0-8), confidence (0-1), style (one sentence on how the assistant should sound), reason (short). No other text."

const emotionUserPrompt = "Recent conversation:\n{history}\n\nLatest message:\n{user_message}\n\nReturn the JSON."

var defaultStyleByEmotion = map[analysis.Label]string{
	analysis.Neutral:     "Calm and clear, keep the information easy to scan.",
	analysis.Joy:         "Light and upbeat, share the traveller's good mood.",
	analysis.Excitement:  "Energetic, match the excitement without overpromising.",
	analysis.Frustration: "Steady and solution first, acknowledge the hassle briefly.",
	analysis.Sadness:     "Gentle and empathetic, offer a small concrete help.",
	analysis.Anxiety:     "Reassuring, give clear next steps and options.",
	analysis.Anger:       "Calm and respectful, focus on fixing the problem.",
	analysis.Confusion:   "Patient, explain step by step in plain words.",
}
