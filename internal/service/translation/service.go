// Package translation 通过大模型完成带文化注释的翻译。
package translation

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

	"github.com/zhouzirui/z-travel/backend/internal/apperr"
	"github.com/zhouzirui/z-travel/backend/internal/model/chat"
	"github.com/zhouzirui/z-travel/backend/internal/service/resilience"
)

// AutoDetect 表示由服务自动识别源语言。
const AutoDetect = "auto"

// Request 是一次翻译请求。
type Request struct {
	Text            string `json:"text"`
	SourceLanguage  string `json:"sourceLanguage"`
	TargetLanguage  string `json:"targetLanguage"`
	CulturalContext bool   `json:"culturalContext"`
}

// Service 封装翻译链。
type Service struct {
	chain   compose.Runnable[map[string]any, *schema.Message]
	breaker *resilience.Breaker
}

// NewService 基于 chatModel 编译翻译链。
func NewService(ctx context.Context, chatModel model.ChatModel, breaker *resilience.Breaker) (*Service, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model is required")
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(translationSystemPrompt),
		schema.UserMessage(translationUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile translation chain: %w", err)
	}
	return &Service{chain: runnable, breaker: breaker}, nil
}

// Translate 返回翻译结果。空文本或缺少目标语言属于校验错误，不会发出请求。
func (s *Service) Translate(ctx context.Context, req Request) (chat.Translation, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return chat.Translation{}, apperr.Validation("text to translate is empty")
	}
	target := strings.TrimSpace(req.TargetLanguage)
	if target == "" {
		return chat.Translation{}, apperr.Validation("target language is required")
	}
	source := strings.TrimSpace(req.SourceLanguage)
	if source == "" {
		source = AutoDetect
	}

	notes := "Do not add cultural notes; return an empty culturalNotes list."
	if req.CulturalContext {
		notes = "Add up to three short cultural notes a traveller should know when using this phrase."
	}

	input := map[string]any{
		"source": source,
		"target": target,
		"notes":  notes,
		"text":   text,
		"format": outputFormat,
	}

	msg, err := resilience.Call(ctx, s.breaker, func(ctx context.Context) (*schema.Message, error) {
		return s.chain.Invoke(ctx, input)
	})
	if err != nil {
		return chat.Translation{}, fmt.Errorf("%w: translation: %w", apperr.ErrServiceUnavailable, err)
	}
	if msg == nil {
		return chat.Translation{}, fmt.Errorf("%w: translation returned no content", apperr.ErrServiceUnavailable)
	}

	result, err := parseTranslation(msg.Content)
	if err != nil {
		return chat.Translation{}, fmt.Errorf("%w: %w", apperr.ErrServiceUnavailable, err)
	}
	result.SourceText = text
	result.TargetLanguage = target
	if result.SourceLanguage == "" {
		result.SourceLanguage = source
	}
	if !req.CulturalContext {
		result.CulturalNotes = nil
	}

	log.Printf("[translation] %s -> %s, confidence=%.2f", result.SourceLanguage, target, result.Confidence)
	return result, nil
}

type translationPayload struct {
	TranslatedText   string   `json:"translatedText"`
	DetectedLanguage string   `json:"detectedLanguage"`
	Confidence       float64  `json:"confidence"`
	CulturalNotes    []string `json:"culturalNotes"`
	Alternatives     []string `json:"alternatives"`
}

func parseTranslation(content string) (chat.Translation, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end <= start {
		return chat.Translation{}, fmt.Errorf("translation output missing json object")
	}

	var payload translationPayload
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &payload); err != nil {
		return chat.Translation{}, fmt.Errorf("decode translation output: %w", err)
	}
	if strings.TrimSpace(payload.TranslatedText) == "" {
		return chat.Translation{}, fmt.Errorf("translation output has no text")
	}

	confidence := payload.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = 0.8
	}
	return chat.Translation{
		TranslatedText: strings.TrimSpace(payload.TranslatedText),
		SourceLanguage: strings.TrimSpace(payload.DetectedLanguage),
		Confidence:     confidence,
		CulturalNotes:  payload.CulturalNotes,
		Alternatives:   payload.Alternatives,
	}, nil
}

const translationSystemPrompt = "You are a translator for travellers. Translate faithfully and naturally. Output only one JSON object of this shape:\n{format}"

// outputFormat 以模板变量传入，避免花括号被 FString 解析。
const outputFormat = `{"translatedText": string, "detectedLanguage": BCP-47 code of the source, "confidence": 0-1, "culturalNotes": [string], "alternatives": [string]}`

const translationUserPrompt = "Source language: {source}\nTarget language: {target}\n{notes}\n\nText:\n{text}"
