// Package ai adapts the chat model to the turn-level completion contract.
package ai

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

const historyLimit = 10

// Service encapsulates AI-powered chat completion.
type Service struct {
	chatModel model.ChatModel
	chain     compose.Runnable[map[string]any, *schema.Message]
	prompts   *TonePromptManager
	breaker   *resilience.Breaker
}

// NewService compiles the completion chain over chatModel. breaker may be nil.
func NewService(ctx context.Context, chatModel model.ChatModel, breaker *resilience.Breaker) (*Service, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model is required")
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		chain:     runnable,
		prompts:   NewTonePromptManager(),
		breaker:   breaker,
	}, nil
}

// ChatModel 返回底层的聊天模型，供翻译、识别等服务复用。
func (s *Service) ChatModel() model.ChatModel {
	return s.chatModel
}

// Complete runs one turn. Remote failures wrap apperr.ErrServiceUnavailable and keep the
// underlying cause so callers can tell network trouble apart.
func (s *Service) Complete(ctx context.Context, req chat.CompletionRequest) (chat.CompletionReply, error) {
	if strings.TrimSpace(req.Message) == "" {
		return chat.CompletionReply{}, apperr.Validation("message is empty")
	}

	input := map[string]any{
		"system":  s.prompts.BuildSystemPrompt(req.Preferences, req.Context),
		"history": buildHistoryMessages(req.History),
		"query":   req.Message,
	}

	response, err := resilience.Call(ctx, s.breaker, func(ctx context.Context) (*schema.Message, error) {
		return s.chain.Invoke(ctx, input)
	})
	if err != nil {
		return chat.CompletionReply{}, fmt.Errorf("%w: chat completion: %w", apperr.ErrServiceUnavailable, err)
	}
	if response == nil || strings.TrimSpace(response.Content) == "" {
		return chat.CompletionReply{}, fmt.Errorf("%w: chat completion returned no content", apperr.ErrServiceUnavailable)
	}

	reply := ParseReply(response.Content)
	log.Printf("[ai] generated response for session=%s, length=%d, rich=%t", req.SessionID, len(reply.ResponseText), reply.RichContent != nil)
	return reply, nil
}

func buildHistoryMessages(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > historyLimit {
		startIdx = len(messages) - historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Origin {
		case chat.OriginUser:
			history = append(history, schema.UserMessage(msg.Body))
		case chat.OriginAssistant:
			history = append(history, schema.AssistantMessage(msg.Body, nil))
		}
	}
	return history
}

type replyEnvelope struct {
	ResponseText  string              `json:"responseText"`
	ContextUpdate *chat.ContextUpdate `json:"contextUpdate"`
	RichContent   json.RawMessage     `json:"richContent"`
	Sentiment     *chat.Sentiment     `json:"sentiment"`
	VoiceResponse *chat.VoiceResponse `json:"voiceResponse"`
}

// ParseReply 解析模型返回的 JSON 信封；无法解析时整段文本作为回复。
// 富内容类型未知时丢弃富内容，保留文字。
func ParseReply(content string) chat.CompletionReply {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end <= start {
		return chat.CompletionReply{ResponseText: trimmed}
	}

	var env replyEnvelope
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &env); err != nil || strings.TrimSpace(env.ResponseText) == "" {
		return chat.CompletionReply{ResponseText: trimmed}
	}

	reply := chat.CompletionReply{
		ResponseText:  strings.TrimSpace(env.ResponseText),
		ContextUpdate: env.ContextUpdate,
		Sentiment:     env.Sentiment,
		VoiceResponse: env.VoiceResponse,
	}
	if len(env.RichContent) > 0 && string(env.RichContent) != "null" {
		var rc chat.RichContent
		if err := json.Unmarshal(env.RichContent, &rc); err != nil {
			log.Printf("[ai] drop rich content: %v", err)
		} else {
			reply.RichContent = &rc
		}
	}
	return reply
}
