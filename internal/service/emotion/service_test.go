package emotion

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	analysis "github.com/zhouzirui/z-travel/backend/internal/analysis/emotion"
	"github.com/zhouzirui/z-travel/backend/internal/model/chat"
	"github.com/zhouzirui/z-travel/backend/internal/model/conversation"
)

type scriptedModel struct {
	content string
	err     error
}

func (m *scriptedModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(m.content, nil), nil
}

func (m *scriptedModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not supported")
}

func (m *scriptedModel) BindTools([]*schema.ToolInfo) error { return nil }

func TestAnalyzeUsesClassifier(t *testing.T) {
	svc, err := NewService(context.Background(), &scriptedModel{
		content: `result: {"emotion":"anxiety","intensity":4,"confidence":0.9,"reason":"flight delayed"}`,
	}, Config{Enabled: true}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	got := svc.Analyze(context.Background(), []chat.Message{{Origin: chat.OriginUser, Body: "my flight is delayed"}}, "will I miss my connection?", conversation.ToneFriendly)
	if got.Reading.Emotion != analysis.Anxiety {
		t.Fatalf("unexpected emotion: %s", got.Reading.Emotion)
	}
	if got.Reading.Confidence != 0.9 {
		t.Fatalf("unexpected confidence: %v", got.Reading.Confidence)
	}
	if got.Voice.Emotion != analysis.VoiceComfort {
		t.Fatalf("anxious traveller should get a comforting voice, got %s", got.Voice.Emotion)
	}
	if got.Style == "" {
		t.Fatal("expected default style for emotion")
	}
}

func TestAnalyzeFallsBackOnFailure(t *testing.T) {
	cases := map[string]*scriptedModel{
		"invoke error":  {err: errors.New("timeout")},
		"not json":      {content: "the user seems upset"},
		"unknown label": {content: `{"emotion":"melancholy"}`},
	}

	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			svc, err := NewService(context.Background(), m, Config{Enabled: true}, nil)
			if err != nil {
				t.Fatalf("new service: %v", err)
			}
			got := svc.Analyze(context.Background(), nil, "This is terrible, I'm furious!", conversation.ToneFriendly)
			if got.Reason != "fallback" {
				t.Fatalf("expected fallback, got reason %q", got.Reason)
			}
			if got.Reading.Emotion != analysis.Anger {
				t.Fatalf("unexpected fallback emotion: %s", got.Reading.Emotion)
			}
		})
	}
}

func TestDisabledServiceUsesKeywords(t *testing.T) {
	svc, err := NewService(context.Background(), nil, Config{Enabled: true}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if svc.Enabled() {
		t.Fatal("service without model must not be enabled")
	}
	got := svc.Analyze(context.Background(), nil, "What are the opening hours?", conversation.ToneProfessional)
	if got.Voice.Emotion != analysis.VoiceMagnetic {
		t.Fatalf("professional tone should map to magnetic voice, got %s", got.Voice.Emotion)
	}
}
