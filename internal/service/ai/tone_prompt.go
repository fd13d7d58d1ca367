package ai

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zhouzirui/z-travel/backend/internal/model/conversation"
)

// ToneTemplate 描述一种语气下的系统提示。
type ToneTemplate struct {
	SystemPrompt string
	StyleHints   []string
}

// TonePromptManager 按用户偏好的语气组装系统提示。
type TonePromptManager struct {
	templates map[conversation.Tone]*ToneTemplate
}

// NewTonePromptManager 返回内置全部语气模板的管理器。
func NewTonePromptManager() *TonePromptManager {
	return &TonePromptManager{templates: map[conversation.Tone]*ToneTemplate{
		conversation.ToneFriendly: {
			SystemPrompt: "You are a warm, friendly travel assistant.",
			StyleHints:   []string{"Use a welcoming, upbeat voice.", "Offer one helpful next step."},
		},
		conversation.ToneProfessional: {
			SystemPrompt: "You are a precise, professional travel consultant.",
			StyleHints:   []string{"Be concise and structured.", "Prefer facts, prices and times over adjectives."},
		},
		conversation.ToneCasual: {
			SystemPrompt: "You are a relaxed travel buddy.",
			StyleHints:   []string{"Keep it short and conversational.", "Skip formalities."},
		},
		conversation.ToneEnthusiastic: {
			SystemPrompt: "You are an energetic travel enthusiast.",
			StyleHints:   []string{"Share excitement about destinations.", "Highlight a standout experience."},
		},
	}}
}

// Template returns the template for tone, falling back to friendly.
func (pm *TonePromptManager) Template(tone conversation.Tone) *ToneTemplate {
	if tpl, ok := pm.templates[tone]; ok {
		return tpl
	}
	return pm.templates[conversation.ToneFriendly]
}

// BuildSystemPrompt 组合语气、会话上下文、情绪趋势以及回复格式要求。
func (pm *TonePromptManager) BuildSystemPrompt(prefs conversation.Preferences, snap conversation.Snapshot) string {
	tpl := pm.Template(prefs.Tone)

	var b strings.Builder
	b.WriteString(tpl.SystemPrompt)
	b.WriteString("\n\nStyle:\n- ")
	b.WriteString(strings.Join(tpl.StyleHints, "\n- "))
	fmt.Fprintf(&b, "\n\nReply in language %s.", prefs.Language)

	b.WriteString("\n\nConversation so far:")
	if snap.CurrentTopic != "" {
		fmt.Fprintf(&b, "\n- topic: %s", snap.CurrentTopic)
	}
	fmt.Fprintf(&b, "\n- intent: %s", snap.Intent)
	for _, kind := range sortedKinds(snap.Entities) {
		fmt.Fprintf(&b, "\n- %s: %s", kind, strings.Join(snap.Entities[kind], ", "))
	}
	if len(snap.Memory) > 0 {
		keys := make([]string, 0, len(snap.Memory))
		for k := range snap.Memory {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- remembered %s: %s", k, snap.Memory[k])
		}
	}
	if desc := describeTrend(snap.SentimentTrend); desc != "" {
		b.WriteString("\n\n")
		b.WriteString(desc)
	}

	b.WriteString("\n\n")
	b.WriteString(replyFormat)
	return b.String()
}

func sortedKinds(e conversation.Entities) []conversation.EntityKind {
	kinds := make([]conversation.EntityKind, 0, len(e))
	for k, v := range e {
		if len(v) > 0 {
			kinds = append(kinds, k)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func describeTrend(trend conversation.Trend) string {
	switch trend {
	case conversation.TrendDeclining:
		return "The traveller's mood has been getting worse. Acknowledge the difficulty, be calm and solve the problem first."
	case conversation.TrendImproving:
		return "The traveller's mood is improving. Keep the momentum."
	default:
		return ""
	}
}

const replyFormat = `Answer with a single JSON object and nothing else:
{"responseText": "...",
 "contextUpdate": {"topic": "...", "intent": "booking|search|help|planning|translation|weather|pricing|general", "entities": {"locations": [], "dates": [], "prices": [], "groupSize": []}},
 "richContent": {"type": "property_card|map|itinerary", "data": {}},
 "sentiment": {"emotion": "joy|excitement|neutral|frustration|sadness|anxiety|anger|confusion", "confidence": 0.0}}
contextUpdate, richContent and sentiment are optional.`
