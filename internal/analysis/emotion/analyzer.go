// Package emotion 提供基于关键词的情绪识别，以及面向语音合成的情绪映射。
package emotion

import (
	"math"
	"strings"

	"github.com/zhouzirui/z-travel/backend/internal/model/conversation"
)

// Label 表示用户话语中识别出的情绪。
type Label string

const (
	Joy         Label = "joy"
	Excitement  Label = "excitement"
	Neutral     Label = "neutral"
	Frustration Label = "frustration"
	Sadness     Label = "sadness"
	Anxiety     Label = "anxiety"
	Anger       Label = "anger"
	Confusion   Label = "confusion"
)

// Reading 是一次情绪识别的结果。
type Reading struct {
	Emotion    Label
	Confidence float64
	Score      int
}

var keywordBuckets = map[Label][]string{
	Joy: {
		"thanks", "thank you", "great", "love", "perfect", "wonderful", "lovely", "nice", "glad",
		"happy", "awesome", "amazing", "beautiful", "appreciate", "开心", "谢谢", "太好了",
	},
	Excitement: {
		"can't wait", "cant wait", "excited", "so excited", "dream trip", "finally", "wow",
		"incredible", "bucket list", "honeymoon", "thrilled", "期待", "激动",
	},
	Frustration: {
		"again", "still not", "doesn't work", "does not work", "useless", "waste of time", "ugh",
		"annoying", "annoyed", "ridiculous", "not what i asked", "wrong", "烦", "又",
	},
	Sadness: {
		"sad", "disappointed", "cancelled", "canceled", "missed", "lost my", "unfortunately",
		"heartbroken", "upset", "难过", "失望",
	},
	Anxiety: {
		"worried", "nervous", "anxious", "afraid", "scared", "safe", "is it safe", "urgent", "asap",
		"hurry", "running late", "delayed", "visa", "担心", "着急",
	},
	Anger: {
		"angry", "furious", "terrible", "worst", "unacceptable", "scam", "refund now", "hate",
		"rip off", "ripoff", "生气", "愤怒",
	},
	Confusion: {
		"confused", "don't understand", "dont understand", "what do you mean", "not sure", "which one",
		"how does", "unclear", "不懂", "什么意思",
	},
}

// Detect 根据关键词与标点推断用户话语的情绪，没有信号时返回 neutral。
func Detect(text string) Reading {
	normalized := strings.TrimSpace(strings.ToLower(text))
	if normalized == "" {
		return Reading{Emotion: Neutral, Confidence: 0.3}
	}

	scores := make(map[Label]int)
	for label, keywords := range keywordBuckets {
		for _, word := range keywords {
			if containsWord(normalized, word) {
				scores[label] += 3
			}
		}
	}

	exclamations := strings.Count(text, "!")
	questions := strings.Count(text, "?")
	switch {
	case exclamations > 1 && (scores[Anger] > 0 || scores[Frustration] > 0):
		scores[Anger] += exclamations
	case exclamations > 0:
		scores[Excitement] += exclamations * 2
		if exclamations == 1 {
			scores[Joy] += 1
		}
	}
	if questions > 1 {
		scores[Confusion] += questions
	}
	if isShouting(text) {
		scores[Anger] += 2
	}

	best, bestScore, total := Neutral, 0, 0
	// 固定遍历顺序，保证同分时结果确定。
	for _, label := range []Label{Anger, Frustration, Anxiety, Sadness, Confusion, Excitement, Joy} {
		s := scores[label]
		total += s
		if s > bestScore {
			best, bestScore = label, s
		}
	}
	if bestScore == 0 {
		return Reading{Emotion: Neutral, Confidence: 0.5}
	}

	confidence := 0.45 + 0.5*float64(bestScore)/float64(total) + math.Min(0.05*float64(bestScore), 0.2)
	if confidence > 0.95 {
		confidence = 0.95
	}
	return Reading{Emotion: best, Confidence: math.Round(confidence*100) / 100, Score: bestScore}
}

// containsWord 对英文关键词要求词边界，避免 "whatever" 命中 "hate"。
func containsWord(text, word string) bool {
	for from := 0; from < len(text); {
		idx := strings.Index(text[from:], word)
		if idx < 0 {
			return false
		}
		start := from + idx
		end := start + len(word)
		if !isASCIILetter(text, start-1) && !isASCIILetter(text, end) {
			return true
		}
		from = start + 1
	}
	return false
}

func isASCIILetter(text string, i int) bool {
	if i < 0 || i >= len(text) {
		return false
	}
	c := text[i]
	return c >= 'a' && c <= 'z'
}

func isShouting(text string) bool {
	letters, upper := 0, 0
	for _, r := range text {
		if r >= 'a' && r <= 'z' {
			letters++
		} else if r >= 'A' && r <= 'Z' {
			letters++
			upper++
		}
	}
	return letters >= 8 && upper*10 >= letters*8
}

// VoiceLabel 表示 TTS 可以接受的情绪标签。
type VoiceLabel string

const (
	VoiceNeutral  VoiceLabel = "neutral"
	VoiceHappy    VoiceLabel = "happy"
	VoiceExcited  VoiceLabel = "excited"
	VoiceTender   VoiceLabel = "tender"
	VoiceComfort  VoiceLabel = "comfort"
	VoiceMagnetic VoiceLabel = "magnetic"
)

// VoiceDecision 给出语音合成应使用的情绪以及推荐强度（1~5）。
type VoiceDecision struct {
	Emotion VoiceLabel
	Scale   float32
}

var toneVoice = map[conversation.Tone]VoiceLabel{
	conversation.ToneFriendly:     VoiceHappy,
	conversation.ToneProfessional: VoiceMagnetic,
	conversation.ToneCasual:       VoiceNeutral,
	conversation.ToneEnthusiastic: VoiceExcited,
}

// VoiceFor 结合用户情绪与偏好语气选择播报情绪。用户处于负面情绪时优先安抚，其余情况跟随语气偏好。
func VoiceFor(user Reading, tone conversation.Tone) VoiceDecision {
	var label VoiceLabel
	switch user.Emotion {
	case Sadness, Anxiety:
		label = VoiceComfort
	case Anger, Frustration:
		label = VoiceMagnetic
	case Confusion:
		label = VoiceTender
	case Excitement:
		if tone == conversation.ToneProfessional {
			label = VoiceMagnetic
		} else {
			label = VoiceExcited
		}
	default:
		label = toneVoice[tone]
		if label == "" {
			label = VoiceNeutral
		}
	}

	scale := 2 + float32(user.Score)/4
	switch label {
	case VoiceExcited:
		scale += 1
	case VoiceMagnetic:
		scale = float32(math.Min(4.0, float64(scale)))
	case VoiceComfort, VoiceTender:
		scale = float32(math.Min(3.5, float64(scale)))
	}
	if scale < 1 {
		scale = 1
	}
	if scale > 5 {
		scale = 5
	}
	return VoiceDecision{Emotion: label, Scale: scale}
}
