package conversation

// Tone selects the assistant's speaking register.
type Tone string

const (
	ToneFriendly     Tone = "friendly"
	ToneProfessional Tone = "professional"
	ToneCasual       Tone = "casual"
	ToneEnthusiastic Tone = "enthusiastic"
)

// Retention controls what the session memory keeps.
type Retention string

const (
	RetentionSession    Retention = "session"
	RetentionPersistent Retention = "persistent"
	RetentionOff        Retention = "off"
)

// Preferences are user-level settings that outlive a session reset.
type Preferences struct {
	Language        string    `json:"language" yaml:"language"`
	VoiceEnabled    bool      `json:"voiceEnabled" yaml:"voiceEnabled"`
	AutoTranslate   bool      `json:"autoTranslate" yaml:"autoTranslate"`
	Tone            Tone      `json:"tone" yaml:"tone"`
	Multimodal      bool      `json:"multimodal" yaml:"multimodal"`
	MemoryRetention Retention `json:"memoryRetention" yaml:"memoryRetention"`
	AutoSendVoice   bool      `json:"autoSendVoice" yaml:"autoSendVoice"`
}

// DefaultPreferences is applied to users without stored settings.
func DefaultPreferences() Preferences {
	return Preferences{
		Language:        "en-US",
		VoiceEnabled:    true,
		Tone:            ToneFriendly,
		Multimodal:      true,
		MemoryRetention: RetentionSession,
	}
}

// Normalize fills empty fields with defaults and rejects nothing.
func (p Preferences) Normalize() Preferences {
	def := DefaultPreferences()
	if p.Language == "" {
		p.Language = def.Language
	}
	switch p.Tone {
	case ToneFriendly, ToneProfessional, ToneCasual, ToneEnthusiastic:
	default:
		p.Tone = def.Tone
	}
	switch p.MemoryRetention {
	case RetentionSession, RetentionPersistent, RetentionOff:
	default:
		p.MemoryRetention = def.MemoryRetention
	}
	return p
}
