package engine

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-travel/backend/internal/analysis/entity"
	"github.com/zhouzirui/z-travel/backend/internal/analysis/suggestion"
	"github.com/zhouzirui/z-travel/backend/internal/apperr"
	"github.com/zhouzirui/z-travel/backend/internal/interrupt"
	"github.com/zhouzirui/z-travel/backend/internal/model/chat"
	"github.com/zhouzirui/z-travel/backend/internal/model/conversation"
	"github.com/zhouzirui/z-travel/backend/internal/service/recognition"
	"github.com/zhouzirui/z-travel/backend/internal/service/translation"
)

// TranslateRequest asks for a translation turn.
type TranslateRequest struct {
	Text            string `json:"text"`
	SourceLanguage  string `json:"sourceLanguage"`
	TargetLanguage  string `json:"targetLanguage"`
	CulturalContext bool   `json:"culturalContext"`
}

// Exchange is a user message and the assistant message derived from it.
type Exchange struct {
	User  chat.Message  `json:"userMessage"`
	Reply *chat.Message `json:"reply,omitempty"`
}

// Translate translates text and records the result as a translation card. The target
// defaults to the preferred language. Playback is interrupted like any other new input;
// the call itself runs outside the assistant turn order.
func (e *Engine) Translate(ctx context.Context, req TranslateRequest) (Exchange, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Exchange{}, apperr.Validation("text to translate is empty")
	}
	if e.isClosed() {
		return Exchange{}, ErrClosed
	}
	if e.svc.Translator == nil {
		return Exchange{}, fmt.Errorf("%w: translation not configured", apperr.ErrServiceUnavailable)
	}

	e.resolve(interrupt.ActionTranslate)

	prefs := e.ctx.Preferences()
	target := strings.TrimSpace(req.TargetLanguage)
	if target == "" {
		target = prefs.Language
	}
	e.ctx.Update(conversation.IntentTranslation, entity.Extract(text), "translation to "+target)

	user, err := e.appendUser(ctx, text)
	if err != nil {
		return Exchange{}, err
	}
	ex := Exchange{User: user}

	result, err := e.svc.Translator.Translate(ctx, translation.Request{
		Text:            text,
		SourceLanguage:  req.SourceLanguage,
		TargetLanguage:  target,
		CulturalContext: req.CulturalContext,
	})
	if err != nil {
		return e.sideFailure(ctx, ex, err)
	}

	reply, err := e.appendAssistant(ctx, result.TranslatedText, &chat.RichContent{
		Kind:        chat.KindTranslation,
		Translation: &result,
	})
	if err != nil {
		return ex, err
	}
	ex.Reply = &reply
	e.emitContext()
	return ex, nil
}

// UploadRequest carries an image or document for recognition.
type UploadRequest struct {
	Kind     recognition.Kind
	FileName string
	MimeType string
	Data     []byte
	Context  string
}

// Upload sends a file to recognition and records the derived assistant message. Playback
// is interrupted like any other new input; the call itself runs outside the turn order.
func (e *Engine) Upload(ctx context.Context, req UploadRequest) (Exchange, error) {
	if len(req.Data) == 0 {
		return Exchange{}, apperr.Validation("uploaded file is empty")
	}
	if len(req.Data) > recognition.MaxFileBytes {
		return Exchange{}, apperr.Validation(fmt.Sprintf("file exceeds %d bytes", recognition.MaxFileBytes))
	}
	if e.isClosed() {
		return Exchange{}, ErrClosed
	}
	prefs := e.ctx.Preferences()
	if !prefs.Multimodal {
		return Exchange{}, apperr.Validation("multimodal input is disabled")
	}
	if e.svc.Recognizer == nil {
		return Exchange{}, fmt.Errorf("%w: recognition not configured", apperr.ErrServiceUnavailable)
	}

	e.resolve(interrupt.ActionUpload)

	name := strings.TrimSpace(req.FileName)
	if name == "" {
		name = string(req.Kind)
	}
	user, err := e.appendUser(ctx, fmt.Sprintf("[%s] %s", req.Kind, name))
	if err != nil {
		return Exchange{}, err
	}
	ex := Exchange{User: user}

	hint := strings.TrimSpace(req.Context)
	if hint == "" {
		hint = e.ctx.Snapshot().CurrentTopic
	}
	content, err := e.svc.Recognizer.Recognize(ctx, recognition.Request{
		Kind:     req.Kind,
		FileName: name,
		MimeType: req.MimeType,
		Data:     req.Data,
		Context:  hint,
	})
	if err != nil {
		return e.sideFailure(ctx, ex, err)
	}

	summary := recognition.Summary(content)
	reply, err := e.appendAssistant(ctx, summary, &content)
	if err != nil {
		return ex, err
	}
	ex.Reply = &reply

	snap := e.ctx.Snapshot()
	items := suggestion.Generate(suggestion.Signals{
		Topic:       snap.CurrentTopic,
		Reply:       summary,
		RichContent: &content,
		Entities:    snap.Entities,
	}, e.cfg.MaxSuggestions)
	if len(items) > 0 {
		e.ctx.SetSuggestions(items)
		e.emit(Event{Type: EventSuggestions, Suggestions: items})
	}
	return ex, nil
}

func (e *Engine) appendUser(ctx context.Context, body string) (chat.Message, error) {
	msg, err := e.transcript.AppendMessage(ctx, chat.Message{
		ID:        uuid.NewString(),
		SessionID: e.id,
		Origin:    chat.OriginUser,
		Body:      body,
		CreatedAt: e.now().UTC(),
	}, "")
	if err != nil {
		return chat.Message{}, err
	}
	e.emitMessage(msg)
	return msg, nil
}

// sideFailure 翻译与识别失败不进入发件箱，只补一条中性的助手消息。
func (e *Engine) sideFailure(ctx context.Context, ex Exchange, cause error) (Exchange, error) {
	if fallback, err := e.appendAssistant(context.WithoutCancel(ctx), fallbackFailed, nil); err == nil {
		ex.Reply = &fallback
	}
	e.emitError(cause)
	return ex, cause
}

// React attaches a reaction to a message and forwards it to the feedback sink.
func (e *Engine) React(ctx context.Context, messageID, reaction string) (chat.Reaction, error) {
	saved, err := e.transcript.AddReaction(ctx, chat.Reaction{
		MessageID: messageID,
		SessionID: e.id,
		Reaction:  strings.TrimSpace(reaction),
		CreatedAt: e.now().UTC(),
	})
	if err != nil {
		return chat.Reaction{}, err
	}
	if e.svc.Feedback != nil {
		e.svc.Feedback.Send(saved)
	}
	return saved, nil
}

// Reset clears the conversation: context, transcript, draft and any playback. Preferences
// survive, and undelivered outbox entries are kept.
func (e *Engine) Reset(ctx context.Context) error {
	if e.isClosed() {
		return ErrClosed
	}
	e.pipeline.CancelOutput()
	e.ctx.Reset()
	if err := e.transcript.Clear(ctx, e.id); err != nil {
		return err
	}

	e.mu.Lock()
	e.draft = Draft{}
	e.mu.Unlock()

	log.Printf("[engine] session=%s reset", e.id)
	e.emitContext()
	return nil
}

// UpdatePreferences replaces the preferences and persists them for the user.
func (e *Engine) UpdatePreferences(ctx context.Context, prefs conversation.Preferences) (conversation.Preferences, error) {
	applied := e.ctx.SetPreferences(prefs)
	if e.svc.Preferences != nil {
		if err := e.svc.Preferences.SavePreferences(ctx, e.userID, applied); err != nil {
			return applied, fmt.Errorf("save preferences: %w", err)
		}
	}
	if !applied.VoiceEnabled {
		e.pipeline.CancelOutput()
	}
	e.emitContext()
	return applied, nil
}
