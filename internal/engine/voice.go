package engine

import (
	"context"
	"errors"
	"log"
	"strings"

	analysis "github.com/zhouzirui/z-travel/backend/internal/analysis/emotion"
	"github.com/zhouzirui/z-travel/backend/internal/apperr"
	"github.com/zhouzirui/z-travel/backend/internal/interrupt"
	"github.com/zhouzirui/z-travel/backend/internal/model/chat"
	"github.com/zhouzirui/z-travel/backend/internal/model/speech"
	"github.com/zhouzirui/z-travel/backend/internal/voice"
)

// Draft is the pending outbound message assembled from transcripts and typed edits.
type Draft struct {
	Text  string              `json:"text"`
	Voice *chat.VoiceMetadata `json:"voiceMetadata,omitempty"`
}

// VoiceOutcome is what finishing a recording produced.
type VoiceOutcome struct {
	Transcript       string   `json:"transcript"`
	Confidence       float64  `json:"confidence"`
	DetectedLanguage string   `json:"detectedLanguage,omitempty"`
	Emotions         []string `json:"emotions,omitempty"`
	DurationSeconds  float64  `json:"durationSeconds"`
	Draft            Draft    `json:"draft"`
	AutoSent         bool     `json:"autoSent"`
	Turn             *Turn    `json:"turn,omitempty"`
}

// StartRecording stops any playback (logging the interruption) and opens the microphone.
func (e *Engine) StartRecording(ctx context.Context) error {
	if e.isClosed() {
		return ErrClosed
	}
	e.resolve(interrupt.ActionRecordingStart)
	return e.pipeline.StartCapture(ctx)
}

// StopRecording transcribes the capture and merges the transcript into the draft. The draft
// is sent right away when the user opted into auto-send and the confidence is above the
// threshold; otherwise it waits for SendDraft.
func (e *Engine) StopRecording(ctx context.Context) (VoiceOutcome, error) {
	if e.isClosed() {
		return VoiceOutcome{}, ErrClosed
	}
	prefs := e.ctx.Preferences()

	res, err := e.pipeline.StopCapture(ctx, prefs.Language)
	if err != nil {
		return VoiceOutcome{}, err
	}

	draft := e.mergeDraft(res)
	out := VoiceOutcome{
		Transcript:       res.Transcript,
		Confidence:       res.Confidence,
		DetectedLanguage: res.DetectedLanguage,
		Emotions:         res.Emotions,
		DurationSeconds:  res.DurationSeconds,
		Draft:            draft,
	}
	if !prefs.AutoSendVoice || res.Confidence <= e.cfg.AutoSendThreshold {
		return out, nil
	}

	pending := e.takeDraft()
	if pending.Voice != nil {
		pending.Voice.AutoSent = true
	}
	log.Printf("[engine] session=%s auto-send transcript confidence=%.2f", e.id, res.Confidence)
	turn, err := e.send(ctx, pending.Text, pending.Voice)
	out.Draft = Draft{}
	out.AutoSent = true
	out.Turn = &turn
	return out, err
}

// CancelRecording abandons the capture without transcription.
func (e *Engine) CancelRecording() bool {
	return e.pipeline.CancelCapture()
}

// ClearVoiceError returns a failed pipeline to idle.
func (e *Engine) ClearVoiceError() {
	e.pipeline.ClearError()
}

// CurrentDraft returns the pending draft.
func (e *Engine) CurrentDraft() Draft {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyDraft(e.draft)
}

// UpdateDraft replaces the draft text, e.g. after the user edits a transcript.
func (e *Engine) UpdateDraft(text string) Draft {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.draft.Text = strings.TrimSpace(text)
	if e.draft.Text == "" {
		e.draft.Voice = nil
	}
	return copyDraft(e.draft)
}

// SendDraft sends the pending draft.
func (e *Engine) SendDraft(ctx context.Context) (Turn, error) {
	d := e.takeDraft()
	if strings.TrimSpace(d.Text) == "" {
		return Turn{}, apperr.Validation("draft is empty")
	}
	return e.send(ctx, d.Text, d.Voice)
}

func (e *Engine) mergeDraft(res voice.Result) Draft {
	e.mu.Lock()
	defer e.mu.Unlock()

	meta := &chat.VoiceMetadata{
		Transcribed:      true,
		Confidence:       res.Confidence,
		DetectedLanguage: res.DetectedLanguage,
		DurationSeconds:  res.DurationSeconds,
	}
	if prev := e.draft.Voice; prev != nil {
		meta.Confidence = min(prev.Confidence, res.Confidence)
		meta.DurationSeconds += prev.DurationSeconds
	}
	if e.draft.Text == "" {
		e.draft.Text = res.Transcript
	} else {
		e.draft.Text += " " + res.Transcript
	}
	e.draft.Voice = meta
	return copyDraft(e.draft)
}

func (e *Engine) takeDraft() Draft {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.draft
	e.draft = Draft{}
	return d
}

func copyDraft(d Draft) Draft {
	if d.Voice != nil {
		meta := *d.Voice
		d.Voice = &meta
	}
	return d
}

// speakReply 播报回复：需要开启语音，并且远端要求播报或用户本轮是语音输入。
func (e *Engine) speakReply(user chat.Message, reply chat.CompletionReply) {
	hint, hinted := e.popVoiceHint(user.ID)

	prefs := e.ctx.Preferences()
	if !prefs.VoiceEnabled || (reply.VoiceResponse == nil && user.Voice == nil) {
		return
	}
	if !hinted {
		var reading analysis.Reading
		if user.Sentiment != nil {
			reading = analysis.Reading{Emotion: analysis.Label(user.Sentiment.Emotion), Confidence: user.Sentiment.Confidence}
		}
		hint = analysis.VoiceFor(reading, prefs.Tone)
	}

	req := speech.SynthesisRequest{
		SessionID:    e.id,
		Text:         strings.TrimSpace(reply.ResponseText),
		LanguageHint: prefs.Language,
		Tone:         string(prefs.Tone),
		Emotion:      string(hint.Emotion),
		EmotionScale: hint.Scale,
	}
	if vr := reply.VoiceResponse; vr != nil {
		if text := strings.TrimSpace(vr.Text); text != "" {
			req.Text = text
		}
		req.VoiceID = vr.VoiceID
		req.Speed = vr.Speed
	}
	if req.Text == "" {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		err := e.pipeline.Speak(e.baseCtx, req)
		switch {
		case err == nil, errors.Is(err, voice.ErrOutputCancelled), errors.Is(err, context.Canceled):
		case errors.Is(err, voice.ErrCaptureActive), errors.Is(err, voice.ErrOutputActive):
			log.Printf("[engine] session=%s skip speaking: %v", e.id, err)
		default:
			log.Printf("[engine] session=%s speak failed: %v", e.id, err)
			e.emitError(err)
		}
	}()
}

func (e *Engine) popVoiceHint(messageID string) (analysis.VoiceDecision, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	hint, ok := e.voiceHints[messageID]
	delete(e.voiceHints, messageID)
	return hint, ok
}
