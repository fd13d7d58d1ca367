// Package engine composes the conversational session engine: one Engine per session owns the
// context store, transcript view, voice pipeline, interruption resolver and offline outbox,
// and coordinates them around the remote AI collaborators.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	analysis "github.com/zhouzirui/z-travel/backend/internal/analysis/emotion"
	"github.com/zhouzirui/z-travel/backend/internal/analysis/suggestion"
	"github.com/zhouzirui/z-travel/backend/internal/interrupt"
	"github.com/zhouzirui/z-travel/backend/internal/model/chat"
	"github.com/zhouzirui/z-travel/backend/internal/model/conversation"
	"github.com/zhouzirui/z-travel/backend/internal/outbox"
	chatsvc "github.com/zhouzirui/z-travel/backend/internal/service/chat"
	emotionsvc "github.com/zhouzirui/z-travel/backend/internal/service/emotion"
	"github.com/zhouzirui/z-travel/backend/internal/service/recognition"
	"github.com/zhouzirui/z-travel/backend/internal/service/translation"
	"github.com/zhouzirui/z-travel/backend/internal/session"
	"github.com/zhouzirui/z-travel/backend/internal/voice"
)

// ErrClosed is returned by operations on an engine whose session has ended.
var ErrClosed = errors.New("session engine closed")

const (
	// DefaultAutoSendThreshold 语音识别置信度严格高于该值时才自动发送。
	DefaultAutoSendThreshold = 0.85
	defaultEventBuffer       = 64
)

// Config tunes every engine created by a Manager.
type Config struct {
	AutoSendThreshold float64
	MaxSuggestions    int
	RetryCeiling      int
	EventBuffer       int
	Voice             voice.Config
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		AutoSendThreshold: DefaultAutoSendThreshold,
		MaxSuggestions:    suggestion.DefaultLimit,
		RetryCeiling:      outbox.DefaultRetryCeiling,
		EventBuffer:       defaultEventBuffer,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.AutoSendThreshold <= 0 || c.AutoSendThreshold > 1 {
		c.AutoSendThreshold = def.AutoSendThreshold
	}
	if c.MaxSuggestions <= 0 {
		c.MaxSuggestions = def.MaxSuggestions
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = def.RetryCeiling
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	return c
}

// Completer is the chat completion collaborator.
type Completer interface {
	Complete(ctx context.Context, req chat.CompletionRequest) (chat.CompletionReply, error)
}

// SentimentAnalyzer labels the emotion of a user message. It never fails.
type SentimentAnalyzer interface {
	Analyze(ctx context.Context, history []chat.Message, userMessage string, tone conversation.Tone) emotionsvc.Guidance
}

// Translator is the translation collaborator.
type Translator interface {
	Translate(ctx context.Context, req translation.Request) (chat.Translation, error)
}

// Recognizer is the image/document recognition collaborator.
type Recognizer interface {
	Recognize(ctx context.Context, req recognition.Request) (chat.RichContent, error)
}

// FeedbackSink receives reactions. Delivery is best effort.
type FeedbackSink interface {
	Send(reaction chat.Reaction)
}

// Services are the collaborators shared by all sessions. Completer and Transcript are
// required; the rest may be nil.
type Services struct {
	Completer   Completer
	Sentiment   SentimentAnalyzer
	Translator  Translator
	Recognizer  Recognizer
	Feedback    FeedbackSink
	Transcriber voice.Transcriber
	Synthesizer voice.Synthesizer
	Transcript  *chatsvc.Service
	Outbox      outbox.Store
	Preferences session.PreferenceStore
}

// Engine is the session engine of one conversation.
type Engine struct {
	id     string
	userID string
	cfg    Config
	svc    Services

	ctx        *session.Context
	transcript *chatsvc.Service
	outbox     *outbox.Outbox
	pipeline   *voice.Pipeline
	gate       *interrupt.Gate
	resolver   *interrupt.Resolver
	devices    *Devices

	mu         sync.Mutex
	online     bool
	closed     bool
	draft      Draft
	voiceHints map[string]analysis.VoiceDecision

	eventsMu     sync.Mutex
	events       chan Event
	eventsClosed bool

	baseCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	now       func() time.Time
}

// New builds the engine of sess. The transcript must already know the session.
func New(sess chat.Session, prefs conversation.Preferences, svc Services, devices *Devices, cfg Config) (*Engine, error) {
	if svc.Completer == nil {
		return nil, fmt.Errorf("chat completion service is required")
	}
	if svc.Transcript == nil {
		return nil, fmt.Errorf("transcript service is required")
	}
	if sess.ID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if svc.Outbox == nil {
		svc.Outbox = outbox.NewMemoryStore()
	}
	if devices == nil {
		devices = NewDevices()
	}
	cfg = cfg.withDefaults()

	baseCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		id:         sess.ID,
		userID:     sess.UserID,
		cfg:        cfg,
		svc:        svc,
		ctx:        session.New(sess.ID, prefs),
		transcript: svc.Transcript,
		outbox:     outbox.New(sess.ID, svc.Outbox, cfg.RetryCeiling),
		gate:       interrupt.NewGate(),
		devices:    devices,
		online:     true,
		voiceHints: make(map[string]analysis.VoiceDecision),
		events:     make(chan Event, cfg.EventBuffer),
		baseCtx:    baseCtx,
		cancel:     cancel,
		now:        time.Now,
	}
	e.pipeline = voice.NewPipeline(devices.Microphone, devices.Speaker, svc.Transcriber, svc.Synthesizer, cfg.Voice)
	e.pipeline.OnTransition(e.onVoiceTransition)
	e.resolver = interrupt.NewResolver(e.pipeline, e.ctx, e.gate)

	log.Printf("[engine] session=%s user=%s started", e.id, e.userID)
	return e, nil
}

// ID returns the session id.
func (e *Engine) ID() string {
	return e.id
}

// UserID returns the owner of the session.
func (e *Engine) UserID() string {
	return e.userID
}

// Devices returns the stream-backed audio endpoints of the session.
func (e *Engine) Devices() *Devices {
	return e.devices
}

// Snapshot returns a copy of the session context.
func (e *Engine) Snapshot() conversation.Snapshot {
	return e.ctx.Snapshot()
}

// Preferences returns the current preferences.
func (e *Engine) Preferences() conversation.Preferences {
	return e.ctx.Preferences()
}

// Transcript returns the annotated transcript.
func (e *Engine) Transcript(ctx context.Context) ([]chat.Entry, error) {
	return e.transcript.LoadTranscript(ctx, e.id)
}

// VoiceStatus returns the pipeline state.
func (e *Engine) VoiceStatus() voice.Status {
	return e.pipeline.Status()
}

// Online reports the last known connectivity.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// ResponsePending reports whether an assistant turn is in flight.
func (e *Engine) ResponsePending() bool {
	return e.gate.Pending()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close releases the devices, waits for background playback work and closes the event
// stream. Outbox entries stay in their store.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		e.cancel()
		e.pipeline.Close()
		e.wg.Wait()
		e.closeEvents()
		log.Printf("[engine] session=%s closed", e.id)
	})
}

// resolve 在每次发送、上传或开始录音之前执行打断判定。
func (e *Engine) resolve(action interrupt.Action) interrupt.Decision {
	d := e.resolver.Resolve(action)
	if d.Entry != nil {
		entry := *d.Entry
		e.emit(Event{Type: EventInterruption, Interruption: &entry})
	}
	if d.ResponsePending {
		log.Printf("[engine] session=%s %s waits behind the in-flight response", e.id, action)
	}
	return d
}
