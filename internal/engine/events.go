package engine

import (
	"log"
	"time"

	"github.com/zhouzirui/z-travel/backend/internal/model/chat"
	"github.com/zhouzirui/z-travel/backend/internal/model/conversation"
	"github.com/zhouzirui/z-travel/backend/internal/voice"
)

// EventType 区分推送给客户端的事件。
type EventType string

const (
	EventMessage      EventType = "message"
	EventContext      EventType = "context"
	EventVoiceState   EventType = "voice_state"
	EventInterruption EventType = "interruption"
	EventDelivery     EventType = "delivery"
	EventSuggestions  EventType = "suggestions"
	EventError        EventType = "error"
)

// DeliveryUpdate reports a change in a user message's delivery state.
type DeliveryUpdate struct {
	MessageID  string              `json:"messageId"`
	Status     chat.DeliveryStatus `json:"status"`
	EntryID    string              `json:"entryId,omitempty"`
	RetryCount int                 `json:"retryCount,omitempty"`
	LastError  string              `json:"lastError,omitempty"`
}

// VoiceUpdate mirrors one pipeline transition.
type VoiceUpdate struct {
	Side  voice.Side `json:"side"`
	From  string     `json:"from"`
	To    string     `json:"to"`
	Error string     `json:"error,omitempty"`
}

// Event is one notification. Only the payload matching Type is set.
type Event struct {
	Type         EventType                  `json:"type"`
	SessionID    string                     `json:"sessionId"`
	At           time.Time                  `json:"at"`
	Message      *chat.Message              `json:"message,omitempty"`
	Context      *conversation.Snapshot     `json:"context,omitempty"`
	Voice        *VoiceUpdate               `json:"voice,omitempty"`
	Interruption *conversation.Interruption `json:"interruption,omitempty"`
	Delivery     *DeliveryUpdate            `json:"delivery,omitempty"`
	Suggestions  []conversation.Suggestion  `json:"suggestions,omitempty"`
	Error        string                     `json:"error,omitempty"`
}

// Events returns the event stream. It is closed when the engine closes.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// emit 不阻塞：订阅方跟不上时丢弃事件。
func (e *Engine) emit(ev Event) {
	ev.SessionID = e.id
	if ev.At.IsZero() {
		ev.At = e.now().UTC()
	}

	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()
	if e.eventsClosed {
		return
	}
	select {
	case e.events <- ev:
	default:
		log.Printf("[engine] session=%s event buffer full, dropped %s", e.id, ev.Type)
	}
}

func (e *Engine) closeEvents() {
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()
	if !e.eventsClosed {
		e.eventsClosed = true
		close(e.events)
	}
}

func (e *Engine) emitMessage(msg chat.Message) {
	e.emit(Event{Type: EventMessage, Message: &msg})
}

func (e *Engine) emitContext() {
	snap := e.ctx.Snapshot()
	e.emit(Event{Type: EventContext, Context: &snap})
}

func (e *Engine) emitDelivery(update DeliveryUpdate) {
	e.emit(Event{Type: EventDelivery, Delivery: &update})
}

func (e *Engine) emitError(err error) {
	if err == nil {
		return
	}
	e.emit(Event{Type: EventError, Error: err.Error()})
}

func (e *Engine) onVoiceTransition(tr voice.Transition) {
	update := &VoiceUpdate{Side: tr.Side, From: tr.From, To: tr.To}
	if tr.Err != nil {
		update.Error = tr.Err.Error()
	}
	e.emit(Event{Type: EventVoiceState, At: tr.At, Voice: update})
}
