package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	analysis "github.com/zhouzirui/z-travel/backend/internal/analysis/emotion"
	"github.com/zhouzirui/z-travel/backend/internal/analysis/entity"
	"github.com/zhouzirui/z-travel/backend/internal/analysis/intent"
	"github.com/zhouzirui/z-travel/backend/internal/analysis/suggestion"
	"github.com/zhouzirui/z-travel/backend/internal/apperr"
	"github.com/zhouzirui/z-travel/backend/internal/interrupt"
	"github.com/zhouzirui/z-travel/backend/internal/model/chat"
	"github.com/zhouzirui/z-travel/backend/internal/model/conversation"
	"github.com/zhouzirui/z-travel/backend/internal/outbox"
	chatsvc "github.com/zhouzirui/z-travel/backend/internal/service/chat"
	emotionsvc "github.com/zhouzirui/z-travel/backend/internal/service/emotion"
)

const (
	fallbackQueued = "I can't reach the travel service right now. Your message is saved and will be sent as soon as the connection is back."
	fallbackFailed = "Sorry, I couldn't handle that request just now. Please try again in a moment."
)

// Turn describes what happened to one user send.
type Turn struct {
	User          chat.Message               `json:"userMessage"`
	Reply         *chat.Message              `json:"reply,omitempty"`
	Delivery      chat.DeliveryStatus        `json:"delivery"`
	OutboxEntryID string                     `json:"outboxEntryId,omitempty"`
	Interruption  *conversation.Interruption `json:"interruption,omitempty"`
	// Waited means the send queued behind an assistant response that was still in flight.
	Waited bool `json:"waited"`
}

// SendText sends a typed message.
func (e *Engine) SendText(ctx context.Context, text string) (Turn, error) {
	return e.send(ctx, text, nil)
}

// send 是所有用户消息的统一入口：校验、打断判定，拿到回合位置后再更新上下文、写入记录，
// 然后立即发送或进入发件箱。排队的消息因此总是落在前一个回复之后。
func (e *Engine) send(ctx context.Context, text string, meta *chat.VoiceMetadata) (Turn, error) {
	body := strings.TrimSpace(text)
	if body == "" {
		return Turn{}, apperr.Validation("message is empty")
	}
	if e.isClosed() {
		return Turn{}, ErrClosed
	}

	decision := e.resolve(interrupt.ActionSend)
	turn := Turn{
		Delivery:     chat.DeliveryPending,
		Interruption: decision.Entry,
		Waited:       decision.ResponsePending,
	}

	slot := e.gate.Join()
	if err := slot.Wait(ctx); err != nil {
		return e.abandon(ctx, turn, body, meta, err)
	}
	defer slot.Done()

	prefs := e.ctx.Preferences()
	history, err := e.transcript.History(ctx, e.id)
	if err != nil {
		return turn, err
	}
	guidance := e.analyze(ctx, history, body, prefs.Tone)

	it := intent.Classify(body)
	entities := entity.Extract(body)
	e.ctx.Update(it, entities, topicFor(it, entities))

	msg, err := e.appendPending(ctx, body, meta, &chat.Sentiment{
		Emotion:    string(guidance.Reading.Emotion),
		Confidence: guidance.Reading.Confidence,
	})
	if err != nil {
		return turn, err
	}
	e.mu.Lock()
	e.voiceHints[msg.ID] = guidance.Voice
	e.mu.Unlock()
	e.emitContext()
	turn.User = msg

	queue, err := e.mustQueue(ctx)
	if err != nil {
		return turn, err
	}
	if queue {
		// drain 自己会排队拿位置
		slot.Done()
		return e.enqueue(ctx, turn)
	}

	reply, err := e.complete(ctx, msg)
	if err != nil {
		return e.handleFailure(ctx, turn, err)
	}
	turn.Reply = &reply
	turn.Delivery = chat.DeliverySent
	return turn, nil
}

// abandon 在排队期间 ctx 被取消时保存消息，交给发件箱稍后投递。
func (e *Engine) abandon(ctx context.Context, turn Turn, body string, meta *chat.VoiceMetadata, cause error) (Turn, error) {
	msg, err := e.appendPending(context.WithoutCancel(ctx), body, meta, nil)
	if err != nil {
		return turn, err
	}
	turn.User = msg
	return e.handleFailure(ctx, turn, cause)
}

func (e *Engine) appendPending(ctx context.Context, body string, meta *chat.VoiceMetadata, sentiment *chat.Sentiment) (chat.Message, error) {
	msg, err := e.transcript.AppendMessage(ctx, chat.Message{
		ID:        uuid.NewString(),
		SessionID: e.id,
		Origin:    chat.OriginUser,
		Body:      body,
		CreatedAt: e.now().UTC(),
		Voice:     meta,
		Sentiment: sentiment,
	}, chat.DeliveryPending)
	if err != nil {
		return chat.Message{}, err
	}
	e.emitMessage(msg)
	return msg, nil
}

func (e *Engine) analyze(ctx context.Context, history []chat.Message, body string, tone conversation.Tone) emotionsvc.Guidance {
	if e.svc.Sentiment != nil {
		return e.svc.Sentiment.Analyze(ctx, history, body, tone)
	}
	reading := analysis.Detect(body)
	return emotionsvc.Guidance{Reading: reading, Voice: analysis.VoiceFor(reading, tone)}
}

// mustQueue 离线时，或发件箱里还有未送达的消息时，新消息排在它们后面。
func (e *Engine) mustQueue(ctx context.Context) (bool, error) {
	if !e.Online() {
		return true, nil
	}
	pending, err := e.outbox.Pending(ctx)
	if err != nil {
		return false, fmt.Errorf("inspect outbox: %w", err)
	}
	return pending > 0, nil
}

func (e *Engine) enqueue(ctx context.Context, turn Turn) (Turn, error) {
	entry, err := e.outbox.Enqueue(ctx, turn.User)
	if err != nil {
		return turn, err
	}
	turn.OutboxEntryID = entry.ID
	e.emitDelivery(DeliveryUpdate{MessageID: turn.User.ID, Status: chat.DeliveryPending, EntryID: entry.ID})

	if !e.Online() {
		return turn, nil
	}
	if err := e.drain(ctx); err != nil {
		log.Printf("[engine] session=%s drain after enqueue: %v", e.id, err)
	}
	if row, err := e.transcript.Entry(ctx, e.id, turn.User.ID); err == nil {
		turn.Delivery = row.Delivery
	}
	return turn, nil
}

// dispatch 执行一个助手回合。同一会话同时最多只有一个回合在进行，后来者按到达顺序排队。
func (e *Engine) dispatch(ctx context.Context, msg chat.Message) (chat.Message, error) {
	slot := e.gate.Join()
	if err := slot.Wait(ctx); err != nil {
		return chat.Message{}, err
	}
	defer slot.Done()
	return e.complete(ctx, msg)
}

// complete 调用补全服务并写回结果，调用方必须持有回合位置。
func (e *Engine) complete(ctx context.Context, msg chat.Message) (chat.Message, error) {
	history, err := e.transcript.History(ctx, e.id)
	if err != nil {
		return chat.Message{}, err
	}
	reply, err := e.svc.Completer.Complete(ctx, chat.CompletionRequest{
		SessionID:   e.id,
		Message:     msg.Body,
		History:     before(history, msg.ID),
		Context:     e.ctx.Snapshot(),
		Preferences: e.ctx.Preferences(),
	})
	if err != nil {
		return chat.Message{}, err
	}
	if strings.TrimSpace(reply.ResponseText) == "" && reply.RichContent == nil {
		return chat.Message{}, fmt.Errorf("%w: empty reply", apperr.ErrServiceUnavailable)
	}
	return e.ingest(ctx, msg, reply)
}

// ingest 把回复写回会话：远端标签、情绪样本、建议、助手消息，最后按需播报。
func (e *Engine) ingest(ctx context.Context, user chat.Message, reply chat.CompletionReply) (chat.Message, error) {
	var remote []conversation.Suggestion
	if cu := reply.ContextUpdate; cu != nil {
		e.ctx.Annotate(cu.Intent, cu.Entities, cu.Topic)
		remote = cu.Suggestions
	}

	sample := user.Sentiment
	if reply.Sentiment != nil {
		sample = reply.Sentiment
	}
	if sample != nil && sample.Emotion != "" {
		e.ctx.RecordSentiment(sample.Emotion, sample.Confidence)
	}

	body := strings.TrimSpace(reply.ResponseText)
	snap := e.ctx.Snapshot()
	items := suggestion.Generate(suggestion.Signals{
		Topic:       snap.CurrentTopic,
		Reply:       body,
		RichContent: reply.RichContent,
		Entities:    snap.Entities,
	}, e.cfg.MaxSuggestions)
	items = mergeSuggestions(items, remote, e.cfg.MaxSuggestions)
	e.ctx.SetSuggestions(items)

	e.setDelivery(ctx, user, chat.DeliverySent)

	assistant, err := e.appendAssistant(ctx, body, reply.RichContent)
	if err != nil {
		return chat.Message{}, err
	}
	e.ctx.ResolveInterruptions()

	e.emit(Event{Type: EventSuggestions, Suggestions: items})
	e.emitContext()

	e.speakReply(user, reply)
	return assistant, nil
}

// handleFailure 远端失败时补一条中性的助手消息；看起来像网络问题的进入发件箱，否则标记失败。
func (e *Engine) handleFailure(ctx context.Context, turn Turn, cause error) (Turn, error) {
	bg := context.WithoutCancel(ctx)
	transient := apperr.IsTransient(cause) || errors.Is(cause, context.Canceled)

	if !errors.Is(cause, apperr.ErrServiceUnavailable) && !errors.Is(cause, apperr.ErrValidation) {
		cause = fmt.Errorf("%w: %w", apperr.ErrServiceUnavailable, cause)
	}
	log.Printf("[engine] session=%s message=%s not answered (transient=%t): %v", e.id, turn.User.ID, transient, cause)

	text := fallbackFailed
	if transient {
		text = fallbackQueued
	}
	if fallback, err := e.appendAssistant(bg, text, nil); err == nil {
		turn.Reply = &fallback
	}

	if transient {
		entry, err := e.outbox.Enqueue(bg, turn.User)
		if err == nil {
			turn.OutboxEntryID = entry.ID
			e.emitDelivery(DeliveryUpdate{MessageID: turn.User.ID, Status: chat.DeliveryPending, EntryID: entry.ID, LastError: cause.Error()})
			e.emitError(cause)
			return turn, cause
		}
		log.Printf("[engine] session=%s enqueue after failure: %v", e.id, err)
	}

	e.setDelivery(bg, turn.User, chat.DeliveryFailed)
	turn.Delivery = chat.DeliveryFailed
	e.dropVoiceHint(turn.User.ID)
	e.emitError(cause)
	return turn, cause
}

func (e *Engine) appendAssistant(ctx context.Context, body string, rich *chat.RichContent) (chat.Message, error) {
	msg, err := e.transcript.AppendMessage(ctx, chat.Message{
		ID:          uuid.NewString(),
		SessionID:   e.id,
		Origin:      chat.OriginAssistant,
		Body:        body,
		CreatedAt:   e.now().UTC(),
		RichContent: rich,
	}, "")
	if err != nil {
		log.Printf("[engine] session=%s append assistant message: %v", e.id, err)
		return chat.Message{}, err
	}
	e.emitMessage(msg)
	return msg, nil
}

func (e *Engine) setDelivery(ctx context.Context, msg chat.Message, status chat.DeliveryStatus) {
	e.markDelivery(ctx, msg, DeliveryUpdate{MessageID: msg.ID, Status: status})
}

// markDelivery 标注投递状态。重置后消息已不在记录里时重新写入一次。
func (e *Engine) markDelivery(ctx context.Context, msg chat.Message, update DeliveryUpdate) {
	err := e.transcript.SetDelivery(ctx, e.id, msg.ID, update.Status)
	if errors.Is(err, chatsvc.ErrMessageNotFound) {
		_, err = e.transcript.AppendMessage(ctx, msg, update.Status)
	}
	if err != nil {
		log.Printf("[engine] session=%s mark %s %s: %v", e.id, msg.ID, update.Status, err)
		return
	}
	e.emitDelivery(update)
}

// SetOnline records a connectivity change. Going from offline to online drains the
// outbox; it is the only trigger besides new sends and manual retries.
func (e *Engine) SetOnline(ctx context.Context, online bool) error {
	if e.isClosed() {
		return ErrClosed
	}
	e.mu.Lock()
	was := e.online
	e.online = online
	e.mu.Unlock()

	if was == online {
		return nil
	}
	log.Printf("[engine] session=%s connectivity online=%t", e.id, online)
	if !online {
		return nil
	}
	return e.drain(ctx)
}

// drain 逐条按入队顺序投递。耗尽重试的条目标记为失败并上报，绝不静默丢弃。
func (e *Engine) drain(ctx context.Context) error {
	report, err := e.outbox.Drain(ctx, func(ctx context.Context, entry outbox.Entry) error {
		_, err := e.dispatch(ctx, entry.Payload)
		return err
	})

	for _, entry := range report.Exhausted {
		e.dropVoiceHint(entry.Payload.ID)
		e.markDelivery(ctx, entry.Payload, DeliveryUpdate{
			MessageID:  entry.Payload.ID,
			Status:     chat.DeliveryFailed,
			EntryID:    entry.ID,
			RetryCount: entry.RetryCount,
			LastError:  entry.LastError,
		})
	}
	if err != nil {
		e.emitError(err)
	}
	if len(report.Delivered) > 0 || report.Remaining > 0 {
		log.Printf("[engine] session=%s drain delivered=%d exhausted=%d remaining=%d",
			e.id, len(report.Delivered), len(report.Exhausted), report.Remaining)
	}
	return err
}

// RetryFailed puts a failed outbox entry back in line and drains when online.
func (e *Engine) RetryFailed(ctx context.Context, entryID string) (outbox.Entry, error) {
	entry, err := e.outbox.Retry(ctx, entryID)
	if err != nil {
		return outbox.Entry{}, err
	}
	e.setDelivery(ctx, entry.Payload, chat.DeliveryPending)
	if !e.Online() {
		return entry, nil
	}
	return entry, e.drain(ctx)
}

// DismissFailed drops a failed entry. Its message stays marked failed in the transcript.
func (e *Engine) DismissFailed(ctx context.Context, entryID string) (outbox.Entry, error) {
	entry, err := e.outbox.Dismiss(ctx, entryID)
	if err != nil {
		return outbox.Entry{}, err
	}
	e.setDelivery(ctx, entry.Payload, chat.DeliveryFailed)
	e.dropVoiceHint(entry.Payload.ID)
	return entry, nil
}

// OutboxEntries lists undelivered entries in enqueue order.
func (e *Engine) OutboxEntries(ctx context.Context) ([]outbox.Entry, error) {
	return e.outbox.Entries(ctx)
}

func (e *Engine) dropVoiceHint(messageID string) {
	e.mu.Lock()
	delete(e.voiceHints, messageID)
	e.mu.Unlock()
}

func topicFor(it conversation.Intent, entities conversation.Entities) string {
	var place string
	if locations := entities[conversation.EntityLocations]; len(locations) > 0 {
		place = locations[len(locations)-1]
	}
	switch {
	case it == conversation.IntentGeneral && place == "":
		return ""
	case it == conversation.IntentGeneral:
		return "travel in " + place
	case place != "":
		return fmt.Sprintf("%s in %s", it, place)
	default:
		return string(it)
	}
}

// before 返回 id 之前的历史；找不到时（例如重置之后）返回全部。
func before(history []chat.Message, id string) []chat.Message {
	for i, m := range history {
		if m.ID == id {
			return history[:i]
		}
	}
	return history
}

func mergeSuggestions(local, remote []conversation.Suggestion, limit int) []conversation.Suggestion {
	out := make([]conversation.Suggestion, 0, limit)
	seen := make(map[string]struct{}, limit)
	for _, s := range append(append([]conversation.Suggestion(nil), local...), remote...) {
		key := strings.ToLower(strings.TrimSpace(s.Text))
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out
}
