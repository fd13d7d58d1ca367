package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-travel/backend/internal/apperr"
	"github.com/zhouzirui/z-travel/backend/internal/model/chat"
	"github.com/zhouzirui/z-travel/backend/internal/model/conversation"
	"github.com/zhouzirui/z-travel/backend/internal/model/speech"
	"github.com/zhouzirui/z-travel/backend/internal/outbox"
	chatsvc "github.com/zhouzirui/z-travel/backend/internal/service/chat"
	"github.com/zhouzirui/z-travel/backend/internal/service/recognition"
	"github.com/zhouzirui/z-travel/backend/internal/service/translation"
	"github.com/zhouzirui/z-travel/backend/internal/voice"
)

type scriptedCompleter struct {
	mu          sync.Mutex
	calls       []string
	histories   [][]chat.Message
	inFlight    int
	maxInFlight int
	hold        chan struct{}
	respond     func(n int, req chat.CompletionRequest) (chat.CompletionReply, error)
}

func (c *scriptedCompleter) Complete(ctx context.Context, req chat.CompletionRequest) (chat.CompletionReply, error) {
	c.mu.Lock()
	n := len(c.calls)
	c.calls = append(c.calls, req.Message)
	c.histories = append(c.histories, append([]chat.Message(nil), req.History...))
	c.inFlight++
	if c.inFlight > c.maxInFlight {
		c.maxInFlight = c.inFlight
	}
	hold, respond := c.hold, c.respond
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	if hold != nil && n == 0 {
		select {
		case <-hold:
		case <-ctx.Done():
			return chat.CompletionReply{}, ctx.Err()
		}
	}
	if respond != nil {
		return respond(n, req)
	}
	return chat.CompletionReply{ResponseText: "Noted: " + req.Message}, nil
}

func (c *scriptedCompleter) script(fn func(n int, req chat.CompletionRequest) (chat.CompletionReply, error)) {
	c.mu.Lock()
	c.respond = fn
	c.mu.Unlock()
}

func (c *scriptedCompleter) History(n int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, m := range c.histories[n] {
		out = append(out, string(m.Origin)+": "+m.Body)
	}
	return out
}

func (c *scriptedCompleter) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type fakeSTT struct {
	res speech.TranscriptionResult
	err error
}

func (s *fakeSTT) Transcribe(context.Context, speech.TranscriptionRequest) (speech.TranscriptionResult, error) {
	return s.res, s.err
}

type fakeTTS struct {
	mu  sync.Mutex
	got []speech.SynthesisRequest
}

func (s *fakeTTS) Synthesize(_ context.Context, req speech.SynthesisRequest) (speech.SynthesisResult, error) {
	s.mu.Lock()
	s.got = append(s.got, req)
	s.mu.Unlock()
	return speech.SynthesisResult{Audio: []byte{1, 2, 3, 4}, Format: "mp3"}, nil
}

func (s *fakeTTS) requests() []speech.SynthesisRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]speech.SynthesisRequest(nil), s.got...)
}

type harness struct {
	eng        *Engine
	completer  *scriptedCompleter
	transcript *chatsvc.Service
	store      *outbox.MemoryStore
}

func newHarness(t *testing.T, customize func(*Services)) *harness {
	t.Helper()

	h := &harness{
		completer:  &scriptedCompleter{},
		transcript: chatsvc.NewService(),
		store:      outbox.NewMemoryStore(),
	}
	svc := Services{Completer: h.completer, Transcript: h.transcript, Outbox: h.store}
	if customize != nil {
		customize(&svc)
	}

	sess, err := h.transcript.CreateSession(context.Background(), "traveller")
	require.NoError(t, err)
	h.eng, err = New(sess, conversation.DefaultPreferences(), svc, nil, Config{
		Voice: voice.Config{SampleInterval: 5 * time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(h.eng.Close)
	return h
}

func (h *harness) entries(t *testing.T) []chat.Entry {
	t.Helper()
	entries, err := h.eng.Transcript(context.Background())
	require.NoError(t, err)
	return entries
}

func userEntries(entries []chat.Entry) []chat.Entry {
	var out []chat.Entry
	for _, e := range entries {
		if e.Message.Origin == chat.OriginUser {
			out = append(out, e)
		}
	}
	return out
}

func transientErr() error {
	return fmt.Errorf("%w: chat completion: %w", apperr.ErrServiceUnavailable, context.DeadlineExceeded)
}

func TestSendTextUpdatesContextAndTranscript(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	turn, err := h.eng.SendText(ctx, "Find hotels in Paris for 2 people next weekend")
	require.NoError(t, err)
	require.NotNil(t, turn.Reply)
	assert.Equal(t, chat.DeliverySent, turn.Delivery)
	assert.Equal(t, chat.OriginAssistant, turn.Reply.Origin)
	assert.NotNil(t, turn.User.Sentiment)

	snap := h.eng.Snapshot()
	assert.Equal(t, conversation.IntentSearch, snap.Intent)
	assert.NotEmpty(t, snap.CurrentTopic)
	assert.Len(t, snap.FlowSteps, 1)
	assert.Equal(t, []string{"Paris"}, snap.Entities[conversation.EntityLocations])
	assert.Equal(t, []string{"2"}, snap.Entities[conversation.EntityGroupSize])
	assert.Equal(t, []string{"next weekend"}, snap.Entities[conversation.EntityDates])
	assert.Len(t, snap.SentimentHistory, 1)
	assert.LessOrEqual(t, len(snap.ProactiveSuggestions), 3)

	entries := h.entries(t)
	require.Len(t, entries, 2)
	assert.Equal(t, turn.User.ID, entries[0].Message.ID)
	assert.Equal(t, chat.DeliverySent, entries[0].Delivery)
	assert.Equal(t, turn.Reply.ID, entries[1].Message.ID)
}

func TestSendTextRejectsEmptyInputLocally(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.eng.SendText(context.Background(), "   ")
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Empty(t, h.completer.Calls())
	assert.Empty(t, h.entries(t))
}

func TestRemoteContextUpdateAndSuggestions(t *testing.T) {
	h := newHarness(t, nil)
	h.completer.script(func(int, chat.CompletionRequest) (chat.CompletionReply, error) {
		return chat.CompletionReply{
			ResponseText: "Hotel Lumière has rooms near the Louvre and a great restaurant downstairs.",
			ContextUpdate: &chat.ContextUpdate{
				Topic:    "Paris hotels",
				Intent:   conversation.IntentBooking,
				Entities: conversation.Entities{conversation.EntityPrices: {"€180"}},
				Suggestions: []conversation.Suggestion{
					{Text: "Compare with hotels in Lyon", Topic: "accommodation", Confidence: 0.5, Priority: 3},
					{Text: "Ask about airport transfers", Topic: "transport", Confidence: 0.4, Priority: 4},
				},
			},
			Sentiment: &chat.Sentiment{Emotion: "joy", Confidence: 0.9},
		}, nil
	})

	_, err := h.eng.SendText(context.Background(), "Find hotels in Paris")
	require.NoError(t, err)

	snap := h.eng.Snapshot()
	assert.Equal(t, "Paris hotels", snap.CurrentTopic)
	assert.Equal(t, conversation.IntentBooking, snap.Intent)
	assert.Len(t, snap.FlowSteps, 2)
	assert.Equal(t, []string{"€180"}, snap.Entities[conversation.EntityPrices])
	require.Len(t, snap.SentimentHistory, 1)
	assert.Equal(t, "joy", snap.SentimentHistory[0].Emotion)
	assert.NotEmpty(t, snap.ProactiveSuggestions)
	assert.LessOrEqual(t, len(snap.ProactiveSuggestions), 3)
}

func TestSuggestionsAreReplacedEachTurn(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.completer.script(func(int, chat.CompletionRequest) (chat.CompletionReply, error) {
		return chat.CompletionReply{ResponseText: "There are many hotels with rooms available."}, nil
	})
	_, err := h.eng.SendText(ctx, "hotels please")
	require.NoError(t, err)
	require.NotEmpty(t, h.eng.Snapshot().ProactiveSuggestions)

	h.completer.script(func(int, chat.CompletionRequest) (chat.CompletionReply, error) {
		return chat.CompletionReply{ResponseText: "Okay."}, nil
	})
	_, err = h.eng.SendText(ctx, "thanks")
	require.NoError(t, err)
	assert.Empty(t, h.eng.Snapshot().ProactiveSuggestions)
}

func TestPendingResponseQueuesNewInput(t *testing.T) {
	h := newHarness(t, nil)
	h.completer.hold = make(chan struct{})
	ctx := context.Background()

	first := make(chan Turn, 1)
	go func() {
		turn, err := h.eng.SendText(ctx, "book a hotel")
		assert.NoError(t, err)
		first <- turn
	}()
	require.Eventually(t, func() bool { return len(h.completer.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan Turn, 1)
	go func() {
		turn, err := h.eng.SendText(ctx, "what is the weather forecast")
		assert.NoError(t, err)
		second <- turn
	}()
	require.Eventually(t, func() bool { return h.eng.gate.Waiting() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.eng.ResponsePending())
	assert.Len(t, h.completer.Calls(), 1)
	// 排队中的消息还没有进入记录，也没有改动上下文。
	assert.Len(t, h.entries(t), 1)
	assert.Equal(t, conversation.IntentBooking, h.eng.Snapshot().Intent)

	close(h.completer.hold)
	t1, t2 := <-first, <-second

	assert.False(t, t1.Waited)
	assert.True(t, t2.Waited)
	assert.Equal(t, []string{"book a hotel", "what is the weather forecast"}, h.completer.Calls())
	assert.Equal(t, 1, h.completer.maxInFlight)
	assert.Nil(t, t2.Interruption)

	var order []string
	for _, e := range h.entries(t) {
		order = append(order, string(e.Message.Origin)+": "+e.Message.Body)
	}
	assert.Equal(t, []string{
		"user: book a hotel",
		"assistant: Noted: book a hotel",
		"user: what is the weather forecast",
		"assistant: Noted: what is the weather forecast",
	}, order)
	assert.Equal(t, []string{"user: book a hotel", "assistant: Noted: book a hotel"}, h.completer.History(1))
	assert.Equal(t, conversation.IntentWeather, h.eng.Snapshot().Intent)
	assert.Len(t, h.eng.Snapshot().FlowSteps, 2)
}

func TestSendCancelledWhileQueuedGoesToOutbox(t *testing.T) {
	h := newHarness(t, nil)
	h.completer.hold = make(chan struct{})

	first := make(chan struct{})
	go func() {
		defer close(first)
		_, err := h.eng.SendText(context.Background(), "book a hotel")
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return len(h.completer.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	turn, err := h.eng.SendText(ctx, "and a taxi")
	require.ErrorIs(t, err, context.Canceled)
	assert.NotEmpty(t, turn.OutboxEntryID)
	assert.Equal(t, "and a taxi", turn.User.Body)

	close(h.completer.hold)
	<-first

	entries, err := h.eng.OutboxEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, turn.User.ID, entries[0].Payload.ID)
}

func TestOfflineOutboxDeliversInOrderExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.eng.SetOnline(ctx, false))
	for _, text := range []string{"A", "B", "C"} {
		turn, err := h.eng.SendText(ctx, text)
		require.NoError(t, err)
		assert.Equal(t, chat.DeliveryPending, turn.Delivery)
		assert.NotEmpty(t, turn.OutboxEntryID)
	}
	assert.Empty(t, h.completer.Calls())

	// 第一次投递 A 失败，本轮停止，B 和 C 不得越过 A。
	h.completer.script(func(n int, req chat.CompletionRequest) (chat.CompletionReply, error) {
		if n == 0 {
			return chat.CompletionReply{}, transientErr()
		}
		return chat.CompletionReply{ResponseText: "ack " + req.Message}, nil
	})
	require.Error(t, h.eng.SetOnline(ctx, true))
	assert.Equal(t, []string{"A"}, h.completer.Calls())

	entries, err := h.eng.OutboxEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.Equal(t, outbox.StatusPending, entries[0].Status)

	require.NoError(t, h.eng.SetOnline(ctx, false))
	require.NoError(t, h.eng.SetOnline(ctx, true))
	assert.Equal(t, []string{"A", "A", "B", "C"}, h.completer.Calls())

	entries, err = h.eng.OutboxEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	users := userEntries(h.entries(t))
	require.Len(t, users, 3)
	for i, want := range []string{"A", "B", "C"} {
		assert.Equal(t, want, users[i].Message.Body)
		assert.Equal(t, chat.DeliverySent, users[i].Delivery)
	}
}

func TestTransientFailureFallsBackAndQueues(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.completer.script(func(n int, req chat.CompletionRequest) (chat.CompletionReply, error) {
		if n == 0 {
			return chat.CompletionReply{}, transientErr()
		}
		return chat.CompletionReply{ResponseText: "ack " + req.Message}, nil
	})

	turn, err := h.eng.SendText(ctx, "first")
	require.ErrorIs(t, err, apperr.ErrServiceUnavailable)
	require.NotNil(t, turn.Reply)
	assert.Equal(t, fallbackQueued, turn.Reply.Body)
	assert.Equal(t, chat.DeliveryPending, turn.Delivery)
	assert.NotEmpty(t, turn.OutboxEntryID)

	// 发件箱非空时新消息排在后面，并触发一次投递。
	turn, err = h.eng.SendText(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, chat.DeliverySent, turn.Delivery)
	assert.Equal(t, []string{"first", "first", "second"}, h.completer.Calls())

	users := userEntries(h.entries(t))
	require.Len(t, users, 2)
	assert.Equal(t, chat.DeliverySent, users[0].Delivery)
	assert.Equal(t, chat.DeliverySent, users[1].Delivery)
}

func TestPermanentFailureMarksMessageFailed(t *testing.T) {
	h := newHarness(t, nil)
	h.completer.script(func(int, chat.CompletionRequest) (chat.CompletionReply, error) {
		return chat.CompletionReply{}, errors.New("model refused the request")
	})

	turn, err := h.eng.SendText(context.Background(), "hello")
	require.ErrorIs(t, err, apperr.ErrServiceUnavailable)
	assert.Equal(t, chat.DeliveryFailed, turn.Delivery)
	assert.Empty(t, turn.OutboxEntryID)
	require.NotNil(t, turn.Reply)
	assert.Equal(t, fallbackFailed, turn.Reply.Body)

	entries, err := h.eng.OutboxEntries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)

	users := userEntries(h.entries(t))
	require.Len(t, users, 1)
	assert.Equal(t, chat.DeliveryFailed, users[0].Delivery)
}

func TestExhaustedEntryIsSurfacedThenRetried(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.eng.SetOnline(ctx, false))
	turn, err := h.eng.SendText(ctx, "book the hotel")
	require.NoError(t, err)

	h.completer.script(func(int, chat.CompletionRequest) (chat.CompletionReply, error) {
		return chat.CompletionReply{}, transientErr()
	})
	for i := 0; i < outbox.DefaultRetryCeiling; i++ {
		require.NoError(t, h.eng.SetOnline(ctx, false))
		require.Error(t, h.eng.SetOnline(ctx, true))
	}

	entries, err := h.eng.OutboxEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, outbox.StatusFailed, entries[0].Status)
	assert.Equal(t, outbox.DefaultRetryCeiling, entries[0].RetryCount)

	row, err := h.transcript.Entry(ctx, h.eng.ID(), turn.User.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.DeliveryFailed, row.Delivery)

	// 再次上线不会碰失败条目。
	require.NoError(t, h.eng.SetOnline(ctx, false))
	require.NoError(t, h.eng.SetOnline(ctx, true))
	assert.Len(t, h.completer.Calls(), outbox.DefaultRetryCeiling)

	h.completer.script(nil)
	_, err = h.eng.RetryFailed(ctx, entries[0].ID)
	require.NoError(t, err)

	entries, err = h.eng.OutboxEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
	row, err = h.transcript.Entry(ctx, h.eng.ID(), turn.User.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.DeliverySent, row.Delivery)
}

func TestDismissKeepsMessageFailed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.eng.outbox = outbox.New(h.eng.ID(), h.store, 1)

	require.NoError(t, h.eng.SetOnline(ctx, false))
	turn, err := h.eng.SendText(ctx, "cancel my booking")
	require.NoError(t, err)

	h.completer.script(func(int, chat.CompletionRequest) (chat.CompletionReply, error) {
		return chat.CompletionReply{}, transientErr()
	})
	err = h.eng.SetOnline(ctx, true)
	require.ErrorIs(t, err, apperr.ErrDeliveryExhausted)

	_, err = h.eng.DismissFailed(ctx, turn.OutboxEntryID)
	require.NoError(t, err)

	entries, err := h.eng.OutboxEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
	row, err := h.transcript.Entry(ctx, h.eng.ID(), turn.User.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.DeliveryFailed, row.Delivery)

	_, err = h.eng.DismissFailed(ctx, turn.OutboxEntryID)
	assert.ErrorIs(t, err, outbox.ErrEntryNotFound)
}

func TestRecordingDuringPlaybackLogsOneInterruption(t *testing.T) {
	tts := &fakeTTS{}
	h := newHarness(t, func(s *Services) { s.Synthesizer = tts })
	ctx := context.Background()

	played := make(chan []byte, 1)
	detach := h.eng.Devices().Attach(func(_ context.Context, audio []byte, _ string) error {
		played <- audio
		return nil
	}, nil)
	defer detach()

	h.completer.script(func(int, chat.CompletionRequest) (chat.CompletionReply, error) {
		return chat.CompletionReply{
			ResponseText:  "Paris is lovely in spring.",
			VoiceResponse: &chat.VoiceResponse{Text: "Paris is lovely in spring.", VoiceID: "guide-female"},
		}, nil
	})
	_, err := h.eng.SendText(ctx, "Tell me about Paris")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.eng.VoiceStatus().Output == voice.OutputPlaying }, time.Second, 5*time.Millisecond)
	<-played

	reqs := tts.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "guide-female", reqs[0].VoiceID)
	assert.Equal(t, string(conversation.ToneFriendly), reqs[0].Tone)
	assert.NotEmpty(t, reqs[0].Emotion)

	require.NoError(t, h.eng.StartRecording(ctx))
	snap := h.eng.Snapshot()
	require.Len(t, snap.Interruptions, 1)
	assert.Equal(t, string(voice.OutputPlaying), snap.Interruptions[0].Context)
	assert.False(t, snap.Interruptions[0].Resolved)
	status := h.eng.VoiceStatus()
	assert.Equal(t, voice.OutputIdle, status.Output)
	assert.Equal(t, voice.StateRecording, status.Capture)

	// 没有播放时开始录音不记录打断。
	assert.True(t, h.eng.CancelRecording())
	require.NoError(t, h.eng.StartRecording(ctx))
	assert.Len(t, h.eng.Snapshot().Interruptions, 1)
}

func TestDetachEndsPlayback(t *testing.T) {
	h := newHarness(t, func(s *Services) { s.Synthesizer = &fakeTTS{} })
	ctx := context.Background()

	detach := h.eng.Devices().Attach(func(context.Context, []byte, string) error { return nil }, nil)
	h.completer.script(func(int, chat.CompletionRequest) (chat.CompletionReply, error) {
		return chat.CompletionReply{
			ResponseText:  "The ferry leaves at nine.",
			VoiceResponse: &chat.VoiceResponse{Text: "The ferry leaves at nine."},
		}, nil
	})
	_, err := h.eng.SendText(ctx, "When does the ferry leave?")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.eng.VoiceStatus().Output == voice.OutputPlaying }, time.Second, 5*time.Millisecond)

	detach()
	require.Eventually(t, func() bool { return h.eng.VoiceStatus().Output == voice.OutputIdle }, time.Second, 5*time.Millisecond)

	// 没有人在听的音频不算被打断。
	require.NoError(t, h.eng.StartRecording(ctx))
	assert.Empty(t, h.eng.Snapshot().Interruptions)
	assert.True(t, h.eng.CancelRecording())

	// 新客户端连上后可以正常播报下一条回复。
	played := make(chan struct{}, 1)
	defer h.eng.Devices().Attach(func(context.Context, []byte, string) error {
		played <- struct{}{}
		return nil
	}, nil)()
	_, err = h.eng.SendText(ctx, "And the return?")
	require.NoError(t, err)
	select {
	case <-played:
	case <-time.After(time.Second):
		t.Fatal("reply was not played after reattaching")
	}
}

func TestStaleDetachKeepsNewerClient(t *testing.T) {
	devices := NewDevices()
	var sent int
	detachOld := devices.Attach(func(context.Context, []byte, string) error { return nil }, nil)
	detachNew := devices.Attach(func(context.Context, []byte, string) error { sent++; return nil }, nil)
	defer detachNew()

	pb, err := devices.Speaker.Play(context.Background(), []byte{1}, "mp3")
	require.NoError(t, err)
	detachOld()

	select {
	case <-pb.Done():
		t.Fatal("stale detach ended the newer client's playback")
	default:
	}
	assert.Equal(t, 1, sent)
}

func TestMicrophoneDeniedSurfacesDeviceError(t *testing.T) {
	h := newHarness(t, nil)
	h.eng.Devices().Microphone.SetAvailable(false)

	err := h.eng.StartRecording(context.Background())
	require.ErrorIs(t, err, apperr.ErrDeviceUnavailable)
	status := h.eng.VoiceStatus()
	assert.Equal(t, voice.StateError, status.Capture)
	assert.Nil(t, status.Session)

	h.eng.ClearVoiceError()
	assert.Equal(t, voice.StateIdle, h.eng.VoiceStatus().Capture)
}

func record(t *testing.T, h *harness) (VoiceOutcome, error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.eng.StartRecording(ctx))
	require.NoError(t, h.eng.Devices().Microphone.Write([]byte{0x00, 0x10, 0x00, 0x20}))
	return h.eng.StopRecording(ctx)
}

func TestConfidentTranscriptIsAutoSent(t *testing.T) {
	stt := &fakeSTT{res: speech.TranscriptionResult{Transcript: "Book a hotel in Rome", Confidence: 0.92, DetectedLanguage: "en-US"}}
	h := newHarness(t, func(s *Services) { s.Transcriber = stt })
	ctx := context.Background()

	prefs := h.eng.Preferences()
	prefs.AutoSendVoice = true
	prefs.VoiceEnabled = false
	_, err := h.eng.UpdatePreferences(ctx, prefs)
	require.NoError(t, err)

	out, err := record(t, h)
	require.NoError(t, err)
	assert.True(t, out.AutoSent)
	require.NotNil(t, out.Turn)
	require.NotNil(t, out.Turn.User.Voice)
	assert.True(t, out.Turn.User.Voice.Transcribed)
	assert.True(t, out.Turn.User.Voice.AutoSent)
	assert.Equal(t, []string{"Book a hotel in Rome"}, h.completer.Calls())
	assert.Empty(t, h.eng.CurrentDraft().Text)
}

func TestTranscriptAtThresholdWaitsForConfirmation(t *testing.T) {
	stt := &fakeSTT{res: speech.TranscriptionResult{Transcript: "show me museums", Confidence: DefaultAutoSendThreshold}}
	h := newHarness(t, func(s *Services) { s.Transcriber = stt })
	ctx := context.Background()

	prefs := h.eng.Preferences()
	prefs.AutoSendVoice = true
	prefs.VoiceEnabled = false
	_, err := h.eng.UpdatePreferences(ctx, prefs)
	require.NoError(t, err)

	out, err := record(t, h)
	require.NoError(t, err)
	assert.False(t, out.AutoSent)
	assert.Equal(t, "show me museums", out.Draft.Text)
	assert.Empty(t, h.completer.Calls())

	stt.res.Transcript = "in Madrid"
	stt.res.Confidence = 0.7
	out, err = record(t, h)
	require.NoError(t, err)
	assert.Equal(t, "show me museums in Madrid", out.Draft.Text)
	require.NotNil(t, out.Draft.Voice)
	assert.InDelta(t, 0.7, out.Draft.Voice.Confidence, 1e-9)

	h.eng.UpdateDraft("show me art museums in Madrid")
	turn, err := h.eng.SendDraft(ctx)
	require.NoError(t, err)
	assert.Equal(t, "show me art museums in Madrid", turn.User.Body)
	assert.False(t, turn.User.Voice.AutoSent)

	_, err = h.eng.SendDraft(ctx)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestEmptyTranscriptLeavesErrorState(t *testing.T) {
	stt := &fakeSTT{res: speech.TranscriptionResult{Transcript: "  "}}
	h := newHarness(t, func(s *Services) { s.Transcriber = stt })

	_, err := record(t, h)
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, voice.StateError, h.eng.VoiceStatus().Capture)
	assert.Empty(t, h.eng.CurrentDraft().Text)
}

func TestResetKeepsPreferencesAndOutbox(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	prefs := h.eng.Preferences()
	prefs.Tone = conversation.ToneProfessional
	_, err := h.eng.UpdatePreferences(ctx, prefs)
	require.NoError(t, err)

	_, err = h.eng.SendText(ctx, "Find hotels in Paris")
	require.NoError(t, err)
	require.NoError(t, h.eng.SetOnline(ctx, false))
	queued, err := h.eng.SendText(ctx, "and in Lyon")
	require.NoError(t, err)
	h.eng.UpdateDraft("half typed")

	require.NoError(t, h.eng.Reset(ctx))

	snap := h.eng.Snapshot()
	assert.Empty(t, snap.CurrentTopic)
	assert.Empty(t, snap.FlowSteps)
	assert.True(t, snap.Entities.Empty())
	assert.Equal(t, conversation.ToneProfessional, snap.Preferences.Tone)
	assert.Empty(t, h.entries(t))
	assert.Empty(t, h.eng.CurrentDraft().Text)

	entries, err := h.eng.OutboxEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, h.eng.SetOnline(ctx, true))
	rows := h.entries(t)
	require.Len(t, rows, 2)
	assert.Equal(t, queued.User.ID, rows[0].Message.ID)
	assert.Equal(t, chat.DeliverySent, rows[0].Delivery)
}

type fakeTranslator struct {
	got translation.Request
}

func (f *fakeTranslator) Translate(_ context.Context, req translation.Request) (chat.Translation, error) {
	f.got = req
	return chat.Translation{
		SourceText:     req.Text,
		TranslatedText: "Où est la gare ?",
		SourceLanguage: "en-US",
		TargetLanguage: req.TargetLanguage,
		Confidence:     0.9,
	}, nil
}

func TestTranslateDefaultsToPreferredLanguage(t *testing.T) {
	tr := &fakeTranslator{}
	h := newHarness(t, func(s *Services) { s.Translator = tr })
	ctx := context.Background()

	prefs := h.eng.Preferences()
	prefs.Language = "fr-FR"
	_, err := h.eng.UpdatePreferences(ctx, prefs)
	require.NoError(t, err)

	ex, err := h.eng.Translate(ctx, TranslateRequest{Text: "Where is the train station?"})
	require.NoError(t, err)
	assert.Equal(t, "fr-FR", tr.got.TargetLanguage)
	require.NotNil(t, ex.Reply)
	require.NotNil(t, ex.Reply.RichContent)
	assert.Equal(t, chat.KindTranslation, ex.Reply.RichContent.Kind)
	assert.Equal(t, "Où est la gare ?", ex.Reply.Body)
	assert.Equal(t, conversation.IntentTranslation, h.eng.Snapshot().Intent)
	assert.Empty(t, h.completer.Calls())
}

func TestTranslateInterruptsPlayback(t *testing.T) {
	h := newHarness(t, func(s *Services) {
		s.Synthesizer = &fakeTTS{}
		s.Translator = &fakeTranslator{}
	})
	ctx := context.Background()

	defer h.eng.Devices().Attach(func(context.Context, []byte, string) error { return nil }, nil)()
	h.completer.script(func(int, chat.CompletionRequest) (chat.CompletionReply, error) {
		return chat.CompletionReply{
			ResponseText:  "The station is two blocks north.",
			VoiceResponse: &chat.VoiceResponse{Text: "The station is two blocks north."},
		}, nil
	})
	_, err := h.eng.SendText(ctx, "Where is the station?")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.eng.VoiceStatus().Output == voice.OutputPlaying }, time.Second, 5*time.Millisecond)

	_, err = h.eng.Translate(ctx, TranslateRequest{Text: "Where is the train station?"})
	require.NoError(t, err)
	assert.Equal(t, voice.OutputIdle, h.eng.VoiceStatus().Output)
	snap := h.eng.Snapshot()
	require.Len(t, snap.Interruptions, 1)
	assert.Equal(t, string(voice.OutputPlaying), snap.Interruptions[0].Context)
}

type fakeRecognizer struct {
	err error
}

func (f *fakeRecognizer) Recognize(_ context.Context, req recognition.Request) (chat.RichContent, error) {
	if f.err != nil {
		return chat.RichContent{}, f.err
	}
	return chat.RichContent{
		Kind:  chat.KindImage,
		Image: &chat.ImageAnalysis{Landmarks: []string{"Eiffel Tower"}, Description: "A tower at dusk"},
	}, nil
}

func TestUploadProducesDerivedMessage(t *testing.T) {
	h := newHarness(t, func(s *Services) { s.Recognizer = &fakeRecognizer{} })
	ctx := context.Background()

	ex, err := h.eng.Upload(ctx, UploadRequest{Kind: recognition.KindImage, FileName: "tower.jpg", MimeType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff}})
	require.NoError(t, err)
	assert.Equal(t, "[image] tower.jpg", ex.User.Body)
	require.NotNil(t, ex.Reply)
	require.NotNil(t, ex.Reply.RichContent)
	assert.Equal(t, chat.KindImage, ex.Reply.RichContent.Kind)
	assert.NotEmpty(t, ex.Reply.Body)

	prefs := h.eng.Preferences()
	prefs.Multimodal = false
	_, err = h.eng.UpdatePreferences(ctx, prefs)
	require.NoError(t, err)
	_, err = h.eng.Upload(ctx, UploadRequest{Kind: recognition.KindImage, Data: []byte{1}})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestUploadFailureFallsBack(t *testing.T) {
	h := newHarness(t, func(s *Services) {
		s.Recognizer = &fakeRecognizer{err: fmt.Errorf("%w: image recognition: boom", apperr.ErrServiceUnavailable)}
	})

	ex, err := h.eng.Upload(context.Background(), UploadRequest{Kind: recognition.KindImage, Data: []byte{1, 2}})
	require.ErrorIs(t, err, apperr.ErrServiceUnavailable)
	require.NotNil(t, ex.Reply)
	assert.Equal(t, fallbackFailed, ex.Reply.Body)
	entries, err := h.eng.OutboxEntries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type recordingSink struct {
	mu   sync.Mutex
	sent []chat.Reaction
}

func (s *recordingSink) Send(r chat.Reaction) {
	s.mu.Lock()
	s.sent = append(s.sent, r)
	s.mu.Unlock()
}

func TestReactAttachesAndForwards(t *testing.T) {
	sink := &recordingSink{}
	h := newHarness(t, func(s *Services) { s.Feedback = sink })
	ctx := context.Background()

	turn, err := h.eng.SendText(ctx, "hello")
	require.NoError(t, err)

	_, err = h.eng.React(ctx, turn.Reply.ID, "thumbs_up")
	require.NoError(t, err)
	require.Len(t, sink.sent, 1)
	assert.Equal(t, turn.Reply.ID, sink.sent[0].MessageID)
	assert.Equal(t, h.eng.ID(), sink.sent[0].SessionID)

	row, err := h.transcript.Entry(ctx, h.eng.ID(), turn.Reply.ID)
	require.NoError(t, err)
	require.Len(t, row.Reactions, 1)
	assert.Equal(t, turn.Reply.Body, row.Message.Body)

	_, err = h.eng.React(ctx, "missing", "thumbs_up")
	assert.ErrorIs(t, err, chatsvc.ErrMessageNotFound)
	assert.Len(t, sink.sent, 1)
}

func TestEventsStreamAndClose(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.eng.SendText(context.Background(), "hello")
	require.NoError(t, err)

	seen := map[EventType]bool{}
	for len(h.eng.Events()) > 0 {
		ev := <-h.eng.Events()
		assert.Equal(t, h.eng.ID(), ev.SessionID)
		seen[ev.Type] = true
	}
	assert.True(t, seen[EventMessage])
	assert.True(t, seen[EventContext])
	assert.True(t, seen[EventDelivery])
	assert.True(t, seen[EventSuggestions])

	h.eng.Close()
	_, open := <-h.eng.Events()
	assert.False(t, open)
	_, err = h.eng.SendText(context.Background(), "again")
	assert.ErrorIs(t, err, ErrClosed)
}
