package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-travel/backend/internal/engine"
	"github.com/zhouzirui/z-travel/backend/internal/model/chat"
	speechmodel "github.com/zhouzirui/z-travel/backend/internal/model/speech"
	"github.com/zhouzirui/z-travel/backend/internal/voice"
)

type voiceCompleter struct{}

func (voiceCompleter) Complete(_ context.Context, req chat.CompletionRequest) (chat.CompletionReply, error) {
	return chat.CompletionReply{
		ResponseText:  "Here is what I found for " + req.Message,
		VoiceResponse: &chat.VoiceResponse{Text: "Here is what I found"},
	}, nil
}

type stubSynthesizer struct{}

func (stubSynthesizer) Synthesize(_ context.Context, req speechmodel.SynthesisRequest) (speechmodel.SynthesisResult, error) {
	return speechmodel.SynthesisResult{Audio: []byte(req.Text), Format: "mp3"}, nil
}

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func setup(t *testing.T) (*websocket.Conn, *engine.Engine) {
	t.Helper()
	mgr, err := engine.NewManager(engine.Services{
		Completer:   voiceCompleter{},
		Synthesizer: stubSynthesizer{},
	}, engine.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	eng, err := mgr.Create(context.Background(), "bob")
	require.NoError(t, err)

	r := chi.NewRouter()
	NewWebSocketHandler(mgr).RegisterWebSocketRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/" + eng.ID() + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	first := readUntil(t, ws, "connected")
	assert.Contains(t, string(first.Data), "preferences")
	return ws, eng
}

// readUntil 跳过其他消息直到读到指定类型
func readUntil(t *testing.T, ws *websocket.Conn, msgType string) received {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, ws.SetReadDeadline(deadline))
		var msg received
		require.NoError(t, ws.ReadJSON(&msg), "waiting for %s", msgType)
		if msg.Type == msgType {
			return msg
		}
	}
}

// collect 读到所有指定类型为止，消息之间的先后顺序不确定
func collect(t *testing.T, ws *websocket.Conn, types ...string) map[string]received {
	t.Helper()
	want := make(map[string]bool, len(types))
	for _, typ := range types {
		want[typ] = true
	}
	got := make(map[string]received)
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < len(want) {
		require.NoError(t, ws.SetReadDeadline(deadline))
		var msg received
		require.NoError(t, ws.ReadJSON(&msg), "waiting for %v", types)
		if _, seen := got[msg.Type]; want[msg.Type] && !seen {
			got[msg.Type] = msg
		}
	}
	return got
}

func sendCommand(t *testing.T, ws *websocket.Conn, msgType string, data any) {
	t.Helper()
	msg := map[string]any{"type": msgType}
	if data != nil {
		msg["data"] = data
	}
	require.NoError(t, ws.WriteJSON(msg))
}

func TestUnknownSessionRejected(t *testing.T) {
	mgr, err := engine.NewManager(engine.Services{Completer: voiceCompleter{}}, engine.Config{})
	require.NoError(t, err)

	r := chi.NewRouter()
	NewWebSocketHandler(mgr).RegisterWebSocketRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/missing/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestTextTurnSpeaksReply(t *testing.T) {
	ws, eng := setup(t)

	sendCommand(t, ws, cmdText, map[string]string{"text": "Find hotels in Lisbon"})

	got := collect(t, ws, "turn", "tts")
	var turn engine.Turn
	require.NoError(t, json.Unmarshal(got["turn"].Data, &turn))
	assert.Equal(t, chat.DeliverySent, turn.Delivery)

	audio := got["tts"]
	var payload struct {
		AudioData string `json:"audioData"`
		Format    string `json:"format"`
	}
	require.NoError(t, json.Unmarshal(audio.Data, &payload))
	decoded, err := base64.StdEncoding.DecodeString(payload.AudioData)
	require.NoError(t, err)
	assert.Equal(t, "Here is what I found", string(decoded))
	assert.Equal(t, "mp3", payload.Format)

	sendCommand(t, ws, cmdPlaybackFinished, nil)
	assert.Eventually(t, func() bool {
		return eng.VoiceStatus().Output == voice.OutputIdle
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMicrophoneDenied(t *testing.T) {
	ws, _ := setup(t)

	sendCommand(t, ws, cmdMicAvailable, map[string]bool{"available": false})
	sendCommand(t, ws, cmdStartRecording, nil)

	msg := readUntil(t, ws, "error")
	assert.Contains(t, string(msg.Data), "device unavailable")
}

func TestUnsupportedCommand(t *testing.T) {
	ws, _ := setup(t)

	sendCommand(t, ws, "dance", nil)
	msg := readUntil(t, ws, "error")
	assert.Contains(t, string(msg.Data), "unsupported message type")
}

func TestDraftCommands(t *testing.T) {
	ws, _ := setup(t)

	sendCommand(t, ws, cmdDraft, map[string]string{"text": "Trains to Porto"})
	draft := readUntil(t, ws, "draft")
	assert.Contains(t, string(draft.Data), "Trains to Porto")

	sendCommand(t, ws, cmdSendDraft, nil)
	turnMsg := readUntil(t, ws, "turn")
	var turn engine.Turn
	require.NoError(t, json.Unmarshal(turnMsg.Data, &turn))
	assert.Equal(t, "Trains to Porto", turn.User.Body)
}

func TestEventsForwarded(t *testing.T) {
	ws, eng := setup(t)

	sendCommand(t, ws, cmdText, map[string]string{"text": "Hello"})
	ev := readUntil(t, ws, "event")
	var event struct {
		Type      engine.EventType `json:"type"`
		SessionID string           `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(ev.Data, &event))
	assert.NotEmpty(t, event.Type)
	assert.Equal(t, eng.ID(), event.SessionID)
}
