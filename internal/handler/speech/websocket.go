package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-travel/backend/internal/engine"
	"github.com/zhouzirui/z-travel/backend/internal/voice"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
	// 轮次类命令排队顺序执行，队列满时拒绝
	commandQueue = 16
)

// Sessions 查找会话引擎
type Sessions interface {
	Get(sessionID string) (*engine.Engine, error)
}

// WebSocketHandler 会话的实时通道：上行 PCM 音频与控制命令，下行事件与合成语音
type WebSocketHandler struct {
	sessions Sessions
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(sessions Sessions) *WebSocketHandler {
	return &WebSocketHandler{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterWebSocketRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterWebSocketRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// 客户端命令
const (
	cmdText             = "text"
	cmdStartRecording   = "start_recording"
	cmdStopRecording    = "stop_recording"
	cmdCancelRecording  = "cancel_recording"
	cmdClearVoiceError  = "clear_voice_error"
	cmdPlaybackFinished = "playback_finished"
	cmdMicAvailable     = "mic_available"
	cmdConnectivity     = "connectivity"
	cmdDraft            = "draft"
	cmdSendDraft        = "send_draft"
)

// conn 串行化写操作，gorilla 的连接不支持并发写
type conn struct {
	ws        *websocket.Conn
	sessionID string
	mu        sync.Mutex
}

func (c *conn) send(msgType string, data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(outgoingMessage{
		Type:      msgType,
		SessionID: c.sessionID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

func (c *conn) sendError(message string) {
	if err := c.send("error", map[string]string{"message": message}); err != nil {
		log.Printf("[websocket] write error failed: %v", err)
	}
}

// sendAudio 把合成语音以 base64 发给客户端，客户端播放完毕后回 playback_finished
func (c *conn) sendAudio(_ context.Context, audio []byte, format string) error {
	return c.send("tts", map[string]any{
		"audioData": base64.StdEncoding.EncodeToString(audio),
		"format":    format,
	})
}

func (c *conn) haltAudio() error {
	return c.send("tts_stop", nil)
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	eng, err := h.sessions.Get(sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	log.Printf("[websocket] new connection for session: %s", sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &conn{ws: ws, sessionID: sessionID}
	devices := eng.Devices()
	detach := devices.Attach(c.sendAudio, c.haltAudio)
	defer detach()

	ws.SetReadLimit(1 << 20)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	var wg sync.WaitGroup
	commands := make(chan inboundMessage, commandQueue)
	wg.Add(3)
	go func() {
		defer wg.Done()
		h.pingLoop(ctx, c)
	}()
	go func() {
		defer wg.Done()
		h.forwardEvents(ctx, c, eng)
	}()
	go func() {
		defer wg.Done()
		h.runCommands(ctx, c, eng, commands)
	}()
	defer wg.Wait()
	defer cancel()

	if err := c.send("connected", map[string]any{
		"preferences": eng.Preferences(),
		"voice":       eng.VoiceStatus(),
		"online":      eng.Online(),
	}); err != nil {
		return
	}

	for {
		msgType, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[websocket] read error: %v", err)
			}
			// 客户端断开时不再保留录音
			eng.CancelRecording()
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))

		if msgType == websocket.BinaryMessage {
			if err := devices.Microphone.Write(payload); err != nil && !errors.Is(err, voice.ErrNoActiveCapture) {
				c.sendError(err.Error())
			}
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.sendError("invalid message")
			continue
		}
		if h.handleControl(ctx, c, eng, msg) {
			continue
		}
		select {
		case commands <- msg:
		default:
			c.sendError("too many pending commands")
		}
	}
}

// handleControl 立即执行不产生对话轮次的命令，返回 false 表示需要排队
func (h *WebSocketHandler) handleControl(ctx context.Context, c *conn, eng *engine.Engine, msg inboundMessage) bool {
	devices := eng.Devices()
	switch msg.Type {
	case cmdStartRecording:
		if err := eng.StartRecording(ctx); err != nil {
			c.sendError(err.Error())
		}
	case cmdCancelRecording:
		eng.CancelRecording()
	case cmdClearVoiceError:
		eng.ClearVoiceError()
	case cmdPlaybackFinished:
		devices.Speaker.Finished()
	case cmdMicAvailable:
		var data struct {
			Available bool `json:"available"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError("invalid mic_available payload")
			return true
		}
		devices.Microphone.SetAvailable(data.Available)
	case cmdDraft:
		var data struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError("invalid draft payload")
			return true
		}
		h.reply(c, "draft", eng.UpdateDraft(data.Text))
	case cmdText, cmdStopRecording, cmdSendDraft, cmdConnectivity:
		return false
	default:
		c.sendError("unsupported message type: " + msg.Type)
	}
	return true
}

// runCommands 按到达顺序执行会产生对话轮次的命令
func (h *WebSocketHandler) runCommands(ctx context.Context, c *conn, eng *engine.Engine, commands <-chan inboundMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-commands:
			h.runCommand(ctx, c, eng, msg)
		}
	}
}

func (h *WebSocketHandler) runCommand(ctx context.Context, c *conn, eng *engine.Engine, msg inboundMessage) {
	switch msg.Type {
	case cmdText:
		var data struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError("invalid text payload")
			return
		}
		turn, err := eng.SendText(ctx, data.Text)
		h.replyTurn(c, turn, err)
	case cmdSendDraft:
		turn, err := eng.SendDraft(ctx)
		h.replyTurn(c, turn, err)
	case cmdStopRecording:
		outcome, err := eng.StopRecording(ctx)
		if err != nil && outcome.Turn == nil {
			c.sendError(err.Error())
			return
		}
		h.reply(c, "voice_result", outcome)
	case cmdConnectivity:
		var data struct {
			Online bool `json:"online"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError("invalid connectivity payload")
			return
		}
		// 投递失败已经通过事件流上报
		if err := eng.SetOnline(ctx, data.Online); err != nil {
			log.Printf("[websocket] session=%s connectivity: %v", eng.ID(), err)
		}
	}
}

func (h *WebSocketHandler) replyTurn(c *conn, turn engine.Turn, err error) {
	if err != nil && turn.User.ID == "" {
		c.sendError(err.Error())
		return
	}
	h.reply(c, "turn", turn)
}

func (h *WebSocketHandler) reply(c *conn, msgType string, data interface{}) {
	if err := c.send(msgType, data); err != nil {
		log.Printf("[websocket] write %s failed: %v", msgType, err)
	}
}

// forwardEvents 把引擎事件推给客户端
func (h *WebSocketHandler) forwardEvents(ctx context.Context, c *conn, eng *engine.Engine) {
	events := eng.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				c.mu.Lock()
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
					time.Now().Add(writeTimeout))
				c.mu.Unlock()
				return
			}
			if err := c.send("event", ev); err != nil {
				log.Printf("[websocket] write event failed: %v", err)
				return
			}
		}
	}
}

// pingLoop 定期发送ping消息
func (h *WebSocketHandler) pingLoop(ctx context.Context, c *conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
