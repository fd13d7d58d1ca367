package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-travel/backend/internal/apperr"
	"github.com/zhouzirui/z-travel/backend/internal/engine"
	"github.com/zhouzirui/z-travel/backend/internal/model/chat"
	"github.com/zhouzirui/z-travel/backend/internal/model/conversation"
	"github.com/zhouzirui/z-travel/backend/internal/outbox"
	chatService "github.com/zhouzirui/z-travel/backend/internal/service/chat"
	"github.com/zhouzirui/z-travel/backend/internal/service/recognition"
	"github.com/zhouzirui/z-travel/backend/internal/voice"
	"github.com/zhouzirui/z-travel/backend/pkg/utils"
)

// Sessions 是处理器依赖的会话管理接口
type Sessions interface {
	Create(ctx context.Context, userID string) (*engine.Engine, error)
	Get(sessionID string) (*engine.Engine, error)
	End(ctx context.Context, sessionID string) error
}

// Handler 会话相关的HTTP处理器
type Handler struct {
	sessions Sessions
}

// New 创建会话处理器
func New(sessions Sessions) *Handler {
	return &Handler{sessions: sessions}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleCreateSession)
	r.Get("/sessions/{sessionID}", h.withEngine(h.handleGetSession))
	r.Delete("/sessions/{sessionID}", h.handleEndSession)
	r.Post("/sessions/{sessionID}/messages", h.withEngine(h.handleSendMessage))
	r.Post("/sessions/{sessionID}/reset", h.withEngine(h.handleReset))
	r.Put("/sessions/{sessionID}/connectivity", h.withEngine(h.handleConnectivity))
	r.Get("/sessions/{sessionID}/outbox", h.withEngine(h.handleListOutbox))
	r.Post("/sessions/{sessionID}/outbox/{entryID}/retry", h.withEngine(h.handleRetryEntry))
	r.Delete("/sessions/{sessionID}/outbox/{entryID}", h.withEngine(h.handleDismissEntry))
	r.Post("/sessions/{sessionID}/reactions", h.withEngine(h.handleReaction))
	r.Put("/sessions/{sessionID}/preferences", h.withEngine(h.handlePreferences))
	r.Post("/sessions/{sessionID}/translate", h.withEngine(h.handleTranslate))
	r.Post("/sessions/{sessionID}/uploads", h.withEngine(h.handleUpload))
	r.Put("/sessions/{sessionID}/draft", h.withEngine(h.handleUpdateDraft))
	r.Post("/sessions/{sessionID}/draft/send", h.withEngine(h.handleSendDraft))
}

type engineHandler func(w http.ResponseWriter, r *http.Request, eng *engine.Engine)

func (h *Handler) withEngine(next engineHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eng, err := h.sessions.Get(chi.URLParam(r, "sessionID"))
		if err != nil {
			RespondFailure(w, err)
			return
		}
		next(w, r, eng)
	}
}

// sessionView 是会话的完整快照
type sessionView struct {
	ID              string                   `json:"id"`
	UserID          string                   `json:"userId"`
	Online          bool                     `json:"online"`
	ResponsePending bool                     `json:"responsePending"`
	Context         conversation.Snapshot    `json:"context"`
	Preferences     conversation.Preferences `json:"preferences"`
	Voice           voice.Status             `json:"voice"`
	Draft           engine.Draft             `json:"draft"`
	Transcript      []chat.Entry             `json:"transcript"`
}

func viewOf(ctx context.Context, eng *engine.Engine) (sessionView, error) {
	entries, err := eng.Transcript(ctx)
	if err != nil {
		return sessionView{}, err
	}
	return sessionView{
		ID:              eng.ID(),
		UserID:          eng.UserID(),
		Online:          eng.Online(),
		ResponsePending: eng.ResponsePending(),
		Context:         eng.Snapshot(),
		Preferences:     eng.Preferences(),
		Voice:           eng.VoiceStatus(),
		Draft:           eng.CurrentDraft(),
		Transcript:      entries,
	}, nil
}

// handleCreateSession 创建会话，请求体可以为空
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID string `json:"userId"`
	}
	if r.ContentLength != 0 {
		if err := utils.DecodeJSON(w, r, &payload); err != nil {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	eng, err := h.sessions.Create(r.Context(), strings.TrimSpace(payload.UserID))
	if err != nil {
		RespondFailure(w, err)
		return
	}
	log.Printf("[http] session created id=%s user=%s", eng.ID(), eng.UserID())

	view, err := viewOf(r.Context(), eng)
	if err != nil {
		RespondFailure(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, view)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request, eng *engine.Engine) {
	view, err := viewOf(r.Context(), eng)
	if err != nil {
		RespondFailure(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, view)
}

func (h *Handler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.End(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		RespondFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSendMessage 发送一条文本消息；失败时仍返回已记录的 turn，便于客户端展示兜底回复
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request, eng *engine.Engine) {
	var payload struct {
		Text string `json:"text"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	turn, err := eng.SendText(r.Context(), payload.Text)
	respondTurn(w, turn, err)
}

func respondTurn(w http.ResponseWriter, turn engine.Turn, err error) {
	if err == nil {
		utils.RespondJSON(w, http.StatusOK, turn)
		return
	}
	if turn.User.ID == "" {
		RespondFailure(w, err)
		return
	}
	status := StatusFor(err)
	if turn.Delivery == chat.DeliveryPending {
		// 已进入发件箱，稍后自动重发
		status = http.StatusAccepted
	}
	utils.RespondJSON(w, status, map[string]any{
		"error": err.Error(),
		"turn":  turn,
	})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request, eng *engine.Engine) {
	if err := eng.Reset(r.Context()); err != nil {
		RespondFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleConnectivity(w http.ResponseWriter, r *http.Request, eng *engine.Engine) {
	var payload struct {
		Online *bool `json:"online"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.Online == nil {
		utils.RespondError(w, http.StatusBadRequest, "online is required")
		return
	}

	// 投递失败会通过事件流上报，这里只反映连接状态
	if err := eng.SetOnline(r.Context(), *payload.Online); err != nil && !errors.Is(err, apperr.ErrDeliveryExhausted) {
		log.Printf("[http] session=%s drain after reconnect: %v", eng.ID(), err)
	}
	entries, err := eng.OutboxEntries(r.Context())
	if err != nil {
		RespondFailure(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"online": eng.Online(),
		"outbox": entries,
	})
}

func (h *Handler) handleListOutbox(w http.ResponseWriter, r *http.Request, eng *engine.Engine) {
	entries, err := eng.OutboxEntries(r.Context())
	if err != nil {
		RespondFailure(w, err)
		return
	}
	if entries == nil {
		entries = []outbox.Entry{}
	}
	utils.RespondJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleRetryEntry(w http.ResponseWriter, r *http.Request, eng *engine.Engine) {
	entry, err := eng.RetryFailed(r.Context(), chi.URLParam(r, "entryID"))
	if err != nil && entry.ID == "" {
		RespondFailure(w, err)
		return
	}
	if err != nil {
		log.Printf("[http] session=%s retry %s: %v", eng.ID(), entry.ID, err)
	}
	utils.RespondJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleDismissEntry(w http.ResponseWriter, r *http.Request, eng *engine.Engine) {
	entry, err := eng.DismissFailed(r.Context(), chi.URLParam(r, "entryID"))
	if err != nil {
		RespondFailure(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleReaction(w http.ResponseWriter, r *http.Request, eng *engine.Engine) {
	var payload struct {
		MessageID string `json:"messageId"`
		Reaction  string `json:"reaction"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	saved, err := eng.React(r.Context(), payload.MessageID, payload.Reaction)
	if err != nil {
		RespondFailure(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, saved)
}

func (h *Handler) handlePreferences(w http.ResponseWriter, r *http.Request, eng *engine.Engine) {
	prefs := eng.Preferences()
	// 只覆盖请求中出现的字段
	if err := utils.DecodeJSON(w, r, &prefs); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	applied, err := eng.UpdatePreferences(r.Context(), prefs)
	if err != nil {
		RespondFailure(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, applied)
}

func (h *Handler) handleTranslate(w http.ResponseWriter, r *http.Request, eng *engine.Engine) {
	var req engine.TranslateRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ex, err := eng.Translate(r.Context(), req)
	respondExchange(w, ex, err)
}

// handleUpload 接收 multipart 表单：kind、context 字段与 file 文件
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request, eng *engine.Engine) {
	r.Body = http.MaxBytesReader(w, r.Body, recognition.MaxFileBytes+(1<<20))
	if err := r.ParseMultipartForm(recognition.MaxFileBytes); err != nil {
		utils.RespondError(w, http.StatusBadRequest, fmt.Sprintf("invalid upload: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	kind := recognition.Kind(strings.TrimSpace(r.FormValue("kind")))
	switch kind {
	case recognition.KindImage, recognition.KindDocument:
	case "":
		kind = recognition.KindImage
	default:
		utils.RespondError(w, http.StatusBadRequest, fmt.Sprintf("unsupported kind %q", kind))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	ex, err := eng.Upload(r.Context(), engine.UploadRequest{
		Kind:     kind,
		FileName: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Data:     data,
		Context:  r.FormValue("context"),
	})
	respondExchange(w, ex, err)
}

func respondExchange(w http.ResponseWriter, ex engine.Exchange, err error) {
	if err == nil {
		utils.RespondJSON(w, http.StatusOK, ex)
		return
	}
	if ex.User.ID == "" {
		RespondFailure(w, err)
		return
	}
	utils.RespondJSON(w, StatusFor(err), map[string]any{
		"error":    err.Error(),
		"exchange": ex,
	})
}

func (h *Handler) handleUpdateDraft(w http.ResponseWriter, r *http.Request, eng *engine.Engine) {
	var payload struct {
		Text string `json:"text"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, eng.UpdateDraft(payload.Text))
}

func (h *Handler) handleSendDraft(w http.ResponseWriter, r *http.Request, eng *engine.Engine) {
	turn, err := eng.SendDraft(r.Context())
	respondTurn(w, turn, err)
}

// StatusFor 把引擎错误映射为 HTTP 状态码
func StatusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, chatService.ErrSessionNotFound),
		errors.Is(err, chatService.ErrMessageNotFound),
		errors.Is(err, outbox.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, outbox.ErrNotFailed), errors.Is(err, apperr.ErrDeviceUnavailable):
		return http.StatusConflict
	case errors.Is(err, engine.ErrClosed):
		return http.StatusGone
	case errors.Is(err, apperr.ErrServiceUnavailable),
		errors.Is(err, apperr.ErrCircuitOpen),
		errors.Is(err, apperr.ErrDeliveryExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// RespondFailure 发送与错误类型对应的错误响应
func RespondFailure(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("[http] internal error: %v", err)
	}
	utils.RespondError(w, status, err.Error())
}
