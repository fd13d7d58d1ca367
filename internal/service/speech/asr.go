package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	speechmodel "github.com/zhouzirui/z-travel/backend/internal/model/speech"
)

const (
	defaultBaseURL       = "wss://openspeech.bytedance.com"
	asrPath              = "/api/v3/sauc/bigmodel_nostream"
	defaultASRResourceID = "volc.bigasr.sauc.duration"
	asrChunkBytes        = 6400 // 16kHz 16bit 单声道 200ms
)

// ASRClient 火山引擎大模型流式识别客户端。
type ASRClient struct {
	cfg           *speechmodel.Config
	conn          *connector
	chunkInterval time.Duration
}

// NewASRClient 创建识别客户端。
func NewASRClient(cfg *speechmodel.Config) *ASRClient {
	return &ASRClient{
		cfg:           cfg,
		conn:          newConnector(timeoutOf(cfg)),
		chunkInterval: 200 * time.Millisecond,
	}
}

type asrRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate,omitempty"`
		Bits     int    `json:"bits,omitempty"`
		Channel  int    `json:"channel,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn,omitempty"`
		EnablePunc     bool   `json:"enable_punc,omitempty"`
		ShowUtterances bool   `json:"show_utterances,omitempty"`
		ResultType     string `json:"result_type,omitempty"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

type asrUtterance struct {
	Text      string            `json:"text"`
	StartTime int64             `json:"start_time"`
	EndTime   int64             `json:"end_time"`
	Definite  bool              `json:"definite"`
	Additions map[string]string `json:"additions,omitempty"`
}

type asrServerMessage struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Result   struct {
		Text       string         `json:"text"`
		Utterances []asrUtterance `json:"utterances,omitempty"`
	} `json:"result,omitempty"`
	AudioInfo struct {
		Duration int64 `json:"duration"`
	} `json:"audio_info,omitempty"`
}

// Transcribe 上传整段录音并等待最终识别结果。
func (c *ASRClient) Transcribe(ctx context.Context, req speechmodel.TranscriptionRequest) (speechmodel.TranscriptionResult, error) {
	appID, token, err := credentials(c.cfg)
	if err != nil {
		return speechmodel.TranscriptionResult{}, err
	}

	resourceID := strings.TrimSpace(c.cfg.ASRResourceID)
	if resourceID == "" {
		resourceID = defaultASRResourceID
	}

	header := http.Header{}
	header.Set("X-Api-App-Key", appID)
	header.Set("X-Api-Access-Key", token)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", req.SessionID)

	conn, resp, err := c.conn.dial(ctx, baseURLOf(c.cfg)+asrPath, header)
	if err != nil {
		return speechmodel.TranscriptionResult{}, fmt.Errorf("failed to connect to ASR: %w", err)
	}
	defer conn.Close()
	if resp != nil {
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			log.Printf("[ASR] connected with logid: %s", logid)
		}
	}

	// 上下文取消时关闭连接，解除阻塞的读。
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	language := c.languageFor(req)
	payload, err := json.Marshal(c.buildRequest(req, language))
	if err != nil {
		return speechmodel.TranscriptionResult{}, fmt.Errorf("failed to marshal ASR request: %w", err)
	}
	compressed, err := gzipBytes(payload)
	if err != nil {
		return speechmodel.TranscriptionResult{}, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame(requestFrame(compressed, compressionGzip))); err != nil {
		return speechmodel.TranscriptionResult{}, fmt.Errorf("failed to send ASR request: %w", err)
	}

	sendErr := make(chan error, 1)
	go func() {
		err := c.sendAudio(ctx, conn, req.Audio)
		if err != nil {
			conn.Close()
		}
		sendErr <- err
	}()

	result, err := c.receive(conn, req.SessionID)
	if err != nil {
		if ctx.Err() != nil {
			return speechmodel.TranscriptionResult{}, ctx.Err()
		}
		select {
		case se := <-sendErr:
			if se != nil {
				return speechmodel.TranscriptionResult{}, fmt.Errorf("failed to send audio: %w", se)
			}
		default:
		}
		return speechmodel.TranscriptionResult{}, err
	}

	result.DetectedLanguage = language
	return result, nil
}

func (c *ASRClient) languageFor(req speechmodel.TranscriptionRequest) string {
	if lang := strings.TrimSpace(req.LanguageHint); lang != "" {
		return lang
	}
	if lang := strings.TrimSpace(c.cfg.ASRLanguage); lang != "" {
		return lang
	}
	return "en-US"
}

func (c *ASRClient) buildRequest(req speechmodel.TranscriptionRequest, language string) *asrRequest {
	r := &asrRequest{}
	r.User.UID = req.SessionID

	r.Audio.Language = language
	switch format := strings.ToLower(strings.TrimSpace(req.Format)); format {
	case "", "pcm":
		r.Audio.Format = "pcm"
		r.Audio.Codec = "raw"
	default:
		r.Audio.Format = format
	}
	r.Audio.Rate = c.cfg.SampleRate
	if r.Audio.Rate <= 0 {
		r.Audio.Rate = 16000
	}
	r.Audio.Bits = 16
	r.Audio.Channel = 1

	r.Request.ModelName = "bigmodel"
	r.Request.EnableITN = true
	r.Request.EnablePunc = true
	r.Request.ShowUtterances = true
	r.Request.ResultType = "full"
	r.Request.EndWindowSize = 800
	return r
}

// sendAudio 按 200ms 分包发送，模拟实时音频流。FullClientRequest 占用序号 1。
func (c *ASRClient) sendAudio(ctx context.Context, conn *websocket.Conn, audio []byte) error {
	if len(audio) == 0 {
		return fmt.Errorf("no audio data to send")
	}

	sequence := int32(2)
	for start := 0; start < len(audio); start += asrChunkBytes {
		end := min(start+asrChunkBytes, len(audio))
		last := end >= len(audio)

		chunk, err := gzipBytes(audio[start:end])
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame(audioFrame(chunk, sequence, last))); err != nil {
			return fmt.Errorf("failed to send audio chunk: %w", err)
		}
		sequence++
		if last {
			return nil
		}

		if c.chunkInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.chunkInterval):
			}
		}
	}
	return nil
}

func (c *ASRClient) receive(conn *websocket.Conn, sessionID string) (speechmodel.TranscriptionResult, error) {
	var (
		text       string
		utterances []asrUtterance
		duration   int64
	)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return speechmodel.TranscriptionResult{}, fmt.Errorf("failed to read ASR response: %w", err)
		}
		f, err := decodeFrame(data)
		if err != nil {
			return speechmodel.TranscriptionResult{}, fmt.Errorf("failed to decode ASR frame: %w", err)
		}

		switch f.kind {
		case frameServerError:
			body, _ := f.body()
			return speechmodel.TranscriptionResult{}, fmt.Errorf("ASR error %d: %s", f.errorCode, string(body))

		case frameServerFull:
			body, err := f.body()
			if err != nil {
				return speechmodel.TranscriptionResult{}, fmt.Errorf("failed to decompress ASR payload: %w", err)
			}
			var msg asrServerMessage
			if err := json.Unmarshal(body, &msg); err != nil {
				log.Printf("[ASR] failed to unmarshal response: %v", err)
				continue
			}
			if msg.Code != 0 && msg.Code != 20000000 {
				return speechmodel.TranscriptionResult{}, fmt.Errorf("ASR API error %d: %s", msg.Code, msg.Message)
			}

			candidate := msg.Result.Text
			if candidate == "" && len(msg.Result.Utterances) > 0 {
				candidate = joinUtterances(msg.Result.Utterances)
			}
			if candidate != "" {
				text = candidate
				utterances = msg.Result.Utterances
			}
			if msg.AudioInfo.Duration > 0 {
				duration = msg.AudioInfo.Duration
			}

			if f.last() || msg.Sequence < 0 {
				if text == "" {
					log.Printf("[ASR] empty transcript for session %s", sessionID)
				}
				return speechmodel.TranscriptionResult{
					SessionID:  sessionID,
					Transcript: strings.TrimSpace(text),
					Confidence: estimateConfidence(text, utterances),
					Emotions:   utteranceEmotions(utterances),
					Duration:   duration,
					RequestID:  sessionID,
					CreatedAt:  time.Now(),
				}, nil
			}
		}
	}
}

func joinUtterances(utterances []asrUtterance) string {
	parts := make([]string, 0, len(utterances))
	for _, u := range utterances {
		if t := strings.TrimSpace(u.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// estimateConfidence 服务端不返回置信度：全部分句已确定时给高分，否则降一档。
func estimateConfidence(text string, utterances []asrUtterance) float64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	for _, u := range utterances {
		if !u.Definite {
			return 0.75
		}
	}
	return 0.95
}

func utteranceEmotions(utterances []asrUtterance) []string {
	var out []string
	seen := make(map[string]bool)
	for _, u := range utterances {
		if e := strings.ToLower(strings.TrimSpace(u.Additions["emotion"])); e != "" && !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}

func baseURLOf(cfg *speechmodel.Config) string {
	if cfg != nil {
		if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
			return base
		}
	}
	return defaultBaseURL
}

func timeoutOf(cfg *speechmodel.Config) time.Duration {
	if cfg != nil && cfg.Timeout > 0 {
		return time.Duration(cfg.Timeout) * time.Second
	}
	return 30 * time.Second
}
