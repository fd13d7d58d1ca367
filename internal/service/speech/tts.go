package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	speechmodel "github.com/zhouzirui/z-travel/backend/internal/model/speech"
)

const ttsPath = "/api/v3/tts/unidirectional/stream"

// TTSClient 火山引擎单向流式合成客户端。
type TTSClient struct {
	cfg  *speechmodel.Config
	conn *connector
}

// NewTTSClient 创建合成客户端。
func NewTTSClient(cfg *speechmodel.Config) *TTSClient {
	return &TTSClient{cfg: cfg, conn: newConnector(timeoutOf(cfg))}
}

type ttsRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string         `json:"speaker"`
		Text        string         `json:"text"`
		AudioParams ttsAudioParams `json:"audio_params"`
		Language    string         `json:"language,omitempty"`
	} `json:"req_params"`
}

type ttsAudioParams struct {
	Format       string  `json:"format"`
	SampleRate   int     `json:"sample_rate"`
	SpeechRate   int     `json:"speech_rate,omitempty"`
	Emotion      string  `json:"emotion,omitempty"`
	EmotionScale float32 `json:"emotion_scale,omitempty"`
}

type ttsServerMessage struct {
	ReqID    string `json:"reqid"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Data     string `json:"data"`
	Addition struct {
		Duration string `json:"duration,omitempty"`
	} `json:"addition,omitempty"`
}

// Synthesize 合成整段语音。音色与资源 ID 不匹配时依次尝试备选组合。
func (c *TTSClient) Synthesize(ctx context.Context, req speechmodel.SynthesisRequest) (speechmodel.SynthesisResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return speechmodel.SynthesisResult{}, fmt.Errorf("TTS text is empty")
	}
	appKey, accessKey, err := credentials(c.cfg)
	if err != nil {
		return speechmodel.SynthesisResult{}, err
	}

	format := strings.ToLower(strings.TrimSpace(req.Format))
	if format == "" {
		format = strings.ToLower(strings.TrimSpace(c.cfg.TTSFormat))
	}
	switch format {
	case "", "wav":
		format = "mp3"
	}

	var lastMismatch error
	for _, speaker := range speakerCandidates(req.VoiceID, c.cfg.TTSVoice) {
		for _, resourceID := range resourceCandidates(speaker) {
			result, err := c.synthesizeWith(ctx, req, appKey, accessKey, speaker, resourceID, format)
			if err == nil {
				return result, nil
			}
			if !isResourceMismatch(err) {
				return speechmodel.SynthesisResult{}, err
			}
			log.Printf("[TTS] voice %s resource %s mismatch: %v", speaker, resourceID, err)
			lastMismatch = err
		}
	}
	if lastMismatch != nil {
		return speechmodel.SynthesisResult{}, lastMismatch
	}
	return speechmodel.SynthesisResult{}, fmt.Errorf("TTS synthesis failed: no usable voice configured")
}

func (c *TTSClient) synthesizeWith(ctx context.Context, req speechmodel.SynthesisRequest, appKey, accessKey, speaker, resourceID, format string) (speechmodel.SynthesisResult, error) {
	connectID := uuid.New().String()

	header := http.Header{}
	header.Set("X-Api-App-Key", appKey)
	header.Set("X-Api-Access-Key", accessKey)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := c.conn.dial(ctx, baseURLOf(c.cfg)+ttsPath, header)
	if err != nil {
		return speechmodel.SynthesisResult{}, fmt.Errorf("failed to connect to TTS: %w", err)
	}
	defer conn.Close()
	if resp != nil {
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			log.Printf("[TTS] connected with logid: %s", logid)
		}
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	payload, err := json.Marshal(c.buildRequest(req, speaker, format))
	if err != nil {
		return speechmodel.SynthesisResult{}, fmt.Errorf("failed to marshal TTS request: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame(requestFrame(payload, compressionNone))); err != nil {
		return speechmodel.SynthesisResult{}, fmt.Errorf("failed to send TTS request: %w", err)
	}

	var (
		audio    bytes.Buffer
		reqID    string
		duration int64
	)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return speechmodel.SynthesisResult{}, ctx.Err()
			}
			return speechmodel.SynthesisResult{}, fmt.Errorf("failed to read TTS response: %w", err)
		}
		f, err := decodeFrame(data)
		if err != nil {
			return speechmodel.SynthesisResult{}, fmt.Errorf("failed to decode TTS frame: %w", err)
		}

		switch f.kind {
		case frameServerError:
			body, _ := f.body()
			return speechmodel.SynthesisResult{}, fmt.Errorf("TTS error %d: %s", f.errorCode, string(body))

		case frameServerAudio:
			chunk, err := f.body()
			if err != nil {
				return speechmodel.SynthesisResult{}, fmt.Errorf("failed to decompress audio chunk: %w", err)
			}
			audio.Write(chunk)

		case frameServerFull:
			body, err := f.body()
			if err != nil {
				return speechmodel.SynthesisResult{}, fmt.Errorf("failed to decompress TTS payload: %w", err)
			}

			var msg ttsServerMessage
			if len(body) > 0 {
				if err := json.Unmarshal(body, &msg); err != nil {
					log.Printf("[TTS] failed to unmarshal response payload: %v", err)
				} else {
					if msg.Code != 0 && msg.Code != 3000 && msg.Code != 20000000 {
						return speechmodel.SynthesisResult{}, fmt.Errorf("TTS API error %d: %s", msg.Code, msg.Message)
					}
					if msg.ReqID != "" {
						reqID = msg.ReqID
					}
					if ms, err := strconv.ParseInt(msg.Addition.Duration, 10, 64); err == nil {
						duration = ms
					}
					if msg.Data != "" {
						chunk, err := base64.StdEncoding.DecodeString(msg.Data)
						if err != nil {
							return speechmodel.SynthesisResult{}, fmt.Errorf("failed to decode base64 audio chunk: %w", err)
						}
						audio.Write(chunk)
					}
				}
			}

			finished := (f.hasEvent() && f.event == eventSessionFinished) || f.last() || msg.Sequence < 0
			if !finished {
				continue
			}
			if audio.Len() == 0 {
				return speechmodel.SynthesisResult{}, fmt.Errorf("TTS audio is empty")
			}
			if reqID == "" {
				reqID = connectID
			}
			return speechmodel.SynthesisResult{
				SessionID: req.SessionID,
				Audio:     audio.Bytes(),
				Format:    format,
				Duration:  duration,
				RequestID: reqID,
				CreatedAt: time.Now(),
			}, nil

		default:
			log.Printf("[TTS] unexpected frame type: %d", f.kind)
		}
	}
}

func (c *TTSClient) buildRequest(req speechmodel.SynthesisRequest, speaker, format string) *ttsRequest {
	r := &ttsRequest{}
	r.User.UID = req.SessionID
	if r.User.UID == "" {
		r.User.UID = uuid.New().String()
	}

	r.ReqParams.Speaker = speaker
	r.ReqParams.Text = req.Text
	r.ReqParams.AudioParams.Format = format
	r.ReqParams.AudioParams.SampleRate = 24000

	speed := req.Speed
	if speed <= 0 {
		speed = c.cfg.TTSSpeed
	}
	r.ReqParams.AudioParams.SpeechRate = speechRate(speed)

	language := strings.TrimSpace(req.LanguageHint)
	if language == "" {
		language = strings.TrimSpace(c.cfg.TTSLanguage)
	}
	r.ReqParams.Language = language

	if label, scale, ok := emotionParams(speaker, req); ok {
		r.ReqParams.AudioParams.Emotion = label
		r.ReqParams.AudioParams.EmotionScale = scale
	}
	return r
}

// speechRate 把 0.5~2.0 的倍率换算为服务端的 [-50, 100] 区间。
func speechRate(ratio float32) int {
	if ratio <= 0 || ratio == 1 {
		return 0
	}
	rate := int(math.Round(float64(ratio-1) * 100))
	if rate < -50 {
		rate = -50
	}
	if rate > 100 {
		rate = 100
	}
	return rate
}

// toneEmotion 在调用方没有指定情绪时，按语气偏好给出默认播报情绪。
var toneEmotion = map[string]string{
	"friendly":     "happy",
	"professional": "magnetic",
	"enthusiastic": "excited",
}

// emotionParams 仅对支持情绪的音色生效。
func emotionParams(speaker string, req speechmodel.SynthesisRequest) (string, float32, bool) {
	if !supportsEmotion(speaker) {
		return "", 0, false
	}

	label := strings.ToLower(strings.TrimSpace(req.Emotion))
	scale := req.EmotionScale
	if label == "" {
		label = toneEmotion[strings.ToLower(strings.TrimSpace(req.Tone))]
	}
	if label == "" || label == "neutral" {
		return "", 0, false
	}

	if scale <= 0 {
		scale = 3
	}
	if scale < 1 {
		scale = 1
	}
	if scale > 5 {
		scale = 5
	}
	return label, scale, true
}

func supportsEmotion(voice string) bool {
	return strings.Contains(strings.ToLower(strings.TrimSpace(voice)), "_emo")
}

// voiceAliases 允许客户端使用语义化的音色名。
var voiceAliases = map[string]string{
	"guide-female": "en_female_candice_emo_v2_mars_bigtts",
	"guide-male":   "en_male_glen_emo_v2_mars_bigtts",
	"guide-zh":     "zh_female_vv_uranus_bigtts",
	"en_default":   "en_female_amy_jupiter_bigtts",
}

func speakerCandidates(requested, fallback string) []string {
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if mapped, ok := voiceAliases[strings.ToLower(s)]; ok {
			s = mapped
		}
		for _, existing := range out {
			if strings.EqualFold(existing, s) {
				return
			}
		}
		out = append(out, s)
	}
	add(requested)
	add(fallback)
	return out
}

func resourceCandidates(voice string) []string {
	const (
		defaultResource = "volc.service_type.10029"
		megaResource    = "volc.megatts.default"
		seedResource    = "seed-tts-2.0"
	)

	if strings.HasPrefix(voice, "S_") {
		return []string{megaResource}
	}
	normalized := strings.ToLower(voice)
	for _, hint := range []string{"bigtts", "seed", "megatts", "uranus", "jupiter", "mars"} {
		if strings.Contains(normalized, hint) {
			return []string{seedResource, defaultResource}
		}
	}
	return []string{defaultResource, seedResource}
}

func isResourceMismatch(err error) bool {
	return err != nil && strings.Contains(err.Error(), "resource ID is mismatched with speaker related resource")
}
