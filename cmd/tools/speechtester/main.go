package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/z-travel/backend/internal/config"
	speechmodel "github.com/zhouzirui/z-travel/backend/internal/model/speech"
	"github.com/zhouzirui/z-travel/backend/internal/service/speech"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	if !cfg.Speech.Enabled {
		log.Fatal("语音服务未启用，请先在环境变量中配置 SPEECH_APP_ID 与 SPEECH_ACCESS_TOKEN")
	}

	mode := flag.String("mode", "", "测试模式: asr 或 tts")
	audioPath := flag.String("audio", "", "ASR 输入音频文件路径")
	text := flag.String("text", "", "TTS 输入文本")
	outputPath := flag.String("out", "", "TTS 输出音频文件路径 (默认根据格式自动生成)")
	format := flag.String("format", "", "音频格式 (ASR: 输入格式; TTS: 输出格式)")
	language := flag.String("lang", "", "语言代码，默认使用配置中的语言")
	voice := flag.String("voice", "", "TTS 声音 ID，默认使用配置中的 TTSVoice")
	tone := flag.String("tone", "", "TTS 语气: friendly, professional, casual, enthusiastic")
	session := flag.String("session", "", "自定义 sessionID，留空则自动生成")
	timeout := flag.Duration("timeout", 45*time.Second, "请求超时时间")

	flag.Parse()

	if *mode != "asr" && *mode != "tts" {
		flag.Usage()
		log.Fatal("请通过 -mode=asr 或 -mode=tts 指定测试模式")
	}

	sessionID := *session
	if sessionID == "" {
		sessionID = fmt.Sprintf("manual-%d", time.Now().UnixNano())
	}

	// 手动测试不经过熔断器
	svc := speech.NewService(cfg.Speech.Model(), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *mode {
	case "asr":
		runASR(ctx, svc, cfg, sessionID, *audioPath, *format, *language)
	case "tts":
		runTTS(ctx, svc, cfg, speechmodel.SynthesisRequest{
			SessionID:    sessionID,
			Text:         *text,
			VoiceID:      *voice,
			LanguageHint: *language,
			Tone:         *tone,
			Format:       *format,
		}, *outputPath)
	}
}

func runASR(ctx context.Context, svc *speech.Service, cfg *config.Config, sessionID, audioPath, format, language string) {
	if audioPath == "" {
		log.Fatal("ASR 模式需要通过 -audio 指定音频文件路径")
	}

	audio, err := os.ReadFile(audioPath)
	if err != nil {
		log.Fatalf("读取音频文件失败: %v", err)
	}

	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(audioPath)), ".")
		if format == "" {
			format = "wav"
		}
	}

	if language == "" {
		language = cfg.Speech.ASRLanguage
	}

	log.Printf("开始进行 ASR 测试: session=%s format=%s language=%s bytes=%d", sessionID, format, language, len(audio))

	resp, err := svc.Transcribe(ctx, speechmodel.TranscriptionRequest{
		SessionID:    sessionID,
		Audio:        audio,
		Format:       format,
		LanguageHint: language,
	})
	if err != nil {
		log.Fatalf("ASR 调用失败: %v", err)
	}

	log.Printf("ASR 识别成功: text=%q confidence=%.2f language=%s emotions=%v",
		resp.Transcript, resp.Confidence, resp.DetectedLanguage, resp.Emotions)
}

func runTTS(ctx context.Context, svc *speech.Service, cfg *config.Config, req speechmodel.SynthesisRequest, outputPath string) {
	if strings.TrimSpace(req.Text) == "" {
		log.Fatal("TTS 模式需要通过 -text 提供待合成文本")
	}

	if req.LanguageHint == "" {
		req.LanguageHint = cfg.Speech.TTSLanguage
	}
	if req.Format == "" {
		req.Format = cfg.Speech.TTSFormat
	}

	if outputPath == "" {
		outputPath = fmt.Sprintf("tts-output-%d.%s", time.Now().Unix(), req.Format)
	}

	log.Printf("开始进行 TTS 测试: session=%s voice=%s tone=%s format=%s", req.SessionID, req.VoiceID, req.Tone, req.Format)

	resp, err := svc.Synthesize(ctx, req)
	if err != nil {
		log.Fatalf("TTS 调用失败: %v", err)
	}

	if err := os.WriteFile(outputPath, resp.Audio, 0o644); err != nil {
		log.Fatalf("写入音频文件失败: %v", err)
	}

	log.Printf("TTS 合成成功: 输出文件 %s, 时长=%dms", outputPath, resp.Duration)
}
