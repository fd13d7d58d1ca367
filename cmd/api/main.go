package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/z-travel/backend/internal/apperr"
	"github.com/zhouzirui/z-travel/backend/internal/config"
	"github.com/zhouzirui/z-travel/backend/internal/engine"
	"github.com/zhouzirui/z-travel/backend/internal/handler"
	"github.com/zhouzirui/z-travel/backend/internal/model/chat"
	"github.com/zhouzirui/z-travel/backend/internal/service/ai"
	emotionservice "github.com/zhouzirui/z-travel/backend/internal/service/emotion"
	"github.com/zhouzirui/z-travel/backend/internal/service/feedback"
	"github.com/zhouzirui/z-travel/backend/internal/service/recognition"
	"github.com/zhouzirui/z-travel/backend/internal/service/resilience"
	"github.com/zhouzirui/z-travel/backend/internal/service/speech"
	"github.com/zhouzirui/z-travel/backend/internal/service/translation"
	"github.com/zhouzirui/z-travel/backend/internal/storage/sqlite"
	"github.com/zhouzirui/z-travel/backend/internal/voice"
)

// unconfiguredCompleter 在没有模型凭证时兜底，所有消息都会得到失败提示
type unconfiguredCompleter struct{}

func (unconfiguredCompleter) Complete(context.Context, chat.CompletionRequest) (chat.CompletionReply, error) {
	return chat.CompletionReply{}, fmt.Errorf("%w: chat model not configured", apperr.ErrServiceUnavailable)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	db, err := openStorage(cfg.Storage)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer db.Close()

	breaker := func(name string) *resilience.Breaker {
		return resilience.New(resilience.Config{
			Name:        name,
			MaxFailures: cfg.Remote.MaxFailures,
			OpenTimeout: cfg.Remote.OpenTimeout,
			CallTimeout: cfg.Remote.Timeout,
		})
	}

	svc := engine.Services{
		Completer:   unconfiguredCompleter{},
		Outbox:      db.Outbox(),
		Preferences: db.Preferences(),
	}

	// Initialize AI services
	var chatModel model.ChatModel
	if cfg.AI.Enabled() {
		chatModel, err = cfg.AI.NewChatModel(ctx)
		if err != nil {
			log.Printf("warning: failed to create chat model: %v", err)
			log.Println("continuing without AI functionality - 请检查 Ark 模型相关环境变量")
		}
	} else {
		log.Println("Ark 凭证未配置，跳过 AI 功能初始化")
	}

	if chatModel != nil {
		aiService, err := ai.NewService(ctx, chatModel, breaker("completion"))
		if err != nil {
			log.Fatalf("failed to initialize AI service: %v", err)
		}
		svc.Completer = aiService
		log.Println("AI service initialized successfully")

		if translator, err := translation.NewService(ctx, chatModel, breaker("translation")); err != nil {
			log.Printf("warning: failed to initialize translation service: %v", err)
		} else {
			svc.Translator = translator
		}

		if recognizer, err := recognition.NewService(chatModel, breaker("recognition")); err != nil {
			log.Printf("warning: failed to initialize recognition service: %v", err)
		} else {
			svc.Recognizer = recognizer
		}
	}

	// Initialize emotion analysis service (LLM-based guidance with fallback)
	emotionCfg := emotionservice.Config{
		Enabled:      cfg.AI.EmotionLLMEnabled,
		HistoryLimit: cfg.AI.EmotionHistoryLimit,
	}
	emotionSvc, err := emotionservice.NewService(ctx, chatModel, emotionCfg, breaker("emotion"))
	if err != nil {
		log.Printf("warning: failed to initialize emotion service: %v", err)
	} else {
		svc.Sentiment = emotionSvc
		if emotionSvc.Enabled() {
			log.Println("Emotion classifier service enabled")
		} else if emotionCfg.Enabled {
			log.Println("Emotion classifier requested but chat model unavailable, falling back to heuristics")
		}
	}

	// Initialize Speech service
	if cfg.Speech.Enabled {
		speechService := speech.NewService(cfg.Speech.Model(), breaker("asr"), breaker("tts"))
		svc.Transcriber = speechService
		svc.Synthesizer = speechService
		log.Println("Speech service initialized successfully")
	} else {
		log.Println("语音服务凭证未配置，跳过语音功能初始化")
	}

	sink := feedback.NewSink(feedback.Config{
		URL:     cfg.Feedback.URL,
		Rate:    cfg.Feedback.Rate,
		Burst:   cfg.Feedback.Burst,
		Timeout: cfg.Feedback.Timeout,
	}, nil)
	svc.Feedback = sink

	manager, err := engine.NewManager(svc, engine.Config{
		AutoSendThreshold: cfg.Engine.AutoSendThreshold,
		MaxSuggestions:    cfg.Engine.MaxSuggestions,
		RetryCeiling:      cfg.Engine.OutboxRetryCeiling,
		Voice: voice.Config{
			SampleInterval:  cfg.Engine.LevelSampleInterval(),
			WaveformSamples: cfg.Engine.WaveformSamples,
			AudioFormat:     cfg.Engine.AudioFormat,
		},
	})
	if err != nil {
		log.Fatalf("failed to create session manager: %v", err)
	}

	router := handler.NewRouter(manager, handler.Options{AllowedOrigins: cfg.Server.AllowedOrigins})

	startServer(ctx, cfg.Server, router)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	manager.Shutdown(shutdownCtx)
	sink.Wait()
}

func openStorage(cfg config.StorageConfig) (*sqlite.DB, error) {
	db, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	log.Printf("SQLite storage opened at %s", cfg.SQLitePath)
	return db, nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Z Travel backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Printf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
