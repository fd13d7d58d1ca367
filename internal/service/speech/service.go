// Package speech 对接火山引擎语音识别与合成，实现语音管线需要的转写与合成接口。
package speech

import (
	"context"
	"fmt"
	"strings"

	"github.com/zhouzirui/z-travel/backend/internal/apperr"
	speechmodel "github.com/zhouzirui/z-travel/backend/internal/model/speech"
	"github.com/zhouzirui/z-travel/backend/internal/service/resilience"
)

type transcriber interface {
	Transcribe(ctx context.Context, req speechmodel.TranscriptionRequest) (speechmodel.TranscriptionResult, error)
}

type synthesizer interface {
	Synthesize(ctx context.Context, req speechmodel.SynthesisRequest) (speechmodel.SynthesisResult, error)
}

// Service 语音服务，识别与合成各自使用一个熔断器。
type Service struct {
	asr        transcriber
	tts        synthesizer
	asrBreaker *resilience.Breaker
	ttsBreaker *resilience.Breaker
}

// NewService 创建语音服务实例。
func NewService(cfg *speechmodel.Config, asrBreaker, ttsBreaker *resilience.Breaker) *Service {
	return &Service{
		asr:        NewASRClient(cfg),
		tts:        NewTTSClient(cfg),
		asrBreaker: asrBreaker,
		ttsBreaker: ttsBreaker,
	}
}

// Transcribe 语音转文字。
func (s *Service) Transcribe(ctx context.Context, req speechmodel.TranscriptionRequest) (speechmodel.TranscriptionResult, error) {
	if len(req.Audio) == 0 {
		return speechmodel.TranscriptionResult{}, apperr.Validation("no audio captured")
	}
	result, err := resilience.Call(ctx, s.asrBreaker, func(ctx context.Context) (speechmodel.TranscriptionResult, error) {
		return s.asr.Transcribe(ctx, req)
	})
	if err != nil {
		return speechmodel.TranscriptionResult{}, fmt.Errorf("transcribe: %w", err)
	}
	return result, nil
}

// Synthesize 文字转语音。
func (s *Service) Synthesize(ctx context.Context, req speechmodel.SynthesisRequest) (speechmodel.SynthesisResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return speechmodel.SynthesisResult{}, apperr.Validation("nothing to speak")
	}
	result, err := resilience.Call(ctx, s.ttsBreaker, func(ctx context.Context) (speechmodel.SynthesisResult, error) {
		return s.tts.Synthesize(ctx, req)
	})
	if err != nil {
		return speechmodel.SynthesisResult{}, fmt.Errorf("synthesize: %w", err)
	}
	return result, nil
}
