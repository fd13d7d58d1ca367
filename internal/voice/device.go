package voice

import (
	"context"

	"github.com/zhouzirui/z-travel/backend/internal/model/speech"
)

// Microphone acquires the capture device. Open fails with apperr.ErrDeviceUnavailable
// when permission is denied or no device exists.
type Microphone interface {
	Open(ctx context.Context) (Capture, error)
}

// Capture is an acquired microphone handle.
type Capture interface {
	// Level returns the current input level in [0, 1].
	Level() float64
	// Stop ends recording and returns the captured audio.
	Stop() ([]byte, error)
	// Close releases the device. It is safe to call after Stop and more than once.
	Close() error
}

// Speaker plays synthesized audio.
type Speaker interface {
	Play(ctx context.Context, audio []byte, format string) (Playback, error)
}

// Playback is an active playback handle.
type Playback interface {
	// Done is closed when playback finishes on its own.
	Done() <-chan struct{}
	// Stop halts playback and releases the output device.
	Stop() error
}

// Transcriber turns captured audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, req speech.TranscriptionRequest) (speech.TranscriptionResult, error)
}

// Synthesizer turns text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req speech.SynthesisRequest) (speech.SynthesisResult, error)
}
