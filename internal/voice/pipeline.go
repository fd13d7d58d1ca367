// Package voice implements the voice capture pipeline: microphone acquisition, level
// sampling, recording, hand-off to transcription, and synthesized playback.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/z-travel/backend/internal/apperr"
	"github.com/zhouzirui/z-travel/backend/internal/model/speech"
)

var (
	ErrCaptureActive    = errors.New("voice capture already active")
	ErrNotRecording     = errors.New("voice capture is not recording")
	ErrOutputActive     = errors.New("audio output is active")
	ErrOutputCancelled  = errors.New("audio output cancelled")
	ErrCaptureCancelled = errors.New("voice capture cancelled")
)

const (
	defaultSampleInterval  = 100 * time.Millisecond
	defaultWaveformSamples = 48
)

// Config tunes the pipeline.
type Config struct {
	SampleInterval  time.Duration
	WaveformSamples int
	AudioFormat     string
}

// Pipeline 同一时刻只持有麦克风或播放句柄中的一个。
type Pipeline struct {
	mic     Microphone
	speaker Speaker
	stt     Transcriber
	tts     Synthesizer
	cfg     Config

	mu      sync.Mutex
	state   State
	output  OutputState
	session *Session
	lastErr error

	captureGen   uint64
	capture      Capture
	stopSampling context.CancelFunc
	samplingDone chan struct{}

	outputGen   uint64
	cancelSynth context.CancelFunc
	playback    Playback

	observer func(Transition)
	now      func() time.Time
}

// NewPipeline wires the pipeline to its devices and remote collaborators. A nil
// microphone makes every capture attempt fail with apperr.ErrDeviceUnavailable.
func NewPipeline(mic Microphone, speaker Speaker, stt Transcriber, tts Synthesizer, cfg Config) *Pipeline {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = defaultSampleInterval
	}
	if cfg.WaveformSamples <= 0 {
		cfg.WaveformSamples = defaultWaveformSamples
	}
	if cfg.AudioFormat == "" {
		cfg.AudioFormat = "pcm"
	}
	return &Pipeline{
		mic:     mic,
		speaker: speaker,
		stt:     stt,
		tts:     tts,
		cfg:     cfg,
		state:   StateIdle,
		output:  OutputIdle,
		now:     time.Now,
	}
}

// OnTransition registers the state observer. fn runs while the pipeline lock is held
// and must not call back into the pipeline.
func (p *Pipeline) OnTransition(fn func(Transition)) {
	p.mu.Lock()
	p.observer = fn
	p.mu.Unlock()
}

// StartCapture moves Idle (or Error) to Acquiring and then Recording. On device failure
// the pipeline lands in Error, the voice session is discarded and the error wraps
// apperr.ErrDeviceUnavailable. It never retries.
func (p *Pipeline) StartCapture(ctx context.Context) error {
	p.mu.Lock()
	if p.state.Busy() {
		p.mu.Unlock()
		return ErrCaptureActive
	}
	if p.output != OutputIdle {
		p.mu.Unlock()
		return ErrOutputActive
	}
	p.captureGen++
	gen := p.captureGen
	p.lastErr = nil
	p.session = &Session{StartedAt: p.now()}
	p.setStateLocked(StateAcquiring, nil)
	p.mu.Unlock()

	var (
		capture Capture
		err     error
	)
	if p.mic == nil {
		err = errors.New("no microphone attached")
	} else {
		capture, err = p.mic.Open(ctx)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.captureGen != gen || p.state != StateAcquiring {
		// 获取期间被取消，立即归还设备。
		if capture != nil {
			releaseCapture(capture)
		}
		return ErrCaptureCancelled
	}
	if err != nil {
		err = deviceError(err)
		p.failLocked(err)
		return err
	}

	samplingCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.capture = capture
	p.stopSampling = cancel
	p.samplingDone = done
	p.setStateLocked(StateRecording, nil)

	go p.sample(samplingCtx, capture, p.session, done)
	return nil
}

func (p *Pipeline) sample(ctx context.Context, capture Capture, sess *Session, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			level := clampLevel(capture.Level())
			p.mu.Lock()
			if p.session == sess && p.state == StateRecording {
				sess.AudioLevel = level
				sess.WaveformSamples = append(sess.WaveformSamples, level)
				if over := len(sess.WaveformSamples) - p.cfg.WaveformSamples; over > 0 {
					sess.WaveformSamples = append([]float64(nil), sess.WaveformSamples[over:]...)
				}
				sess.DurationSeconds = p.now().Sub(sess.StartedAt).Seconds()
			}
			p.mu.Unlock()
		}
	}
}

// StopCapture moves Recording to Transcribing, releases the device and sampler, and
// hands the audio to the transcriber. Success returns to Idle; any failure lands in Error.
func (p *Pipeline) StopCapture(ctx context.Context, languageHint string) (Result, error) {
	p.mu.Lock()
	if p.state != StateRecording {
		p.mu.Unlock()
		return Result{}, ErrNotRecording
	}
	sess := p.session
	sess.DurationSeconds = p.now().Sub(sess.StartedAt).Seconds()
	duration := sess.DurationSeconds
	capture, stop, done := p.detachCaptureLocked()
	p.setStateLocked(StateTranscribing, nil)
	p.mu.Unlock()

	audio, stopErr := p.release(capture, stop, done)
	if stopErr != nil {
		err := deviceError(stopErr)
		p.fail(sess, err)
		return Result{}, err
	}
	if len(audio) == 0 {
		err := apperr.Validation("no audio captured")
		p.fail(sess, err)
		return Result{}, err
	}
	if p.stt == nil {
		err := fmt.Errorf("%w: transcription not configured", apperr.ErrServiceUnavailable)
		p.fail(sess, err)
		return Result{}, err
	}

	res, err := p.stt.Transcribe(ctx, speech.TranscriptionRequest{
		Audio:        audio,
		Format:       p.cfg.AudioFormat,
		LanguageHint: languageHint,
	})
	if err != nil {
		err = serviceError(err)
		p.fail(sess, err)
		return Result{}, err
	}
	if strings.TrimSpace(res.Transcript) == "" {
		err := apperr.Validation("no speech recognized")
		p.fail(sess, err)
		return Result{}, err
	}

	p.mu.Lock()
	if p.session == sess {
		p.session = nil
		p.setStateLocked(StateIdle, nil)
	}
	p.mu.Unlock()

	return Result{
		Transcript:       strings.TrimSpace(res.Transcript),
		Confidence:       res.Confidence,
		DetectedLanguage: res.DetectedLanguage,
		Emotions:         res.Emotions,
		DurationSeconds:  duration,
	}, nil
}

// CancelCapture abandons an acquiring or recording session without transcription.
// It reports whether anything was cancelled.
func (p *Pipeline) CancelCapture() bool {
	p.mu.Lock()
	switch p.state {
	case StateAcquiring:
		p.captureGen++
		p.session = nil
		p.setStateLocked(StateIdle, nil)
		p.mu.Unlock()
		return true
	case StateRecording:
		capture, stop, done := p.detachCaptureLocked()
		p.session = nil
		p.setStateLocked(StateIdle, nil)
		p.mu.Unlock()
		_, _ = p.release(capture, stop, done)
		return true
	default:
		p.mu.Unlock()
		return false
	}
}

// ClearError acknowledges a failed capture and returns to Idle.
func (p *Pipeline) ClearError() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateError {
		p.lastErr = nil
		p.setStateLocked(StateIdle, nil)
	}
}

func (p *Pipeline) detachCaptureLocked() (Capture, context.CancelFunc, chan struct{}) {
	capture, stop, done := p.capture, p.stopSampling, p.samplingDone
	p.capture, p.stopSampling, p.samplingDone = nil, nil, nil
	return capture, stop, done
}

// release stops the sampler, then the device. It runs on every exit path out of Recording.
func (p *Pipeline) release(capture Capture, stop context.CancelFunc, done chan struct{}) ([]byte, error) {
	if stop != nil {
		stop()
	}
	if done != nil {
		<-done
	}
	if capture == nil {
		return nil, nil
	}
	defer releaseCapture(capture)
	return capture.Stop()
}

func releaseCapture(capture Capture) {
	if err := capture.Close(); err != nil {
		log.Printf("[voice] release microphone failed: %v", err)
	}
}

func (p *Pipeline) fail(sess *Session, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != sess {
		return
	}
	p.failLocked(err)
}

func (p *Pipeline) failLocked(err error) {
	p.session = nil
	p.lastErr = err
	p.setStateLocked(StateError, err)
}

// Speak synthesizes req and starts playback. It returns once playback has started;
// Playing ends when the audio finishes or CancelOutput is called.
func (p *Pipeline) Speak(ctx context.Context, req speech.SynthesisRequest) error {
	if strings.TrimSpace(req.Text) == "" {
		return apperr.Validation("nothing to speak")
	}

	p.mu.Lock()
	if p.state.Busy() {
		p.mu.Unlock()
		return ErrCaptureActive
	}
	if p.output != OutputIdle {
		p.mu.Unlock()
		return ErrOutputActive
	}
	if p.tts == nil || p.speaker == nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: speech output not configured", apperr.ErrServiceUnavailable)
	}
	p.outputGen++
	gen := p.outputGen
	synthCtx, cancel := context.WithCancel(ctx)
	p.cancelSynth = cancel
	p.setOutputLocked(OutputSynthesizing, nil)
	p.mu.Unlock()

	res, err := p.tts.Synthesize(synthCtx, req)
	cancel()

	p.mu.Lock()
	if p.outputGen != gen || p.output != OutputSynthesizing {
		p.mu.Unlock()
		return ErrOutputCancelled
	}
	if err != nil {
		p.cancelSynth = nil
		err = serviceError(err)
		p.setOutputLocked(OutputIdle, err)
		p.mu.Unlock()
		return err
	}
	// 发送音频可能很慢，不持锁；CancelOutput 通过 playCtx 中断发送。
	playCtx, stopSend := context.WithCancel(ctx)
	defer stopSend()
	p.cancelSynth = stopSend
	p.mu.Unlock()

	format := res.Format
	if format == "" {
		format = req.Format
	}
	pb, err := p.speaker.Play(playCtx, res.Audio, format)

	p.mu.Lock()
	if p.outputGen != gen || p.output != OutputSynthesizing {
		p.mu.Unlock()
		if pb != nil {
			if err := pb.Stop(); err != nil {
				log.Printf("[voice] stop cancelled playback failed: %v", err)
			}
		}
		return ErrOutputCancelled
	}
	defer p.mu.Unlock()
	p.cancelSynth = nil
	if err != nil {
		err = deviceError(err)
		p.setOutputLocked(OutputIdle, err)
		return err
	}
	p.playback = pb
	p.setOutputLocked(OutputPlaying, nil)

	go p.awaitPlayback(gen, pb)
	return nil
}

func (p *Pipeline) awaitPlayback(gen uint64, pb Playback) {
	<-pb.Done()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outputGen == gen && p.playback == pb {
		p.playback = nil
		p.setOutputLocked(OutputIdle, nil)
	}
}

// CancelOutput stops playback or abandons synthesis. The output device is released
// before it returns. The returned state is what was interrupted.
func (p *Pipeline) CancelOutput() OutputState {
	p.mu.Lock()
	from := p.output
	switch from {
	case OutputPlaying:
		pb := p.playback
		p.playback = nil
		p.outputGen++
		p.setOutputLocked(OutputIdle, nil)
		p.mu.Unlock()
		if err := pb.Stop(); err != nil {
			log.Printf("[voice] stop playback failed: %v", err)
		}
	case OutputSynthesizing:
		cancel := p.cancelSynth
		p.cancelSynth = nil
		p.outputGen++
		p.setOutputLocked(OutputIdle, nil)
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	default:
		p.mu.Unlock()
	}
	return from
}

// Close cancels both sides. Used when the owning session ends.
func (p *Pipeline) Close() {
	p.CancelCapture()
	p.CancelOutput()
}

// Output returns the playback side state.
func (p *Pipeline) Output() OutputState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.output
}

// State returns the capture side state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Status returns a copy of the pipeline state including the live voice session.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{Capture: p.state, Output: p.output}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	if p.session != nil {
		copied := *p.session
		copied.WaveformSamples = append([]float64(nil), p.session.WaveformSamples...)
		st.Session = &copied
	}
	return st
}

func (p *Pipeline) setStateLocked(to State, err error) {
	from := p.state
	p.state = to
	if p.session != nil {
		p.session.State = to
		if err != nil {
			p.session.LastError = err.Error()
		}
	}
	if err != nil {
		log.Printf("[voice] capture %s -> %s: %v", from, to, err)
	}
	p.notifyLocked(Transition{Side: SideCapture, From: string(from), To: string(to), At: p.now(), Err: err})
}

func (p *Pipeline) setOutputLocked(to OutputState, err error) {
	from := p.output
	p.output = to
	if err != nil {
		log.Printf("[voice] output %s -> %s: %v", from, to, err)
	}
	p.notifyLocked(Transition{Side: SideOutput, From: string(from), To: string(to), At: p.now(), Err: err})
}

func (p *Pipeline) notifyLocked(tr Transition) {
	if p.observer != nil && tr.From != tr.To {
		p.observer(tr)
	}
}

func deviceError(err error) error {
	if errors.Is(err, apperr.ErrDeviceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", apperr.ErrDeviceUnavailable, err)
}

func serviceError(err error) error {
	if errors.Is(err, apperr.ErrServiceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", apperr.ErrServiceUnavailable, err)
}

func clampLevel(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
