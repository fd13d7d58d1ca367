package voice

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/zhouzirui/z-travel/backend/internal/apperr"
)

// ErrNoActiveCapture is returned when audio arrives while nothing is recording.
var ErrNoActiveCapture = errors.New("no active capture")

// StreamMicrophone is a microphone fed by a client connection: the client streams
// 16-bit little-endian PCM frames and reports whether it has permission to record.
type StreamMicrophone struct {
	mu        sync.Mutex
	available bool
	active    *streamCapture
}

// NewStreamMicrophone returns a microphone that is available until the client says otherwise.
func NewStreamMicrophone() *StreamMicrophone {
	return &StreamMicrophone{available: true}
}

// SetAvailable records the client's permission/device state.
func (m *StreamMicrophone) SetAvailable(ok bool) {
	m.mu.Lock()
	m.available = ok
	m.mu.Unlock()
}

// Open acquires the stream. Only one capture may hold it.
func (m *StreamMicrophone) Open(ctx context.Context) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return nil, fmt.Errorf("%w: microphone permission denied", apperr.ErrDeviceUnavailable)
	}
	if m.active != nil {
		return nil, fmt.Errorf("%w: microphone busy", apperr.ErrDeviceUnavailable)
	}
	m.active = &streamCapture{mic: m}
	return m.active, nil
}

// Write appends a PCM frame to the active capture.
func (m *StreamMicrophone) Write(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.stopped {
		return ErrNoActiveCapture
	}
	m.active.buf.Write(frame)
	m.active.level = PCMLevel(frame)
	return nil
}

type streamCapture struct {
	mic     *StreamMicrophone
	buf     bytes.Buffer
	level   float64
	stopped bool
}

func (c *streamCapture) Level() float64 {
	c.mic.mu.Lock()
	defer c.mic.mu.Unlock()
	return c.level
}

func (c *streamCapture) Stop() ([]byte, error) {
	c.mic.mu.Lock()
	defer c.mic.mu.Unlock()
	c.stopped = true
	return append([]byte(nil), c.buf.Bytes()...), nil
}

func (c *streamCapture) Close() error {
	c.mic.mu.Lock()
	defer c.mic.mu.Unlock()
	c.stopped = true
	if c.mic.active == c {
		c.mic.active = nil
	}
	return nil
}

// PCMLevel returns the RMS level of a 16-bit little-endian PCM frame in [0, 1].
func PCMLevel(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(frame[2*i:])))
		sum += s * s
	}
	rms := math.Sqrt(sum/float64(n)) / 32768
	if rms > 1 {
		rms = 1
	}
	return rms
}

// SendFunc delivers synthesized audio to the client.
type SendFunc func(ctx context.Context, audio []byte, format string) error

// StreamSpeaker plays audio by sending it to the client, which reports completion.
type StreamSpeaker struct {
	send SendFunc
	halt func() error

	mu      sync.Mutex
	current *streamPlayback
}

// NewStreamSpeaker builds a speaker; halt tells the client to stop playing and may be nil.
func NewStreamSpeaker(send SendFunc, halt func() error) *StreamSpeaker {
	return &StreamSpeaker{send: send, halt: halt}
}

// Play sends audio and returns a handle that completes when the client calls back.
func (s *StreamSpeaker) Play(ctx context.Context, audio []byte, format string) (Playback, error) {
	if err := s.send(ctx, audio, format); err != nil {
		return nil, err
	}
	pb := &streamPlayback{speaker: s, done: make(chan struct{})}
	s.mu.Lock()
	s.current = pb
	s.mu.Unlock()
	return pb, nil
}

// Finished marks the current playback as complete.
func (s *StreamSpeaker) Finished() {
	s.mu.Lock()
	pb := s.current
	s.current = nil
	s.mu.Unlock()
	if pb != nil {
		pb.finish()
	}
}

type streamPlayback struct {
	speaker *StreamSpeaker
	done    chan struct{}
	once    sync.Once
}

func (p *streamPlayback) Done() <-chan struct{} {
	return p.done
}

func (p *streamPlayback) Stop() error {
	p.speaker.mu.Lock()
	if p.speaker.current == p {
		p.speaker.current = nil
	}
	p.speaker.mu.Unlock()
	p.finish()
	if p.speaker.halt != nil {
		return p.speaker.halt()
	}
	return nil
}

func (p *streamPlayback) finish() {
	p.once.Do(func() { close(p.done) })
}
