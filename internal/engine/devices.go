package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/zhouzirui/z-travel/backend/internal/apperr"
	"github.com/zhouzirui/z-travel/backend/internal/voice"
)

// clientAudio 把扬声器输出转发给当前连接的客户端；没有客户端时播放失败。
type clientAudio struct {
	mu   sync.Mutex
	gen  uint64
	send voice.SendFunc
	halt func() error
}

// bind 返回的 detach 只在仍是当前客户端时生效，并报告是否生效。
func (c *clientAudio) bind(send voice.SendFunc, halt func() error) func() bool {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.send = send
	c.halt = halt
	c.mu.Unlock()

	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen != gen {
			return false
		}
		c.send = nil
		c.halt = nil
		return true
	}
}

func (c *clientAudio) Send(ctx context.Context, audio []byte, format string) error {
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return fmt.Errorf("%w: no client attached for playback", apperr.ErrDeviceUnavailable)
	}
	return send(ctx, audio, format)
}

func (c *clientAudio) Halt() error {
	c.mu.Lock()
	halt := c.halt
	c.mu.Unlock()
	if halt == nil {
		return nil
	}
	return halt()
}

// Devices are the per-session audio endpoints fed by the client connection.
type Devices struct {
	Microphone *voice.StreamMicrophone
	Speaker    *voice.StreamSpeaker

	audio *clientAudio
}

// NewDevices returns stream-backed devices with no client attached.
func NewDevices() *Devices {
	audio := &clientAudio{}
	return &Devices{
		Microphone: voice.NewStreamMicrophone(),
		Speaker:    voice.NewStreamSpeaker(audio.Send, audio.Halt),
		audio:      audio,
	}
}

// Attach routes playback to a client. The returned func detaches it unless a newer
// client has attached in the meantime. Detaching ends the playback the client was
// hearing, so the output side returns to idle.
func (d *Devices) Attach(send voice.SendFunc, halt func() error) func() {
	detach := d.audio.bind(send, halt)
	return func() {
		if detach() {
			d.Speaker.Finished()
		}
	}
}
