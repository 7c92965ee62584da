// Package malgo implements [audio.Player] on top of miniaudio via
// github.com/gen2brain/malgo.
//
// Each Play call opens a playback device sized for the clip's format, feeds
// it from the device callback and tears it down when the buffer has drained.
// Speed changes are applied by running the device at SampleRate*rate, which
// shifts pitch along with tempo.
package malgo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/audio"
)

// Player plays PCM on the default output device. A Player serialises Play
// calls; concurrent callers wait their turn.
type Player struct {
	ctx *malgo.AllocatedContext
	mu  sync.Mutex
}

// New initialises the miniaudio context.
func New() (*Player, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	return &Player{ctx: ctx}, nil
}

// Play blocks until pcm has been played, ctx is cancelled, or the device
// cannot be started.
func (p *Player) Play(ctx context.Context, pcm []byte, format audio.Format, rate float64) error {
	if len(pcm) == 0 {
		return nil
	}
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return fmt.Errorf("malgo: invalid format %s", format)
	}
	if rate <= 0 {
		rate = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return errors.New("malgo: player closed")
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(float64(format.SampleRate) * rate)
	cfg.Alsa.NoMMap = 1
	bytesPerFrame := malgo.SampleSizeInBytes(cfg.Playback.Format) * format.Channels

	var (
		mu     sync.Mutex
		offset int
		done   = make(chan struct{})
		once   sync.Once
	)
	onData := func(out, _ []byte, frameCount uint32) {
		mu.Lock()
		defer mu.Unlock()
		need := int(frameCount) * bytesPerFrame
		n := copy(out[:min(need, len(out))], pcm[offset:])
		offset += n
		// Silence the tail of the final period.
		clear(out[n:])
		if offset >= len(pcm) {
			once.Do(func() { close(done) })
		}
	}

	device, err := malgo.InitDevice(p.ctx.Context, cfg, malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		return fmt.Errorf("malgo: init device: %w", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return fmt.Errorf("malgo: start device: %w", err)
	}
	defer func() { _ = device.Stop() }()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the miniaudio context.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return nil
	}
	err := p.ctx.Uninit()
	p.ctx.Free()
	p.ctx = nil
	if err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	return nil
}

var _ audio.Player = (*Player)(nil)
