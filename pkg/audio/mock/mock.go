// Package mock provides a test double for the [audio.Player] interface.
//
// The mock records every Play call and returns immediately unless Delay is
// set, in which case it blocks for Delay or until the context is cancelled.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/audio"
)

// PlayCall records a single invocation of Play.
type PlayCall struct {
	PCM    []byte
	Format audio.Format
	Rate   float64
}

// Player is a mock implementation of [audio.Player].
type Player struct {
	mu sync.Mutex

	// PlayErr, if non-nil, is returned from every Play call.
	PlayErr error

	// Delay makes Play block for this long to simulate playback.
	Delay time.Duration

	// CloseErr is returned by Close.
	CloseErr error

	// PlayCalls records every call to Play in order.
	PlayCalls []PlayCall

	// Closed is set once Close has been called.
	Closed bool
}

// Play records the call and returns PlayErr.
func (p *Player) Play(ctx context.Context, pcm []byte, format audio.Format, rate float64) error {
	p.mu.Lock()
	p.PlayCalls = append(p.PlayCalls, PlayCall{PCM: append([]byte(nil), pcm...), Format: format, Rate: rate})
	delay, err := p.Delay, p.PlayErr
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Close marks the player closed.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return p.CloseErr
}

// Calls returns a snapshot of the recorded Play calls. Thread-safe.
func (p *Player) Calls() []PlayCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PlayCall, len(p.PlayCalls))
	copy(out, p.PlayCalls)
	return out
}

var _ audio.Player = (*Player)(nil)
