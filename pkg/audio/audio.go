// Package audio holds the PCM format helpers and the playback interface shared
// by the audio resolver and the offline runner.
//
// All PCM handled here is little-endian signed 16-bit. Synthesised clips are
// normalised to [Canonical] before they are cached, so every handle served to
// a client has the same format regardless of which TTS backend produced it.
package audio

import (
	"context"
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Canonical is the format clips are stored and served in.
var Canonical = Format{SampleRate: 24000, Channels: 1}

// String returns e.g. "24000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// BytesPerSecond returns the PCM byte rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns the play time of n bytes of PCM in format f.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Player plays PCM audio on a local output device.
//
// Play blocks until the clip has finished playing, ctx is cancelled, or the
// device fails. rate scales playback speed (1.0 = normal).
type Player interface {
	Play(ctx context.Context, pcm []byte, format Format, rate float64) error
	Close() error
}
