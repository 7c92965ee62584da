package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/audio"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/provider/tts"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/types"
)

// ErrAllFailed is returned when every TTS backend failed or was skipped
// because its breaker was open. It wraps the last backend error.
var ErrAllFailed = errors.New("all tts backends failed")

// errEmptyStream marks a backend that opened a stream and closed it without
// producing audio.
var errEmptyStream = errors.New("tts stream closed without audio")

// FallbackConfig is the breaker configuration every backend starts with.
// CircuitBreaker.Name is replaced by the backend's name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type backend struct {
	name     string
	provider tts.Provider
	breaker  *CircuitBreaker
}

// TTSFallback is a [tts.Provider] that fails over across backends in
// registration order, each guarded by its own [CircuitBreaker].
//
// A line is read in full before the first attempt so it can be replayed to
// later backends. Whatever format the serving backend produces is converted
// to the target format.
//
// Backends must all be added before the first call.
type TTSFallback struct {
	cfg      FallbackConfig
	target   audio.Format
	backends []backend
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback returns a fallback chain whose first backend is primary.
func NewTTSFallback(primary tts.Provider, primaryName string, target audio.Format, cfg FallbackConfig) *TTSFallback {
	f := &TTSFallback{cfg: cfg, target: target}
	f.AddFallback(primaryName, primary)
	return f
}

// AddFallback appends a backend to the chain.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) {
	bc := f.cfg.CircuitBreaker
	bc.Name = name
	f.backends = append(f.backends, backend{name: name, provider: p, breaker: NewCircuitBreaker(bc)})
}

// Breakers returns each backend's breaker in chain order.
func (f *TTSFallback) Breakers() []*CircuitBreaker {
	out := make([]*CircuitBreaker, len(f.backends))
	for i, b := range f.backends {
		out[i] = b.breaker
	}
	return out
}

// Format is the target format.
func (f *TTSFallback) Format() audio.Format { return f.target }

// each calls fn with every backend whose breaker admits the call, stopping
// at the first success. Context errors stop the walk and are returned as is.
func (f *TTSFallback) each(op string, fn func(backend) error) error {
	var last error
	for _, b := range f.backends {
		err := b.breaker.Execute(func() error { return fn(b) })
		switch {
		case err == nil:
			return nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("tts backend skipped, breaker open", "backend", b.name, "op", op)
		default:
			slog.Warn("tts backend failed, trying next", "backend", b.name, "op", op, "err", err)
		}
		last = err
	}
	return fmt.Errorf("%w: %w", ErrAllFailed, last)
}

// SynthesizeStream returns the stream of the first backend that produces
// audio. Failures after the first chunk are not retried.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	line, err := readLine(ctx, text)
	if err != nil {
		return nil, err
	}

	var out <-chan []byte
	err = f.each("synthesize", func(b backend) error {
		ch, err := b.provider.SynthesizeStream(ctx, tts.Text(line), voice)
		if err != nil {
			return err
		}
		select {
		case first, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errEmptyStream
			}
			out = f.convert(ctx, first, ch, b.provider.Format())
			return nil
		case <-ctx.Done():
			go audio.Drain(ch)
			return ctx.Err()
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListVoices asks backends in order until one answers.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	var voices []types.VoiceProfile
	err := f.each("list_voices", func(b backend) error {
		v, err := b.provider.ListVoices(ctx)
		voices = v
		return err
	})
	if err != nil {
		return nil, err
	}
	return voices, nil
}

func readLine(ctx context.Context, text <-chan string) (string, error) {
	var sb strings.Builder
	for {
		select {
		case frag, ok := <-text:
			if !ok {
				return sb.String(), nil
			}
			sb.WriteString(frag)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// convert re-emits first and the rest of in in the target format. A sample
// split across chunks is held back until its remaining bytes arrive.
func (f *TTSFallback) convert(ctx context.Context, first []byte, in <-chan []byte, src audio.Format) <-chan []byte {
	out := make(chan []byte, cap(in)+1)
	go func() {
		defer close(out)
		frame := 2 * max(src.Channels, 1)
		var pending []byte
		emit := func(chunk []byte) bool {
			pending = append(pending, chunk...)
			n := len(pending) - len(pending)%frame
			if n == 0 {
				return true
			}
			whole := pending[:n]
			pending = append([]byte(nil), pending[n:]...)
			select {
			case out <- audio.Convert(whole, src, f.target):
				return true
			case <-ctx.Done():
				return false
			}
		}
		ok := emit(first)
		for chunk := range in {
			if !ok {
				break
			}
			ok = emit(chunk)
		}
		if !ok {
			go audio.Drain(in)
		}
	}()
	return out
}
