// Package voicecache resolves script lines to playable audio clips.
//
// A clip is addressed by a content handle derived from the voice, the speaking
// rate and the whitespace-normalised text, so the same line spoken by the same
// character is synthesised once and served from the cache afterwards.
// Concurrent requests for a handle that is still being synthesised join the
// in-flight call instead of starting another.
//
// Clips are normalised to [audio.Canonical] and stored as WAV so they can be
// handed straight to a browser audio element via [Resolver.Handler].
package voicecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/observe"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/audio"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/provider/tts"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/types"
)

// ErrSynthesisFailed wraps every error caused by the TTS backend or by a
// clip that could not be produced.
var ErrSynthesisFailed = errors.New("voicecache: synthesis failed")

// ErrNotFound is returned by [Resolver.Audio] for an unknown handle.
var ErrNotFound = errors.New("voicecache: clip not found")

// handleLen is the number of hex characters kept from the SHA-256 digest.
const handleLen = 32

// defaultSynthTimeout bounds a single synthesis call. It is detached from the
// requesting session so a cancelled session does not abort work other
// sessions are waiting on.
const defaultSynthTimeout = 60 * time.Second

// Clip describes a resolved, cached audio clip.
type Clip struct {
	Handle   string
	Duration time.Duration
	Format   audio.Format
}

// Option configures a [Resolver].
type Option func(*Resolver)

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithSynthTimeout overrides the per-synthesis timeout.
func WithSynthTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.synthTimeout = d
		}
	}
}

// Resolver synthesises and caches line audio. It is safe for concurrent use.
type Resolver struct {
	tts          tts.Provider
	cache        Cache
	group        singleflight.Group
	metrics      *observe.Metrics
	synthTimeout time.Duration
}

// New returns a Resolver that synthesises with provider and stores clips in
// cache.
func New(provider tts.Provider, cache Cache, opts ...Option) *Resolver {
	r := &Resolver{
		tts:          provider,
		cache:        cache,
		synthTimeout: defaultSynthTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// NormalizeText collapses runs of whitespace and trims the ends.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Handle returns the cache handle for text spoken by voice.
func Handle(text string, voice types.VoiceProfile) string {
	rate := voice.SpeedFactor
	if rate <= 0 {
		rate = 1
	}
	h := sha256.New()
	h.Write([]byte(voice.Provider))
	h.Write([]byte{0})
	h.Write([]byte(voice.ID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(rate, 'f', 3, 64)))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeText(text)))
	return hex.EncodeToString(h.Sum(nil))[:handleLen]
}

// ValidHandle reports whether s has the shape of a handle produced by
// [Handle].
func ValidHandle(s string) bool {
	if len(s) != handleLen {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Resolve returns the clip for text spoken by voice, synthesising it on a
// cache miss. Errors from the TTS backend are wrapped with
// [ErrSynthesisFailed]. Cancelling ctx abandons the wait but not the
// synthesis, which still populates the cache.
func (r *Resolver) Resolve(ctx context.Context, text string, voice types.VoiceProfile) (Clip, error) {
	text = NormalizeText(text)
	if text == "" {
		return Clip{}, fmt.Errorf("%w: empty text", ErrSynthesisFailed)
	}
	handle := Handle(text, voice)

	wav, ok, err := r.cache.Get(ctx, handle)
	if err != nil {
		observe.Logger(ctx).Warn("voicecache: cache read failed", "handle", handle, "err", err)
	}
	if ok {
		clip, err := clipFromWAV(handle, wav)
		if err == nil {
			r.metrics.RecordCacheLookup(ctx, "hit")
			return clip, nil
		}
		observe.Logger(ctx).Warn("voicecache: discarding corrupt cache entry", "handle", handle, "err", err)
	}

	ch := r.group.DoChan(handle, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.synthTimeout)
		defer cancel()
		return r.synthesize(sctx, handle, text, voice)
	})
	select {
	case res := <-ch:
		if res.Shared {
			r.metrics.RecordCacheLookup(ctx, "shared")
		} else {
			r.metrics.RecordCacheLookup(ctx, "miss")
		}
		if res.Err != nil {
			return Clip{}, res.Err
		}
		return res.Val.(Clip), nil
	case <-ctx.Done():
		return Clip{}, ctx.Err()
	}
}

func (r *Resolver) synthesize(ctx context.Context, handle, text string, voice types.VoiceProfile) (clip Clip, err error) {
	ctx, span := observe.StartSpan(ctx, "voicecache.synthesize")
	span.SetAttributes(
		attribute.String("voice.id", voice.ID),
		attribute.String("clip.handle", handle),
		attribute.Int("text.length", len(text)),
	)
	start := time.Now()
	defer func() {
		r.metrics.RecordSynthesis(ctx, time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	stream, err := r.tts.SynthesizeStream(ctx, tts.Text(text), voice)
	if err != nil {
		return Clip{}, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}
	pcm := audio.Collect(stream)
	if err := ctx.Err(); err != nil {
		return Clip{}, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}
	if len(pcm) == 0 {
		return Clip{}, fmt.Errorf("%w: provider returned no audio", ErrSynthesisFailed)
	}
	if src := r.tts.Format(); src != audio.Canonical {
		pcm = audio.Convert(pcm, src, audio.Canonical)
	}

	if err := r.cache.Put(ctx, handle, audio.EncodeWAV(pcm, audio.Canonical)); err != nil {
		return Clip{}, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}
	slog.Debug("voicecache: synthesised clip",
		"handle", handle,
		"voice", voice.ID,
		"bytes", len(pcm),
		"elapsed", time.Since(start),
	)
	return Clip{
		Handle:   handle,
		Duration: audio.Canonical.Duration(len(pcm)),
		Format:   audio.Canonical,
	}, nil
}

// Audio returns the WAV bytes stored under handle.
func (r *Resolver) Audio(ctx context.Context, handle string) ([]byte, error) {
	if !ValidHandle(handle) {
		return nil, ErrNotFound
	}
	wav, ok, err := r.cache.Get(ctx, handle)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return wav, nil
}

func clipFromWAV(handle string, wav []byte) (Clip, error) {
	pcm, f, err := audio.DecodeWAV(wav)
	if err != nil {
		return Clip{}, err
	}
	return Clip{Handle: handle, Duration: f.Duration(len(pcm)), Format: f}, nil
}
