// Package coqui synthesizes lines on a local Coqui TTS server
// (ghcr.io/coqui-ai/tts-cpu).
//
// The server answers one GET /api/tts per utterance with a complete WAV
// file. Lines are split into sentences, and a few sentences are requested
// ahead of the one being played so long speeches start quickly and do not
// stall between sentences. Audio is always emitted in sentence order.
package coqui

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/audio"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/provider/tts"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/types"
)

var _ tts.Provider = (*Provider)(nil)

const (
	ttsPath     = "/api/tts"
	detailsPath = "/details"

	chunkBytes = 4096
)

// Option configures a [Provider].
type Option func(*Provider)

// WithLanguage sets language_id for multilingual models.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout bounds each HTTP request. The default is 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithOutputSampleRate sets the rate of the emitted PCM; server audio is
// resampled to it. The default, 22050 Hz, is what the stock VITS and
// Tacotron models produce.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) { p.rate = rate }
}

// WithLookahead sets how many sentences may be in flight beyond the one
// being emitted. The default is 2; 0 synthesizes strictly one at a time.
func WithLookahead(n int) Option {
	return func(p *Provider) { p.lookahead = n }
}

// Provider is a Coqui [tts.Provider].
type Provider struct {
	base      string
	language  string
	rate      int
	lookahead int
	client    *http.Client
}

// New returns a provider for the server at base, e.g. "http://localhost:5002".
func New(base string, opts ...Option) (*Provider, error) {
	if base == "" {
		return nil, errors.New("coqui: server url is required")
	}
	p := &Provider{
		base:      strings.TrimRight(base, "/"),
		rate:      22050,
		lookahead: 2,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	if p.rate <= 0 {
		return nil, fmt.Errorf("coqui: invalid output sample rate %d", p.rate)
	}
	if p.lookahead < 0 {
		p.lookahead = 0
	}
	return p, nil
}

// Format reports the mono PCM format of emitted audio.
func (p *Provider) Format() audio.Format {
	return audio.Format{SampleRate: p.rate, Channels: 1}
}

type rendered struct {
	pcm []byte
	err error
}

// SynthesizeStream splits text into sentences and emits their audio in
// order. The first failed request ends the stream.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan []byte, 64)

	// Each sentence gets its own result slot; the queue keeps them in order
	// and its capacity is the lookahead.
	queue := make(chan chan rendered, p.lookahead)
	go func() {
		defer close(queue)
		start := func(sentence string) bool {
			slot := make(chan rendered, 1)
			select {
			case queue <- slot:
			case <-ctx.Done():
				return false
			}
			go func() {
				pcm, err := p.synthesize(ctx, sentence, voice)
				slot <- rendered{pcm, err}
			}()
			return true
		}

		var sp splitter
		for {
			select {
			case <-ctx.Done():
				return
			case frag, ok := <-text:
				if !ok {
					if rest := sp.rest(); rest != "" {
						start(rest)
					}
					return
				}
				for _, s := range sp.push(frag) {
					if !start(s) {
						return
					}
				}
			}
		}
	}()

	go func() {
		defer close(out)
		defer cancel()
		for slot := range queue {
			r := <-slot
			if r.err != nil {
				if ctx.Err() == nil {
					slog.Warn("coqui: sentence failed, ending line", "voice", voice.ID, "err", r.err)
				}
				return
			}
			for chunk := range slices.Chunk(r.pcm, chunkBytes) {
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *Provider) synthesize(ctx context.Context, sentence string, voice types.VoiceProfile) ([]byte, error) {
	q := url.Values{"text": {sentence}}
	if voice.ID != "" {
		q.Set("speaker_id", voice.ID)
	}
	if p.language != "" {
		q.Set("language_id", p.language)
	}
	// length_scale is inverse speed: above 1 is slower.
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1 {
		q.Set("length_scale", strconv.FormatFloat(1/voice.SpeedFactor, 'f', 3, 64))
	}

	body, err := p.get(ctx, ttsPath+"?"+q.Encode(), "audio/wav")
	if err != nil {
		return nil, err
	}
	pcm, f, err := audio.DecodeWAV(body)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	return audio.Convert(pcm, f, p.Format()), nil
}

func (p *Provider) get(ctx context.Context, pathAndQuery, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+pathAndQuery, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	req.Header.Set("Accept", accept)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s: %s", req.URL.Path, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// ListVoices returns the model's speakers, sorted, or a single profile named
// after the model when it has none.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	body, err := p.get(ctx, detailsPath, "application/json")
	if err != nil {
		return nil, err
	}
	var details struct {
		ModelName string   `json:"model_name"`
		Speakers  []string `json:"speakers"`
	}
	if err := json.Unmarshal(body, &details); err != nil {
		return nil, fmt.Errorf("coqui: details: %w", err)
	}

	if len(details.Speakers) == 0 {
		name := cmp.Or(details.ModelName, "default")
		return []types.VoiceProfile{{ID: name, Name: name, Provider: "coqui"}}, nil
	}
	speakers := slices.Sorted(slices.Values(details.Speakers))
	profiles := make([]types.VoiceProfile, 0, len(speakers))
	for _, spk := range speakers {
		profiles = append(profiles, types.VoiceProfile{
			ID:       spk,
			Name:     spk,
			Provider: "coqui",
			Metadata: map[string]string{"model_name": details.ModelName},
		})
	}
	return profiles, nil
}

// splitter accumulates text fragments and hands back whole sentences.
type splitter struct {
	buf strings.Builder
}

func (sp *splitter) push(frag string) []string {
	sp.buf.WriteString(frag)
	s := sp.buf.String()
	var out []string
	for {
		i := sentenceEnd(s)
		if i < 0 {
			break
		}
		if sentence := strings.TrimSpace(s[:i+1]); sentence != "" {
			out = append(out, sentence)
		}
		s = s[i+1:]
	}
	sp.buf.Reset()
	sp.buf.WriteString(s)
	return out
}

func (sp *splitter) rest() string {
	r := strings.TrimSpace(sp.buf.String())
	sp.buf.Reset()
	return r
}

// sentenceEnd returns the index of the first '.', '!' or '?' that ends s or
// is followed by whitespace, so "3.14" and "Dr.Who" stay whole. It returns
// -1 when there is none.
func sentenceEnd(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i+1 == len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}
