// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// The speech endpoint is request/response, so SynthesizeStream collects the
// whole utterance from the text channel before issuing one request with
// response_format=pcm and streams the body back in chunks as it arrives.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/audio"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/provider/tts"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/types"
)

// DefaultModel is the default OpenAI speech model.
const DefaultModel = oai.SpeechModelGPT4oMiniTTS

// DefaultVoice is used when a character has no voice configured.
const DefaultVoice = "alloy"

// The pcm response format is fixed by the API.
var pcmFormat = audio.Format{SampleRate: 24000, Channels: 1}

var builtinVoices = []string{"alloy", "ash", "ballad", "coral", "echo", "fable", "nova", "onyx", "sage", "shimmer", "verse"}

var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a Provider. If model is empty, DefaultModel is used.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Format implements tts.Provider.
func (p *Provider) Format() audio.Format { return pcmFormat }

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	var sb strings.Builder
	for {
		select {
		case fragment, ok := <-text:
			if !ok {
				return p.speak(ctx, strings.TrimSpace(sb.String()), voice)
			}
			sb.WriteString(fragment)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Provider) speak(ctx context.Context, input string, voice types.VoiceProfile) (<-chan []byte, error) {
	if input == "" {
		ch := make(chan []byte)
		close(ch)
		return ch, nil
	}
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = DefaultVoice
	}
	params := oai.AudioSpeechNewParams{
		Input:          input,
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(voiceID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1 {
		params.Speed = param.NewOpt(min(max(voice.SpeedFactor, 0.25), 4.0))
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai tts: speech: %w", err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		buf := make([]byte, 8192)
		var carry []byte
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				// Keep sample alignment across reads.
				chunk := append(carry, buf[:n]...)
				even := len(chunk) &^ 1
				carry = append([]byte(nil), chunk[even:]...)
				if even > 0 {
					select {
					case out <- chunk[:even]:
					case <-ctx.Done():
						return
					}
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					slog.Debug("openai tts: body read failed", "err", err)
				}
				return
			}
		}
	}()
	return out, nil
}

// ListVoices returns the fixed catalogue of built-in OpenAI voices.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	out := make([]types.VoiceProfile, 0, len(builtinVoices))
	for _, v := range builtinVoices {
		out = append(out, types.VoiceProfile{ID: v, Name: v, Provider: "openai"})
	}
	return out, nil
}
