// Package elevenlabs synthesizes lines through the ElevenLabs stream-input
// WebSocket API.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/audio"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/provider/tts"
	"github.com/mr-ryan-james/circuit-breaker-sub001/pkg/types"
)

const (
	defaultBase   = "https://api.elevenlabs.io"
	defaultModel  = "eleven_flash_v2_5"
	defaultFormat = "pcm_24000"

	// The API rejects speeds outside [0.7, 1.2].
	minSpeed = 0.7
	maxSpeed = 1.2
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the model, e.g. "eleven_multilingual_v2".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat selects one of the raw PCM formats ("pcm_16000",
// "pcm_22050", "pcm_24000", "pcm_44100").
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.format = format }
}

// WithBaseURL points the provider at another host. The WebSocket endpoint
// uses the same host with a ws or wss scheme.
func WithBaseURL(base string) Option {
	return func(p *Provider) { p.base = strings.TrimRight(base, "/") }
}

// Provider is an ElevenLabs [tts.Provider].
type Provider struct {
	apiKey string
	model  string
	format string
	base   string
	pcm    audio.Format
	client *http.Client
}

// New returns a provider for apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: api key is required")
	}
	p := &Provider{
		apiKey: apiKey,
		model:  defaultModel,
		format: defaultFormat,
		base:   defaultBase,
		client: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	f, err := parseOutputFormat(p.format)
	if err != nil {
		return nil, err
	}
	p.pcm = f
	return p, nil
}

// Format reports the PCM format chosen with [WithOutputFormat].
func (p *Provider) Format() audio.Format { return p.pcm }

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// inputMessage is every client frame: the opening frame carries the key and
// settings, text frames carry only text, and {"text":""} ends the input.
type inputMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
}

type outputMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SynthesizeStream sends each fragment from text to the stream-input socket
// and forwards decoded PCM as it arrives. The channel closes after the final
// frame, on a server error, or when ctx ends.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice id is required")
	}

	conn, _, err := websocket.Dial(ctx, p.streamURL(voice.ID), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	// The first frame must carry non-empty text.
	if err := writeJSON(ctx, conn, inputMessage{Text: " ", VoiceSettings: settingsFor(voice), XiAPIKey: p.apiKey}); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("elevenlabs: open stream: %w", err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer conn.Close(websocket.StatusNormalClosure, "")

		sctx, stop := context.WithCancel(ctx)
		defer stop()
		g, gctx := errgroup.WithContext(sctx)
		g.Go(func() error { return sendText(gctx, conn, text) })
		g.Go(func() error {
			defer stop()
			return receiveAudio(gctx, conn, out)
		})
		if err := g.Wait(); err != nil && ctx.Err() == nil {
			slog.Warn("elevenlabs: stream ended early", "voice", voice.ID, "err", err)
		}
	}()
	return out, nil
}

// sendText returns nil when ctx ends; the receiving side reports why.
func sendText(ctx context.Context, conn *websocket.Conn, text <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frag, ok := <-text:
			if !ok {
				return writeJSON(ctx, conn, inputMessage{})
			}
			if strings.TrimSpace(frag) == "" {
				continue
			}
			// Generation for a chunk starts once it ends in whitespace.
			if err := writeJSON(ctx, conn, inputMessage{Text: frag + " "}); err != nil {
				return err
			}
		}
	}
}

// receiveAudio returns nil after the final frame.
func receiveAudio(ctx context.Context, conn *websocket.Conn, out chan<- []byte) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg outputMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		if msg.Error != "" {
			return fmt.Errorf("server: %s: %s", msg.Error, msg.Message)
		}
		if msg.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				return fmt.Errorf("decode audio: %w", err)
			}
			select {
			case out <- pcm:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if msg.IsFinal {
			return nil
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v inputMessage) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func (p *Provider) streamURL(voiceID string) string {
	u, err := url.Parse(p.base)
	if err != nil {
		u = &url.URL{Scheme: "https", Host: "api.elevenlabs.io"}
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/text-to-speech/" + voiceID + "/stream-input"
	u.RawQuery = url.Values{"model_id": {p.model}, "output_format": {p.format}}.Encode()
	return u.String()
}

type voiceList struct {
	Voices []struct {
		VoiceID  string            `json:"voice_id"`
		Name     string            `json:"name"`
		Category string            `json:"category"`
		Labels   map[string]string `json:"labels"`
	} `json:"voices"`
}

// ListVoices returns the voices the API key can use. Labels and category
// are copied into Metadata.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: %s", resp.Status)
	}

	var vl voiceList
	if err := json.NewDecoder(resp.Body).Decode(&vl); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	profiles := make([]types.VoiceProfile, 0, len(vl.Voices))
	for _, v := range vl.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, types.VoiceProfile{ID: v.VoiceID, Name: v.Name, Provider: "elevenlabs", Metadata: meta})
	}
	return profiles, nil
}

func settingsFor(voice types.VoiceProfile) *voiceSettings {
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if voice.SpeedFactor > 0 {
		vs.Speed = min(max(voice.SpeedFactor, minSpeed), maxSpeed)
	}
	return vs
}

func parseOutputFormat(name string) (audio.Format, error) {
	rate, ok := strings.CutPrefix(name, "pcm_")
	if !ok {
		return audio.Format{}, fmt.Errorf("elevenlabs: output format %q is not raw PCM", name)
	}
	sr, err := strconv.Atoi(rate)
	if err != nil || sr <= 0 {
		return audio.Format{}, fmt.Errorf("elevenlabs: bad sample rate in output format %q", name)
	}
	return audio.Format{SampleRate: sr, Channels: 1}, nil
}

var _ tts.Provider = (*Provider)(nil)
