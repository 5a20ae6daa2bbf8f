// Package elevenlabs synthesizes speech with the ElevenLabs streaming
// text-to-speech endpoint.
//
// One request carries one complete utterance. The response body is chunked
// audio in the requested output format; chunks are forwarded as they arrive
// so playback can start before synthesis finishes.
package elevenlabs

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"

	"github.com/MrWong99/callbridge/pkg/provider/tts"
	"github.com/MrWong99/callbridge/pkg/types"
)

const (
	apiOrigin = "https://api.elevenlabs.io"

	// The flash model has the lowest first-byte latency.
	defaultModel = "eleven_flash_v2_5"

	chunkSize = 4096
)

var (
	// ErrNoVoice is returned when neither the request nor the provider names
	// a voice.
	ErrNoVoice = errors.New("elevenlabs: no voice selected")

	// ErrNoText is returned for blank text.
	ErrNoText = errors.New("elevenlabs: text is empty")
)

// StatusError is a non-200 answer from the API.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("elevenlabs: status %d", e.Code)
	}
	return fmt.Sprintf("elevenlabs: status %d: %s", e.Code, e.Detail)
}

// Provider talks to the ElevenLabs HTTP API. It is safe for concurrent use.
type Provider struct {
	apiKey string
	origin string
	client *http.Client

	// Defaults for fields a request leaves empty.
	model    string
	format   string
	language string
	voice    string
}

var _ tts.Provider = (*Provider)(nil)

// Option customises a [Provider].
type Option func(*Provider)

// WithModel sets the default model, e.g. "eleven_multilingual_v2".
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithOutputFormat sets the default output format. Default [tts.FormatULaw8000].
func WithOutputFormat(format string) Option { return func(p *Provider) { p.format = format } }

// WithLanguage sets the default language_code.
func WithLanguage(lang string) Option { return func(p *Provider) { p.language = lang } }

// WithVoice sets the voice used when a request does not name one.
func WithVoice(id string) Option { return func(p *Provider) { p.voice = id } }

// WithBaseURL points the provider at another API origin.
func WithBaseURL(origin string) Option {
	return func(p *Provider) { p.origin = strings.TrimRight(origin, "/") }
}

// WithHTTPClient replaces the HTTP client. The client must not set a total
// timeout shorter than the longest utterance.
func WithHTTPClient(c *http.Client) Option { return func(p *Provider) { p.client = c } }

// New returns a provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: api key is required")
	}
	p := &Provider{
		apiKey: apiKey,
		origin: apiOrigin,
		client: http.DefaultClient,
		model:  defaultModel,
		format: tts.FormatULaw8000,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// SynthesizeStream starts synthesis of req. Errors before the first byte,
// including rejected credentials and unknown voices, are returned directly
// as a [*StatusError]; later failures surface through the stream's Err.
func (p *Provider) SynthesizeStream(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrNoText
	}
	voice := cmp.Or(req.Voice.ID, p.voice)
	if voice == "" {
		return nil, ErrNoVoice
	}
	if req.Speed != 0 && (req.Speed < tts.MinSpeed || req.Speed > tts.MaxSpeed) {
		return nil, fmt.Errorf("elevenlabs: speed %.2f outside [%.1f, %.1f]", req.Speed, tts.MinSpeed, tts.MaxSpeed)
	}

	body, err := json.Marshal(p.payload(text, req))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w", err)
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, p.streamURL(voice, cmp.Or(req.OutputFormat, p.format)), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w", err)
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Accept", "audio/*")

	resp, err := p.do(hr)
	if err != nil {
		return nil, err
	}

	ch := make(chan []byte, 64)
	s := tts.NewStream(ch)
	go pump(ctx, resp.Body, ch, s)
	return s, nil
}

// pump copies body into ch in chunks, then closes both. A read error after
// ctx is done is a cancellation and is not recorded.
func pump(ctx context.Context, body io.ReadCloser, ch chan<- []byte, s *tts.Stream) {
	defer close(ch)
	defer body.Close()

	buf := make([]byte, chunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			select {
			case ch <- bytes.Clone(buf[:n]):
			case <-ctx.Done():
				return
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return
		default:
			if ctx.Err() == nil {
				s.SetStreamErr(fmt.Errorf("elevenlabs: reading audio: %w", err))
			}
			return
		}
	}
}

// ListVoices returns the voices available to the API key.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	hr, err := http.NewRequestWithContext(ctx, http.MethodGet, p.origin+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w", err)
	}
	hr.Header.Set("Accept", "application/json")

	resp, err := p.do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var list voiceList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("elevenlabs: decoding voices: %w", err)
	}
	return list.profiles(), nil
}

// do authenticates and sends hr. Any status other than 200 is drained and
// returned as a [*StatusError].
func (p *Provider) do(hr *http.Request) (*http.Response, error) {
	hr.Header.Set("xi-api-key", p.apiKey)
	resp, err := p.client.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %s %s: %w", hr.Method, hr.URL.Path, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return nil, &StatusError{Code: resp.StatusCode, Detail: strings.TrimSpace(string(detail))}
}

func (p *Provider) streamURL(voice, format string) string {
	return p.origin + "/v1/text-to-speech/" + url.PathEscape(voice) + "/stream?" +
		url.Values{"output_format": {format}}.Encode()
}

// payload is the JSON body of a synthesis request.
type payload struct {
	Text     string    `json:"text"`
	Model    string    `json:"model_id,omitempty"`
	Language string    `json:"language_code,omitempty"`
	Settings *settings `json:"voice_settings,omitempty"`
}

// settings is sent only when at least one field is set. Omitted fields keep
// the voice's stored settings.
type settings struct {
	Stability       float64 `json:"stability,omitempty"`
	SimilarityBoost float64 `json:"similarity_boost,omitempty"`
	Speed           float64 `json:"speed,omitempty"`
}

func (p *Provider) payload(text string, req tts.Request) payload {
	out := payload{
		Text:     text,
		Model:    cmp.Or(req.Model, p.model),
		Language: cmp.Or(req.Language, p.language),
	}
	vs := settings{Stability: req.Voice.Stability, SimilarityBoost: req.Voice.SimilarityBoost}
	if req.Speed != 1 {
		vs.Speed = req.Speed
	}
	if vs != (settings{}) {
		out.Settings = &vs
	}
	return out
}

// voiceList is the body of GET /v1/voices.
type voiceList struct {
	Voices []struct {
		ID       string            `json:"voice_id"`
		Name     string            `json:"name"`
		Category string            `json:"category"`
		Labels   map[string]string `json:"labels"`
	} `json:"voices"`
}

// profiles flattens labels and category into Metadata.
func (l voiceList) profiles() []types.VoiceProfile {
	out := make([]types.VoiceProfile, 0, len(l.Voices))
	for _, v := range l.Voices {
		md := make(map[string]string, len(v.Labels)+1)
		maps.Copy(md, v.Labels)
		if v.Category != "" {
			md["category"] = v.Category
		}
		out = append(out, types.VoiceProfile{ID: v.ID, Name: v.Name, Provider: "elevenlabs", Metadata: md})
	}
	return out
}
