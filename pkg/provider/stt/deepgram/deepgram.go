// Package deepgram recognizes speech with Deepgram's live streaming API.
// Deepgram takes μ-law directly, so Twilio frames go up untouched.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/provider/stt"
	"github.com/MrWong99/callbridge/pkg/provider/stt/wsstream"
)

const (
	liveEndpoint = "wss://api.deepgram.com/v1/listen"

	// Deepgram drops a socket that saw no audio for about ten seconds.
	keepAliveEvery = 5 * time.Second
)

// Provider opens Deepgram live sessions.
type Provider struct {
	apiKey      string
	endpoint    string
	model       string
	language    string
	endpointing time.Duration
	smartFormat bool
}

var _ stt.Provider = (*Provider)(nil)

// Option customises a [Provider].
type Option func(*Provider)

// WithModel selects the model, e.g. "nova-2-phonecall". Default "nova-3".
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithLanguage sets the language used when a stream does not name one.
// Default "en".
func WithLanguage(lang string) Option { return func(p *Provider) { p.language = lang } }

// WithEndpoint replaces the live endpoint, for tests and self-hosted setups.
func WithEndpoint(u string) Option { return func(p *Provider) { p.endpoint = u } }

// WithEndpointing sets how much trailing silence finalizes a result. Zero
// keeps Deepgram's default.
func WithEndpointing(d time.Duration) Option { return func(p *Provider) { p.endpointing = d } }

// WithSmartFormat turns on Deepgram's number, date and currency formatting.
func WithSmartFormat(on bool) Option { return func(p *Provider) { p.smartFormat = on } }

// New returns a provider. An empty apiKey wraps [stt.ErrBackendConfig].
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("deepgram: api key is required: %w", stt.ErrBackendConfig)
	}
	p := &Provider{apiKey: apiKey, endpoint: liveEndpoint, model: "nova-3", language: "en"}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Provider) Encoding() audio.Encoding { return audio.Mulaw }

func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	u, err := p.streamURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: %w", err)
	}
	h := http.Header{}
	h.Set("Authorization", "Token "+p.apiKey)

	s, err := wsstream.Dial(ctx, u, h, wsstream.Dialect{
		Name:           "deepgram",
		Finish:         []byte(`{"type":"CloseStream"}`),
		KeepAlive:      []byte(`{"type":"KeepAlive"}`),
		KeepAliveEvery: keepAliveEvery,
		Decode:         decode,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p *Provider) streamURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	rate := cfg.SampleRate
	if rate == 0 {
		rate = audio.SampleRate
	}
	enc := "mulaw"
	if cfg.Encoding == audio.Linear16 {
		enc = "linear16"
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", enc)
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	if p.endpointing > 0 {
		q.Set("endpointing", strconv.FormatInt(p.endpointing.Milliseconds(), 10))
	}
	if p.smartFormat {
		q.Set("smart_format", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// results is the part of a Deepgram "Results" event that matters here.
type results struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// decode keeps Results events with a non-empty best alternative. Metadata,
// SpeechStarted and UtteranceEnd events are dropped.
func decode(data []byte) wsstream.Event {
	var r results
	if err := json.Unmarshal(data, &r); err != nil || r.Type != "Results" || len(r.Channel.Alternatives) == 0 {
		return wsstream.Event{}
	}
	best := r.Channel.Alternatives[0]
	if best.Transcript == "" {
		return wsstream.Event{}
	}
	return wsstream.Event{
		Ok:         true,
		Transcript: stt.Transcript{Text: best.Transcript, IsFinal: r.IsFinal, Confidence: best.Confidence},
	}
}
