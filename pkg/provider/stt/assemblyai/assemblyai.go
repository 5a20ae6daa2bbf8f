// Package assemblyai recognizes speech with AssemblyAI Universal Streaming
// (API v3).
//
// v3 accepts linear PCM only, so callers feed it decoded telephony audio. It
// also rejects messages shorter than 50 ms; the session batches Twilio's
// 20 ms frames into 100 ms messages.
package assemblyai

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
	streamingEndpoint = "wss://streaming.assemblyai.com/v3/ws"
	batch             = 100 * time.Millisecond
)

// Provider opens AssemblyAI streaming sessions.
type Provider struct {
	apiKey      string
	endpoint    string
	model       string
	formatTurns bool
}

var _ stt.Provider = (*Provider)(nil)

// Option customises a [Provider].
type Option func(*Provider)

// WithEndpoint replaces the streaming endpoint. Used by tests.
func WithEndpoint(u string) Option { return func(p *Provider) { p.endpoint = u } }

// WithSpeechModel selects the model, e.g. "universal-streaming-multilingual".
func WithSpeechModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithFormatTurns asks for punctuated, cased finals. Default on. The
// formatted text arrives in a second end-of-turn message and only that one
// becomes a final.
func WithFormatTurns(on bool) Option { return func(p *Provider) { p.formatTurns = on } }

// New returns a provider. An empty apiKey wraps [stt.ErrBackendConfig].
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("assemblyai: api key is required: %w", stt.ErrBackendConfig)
	}
	p := &Provider{apiKey: apiKey, endpoint: streamingEndpoint, formatTurns: true}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Provider) Encoding() audio.Encoding { return audio.Linear16 }

func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if cfg.Encoding != audio.Linear16 {
		return nil, fmt.Errorf("assemblyai: %s audio: %w", cfg.Encoding, stt.ErrBackendConfig)
	}
	rate := cfg.SampleRate
	if rate == 0 {
		rate = audio.SampleRate
	}
	u, err := p.streamURL(rate)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: %w", err)
	}
	h := http.Header{}
	h.Set("Authorization", p.apiKey)

	s, err := wsstream.Dial(ctx, u, h, wsstream.Dialect{
		Name:       "assemblyai",
		BatchBytes: int(batch.Seconds() * float64(rate) * 2),
		Finish:     []byte(`{"type":"Terminate"}`),
		Decode:     turns{formatted: p.formatTurns}.decode,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p *Provider) streamURL(rate int) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("encoding", "pcm_s16le")
	q.Set("format_turns", strconv.FormatBool(p.formatTurns))
	if p.model != "" {
		q.Set("speech_model", p.model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// event covers the v3 server messages: Begin, Turn, Termination and Error.
type event struct {
	Type            string `json:"type"`
	Transcript      string `json:"transcript"`
	EndOfTurn       bool   `json:"end_of_turn"`
	TurnIsFormatted bool   `json:"turn_is_formatted"`
	Error           string `json:"error"`
}

type turns struct {
	formatted bool
}

// decode maps Turn messages to transcripts. With formatting on, the raw
// end-of-turn message is dropped in favour of the formatted one after it.
func (t turns) decode(data []byte) wsstream.Event {
	var e event
	if err := json.Unmarshal(data, &e); err != nil {
		return wsstream.Event{}
	}
	switch e.Type {
	case "Error":
		return wsstream.Event{Err: fmt.Errorf("server error: %s", e.Error)}
	case "Turn":
	default:
		return wsstream.Event{}
	}
	if e.Transcript == "" || (e.EndOfTurn && t.formatted && !e.TurnIsFormatted) {
		return wsstream.Event{}
	}
	return wsstream.Event{Ok: true, Transcript: stt.Transcript{Text: e.Transcript, IsFinal: e.EndOfTurn}}
}
