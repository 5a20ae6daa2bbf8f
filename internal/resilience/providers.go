package resilience

import (
	"context"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/provider/llm"
	"github.com/MrWong99/callbridge/pkg/provider/stt"
	"github.com/MrWong99/callbridge/pkg/provider/tts"
	"github.com/MrWong99/callbridge/pkg/types"
)

var (
	_ llm.Provider = (*LLMFallback)(nil)
	_ stt.Provider = (*STTFallback)(nil)
	_ tts.Provider = (*TTSFallback)(nil)
)

// LLMFallback is an [llm.Provider] that fails over between models or
// backends. Entries are usually the same backend with different models.
type LLMFallback struct {
	chain *Chain[llm.Provider]
}

// NewLLMFallback wraps primary, registered under primaryName.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{chain: NewChain(primary, primaryName, cfg)}
}

// AddFallback registers p to be tried after the entries already added.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) { f.chain.Add(name, p) }

// Backends lists the entries in trial order.
func (f *LLMFallback) Backends() []string { return f.chain.Names() }

// Complete returns the first successful completion. A caller context that is
// already done is reported without touching any backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Try(f.chain, func(_ string, p llm.Provider) (*llm.CompletionResponse, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return p.Complete(ctx, req)
	})
}

// Model reports the primary's model.
func (f *LLMFallback) Model() string { return f.chain.Primary().Model() }

// STTFallback is an [stt.Provider] that fails over at stream open.
//
// Backends may want different encodings, so each one is opened with its own
// native encoding. The returned handle reports the encoding, backend and
// provider that were actually used; the caller must adapt the audio it sends
// accordingly. A stream that dies after it opened is not covered here.
type STTFallback struct {
	chain *Chain[stt.Provider]
}

// NewSTTFallback wraps primary, registered under primaryName.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{chain: NewChain(primary, primaryName, cfg)}
}

// AddFallback registers p to be tried after the backends already added.
func (f *STTFallback) AddFallback(name string, p stt.Provider) { f.chain.Add(name, p) }

// Backends lists the backends in trial order.
func (f *STTFallback) Backends() []string { return f.chain.Names() }

// Encoding reports the primary's encoding.
func (f *STTFallback) Encoding() audio.Encoding { return f.chain.Primary().Encoding() }

func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return Try(f.chain, func(name string, p stt.Provider) (stt.SessionHandle, error) {
		c := cfg
		c.Encoding = p.Encoding()
		h, err := p.StartStream(ctx, c)
		if err != nil {
			return nil, err
		}
		return &taggedSession{SessionHandle: h, enc: c.Encoding, backend: name, provider: p}, nil
	})
}

type taggedSession struct {
	stt.SessionHandle
	enc      audio.Encoding
	backend  string
	provider stt.Provider
}

func (s *taggedSession) Encoding() audio.Encoding { return s.enc }
func (s *taggedSession) Backend() string          { return s.backend }
func (s *taggedSession) Provider() stt.Provider   { return s.provider }

// TTSFallback is a [tts.Provider] that fails over while a synthesis request
// is being started. Once audio flows, a stream error belongs to the caller.
type TTSFallback struct {
	chain *Chain[tts.Provider]
}

// NewTTSFallback wraps primary, registered under primaryName.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{chain: NewChain(primary, primaryName, cfg)}
}

// AddFallback registers p to be tried after the backends already added.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) { f.chain.Add(name, p) }

// Backends lists the backends in trial order.
func (f *TTSFallback) Backends() []string { return f.chain.Names() }

func (f *TTSFallback) SynthesizeStream(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	return Try(f.chain, func(_ string, p tts.Provider) (*tts.Stream, error) {
		return p.SynthesizeStream(ctx, req)
	})
}

func (f *TTSFallback) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return Try(f.chain, func(_ string, p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}
