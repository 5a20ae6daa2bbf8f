package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/resilience"
	"github.com/MrWong99/callbridge/pkg/provider/llm"
	"github.com/MrWong99/callbridge/pkg/provider/llm/anyllm"
	"github.com/MrWong99/callbridge/pkg/provider/llm/openai"
	"github.com/MrWong99/callbridge/pkg/provider/stt"
	"github.com/MrWong99/callbridge/pkg/provider/stt/assemblyai"
	"github.com/MrWong99/callbridge/pkg/provider/stt/deepgram"
	"github.com/MrWong99/callbridge/pkg/provider/tts"
	"github.com/MrWong99/callbridge/pkg/provider/tts/elevenlabs"
)

// Providers holds the constructed backends shared by every call.
type Providers struct {
	LLM     llm.Provider
	LLMName string

	// Default is the PCM recognizer. It is also the rebuild target after a
	// mid-stream failure of the alternate recognizer.
	Default     stt.Provider
	DefaultName string

	// Alternate is the μ-law recognizer, already wrapped to fall back to
	// Default when its stream cannot be opened. Nil when not configured.
	Alternate     stt.Provider
	AlternateName string

	TTS     tts.Provider
	TTSName string
}

// anyLLMBackends are served through any-llm-go.
var anyLLMBackends = []string{"gemini", "anthropic", "deepseek", "mistral", "groq"}

// RegisterBuiltins wires every built-in provider constructor into reg.
func RegisterBuiltins(reg *config.Registry) {
	// openai uses the official SDK directly, the rest go through any-llm.
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		if org := e.OptionString("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(e.APIKey, e.Model, opts...)
	})
	for _, name := range anyLLMBackends {
		reg.RegisterLLM(name, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(name, e.Model, opts...)
		})
	}
	// ollama is a local server and takes no key.
	reg.RegisterLLM("ollama", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if e.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
		}
		return anyllm.New("ollama", e.Model, opts...)
	})

	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		if lang := e.OptionString("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if e.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(e.BaseURL))
		}
		if ms := e.OptionInt("endpointing_ms"); ms > 0 {
			opts = append(opts, deepgram.WithEndpointing(time.Duration(ms)*time.Millisecond))
		}
		if on, ok := e.Options["smart_format"].(bool); ok {
			opts = append(opts, deepgram.WithSmartFormat(on))
		}
		return deepgram.New(e.APIKey, opts...)
	})
	reg.RegisterSTT("assemblyai", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []assemblyai.Option
		if e.Model != "" {
			opts = append(opts, assemblyai.WithSpeechModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, assemblyai.WithEndpoint(e.BaseURL))
		}
		if on, ok := e.Options["format_turns"].(bool); ok {
			opts = append(opts, assemblyai.WithFormatTurns(on))
		}
		return assemblyai.New(e.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		opts := []elevenlabs.Option{elevenlabs.WithOutputFormat(tts.FormatULaw8000)}
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if f := e.OptionString("output_format"); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		if v := e.OptionString("voice_id"); v != "" {
			opts = append(opts, elevenlabs.WithVoice(v))
		}
		if lang := e.OptionString("language"); lang != "" {
			opts = append(opts, elevenlabs.WithLanguage(lang))
		}
		if e.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(e.BaseURL))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})
}

// BuildProviders constructs the configured providers from reg. The language
// model, the default recognizer and the synthesizer are required. A broken
// alternate recognizer only logs a warning: calls then start on the default
// backend.
func BuildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics, log *slog.Logger) (*Providers, error) {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	p := &Providers{}
	pc := cfg.Providers

	primary, err := reg.CreateLLM(pc.LLM)
	if err != nil {
		return nil, fmt.Errorf("app: build llm: %w", err)
	}
	p.LLMName = pc.LLM.Name
	p.LLM = primary
	if models := cfg.Conversation.FallbackModels; len(models) > 0 {
		primaryName := pc.LLM.Model
		if primaryName == "" {
			primaryName = pc.LLM.Name
		}
		fb := resilience.NewLLMFallback(primary, primaryName, failover("llm", metrics, log, nil))
		for _, model := range models {
			entry := pc.LLM
			entry.Model = model
			alt, err := reg.CreateLLM(entry)
			if err != nil {
				log.Warn("app: skipping llm fallback model", "model", model, "err", err)
				continue
			}
			fb.AddFallback(model, alt)
		}
		p.LLM = fb
	}

	def := pc.STT.Default
	if def.Model == "" {
		def.Model = cfg.Recognition.Model
	}
	if p.Default, err = reg.CreateSTT(def); err != nil {
		return nil, fmt.Errorf("app: build default recognizer: %w", err)
	}
	p.DefaultName = def.Name

	if alt := pc.STT.Alternate; alt.Name != "" {
		if err := p.buildAlternate(reg, alt, metrics, log); err != nil {
			log.Warn("app: alternate recognizer unavailable, calls use the default backend",
				"backend", alt.Name, "err", err)
		}
	}

	synth, err := reg.CreateTTS(pc.TTS)
	if err != nil {
		return nil, fmt.Errorf("app: build tts: %w", err)
	}
	p.TTSName = pc.TTS.Name
	p.TTS = synth
	if len(pc.TTSFallbacks) > 0 {
		fb := resilience.NewTTSFallback(synth, pc.TTS.Name, failover("tts", metrics, log, nil))
		for _, e := range pc.TTSFallbacks {
			alt, err := reg.CreateTTS(e)
			if err != nil {
				log.Warn("app: skipping tts fallback", "provider", e.Name, "err", err)
				continue
			}
			fb.AddFallback(e.Name, alt)
		}
		p.TTS = fb
	}

	log.Info("app: providers ready",
		"llm", p.LLMName,
		"stt_default", p.DefaultName,
		"stt_alternate", p.AlternateName,
		"tts", p.TTSName,
	)
	return p, nil
}

func (p *Providers) buildAlternate(reg *config.Registry, e config.ProviderEntry, metrics *observe.Metrics, log *slog.Logger) error {
	alt, err := reg.CreateSTT(e)
	if err != nil {
		return err
	}
	fb := resilience.NewSTTFallback(alt, e.Name, failover("stt", metrics, log, func() {
		metrics.RecordSTTFallback(context.Background(), "startup")
	}))
	fb.AddFallback(p.DefaultName, p.Default)
	p.Alternate = fb
	p.AlternateName = e.Name
	return nil
}

// failover configures a provider chain of the given kind to log switches
// and count breaker transitions. onSwitch, when set, runs after the log line.
func failover(kind string, metrics *observe.Metrics, log *slog.Logger, onSwitch func()) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		Logger: log.With("kind", kind),
		Breaker: resilience.BreakerConfig{
			OnStateChange: func(name string, _, to resilience.State) {
				metrics.RecordBreaker(context.Background(), name, to.String())
			},
		},
		OnFallback: func(from, to string, cause error) {
			log.Warn("app: provider fell back", "kind", kind, "from", from, "to", to, "err", cause)
			if onSwitch != nil {
				onSwitch()
			}
		},
	}
}

// recognizer picks the recognizer a new call starts on.
func (p *Providers) recognizer(b config.Backend) (stt.Provider, string) {
	if b == config.BackendAlternate && p.Alternate != nil {
		return p.Alternate, p.AlternateName
	}
	return p.Default, p.DefaultName
}
