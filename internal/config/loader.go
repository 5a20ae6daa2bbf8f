package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per kind. [Validate] warns
// about names outside this list.
var ValidProviderNames = map[string][]string{
	"llm": {"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq"},
	"stt": {"assemblyai", "deepgram"},
	"tts": {"elevenlabs"},
}

// envRef matches ${VAR} references.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces every ${VAR} in data with the value of the environment
// variable VAR. Unset variables expand to the empty string. A bare $ is left
// alone so secrets containing dollars survive.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		return []byte(os.Getenv(string(envRef.FindSubmatch(m)[1])))
	})
}

// Load reads, expands, decodes and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown fields are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg is coherent. It returns every failure joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if cfg.Providers.STT.Default.Name == "" {
		errs = append(errs, errors.New("providers.stt.default.name is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	for i, fb := range cfg.Providers.TTSFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
		}
	}
	warnUnknownProvider("llm", cfg.Providers.LLM.Name)
	warnUnknownProvider("stt", cfg.Providers.STT.Default.Name)
	warnUnknownProvider("stt", cfg.Providers.STT.Alternate.Name)
	warnUnknownProvider("tts", cfg.Providers.TTS.Name)

	switch b := cfg.Recognition.Backend; {
	case b != "" && !b.IsValid():
		errs = append(errs, fmt.Errorf("recognition.backend %q is invalid; valid values: default, alternate", b))
	case b == BackendAlternate && cfg.Providers.STT.Alternate.Name == "":
		errs = append(errs, errors.New("recognition.backend is alternate but providers.stt.alternate is not configured"))
	}

	if cfg.Telephony.FrameInterval <= 0 {
		errs = append(errs, fmt.Errorf("telephony.frame_interval %s must be positive", cfg.Telephony.FrameInterval))
	}
	if cfg.Telephony.StartBufferFrames < 0 {
		errs = append(errs, fmt.Errorf("telephony.start_buffer_frames %d must not be negative", cfg.Telephony.StartBufferFrames))
	}
	if cfg.Telephony.MaxCalls < 0 {
		errs = append(errs, fmt.Errorf("telephony.max_calls %d must not be negative", cfg.Telephony.MaxCalls))
	}
	if n := cfg.Telephony.BargeInMinChars; n != 0 && (n < 3 || n > 5) {
		slog.Warn("telephony.barge_in_min_chars is outside 3..5 and will be clamped", "value", n)
	}

	for name, d := range map[string]time.Duration{
		"server.shutdown_timeout":    cfg.Server.ShutdownTimeout,
		"telephony.prebuffer_wait":   cfg.Telephony.PrebufferWait,
		"telephony.speculative_wait": cfg.Telephony.SpeculativeWait,
		"recognition.eou_quiet":      cfg.Recognition.EOUQuiet,
		"recognition.eou_guard":      cfg.Recognition.EOUGuard,
		"recognition.dedup_window":   cfg.Recognition.DedupWindow,
		"conversation.timeout":       cfg.Conversation.Timeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s %s must not be negative", name, d))
		}
	}
	if cfg.Recognition.MinPartialChars < 0 {
		errs = append(errs, fmt.Errorf("recognition.min_partial_chars %d must not be negative", cfg.Recognition.MinPartialChars))
	}
	if t := cfg.Conversation.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("conversation.temperature %.2f is out of range [0, 2]", t))
	}
	if cfg.Conversation.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("conversation.max_tokens %d must not be negative", cfg.Conversation.MaxTokens))
	}

	if cfg.MCP.Enabled && cfg.Server.PublicBaseURL == "" {
		slog.Warn("mcp is enabled without server.public_base_url; tool URLs will use the listen address")
	}

	return errors.Join(errs...)
}

func warnUnknownProvider(kind, name string) {
	if name == "" || slices.Contains(ValidProviderNames[kind], name) {
		return
	}
	slog.Warn("unknown provider name; it must be registered by the caller",
		"kind", kind,
		"name", name,
		"known", ValidProviderNames[kind],
	)
}
