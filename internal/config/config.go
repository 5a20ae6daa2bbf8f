// Package config provides the configuration schema, loader, validation,
// provider registry and file watcher for the call bridge.
//
// Durations are Go duration strings ("750ms", "5s"). Fields left out of the
// file take the defaults below.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Backend selects the recognizer a call starts on.
type Backend string

const (
	// BackendDefault is the PCM recognizer (providers.stt.default).
	BackendDefault Backend = "default"

	// BackendAlternate is the μ-law recognizer (providers.stt.alternate). A
	// failure falls back to the default backend once per call.
	BackendAlternate Backend = "alternate"
)

// IsValid reports whether b is a recognised backend.
func (b Backend) IsValid() bool {
	return b == BackendDefault || b == BackendAlternate
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":8080"
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultFrameInterval     = 20 * time.Millisecond
	DefaultStartBufferFrames = 10
	DefaultBargeInMinChars   = 3
	DefaultSpeculativeWait   = 300 * time.Millisecond
	DefaultEOUQuiet          = 750 * time.Millisecond
	DefaultEOUGuard          = 500 * time.Millisecond
	DefaultMinPartialChars   = 3
	DefaultDedupWindow       = 1800 * time.Millisecond
	DefaultWaitingDir        = "media/waiting"
	DefaultWaitingExt        = ".ulaw"
)

// Config is the root configuration, loaded with [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Telephony    TelephonyConfig    `yaml:"telephony"`
	Recognition  RecognitionConfig  `yaml:"recognition"`
	Conversation ConversationConfig `yaml:"conversation"`
	Waiting      WaitingConfig      `yaml:"waiting"`
	CallLog      CallLogConfig      `yaml:"calllog"`
	MCP          MCPConfig          `yaml:"mcp"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// PublicBaseURL is the externally reachable base URL (e.g.
	// "https://bridge.example.com"). It is used for the TwiML stream URL,
	// signature checks and MCP tool results. When empty the request host
	// is used.
	PublicBaseURL string `yaml:"public_base_url"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds PEM certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig selects the provider implementation for each stage.
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT STTProviders  `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`

	// TTSFallbacks are tried in order when the primary TTS provider fails.
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
}

// STTProviders configures the two recognizer backends.
type STTProviders struct {
	Default   ProviderEntry `yaml:"default"`
	Alternate ProviderEntry `yaml:"alternate"`
}

// ProviderEntry is the configuration block shared by all provider kinds.
// Name selects the constructor in the [Registry].
type ProviderEntry struct {
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// OptionString returns Options[key] when it is a string.
func (e ProviderEntry) OptionString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// OptionInt returns an integer option, or 0 when it is missing or not a
// whole number.
func (e ProviderEntry) OptionInt(key string) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case float64:
		if v == float64(int(v)) {
			return int(v)
		}
	}
	return 0
}

// TelephonyConfig tunes the media-stream leg of a call.
type TelephonyConfig struct {
	// Greeting is spoken when a call starts. Empty disables it.
	Greeting string `yaml:"greeting"`

	FrameInterval     time.Duration `yaml:"frame_interval"`
	StartBufferFrames int           `yaml:"start_buffer_frames"`
	PrebufferWait     time.Duration `yaml:"prebuffer_wait"`

	// BargeInMinChars is clamped to 3..5.
	BargeInMinChars int           `yaml:"barge_in_min_chars"`
	SpeculativeWait time.Duration `yaml:"speculative_wait"`

	// TwilioAuthToken enables X-Twilio-Signature checks on /voice.
	TwilioAuthToken string `yaml:"twilio_auth_token"`

	VoiceID  string `yaml:"voice_id"`
	Language string `yaml:"language"`

	// MaxCalls caps concurrent calls. Zero means unlimited.
	MaxCalls int `yaml:"max_calls"`
}

// RecognitionConfig tunes speech recognition.
type RecognitionConfig struct {
	Backend  Backend `yaml:"backend"`
	Language string  `yaml:"language"`
	Model    string  `yaml:"model"`

	EOUQuiet        time.Duration `yaml:"eou_quiet"`
	EOUGuard        time.Duration `yaml:"eou_guard"`
	MinPartialChars int           `yaml:"min_partial_chars"`
	DedupWindow     time.Duration `yaml:"dedup_window"`
}

// ConversationConfig tunes the language-model collaborator.
type ConversationConfig struct {
	SystemPrompt  string        `yaml:"system_prompt"`
	Timeout       time.Duration `yaml:"timeout"`
	FallbackReply string        `yaml:"fallback_reply"`
	Temperature   float64       `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`
	MaxHistory    int           `yaml:"max_history"`

	// FallbackModels are tried in order, on the providers.llm backend, when
	// the primary model fails.
	FallbackModels []string `yaml:"fallback_models"`
}

// WaitingConfig locates the waiting clips and their phrase catalogue.
type WaitingConfig struct {
	Dir       string `yaml:"dir"`
	Extension string `yaml:"extension"`

	// Catalogue is an optional YAML phrase catalogue. Empty uses the
	// built-in phrases.
	Catalogue string `yaml:"catalogue"`
}

// CallLogConfig enables call persistence.
type CallLogConfig struct {
	// PostgresDSN enables the PostgreSQL call log when non-empty.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// MCPConfig controls the MCP tool server.
type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ApplyDefaults fills unset fields with their defaults. Conversation tunables
// left at zero take the conversation package defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	t := &cfg.Telephony
	if t.FrameInterval == 0 {
		t.FrameInterval = DefaultFrameInterval
	}
	if t.StartBufferFrames == 0 {
		t.StartBufferFrames = DefaultStartBufferFrames
	}
	if t.BargeInMinChars == 0 {
		t.BargeInMinChars = DefaultBargeInMinChars
	}
	if t.SpeculativeWait == 0 {
		t.SpeculativeWait = DefaultSpeculativeWait
	}
	r := &cfg.Recognition
	if r.Backend == "" {
		r.Backend = BackendDefault
	}
	if r.EOUQuiet == 0 {
		r.EOUQuiet = DefaultEOUQuiet
	}
	if r.EOUGuard == 0 {
		r.EOUGuard = DefaultEOUGuard
	}
	if r.MinPartialChars == 0 {
		r.MinPartialChars = DefaultMinPartialChars
	}
	if r.DedupWindow == 0 {
		r.DedupWindow = DefaultDedupWindow
	}
	if cfg.Waiting.Dir == "" {
		cfg.Waiting.Dir = DefaultWaitingDir
	}
	if cfg.Waiting.Extension == "" {
		cfg.Waiting.Extension = DefaultWaitingExt
	}
}
