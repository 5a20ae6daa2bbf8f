package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Calls that start
// after a reload use the new values; the fields in RestartRequired only take
// effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TelephonyChanged covers greeting, pacing, barge-in, speculation and
	// voice settings.
	TelephonyChanged    bool
	RecognitionChanged  bool
	ConversationChanged bool

	// RestartRequired names changed sections that are wired once at startup.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.TelephonyChanged || d.RecognitionChanged ||
		d.ConversationChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.TelephonyChanged = old.Telephony != new.Telephony
	d.RecognitionChanged = old.Recognition != new.Recognition
	d.ConversationChanged = !conversationEqual(old.Conversation, new.Conversation)

	restart := func(section string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, section)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.public_base_url", old.Server.PublicBaseURL != new.Server.PublicBaseURL)
	restart("server.tls", !tlsEqual(old.Server.TLS, new.Server.TLS))
	restart("providers", !providersEqual(old.Providers, new.Providers))
	restart("waiting", old.Waiting != new.Waiting)
	restart("calllog", old.CallLog != new.CallLog)
	restart("mcp", old.MCP != new.MCP)
	return d
}

func conversationEqual(a, b ConversationConfig) bool {
	return a.SystemPrompt == b.SystemPrompt &&
		a.Timeout == b.Timeout &&
		a.FallbackReply == b.FallbackReply &&
		a.Temperature == b.Temperature &&
		a.MaxTokens == b.MaxTokens &&
		a.MaxHistory == b.MaxHistory &&
		slices.Equal(a.FallbackModels, b.FallbackModels)
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.LLM, b.LLM) &&
		entryEqual(a.STT.Default, b.STT.Default) &&
		entryEqual(a.STT.Alternate, b.STT.Alternate) &&
		entryEqual(a.TTS, b.TTS) &&
		slices.EqualFunc(a.TTSFallbacks, b.TTSFallbacks, entryEqual)
}

func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model &&
		reflect.DeepEqual(a.Options, b.Options)
}
