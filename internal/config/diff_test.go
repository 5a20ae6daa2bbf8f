package config_test

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/callbridge/internal/config"
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mutate      func(*config.Config)
		check       func(config.ConfigDiff) bool
		wantRestart []string
	}{
		{
			name:   "no change",
			mutate: func(*config.Config) {},
			check:  func(d config.ConfigDiff) bool { return !d.Changed() },
		},
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			check: func(d config.ConfigDiff) bool {
				return d.LogLevelChanged && d.NewLogLevel == config.LogDebug
			},
		},
		{
			name:   "greeting",
			mutate: func(c *config.Config) { c.Telephony.Greeting = "Shalom" },
			check:  func(d config.ConfigDiff) bool { return d.TelephonyChanged && !d.RecognitionChanged },
		},
		{
			name:   "eou quiet",
			mutate: func(c *config.Config) { c.Recognition.EOUQuiet = time.Second },
			check:  func(d config.ConfigDiff) bool { return d.RecognitionChanged },
		},
		{
			name:   "fallback models",
			mutate: func(c *config.Config) { c.Conversation.FallbackModels = []string{"b"} },
			check:  func(d config.ConfigDiff) bool { return d.ConversationChanged },
		},
		{
			name: "providers and listen addr",
			mutate: func(c *config.Config) {
				c.Server.ListenAddr = ":9999"
				c.Providers.TTS.Options = map[string]any{"voice_id": "x"}
			},
			check:       func(d config.ConfigDiff) bool { return d.Changed() },
			wantRestart: []string{"server.listen_addr", "providers"},
		},
		{
			name:        "tls toggled",
			mutate:      func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "a", KeyFile: "b"} },
			check:       func(d config.ConfigDiff) bool { return d.Changed() },
			wantRestart: []string{"server.tls"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, next := baseConfig(t), baseConfig(t)
			tt.mutate(next)
			d := config.Diff(old, next)
			if !tt.check(d) {
				t.Errorf("diff = %+v", d)
			}
			if !slices.Equal(d.RestartRequired, tt.wantRestart) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.wantRestart)
			}
		})
	}
}
