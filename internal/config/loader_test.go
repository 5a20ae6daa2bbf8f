package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/callbridge/internal/config"
)

const minimalYAML = `
providers:
  llm:
    name: gemini
    model: gemini-2.0-flash
  stt:
    default:
      name: assemblyai
  tts:
    name: elevenlabs
`

const fullYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  public_base_url: https://bridge.example.com
  shutdown_timeout: 20s
providers:
  llm:
    name: gemini
    api_key: ${CALLBRIDGE_TEST_LLM_KEY}
    model: gemini-2.0-flash
  stt:
    default:
      name: assemblyai
      api_key: aai
    alternate:
      name: deepgram
      api_key: dg
      model: nova-2
  tts:
    name: elevenlabs
    api_key: el
    options:
      voice_id: abc
  tts_fallbacks:
    - name: elevenlabs
      base_url: https://backup.example.com
telephony:
  greeting: "Hello, how can I help?"
  frame_interval: 20ms
  start_buffer_frames: 8
  barge_in_min_chars: 4
  speculative_wait: 250ms
  twilio_auth_token: secret
  voice_id: abc
  language: he
  max_calls: 50
recognition:
  backend: alternate
  language: he
  eou_quiet: 700ms
  eou_guard: 400ms
  min_partial_chars: 2
  dedup_window: 2s
conversation:
  system_prompt: Be brief.
  timeout: 4s
  fallback_reply: Sorry?
  temperature: 0.3
  max_tokens: 120
  fallback_models: [gemini-1.5-flash]
waiting:
  dir: /srv/clips
  extension: .raw
  catalogue: /srv/phrases.yaml
calllog:
  postgres_dsn: postgres://localhost/calls
mcp:
  enabled: true
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Setenv("CALLBRIDGE_TEST_LLM_KEY", "from-env")

	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, ":9090"},
		{"log_level", cfg.Server.LogLevel, config.LogDebug},
		{"shutdown_timeout", cfg.Server.ShutdownTimeout, 20 * time.Second},
		{"llm api key", cfg.Providers.LLM.APIKey, "from-env"},
		{"alternate", cfg.Providers.STT.Alternate.Name, "deepgram"},
		{"tts option", cfg.Providers.TTS.OptionString("voice_id"), "abc"},
		{"tts fallbacks", len(cfg.Providers.TTSFallbacks), 1},
		{"start frames", cfg.Telephony.StartBufferFrames, 8},
		{"speculative wait", cfg.Telephony.SpeculativeWait, 250 * time.Millisecond},
		{"max calls", cfg.Telephony.MaxCalls, 50},
		{"backend", cfg.Recognition.Backend, config.BackendAlternate},
		{"dedup window", cfg.Recognition.DedupWindow, 2 * time.Second},
		{"conversation timeout", cfg.Conversation.Timeout, 4 * time.Second},
		{"fallback models", len(cfg.Conversation.FallbackModels), 1},
		{"waiting ext", cfg.Waiting.Extension, ".raw"},
		{"dsn", cfg.CallLog.PostgresDSN, "postgres://localhost/calls"},
		{"mcp", cfg.MCP.Enabled, true},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, config.DefaultListenAddr},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"frame_interval", cfg.Telephony.FrameInterval, 20 * time.Millisecond},
		{"start frames", cfg.Telephony.StartBufferFrames, 10},
		{"barge-in", cfg.Telephony.BargeInMinChars, 3},
		{"speculative wait", cfg.Telephony.SpeculativeWait, 300 * time.Millisecond},
		{"backend", cfg.Recognition.Backend, config.BackendDefault},
		{"eou quiet", cfg.Recognition.EOUQuiet, 750 * time.Millisecond},
		{"eou guard", cfg.Recognition.EOUGuard, 500 * time.Millisecond},
		{"min partial", cfg.Recognition.MinPartialChars, 3},
		{"dedup window", cfg.Recognition.DedupWindow, 1800 * time.Millisecond},
		{"waiting dir", cfg.Waiting.Dir, "media/waiting"},
		{"waiting ext", cfg.Waiting.Extension, ".ulaw"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "npcs: []\n"))
	if err == nil || !strings.Contains(err.Error(), "npcs") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{name: "minimal", yaml: minimalYAML},
		{
			name:    "missing providers",
			yaml:    "server:\n  log_level: info\n",
			wantErr: []string{"providers.stt.default.name", "providers.llm.name", "providers.tts.name"},
		},
		{
			name:    "bad log level",
			yaml:    minimalYAML + "server:\n  log_level: loud\n",
			wantErr: []string{"server.log_level"},
		},
		{
			name:    "unknown backend",
			yaml:    minimalYAML + "recognition:\n  backend: whisper\n",
			wantErr: []string{"recognition.backend"},
		},
		{
			name:    "alternate without provider",
			yaml:    minimalYAML + "recognition:\n  backend: alternate\n",
			wantErr: []string{"providers.stt.alternate"},
		},
		{
			name:    "negative frame interval",
			yaml:    minimalYAML + "telephony:\n  frame_interval: -20ms\n",
			wantErr: []string{"telephony.frame_interval"},
		},
		{
			name:    "negative durations",
			yaml:    minimalYAML + "recognition:\n  eou_quiet: -1s\nconversation:\n  timeout: -5s\n",
			wantErr: []string{"recognition.eou_quiet", "conversation.timeout"},
		},
		{
			name:    "half tls",
			yaml:    minimalYAML + "server:\n  tls:\n    cert_file: a.pem\n",
			wantErr: []string{"server.tls"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not mention %q", err, want)
				}
			}
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("CALLBRIDGE_TEST_TOKEN", "tok")

	in := "a: ${CALLBRIDGE_TEST_TOKEN}\nb: ${CALLBRIDGE_TEST_UNSET_VAR}\nc: pa$$word\nd: $CALLBRIDGE_TEST_TOKEN\n"
	want := "a: tok\nb: \nc: pa$$word\nd: $CALLBRIDGE_TEST_TOKEN\n"
	if got := string(config.ExpandEnv([]byte(in))); got != want {
		t.Errorf("ExpandEnv =\n%s\nwant\n%s", got, want)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "callbridge.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.LLM.Name != "gemini" {
		t.Errorf("llm = %q", cfg.Providers.LLM.Name)
	}

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load missing = %v, want ErrNotExist", err)
	}
}
