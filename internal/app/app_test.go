package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callbridge/internal/app"
	"github.com/MrWong99/callbridge/internal/calllog"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/telephony"
	"github.com/MrWong99/callbridge/internal/ttsproxy"
	llmmock "github.com/MrWong99/callbridge/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/callbridge/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/callbridge/pkg/provider/tts/mock"
)

// testConfig returns a complete configuration whose waiting clips live in a
// fresh directory holding one clip.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "one_moment.ulaw"), bytes.Repeat([]byte{0x7F}, 480), 0o644); err != nil {
		t.Fatalf("write clip: %v", err)
	}
	cfg := &config.Config{
		Server: config.ServerConfig{
			ListenAddr:    "127.0.0.1:0",
			PublicBaseURL: "https://bridge.example.com",
		},
		Providers: config.ProvidersConfig{
			LLM: config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini"},
			STT: config.STTProviders{Default: config.ProviderEntry{Name: "deepgram"}},
			TTS: config.ProviderEntry{Name: "elevenlabs", Model: "eleven_flash_v2_5"},
		},
		Telephony: config.TelephonyConfig{
			Greeting:          "Hello",
			FrameInterval:     time.Millisecond,
			StartBufferFrames: 1,
			PrebufferWait:     50 * time.Millisecond,
			VoiceID:           "voice-1",
		},
		Recognition: config.RecognitionConfig{EOUQuiet: -1},
		Waiting:     config.WaitingConfig{Dir: dir},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testProviders() (*app.Providers, *ttsmock.Provider) {
	synth := &ttsmock.Provider{Chunks: [][]byte{bytes.Repeat([]byte{0x7F}, 320)}}
	return &app.Providers{
		LLM:         &llmmock.Provider{ModelName: "gpt-4o-mini"},
		LLMName:     "openai",
		Default:     &sttmock.Provider{},
		DefaultName: "deepgram",
		TTS:         synth,
		TTSName:     "elevenlabs",
	}, synth
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.App, *ttsmock.Provider) {
	t.Helper()
	providers, synth := testProviders()
	a, err := app.New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a, synth
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	providers, _ := testProviders()
	providers.LLM = nil
	if _, err := app.New(context.Background(), cfg, providers); err == nil {
		t.Fatal("New without an LLM succeeded")
	}
	if _, err := app.New(context.Background(), cfg, nil); err == nil {
		t.Fatal("New without providers succeeded")
	}
}

func TestNew_BadCatalogue(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Waiting.Catalogue = filepath.Join(t.TempDir(), "missing.yaml")
	providers, _ := testProviders()
	if _, err := app.New(context.Background(), cfg, providers); err == nil {
		t.Fatal("New with a missing catalogue succeeded")
	}
}

func TestHandler_Routes(t *testing.T) {
	t.Parallel()

	a, synth := newApp(t, testConfig(t))
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{name: "liveness", method: http.MethodGet, path: "/healthz", wantStatus: http.StatusOK, wantBody: `"ok"`},
		{name: "readiness", method: http.MethodGet, path: "/readyz", wantStatus: http.StatusOK, wantBody: "waiting_clips"},
		{name: "twiml", method: http.MethodPost, path: "/voice", wantStatus: http.StatusOK, wantBody: `wss://bridge.example.com/ws/twilio`},
		{name: "tts proxy", method: http.MethodGet, path: ttsproxy.Path + "?text=hi", wantStatus: http.StatusOK},
		{name: "tts proxy without text", method: http.MethodGet, path: ttsproxy.Path, wantStatus: http.StatusBadRequest},
		{name: "metrics", method: http.MethodGet, path: "/metrics", wantStatus: http.StatusOK},
		{name: "mcp disabled", method: http.MethodPost, path: "/mcp", wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+tt.path, nil)
			if err != nil {
				t.Fatal(err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("%s %s: %v", tt.method, tt.path, err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %q)", resp.StatusCode, tt.wantStatus, body)
			}
			if tt.wantBody != "" && !strings.Contains(string(body), tt.wantBody) {
				t.Errorf("body %q does not contain %q", body, tt.wantBody)
			}
		})
	}

	reqs := synth.Requests()
	if len(reqs) != 1 {
		t.Fatalf("synth requests = %d, want 1", len(reqs))
	}
	if reqs[0].Voice.ID != "voice-1" || reqs[0].Model != "eleven_flash_v2_5" {
		t.Errorf("proxy request = %+v, want configured voice and model", reqs[0])
	}
}

func TestHandler_VoiceRequiresSignature(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Telephony.TwilioAuthToken = "secret"
	a, _ := newApp(t, cfg)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/voice", "application/x-www-form-urlencoded", strings.NewReader("CallSid=CA1"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unsigned /voice status = %d, want 403", resp.StatusCode)
	}
}

func TestHandler_ReadinessWithoutClips(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Waiting.Dir = filepath.Join(t.TempDir(), "absent")
	a, _ := newApp(t, cfg)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestHandler_MCPEnabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.MCP.Enabled = true
	a, _ := newApp(t, cfg)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/mcp", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		t.Fatal("/mcp not registered")
	}
}

// call dials the media stream, starts a stream and waits for the greeting
// to finish playing.
func call(t *testing.T, ctx context.Context, url, sid string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(url, "http")+telephony.StreamPath, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })

	start, _ := json.Marshal(map[string]any{
		"event":     "start",
		"streamSid": sid,
		"start": map[string]any{
			"streamSid":   sid,
			"callSid":     "CA-" + sid,
			"tracks":      []string{"inbound"},
			"mediaFormat": map[string]any{"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
		},
	})
	if err := conn.Write(ctx, websocket.MessageText, start); err != nil {
		t.Fatalf("write start: %v", err)
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read before greeting finished: %v", err)
		}
		var msg struct {
			Event string `json:"event"`
			Mark  struct {
				Name string `json:"name"`
			} `json:"mark"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal %q: %v", data, err)
		}
		if msg.Event == "mark" {
			return conn
		}
	}
}

func hangUp(t *testing.T, ctx context.Context, conn *websocket.Conn, sid string) {
	t.Helper()
	stop, _ := json.Marshal(map[string]any{"event": "stop", "streamSid": sid})
	if err := conn.Write(ctx, websocket.MessageText, stop); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func TestApp_ReloadAppliesToNewCalls(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	var level slog.LevelVar
	a, synth := newApp(t, cfg, app.WithLevelVar(&level))
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hangUp(t, ctx, call(t, ctx, srv.URL, "MZ1"), "MZ1")

	next := *cfg
	next.Telephony.Greeting = "Welcome back"
	next.Server.LogLevel = config.LogDebug
	a.Reload(cfg, &next)

	if a.Config().Telephony.Greeting != "Welcome back" {
		t.Fatalf("Config().Telephony.Greeting = %q after reload", a.Config().Telephony.Greeting)
	}
	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", level.Level())
	}

	hangUp(t, ctx, call(t, ctx, srv.URL, "MZ2"), "MZ2")

	reqs := synth.Requests()
	if len(reqs) != 2 {
		t.Fatalf("synth requests = %d, want 2", len(reqs))
	}
	if reqs[0].Text != "Hello" || reqs[1].Text != "Welcome back" {
		t.Errorf("greetings = %q, %q; want Hello, Welcome back", reqs[0].Text, reqs[1].Text)
	}
}

func TestApp_RecordsCalls(t *testing.T) {
	t.Parallel()

	store := calllog.NewMemStore()
	a, _ := newApp(t, testConfig(t), app.WithCallStore(store))
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hangUp(t, ctx, call(t, ctx, srv.URL, "MZ1"), "MZ1")

	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	c, ok := store.Call("MZ1")
	if !ok {
		t.Fatal("call not recorded")
	}
	if c.CallSID != "CA-MZ1" || c.Backend != "deepgram" {
		t.Errorf("recorded call = %+v", c)
	}
	if c.EndedAt.IsZero() {
		t.Error("call end not recorded")
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	a, _ := newApp(t, testConfig(t), app.WithListener(ln))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if a.Registry().Accepting() {
		t.Error("registry still accepting after shutdown")
	}
	// A second shutdown is a no-op.
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown = %v", err)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
