package telephony

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callbridge/internal/call"
	"github.com/MrWong99/callbridge/internal/conversation"
	"github.com/MrWong99/callbridge/internal/playback"
	"github.com/MrWong99/callbridge/internal/recognition"
	sttmock "github.com/MrWong99/callbridge/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/callbridge/pkg/provider/tts/mock"
)

type stubReplier struct{}

func (stubReplier) Respond(context.Context, string) conversation.Reply {
	return conversation.Reply{Text: "ok"}
}

func (stubReplier) Speculate(context.Context, string) (conversation.Reply, error) {
	return conversation.Reply{Text: "ok"}, nil
}

func (stubReplier) Commit(string, conversation.Reply) {}

func (stubReplier) TakePendingClip() (string, bool) { return "", false }

type bridge struct {
	registry *call.Registry
	stt      *sttmock.Session
	tts      *ttsmock.Provider
	url      string
}

func newBridge(t *testing.T, opts ...call.RegistryOption) *bridge {
	t.Helper()
	b := &bridge{
		registry: call.NewRegistry(opts...),
		stt:      sttmock.NewSession(),
		tts:      &ttsmock.Provider{Chunks: [][]byte{bytes.Repeat([]byte{0x7F}, 320)}},
	}
	recognizer := &sttmock.Provider{Sessions: []*sttmock.Session{b.stt}}
	factory := func(out call.Outbound) (*call.Session, error) {
		return call.New(out, stubReplier{}, call.Deps{
			Recognizer:     recognizer,
			RecognizerName: "deepgram",
			Synthesizer:    b.tts,
		}, call.Config{
			Greeting:    "Hello",
			Recognition: recognition.Config{EOUQuiet: -1},
			Playback: playback.Config{
				FrameInterval: time.Millisecond,
				StartFrames:   1,
				PrebufferWait: 50 * time.Millisecond,
			},
		}), nil
	}
	srv := httptest.NewServer(NewHandler(b.registry, factory))
	t.Cleanup(srv.Close)
	b.url = "ws" + strings.TrimPrefix(srv.URL, "http") + StreamPath
	return b
}

func (b *bridge) dial(t *testing.T, ctx context.Context) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, b.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func startMsg(sid string) map[string]any {
	return map[string]any{
		"event":     "start",
		"streamSid": sid,
		"start": map[string]any{
			"streamSid":   sid,
			"callSid":     "CA1",
			"tracks":      []string{"inbound"},
			"mediaFormat": map[string]any{"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
		},
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandler_CallLifecycle(t *testing.T) {
	t.Parallel()

	b := newBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := b.dial(t, ctx)

	send(t, ctx, conn, map[string]any{"event": "connected", "protocol": "Call", "version": "1.0.0"})
	send(t, ctx, conn, startMsg("MZ1"))

	// The greeting streams back as paced media followed by the end mark.
	var seqs []int64
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg struct {
			Event          string `json:"event"`
			StreamSID      string `json:"streamSid"`
			SequenceNumber int64  `json:"sequenceNumber"`
			Mark           struct {
				Name string `json:"name"`
			} `json:"mark"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.StreamSID != "MZ1" {
			t.Fatalf("streamSid = %q, want MZ1", msg.StreamSID)
		}
		if msg.Event == "media" {
			seqs = append(seqs, msg.SequenceNumber)
			continue
		}
		if msg.Event == "mark" && msg.Mark.Name == playback.MarkTurnEnd {
			break
		}
	}
	if len(seqs) < 2 {
		t.Fatalf("media frames = %d, want at least 2", len(seqs))
	}
	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Fatalf("sequence %d = %d, want %d", i, seq, i+1)
		}
	}

	if s, ok := b.registry.Get("MZ1"); !ok || s.State() != call.StateActive {
		t.Fatal("session not registered as active")
	}

	frame := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0xFF}, 160))
	for range 3 {
		send(t, ctx, conn, map[string]any{
			"event":     "media",
			"streamSid": "MZ1",
			"media":     map[string]any{"track": "inbound", "payload": frame},
		})
	}
	send(t, ctx, conn, map[string]any{
		"event":     "media",
		"streamSid": "MZ1",
		"media":     map[string]any{"track": "outbound", "payload": frame},
	})
	waitUntil(t, "inbound audio", func() bool { return b.stt.ChunkCount() >= 3 })

	send(t, ctx, conn, map[string]any{"event": "stop", "streamSid": "MZ1"})
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
				t.Fatalf("close status = %v, want normal closure", got)
			}
			break
		}
	}
	waitUntil(t, "unregister", func() bool { return b.registry.Len() == 0 })
	if got := b.stt.ChunkCount(); got != 3 {
		t.Errorf("recognizer chunks = %d, want 3 (outbound track ignored)", got)
	}
}

func TestHandler_RejectsWhenClosed(t *testing.T) {
	t.Parallel()

	b := newBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.registry.Close(ctx); err != nil {
		t.Fatalf("registry Close: %v", err)
	}

	conn := b.dial(t, ctx)
	send(t, ctx, conn, startMsg("MZ1"))
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusTryAgainLater {
		t.Fatalf("close status = %v, want try again later", got)
	}
}

func TestHandler_ShutdownHangsUp(t *testing.T) {
	t.Parallel()

	b := newBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := b.dial(t, ctx)
	send(t, ctx, conn, startMsg("MZ1"))
	waitUntil(t, "registration", func() bool { return b.registry.Len() == 1 })

	if err := b.registry.Close(ctx); err != nil {
		t.Fatalf("registry Close: %v", err)
	}
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
				t.Fatalf("close status = %v, want normal closure", got)
			}
			return
		}
	}
}

func TestHandler_IgnoresMalformedMessages(t *testing.T) {
	t.Parallel()

	b := newBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := b.dial(t, ctx)

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"event":`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	send(t, ctx, conn, map[string]any{"event": "dtmf"})
	send(t, ctx, conn, startMsg("MZ1"))
	waitUntil(t, "registration", func() bool { return b.registry.Len() == 1 })
}

func TestHandler_FactoryFailure(t *testing.T) {
	t.Parallel()

	registry := call.NewRegistry()
	factory := func(call.Outbound) (*call.Session, error) {
		return nil, errors.New("no language model")
	}
	srv := httptest.NewServer(NewHandler(registry, factory))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+StreamPath, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	send(t, ctx, conn, startMsg("MZ1"))
	_, _, err = conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusInternalError {
		t.Fatalf("close status = %v, want internal error", got)
	}
	if registry.Len() != 0 {
		t.Errorf("registry Len = %d, want 0", registry.Len())
	}
}
