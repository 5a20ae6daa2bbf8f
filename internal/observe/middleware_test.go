package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testMux mirrors the bridge's routes closely enough to exercise pattern
// naming, streaming and the WebSocket upgrade.
func testMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /voice", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("GET /stream/tts", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "audio/basic")
		_, _ = w.Write([]byte{0xFF, 0xFF})
		if err := http.NewResponseController(w).Flush(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("GET /ws/twilio", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusNormalClosure, "")
	})
	return mux
}

func setupMiddleware(t *testing.T) (http.Handler, *Metrics, func() metricdata.ResourceMetrics, *tracetest.InMemoryExporter) {
	t.Helper()
	m, reader := newTestMetrics(t)
	exp := useTracer(t)
	return Middleware(m)(testMux()), m, func() metricdata.ResourceMetrics { return collect(t, reader) }, exp
}

func spanAttrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestMiddleware_NamesSpansByRoute(t *testing.T) {
	h, _, _, exp := setupMiddleware(t)

	tests := []struct {
		method     string
		target     string
		wantSpan   string
		wantStatus int64
	}{
		{http.MethodGet, "/healthz", "HTTP GET /healthz", 200},
		{http.MethodPost, "/voice", "HTTP POST /voice", 403},
		{http.MethodGet, "/stream/tts?text=hello", "HTTP GET /stream/tts", 200},
		{http.MethodGet, "/nope", "HTTP GET /nope", 404},
	}
	for _, tt := range tests {
		exp.Reset()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, nil))

		spans := exp.GetSpans().Snapshots()
		if len(spans) != 1 {
			t.Fatalf("%s %s: spans = %d, want 1", tt.method, tt.target, len(spans))
		}
		if spans[0].Name() != tt.wantSpan {
			t.Errorf("span name = %q, want %q", spans[0].Name(), tt.wantSpan)
		}
		if got := spanAttrs(spans[0])["http.response.status_code"].AsInt64(); got != tt.wantStatus {
			t.Errorf("%s: status attribute = %d, want %d", tt.target, got, tt.wantStatus)
		}
	}
}

func TestMiddleware_CorrelationID(t *testing.T) {
	h, _, _, _ := setupMiddleware(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if cid := rec.Header().Get("X-Correlation-ID"); len(cid) != 32 {
		t.Errorf("fresh X-Correlation-ID = %q, want a 32-char trace id", cid)
	}

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodPost, "/voice", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("propagated X-Correlation-ID = %q, want %q", got, traceID)
	}
	if got := rec.Header().Get("traceparent"); !strings.Contains(got, traceID) {
		t.Errorf("response traceparent = %q, want trace %s", got, traceID)
	}
}

func TestMiddleware_RecordsDurationByRoute(t *testing.T) {
	h, _, collectNow, _ := setupMiddleware(t)

	for range 2 {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/stream/tts?text=a", nil))
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/stream/tts?text=b", nil))

	met := findMetric(collectNow(), "callbridge.http.request.duration")
	if met == nil {
		t.Fatal("duration metric not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data = %T, want histogram", met.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1 (queries must not split the series)", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 3 {
		t.Errorf("count = %d, want 3", dp.Count)
	}
	if v, _ := dp.Attributes.Value("route"); v.AsString() != "/stream/tts" {
		t.Errorf("route attribute = %q", v.AsString())
	}
	if v, _ := dp.Attributes.Value("status"); v.AsInt64() != 200 {
		t.Errorf("status attribute = %d", v.AsInt64())
	}
}

func TestMiddleware_StreamingHandlersCanFlush(t *testing.T) {
	h, _, _, _ := setupMiddleware(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/tts?text=hi", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !rec.Flushed {
		t.Error("response was not flushed through the middleware")
	}
}

func TestMiddleware_WebSocketUpgrade(t *testing.T) {
	h, _, _, exp := setupMiddleware(t)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/twilio", nil)
	if err != nil {
		t.Fatalf("Dial through middleware: %v", err)
	}
	_, _, err = conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal closure", got)
	}
	conn.CloseNow()

	// The handler returns after the close handshake, possibly after Read.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range exp.GetSpans().Snapshots() {
			if s.Name() == "HTTP GET /ws/twilio" {
				if got := spanAttrs(s)["http.response.status_code"].AsInt64(); got != http.StatusSwitchingProtocols {
					t.Errorf("upgrade status attribute = %d, want 101", got)
				}
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("no span for the upgraded request")
}
