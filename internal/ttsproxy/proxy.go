// Package ttsproxy serves synthesized speech over plain HTTP.
//
// GET /stream/tts?text=...&voice=...&speed=... streams μ-law 8 kHz audio from the TTS
// provider to the client as it arrives. A client disconnect cancels the
// upstream synthesis.
package ttsproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/provider/tts"
	"github.com/MrWong99/callbridge/pkg/types"
)

// Path is the route the proxy is mounted on.
const Path = "/stream/tts"

// MaxTextLen is the longest text, in characters, the proxy synthesizes.
const MaxTextLen = 500

// ContentType is the MIME type of G.711 μ-law audio.
const ContentType = "audio/basic"

var (
	// ErrEmptyText is returned by [ValidateText] for blank text.
	ErrEmptyText = errors.New("ttsproxy: text is required")

	// ErrTextTooLong is returned by [ValidateText] for text over MaxTextLen.
	ErrTextTooLong = fmt.Errorf("ttsproxy: text exceeds %d characters", MaxTextLen)

	// ErrBadSpeed is returned by [ParseSpeed].
	ErrBadSpeed = fmt.Errorf("ttsproxy: speed must be a number in [%.1f, %.1f]", tts.MinSpeed, tts.MaxSpeed)
)

// ValidateText checks that text is speakable by the proxy.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if utf8.RuneCountInString(text) > MaxTextLen {
		return ErrTextTooLong
	}
	return nil
}

// ParseSpeed reads the speed query parameter. Empty means normal speed and
// yields 0.
func ParseSpeed(raw string) (float64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < tts.MinSpeed || v > tts.MaxSpeed {
		return 0, ErrBadSpeed
	}
	return v, nil
}

// URL returns the absolute proxy URL that speaks text. An empty voice uses
// the server default; a speed of 0 or 1 is left out.
func URL(base, text, voice string, speed float64) string {
	q := url.Values{"text": {text}}
	if voice != "" {
		q.Set("voice", voice)
	}
	if speed != 0 && speed != 1 {
		q.Set("speed", strconv.FormatFloat(speed, 'f', -1, 64))
	}
	return strings.TrimRight(base, "/") + Path + "?" + q.Encode()
}

// Config holds the synthesis defaults applied to every request.
type Config struct {
	Voice    string
	Model    string
	Language string
}

// Option configures a [Handler].
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		h.log = l
	}
}

// WithMetrics records provider requests and time to first byte.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithProviderName labels provider metrics. Defaults to "tts".
func WithProviderName(name string) Option {
	return func(h *Handler) {
		h.provider = name
	}
}

// Handler is the HTTP TTS proxy.
type Handler struct {
	synth    tts.Provider
	cfg      Config
	log      *slog.Logger
	metrics  *observe.Metrics
	provider string
}

// New returns a proxy handler backed by synth.
func New(synth tts.Provider, cfg Config, opts ...Option) *Handler {
	h := &Handler{
		synth:    synth,
		cfg:      cfg,
		log:      slog.Default(),
		provider: "tts",
	}
	for _, o := range opts {
		o(h)
	}
	h.log = h.log.With("component", "ttsproxy")
	return h
}

// Register adds the proxy route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET "+Path, h)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	text := q.Get("text")
	if err := ValidateText(text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	speed, err := ParseSpeed(q.Get("speed"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	voice := q.Get("voice")
	if voice == "" {
		voice = q.Get("voice_id")
	}
	if voice == "" {
		voice = h.cfg.Voice
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "tts.synthesize")
	defer span.End()
	log := observe.Logger(ctx).With("component", "ttsproxy", "chars", utf8.RuneCountInString(text))

	start := time.Now()
	stream, err := h.synth.SynthesizeStream(ctx, tts.Request{
		Text:         text,
		Voice:        types.VoiceProfile{ID: voice},
		Model:        h.cfg.Model,
		Language:     h.cfg.Language,
		OutputFormat: tts.FormatULaw8000,
		Speed:        speed,
	})
	if err != nil {
		h.record(ctx, err)
		log.Warn("ttsproxy: synthesis failed", "err", err)
		writeError(w, http.StatusBadGateway, "tts upstream error")
		return
	}

	rc := http.NewResponseController(w)
	wrote := false
	for chunk := range stream.Audio {
		if len(chunk) == 0 {
			continue
		}
		if !wrote {
			w.Header().Set("Content-Type", ContentType)
			w.Header().Set("Cache-Control", "no-store")
			w.WriteHeader(http.StatusOK)
			wrote = true
			if h.metrics != nil {
				h.metrics.TTSFirstByte.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())
			}
		}
		if _, err := w.Write(chunk); err != nil {
			log.Debug("ttsproxy: client write failed", "err", err)
			cancel()
			drain(stream)
			h.record(ctx, context.Canceled)
			return
		}
		_ = rc.Flush()
	}

	err = stream.Err()
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	h.record(ctx, err)
	switch {
	case err == nil:
		if !wrote {
			writeError(w, http.StatusBadGateway, "tts upstream returned no audio")
		}
	case errors.Is(err, context.Canceled):
		log.Debug("ttsproxy: request cancelled")
	case !wrote:
		log.Warn("ttsproxy: synthesis failed", "err", err)
		writeError(w, http.StatusBadGateway, "tts upstream error")
	default:
		// Headers are out; the truncated body is all the client gets.
		log.Warn("ttsproxy: stream ended early", "err", err)
	}
}

func (h *Handler) record(ctx context.Context, err error) {
	if h.metrics == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		status = "cancelled"
	default:
		status = "error"
		h.metrics.RecordProviderError(ctx, h.provider, "tts")
	}
	h.metrics.RecordProviderRequest(ctx, h.provider, "tts", status)
}

// drain discards the rest of a cancelled stream so its producer can exit.
func drain(s *tts.Stream) {
	for range s.Audio {
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
