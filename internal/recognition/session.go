// Package recognition owns one streaming speech-recognition connection per
// call.
//
// A [Session] feeds telephony frames to an [stt.Provider] (decoding μ-law to
// linear PCM when the backend needs it), turns the provider's partial and
// final transcripts into a single ordered [Event] stream, infers
// end-of-utterance when the backend is slow to finalize, and drops echoed
// finals. Sessions are single-use: once the upstream ends or fails the owner
// builds a new one.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callbridge/internal/transcript"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/audio/ulaw"
	"github.com/MrWong99/callbridge/pkg/provider/stt"
)

// ErrSessionClosed is reported by [Session.Err] when the session was closed
// locally before the upstream finished.
var ErrSessionClosed = errors.New("recognition: session closed")

// Defaults for [Config].
const (
	DefaultEOUQuiet        = 750 * time.Millisecond
	DefaultEOUGuard        = 500 * time.Millisecond
	DefaultMinPartialChars = 3
)

// State is the lifecycle state of a [Session].
type State int32

const (
	// StateOpen: the upstream stream is open and no audio has been accepted yet.
	StateOpen State = iota

	// StateStreaming: audio is flowing.
	StateStreaming

	// StateEnded: the upstream closed cleanly.
	StateEnded

	// StateError: the upstream failed. See [Session.Err].
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateEnded:
		return "ended"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session can no longer produce events.
func (s State) Terminal() bool { return s == StateEnded || s == StateError }

// Config tunes end-of-utterance inference and duplicate suppression.
type Config struct {
	// Language is passed to the backend at stream open.
	Language string

	// EOUQuiet is how long the partial transcript must stay unchanged before
	// it is promoted to a final. Zero uses [DefaultEOUQuiet]; negative
	// disables inference.
	EOUQuiet time.Duration

	// EOUGuard suppresses an inferred final that would fire within this long
	// after a genuine upstream final. Zero uses [DefaultEOUGuard].
	EOUGuard time.Duration

	// MinPartialChars is the minimum number of non-space characters a
	// partial needs to be promoted. Zero uses [DefaultMinPartialChars].
	MinPartialChars int

	// DedupWindow is the duplicate-final window. Zero uses
	// [transcript.DefaultDedupWindow].
	DedupWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.EOUQuiet == 0 {
		c.EOUQuiet = DefaultEOUQuiet
	}
	if c.EOUGuard == 0 {
		c.EOUGuard = DefaultEOUGuard
	}
	if c.MinPartialChars <= 0 {
		c.MinPartialChars = DefaultMinPartialChars
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = transcript.DefaultDedupWindow
	}
	return c
}

// Event is one transcript delivered to the owner.
type Event struct {
	// Text is the transcript text as returned by the backend.
	Text string

	// Final is true for an authoritative end of utterance.
	Final bool

	// Inferred is true for a final synthesized from the last partial, either
	// after the quiet window or when the stream ended.
	Inferred bool

	// At is when the event was produced.
	At time.Time
}

// Option configures a [Session].
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// WithBackendName labels the backend in logs. A handle that reports its own
// backend (e.g. through a fallback) overrides it.
func WithBackendName(name string) Option {
	return func(s *Session) {
		s.backend = name
	}
}

// WithNow replaces the clock used for the guard window and deduplication.
func WithNow(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// Session is one call's recognition stream. WriteAudio is called from the
// socket reader; everything else may be called from any goroutine.
type Session struct {
	handle   stt.SessionHandle
	provider stt.Provider
	enc      audio.Encoding
	backend  string
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
	dedup    *transcript.Deduper

	state    atomic.Int32
	writable atomic.Bool

	events chan Event
	quit   chan struct{}
	done   chan struct{}

	errMu sync.Mutex
	err   error

	endOnce   sync.Once
	closeOnce sync.Once
}

// Start opens a recognition stream on p. Configuration problems surface here
// as errors wrapping [stt.ErrBackendConfig]; nothing is retried.
func Start(ctx context.Context, p stt.Provider, cfg Config, opts ...Option) (*Session, error) {
	cfg = cfg.withDefaults()
	s := &Session{
		provider: p,
		enc:      p.Encoding(),
		cfg:      cfg,
		log:      slog.Default(),
		now:      time.Now,
		events:   make(chan Event, 32),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	handle, err := p.StartStream(ctx, stt.StreamConfig{
		SampleRate: audio.SampleRate,
		Encoding:   s.enc,
		Language:   cfg.Language,
	})
	if err != nil {
		return nil, fmt.Errorf("recognition: start stream: %w", err)
	}
	if r, ok := handle.(interface{ Encoding() audio.Encoding }); ok {
		s.enc = r.Encoding()
	}
	if r, ok := handle.(interface{ Backend() string }); ok {
		s.backend = r.Backend()
	}
	if r, ok := handle.(interface{ Provider() stt.Provider }); ok {
		s.provider = r.Provider()
	}

	s.handle = handle
	s.dedup = transcript.NewDeduper(transcript.WithWindow(cfg.DedupWindow), transcript.WithNow(s.now))
	s.log = s.log.With("component", "recognition", "backend", s.backend)
	s.state.Store(int32(StateOpen))
	s.writable.Store(true)

	go s.run()
	return s, nil
}

// Events returns the ordered transcript stream. It is closed once the
// session reaches a terminal state.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed once the session reached a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Backend returns the backend label.
func (s *Session) Backend() string { return s.backend }

// Provider returns the provider the stream was opened on. Behind a fallback
// chain it is the backend that actually served it, not the chain.
func (s *Session) Provider() stt.Provider { return s.provider }

// Encoding returns the encoding sent upstream.
func (s *Session) Encoding() audio.Encoding { return s.enc }

// Err returns why the session ended. It is nil while running and after a
// clean end.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// WriteAudio forwards one μ-law frame upstream, decoding it first for PCM
// backends. It returns false without error when the session no longer
// accepts audio, so trailing frames after teardown are dropped silently.
func (s *Session) WriteAudio(frame []byte) bool {
	if len(frame) == 0 || !s.writable.Load() {
		return false
	}
	chunk := frame
	if s.enc == audio.Linear16 {
		chunk = ulaw.DecodeFrame(nil, frame)
	}
	if err := s.handle.SendAudio(chunk); err != nil {
		s.writable.Store(false)
		if !errors.Is(err, stt.ErrSessionClosed) {
			s.log.Warn("recognition: send audio failed", "err", err)
		}
		return false
	}
	s.state.CompareAndSwap(int32(StateOpen), int32(StateStreaming))
	return true
}

// End half-closes the upstream: no more audio is sent, but transcripts keep
// arriving until the backend closes the stream.
func (s *Session) End() {
	s.endOnce.Do(func() {
		s.writable.Store(false)
		if err := s.handle.CloseSend(); err != nil {
			s.log.Debug("recognition: close send", "err", err)
		}
	})
}

// Close tears the session down immediately. Pending events are discarded.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.writable.Store(false)
		close(s.quit)
		if err := s.handle.Close(); err != nil {
			s.log.Debug("recognition: close", "err", err)
		}
	})
}

// run merges the upstream channels into Events and drives EOU inference.
func (s *Session) run() {
	defer close(s.done)
	defer close(s.events)

	var (
		pending         string
		lastUpstreamFin time.Time
	)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	partials, finals := s.handle.Partials(), s.handle.Finals()
	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			s.state.CompareAndSwap(int32(StateOpen), int32(StateStreaming))
			pending = t.Text
			s.log.Debug("recognition: partial", "text", t.Text)
			if !s.emit(Event{Text: t.Text, At: s.now()}) {
				return
			}
			timer.Stop()
			if s.cfg.EOUQuiet > 0 && s.promotable(pending) {
				timer.Reset(s.cfg.EOUQuiet)
			}

		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			timer.Stop()
			pending = ""
			lastUpstreamFin = s.now()
			if !s.emitFinal(t.Text, false) {
				return
			}

		case <-timer.C:
			text := pending
			pending = ""
			if !lastUpstreamFin.IsZero() && s.now().Sub(lastUpstreamFin) < s.cfg.EOUGuard {
				s.log.Debug("recognition: inferred final suppressed by recent upstream final", "text", text)
				continue
			}
			if !s.emitFinal(text, true) {
				return
			}

		case <-s.quit:
			s.finish(ErrSessionClosed)
			return
		}
	}

	select {
	case <-s.quit:
		s.finish(ErrSessionClosed)
		return
	default:
	}

	// The upstream is gone. Whatever was still pending is the best guess of
	// the caller's last words.
	if s.promotable(pending) {
		if !s.emitFinal(pending, true) {
			return
		}
	}
	s.finish(s.handle.Err())
}

// promotable applies the minimum-length gate.
func (s *Session) promotable(text string) bool {
	return text != "" && transcript.CountNonSpace(text) >= s.cfg.MinPartialChars
}

// emitFinal passes text through the deduper and emits it. It returns false
// once the session was closed.
func (s *Session) emitFinal(text string, inferred bool) bool {
	if !s.dedup.Accept(text) {
		s.log.Debug("recognition: duplicate final dropped", "text", text, "inferred", inferred)
		return true
	}
	s.log.Info("recognition: final", "text", text, "inferred", inferred)
	return s.emit(Event{Text: text, Final: true, Inferred: inferred, At: s.now()})
}

func (s *Session) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.quit:
		s.finish(ErrSessionClosed)
		return false
	}
}

func (s *Session) finish(err error) {
	s.writable.Store(false)
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
	if err != nil {
		s.state.Store(int32(StateError))
		if !errors.Is(err, ErrSessionClosed) {
			s.log.Warn("recognition: upstream failed", "err", err)
		}
		return
	}
	s.state.Store(int32(StateEnded))
	s.log.Debug("recognition: upstream ended")
}
