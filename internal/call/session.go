// Package call orchestrates one phone call end to end.
//
// A [Session] is bound to one telephony media stream. It owns the call's
// recognition session and playback queue and implements the turn-taking
// policy: meaningful partial speech interrupts playback and starts a
// speculative reply; a final transcript either reuses that reply or asks the
// conversation collaborator for an authoritative one. The [Registry] tracks
// live sessions by stream id for the lifetime of the server.
package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callbridge/internal/calllog"
	"github.com/MrWong99/callbridge/internal/conversation"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/playback"
	"github.com/MrWong99/callbridge/internal/recognition"
	"github.com/MrWong99/callbridge/internal/transcript"
	"github.com/MrWong99/callbridge/pkg/provider/stt"
	"github.com/MrWong99/callbridge/pkg/provider/tts"
)

// Barge-in threshold bounds and turn defaults.
const (
	MinBargeInChars        = 3
	MaxBargeInChars        = 5
	DefaultSpeculativeWait = 300 * time.Millisecond

	// turnBacklog bounds finals waiting for the conversation worker.
	turnBacklog = 4
)

var (
	// ErrNotAwaitingStart is returned by HandleStart on a session that was
	// already started or closed.
	ErrNotAwaitingStart = errors.New("call: session is not awaiting start")

	// ErrMissingStreamSID is returned by HandleStart without a stream id.
	ErrMissingStreamSID = errors.New("call: start without stream sid")
)

// State is the lifecycle state of a [Session].
type State int32

const (
	// StateAwaitingStart is the state before the telephony start event.
	StateAwaitingStart State = iota

	// StateActive means audio is being processed.
	StateActive

	// StateClosed is terminal.
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting_start"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StartInfo is the payload of the telephony start event.
type StartInfo struct {
	StreamSID string
	CallSID   string
}

// Outbound is the telephony write side of a call.
type Outbound interface {
	playback.Sink

	// SendClear asks the far end to discard audio it has buffered.
	SendClear() error
}

// Player is the playback queue as seen by the session. *playback.Queue
// implements it.
type Player interface {
	EnqueueText(text string) bool
	EnqueueClip(id string, delay time.Duration) bool
	BargeIn() bool
	Close()
}

// Replier is the conversation collaborator. *conversation.Agent implements
// it.
type Replier interface {
	Respond(ctx context.Context, userText string) conversation.Reply
	Speculate(ctx context.Context, partialText string) (conversation.Reply, error)
	Commit(userText string, r conversation.Reply)
	TakePendingClip() (string, bool)
}

// Config holds the per-call tunables.
type Config struct {
	// Greeting is spoken as soon as the call starts. Empty disables it.
	Greeting string

	// BargeInMinChars is the non-space length a partial needs to interrupt
	// playback. It is clamped to [MinBargeInChars, MaxBargeInChars].
	BargeInMinChars int

	// SpeculativeWait bounds how long a final waits for a matching
	// speculative reply that is still in flight.
	SpeculativeWait time.Duration

	Recognition recognition.Config
	Playback    playback.Config
}

func (c Config) withDefaults() Config {
	c.BargeInMinChars = ClampBargeIn(c.BargeInMinChars)
	if c.SpeculativeWait <= 0 {
		c.SpeculativeWait = DefaultSpeculativeWait
	}
	return c
}

// ClampBargeIn clamps n to the supported barge-in threshold range.
func ClampBargeIn(n int) int {
	return min(max(n, MinBargeInChars), MaxBargeInChars)
}

// Deps are the collaborators shared by every call.
type Deps struct {
	// Recognizer is the configured recognition backend. It may already fail
	// over on startup errors (see resilience.STTFallback).
	Recognizer stt.Provider

	// RecognizerName labels Recognizer when its sessions do not report a
	// backend themselves.
	RecognizerName string

	// DefaultRecognizer is used to rebuild recognition once after a
	// mid-stream failure. Nil disables the rebuild.
	DefaultRecognizer stt.Provider

	// DefaultName is the backend label of DefaultRecognizer. It is only a
	// label: both backends may share a provider name.
	DefaultName string

	Synthesizer tts.Provider
	Clips       playback.ClipSource

	// NewPlayer overrides the playback queue construction. Tests use it.
	NewPlayer func(out Outbound, onDone func(playback.Result)) Player

	Metrics *observe.Metrics
	CallLog *calllog.Recorder
}

// Option configures a [Session].
type Option func(*Session)

// WithLogger sets the base logger. stream_sid and call_id are added on start.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// WithNow replaces the clock used for turn latency.
func WithNow(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// speculation is one speculative reply computed from a partial transcript.
// reply and err are written once before done is closed.
type speculation struct {
	input  string
	done   chan struct{}
	cancel context.CancelFunc
	reply  conversation.Reply
	err    error
}

func (sp *speculation) resolved() bool {
	select {
	case <-sp.done:
		return true
	default:
		return false
	}
}

type turn struct {
	text     string
	inferred bool
	at       time.Time
	spec     *speculation
}

// Session is one call. HandleMedia is called from the socket reader and never
// blocks on synthesis or the language model.
type Session struct {
	out   Outbound
	agent Replier
	deps  Deps
	cfg   Config
	log   *slog.Logger
	now   func() time.Time

	// mu serialises HandleStart and Close.
	mu    sync.Mutex
	state atomic.Int32
	info  StartInfo

	ctx    context.Context
	cancel context.CancelFunc
	player Player
	tasks  errgroup.Group
	turns  chan turn

	recMu     sync.Mutex
	rec       atomic.Pointer[recognition.Session]
	recClosed bool

	// rebuilt and spec are owned by the listen goroutine.
	rebuilt bool
	spec    *speculation

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a session awaiting the telephony start event.
func New(out Outbound, agent Replier, deps Deps, cfg Config, opts ...Option) *Session {
	s := &Session{
		out:   out,
		agent: agent,
		deps:  deps,
		cfg:   cfg.withDefaults(),
		log:   slog.Default(),
		now:   time.Now,
		turns: make(chan turn, turnBacklog),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// StreamSID returns the bound stream id, or "" before start.
func (s *Session) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.StreamSID
}

// Backend returns the label of the current recognition backend.
func (s *Session) Backend() string {
	if rec := s.rec.Load(); rec != nil {
		return rec.Backend()
	}
	return ""
}

// Done is closed once the session is closed and all its tasks have exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// HandleStart binds the stream id and builds the recognition session and
// playback queue. A recognizer that cannot be started leaves the call up
// without transcription. ctx bounds the whole call.
func (s *Session) HandleStart(ctx context.Context, info StartInfo) error {
	if info.StreamSID == "" {
		return ErrMissingStreamSID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateAwaitingStart {
		return ErrNotAwaitingStart
	}

	s.info = info
	s.log = s.log.With("stream_sid", info.StreamSID, "call_id", info.CallSID)
	ctx = observe.WithCall(ctx, observe.CallInfo{StreamSID: info.StreamSID, CallSID: info.CallSID})
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.player = s.newPlayer()

	rec, err := s.startRecognition()
	if err != nil {
		s.log.Error("call: recognition unavailable, continuing without transcripts", "err", err)
	} else {
		s.rec.Store(rec)
		s.tasks.Go(func() error {
			s.listen()
			return nil
		})
	}
	s.tasks.Go(func() error {
		s.converse()
		return nil
	})

	s.state.Store(int32(StateActive))
	if m := s.deps.Metrics; m != nil {
		m.ActiveCalls.Add(s.ctx, 1)
		m.CallsTotal.Add(s.ctx, 1)
	}
	s.deps.CallLog.CallStarted(calllog.Call{
		StreamSID: info.StreamSID,
		CallSID:   info.CallSID,
		Backend:   s.Backend(),
		StartedAt: s.now(),
	})
	s.log.Info("call: started", "backend", s.Backend())

	if s.cfg.Greeting != "" {
		s.player.EnqueueText(s.cfg.Greeting)
	}
	return nil
}

// HandleMedia forwards one inbound μ-law frame to recognition. It reports
// whether the frame was accepted.
func (s *Session) HandleMedia(frame []byte) bool {
	if s.State() != StateActive {
		return false
	}
	rec := s.rec.Load()
	if rec == nil {
		return false
	}
	return rec.WriteAudio(frame)
}

// Close tears the call down: the playback queue is closed, then recognition
// is ended, then every call task is joined. It is idempotent and safe from
// any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		defer close(s.done)

		s.mu.Lock()
		prev := State(s.state.Swap(int32(StateClosed)))
		s.mu.Unlock()
		if prev != StateActive {
			return
		}

		s.player.Close()

		s.recMu.Lock()
		s.recClosed = true
		rec := s.rec.Load()
		s.recMu.Unlock()
		if rec != nil {
			rec.End()
			rec.Close()
		}

		// Recognition runs on s.ctx; cancelling earlier would drop its
		// finish message.
		s.cancel()
		_ = s.tasks.Wait()

		ctx := context.WithoutCancel(s.ctx)
		if m := s.deps.Metrics; m != nil {
			m.ActiveCalls.Add(ctx, -1)
		}
		s.deps.CallLog.CallEnded(s.info.StreamSID, s.now())
		s.log.Info("call: closed")
	})
}

func (s *Session) startRecognition() (*recognition.Session, error) {
	if s.deps.Recognizer == nil {
		return nil, errors.New("call: no recognizer configured")
	}
	return recognition.Start(s.ctx, s.deps.Recognizer, s.cfg.Recognition,
		recognition.WithLogger(s.log),
		recognition.WithBackendName(s.deps.RecognizerName),
	)
}

func (s *Session) newPlayer() Player {
	onDone := s.playbackDone
	if s.deps.NewPlayer != nil {
		return s.deps.NewPlayer(s.out, onDone)
	}
	return playback.New(s.deps.Synthesizer, s.deps.Clips, s.out, s.cfg.Playback,
		playback.WithLogger(s.log),
		playback.WithOnDone(onDone),
	)
}

func (s *Session) playbackDone(r playback.Result) {
	if m := s.deps.Metrics; m != nil {
		m.RecordPlayback(context.WithoutCancel(s.ctx), r.Frames, r.Silence, r.FirstByte)
	}
	switch {
	case r.Cancelled:
		s.log.Debug("call: playback interrupted", "kind", r.Kind, "frames", r.Frames)
	case r.Err != nil:
		// Already logged by the queue.
	default:
		s.log.Debug("call: playback finished", "kind", r.Kind, "frames", r.Frames, "silence", r.Silence)
	}
}

// listen consumes recognition events until the call ends or recognition is
// gone for good.
func (s *Session) listen() {
	for {
		rec := s.rec.Load()
		select {
		case ev, ok := <-rec.Events():
			if !ok {
				if s.ctx.Err() != nil || s.State() == StateClosed || !s.rebuild(rec) {
					s.dropSpeculation()
					return
				}
				continue
			}
			if ev.Final {
				s.onFinal(ev)
			} else {
				s.onPartial(ev.Text)
			}
		case <-s.ctx.Done():
			s.dropSpeculation()
			return
		}
	}
}

// rebuild replaces a failed recognition session with one on the default
// backend, at most once per call.
func (s *Session) rebuild(old *recognition.Session) bool {
	switch {
	case old.State() != recognition.StateError:
		s.log.Info("call: recognition ended")
		return false
	case s.rebuilt || s.deps.DefaultRecognizer == nil || old.Provider() == s.deps.DefaultRecognizer:
		s.log.Error("call: recognition failed, continuing without transcripts", "backend", old.Backend(), "err", old.Err())
		return false
	}
	s.rebuilt = true

	rec, err := recognition.Start(s.ctx, s.deps.DefaultRecognizer, s.cfg.Recognition,
		recognition.WithLogger(s.log),
		recognition.WithBackendName(s.deps.DefaultName),
	)
	if err != nil {
		s.log.Error("call: recognition rebuild failed", "backend", s.deps.DefaultName, "err", err)
		return false
	}

	s.recMu.Lock()
	if s.recClosed {
		s.recMu.Unlock()
		rec.Close()
		return false
	}
	s.rec.Store(rec)
	s.recMu.Unlock()
	old.Close()

	s.log.Warn("call: recognizer failed mid-stream, switching backend",
		"from", old.Backend(), "to", rec.Backend(), "err", old.Err())
	if m := s.deps.Metrics; m != nil {
		m.RecordSTTFallback(s.ctx, "midstream")
	}
	return true
}

func (s *Session) onPartial(text string) {
	if transcript.CountNonSpace(text) < s.cfg.BargeInMinChars {
		return
	}
	s.bargeIn()
	s.speculate(text)
}

func (s *Session) bargeIn() {
	if !s.player.BargeIn() {
		return
	}
	if m := s.deps.Metrics; m != nil {
		m.BargeIns.Add(s.ctx, 1)
	}
	if err := s.out.SendClear(); err != nil {
		s.log.Debug("call: send clear", "err", err)
	}
	s.log.Debug("call: barge-in")
}

// speculate starts a speculative reply unless one is in flight. A resolved
// reply computed from a partial that no longer matches is replaced.
func (s *Session) speculate(text string) {
	if sp := s.spec; sp != nil {
		if !sp.resolved() || transcript.CloseEnough(sp.input, text) {
			return
		}
		s.discard(sp)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	sp := &speculation{input: text, done: make(chan struct{}), cancel: cancel}
	s.spec = sp
	s.tasks.Go(func() error {
		defer close(sp.done)
		sp.reply, sp.err = s.agent.Speculate(ctx, text)
		return nil
	})
}

func (s *Session) onFinal(ev recognition.Event) {
	t := turn{text: ev.Text, inferred: ev.Inferred, at: ev.At, spec: s.spec}
	s.spec = nil
	select {
	case s.turns <- t:
	case <-s.ctx.Done():
		if t.spec != nil {
			t.spec.cancel()
		}
	}
}

func (s *Session) dropSpeculation() {
	if s.spec != nil {
		s.spec.cancel()
		s.spec = nil
	}
}

func (s *Session) discard(sp *speculation) {
	sp.cancel()
	if m := s.deps.Metrics; m != nil {
		m.SpeculativeDiscarded.Add(context.WithoutCancel(s.ctx), 1)
	}
}

// converse answers finals one at a time so replies are queued in order.
func (s *Session) converse() {
	for {
		select {
		case t := <-s.turns:
			s.answer(t)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) answer(t turn) {
	ctx, span := observe.StartSpan(s.ctx, "call.turn")
	defer span.End()
	start := s.now()

	reply, reused := s.reuse(ctx, t)
	if reused {
		s.agent.Commit(t.text, reply)
	} else {
		if clip, ok := s.agent.TakePendingClip(); ok {
			s.player.EnqueueClip(clip, 0)
		}
		reply = s.agent.Respond(ctx, t.text)
	}
	if s.ctx.Err() != nil {
		return
	}
	s.player.EnqueueText(reply.Text)

	latency := s.now().Sub(start)
	span.SetAttributes(
		attribute.Bool("speculative", reused),
		attribute.Bool("inferred", t.inferred),
		attribute.Bool("fallback", reply.Fallback),
	)
	s.log.Info("call: turn",
		"user", t.text,
		"reply", reply.Text,
		"speculative", reused,
		"inferred", t.inferred,
		"latency", latency,
	)
	s.deps.CallLog.TurnCompleted(calllog.Turn{
		StreamSID:   s.info.StreamSID,
		UserText:    t.text,
		ReplyText:   reply.Text,
		Speculative: reused,
		Fallback:    reply.Fallback,
		Latency:     latency,
		At:          start,
	})
}

// reuse returns the turn's speculative reply when it was computed from text
// close enough to the final, waiting up to SpeculativeWait for one still in
// flight.
func (s *Session) reuse(ctx context.Context, t turn) (conversation.Reply, bool) {
	sp := t.spec
	if sp == nil {
		return conversation.Reply{}, false
	}
	if !transcript.CloseEnough(sp.input, t.text) {
		s.discard(sp)
		return conversation.Reply{}, false
	}

	if !sp.resolved() {
		timer := time.NewTimer(s.cfg.SpeculativeWait)
		defer timer.Stop()
		select {
		case <-sp.done:
		case <-timer.C:
			s.log.Debug("call: speculative reply too slow", "wait", s.cfg.SpeculativeWait)
			s.discard(sp)
			return conversation.Reply{}, false
		case <-ctx.Done():
			sp.cancel()
			return conversation.Reply{}, false
		}
	}
	if sp.err != nil || sp.reply.Text == "" {
		if sp.err != nil && !errors.Is(sp.err, context.Canceled) {
			s.log.Debug("call: speculative reply failed", "err", sp.err)
		}
		s.discard(sp)
		return conversation.Reply{}, false
	}
	sp.cancel()
	if m := s.deps.Metrics; m != nil {
		m.SpeculativeReused.Add(ctx, 1)
	}
	return sp.reply, true
}
