// Package playback serializes one call's outbound speech.
//
// A [Queue] holds "speak text" and "play clip" jobs and drains them one at a
// time on a single goroutine. Text jobs stream synthesized μ-law from a
// [tts.Provider] through a [audio.Framer] into a [audio.JitterBuffer]; clip
// jobs replay pre-framed audio. Either way frames leave through the same
// [audio.Pacer], so the far end receives exactly one frame per interval with
// silence filling any underrun.
//
// [Queue.BargeIn] drops every pending job and cancels the active one within
// one pacing interval. Cancellation is not an error: a cancelled job emits no
// further frames and no turn-boundary mark.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/callbridge/internal/waiting"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/provider/tts"
	"github.com/MrWong99/callbridge/pkg/types"
)

const (
	// MarkTurnEnd is sent after a text job finished playing.
	MarkTurnEnd = "tts_end"

	// ClipMarkPrefix prefixes the mark sent after a clip job.
	ClipMarkPrefix = "clip:"

	// DefaultStartFrames is how many frames are buffered before pacing starts.
	DefaultStartFrames = 10

	// DefaultPrebufferWait bounds the wait for DefaultStartFrames.
	DefaultPrebufferWait = time.Second
)

// Sink receives a call's outbound audio. Implementations stamp frames with
// the call's sequence number. SendMedia and SendMark are only ever called from
// the queue's drain goroutine.
type Sink interface {
	// StreamSID returns the telephony stream id, or "" while unknown.
	StreamSID() string

	// SendMedia delivers one μ-law frame.
	SendMedia(frame []byte) error

	// SendMark delivers a named marker after the last frame of a job.
	SendMark(name string) error
}

// ClipSource resolves waiting clips by id. *waiting.Store implements it.
type ClipSource interface {
	Get(id string) (waiting.Clip, error)
}

// Config tunes synthesis and pacing.
type Config struct {
	// Voice, Model and Language are passed through to the synthesizer.
	Voice    types.VoiceProfile
	Model    string
	Language string

	// FrameInterval is the pacing interval. Zero uses [audio.FrameDuration].
	FrameInterval time.Duration

	// StartFrames is the jitter-buffer start threshold. Zero uses
	// [DefaultStartFrames].
	StartFrames int

	// PrebufferWait is the longest a text job waits for StartFrames before
	// pacing starts anyway. Zero uses [DefaultPrebufferWait].
	PrebufferWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.FrameInterval <= 0 {
		c.FrameInterval = audio.FrameDuration
	}
	if c.StartFrames <= 0 {
		c.StartFrames = DefaultStartFrames
	}
	if c.PrebufferWait <= 0 {
		c.PrebufferWait = DefaultPrebufferWait
	}
	return c
}

// Kind distinguishes the two job variants.
type Kind int

const (
	// KindSpeak synthesizes text.
	KindSpeak Kind = iota

	// KindClip plays a pre-rendered waiting clip.
	KindClip
)

func (k Kind) String() string {
	if k == KindClip {
		return "clip"
	}
	return "speak"
}

// Result describes how one job ended. It is passed to the [WithOnDone] hook.
type Result struct {
	Kind   Kind
	Text   string
	ClipID string

	// Frames and Silence count emitted frames; Silence frames are included in
	// Frames.
	Frames  int
	Silence int

	// FirstByte is the synthesis latency to the first audio chunk. Zero for
	// clips and for jobs that never received audio.
	FirstByte time.Duration

	// Cancelled is true when barge-in or Close stopped the job.
	Cancelled bool

	// Err is the failure that aborted the job. Nil on success and on
	// cancellation.
	Err error
}

// Option configures a [Queue].
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		q.log = l
	}
}

// WithPacerOptions forwards options to the frame pacer. Tests use it to
// install a fake clock.
func WithPacerOptions(opts ...audio.PacerOption) Option {
	return func(q *Queue) {
		q.pacerOpts = append(q.pacerOpts, opts...)
	}
}

// WithOnDone registers a hook called on the drain goroutine after every job.
// It must not block.
func WithOnDone(fn func(Result)) Option {
	return func(q *Queue) {
		q.onDone = fn
	}
}

type job struct {
	kind   Kind
	text   string
	clipID string
	delay  time.Duration
}

// Queue is a per-call FIFO of playback jobs. All exported methods are safe
// for concurrent use.
type Queue struct {
	synth  tts.Provider
	clips  ClipSource
	sink   Sink
	cfg    Config
	log    *slog.Logger
	pacer  *audio.Pacer
	onDone func(Result)

	pacerOpts []audio.PacerOption

	mu           sync.Mutex
	jobs         []job
	active       bool
	cancelActive context.CancelFunc
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc

	notify chan struct{} // signalled when a job is enqueued
	exited chan struct{} // closed when the drain goroutine returns

	closeOnce sync.Once
}

// New creates a queue and starts its drain goroutine. clips may be nil, in
// which case every clip job degrades to silence.
func New(synth tts.Provider, clips ClipSource, sink Sink, cfg Config, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		synth:  synth,
		clips:  clips,
		sink:   sink,
		cfg:    cfg.withDefaults(),
		log:    slog.Default(),
		ctx:    ctx,
		cancel: cancel,
		notify: make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.log = q.log.With("component", "playback")
	q.pacer = audio.NewPacer(q.cfg.FrameInterval, q.pacerOpts...)
	go q.drain()
	return q
}

// EnqueueText appends a speak job. It returns false when text is blank or
// the queue is closed.
func (q *Queue) EnqueueText(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	return q.enqueue(job{kind: KindSpeak, text: text})
}

// EnqueueClip appends a clip job. A positive delay is waited out, abortably,
// before playback starts. It returns false when id is empty or the queue is
// closed.
func (q *Queue) EnqueueClip(id string, delay time.Duration) bool {
	if id == "" {
		return false
	}
	return q.enqueue(job{kind: KindClip, clipID: id, delay: delay})
}

func (q *Queue) enqueue(j job) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// BargeIn clears every pending job and cancels the active one. It reports
// whether anything was playing or pending.
func (q *Queue) BargeIn() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.interruptLocked()
}

// Close interrupts playback, rejects further jobs and waits for the drain
// goroutine to stop. Close is idempotent.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.interruptLocked()
		q.mu.Unlock()
		q.cancel()
	})
	<-q.exited
}

// Idle reports whether nothing is playing or pending.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.active && len(q.jobs) == 0
}

// Pending returns the number of queued jobs, excluding the active one.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// interruptLocked must be called with q.mu held.
func (q *Queue) interruptLocked() bool {
	hadWork := q.active || len(q.jobs) > 0
	q.jobs = nil
	if q.cancelActive != nil {
		q.cancelActive()
		q.cancelActive = nil
	}
	return hadWork
}

// drain is the single goroutine that runs jobs in order until Close.
func (q *Queue) drain() {
	defer close(q.exited)
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.notify:
		}

		for {
			j, ctx, ok := q.dequeue()
			if !ok {
				break
			}
			res := q.run(ctx, j)
			q.finish()
			if q.onDone != nil {
				q.onDone(res)
			}
		}
	}
}

// dequeue pops the next job and gives it a fresh cancellation scope.
func (q *Queue) dequeue() (job, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.jobs) == 0 {
		return job{}, nil, false
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	ctx, cancel := context.WithCancel(q.ctx)
	q.active = true
	q.cancelActive = cancel
	return j, ctx, true
}

func (q *Queue) finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancelActive != nil {
		q.cancelActive()
		q.cancelActive = nil
	}
	q.active = false
}

func (q *Queue) run(ctx context.Context, j job) Result {
	res := Result{Kind: j.kind, Text: j.text, ClipID: j.clipID}
	if q.sink.StreamSID() == "" {
		q.log.Debug("playback: dropping job without stream id", "kind", j.kind)
		return res
	}

	switch j.kind {
	case KindSpeak:
		q.speak(ctx, j.text, &res)
	case KindClip:
		q.playClip(ctx, j.clipID, j.delay, &res)
	}

	switch {
	case res.Cancelled:
		q.log.Debug("playback: job cancelled", "kind", j.kind, "frames", res.Frames)
	case res.Err != nil:
		q.log.Warn("playback: job failed", "kind", j.kind, "frames", res.Frames, "err", res.Err)
	}
	return res
}

// speak streams synthesized audio for text through the jitter buffer and the
// pacer.
func (q *Queue) speak(ctx context.Context, text string, res *Result) {
	// stop also aborts the synthesis request, so the producer below always
	// has a way out.
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	started := time.Now()
	stream, err := q.synth.SynthesizeStream(ctx, tts.Request{
		Text:         text,
		Voice:        q.cfg.Voice,
		Model:        q.cfg.Model,
		Language:     q.cfg.Language,
		OutputFormat: tts.FormatULaw8000,
	})
	if err != nil {
		if ctx.Err() != nil {
			res.Cancelled = true
			return
		}
		res.Err = fmt.Errorf("playback: synthesize: %w", err)
		return
	}

	buf := audio.NewJitterBuffer(q.cfg.StartFrames)
	firstByte := make(chan time.Duration, 1)
	produced := make(chan struct{})
	go func() {
		defer close(produced)
		defer buf.End()
		var framer audio.Framer
		first := true
		for {
			select {
			case chunk, ok := <-stream.Audio:
				if !ok {
					if last := framer.Flush(); last != nil {
						buf.Push(last)
					}
					return
				}
				if first && len(chunk) > 0 {
					first = false
					firstByte <- time.Since(started)
				}
				buf.Push(framer.Write(chunk)...)
			case <-ctx.Done():
				return
			}
		}
	}()
	defer func() {
		stop()
		<-produced
	}()

	prebuffer := time.NewTimer(q.cfg.PrebufferWait)
	select {
	case <-buf.Ready():
		prebuffer.Stop()
	case <-prebuffer.C:
		q.log.Debug("playback: prebuffer wait elapsed", "buffered", buf.Len())
	case <-ctx.Done():
		prebuffer.Stop()
		res.Cancelled = true
		return
	}

	if !q.pace(ctx, buf, res) {
		return
	}
	select {
	case d := <-firstByte:
		res.FirstByte = d
	default:
	}
	if err := stream.Err(); err != nil {
		res.Err = fmt.Errorf("playback: synthesis stream: %w", err)
		return
	}
	q.mark(MarkTurnEnd, res)
}

// playClip plays a waiting clip after an optional delay. A missing clip is a
// no-op.
func (q *Queue) playClip(ctx context.Context, id string, delay time.Duration, res *Result) {
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			res.Cancelled = true
			return
		}
	}

	if q.clips == nil {
		q.log.Debug("playback: no clip store", "clip", id)
		return
	}
	clip, err := q.clips.Get(id)
	if err != nil {
		q.log.Debug("playback: clip unavailable", "clip", id, "err", err)
		return
	}

	buf := audio.NewJitterBuffer(1)
	buf.Push(clip.Frames...)
	buf.End()
	if !q.pace(ctx, buf, res) {
		return
	}
	q.mark(ClipMarkPrefix+id, res)
}

// pace runs the pacer over src and records the outcome. It returns true when
// the source was fully played.
func (q *Queue) pace(ctx context.Context, src audio.Source, res *Result) bool {
	stats, err := q.pacer.Run(ctx, src, q.sink.SendMedia)
	res.Frames += stats.Frames
	res.Silence += stats.Silence
	switch {
	case err == nil:
		return true
	case errors.Is(err, context.Canceled):
		res.Cancelled = true
	default:
		res.Err = fmt.Errorf("playback: send media: %w", err)
	}
	return false
}

func (q *Queue) mark(name string, res *Result) {
	if err := q.sink.SendMark(name); err != nil {
		res.Err = fmt.Errorf("playback: send mark: %w", err)
	}
}
