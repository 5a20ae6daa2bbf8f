package playback_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callbridge/internal/playback"
	"github.com/MrWong99/callbridge/internal/waiting"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/provider/tts"
	"github.com/MrWong99/callbridge/pkg/provider/tts/mock"
	"github.com/MrWong99/callbridge/pkg/types"
)

const waitTimeout = 3 * time.Second

// fakeSink records outbound frames and marks in emission order.
type fakeSink struct {
	sid string

	mu     sync.Mutex
	frames [][]byte
	events []string // "media" or "mark:<name>"
}

func (s *fakeSink) StreamSID() string { return s.sid }

func (s *fakeSink) SendMedia(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	s.events = append(s.events, "media")
	return nil
}

func (s *fakeSink) SendMark(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "mark:"+name)
	return nil
}

func (s *fakeSink) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeSink) marks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		if e != "media" {
			out = append(out, e)
		}
	}
	return out
}

func (s *fakeSink) lastEvent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return ""
	}
	return s.events[len(s.events)-1]
}

// fakeClips is an in-memory ClipSource.
type fakeClips map[string][][]byte

func (c fakeClips) Get(id string) (waiting.Clip, error) {
	frames, ok := c[id]
	if !ok {
		return waiting.Clip{}, waiting.ErrClipNotFound
	}
	return waiting.Clip{ID: id, Frames: frames}, nil
}

// stubbornSynth never closes its audio channel, even on cancellation.
type stubbornSynth struct {
	audio chan []byte
}

func (s *stubbornSynth) SynthesizeStream(context.Context, tts.Request) (*tts.Stream, error) {
	return tts.NewStream(s.audio), nil
}

func (s *stubbornSynth) ListVoices(context.Context) ([]types.VoiceProfile, error) { return nil, nil }

func newQueue(t *testing.T, synth tts.Provider, clips playback.ClipSource, sink *fakeSink, cfg playback.Config) (*playback.Queue, <-chan playback.Result) {
	t.Helper()
	if cfg.FrameInterval == 0 {
		cfg.FrameInterval = 2 * time.Millisecond
	}
	results := make(chan playback.Result, 16)
	q := playback.New(synth, clips, sink, cfg, playback.WithOnDone(func(r playback.Result) {
		results <- r
	}))
	t.Cleanup(q.Close)
	return q, results
}

func nextResult(t *testing.T, results <-chan playback.Result) playback.Result {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a job to finish")
		return playback.Result{}
	}
}

func TestQueue_SpeakTextPlaysAllFramesThenMarks(t *testing.T) {
	t.Parallel()

	synth := &mock.Provider{Chunks: [][]byte{
		bytes.Repeat([]byte{1}, 400),
		bytes.Repeat([]byte{2}, 500),
	}}
	sink := &fakeSink{sid: "MZ1"}
	q, results := newQueue(t, synth, nil, sink, playback.Config{Language: "he"})

	if !q.EnqueueText("  shalom  ") {
		t.Fatal("EnqueueText rejected a valid text")
	}
	r := nextResult(t, results)
	if r.Err != nil || r.Cancelled {
		t.Fatalf("result = %+v", r)
	}

	// 900 bytes = 5 full frames + one padded frame.
	if sink.frameCount() != 6 {
		t.Errorf("frames = %d, want 6", sink.frameCount())
	}
	last := sink.frames[5]
	if last[99] != 2 || last[100] != audio.SilenceByte {
		t.Error("last frame is not the padded remainder")
	}
	if got := sink.lastEvent(); got != "mark:"+playback.MarkTurnEnd {
		t.Errorf("last event = %q, want the turn-end mark", got)
	}

	reqs := synth.Requests()
	if len(reqs) != 1 || reqs[0].Text != "shalom" || reqs[0].OutputFormat != tts.FormatULaw8000 || reqs[0].Language != "he" {
		t.Errorf("requests = %+v", reqs)
	}
	if r.FirstByte <= 0 {
		t.Error("first-byte latency not recorded")
	}
}

func TestQueue_JobsRunInOrder(t *testing.T) {
	t.Parallel()

	synth := &mock.Provider{Chunks: [][]byte{make([]byte, audio.FrameSize)}}
	sink := &fakeSink{sid: "MZ1"}
	clips := fakeClips{"p_01": {audio.SilenceFrame(), audio.SilenceFrame()}}
	q, results := newQueue(t, synth, clips, sink, playback.Config{})

	q.EnqueueText("one")
	q.EnqueueClip("p_01", 0)
	q.EnqueueText("two")
	for range 3 {
		nextResult(t, results)
	}

	want := []string{"mark:" + playback.MarkTurnEnd, "mark:clip:p_01", "mark:" + playback.MarkTurnEnd}
	got := sink.marks()
	if len(got) != len(want) {
		t.Fatalf("marks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("mark[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	reqs := synth.Requests()
	if len(reqs) != 2 || reqs[0].Text != "one" || reqs[1].Text != "two" {
		t.Errorf("synthesis order = %+v", reqs)
	}
	if sink.frameCount() != 4 {
		t.Errorf("frames = %d, want 4", sink.frameCount())
	}
}

func TestQueue_BargeInStopsPlaybackAndAbortsSynthesis(t *testing.T) {
	t.Parallel()

	synth := &mock.Provider{
		Chunks:   [][]byte{make([]byte, audio.FrameSize*40)},
		HoldOpen: true,
	}
	sink := &fakeSink{sid: "MZ1"}
	q, results := newQueue(t, synth, nil, sink, playback.Config{
		FrameInterval: 5 * time.Millisecond,
		StartFrames:   1,
	})

	q.EnqueueText("a long answer")
	q.EnqueueText("queued behind it")

	deadline := time.Now().Add(waitTimeout)
	for sink.frameCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("playback never started")
		}
		time.Sleep(time.Millisecond)
	}

	if !q.BargeIn() {
		t.Error("BargeIn reported nothing to interrupt")
	}
	r := nextResult(t, results)
	if !r.Cancelled || r.Err != nil {
		t.Errorf("result = %+v, want cancelled without error", r)
	}

	stopped := sink.frameCount()
	time.Sleep(50 * time.Millisecond)
	if got := sink.frameCount(); got != stopped {
		t.Errorf("%d frames emitted after barge-in", got-stopped)
	}
	if len(sink.marks()) != 0 {
		t.Errorf("marks after cancelled job: %v", sink.marks())
	}
	if len(synth.Requests()) != 1 {
		t.Errorf("pending job was synthesized after barge-in")
	}
	if !q.Idle() {
		t.Error("queue is not idle after barge-in")
	}

	deadline = time.Now().Add(waitTimeout)
	for synth.AbortedCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("synthesis request was not aborted")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestQueue_BargeInOnIdleQueue(t *testing.T) {
	t.Parallel()

	q, _ := newQueue(t, &mock.Provider{}, nil, &fakeSink{sid: "MZ1"}, playback.Config{})
	if q.BargeIn() {
		t.Error("BargeIn on an idle queue reported work")
	}
}

func TestQueue_SlowSynthesisIsFilledWithSilence(t *testing.T) {
	t.Parallel()

	synth := &mock.Provider{
		Chunks: [][]byte{
			make([]byte, audio.FrameSize),
			make([]byte, audio.FrameSize),
		},
		ChunkDelay: 40 * time.Millisecond,
	}
	sink := &fakeSink{sid: "MZ1"}
	q, results := newQueue(t, synth, nil, sink, playback.Config{
		FrameInterval: 5 * time.Millisecond,
		StartFrames:   1,
	})

	q.EnqueueText("slow")
	r := nextResult(t, results)
	if r.Silence == 0 {
		t.Errorf("no silence frames while synthesis stalled: %+v", r)
	}
	if r.Frames != r.Silence+2 {
		t.Errorf("frames = %d, silence = %d; want silence + 2 audio frames", r.Frames, r.Silence)
	}
	if sink.frameCount() != r.Frames {
		t.Errorf("sink saw %d frames, result says %d", sink.frameCount(), r.Frames)
	}
}

func TestQueue_SynthesisFailureMovesOn(t *testing.T) {
	t.Parallel()

	synth := &mock.Provider{SynthesizeErr: errors.New("quota exceeded")}
	sink := &fakeSink{sid: "MZ1"}
	clips := fakeClips{"p_02": {audio.SilenceFrame()}}
	q, results := newQueue(t, synth, clips, sink, playback.Config{})

	q.EnqueueText("will fail")
	q.EnqueueClip("p_02", 0)

	if r := nextResult(t, results); r.Err == nil {
		t.Error("synthesis failure not reported")
	}
	if r := nextResult(t, results); r.Err != nil || r.Frames != 1 {
		t.Errorf("clip result = %+v", r)
	}
}

func TestQueue_MidStreamErrorSkipsMark(t *testing.T) {
	t.Parallel()

	synth := &mock.Provider{
		Chunks:    [][]byte{make([]byte, audio.FrameSize)},
		StreamErr: errors.New("connection reset"),
	}
	sink := &fakeSink{sid: "MZ1"}
	q, results := newQueue(t, synth, nil, sink, playback.Config{})

	q.EnqueueText("cut short")
	r := nextResult(t, results)
	if r.Err == nil {
		t.Fatal("stream error not reported")
	}
	if len(sink.marks()) != 0 {
		t.Errorf("marks = %v, want none", sink.marks())
	}
}

func TestQueue_ClipDelayAndMissingClip(t *testing.T) {
	t.Parallel()

	clips := fakeClips{"p_03": {audio.SilenceFrame()}}
	sink := &fakeSink{sid: "MZ1"}
	q, results := newQueue(t, &mock.Provider{}, clips, sink, playback.Config{})

	q.EnqueueClip("missing", 0)
	if r := nextResult(t, results); r.Err != nil || r.Frames != 0 {
		t.Errorf("missing clip result = %+v, want silent no-op", r)
	}

	start := time.Now()
	q.EnqueueClip("p_03", 30*time.Millisecond)
	nextResult(t, results)
	if time.Since(start) < 30*time.Millisecond {
		t.Error("clip delay was not honoured")
	}
	if got := sink.marks(); len(got) != 1 || got[0] != "mark:clip:p_03" {
		t.Errorf("marks = %v", got)
	}
}

func TestQueue_BargeInAbortsClipDelay(t *testing.T) {
	t.Parallel()

	clips := fakeClips{"p_04": {audio.SilenceFrame()}}
	sink := &fakeSink{sid: "MZ1"}
	q, results := newQueue(t, &mock.Provider{}, clips, sink, playback.Config{})

	q.EnqueueClip("p_04", time.Hour)
	deadline := time.Now().Add(waitTimeout)
	for q.Idle() || q.Pending() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("clip job never became active")
		}
		time.Sleep(time.Millisecond)
	}
	q.BargeIn()

	if r := nextResult(t, results); !r.Cancelled {
		t.Errorf("result = %+v, want cancelled", r)
	}
	if sink.frameCount() != 0 {
		t.Errorf("frames = %d, want 0", sink.frameCount())
	}
}

func TestQueue_DropsJobsWithoutStreamID(t *testing.T) {
	t.Parallel()

	synth := &mock.Provider{Chunks: [][]byte{make([]byte, audio.FrameSize)}}
	sink := &fakeSink{}
	q, results := newQueue(t, synth, nil, sink, playback.Config{})

	q.EnqueueText("nobody to talk to")
	nextResult(t, results)
	if len(synth.Requests()) != 0 {
		t.Error("synthesis requested without a stream id")
	}
	if sink.frameCount() != 0 {
		t.Errorf("frames = %d, want 0", sink.frameCount())
	}
}

func TestQueue_EnqueueValidation(t *testing.T) {
	t.Parallel()

	q, _ := newQueue(t, &mock.Provider{}, nil, &fakeSink{sid: "MZ1"}, playback.Config{})
	if q.EnqueueText(" \t\n") {
		t.Error("blank text accepted")
	}
	if q.EnqueueClip("", 0) {
		t.Error("empty clip id accepted")
	}
}

func TestQueue_EnqueueAfterCloseIsNoop(t *testing.T) {
	t.Parallel()

	synth := &mock.Provider{Chunks: [][]byte{make([]byte, audio.FrameSize)}}
	sink := &fakeSink{sid: "MZ1"}
	q := playback.New(synth, nil, sink, playback.Config{})
	q.Close()
	q.Close()

	if q.EnqueueText("hello") {
		t.Error("EnqueueText accepted after Close")
	}
	if q.EnqueueClip("p_01", 0) {
		t.Error("EnqueueClip accepted after Close")
	}
	q.BargeIn()
	if len(synth.Requests()) != 0 || sink.frameCount() != 0 {
		t.Error("closed queue produced output")
	}
}

func TestQueue_CloseStopsActiveJob(t *testing.T) {
	t.Parallel()

	synth := &mock.Provider{Chunks: [][]byte{make([]byte, audio.FrameSize)}, HoldOpen: true}
	sink := &fakeSink{sid: "MZ1"}
	q := playback.New(synth, nil, sink, playback.Config{FrameInterval: 2 * time.Millisecond, StartFrames: 1})

	started := synth.Started()
	q.EnqueueText("hold the line")
	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("synthesis never started")
	}

	done := make(chan struct{})
	go func() {
		q.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("Close did not return while a job was active")
	}
	n := sink.frameCount()
	time.Sleep(20 * time.Millisecond)
	if sink.frameCount() != n {
		t.Error("frames emitted after Close returned")
	}
}

func TestQueue_BargeInJoinsAudioReader(t *testing.T) {
	t.Parallel()

	synth := &stubbornSynth{audio: make(chan []byte)}
	sink := &fakeSink{sid: "MZ1"}
	q, results := newQueue(t, synth, nil, sink, playback.Config{StartFrames: 1})

	q.EnqueueText("never ends")
	select {
	case synth.audio <- make([]byte, audio.FrameSize*4):
	case <-time.After(waitTimeout):
		t.Fatal("audio never read")
	}
	deadline := time.Now().Add(waitTimeout)
	for sink.frameCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("playback never started")
		}
		time.Sleep(time.Millisecond)
	}

	q.BargeIn()
	if r := nextResult(t, results); !r.Cancelled {
		t.Fatalf("result = %+v, want cancelled", r)
	}
	select {
	case synth.audio <- make([]byte, audio.FrameSize):
		t.Error("audio still read after the job finished")
	case <-time.After(50 * time.Millisecond):
	}
}
