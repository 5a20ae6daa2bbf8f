// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values, terminate
// the stream cleanly or with an error, and inspect which audio chunks were
// delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Sessions: []*mock.Session{sess}}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.Partial("hello")
//	sess.Fail(errors.New("upstream reset"))
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Sessions are handed out by StartStream in order. When exhausted,
	// StartStream returns a fresh NewSession.
	Sessions []*Session

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// NativeEncoding is returned by Encoding. Defaults to audio.Mulaw.
	NativeEncoding audio.Encoding

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	next int
}

// StartStream records the call and returns the next session or StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.next < len(p.Sessions) {
		s := p.Sessions[p.next]
		p.next++
		return s, nil
	}
	return NewSession(), nil
}

// Encoding returns NativeEncoding.
func (p *Provider) Encoding() audio.Encoding {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.NativeEncoding
}

// StartStreamCallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) StartStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle. The test drives
// it with Partial, Final, End and Fail.
type Session struct {
	mu sync.Mutex

	partials chan stt.Transcript
	finals   chan stt.Transcript
	endOnce  sync.Once
	ended    chan struct{}
	err      error

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// EndOnCloseSend makes CloseSend end the stream cleanly, like a real
	// backend that closes the socket after flushing.
	EndOnCloseSend bool

	// --- Call records ---

	// Chunks holds a copy of every chunk passed to SendAudio, in order.
	Chunks [][]byte

	// CloseSendCallCount is the number of times CloseSend was called.
	CloseSendCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a Session with buffered transcript channels.
func NewSession() *Session {
	return &Session{
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		ended:    make(chan struct{}),
	}
}

// Partial emits an interim transcript.
func (s *Session) Partial(text string) {
	s.partials <- stt.Transcript{Text: text, Timestamp: time.Now()}
}

// Final emits a final transcript.
func (s *Session) Final(text string) {
	s.finals <- stt.Transcript{Text: text, IsFinal: true, Timestamp: time.Now()}
}

// End terminates the stream cleanly.
func (s *Session) End() { s.terminate(nil) }

// Fail terminates the stream with err.
func (s *Session) Fail(err error) { s.terminate(err) }

// Ended is closed once the stream has terminated.
func (s *Session) Ended() <-chan struct{} { return s.ended }

func (s *Session) terminate(err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.partials)
		close(s.finals)
		close(s.ended)
	})
}

// SendAudio records the chunk and returns SendAudioErr, or
// stt.ErrSessionClosed once CloseSend or Close was called.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CloseSendCallCount > 0 || s.CloseCallCount > 0 {
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Chunks = append(s.Chunks, cp)
	return s.SendAudioErr
}

// Partials returns the interim transcript channel.
func (s *Session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the final transcript channel.
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// CloseSend records the call and, with EndOnCloseSend, ends the stream.
func (s *Session) CloseSend() error {
	s.mu.Lock()
	s.CloseSendCallCount++
	end := s.EndOnCloseSend
	s.mu.Unlock()
	if end {
		s.End()
	}
	return nil
}

// Err returns the error passed to Fail.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close records the call and ends the stream if it is still open.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.mu.Unlock()
	s.End()
	return nil
}

// ChunkCount returns the number of SendAudio calls that were accepted.
func (s *Session) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Chunks)
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
