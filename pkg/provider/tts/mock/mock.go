// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers, to slow delivery
// down with a per-chunk delay, and to observe that a request was aborted
// through its context.
//
// Example:
//
//	p := &mock.Provider{
//	    Chunks:     [][]byte{make([]byte, 400), make([]byte, 400)},
//	    ChunkDelay: 5 * time.Millisecond,
//	}
//	stream, _ := p.SynthesizeStream(ctx, tts.Request{Text: "hello"})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/callbridge/pkg/provider/tts"
	"github.com/MrWong99/callbridge/pkg/types"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Chunks is the sequence of audio byte slices emitted on every stream.
	Chunks [][]byte

	// ChunkDelay is slept before each chunk is emitted.
	ChunkDelay time.Duration

	// HoldOpen keeps the stream open after the last chunk until the request
	// context is cancelled, simulating a slow upstream.
	HoldOpen bool

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream.
	SynthesizeErr error

	// StreamErr, if non-nil, is recorded on the stream after the last chunk.
	StreamErr error

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []types.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	requests  []tts.Request
	aborted   int
	completed int
	started   chan struct{}
}

var _ tts.Provider = (*Provider)(nil)

// SynthesizeStream records the request and, unless SynthesizeErr is set,
// returns a stream that emits Chunks and then closes.
func (p *Provider) SynthesizeStream(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	if p.started != nil {
		select {
		case p.started <- struct{}{}:
		default:
		}
	}
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.Chunks))
	copy(chunks, p.Chunks)
	delay, hold, streamErr := p.ChunkDelay, p.HoldOpen, p.StreamErr
	p.mu.Unlock()

	ch := make(chan []byte)
	stream := tts.NewStream(ch)
	go func() {
		defer close(ch)
		for _, chunk := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					p.markAborted()
					return
				}
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				p.markAborted()
				return
			}
		}
		if hold {
			<-ctx.Done()
			p.markAborted()
			return
		}
		if streamErr != nil {
			stream.SetStreamErr(streamErr)
		}
		p.mu.Lock()
		p.completed++
		p.mu.Unlock()
	}()
	return stream, nil
}

// ListVoices returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesResult, p.ListVoicesErr
}

// Started returns a channel that receives one value per SynthesizeStream
// call made after Started was first called. Sends never block.
func (p *Provider) Started() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started == nil {
		p.started = make(chan struct{}, 16)
	}
	return p.started
}

// Requests returns a copy of every request received, in order.
func (p *Provider) Requests() []tts.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]tts.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// AbortedCount reports how many streams ended because their context was
// cancelled.
func (p *Provider) AbortedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aborted
}

// CompletedCount reports how many streams delivered every chunk.
func (p *Provider) CompletedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

func (p *Provider) markAborted() {
	p.mu.Lock()
	p.aborted++
	p.mu.Unlock()
}
