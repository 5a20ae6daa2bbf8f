package audio

import "sync"

// Source supplies frames to a [Pacer]. Next returns the next frame, or a nil
// frame when the producer is behind (underrun). done is true once the
// producer has finished and every buffered frame has been handed out.
type Source interface {
	Next() (frame []byte, done bool)
}

// JitterBuffer decouples a bursty producer (network synthesis, disk) from the
// fixed-cadence [Pacer]. The producer pushes whole frames and calls End when
// it is finished; the pacer consumes through [Source].
//
// Ready is closed once the buffer first holds threshold frames or the
// producer ends, whichever happens first. All methods are safe for concurrent
// use.
type JitterBuffer struct {
	mu        sync.Mutex
	frames    [][]byte
	ended     bool
	threshold int

	ready     chan struct{}
	readyOnce sync.Once
}

var _ Source = (*JitterBuffer)(nil)

// NewJitterBuffer returns an empty buffer that becomes ready after threshold
// frames. A threshold below one is treated as one.
func NewJitterBuffer(threshold int) *JitterBuffer {
	if threshold < 1 {
		threshold = 1
	}
	return &JitterBuffer{
		threshold: threshold,
		ready:     make(chan struct{}),
	}
}

// Push appends frames in order. Pushing after End is ignored.
func (b *JitterBuffer) Push(frames ...[]byte) {
	if len(frames) == 0 {
		return
	}
	b.mu.Lock()
	if b.ended {
		b.mu.Unlock()
		return
	}
	b.frames = append(b.frames, frames...)
	full := len(b.frames) >= b.threshold
	b.mu.Unlock()

	if full {
		b.markReady()
	}
}

// End records that the producer will push no more frames.
func (b *JitterBuffer) End() {
	b.mu.Lock()
	b.ended = true
	b.mu.Unlock()
	b.markReady()
}

// Ready returns a channel closed once playback may start.
func (b *JitterBuffer) Ready() <-chan struct{} { return b.ready }

// Len reports the number of buffered frames.
func (b *JitterBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Next implements [Source].
func (b *JitterBuffer) Next() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == 0 {
		return nil, b.ended
	}
	f := b.frames[0]
	b.frames[0] = nil
	b.frames = b.frames[1:]
	return f, false
}

func (b *JitterBuffer) markReady() {
	b.readyOnce.Do(func() { close(b.ready) })
}
