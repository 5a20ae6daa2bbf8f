package calllog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 2 * time.Second
)

// RecorderOption configures a [Recorder].
type RecorderOption func(*Recorder)

// WithQueueSize sets how many writes may wait for the background writer.
func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithWriteTimeout bounds a single store write.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger for failed and dropped writes.
func WithLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		r.log = l
	}
}

// Recorder queues writes for a [Store] and applies them on a single
// background goroutine. Writes are best-effort: when the queue is full they
// are dropped and logged. A nil *Recorder discards everything.
type Recorder struct {
	store     Store
	log       *slog.Logger
	queueSize int
	timeout   time.Duration

	mu     sync.RWMutex
	closed bool
	ops    chan op
	done   chan struct{}
}

type op struct {
	name string
	fn   func(ctx context.Context) error
}

// NewRecorder starts the background writer for store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:     store,
		log:       slog.Default(),
		queueSize: defaultQueueSize,
		timeout:   defaultWriteTimeout,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With("component", "calllog")
	r.ops = make(chan op, r.queueSize)
	go r.loop()
	return r
}

// CallStarted queues [Store.StartCall].
func (r *Recorder) CallStarted(c Call) {
	if r == nil {
		return
	}
	r.submit(op{name: "start_call", fn: func(ctx context.Context) error {
		return r.store.StartCall(ctx, c)
	}})
}

// TurnCompleted queues [Store.AddTurn].
func (r *Recorder) TurnCompleted(t Turn) {
	if r == nil {
		return
	}
	r.submit(op{name: "add_turn", fn: func(ctx context.Context) error {
		return r.store.AddTurn(ctx, t)
	}})
}

// CallEnded queues [Store.EndCall].
func (r *Recorder) CallEnded(streamSID string, endedAt time.Time) {
	if r == nil {
		return
	}
	r.submit(op{name: "end_call", fn: func(ctx context.Context) error {
		return r.store.EndCall(ctx, streamSID, endedAt)
	}})
}

// Close stops accepting writes and waits until the queued ones are applied
// or ctx expires.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ops)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) submit(o op) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ops <- o:
	default:
		r.log.Warn("calllog: queue full, dropping write", "op", o.name)
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for o := range r.ops {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := o.fn(ctx); err != nil {
			r.log.Warn("calllog: write failed", "op", o.name, "err", err)
		}
		cancel()
	}
}
