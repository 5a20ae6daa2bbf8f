package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrRegistryClosed is returned by Start after [Registry.Close].
	ErrRegistryClosed = errors.New("call: registry closed")

	// ErrTooManyCalls is returned by Start when the concurrent call limit is
	// reached.
	ErrTooManyCalls = errors.New("call: too many concurrent calls")
)

// Registry tracks the live sessions of a server by stream id. At most one
// session is registered per id. All methods are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	maxCalls int
	log      *slog.Logger
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithMaxCalls caps concurrent sessions. Zero means unlimited.
func WithMaxCalls(n int) RegistryOption {
	return func(r *Registry) {
		r.maxCalls = n
	}
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.log = l
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start starts s for info and registers it. A live session with the same
// stream id is closed first.
func (r *Registry) Start(ctx context.Context, s *Session, info StartInfo) error {
	id := info.StreamSID
	if id == "" {
		return ErrMissingStreamSID
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	prev := r.sessions[id]
	if prev == nil && r.maxCalls > 0 && len(r.sessions) >= r.maxCalls {
		r.mu.Unlock()
		return fmt.Errorf("%w (limit %d)", ErrTooManyCalls, r.maxCalls)
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	if prev != nil && prev != s {
		r.log.Info("call: stream id restarted, closing previous session", "stream_sid", id)
		prev.Close()
	}

	if err := s.HandleStart(ctx, info); err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		s.Close()
		return ErrRegistryClosed
	}
	raced := r.sessions[id]
	r.sessions[id] = s
	r.mu.Unlock()

	if raced != nil && raced != s {
		raced.Close()
	}
	return nil
}

// Get returns the session registered for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove unregisters s. It is a no-op when id now belongs to another session,
// so a replaced session cannot remove its replacement. Remove does not close
// s.
func (r *Registry) Remove(id string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Accepting reports whether Start may still succeed.
func (r *Registry) Accepting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed
}

// Close stops accepting calls and closes every registered session
// concurrently. It returns ctx.Err() if the sessions did not finish in time.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	clear(r.sessions)
	r.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			s.Close()
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.log.Info("call: registry closed", "sessions", len(sessions))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("call: close registry: %w", ctx.Err())
	}
}
