package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no backend in a [Chain] served the request.
// The individual failures are joined onto it.
var ErrAllFailed = errors.New("resilience: every backend failed")

// FallbackConfig configures a [Chain] and the provider wrappers built on it.
type FallbackConfig struct {
	// Breaker is the template for each backend's breaker. Name is filled in
	// per backend.
	Breaker BreakerConfig

	// Logger defaults to slog.Default(). It is handed to the breakers unless
	// Breaker.Logger is set.
	Logger *slog.Logger

	// OnFallback is called when a backend other than the primary served a
	// request. cause is the primary's error.
	OnFallback func(from, to string, cause error)
}

type link[T any] struct {
	name    string
	backend T
	breaker *Breaker
}

// Chain is an ordered list of interchangeable backends, primary first.
// Backends must all be added before the chain is shared between goroutines.
type Chain[T any] struct {
	links []link[T]
	cfg   FallbackConfig
	log   *slog.Logger
}

// NewChain returns a chain whose primary is backend.
func NewChain[T any](backend T, name string, cfg FallbackConfig) *Chain[T] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Breaker.Logger == nil {
		cfg.Breaker.Logger = cfg.Logger
	}
	c := &Chain[T]{cfg: cfg, log: cfg.Logger}
	c.Add(name, backend)
	return c
}

// Add appends a backend. Backends are tried in the order they were added.
func (c *Chain[T]) Add(name string, backend T) {
	bc := c.cfg.Breaker
	bc.Name = name
	c.links = append(c.links, link[T]{name: name, backend: backend, breaker: NewBreaker(bc)})
}

// Names lists the backends in trial order.
func (c *Chain[T]) Names() []string {
	names := make([]string, 0, len(c.links))
	for _, l := range c.links {
		names = append(names, l.name)
	}
	return names
}

// Primary returns the first backend.
func (c *Chain[T]) Primary() T { return c.links[0].backend }

// Breaker returns the breaker guarding the named backend, or nil.
func (c *Chain[T]) Breaker(name string) *Breaker {
	for _, l := range c.links {
		if l.name == name {
			return l.breaker
		}
	}
	return nil
}

// Try calls fn on each backend in order until one succeeds. Backends whose
// breaker is open are skipped. Cancellation ends the walk immediately and is
// returned as is; otherwise exhausting the chain yields [ErrAllFailed].
func Try[T, R any](c *Chain[T], fn func(name string, backend T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for i, l := range c.links {
		var out R
		err := l.breaker.Do(func() error {
			var err error
			out, err = fn(l.name, l.backend)
			return err
		})
		switch {
		case err == nil:
			if i > 0 && c.cfg.OnFallback != nil {
				var cause error
				if len(errs) > 0 {
					cause = errs[0]
				}
				c.cfg.OnFallback(c.links[0].name, l.name, cause)
			}
			return out, nil
		case isCancellation(err):
			return zero, err
		case errors.Is(err, ErrOpen):
			c.log.Debug("resilience: skipping backend", "backend", l.name)
		default:
			c.log.Warn("resilience: backend failed", "backend", l.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", l.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
