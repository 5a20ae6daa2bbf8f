// Package resilience keeps a call alive when one of its backends misbehaves.
//
// A [Breaker] stops sending work to a backend after repeated failures and,
// once a cooldown has passed, lets a few probe requests through to find out
// whether it recovered. A [Chain] tries backends in order, each behind its
// own breaker. The provider wrappers in this package put a chain behind the
// llm, stt and tts interfaces so callers never see the failover.
//
// A cancelled request is never a failure. Hanging up mid-reply must not make
// a healthy backend look broken.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects requests.
var ErrOpen = errors.New("resilience: breaker open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every request.
	StateClosed State = iota
	// StateOpen rejects requests until the cooldown has elapsed.
	StateOpen
	// StateHalfOpen admits a bounded number of probes.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig tunes a [Breaker]. Zero values take the defaults noted on
// each field.
type BreakerConfig struct {
	// Name identifies the backend in logs and state-change callbacks.
	Name string

	// Threshold is the number of consecutive failures that opens the
	// breaker. Default 5.
	Threshold int

	// Cooldown is how long the breaker stays open before probing. Default 30s.
	Cooldown time.Duration

	// Probes is the number of successful probes needed to close again. It
	// also caps how many probes may be in flight. Default 3.
	Probes int

	// Logger receives state transitions. Default slog.Default().
	Logger *slog.Logger

	// OnStateChange is called on every transition with the breaker's lock
	// held. It must not call back into the breaker.
	OnStateChange func(name string, from, to State)

	now func() time.Time
}

// Breaker is a three-state circuit breaker guarding one backend.
// It is safe for concurrent use.
type Breaker struct {
	cfg BreakerConfig
	log *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  int
	passed   int
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 3
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{cfg: cfg, log: log.With("backend", cfg.Name)}
}

// Do runs fn unless the breaker is open, in which case it returns [ErrOpen]
// without calling fn. The error from fn is returned unchanged.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.settle(probe, err)
	return err
}

// admit decides whether a request may proceed and whether it counts as a
// half-open probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.cfg.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, ErrOpen
		}
		b.transition(StateHalfOpen)
	}
	if b.state != StateHalfOpen {
		return false, nil
	}
	if b.probing+b.passed >= b.cfg.Probes {
		return false, ErrOpen
	}
	b.probing++
	return true, nil
}

func (b *Breaker) settle(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing--
	}
	switch {
	case isCancellation(err):
		// Says nothing about the backend. A probe slot is simply returned.
	case err != nil:
		b.failures++
		if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.cfg.Threshold) {
			b.openedAt = b.cfg.now()
			b.transition(StateOpen)
		}
	case probe:
		b.passed++
		if b.state == StateHalfOpen && b.passed >= b.cfg.Probes {
			b.transition(StateClosed)
		}
	case b.state == StateClosed:
		b.failures = 0
	}
}

// transition moves to state to. b.mu must be held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case StateClosed:
		b.failures = 0
		b.passed = 0
		b.log.Info("resilience: breaker closed")
	case StateHalfOpen:
		b.passed = 0
		b.log.Info("resilience: breaker probing")
	case StateOpen:
		b.log.Warn("resilience: breaker opened", "failures", b.failures, "cooldown", b.cfg.Cooldown)
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State reports the current state. An open breaker whose cooldown elapsed
// reports [StateHalfOpen]; the transition itself happens on the next request.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.failures = 0
	b.passed = 0
}

// Name returns the guarded backend's name.
func (b *Breaker) Name() string { return b.cfg.Name }

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
