package health

import (
	"context"
	"errors"
)

// ErrNotAccepting is reported by [Accepting] once the call registry is shut.
var ErrNotAccepting = errors.New("not accepting calls")

// ErrNoClips is reported by [ClipsLoaded] when no waiting clip is loaded.
var ErrNoClips = errors.New("no waiting clips loaded")

// ClipsLoaded checks that at least one waiting clip is available. The count
// func is typically (*waiting.Store).Len.
func ClipsLoaded(count func() int) Checker {
	return Checker{Name: "waiting_clips", Check: func(context.Context) error {
		if count() == 0 {
			return ErrNoClips
		}
		return nil
	}}
}

// Accepting checks that new calls can still be started. The accepting func is
// typically (*call.Registry).Accepting.
func Accepting(accepting func() bool) Checker {
	return Checker{Name: "calls", Check: func(context.Context) error {
		if !accepting() {
			return ErrNotAccepting
		}
		return nil
	}}
}

// Ping wraps a connectivity probe such as (*calllog.PostgresStore).Ping.
func Ping(name string, ping func(ctx context.Context) error) Checker {
	return Checker{Name: name, Check: ping}
}
