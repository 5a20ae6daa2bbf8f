package audio

import (
	"context"
	"time"
)

// PaceStats summarises one [Pacer.Run].
type PaceStats struct {
	// Frames is the number of frames emitted, silence included.
	Frames int

	// Silence is the number of synthetic silence frames emitted on underrun.
	Silence int
}

// PacerOption configures a [Pacer].
type PacerOption func(*Pacer)

// WithClock replaces the wall clock and the sleep primitive. wait must return
// ctx.Err() promptly when ctx is cancelled; a non-positive d must not block.
func WithClock(now func() time.Time, wait func(ctx context.Context, d time.Duration) error) PacerOption {
	return func(p *Pacer) {
		p.now = now
		p.wait = wait
	}
}

// Pacer emits exactly one frame per interval. Emission n is scheduled at
// start + n*interval so scheduling jitter never accumulates into drift. A
// stall longer than one interval moves start forward instead of catching
// up, so frames never leave faster than the interval. When
// the source has nothing ready a silence frame is emitted instead, so the
// receiver's sequence numbering never stalls.
type Pacer struct {
	interval time.Duration
	now      func() time.Time
	wait     func(ctx context.Context, d time.Duration) error
}

// NewPacer creates a pacer with the given interval. A non-positive interval
// falls back to [FrameDuration].
func NewPacer(interval time.Duration, opts ...PacerOption) *Pacer {
	if interval <= 0 {
		interval = FrameDuration
	}
	p := &Pacer{interval: interval, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Interval returns the pacing interval.
func (p *Pacer) Interval() time.Duration { return p.interval }

// Run paces frames from src into emit until src reports done, ctx is
// cancelled, or emit fails. The first frame is emitted immediately.
//
// On cancellation Run returns ctx.Err() without emitting further frames.
func (p *Pacer) Run(ctx context.Context, src Source, emit func(frame []byte) error) (PaceStats, error) {
	var stats PaceStats

	wait := p.wait
	if wait == nil {
		timer := time.NewTimer(time.Hour)
		timer.Stop()
		defer timer.Stop()
		wait = func(ctx context.Context, d time.Duration) error {
			if d <= 0 {
				return ctx.Err()
			}
			timer.Reset(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}
	}

	start := p.now()
	for n := 0; ; n++ {
		if n > 0 {
			deadline := start.Add(time.Duration(n) * p.interval)
			now := p.now()
			if now.Sub(deadline) > p.interval {
				// Stalled past a whole interval: re-anchor so the overdue
				// frames are not sent back to back.
				start = now.Add(-time.Duration(n) * p.interval)
				deadline = now
			}
			if err := wait(ctx, deadline.Sub(now)); err != nil {
				return stats, err
			}
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		frame, done := src.Next()
		if done {
			return stats, nil
		}
		if frame == nil {
			frame = SilenceFrame()
			stats.Silence++
		}
		if err := emit(frame); err != nil {
			return stats, err
		}
		stats.Frames++
	}
}
