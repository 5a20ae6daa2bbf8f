package transcript

import (
	"strings"
	"time"
)

// DefaultDedupWindow is how long an accepted final suppresses its echoes.
const DefaultDedupWindow = 1800 * time.Millisecond

// Deduper drops repeated final transcripts. Recognizers sometimes emit a
// final and then a near-identical final within milliseconds; both would
// otherwise trigger a reply.
//
// A candidate is a duplicate when its normalized text equals the last
// accepted text, or either is a prefix of the other, and it arrives within
// the window. Deduper is not safe for concurrent use; each recognition
// session owns one.
type Deduper struct {
	window time.Duration
	now    func() time.Time

	last   string
	lastAt time.Time
}

// DeduperOption configures a [Deduper].
type DeduperOption func(*Deduper)

// WithWindow sets the suppression window. Non-positive values are ignored.
func WithWindow(d time.Duration) DeduperOption {
	return func(dd *Deduper) {
		if d > 0 {
			dd.window = d
		}
	}
}

// WithNow replaces the clock.
func WithNow(now func() time.Time) DeduperOption {
	return func(dd *Deduper) {
		dd.now = now
	}
}

// NewDeduper returns a Deduper with [DefaultDedupWindow].
func NewDeduper(opts ...DeduperOption) *Deduper {
	d := &Deduper{window: DefaultDedupWindow, now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Accept reports whether text should be surfaced as a new final and, if so,
// remembers it. Text that normalizes to nothing is always rejected.
func (d *Deduper) Accept(text string) bool {
	n := Normalize(text)
	if n == "" {
		return false
	}
	now := d.now()

	if d.last != "" && now.Sub(d.lastAt) <= d.window {
		if n == d.last || strings.HasPrefix(n, d.last) || strings.HasPrefix(d.last, n) {
			return false
		}
	}
	d.last = n
	d.lastAt = now
	return true
}

// Window returns the configured suppression window.
func (d *Deduper) Window() time.Duration { return d.window }
