// Package calllog records call lifecycles and conversation turns.
//
// Writes go through a [Recorder], which queues them for a background writer
// so that a slow or unavailable database never delays a call. The [Store]
// behind it is either [PostgresStore] or, for tests and database-less
// deployments, [MemStore].
package calllog

import (
	"context"
	"time"
)

// Call is one telephony stream.
type Call struct {
	StreamSID string
	CallSID   string

	// Backend is the recognizer label the call started on.
	Backend   string
	StartedAt time.Time
	EndedAt   time.Time
}

// Turn is one answered caller utterance.
type Turn struct {
	StreamSID string
	UserText  string
	ReplyText string

	// Speculative is true when the reply was computed from a partial
	// transcript and reused.
	Speculative bool

	// Fallback is true when the language model failed and the canned
	// fallback reply was spoken.
	Fallback bool

	// Latency is the time from the final transcript to the reply being
	// queued for playback.
	Latency time.Duration
	At      time.Time
}

// Store persists calls and turns. Implementations must be safe for
// concurrent use.
type Store interface {
	// StartCall records a new call. Starting a stream id that already exists
	// resets it.
	StartCall(ctx context.Context, c Call) error

	// AddTurn appends a turn to a call.
	AddTurn(ctx context.Context, t Turn) error

	// EndCall stamps the end time of a call. Unknown ids are ignored.
	EndCall(ctx context.Context, streamSID string, endedAt time.Time) error
}
