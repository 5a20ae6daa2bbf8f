// Package stt defines the Provider interface for streaming speech recognition
// backends.
//
// A provider wraps a real-time transcription service (Deepgram, AssemblyAI)
// and exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts audio frames in the encoding
// agreed at open time and emits two streams of Transcript values: low-latency
// partials and authoritative finals.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/callbridge/pkg/audio"
)

// ErrBackendConfig marks a non-retryable configuration problem (missing
// credentials, unknown model). Constructors wrap it so callers can tell a
// misconfigured backend from a transient network failure.
var ErrBackendConfig = errors.New("stt: invalid backend configuration")

// ErrSessionClosed is returned by SendAudio after the write side was closed.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Telephony audio is 8000.
	SampleRate int

	// Encoding is the sample encoding of the chunks passed to SendAudio.
	// Providers reject encodings they cannot accept with ErrBackendConfig.
	Encoding audio.Encoding

	// Language is the BCP-47 language tag for recognition (e.g., "he-IL",
	// "en-US"). Empty uses the provider default.
	Language string
}

// SessionHandle represents an open streaming recognition session.
//
// The Partials and Finals channels are closed once the upstream connection has
// fully terminated; Err then reports why (nil for a clean end).
type SessionHandle interface {
	// SendAudio delivers one chunk of audio to the provider. It returns
	// ErrSessionClosed after CloseSend or Close.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel of interim transcripts.
	Partials() <-chan Transcript

	// Finals returns a read-only channel of final transcripts.
	Finals() <-chan Transcript

	// CloseSend half-closes the session: no more audio is accepted and the
	// provider is asked to flush. Transcripts keep arriving until the
	// upstream closes the connection.
	CloseSend() error

	// Err returns the terminal error once both channels are closed. It
	// returns nil while the session is running and after a clean end.
	Err() error

	// Close tears the session down immediately. Calling Close more than once
	// is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream opens a new streaming session. It fails fast with an error
	// wrapping ErrBackendConfig when cfg cannot be served by this backend.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)

	// Encoding reports the audio encoding this backend consumes natively.
	// μ-law native backends receive telephony frames as-is; linear16 backends
	// receive decoded PCM.
	Encoding() audio.Encoding
}
