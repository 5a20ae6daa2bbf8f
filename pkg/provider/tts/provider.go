// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs) and
// presents a uniform streaming interface. SynthesizeStream takes one complete
// utterance and returns a [Stream] whose Audio channel emits encoded audio
// chunks as the service produces them, so the playback leg can start pacing
// frames before synthesis has finished.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"sync/atomic"

	"github.com/MrWong99/callbridge/pkg/types"
)

// Output formats understood by the telephony leg and the HTTP proxy.
const (
	// FormatULaw8000 is 8 kHz G.711 μ-law, the telephony-native format.
	FormatULaw8000 = "ulaw_8000"

	// FormatPCM16000 is 16 kHz signed 16-bit little-endian PCM.
	FormatPCM16000 = "pcm_16000"
)

// Request describes one synthesis call.
type Request struct {
	// Text is the utterance to synthesize. Must be non-empty.
	Text string

	// Voice selects the voice. Providers return an error if Voice.ID is empty
	// and they have no default voice configured.
	Voice types.VoiceProfile

	// Model overrides the provider's default model when non-empty.
	Model string

	// Language is an optional ISO-639 language hint.
	Language string

	// OutputFormat is the requested audio format, e.g. [FormatULaw8000].
	// Empty uses the provider default.
	OutputFormat string

	// Speed scales the speaking rate. Zero means normal speed; otherwise it
	// must lie within [MinSpeed, MaxSpeed].
	Speed float64
}

// Speaking-rate bounds accepted in [Request.Speed].
const (
	MinSpeed = 0.5
	MaxSpeed = 1.5
)

// Stream is an in-progress synthesis.
//
// Audio is closed by the provider when synthesis is complete, when the
// request context is cancelled, or when the upstream fails. After Audio is
// closed, Err reports the failure (nil on success or cancellation).
type Stream struct {
	// Audio emits encoded audio chunks of arbitrary size in order.
	Audio <-chan []byte

	streamErr atomic.Pointer[error]
}

// NewStream wraps an audio channel. Providers call SetStreamErr before closing
// the channel when synthesis fails mid-stream.
func NewStream(audio <-chan []byte) *Stream {
	return &Stream{Audio: audio}
}

// Err returns the error that terminated the stream, if any. It is only
// meaningful once Audio has been closed.
func (s *Stream) Err() error {
	if p := s.streamErr.Load(); p != nil {
		return *p
	}
	return nil
}

// SetStreamErr records a mid-stream failure. Only the first call has an
// effect.
func (s *Stream) SetStreamErr(err error) {
	if err == nil {
		return
	}
	s.streamErr.CompareAndSwap(nil, &err)
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream starts synthesizing req and returns the audio stream.
	//
	// Returns a non-nil error only if the request could not be started (bad
	// request, rejected credentials, unreachable service). Cancelling ctx
	// aborts the upstream request and closes the stream's Audio channel; the
	// caller should drain Audio to release the provider's goroutine.
	SynthesizeStream(ctx context.Context, req Request) (*Stream, error)

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
