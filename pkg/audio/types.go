// Package audio holds the telephony audio primitives shared by the
// recognition and playback legs: frame geometry, the carry buffer that slices
// arbitrary byte streams into frames, the jitter buffer between a producer and
// the pacer, and the fixed-cadence frame pacer itself.
//
// All audio on the telephony leg is 8 kHz mono G.711 μ-law, one byte per
// sample, carried in 20 ms frames of 160 bytes.
package audio

import "time"

const (
	// SampleRate is the telephony sample rate in Hz.
	SampleRate = 8000

	// FrameSize is the number of μ-law bytes in one 20 ms frame.
	FrameSize = 160

	// PCMFrameSize is the size of one frame after decoding to 16-bit linear PCM.
	PCMFrameSize = FrameSize * 2

	// FrameDuration is the playback duration of one frame.
	FrameDuration = 20 * time.Millisecond

	// SilenceByte is μ-law silence (positive zero).
	SilenceByte byte = 0xFF
)

// Encoding identifies the sample encoding of an audio stream.
type Encoding int

const (
	// Mulaw is 8-bit G.711 μ-law.
	Mulaw Encoding = iota

	// Linear16 is 16-bit signed little-endian PCM.
	Linear16
)

// String returns the wire name of the encoding.
func (e Encoding) String() string {
	switch e {
	case Mulaw:
		return "mulaw"
	case Linear16:
		return "linear16"
	default:
		return "unknown"
	}
}

// SilenceFrame returns a fresh frame of μ-law silence.
func SilenceFrame() []byte {
	f := make([]byte, FrameSize)
	for i := range f {
		f[i] = SilenceByte
	}
	return f
}

// PadFrame returns p extended to a full frame with μ-law silence. p must not
// be longer than [FrameSize].
func PadFrame(p []byte) []byte {
	f := make([]byte, FrameSize)
	n := copy(f, p)
	for i := n; i < FrameSize; i++ {
		f[i] = SilenceByte
	}
	return f
}
