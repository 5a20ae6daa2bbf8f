package stt

import "time"

// Transcript is one recognition result. Partial and final results share the
// type; IsFinal distinguishes them.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates an authoritative result that ends an utterance.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// backend does not report it.
	Confidence float64

	// Timestamp is when the result was received.
	Timestamp time.Time
}
