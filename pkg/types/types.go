// Package types defines the value types shared between providers and the call
// pipeline. Each package keeps its own domain types; only cross-cutting
// structures live here to avoid import cycles.
package types

// Message is one entry of a conversation history sent to a language model.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// VoiceProfile selects a synthesis voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Stability and SimilarityBoost map onto the provider's voice settings
	// when non-zero.
	Stability       float64
	SimilarityBoost float64

	// Metadata holds provider-specific voice attributes (gender, accent, ...).
	Metadata map[string]string
}
