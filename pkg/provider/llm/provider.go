// Package llm defines the language-model side of a call: a request carrying
// the conversation so far and a single complete reply.
//
// Replies are spoken, so streaming tokens buys nothing. The conversation
// layer needs the whole text before it can decide on a waiting phrase.
//
// Implementations must be safe for concurrent use. A call may run a
// speculative and an authoritative completion at the same time.
package llm

import (
	"context"
	"errors"

	"github.com/MrWong99/callbridge/pkg/types"
)

var (
	// ErrNoMessages is returned for a request without conversation history.
	ErrNoMessages = errors.New("llm: request has no messages")

	// ErrEmptyReply is returned when the backend answered without a choice.
	ErrEmptyReply = errors.New("llm: backend returned no choices")
)

// Usage is the token accounting reported by the backend, when it reports any.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest is one turn sent to the model.
type CompletionRequest struct {
	// Messages is the history, oldest first. The last entry is the caller's
	// latest utterance.
	Messages []types.Message

	// SystemPrompt, when set, is sent ahead of Messages with the system role.
	SystemPrompt string

	// Temperature in [0, 2]. Zero leaves the backend default.
	Temperature float64

	// MaxTokens caps the reply length. Zero leaves the backend default.
	MaxTokens int
}

// Validate reports whether req can be sent.
func (r CompletionRequest) Validate() error {
	if len(r.Messages) == 0 {
		return ErrNoMessages
	}
	return nil
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is a language-model backend.
//
// Complete must return promptly once ctx is cancelled, with an error that
// wraps ctx.Err().
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Model names the model requests are sent to.
	Model() string
}
