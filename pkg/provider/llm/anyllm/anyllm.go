// Package anyllm serves the language-model backends that have no dedicated
// provider here through github.com/mozilla-ai/any-llm-go.
//
//	p, err := anyllm.New("gemini", "gemini-2.5-flash", anyllmlib.WithAPIKey(key))
package anyllm

import (
	"context"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/callbridge/pkg/provider/llm"
	"github.com/MrWong99/callbridge/pkg/types"
)

var backends = []string{"anthropic", "deepseek", "gemini", "groq", "llamacpp", "mistral", "ollama", "openai"}

// Backends lists the backend names [New] accepts, sorted.
func Backends() []string { return slices.Clone(backends) }

// Provider is an [llm.Provider] over one any-llm backend.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New returns a provider for model on the named backend. Names are case
// insensitive. Without anyllmlib.WithAPIKey the backend reads its usual
// environment variable, such as GEMINI_API_KEY.
//
// A leading "models/" is dropped from model, so ids copied from the Gemini
// model list work as is.
func New(name, model string, opts ...anyllmlib.Option) (*Provider, error) {
	name = strings.ToLower(name)
	switch {
	case name == "":
		return nil, fmt.Errorf("anyllm: backend name is required")
	case model == "":
		return nil, fmt.Errorf("anyllm: %s: model is required", name)
	}

	b, err := open(name, opts)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s: %w", name, err)
	}
	return &Provider{backend: b, name: name, model: strings.TrimPrefix(model, "models/")}, nil
}

func open(name string, opts []anyllmlib.Option) (anyllmlib.Provider, error) {
	switch name {
	case "anthropic":
		return anthropic.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "openai":
		return anyllmoai.New(opts...)
	}
	return nil, fmt.Errorf("unknown backend, want one of %s", strings.Join(backends, ", "))
}

func (p *Provider) Model() string { return p.model }

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("anyllm: %w", err)
	}

	resp, err := p.backend.Completion(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s/%s: %w", p.name, p.model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: %s/%s: %w", p.name, p.model, llm.ErrEmptyReply)
	}

	out := &llm.CompletionResponse{Content: resp.Choices[0].Message.ContentString()}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, message(m))
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: msgs}
	if t := req.Temperature; t != 0 {
		params.Temperature = &t
	}
	if n := req.MaxTokens; n > 0 {
		params.MaxTokens = &n
	}
	return params
}

func message(m types.Message) anyllmlib.Message {
	return anyllmlib.Message{Role: m.Role, Content: m.Content}
}
