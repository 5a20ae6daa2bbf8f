// Package openai talks to the OpenAI chat completions API, or to any server
// that speaks it, through the official SDK.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/callbridge/pkg/provider/llm"
	"github.com/MrWong99/callbridge/pkg/types"
)

// Provider is an [llm.Provider] for OpenAI-compatible endpoints.
type Provider struct {
	client oai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

type options struct {
	baseURL      string
	organization string
	timeout      time.Duration
	httpClient   *http.Client
}

// Option customises a [Provider].
type Option func(*options)

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) Option { return func(o *options) { o.baseURL = url } }

// WithOrganization sends the organization header on every request.
func WithOrganization(org string) Option { return func(o *options) { o.organization = org } }

// WithTimeout bounds each request. It is ignored when WithHTTPClient is used.
func WithTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

// WithHTTPClient replaces the HTTP client, mostly for tests.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// New returns a provider for model. The SDK's own retries are disabled:
// a retry after several seconds is worse than the fallback reply on a call.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	switch {
	case apiKey == "":
		return nil, errors.New("openai: api key is required")
	case model == "":
		return nil, errors.New("openai: model is required")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if o.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(o.baseURL))
	}
	if o.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(o.organization))
	}
	switch {
	case o.httpClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(o.httpClient))
	case o.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: o.timeout}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

func (p *Provider) Model() string { return p.model }

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: %s: %w", p.model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: %s: %w", p.model, llm.ErrEmptyReply)
	}

	u := resp.Usage
	return &llm.CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(u.PromptTokens),
			CompletionTokens: int(u.CompletionTokens),
			TotalTokens:      int(u.TotalTokens),
		},
	}, nil
}

func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	if err := req.Validate(); err != nil {
		return oai.ChatCompletionNewParams{}, err
	}

	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := message(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		msgs = append(msgs, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: msgs,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

func message(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case types.RoleUser:
		return oai.UserMessage(m.Content), nil
	case types.RoleAssistant:
		return oai.AssistantMessage(m.Content), nil
	case types.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unsupported role %q", m.Role)
}
