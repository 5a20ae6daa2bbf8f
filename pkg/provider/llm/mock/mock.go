// Package mock is a scriptable [llm.Provider] for tests.
//
//	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"reply":"Sure."}`}}
//
// Configure the fields before the first call; afterwards only read the
// recorded calls.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/callbridge/pkg/provider/llm"
)

// CompleteCall is one recorded Complete invocation.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider returns canned completions.
type Provider struct {
	// ModelName is what Model reports.
	ModelName string

	// CompleteFunc, when set, answers instead of CompleteResponse and
	// CompleteErr.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// Delay simulates model latency. Cancelling ctx cuts it short with
	// ctx.Err(), like a real backend.
	Delay time.Duration

	mu    sync.Mutex
	calls []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Model() string { return p.ModelName }

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, CompleteCall{Ctx: ctx, Req: req})
	p.mu.Unlock()

	if p.Delay > 0 {
		t := time.NewTimer(p.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.CompleteFunc != nil {
		return p.CompleteFunc(ctx, req)
	}
	return p.CompleteResponse, p.CompleteErr
}

// CompleteCalls returns a copy of the recorded calls, oldest first.
func (p *Provider) CompleteCalls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CompleteCall(nil), p.calls...)
}

// LastRequest returns the most recent request, or false before any call.
func (p *Provider) LastRequest() (llm.CompletionRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return llm.CompletionRequest{}, false
	}
	return p.calls[len(p.calls)-1].Req, true
}
