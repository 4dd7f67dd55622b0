// Package mock provides a scripted [llm.Provider] for tests. It records every
// request it receives; set the response fields before the first call.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/carecall/pkg/provider/llm"
)

// CompleteCall is one recorded Complete invocation.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider answers Complete with CompleteResponse and CompleteErr, or with
// CompleteFunc when that is set. A nil response and error yield (nil, nil).
type Provider struct {
	mu sync.Mutex

	CompleteResponse *llm.CompletionResponse
	CompleteErr      error
	// CompleteFunc replaces the canned answer, e.g. to block until ctx ends.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// CompleteCalls holds the requests in arrival order. Messages are copied,
	// so later history edits by the caller do not show up here.
	CompleteCalls []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	req.Messages = slices.Clone(req.Messages)

	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	fn, resp, err := p.CompleteFunc, p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return resp, err
}

// Calls returns a copy of the recorded invocations.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.CompleteCalls)
}
