package resilience

import (
	"context"

	"github.com/MrWong99/carecall/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] over a [FallbackGroup]. A request is
// stateless, so a fallback sees exactly the context the primary saw.
type LLMFallback struct {
	*FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend. cfg.Kind is set to "llm".
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	cfg.Kind = "llm"
	return &LLMFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// Complete implements llm.Provider.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.FallbackGroup, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}
