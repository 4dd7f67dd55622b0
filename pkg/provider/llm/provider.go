// Package llm defines the Provider interface for the conversational reasoning
// service.
//
// A provider wraps a remote or local model API (e.g. OpenAI, Anthropic via
// any-llm, or a local Ollama instance) and exposes a single, stateless
// request/response call. Every request carries the complete history the model
// should see; providers keep no per-call state.
//
// Implementors must be safe for concurrent use and must return promptly when
// the supplied context is cancelled.
package llm

import "context"

// Usage holds token accounting information returned by the backend. Counts
// are in the model's native token unit; zero means "not reported".
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the model needs to produce a reply.
// A request with no Messages is invalid.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// normally the caller's latest utterance.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction. Providers without
	// a dedicated system field prepend it as a [RoleSystem] message.
	SystemPrompt string

	// Temperature controls output randomness in [0.0, 2.0]. Zero leaves the
	// provider default in place.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider
	// default. Phone replies are short, so callers usually set this.
	MaxTokens int
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	// Content is the full text of the reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any reasoning backend.
type Provider interface {
	// Complete sends req to the model and waits for the full reply.
	//
	// Returns an error if the request fails or if ctx is cancelled before the
	// reply arrives.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
