// Package openai provides a reasoning provider backed by the OpenAI chat
// completions API or any server speaking the same protocol.
//
// Replies are meant to be spoken. A reply cut off by the token limit is
// trimmed back to its last complete sentence, and a refusal is reported as
// [ErrRefused] so the caller can say its fallback line instead.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/carecall/pkg/provider/llm"
)

// ErrRefused is returned when the model declined to answer.
var ErrRefused = errors.New("openai: model refused the request")

// Provider implements llm.Provider over /chat/completions.
type Provider struct {
	client oai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

type settings struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option configures a [Provider].
type Option func(*settings)

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithOrganization sends the OpenAI-Organization header.
func WithOrganization(org string) Option {
	return func(s *settings) { s.organization = org }
}

// WithTimeout bounds each HTTP request in addition to the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

func (s settings) requestOptions(apiKey string) []option.RequestOption {
	// No SDK retries: a failed turn goes to the fallback provider instead.
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if s.baseURL != "" {
		opts = append(opts, option.WithBaseURL(s.baseURL))
	}
	if s.organization != "" {
		opts = append(opts, option.WithOrganization(s.organization))
	}
	if s.timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: s.timeout}))
	}
	return opts
}

// New returns a provider for model authenticated with apiKey.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	switch {
	case apiKey == "":
		return nil, errors.New("openai: api key is required")
	case model == "":
		return nil, errors.New("openai: model is required")
	}
	var s settings
	for _, o := range opts {
		o(&s)
	}
	return &Provider{client: oai.NewClient(s.requestOptions(apiKey)...), model: model}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: complete: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}

	choice := resp.Choices[0]
	content := choice.Message.Content
	if strings.TrimSpace(content) == "" && choice.Message.Refusal != "" {
		return nil, fmt.Errorf("%w: %s", ErrRefused, choice.Message.Refusal)
	}
	if choice.FinishReason == "length" {
		content = lastSentence(content)
	}
	return &llm.CompletionResponse{
		Content: content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("openai: request has no messages")
	}
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		msgs = append(msgs, msg)
	}

	params := oai.ChatCompletionNewParams{Model: p.model, Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = oai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = oai.Int(int64(req.MaxTokens))
	}
	return params, nil
}

func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil
	case llm.RoleAssistant:
		return oai.AssistantMessage(m.Content), nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unsupported role %q", m.Role)
}

// lastSentence cuts s after its last sentence-ending punctuation. Text with
// no complete sentence is returned unchanged.
func lastSentence(s string) string {
	i := strings.LastIndexAny(s, ".!?")
	if i < 0 {
		return s
	}
	return strings.TrimSpace(s[:i+1])
}
