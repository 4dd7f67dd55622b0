// Package session holds per-call conversation state for carecall: the
// append-only [Conversation] and the end-of-call [Summariser].
//
// All exported types are safe for concurrent use.
package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/carecall/pkg/provider/llm"
)

// summarisationPrompt asks for the notes the next call starts from.
const summarisationPrompt = `You write notes for a care team after a phone check-in between a companion and an older adult.
Keep how the caller said they were feeling, health or medication mentions, plans,
requests for follow-up, and anything to ask about on the next call.
Write three sentences or fewer, in plain prose.`

// Summariser condenses a finished call for the next one.
type Summariser interface {
	Summarise(ctx context.Context, messages []llm.Message) (string, error)
}

// LLMSummariser asks a reasoning provider for the call notes.
type LLMSummariser struct {
	llm       llm.Provider
	prompt    string
	maxTokens int
}

// SummariserOption configures an [LLMSummariser].
type SummariserOption func(*LLMSummariser)

// WithSummaryPrompt replaces the instruction sent with the transcript.
func WithSummaryPrompt(prompt string) SummariserOption {
	return func(s *LLMSummariser) {
		if prompt != "" {
			s.prompt = prompt
		}
	}
}

// WithSummaryMaxTokens caps the summary length. Default: 200.
func WithSummaryMaxTokens(n int) SummariserOption {
	return func(s *LLMSummariser) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// NewLLMSummariser returns a summariser backed by provider.
func NewLLMSummariser(provider llm.Provider, opts ...SummariserOption) *LLMSummariser {
	s := &LLMSummariser{llm: provider, prompt: summarisationPrompt, maxTokens: 200}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Summarise returns notes for the conversation in messages. A call in which
// the caller never spoke has nothing to summarise and yields "" without a
// model request.
func (s *LLMSummariser) Summarise(ctx context.Context, messages []llm.Message) (string, error) {
	transcript, spoke := formatTranscript(messages)
	if !spoke {
		return "", nil
	}
	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: s.prompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: transcript}},
		Temperature:  0.3,
		MaxTokens:    s.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("session: summarise: %w", err)
	}
	if resp == nil {
		return "", nil
	}
	return cleanSummary(resp.Content), nil
}

// formatTranscript renders the spoken turns one per line and reports whether
// the caller said anything.
func formatTranscript(messages []llm.Message) (string, bool) {
	var (
		sb    strings.Builder
		spoke bool
	)
	for _, m := range messages {
		switch m.Role {
		case llm.RoleUser:
			spoke = true
			fmt.Fprintf(&sb, "Caller: %s\n", m.Content)
		case llm.RoleAssistant:
			fmt.Fprintf(&sb, "Companion: %s\n", m.Content)
		}
	}
	return sb.String(), spoke
}

// cleanSummary drops a leading "Summary:" label and folds whitespace.
func cleanSummary(s string) string {
	s = strings.TrimSpace(s)
	if head, rest, ok := strings.Cut(s, ":"); ok && strings.EqualFold(strings.TrimSpace(head), "summary") {
		s = rest
	}
	return strings.Join(strings.Fields(s), " ")
}
