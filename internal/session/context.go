package session

import (
	"sync"
	"time"

	"github.com/MrWong99/carecall/pkg/provider/llm"
)

// charsPerToken is the heuristic ratio used for token estimation.
// English text averages roughly 4 characters per token across common
// LLM tokenizers. This avoids pulling in a tokenizer dependency.
const charsPerToken = 4

// Role tags who spoke a [Turn].
type Role string

const (
	RoleCaller    Role = "caller"
	RoleAssistant Role = "assistant"
)

// Turn is one role-tagged line of the conversation.
type Turn struct {
	Role Role
	Text string
	At   time.Time
}

// Window bounds the slice of history sent to the reasoning service. The full
// conversation is always retained; only the request view is trimmed.
type Window struct {
	// MaxExchanges keeps at most this many trailing caller/assistant pairs.
	// Zero means no limit.
	MaxExchanges int

	// MaxTokens drops the oldest pairs until the estimated token count of the
	// view fits. Zero means no limit. The pending caller line is never dropped.
	MaxTokens int
}

// Conversation is the append-only record of one call: the opening line, then
// caller/assistant pairs in chronological order. Entries are never modified or
// removed once appended.
//
// All methods are safe for concurrent use.
type Conversation struct {
	sessionID string
	callerID  string

	mu         sync.Mutex
	opening    string
	background string
	turns      []Turn
}

// NewConversation returns an empty conversation for the given session.
// callerID is the external profile identifier the reasoning service uses to
// look up longer-term history; it may be empty.
func NewConversation(sessionID, callerID string) *Conversation {
	return &Conversation{sessionID: sessionID, callerID: callerID}
}

// SessionID returns the owning session's identifier.
func (c *Conversation) SessionID() string { return c.sessionID }

// CallerID returns the external caller identifier, if any.
func (c *Conversation) CallerID() string { return c.callerID }

// SetOpening records the greeting the assistant opened the call with. It is
// shown to the reasoning service but is not a turn.
func (c *Conversation) SetOpening(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opening = text
}

// Opening returns the recorded greeting.
func (c *Conversation) Opening() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opening
}

// SetBackground stores notes carried over from earlier calls with the same
// caller, typically the previous call's summary.
func (c *Conversation) SetBackground(notes string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.background = notes
}

// Background returns the notes set by SetBackground.
func (c *Conversation) Background() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.background
}

// AppendExchange appends the caller's line and the assistant's reply as two
// consecutive turns. Both are appended or neither is.
func (c *Conversation) AppendExchange(caller, assistant string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns,
		Turn{Role: RoleCaller, Text: caller, At: at},
		Turn{Role: RoleAssistant, Text: assistant, At: at},
	)
}

// Len returns the number of turns (not exchanges).
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// Turns returns a copy of every turn in order.
func (c *Conversation) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Messages builds the reasoning request history: the opening (if any), the
// windowed tail of past exchanges and finally pending as the newest caller
// message (omitted when empty).
func (c *Conversation) Messages(w Window, pending string) []llm.Message {
	c.mu.Lock()
	opening := c.opening
	turns := make([]Turn, len(c.turns))
	copy(turns, c.turns)
	c.mu.Unlock()

	if w.MaxExchanges > 0 && len(turns) > 2*w.MaxExchanges {
		turns = turns[len(turns)-2*w.MaxExchanges:]
	}

	var tail []llm.Message
	if pending != "" {
		tail = []llm.Message{{Role: llm.RoleUser, Content: pending}}
	}
	var head []llm.Message
	if opening != "" {
		head = []llm.Message{{Role: llm.RoleAssistant, Content: opening}}
	}

	if w.MaxTokens > 0 {
		budget := w.MaxTokens - estimateTokens(tail...) - estimateTokens(head...)
		for len(turns) >= 2 && estimateTurns(turns) > budget {
			turns = turns[2:]
		}
	}

	out := make([]llm.Message, 0, len(head)+len(turns)+len(tail))
	out = append(out, head...)
	for _, t := range turns {
		out = append(out, toMessage(t))
	}
	return append(out, tail...)
}

// AllMessages returns the complete conversation as messages, opening first.
func (c *Conversation) AllMessages() []llm.Message {
	return c.Messages(Window{}, "")
}

func toMessage(t Turn) llm.Message {
	role := llm.RoleUser
	if t.Role == RoleAssistant {
		role = llm.RoleAssistant
	}
	return llm.Message{Role: role, Content: t.Text}
}

func estimateTurns(turns []Turn) int {
	total := 0
	for _, t := range turns {
		total += estimateTokens(toMessage(t))
	}
	return total
}

// estimateTokens returns a rough token count for messages using the
// 1-token-per-4-characters heuristic.
func estimateTokens(msgs ...llm.Message) int {
	total := 0
	for _, m := range msgs {
		chars := len(m.Content) + len(m.Role)
		tokens := chars / charsPerToken
		if tokens == 0 && chars > 0 {
			tokens = 1
		}
		total += tokens
	}
	return total
}

// EstimateTokens exposes the heuristic for usage accounting when a provider
// does not report token counts.
func EstimateTokens(msgs ...llm.Message) int { return estimateTokens(msgs...) }
