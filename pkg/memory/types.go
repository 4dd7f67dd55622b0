package memory

import "time"

// Turn is one line of a persisted conversation.
type Turn struct {
	// Role is "caller" or "assistant".
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// CallStats are the per-call counters written at close.
type CallStats struct {
	FramesReceived   int64   `json:"frames_received"`
	FramesDropped    int64   `json:"frames_dropped"`
	FramesMalformed  int64   `json:"frames_malformed"`
	Utterances       int64   `json:"utterances"`
	Turns            int64   `json:"turns"`
	Fallbacks        int64   `json:"fallbacks"`
	Discarded        int64   `json:"discarded"`
	Aborted          int64   `json:"aborted"`
	Emergencies      int64   `json:"emergencies"`
	Timeouts         int64   `json:"timeouts"`
	Errors           int64   `json:"errors"`
	Alerts           int64   `json:"alerts"`
	STTSeconds       float64 `json:"stt_seconds"`
	TTSChars         int64   `json:"tts_chars"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
}

// CallRecord is everything kept about one finished call.
type CallRecord struct {
	SessionID string
	CallerID  string
	CallID    string
	StreamID  string

	StartedAt time.Time
	EndedAt   time.Time

	// EndReason is why the session closed, e.g. "hangup" or "time_limit".
	EndReason string

	// Opening is the greeting the assistant started with.
	Opening string

	// Turns is the full conversation in order.
	Turns []Turn

	// Summary is a short recap produced after the call. May be empty.
	Summary string

	Stats CallStats
}

// Duration returns the wall-clock length of the call.
func (r CallRecord) Duration() time.Duration {
	if r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
