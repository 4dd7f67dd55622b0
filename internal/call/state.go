package call

import "fmt"

// State is the lifecycle phase of a [Session].
type State int

const (
	// StateConnecting: the media stream is up and the greeting is being
	// prepared or played.
	StateConnecting State = iota
	// StateListening: inbound audio is classified and accumulated.
	StateListening
	// StateProcessing: a completed utterance is in the turn pipeline.
	StateProcessing
	// StateSpeaking: the turn's reply is being played to the caller.
	StateSpeaking
	// StateClosing: the session is flushing audio, saying goodbye and
	// releasing resources.
	StateClosing
	// StateClosed: terminal.
	StateClosed
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateListening:
		return "LISTENING"
	case StateProcessing:
		return "PROCESSING"
	case StateSpeaking:
		return "SPEAKING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// transitions lists every legal state change. CLOSING is reachable from every
// live state; nothing leaves CLOSED.
var transitions = map[State][]State{
	StateConnecting: {StateListening, StateSpeaking, StateClosing},
	StateListening:  {StateProcessing, StateClosing},
	StateProcessing: {StateSpeaking, StateListening, StateClosing},
	StateSpeaking:   {StateListening, StateClosing},
	StateClosing:    {StateClosed},
}

// CanTransition reports whether a session may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CloseReason records why a session ended.
type CloseReason int

const (
	// CloseHangup: the caller or carrier dropped the stream.
	CloseHangup CloseReason = iota
	// CloseTimeLimit: the call reached its maximum duration.
	CloseTimeLimit
	// CloseEmergency: the safety monitor classified the caller's words as an
	// emergency.
	CloseEmergency
	// CloseFarewell: the caller or the assistant said goodbye.
	CloseFarewell
	// CloseTurnLimit: the call reached its maximum number of turns.
	CloseTurnLimit
	// CloseShutdown: the server is stopping.
	CloseShutdown
	// CloseExplicit: an operator or the registry closed the session.
	CloseExplicit
)

// String returns the snake_case reason used in logs, metrics and call records.
func (r CloseReason) String() string {
	switch r {
	case CloseHangup:
		return "hangup"
	case CloseTimeLimit:
		return "time_limit"
	case CloseEmergency:
		return "emergency"
	case CloseFarewell:
		return "farewell"
	case CloseTurnLimit:
		return "turn_limit"
	case CloseShutdown:
		return "shutdown"
	case CloseExplicit:
		return "explicit"
	default:
		return fmt.Sprintf("CloseReason(%d)", int(r))
	}
}
