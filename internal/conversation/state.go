package conversation

import "fmt"

// TurnState is the turn-taking state of a conversation session. Exactly one
// state is active at a time.
type TurnState int32

const (
	// StateIdle means neither the microphone nor the speaker is in use. The
	// session may be awaiting a backend response.
	StateIdle TurnState = iota

	// StateListening means the microphone is recording a user turn.
	StateListening

	// StateSpeaking means a reply is being played.
	StateSpeaking

	// StateGreeting means the greeting was requested or is being played.
	StateGreeting

	// StatePauseDetected means a prolonged pause was detected and the
	// follow-up question was requested or is being played.
	StatePauseDetected

	// StateError is terminal for the session; recovery requires re-entering.
	StateError
)

// String returns the human-readable name of the state.
func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	case StateGreeting:
		return "greeting"
	case StatePauseDetected:
		return "pause_detected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("turn_state(%d)", int(s))
	}
}
