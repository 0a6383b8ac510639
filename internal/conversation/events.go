package conversation

import (
	"fmt"

	"github.com/MrWong99/tutorvoice/internal/channel"
	"github.com/MrWong99/tutorvoice/internal/playback"
	"github.com/MrWong99/tutorvoice/internal/timing"
	"github.com/MrWong99/tutorvoice/internal/vad"
)

// eventKind discriminates the events consumed by [machine.handle].
type eventKind int

const (
	evOpen eventKind = iota
	evClose
	evControl
	evAudio
	evRecorded
	evRecordingStarted
	evPlayed
	evToggle
	evFocus
	evBlur
	evPauseTick
	evResponseTimeout
	evListen
	evShutdown
)

func (k eventKind) String() string {
	switch k {
	case evOpen:
		return "open"
	case evClose:
		return "close"
	case evControl:
		return "control"
	case evAudio:
		return "audio"
	case evRecorded:
		return "recorded"
	case evRecordingStarted:
		return "recording_started"
	case evPlayed:
		return "played"
	case evToggle:
		return "toggle"
	case evFocus:
		return "focus"
	case evBlur:
		return "blur"
	case evPauseTick:
		return "pause_tick"
	case evResponseTimeout:
		return "response_timeout"
	case evListen:
		return "listen"
	case evShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// event is the single input type of the turn-taking machine. Only the fields
// matching kind are set.
type event struct {
	kind eventKind

	// evClose
	err error

	// evControl
	control channel.ControlMessage

	// evAudio
	audio []byte

	// evRecorded
	result vad.Result

	// evPlayed
	completion playback.Completion

	// evListen, evRecordingStarted
	phase timing.Phase
}
