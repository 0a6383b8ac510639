package conversation

import (
	"errors"

	"github.com/MrWong99/tutorvoice/internal/channel"
	"github.com/MrWong99/tutorvoice/internal/playback"
	"github.com/MrWong99/tutorvoice/internal/vad"
	"github.com/MrWong99/tutorvoice/pkg/audio"
)

// Errors surfaced by a session. The aliases point at the sentinels of the
// component that detects the failure, so errors.Is works on either name.
var (
	// ErrPermissionDenied means microphone access was refused.
	ErrPermissionDenied = audio.ErrPermissionDenied

	// ErrRecordingFailure means the microphone failed to start or stop.
	ErrRecordingFailure = vad.ErrRecordingFailure

	// ErrConnectionTimeout means the duplex channel could not be established.
	ErrConnectionTimeout = channel.ErrConnectionTimeout

	// ErrConnectionClosed means the duplex channel dropped.
	ErrConnectionClosed = channel.ErrConnectionClosed

	// ErrDecodeFailure means a reply could not be decoded or played.
	ErrDecodeFailure = playback.ErrDecodeFailure

	// ErrInvalidUtterance marks a recording that was discarded because it
	// held no or too little speech. It is never surfaced to the host.
	ErrInvalidUtterance = errors.New("conversation: invalid utterance")

	// ErrResponseTimeout means the backend did not answer twice in a row.
	ErrResponseTimeout = errors.New("conversation: response timeout")
)
