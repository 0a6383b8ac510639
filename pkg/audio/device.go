// Package audio defines the device interfaces and PCM helpers used by the
// spoken-conversation engine.
//
// The two device abstractions are:
//
//   - [Microphone] captures one recording at a time and exposes a metering
//     value (dBFS) that the voice activity detector samples.
//   - [Speaker] loads a received speech buffer into a [Sound] that can be
//     played once and reports its completion.
//
// Implementations are provided by adapter packages (e.g., audio/wavdev for
// headless file-backed devices, audio/mock for tests). Device callbacks may
// fire on any goroutine; the conversation engine re-posts them onto its own
// event loop.
package audio

import (
	"context"
	"errors"
)

// ErrPermissionDenied is returned by [Microphone.Start] when the user or the
// operating system refused microphone access.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// ErrUnsupportedFormat is returned by [Speaker.Load] when a buffer cannot be
// decoded.
var ErrUnsupportedFormat = errors.New("audio: unsupported audio format")

// SilenceDBFS is the metering value reported for digital silence.
const SilenceDBFS = -160.0

// Microphone captures audio from an input device.
//
// Only one recording may be active at a time. Implementations must be safe
// for concurrent use because Level is sampled from a timer while Stop may be
// completing on a device goroutine.
type Microphone interface {
	// Start requests permission when needed and begins a new recording.
	// Returns an error wrapping [ErrPermissionDenied] if access is refused.
	Start(ctx context.Context) error

	// Level returns the most recent metering value in dBFS. ok is false when
	// the device has not produced a usable metering value yet.
	Level() (dbfs float64, ok bool)

	// Stop ends the active recording and delivers the result to done. done is
	// called exactly once, possibly on another goroutine and possibly before
	// Stop returns. Stopping an idle microphone delivers an empty Capture.
	Stop(done func(Capture, error))
}

// Sound is a decoded speech buffer ready for playback.
type Sound interface {
	// Play starts playback. done is called exactly once when playback
	// finishes naturally or fails; it is not called after Stop.
	Play(done func(error)) error

	// Stop halts playback without invoking the completion callback.
	Stop() error

	// Unload releases the decoded buffer. Safe to call more than once.
	Unload() error
}

// Speaker decodes and plays synthesized speech.
type Speaker interface {
	// Load decodes data into a playable Sound. Returns an error wrapping
	// [ErrUnsupportedFormat] when data cannot be decoded.
	Load(data []byte) (Sound, error)
}
