// Package mock provides in-memory mock implementations of [audio.Microphone],
// [audio.Speaker] and [audio.Sound] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.Microphone{Levels: []float64{-60, -30, -30, -60}}
//	spk := &mock.Speaker{}
//	// ... drive the component under test ...
//	spk.Finish() // complete the sound that is currently playing
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/tutorvoice/pkg/audio"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
//
// Each call to Level returns the next value from Levels; once the slice is
// exhausted the last value is repeated. When NoMetering is true Level always
// reports ok=false.
type Microphone struct {
	mu sync.Mutex

	// Levels is the scripted metering sequence in dBFS.
	Levels []float64

	// NoMetering makes Level report that no metering is available.
	NoMetering bool

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// StartErrOnce makes StartErr apply to the first Start call only.
	StartErrOnce bool

	// StopErr, if non-nil, is delivered to the Stop callback.
	StopErr error

	// CaptureResult is delivered to the Stop callback. Defaults to a small
	// WAV clip when left zero.
	CaptureResult audio.Capture

	// DeferStop holds Stop callbacks until [Microphone.CompleteStop] is
	// called, simulating a slow device.
	DeferStop bool

	// --- Call records ---

	// StartCalls counts Start invocations.
	StartCalls int

	// StopCalls counts Stop invocations.
	StopCalls int

	// LevelCalls counts Level invocations.
	LevelCalls int

	recording   bool
	levelIdx    int
	pendingStop []func(audio.Capture, error)
}

// Start implements [audio.Microphone].
func (m *Microphone) Start(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StartCalls++
	if m.StartErr != nil {
		err := m.StartErr
		if m.StartErrOnce {
			m.StartErr = nil
		}
		return err
	}
	m.recording = true
	return nil
}

// Level implements [audio.Microphone].
func (m *Microphone) Level() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LevelCalls++
	if m.NoMetering || len(m.Levels) == 0 {
		return 0, false
	}
	i := m.levelIdx
	if i >= len(m.Levels) {
		i = len(m.Levels) - 1
	} else {
		m.levelIdx++
	}
	return m.Levels[i], true
}

// Stop implements [audio.Microphone]. The callback runs synchronously unless
// DeferStop is set.
func (m *Microphone) Stop(done func(audio.Capture, error)) {
	m.mu.Lock()
	m.StopCalls++
	m.recording = false
	if m.DeferStop {
		m.pendingStop = append(m.pendingStop, done)
		m.mu.Unlock()
		return
	}
	c, err := m.result()
	m.mu.Unlock()
	done(c, err)
}

// CompleteStop delivers every deferred Stop callback.
func (m *Microphone) CompleteStop() {
	m.mu.Lock()
	pending := m.pendingStop
	m.pendingStop = nil
	c, err := m.result()
	m.mu.Unlock()
	for _, done := range pending {
		done(c, err)
	}
}

// Recording reports whether a recording is active (started and not stopped).
func (m *Microphone) Recording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recording
}

// SetLevels replaces the scripted metering sequence and rewinds it.
func (m *Microphone) SetLevels(levels ...float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Levels = levels
	m.levelIdx = 0
}

func (m *Microphone) result() (audio.Capture, error) {
	if m.StopErr != nil {
		return audio.Capture{}, m.StopErr
	}
	if m.CaptureResult.Data != nil {
		return m.CaptureResult, nil
	}
	return audio.Capture{
		Data:     audio.EncodeWAV([]byte{1, 0, 2, 0}, audio.SpeechFormat),
		Format:   audio.SpeechFormat,
		Filename: "recording.wav",
	}, nil
}

var _ audio.Microphone = (*Microphone)(nil)

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock implementation of [audio.Speaker]. Every loaded buffer
// becomes a [Sound]; the most recent one is available via [Speaker.Current].
type Speaker struct {
	mu sync.Mutex

	// LoadErr, if non-nil, is returned by Load.
	LoadErr error

	// PlayErr, if non-nil, is returned by Sound.Play.
	PlayErr error

	// Loaded records every buffer passed to Load, in order.
	Loaded [][]byte

	sounds []*Sound
}

// Load implements [audio.Speaker].
func (s *Speaker) Load(data []byte) (audio.Sound, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.Loaded = append(s.Loaded, cp)
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	snd := &Sound{Data: cp, playErr: s.PlayErr}
	s.sounds = append(s.sounds, snd)
	return snd, nil
}

// Current returns the most recently loaded Sound, or nil.
func (s *Speaker) Current() *Sound {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sounds) == 0 {
		return nil
	}
	return s.sounds[len(s.sounds)-1]
}

// Sounds returns every Sound loaded so far.
func (s *Speaker) Sounds() []*Sound {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Sound, len(s.sounds))
	copy(out, s.sounds)
	return out
}

// Playing reports whether any loaded Sound is currently playing.
func (s *Speaker) Playing() bool {
	for _, snd := range s.Sounds() {
		if snd.Playing() {
			return true
		}
	}
	return false
}

// Finish completes the currently playing sound with a nil error.
func (s *Speaker) Finish() {
	if snd := s.Current(); snd != nil {
		snd.Finish(nil)
	}
}

var _ audio.Speaker = (*Speaker)(nil)

// Sound is a mock implementation of [audio.Sound].
type Sound struct {
	mu sync.Mutex

	// Data is the buffer the sound was loaded from.
	Data []byte

	playErr  error
	done     func(error)
	playing  bool
	stopped  bool
	unloaded bool

	// PlayCalls counts Play invocations.
	PlayCalls int
}

// Play implements [audio.Sound].
func (s *Sound) Play(done func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PlayCalls++
	if s.playErr != nil {
		return s.playErr
	}
	s.done = done
	s.playing = true
	return nil
}

// Stop implements [audio.Sound].
func (s *Sound) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = false
	s.stopped = true
	s.done = nil
	return nil
}

// Unload implements [audio.Sound].
func (s *Sound) Unload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = false
	s.unloaded = true
	s.done = nil
	return nil
}

// Finish simulates the end of playback, invoking the completion callback
// with err. It is a no-op if the sound is not playing.
func (s *Sound) Finish(err error) {
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.playing = false
	s.mu.Unlock()
	if done != nil {
		done(err)
	}
}

// Playing reports whether the sound is playing.
func (s *Sound) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Stopped reports whether Stop was called.
func (s *Sound) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Unloaded reports whether Unload was called.
func (s *Sound) Unloaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unloaded
}

var _ audio.Sound = (*Sound)(nil)
