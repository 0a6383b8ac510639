// Package wavdev provides file-backed implementations of [audio.Microphone]
// and [audio.Speaker] for headless operation.
//
// The [Microphone] replays a WAV file as if it were a live input: audio
// "arrives" at real-time speed from the moment a recording starts, metering
// reports the RMS level of the most recent window, and each recording picks up
// where the previous one stopped. The [Speaker] writes every received clip to
// a directory and reports completion after the clip's duration.
package wavdev

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/tutorvoice/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Microphone = (*Microphone)(nil)

const defaultMeterWindow = 100 * time.Millisecond

// MicOption configures a [Microphone].
type MicOption func(*Microphone)

// WithMeterWindow sets the span of audio the metering value is computed over.
func WithMeterWindow(d time.Duration) MicOption {
	return func(m *Microphone) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithLoop makes the replay wrap around to the start of the source once it
// has been fully consumed.
func WithLoop() MicOption {
	return func(m *Microphone) { m.loop = true }
}

// WithClock replaces the wall clock. Intended for tests.
func WithClock(now func() time.Time) MicOption {
	return func(m *Microphone) { m.now = now }
}

// Microphone replays PCM audio from a WAV source.
//
// Microphone is safe for concurrent use.
type Microphone struct {
	pcm    []byte
	format audio.Format
	window time.Duration
	loop   bool
	now    func() time.Time

	mu        sync.Mutex
	cursor    int
	startedAt time.Time
	recording bool
	takes     int
}

// OpenMicrophone reads the WAV file at path and returns a Microphone
// replaying it.
func OpenMicrophone(path string, opts ...MicOption) (*Microphone, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wavdev: read %q: %w", path, err)
	}
	pcm, f, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("wavdev: decode %q: %w", path, err)
	}
	return NewMicrophone(pcm, f, opts...), nil
}

// NewMicrophone returns a Microphone replaying PCM16 data in format f.
func NewMicrophone(pcm []byte, f audio.Format, opts ...MicOption) *Microphone {
	m := &Microphone{
		pcm:    pcm,
		format: f,
		window: defaultMeterWindow,
		now:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start implements [audio.Microphone].
func (m *Microphone) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("wavdev: start: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recording {
		return fmt.Errorf("wavdev: start: recording already active")
	}
	if m.cursor >= len(m.pcm) && m.loop {
		m.cursor = 0
	}
	m.startedAt = m.now()
	m.recording = true
	return nil
}

// Level implements [audio.Microphone]. It reports ok=false until the first
// full metering window has been captured.
func (m *Microphone) Level() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.recording {
		return 0, false
	}
	pos := m.position()
	n := m.format.BytesFor(m.window)
	if pos-m.cursor < n {
		if pos >= len(m.pcm) {
			return audio.SilenceDBFS, true
		}
		return 0, false
	}
	start := max(pos-n, 0)
	return audio.LevelDBFS(m.pcm[start:pos]), true
}

// Stop implements [audio.Microphone]. done runs on its own goroutine.
func (m *Microphone) Stop(done func(audio.Capture, error)) {
	m.mu.Lock()
	if !m.recording {
		m.mu.Unlock()
		go done(audio.Capture{}, nil)
		return
	}
	end := m.position()
	pcm := m.pcm[m.cursor:end]
	elapsed := m.now().Sub(m.startedAt)
	m.cursor = end
	m.recording = false
	m.takes++
	name := fmt.Sprintf("recording-%03d.wav", m.takes)
	m.mu.Unlock()

	speech := audio.ToFormat(pcm, m.format, audio.SpeechFormat)
	c := audio.Capture{
		Data:     audio.EncodeWAV(speech, audio.SpeechFormat),
		Format:   audio.SpeechFormat,
		Filename: name,
		Length:   elapsed,
	}
	go done(c, nil)
}

// position returns the byte offset in pcm that corresponds to "now". Caller
// must hold m.mu.
func (m *Microphone) position() int {
	pos := m.cursor + m.format.BytesFor(m.now().Sub(m.startedAt))
	return min(pos, len(m.pcm))
}
