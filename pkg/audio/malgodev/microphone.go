package malgodev

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/tutorvoice/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Microphone = (*Microphone)(nil)

const defaultMeterWindow = 100 * time.Millisecond

// ErrRecordingActive is returned by [Microphone.Start] while a recording is
// already running.
var ErrRecordingActive = errors.New("malgodev: recording already active")

// MicOption configures a [Microphone].
type MicOption func(*Microphone)

// WithMeterWindow sets the span of captured audio the metering value is
// computed over.
func WithMeterWindow(d time.Duration) MicOption {
	return func(m *Microphone) {
		if d > 0 {
			m.window = d
		}
	}
}

// Microphone records from the default capture device.
//
// Microphone is safe for concurrent use.
type Microphone struct {
	format  audio.Format
	window  time.Duration
	open    opener
	closeFn func() error

	mu        sync.Mutex
	dev       device
	recording bool
	pcm       []byte
	takes     int
}

// NewMicrophone initialises a miniaudio context and returns a Microphone on
// the default capture device. The device itself is opened per recording.
func NewMicrophone(opts ...MicOption) (*Microphone, error) {
	b, err := newBackend()
	if err != nil {
		return nil, err
	}
	m := newMicrophone(b.openCapture, opts...)
	m.closeFn = b.close
	return m, nil
}

func newMicrophone(open opener, opts ...MicOption) *Microphone {
	m := &Microphone{
		format: audio.SpeechFormat,
		window: defaultMeterWindow,
		open:   open,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start implements [audio.Microphone].
func (m *Microphone) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("malgodev: start: %w", err)
	}
	m.mu.Lock()
	if m.recording {
		m.mu.Unlock()
		return ErrRecordingActive
	}
	m.recording = true
	m.pcm = nil
	m.mu.Unlock()

	// The device is opened without holding mu: its data callback takes it.
	dev, err := m.open(m.format, m.onData)
	if err == nil {
		if err = dev.Start(); err != nil {
			dev.Uninit()
			err = fmt.Errorf("malgodev: start capture: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.recording = false
		return err
	}
	m.dev = dev
	return nil
}

// onData appends captured frames to the running recording.
func (m *Microphone) onData(in []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recording {
		m.pcm = append(m.pcm, in...)
	}
}

// Level implements [audio.Microphone]. It reports ok=false until the first
// full metering window has been captured.
func (m *Microphone) Level() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.recording {
		return 0, false
	}
	n := m.format.BytesFor(m.window)
	if n == 0 || len(m.pcm) < n {
		return 0, false
	}
	return audio.LevelDBFS(m.pcm[len(m.pcm)-n:]), true
}

// Stop implements [audio.Microphone]. The device is released and done runs
// on its own goroutine.
func (m *Microphone) Stop(done func(audio.Capture, error)) {
	m.mu.Lock()
	if !m.recording || m.dev == nil {
		m.mu.Unlock()
		go done(audio.Capture{}, nil)
		return
	}
	dev, pcm := m.dev, m.pcm
	m.dev, m.pcm = nil, nil
	m.recording = false
	m.takes++
	name := fmt.Sprintf("recording-%03d.wav", m.takes)
	m.mu.Unlock()

	go func() {
		if err := release(dev); err != nil {
			done(audio.Capture{}, err)
			return
		}
		speech := audio.ToFormat(pcm, m.format, audio.SpeechFormat)
		done(audio.Capture{
			Data:     audio.EncodeWAV(speech, audio.SpeechFormat),
			Format:   audio.SpeechFormat,
			Filename: name,
			Length:   m.format.Duration(len(pcm)),
		}, nil)
	}()
}

// Close releases an active recording and the miniaudio context.
func (m *Microphone) Close() error {
	m.mu.Lock()
	dev := m.dev
	m.dev, m.pcm = nil, nil
	m.recording = false
	m.mu.Unlock()

	var errs []error
	if dev != nil {
		errs = append(errs, release(dev))
	}
	if m.closeFn != nil {
		errs = append(errs, m.closeFn())
	}
	return errors.Join(errs...)
}
