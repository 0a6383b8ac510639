package malgodev

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/tutorvoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Speaker = (*Speaker)(nil)
	_ audio.Sound   = (*sound)(nil)
)

// Speaker plays WAV clips on the default playback device.
//
// Speaker is safe for concurrent use.
type Speaker struct {
	open    opener
	closeFn func() error
}

// NewSpeaker initialises a miniaudio context and returns a Speaker on the
// default playback device.
func NewSpeaker() (*Speaker, error) {
	b, err := newBackend()
	if err != nil {
		return nil, err
	}
	return &Speaker{open: b.openPlayback, closeFn: b.close}, nil
}

// Load implements [audio.Speaker]. Only 16-bit PCM WAV buffers decode.
func (s *Speaker) Load(data []byte) (audio.Sound, error) {
	pcm, f, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("malgodev: load clip: %w", err)
	}
	return &sound{pcm: pcm, format: f, open: s.open}, nil
}

// Close releases the miniaudio context. Sounds must be unloaded first.
func (s *Speaker) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// sound is a decoded clip played through its own output device.
type sound struct {
	pcm    []byte
	format audio.Format
	open   opener

	mu       sync.Mutex
	dev      device
	pos      int
	drained  bool
	done     func(error)
	unloaded bool
}

func (s *sound) Play(done func(error)) error {
	s.mu.Lock()
	if s.unloaded {
		s.mu.Unlock()
		return errors.New("malgodev: play: sound unloaded")
	}
	if s.dev != nil {
		s.mu.Unlock()
		return errors.New("malgodev: play: already playing")
	}
	s.pos, s.drained, s.done = 0, false, done
	s.mu.Unlock()

	dev, err := s.open(s.format, s.fill)
	if err != nil {
		return err
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("malgodev: start playback: %w", err)
	}

	s.mu.Lock()
	s.dev = dev
	drained := s.drained
	s.mu.Unlock()
	if drained {
		time.AfterFunc(drainDelay, s.finish)
	}
	return nil
}

// fill copies the next frames into out and pads with silence once the clip
// is exhausted.
func (s *sound) fill(out []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	if s.pos < len(s.pcm) {
		n = copy(out, s.pcm[s.pos:])
		s.pos += n
	}
	clear(out[n:])
	if s.pos >= len(s.pcm) && !s.drained {
		s.drained = true
		time.AfterFunc(drainDelay, s.finish)
	}
}

// finish releases the device after natural completion and reports it.
func (s *sound) finish() {
	s.mu.Lock()
	dev, done := s.dev, s.done
	if dev == nil || !s.drained {
		s.mu.Unlock()
		return
	}
	s.dev, s.done = nil, nil
	s.mu.Unlock()

	err := release(dev)
	if done != nil {
		done(err)
	}
}

func (s *sound) Stop() error {
	s.mu.Lock()
	dev := s.dev
	s.dev, s.done = nil, nil
	s.mu.Unlock()
	if dev == nil {
		return nil
	}
	return release(dev)
}

func (s *sound) Unload() error {
	err := s.Stop()
	s.mu.Lock()
	s.unloaded = true
	s.pcm = nil
	s.mu.Unlock()
	return err
}
