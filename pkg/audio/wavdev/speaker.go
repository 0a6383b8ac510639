package wavdev

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MrWong99/tutorvoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Speaker = (*Speaker)(nil)
	_ audio.Sound   = (*sound)(nil)
)

// SpeakerOption configures a [Speaker].
type SpeakerOption func(*Speaker)

// WithSpeed scales playback time. A factor of 2 completes clips in half their
// duration; 0 completes them immediately.
func WithSpeed(factor float64) SpeakerOption {
	return func(s *Speaker) {
		if factor >= 0 {
			s.speed = factor
		}
	}
}

// Speaker "plays" clips by writing them to a directory and reporting
// completion after each clip's duration.
//
// Speaker is safe for concurrent use.
type Speaker struct {
	dir   string
	speed float64

	mu    sync.Mutex
	count int
}

// NewSpeaker returns a Speaker writing clips into dir, creating it if needed.
// An empty dir keeps clips in memory only.
func NewSpeaker(dir string, opts ...SpeakerOption) (*Speaker, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("wavdev: create output dir: %w", err)
		}
	}
	s := &Speaker{dir: dir, speed: 1}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Load implements [audio.Speaker]. Only WAV buffers can be decoded; other
// buffers are still written to disk for inspection but yield an error
// wrapping [audio.ErrUnsupportedFormat].
func (s *Speaker) Load(data []byte) (audio.Sound, error) {
	s.mu.Lock()
	s.count++
	n := s.count
	s.mu.Unlock()

	pcm, f, decodeErr := audio.DecodeWAV(data)

	if s.dir != "" {
		ext := ".wav"
		if decodeErr != nil {
			ext = ".bin"
		}
		path := filepath.Join(s.dir, fmt.Sprintf("reply-%04d%s", n, ext))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			slog.Warn("wavdev: failed to write clip", "path", path, "err", err)
		}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("wavdev: load clip %d: %w", n, decodeErr)
	}

	d := f.Duration(len(pcm))
	if s.speed == 0 {
		d = 0
	} else {
		d = time.Duration(float64(d) / s.speed)
	}
	return &sound{length: d}, nil
}

// sound is a loaded clip whose playback is a timer.
type sound struct {
	length time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	unloaded bool
}

func (s *sound) Play(done func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unloaded {
		return fmt.Errorf("wavdev: play: sound unloaded")
	}
	if s.timer != nil {
		return fmt.Errorf("wavdev: play: already playing")
	}
	s.timer = time.AfterFunc(s.length, func() { done(nil) })
	return nil
}

func (s *sound) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	return nil
}

func (s *sound) Unload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.unloaded = true
	return nil
}
