// Package playback plays synthesized speech one buffer at a time.
//
// The [Sequencer] owns the speaker for a conversation session. Every
// [Sequencer.Play] unloads the previous sound before loading the next one, so
// at most one sound is ever loaded. Buffers that cannot be decoded or played
// complete immediately (fail-open) so the conversation never stalls on a bad
// clip.
//
// Like the recorder, the Sequencer is owned by a single event loop; device
// completion callbacks are re-posted onto it through the scheduler.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/tutorvoice/internal/observe"
	"github.com/MrWong99/tutorvoice/internal/timing"
	"github.com/MrWong99/tutorvoice/pkg/audio"
)

// ErrDecodeFailure wraps load and playback errors reported in a
// [Completion].
var ErrDecodeFailure = errors.New("playback: decode failure")

// Completion is delivered once per Play that was not stopped.
type Completion struct {
	// Greeting echoes the flag passed to Play.
	Greeting bool

	// Err is non-nil when the buffer failed to decode or play; it wraps
	// [ErrDecodeFailure]. The completion is still delivered.
	Err error
}

// Option configures a [Sequencer].
type Option func(*Sequencer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sequencer) { s.log = l }
}

// WithMetrics sets the metrics playback outcomes are recorded to.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Sequencer) { s.metrics = m }
}

// Sequencer loads and plays speech buffers on a speaker.
type Sequencer struct {
	spk     audio.Speaker
	sched   timing.Scheduler
	onDone  func(Completion)
	log     *slog.Logger
	metrics *observe.Metrics

	cur      audio.Sound
	greeting bool
	active   bool
	gen      uint64
}

// New returns a Sequencer. onDone is invoked on the scheduler's goroutine.
func New(spk audio.Speaker, sched timing.Scheduler, onDone func(Completion), opts ...Option) *Sequencer {
	s := &Sequencer{
		spk:    spk,
		sched:  sched,
		onDone: onDone,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Active reports whether the sequencer owns the speaker, i.e. a Play has not
// yet completed or been stopped.
func (s *Sequencer) Active() bool { return s.active }

// Play unloads any prior sound, loads buf and starts it. The completion for a
// prior, still playing sound is never delivered.
func (s *Sequencer) Play(buf []byte, greeting bool) {
	s.release()
	s.gen++
	gen := s.gen
	s.active = true
	s.greeting = greeting

	snd, err := s.spk.Load(buf)
	if err != nil {
		s.failOpen(gen, fmt.Errorf("%w: load: %w", ErrDecodeFailure, err))
		return
	}
	s.cur = snd

	err = snd.Play(func(err error) {
		s.sched.AfterFunc(0, func() { s.complete(gen, err) })
	})
	if err != nil {
		s.failOpen(gen, fmt.Errorf("%w: play: %w", ErrDecodeFailure, err))
		return
	}
	s.log.Debug("playback: started", "greeting", greeting, "bytes", len(buf))
}

// Stop halts playback without delivering a completion.
func (s *Sequencer) Stop() {
	s.gen++
	s.release()
	s.active = false
}

func (s *Sequencer) failOpen(gen uint64, err error) {
	s.log.Warn("playback: treating failed clip as finished", "err", err)
	s.sched.AfterFunc(0, func() { s.complete(gen, err) })
}

func (s *Sequencer) complete(gen uint64, err error) {
	if gen != s.gen || !s.active {
		return
	}
	s.active = false
	s.release()

	if err != nil && !errors.Is(err, ErrDecodeFailure) {
		err = fmt.Errorf("%w: %w", ErrDecodeFailure, err)
	}
	if s.metrics != nil {
		status := "ok"
		if err != nil {
			status = "decode_error"
		}
		s.metrics.RecordPlayback(context.Background(), s.greeting, status)
	}
	s.onDone(Completion{Greeting: s.greeting, Err: err})
}

// release stops and unloads the current sound, if any.
func (s *Sequencer) release() {
	if s.cur == nil {
		return
	}
	if err := s.cur.Stop(); err != nil {
		s.log.Debug("playback: stop failed", "err", err)
	}
	if err := s.cur.Unload(); err != nil {
		s.log.Debug("playback: unload failed", "err", err)
	}
	s.cur = nil
}
