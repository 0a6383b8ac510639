// Package conversation implements the hands-free turn-taking loop between a
// learner and the tutor backend.
//
// A [Session] owns one duplex channel, one microphone and one speaker. Every
// input (channel frames, device completions, timers, host actions) is turned
// into an event and consumed on a single event loop goroutine by one
// transition function, so the recorder, the playback sequencer and the turn
// state are never touched concurrently.
//
// Typical use:
//
//	s := conversation.New(ch, mic, spk, conversation.Config{AutoGreeting: true})
//	go s.Run(ctx)
//	// ...
//	s.Toggle()
//	s.Close()
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/tutorvoice/internal/channel"
	"github.com/MrWong99/tutorvoice/internal/observe"
	"github.com/MrWong99/tutorvoice/internal/timing"
	"github.com/MrWong99/tutorvoice/internal/vad"
	"github.com/MrWong99/tutorvoice/pkg/audio"
	"github.com/google/uuid"
)

// eventQueueSize bounds the number of events waiting for the loop.
const eventQueueSize = 64

// Hooks are host callbacks. All of them run on the session's event loop and
// must not block; nil hooks are skipped.
type Hooks struct {
	// OnStateChange is called after every turn state change.
	OnStateChange func(from, to TurnState)

	// OnMessage receives every control message from the backend.
	OnMessage func(channel.ControlMessage)

	// OnUtterance is called after an utterance was sent to the backend.
	OnUtterance func(vad.Utterance)

	// OnAlert reports a microphone failure that needs the learner's
	// attention (e.g. a denied permission).
	OnAlert func(error)

	// OnPausePrompt is called when a prolonged pause was detected.
	OnPausePrompt func()

	// OnRestartAvailable is called when the hands-free loop ended and only a
	// manual toggle can restart it.
	OnRestartAvailable func()

	// OnError reports the error that moved the session to [StateError].
	OnError func(error)
}

// Config configures a [Session].
type Config struct {
	// Policy holds the conversation timings. Zero fields take the value of
	// [timing.Default].
	Policy timing.Policy

	// AutoGreeting requests a greeting as soon as the channel opens.
	AutoGreeting bool

	// UserName personalizes greeting and follow-up requests.
	UserName string

	// SessionID identifies the session in logs and history. A random UUID
	// is generated when empty.
	SessionID string

	// Calibrator classifies microphone levels. Defaults to a fixed
	// threshold of [vad.DefaultFixedThreshold].
	Calibrator vad.AmplitudeCalibrator

	// Metrics receives session metrics. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger is the base logger. Defaults to [slog.Default].
	Logger *slog.Logger

	Hooks Hooks
}

func (c Config) withDefaults() Config {
	c.Policy = timing.Default().Merge(c.Policy)
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	if c.Calibrator == nil {
		c.Calibrator = vad.NewFixed(vad.DefaultFixedThreshold)
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("session_id", c.SessionID)
	return c
}

// Conn is the duplex connection a session runs over. [*channel.Channel]
// implements it.
type Conn interface {
	Transport

	// Open starts connecting and dispatches frames to h.
	Open(ctx context.Context, h channel.Handlers) error
}

// Session is one conversation between the learner and the tutor. It is
// created when the conversation screen gains focus and closed when it is left.
//
// Exported methods are safe for concurrent use.
type Session struct {
	cfg  Config
	conn Conn
	m    *machine

	events   chan func()
	stop     chan struct{}
	stopOnce sync.Once
}

// New returns a session that has not started yet; call [Session.Run].
func New(conn Conn, mic audio.Microphone, spk audio.Speaker, cfg Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:    cfg,
		conn:   conn,
		events: make(chan func(), eventQueueSize),
		stop:   make(chan struct{}),
	}
	s.m = newMachine(cfg, conn, mic, spk, timing.NewLoopScheduler(s.post))
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.cfg.SessionID }

// State returns the current turn state.
func (s *Session) State() TurnState { return TurnState(s.m.mirror.Load()) }

// ToggleLabel returns the label of the single host control: "stop" while
// listening, "start" otherwise.
func (s *Session) ToggleLabel() string {
	if s.State() == StateListening {
		return "stop"
	}
	return "start"
}

// Run opens the channel and processes events until ctx is cancelled or
// [Session.Close] is called.
func (s *Session) Run(ctx context.Context) error {
	s.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	defer s.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)

	s.m.ctx = ctx
	err := s.conn.Open(ctx, channel.Handlers{
		OnOpen:    func() { s.dispatch(event{kind: evOpen}) },
		OnControl: func(m channel.ControlMessage) { s.dispatch(event{kind: evControl, control: m}) },
		OnAudio:   func(b []byte) { s.dispatch(event{kind: evAudio, audio: b}) },
		OnClose:   func(err error) { s.dispatch(event{kind: evClose, err: err}) },
	})
	if err != nil {
		return fmt.Errorf("conversation: open channel: %w", err)
	}
	s.cfg.Logger.Info("conversation: session started")

	for {
		select {
		case f := <-s.events:
			f()
		case <-s.stop:
			s.m.handle(event{kind: evShutdown})
			s.cfg.Logger.Info("conversation: session closed")
			return nil
		case <-ctx.Done():
			s.m.handle(event{kind: evShutdown})
			return ctx.Err()
		}
	}
}

// Toggle is the single host control: it stops an active recording, or starts
// listening when the session is idle.
func (s *Session) Toggle() { s.dispatch(event{kind: evToggle}) }

// Focus resumes the hands-free loop after [Session.Blur].
func (s *Session) Focus() {
	s.m.focused.Store(true)
	s.dispatch(event{kind: evFocus})
}

// Blur pauses the session: recording is aborted and playback stopped. Every
// pending continuation observes the cleared focus flag immediately.
func (s *Session) Blur() {
	s.m.focused.Store(false)
	s.dispatch(event{kind: evBlur})
}

// Close stops the event loop and closes the channel. Safe to call more than
// once.
func (s *Session) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return s.conn.Close()
}

func (s *Session) dispatch(e event) {
	s.post(func() { s.m.handle(e) })
}

// post hands f to the event loop. It reports false once the session is
// closed.
func (s *Session) post(f func()) bool {
	select {
	case <-s.stop:
		return false
	default:
	}
	select {
	case s.events <- f:
		return true
	case <-s.stop:
		return false
	}
}
