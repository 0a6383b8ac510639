// Package vad implements the voice activity detector and the recorder that
// turns one microphone recording into one utterance.
//
// A [Recorder] samples the microphone level on a fixed interval and
// classifies each sample against the threshold produced by its
// [AmplitudeCalibrator]. A single silence timer ends the recording: before any
// speech it runs for the phase's initial silence window, and every loud sample
// re-arms it with the post-speech window. When the device never reports a
// usable level the recorder degrades to a fixed-length recording.
//
// The recorder is not safe for concurrent use. All methods and all scheduler
// callbacks must run on the owning event loop; device callbacks are re-posted
// onto it through the scheduler.
package vad

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/tutorvoice/internal/timing"
	"github.com/MrWong99/tutorvoice/pkg/audio"
)

// ErrRecordingFailure wraps errors reported by the microphone while starting
// or stopping a recording.
var ErrRecordingFailure = errors.New("vad: recording failure")

// ErrBusy is returned by [Recorder.Start] while a recording is active.
var ErrBusy = errors.New("vad: recording already active")

// State is the recorder lifecycle state.
type State int

const (
	// StateIdle means the microphone is closed.
	StateIdle State = iota

	// StateRecording means the microphone is open and being sampled.
	StateRecording

	// StateStopping means a stop was requested and the device has not yet
	// delivered the capture.
	StateStopping
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StopReason records why a recording ended.
type StopReason int

const (
	// StopSilence is an automatic stop by the silence timer.
	StopSilence StopReason = iota

	// StopManual is a stop requested by the user.
	StopManual

	// StopAborted is a forced stop whose recording is always discarded.
	StopAborted

	// StopFailed means the device failed to start or stop.
	StopFailed
)

// String returns the human-readable name of the reason.
func (r StopReason) String() string {
	switch r {
	case StopSilence:
		return "silence"
	case StopManual:
		return "manual"
	case StopAborted:
		return "aborted"
	case StopFailed:
		return "failed"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Utterance is one recording from microphone start to stop.
type Utterance struct {
	// Phase is the conversational phase the recording was started in.
	Phase timing.Phase

	// StartedAt is when the microphone opened.
	StartedAt time.Time

	// SpeechStart is when the first loud sample was seen; nil if none was.
	SpeechStart *time.Time

	// EndedAt is when the stop was requested.
	EndedAt time.Time

	// Degraded reports that no usable metering was available and the
	// recording ran for a fixed length.
	Degraded bool

	// Capture is the recorded audio.
	Capture audio.Capture
}

// Duration returns the total recording length.
func (u Utterance) Duration() time.Duration {
	return u.EndedAt.Sub(u.StartedAt)
}

// SpeechDuration returns the span from the first loud sample to the stop, or
// zero if no speech was detected.
func (u Utterance) SpeechDuration() time.Duration {
	if u.SpeechStart == nil {
		return 0
	}
	return u.EndedAt.Sub(*u.SpeechStart)
}

// Result is delivered once per recording when the microphone is closed.
type Result struct {
	Utterance Utterance
	Reason    StopReason

	// Forward reports whether the utterance should be sent to the backend.
	Forward bool

	// Err is set when Reason is StopFailed; it wraps [ErrRecordingFailure]
	// or [audio.ErrPermissionDenied].
	Err error
}

// DiscardReason returns a short label for why a result is not forwarded, or
// "" if it is.
func (r Result) DiscardReason() string {
	switch {
	case r.Forward:
		return ""
	case r.Reason == StopFailed:
		return "failed"
	case r.Reason == StopAborted:
		return "aborted"
	case r.Utterance.SpeechStart == nil:
		return "no_speech"
	default:
		return "too_short"
	}
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithCalibrator sets the amplitude calibrator. Defaults to
// [NewFixed]([DefaultFixedThreshold]).
func WithCalibrator(c AmplitudeCalibrator) Option {
	return func(r *Recorder) { r.cal = c }
}

// WithStartNotify sets a callback that reports a recording opened by a
// deferred start (see [Recorder.Start]). It runs on the scheduler's goroutine.
func WithStartNotify(f func(timing.Phase)) Option {
	return func(r *Recorder) { r.onStart = f }
}

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.log = l }
}

// Recorder owns the microphone for a single conversation session.
type Recorder struct {
	mic    audio.Microphone
	sched  timing.Scheduler
	policy timing.Policy
	cal    AmplitudeCalibrator
	onDone  func(Result)
	onStart func(timing.Phase)
	log     *slog.Logger

	state   State
	sampler *timing.Timer
	silence *timing.Timer
	retry   *timing.Timer

	cur         Utterance
	reason      StopReason
	metered     bool
	calibration Calibration
	gen         uint64
}

// New returns a Recorder. onDone receives exactly one [Result] per started
// recording, on the scheduler's goroutine.
func New(mic audio.Microphone, sched timing.Scheduler, policy timing.Policy, onDone func(Result), opts ...Option) *Recorder {
	r := &Recorder{
		mic:     mic,
		sched:   sched,
		policy:  policy,
		cal:     NewFixed(DefaultFixedThreshold),
		onDone:  onDone,
		log:     slog.Default(),
		sampler: timing.NewTimer(sched),
		silence: timing.NewTimer(sched),
		retry:   timing.NewTimer(sched),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// State returns the recorder's lifecycle state.
func (r *Recorder) State() State { return r.state }

// Busy reports whether the microphone is open or still closing.
func (r *Recorder) Busy() bool { return r.state != StateIdle }

// RetryPending reports whether a start is waiting for a stop to complete.
func (r *Recorder) RetryPending() bool { return r.retry.Pending() }

// Calibration returns the calibration of the current or last recording.
func (r *Recorder) Calibration() Calibration { return r.calibration }

// Start opens the microphone for a new recording in the given phase.
//
// While a previous recording is still stopping Start returns nil without
// opening the microphone and retries after the policy's start retry delay.
// Callers check [Recorder.State] to tell the two apart. A retried start that
// opens the microphone is reported through [WithStartNotify]; one that fails
// is delivered as a [StopFailed] result. Start returns [ErrBusy] while
// recording.
func (r *Recorder) Start(ctx context.Context, phase timing.Phase) error {
	switch r.state {
	case StateRecording:
		return ErrBusy
	case StateStopping:
		r.log.Debug("vad: start while stopping, retrying", "delay", r.policy.StartRetry)
		r.retry.Arm(r.policy.StartRetry, func() {
			err := r.Start(ctx, phase)
			switch {
			case err != nil && !errors.Is(err, ErrBusy):
				r.onDone(Result{Utterance: Utterance{Phase: phase}, Reason: StopFailed, Err: err})
			case err == nil && r.state == StateRecording && r.onStart != nil:
				r.onStart(phase)
			}
		})
		return nil
	}

	r.retry.Stop()
	if err := r.mic.Start(ctx); err != nil {
		if errors.Is(err, audio.ErrPermissionDenied) {
			return fmt.Errorf("vad: start: %w", err)
		}
		return fmt.Errorf("%w: start: %w", ErrRecordingFailure, err)
	}

	now := r.sched.Now()
	r.gen++
	r.state = StateRecording
	r.cur = Utterance{Phase: phase, StartedAt: now}
	r.metered = false
	r.cal.Reset(now)
	r.calibration = Calibration{}

	r.silence.Arm(r.policy.InitialSilenceFor(phase), func() { r.stop(StopSilence) })
	r.sampler.Arm(0, r.sample)
	r.log.Debug("vad: recording started", "phase", phase)
	return nil
}

// Stop ends the recording as a manual stop. It is a no-op unless recording.
func (r *Recorder) Stop() {
	r.stop(StopManual)
}

// Abort force-stops the recording and discards it. It returns true when a
// [Result] with [StopAborted] will follow, i.e. the microphone was open or
// closing; false means the microphone is already closed. A pending start
// retry is cancelled.
func (r *Recorder) Abort() bool {
	r.retry.Stop()
	switch r.state {
	case StateRecording:
		r.stop(StopAborted)
		return true
	case StateStopping:
		r.reason = StopAborted
		return true
	default:
		return false
	}
}

func (r *Recorder) sample() {
	if r.state != StateRecording {
		return
	}
	now := r.sched.Now()
	level, ok := r.mic.Level()
	if !ok {
		if !r.metered && now.Sub(r.cur.StartedAt) >= r.policy.MeteringTimeout {
			r.degrade(now)
			return
		}
		r.sampler.Arm(r.policy.SampleInterval, r.sample)
		return
	}

	r.metered = true
	r.calibration = r.cal.Observe(now, level)
	if r.calibration.IsSpeech(level) {
		if r.cur.SpeechStart == nil {
			t := now
			r.cur.SpeechStart = &t
			r.log.Debug("vad: speech started", "level", level, "threshold", r.calibration.Threshold)
		}
		r.silence.Arm(r.policy.PostSpeechSilenceFor(r.cur.Phase), func() { r.stop(StopSilence) })
	}
	r.sampler.Arm(r.policy.SampleInterval, r.sample)
}

// degrade switches to a fixed-length recording with speech assumed to start
// now.
func (r *Recorder) degrade(now time.Time) {
	r.log.Warn("vad: no metering available, recording fixed duration", "duration", r.policy.DegradedRecording)
	r.sampler.Stop()
	r.cur.Degraded = true
	t := now
	r.cur.SpeechStart = &t
	r.silence.Arm(r.policy.DegradedRecording, func() { r.stop(StopSilence) })
}

func (r *Recorder) stop(reason StopReason) {
	if r.state != StateRecording {
		return
	}
	r.state = StateStopping
	r.reason = reason
	r.sampler.Stop()
	r.silence.Stop()
	r.cur.EndedAt = r.sched.Now()

	gen := r.gen
	r.mic.Stop(func(c audio.Capture, err error) {
		r.sched.AfterFunc(0, func() { r.finish(gen, c, err) })
	})
}

func (r *Recorder) finish(gen uint64, c audio.Capture, err error) {
	if gen != r.gen || r.state != StateStopping {
		return
	}
	r.state = StateIdle

	u := r.cur
	u.Capture = c
	res := Result{Utterance: u, Reason: r.reason}
	switch {
	case err != nil:
		res.Reason = StopFailed
		res.Err = fmt.Errorf("%w: stop: %w", ErrRecordingFailure, err)
	case r.reason == StopAborted:
	default:
		res.Forward = u.SpeechStart != nil && u.SpeechDuration() >= r.policy.MinSpeechDuration
	}

	r.log.Debug("vad: recording finished",
		"reason", res.Reason,
		"forward", res.Forward,
		"duration", u.Duration(),
		"speech", u.SpeechDuration(),
	)
	r.onDone(res)
}
