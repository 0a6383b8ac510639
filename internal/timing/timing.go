// Package timing holds the durations that pace a spoken conversation and the
// scheduler abstraction every component uses to arm timers.
//
// The silence windows depend on where the conversation currently is: the
// first answer after the tutor's greeting gets a longer pre-speech window,
// while the short yes/no answer to a prolonged-pause question ends sooner.
// [Policy.InitialSilenceFor] and [Policy.PostSpeechSilenceFor] make that
// choice and are pure functions of the policy values.
package timing

import (
	"fmt"
	"time"
)

// Phase identifies the conversational phase a recording belongs to.
type Phase int

const (
	// PhaseConversation is a regular turn in the middle of a dialogue.
	PhaseConversation Phase = iota

	// PhaseOpening is the first user turn after the greeting.
	PhaseOpening

	// PhaseFollowUp is the answer to a prolonged-pause follow-up question.
	PhaseFollowUp
)

// String returns the human-readable name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseConversation:
		return "conversation"
	case PhaseOpening:
		return "opening"
	case PhaseFollowUp:
		return "follow_up"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Default durations.
const (
	DefaultSampleInterval     = 200 * time.Millisecond
	DefaultCalibrationWindow  = 1 * time.Second
	DefaultMeteringTimeout    = 2 * time.Second
	DefaultDegradedRecording  = 6 * time.Second
	DefaultMinSpeechDuration  = 500 * time.Millisecond
	DefaultGreetingSettle     = 800 * time.Millisecond
	DefaultPlaybackSettle     = 1200 * time.Millisecond
	DefaultDiscardReopen      = 600 * time.Millisecond
	DefaultStartRetry         = 150 * time.Millisecond
	DefaultFailureRetry       = 2 * time.Second
	DefaultPauseThreshold     = 7 * time.Second
	DefaultPauseCheckInterval = 1 * time.Second
	DefaultConnectTimeout     = 5 * time.Second
	DefaultResponseTimeout    = 20 * time.Second

	DefaultInitialSilence         = 10 * time.Second
	DefaultOpeningInitialSilence  = 12 * time.Second
	DefaultPostSpeechSilence      = 3 * time.Second
	DefaultFollowUpPostSpeech     = 2 * time.Second
	DefaultFollowUpInitialSilence = 10 * time.Second
)

// Policy is the full set of conversation timings. The zero value is not
// useful; start from [Default] and override individual fields.
type Policy struct {
	// SampleInterval is the amplitude metering period.
	SampleInterval time.Duration

	// CalibrationWindow is how long adaptive calibration observes ambient
	// noise at the start of each recording.
	CalibrationWindow time.Duration

	// MeteringTimeout is how long the recorder waits for a usable metering
	// value before falling back to degraded mode.
	MeteringTimeout time.Duration

	// DegradedRecording is the fixed recording length used in degraded mode.
	DegradedRecording time.Duration

	// MinSpeechDuration is the shortest speech span that is forwarded.
	MinSpeechDuration time.Duration

	// GreetingSettle is the pause between greeting playback and listening.
	GreetingSettle time.Duration

	// PlaybackSettle is the pause between a reply's playback and listening.
	PlaybackSettle time.Duration

	// DiscardReopen is the pause before listening again after a discard.
	DiscardReopen time.Duration

	// StartRetry is the delay before retrying a start that raced a stop.
	StartRetry time.Duration

	// FailureRetry is the delay before the single automatic retry after a
	// permission or recording failure.
	FailureRetry time.Duration

	// PauseThreshold is the idle time after which a prolonged pause is
	// detected.
	PauseThreshold time.Duration

	// PauseCheckInterval is the pause watcher period.
	PauseCheckInterval time.Duration

	// ConnectTimeout bounds channel establishment.
	ConnectTimeout time.Duration

	// ResponseTimeout bounds the wait between a sent request and the first
	// inbound frame.
	ResponseTimeout time.Duration

	InitialSilence         time.Duration
	OpeningInitialSilence  time.Duration
	FollowUpInitialSilence time.Duration
	PostSpeechSilence      time.Duration
	FollowUpPostSpeech     time.Duration
}

// Default returns the standard policy.
func Default() Policy {
	return Policy{
		SampleInterval:         DefaultSampleInterval,
		CalibrationWindow:      DefaultCalibrationWindow,
		MeteringTimeout:        DefaultMeteringTimeout,
		DegradedRecording:      DefaultDegradedRecording,
		MinSpeechDuration:      DefaultMinSpeechDuration,
		GreetingSettle:         DefaultGreetingSettle,
		PlaybackSettle:         DefaultPlaybackSettle,
		DiscardReopen:          DefaultDiscardReopen,
		StartRetry:             DefaultStartRetry,
		FailureRetry:           DefaultFailureRetry,
		PauseThreshold:         DefaultPauseThreshold,
		PauseCheckInterval:     DefaultPauseCheckInterval,
		ConnectTimeout:         DefaultConnectTimeout,
		ResponseTimeout:        DefaultResponseTimeout,
		InitialSilence:         DefaultInitialSilence,
		OpeningInitialSilence:  DefaultOpeningInitialSilence,
		FollowUpInitialSilence: DefaultFollowUpInitialSilence,
		PostSpeechSilence:      DefaultPostSpeechSilence,
		FollowUpPostSpeech:     DefaultFollowUpPostSpeech,
	}
}

// InitialSilenceFor returns how long a recording may stay silent before any
// speech is detected.
func (p Policy) InitialSilenceFor(phase Phase) time.Duration {
	switch phase {
	case PhaseOpening:
		return p.OpeningInitialSilence
	case PhaseFollowUp:
		return p.FollowUpInitialSilence
	default:
		return p.InitialSilence
	}
}

// PostSpeechSilenceFor returns how much trailing silence ends an utterance once
// speech has started.
func (p Policy) PostSpeechSilenceFor(phase Phase) time.Duration {
	if phase == PhaseFollowUp {
		return p.FollowUpPostSpeech
	}
	return p.PostSpeechSilence
}

// SettleDelay returns the pause between the end of a playback and the next
// listening turn.
func (p Policy) SettleDelay(greeting bool) time.Duration {
	if greeting {
		return p.GreetingSettle
	}
	return p.PlaybackSettle
}

// Merge returns p with every non-zero field of o applied on top.
func (p Policy) Merge(o Policy) Policy {
	set := func(dst *time.Duration, v time.Duration) {
		if v > 0 {
			*dst = v
		}
	}
	set(&p.SampleInterval, o.SampleInterval)
	set(&p.CalibrationWindow, o.CalibrationWindow)
	set(&p.MeteringTimeout, o.MeteringTimeout)
	set(&p.DegradedRecording, o.DegradedRecording)
	set(&p.MinSpeechDuration, o.MinSpeechDuration)
	set(&p.GreetingSettle, o.GreetingSettle)
	set(&p.PlaybackSettle, o.PlaybackSettle)
	set(&p.DiscardReopen, o.DiscardReopen)
	set(&p.StartRetry, o.StartRetry)
	set(&p.FailureRetry, o.FailureRetry)
	set(&p.PauseThreshold, o.PauseThreshold)
	set(&p.PauseCheckInterval, o.PauseCheckInterval)
	set(&p.ConnectTimeout, o.ConnectTimeout)
	set(&p.ResponseTimeout, o.ResponseTimeout)
	set(&p.InitialSilence, o.InitialSilence)
	set(&p.OpeningInitialSilence, o.OpeningInitialSilence)
	set(&p.FollowUpInitialSilence, o.FollowUpInitialSilence)
	set(&p.PostSpeechSilence, o.PostSpeechSilence)
	set(&p.FollowUpPostSpeech, o.FollowUpPostSpeech)
	return p
}
