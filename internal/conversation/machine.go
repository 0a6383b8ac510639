package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/tutorvoice/internal/channel"
	"github.com/MrWong99/tutorvoice/internal/observe"
	"github.com/MrWong99/tutorvoice/internal/playback"
	"github.com/MrWong99/tutorvoice/internal/timing"
	"github.com/MrWong99/tutorvoice/internal/vad"
	"github.com/MrWong99/tutorvoice/pkg/audio"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// maxConsecutiveTimeouts is the number of response timeouts in a row after
// which the session fails.
const maxConsecutiveTimeouts = 2

// Transport sends frames to the tutor backend.
type Transport interface {
	// Send marshals v to JSON and writes it as one text frame.
	Send(v any) error

	// IsConnected reports whether the transport is established.
	IsConnected() bool

	// Close tears the transport down. Safe to call more than once.
	Close() error
}

// machine is the turn-taking state machine of one session. Every method runs
// on the session's event loop; only focused and mirror are read from other
// goroutines.
type machine struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	sched   timing.Scheduler
	tr      Transport
	rec     *vad.Recorder
	seq     *playback.Sequencer
	ctx     context.Context

	focused atomic.Bool
	mirror  atomic.Int32

	state     TurnState
	connected bool
	closed    bool

	// Response tracking.
	awaiting   bool
	gotControl bool
	sentAt     time.Time
	timeouts   int
	response   *timing.Timer
	turn       trace.Span

	// next holds the single pending continuation (settle, discard reopen,
	// failure retry).
	next *timing.Timer

	// Pause detection.
	pauseWatch       *timing.Timer
	hadUtterance     bool
	lastUtteranceEnd time.Time
	userStopped      bool
	classifyNext     bool
	ended            bool

	retriedFailure bool
	pendingAudio   []byte
}

func newMachine(cfg Config, tr Transport, mic audio.Microphone, spk audio.Speaker, sched timing.Scheduler) *machine {
	m := &machine{
		cfg:        cfg,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		sched:      sched,
		tr:         tr,
		ctx:        context.Background(),
		response:   timing.NewTimer(sched),
		next:       timing.NewTimer(sched),
		pauseWatch: timing.NewTimer(sched),
	}
	m.rec = vad.New(mic, sched, cfg.Policy, func(r vad.Result) {
		m.handle(event{kind: evRecorded, result: r})
	}, vad.WithCalibrator(cfg.Calibrator), vad.WithLogger(cfg.Logger), vad.WithStartNotify(func(p timing.Phase) {
		m.handle(event{kind: evRecordingStarted, phase: p})
	}))
	m.seq = playback.New(spk, sched, func(c playback.Completion) {
		m.handle(event{kind: evPlayed, completion: c})
	}, playback.WithLogger(cfg.Logger), playback.WithMetrics(cfg.Metrics))
	m.focused.Store(true)
	return m
}

// handle is the single entry point of the state machine.
func (m *machine) handle(e event) {
	if m.closed {
		return
	}
	if m.state == StateError {
		switch e.kind {
		case evBlur, evShutdown:
		default:
			m.log.Debug("conversation: event ignored in error state", "event", e.kind)
			return
		}
	}

	switch e.kind {
	case evOpen:
		m.onOpen()
	case evClose:
		m.fail(e.err)
	case evControl:
		m.onControl(e.control)
	case evAudio:
		m.onAudio(e.audio)
	case evRecorded:
		m.onRecorded(e.result)
	case evRecordingStarted:
		m.onRecordingStarted(e.phase)
	case evPlayed:
		m.onPlayed(e.completion)
	case evToggle:
		m.onToggle()
	case evFocus:
		m.onFocus()
	case evBlur:
		m.onBlur()
	case evPauseTick:
		m.checkPause()
		m.armPauseWatch()
	case evResponseTimeout:
		m.onResponseTimeout()
	case evListen:
		m.listen(e.phase)
	case evShutdown:
		m.onShutdown()
	}
}

func (m *machine) setState(to TurnState) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.mirror.Store(int32(to))
	m.log.Debug("conversation: state change", "from", from, "to", to)
	m.metrics.RecordTransition(m.ctx, from.String(), to.String())
	if h := m.cfg.Hooks.OnStateChange; h != nil {
		h(from, to)
	}
}

// ── Channel events ───────────────────────────────────────────────────────────

func (m *machine) onOpen() {
	m.connected = true
	m.log.Info("conversation: channel open")
	m.armPauseWatch()
	if m.cfg.AutoGreeting && m.focused.Load() {
		m.request(channel.RequestGreeting, StateGreeting)
	}
}

// request sends a control request, enters state and starts waiting for the
// reply.
func (m *machine) request(t channel.RequestType, state TurnState) {
	err := m.tr.Send(channel.ControlRequest{Type: t, UserName: m.cfg.UserName})
	if err != nil {
		m.fail(fmt.Errorf("%w: send %s: %w", ErrConnectionClosed, t, err))
		return
	}
	m.setState(state)
	m.await(string(t))
}

// await starts waiting for the reply to the frame just sent. kind names that
// frame on the turn span.
func (m *machine) await(kind string) {
	m.endTurn(nil)
	_, m.turn = observe.StartSpan(m.ctx, "conversation.turn",
		trace.WithAttributes(attribute.String("turn.kind", kind)))
	m.awaiting = true
	m.gotControl = false
	m.sentAt = m.sched.Now()
	m.response.Arm(m.cfg.Policy.ResponseTimeout, func() {
		m.handle(event{kind: evResponseTimeout})
	})
}

// received books the arrival of any inbound frame.
func (m *machine) received() {
	if !m.sentAt.IsZero() {
		m.metrics.RoundTripDuration.Record(m.ctx, m.sched.Now().Sub(m.sentAt).Seconds())
		m.sentAt = time.Time{}
		m.endTurn(nil)
	}
	m.timeouts = 0
}

// endTurn ends the span of the request or upload awaiting a reply.
func (m *machine) endTurn(err error) {
	if m.turn == nil {
		return
	}
	observe.EndSpan(m.turn, err)
	m.turn = nil
}

func (m *machine) onControl(msg channel.ControlMessage) {
	m.received()
	if h := m.cfg.Hooks.OnMessage; h != nil {
		h(msg)
	}
	if m.awaiting {
		m.gotControl = true
		m.response.Arm(m.cfg.Policy.ResponseTimeout, func() {
			m.handle(event{kind: evResponseTimeout})
		})
	}

	if !m.classifyNext || msg.OriginalText == "" {
		return
	}
	m.classifyNext = false
	if IsResume(msg.OriginalText) {
		m.log.Info("conversation: learner resumed after pause")
		return
	}
	m.endGracefully("declined")
}

func (m *machine) onAudio(buf []byte) {
	if !m.focused.Load() {
		return
	}
	m.received()
	m.awaiting = false
	m.gotControl = false
	m.response.Stop()
	m.next.Stop()

	if m.rec.Busy() {
		// The microphone must be fully closed before the speaker opens.
		m.pendingAudio = buf
		m.rec.Abort()
		if m.state == StateListening {
			m.setState(StateIdle)
		}
		return
	}
	// Drop a deferred start so the microphone stays closed while speaking.
	m.rec.Abort()
	m.play(buf)
}

func (m *machine) play(buf []byte) {
	greeting := m.state == StateGreeting
	switch m.state {
	case StateGreeting, StatePauseDetected:
	default:
		m.setState(StateSpeaking)
	}
	m.seq.Play(buf, greeting)
}

func (m *machine) onResponseTimeout() {
	if !m.awaiting {
		return
	}
	m.awaiting = false

	if m.gotControl {
		// Text-only reply: nothing will be played.
		m.gotControl = false
		m.log.Debug("conversation: text-only reply, reopening microphone")
		m.listen(m.phaseAfterReply())
		return
	}

	m.timeouts++
	m.metrics.ResponseTimeouts.Add(m.ctx, 1)
	m.endTurn(ErrResponseTimeout)
	if m.timeouts >= maxConsecutiveTimeouts {
		m.fail(fmt.Errorf("%w: no reply within %s", ErrResponseTimeout, m.cfg.Policy.ResponseTimeout))
		return
	}
	m.log.Warn("conversation: no reply from backend, listening again",
		"timeout", m.cfg.Policy.ResponseTimeout,
		"consecutive", m.timeouts,
	)
	m.classifyNext = false
	phase := timing.PhaseConversation
	if m.state == StateGreeting {
		phase = timing.PhaseOpening
	}
	m.setState(StateIdle)
	m.listen(phase)
}

// phaseAfterReply returns the phase of the listening turn that follows the
// reply to the current state's request.
func (m *machine) phaseAfterReply() timing.Phase {
	switch m.state {
	case StateGreeting:
		return timing.PhaseOpening
	case StatePauseDetected:
		return timing.PhaseFollowUp
	default:
		return timing.PhaseConversation
	}
}

// ── Device events ────────────────────────────────────────────────────────────

func (m *machine) onRecorded(res vad.Result) {
	if cal := m.rec.Calibration(); cal.Calibrated {
		m.metrics.CalibratedThreshold.Record(m.ctx, cal.Threshold)
	}

	if buf := m.pendingAudio; buf != nil {
		m.pendingAudio = nil
		m.metrics.RecordDiscarded(m.ctx, vad.StopAborted.String())
		if m.focused.Load() {
			m.play(buf)
		}
		return
	}

	switch {
	case res.Reason == vad.StopFailed:
		m.recordingFailed(res.Utterance.Phase, res.Err)
	case res.Reason == vad.StopAborted:
		m.metrics.RecordDiscarded(m.ctx, res.DiscardReason())
		if m.state == StateListening {
			m.setState(StateIdle)
		}
	case res.Forward:
		m.forward(res.Utterance)
	default:
		m.discard(res)
	}
}

func (m *machine) forward(u vad.Utterance) {
	err := m.tr.Send(channel.NewUtteranceUpload(u.Capture, m.cfg.UserName))
	if err != nil {
		m.fail(fmt.Errorf("%w: send utterance: %w", ErrConnectionClosed, err))
		return
	}
	m.log.Info("conversation: utterance sent",
		"phase", u.Phase,
		"speech", u.SpeechDuration(),
		"degraded", u.Degraded,
	)
	m.metrics.RecordForwarded(m.ctx, u.SpeechDuration())

	m.hadUtterance = true
	m.lastUtteranceEnd = u.EndedAt
	m.userStopped = false
	m.retriedFailure = false
	m.classifyNext = u.Phase == timing.PhaseFollowUp
	m.setState(StateIdle)
	m.await("utterance")

	if h := m.cfg.Hooks.OnUtterance; h != nil {
		h(u)
	}
}

func (m *machine) discard(res vad.Result) {
	reason := res.DiscardReason()
	m.log.Debug("conversation: recording discarded", "reason", reason, "err", ErrInvalidUtterance)
	m.metrics.RecordDiscarded(m.ctx, reason)
	m.setState(StateIdle)

	phase := res.Utterance.Phase
	switch {
	case res.Reason == vad.StopManual:
		m.userStopped = true
	case phase == timing.PhaseFollowUp && res.Utterance.SpeechStart == nil:
		m.endGracefully("no answer")
	case m.checkPause():
	default:
		m.next.Arm(m.cfg.Policy.DiscardReopen, func() {
			m.handle(event{kind: evListen, phase: phase})
		})
	}
}

// recordingFailed alerts the host and schedules the single automatic retry.
func (m *machine) recordingFailed(phase timing.Phase, err error) {
	kind := "device"
	if errors.Is(err, ErrPermissionDenied) {
		kind = "permission"
	}
	m.metrics.RecordRecordingError(m.ctx, kind)
	m.log.Warn("conversation: recording failed", "kind", kind, "err", err)
	m.setState(StateIdle)
	if h := m.cfg.Hooks.OnAlert; h != nil {
		h(err)
	}
	if m.retriedFailure {
		return
	}
	m.retriedFailure = true
	m.next.Arm(m.cfg.Policy.FailureRetry, func() {
		m.handle(event{kind: evListen, phase: phase})
	})
}

func (m *machine) onPlayed(c playback.Completion) {
	if c.Err != nil {
		m.log.Warn("conversation: reply could not be played", "greeting", c.Greeting, "err", c.Err)
	}
	m.lastUtteranceEnd = m.sched.Now()
	if !m.focused.Load() || m.ended {
		m.setState(StateIdle)
		return
	}
	phase := m.phaseAfterReply()
	m.next.Arm(m.cfg.Policy.SettleDelay(c.Greeting), func() {
		m.handle(event{kind: evListen, phase: phase})
	})
}

// mayListen reports whether nothing else owns the turn.
func (m *machine) mayListen() bool {
	return m.focused.Load() && !m.ended && m.connected && !m.awaiting && !m.seq.Active()
}

// listen opens the microphone if nothing else owns the turn. While the
// previous recording is still closing the recorder defers the start, and the
// machine enters Listening only once it reports the microphone open.
func (m *machine) listen(phase timing.Phase) {
	if !m.mayListen() {
		return
	}
	if err := m.rec.Start(m.ctx, phase); err != nil {
		if errors.Is(err, vad.ErrBusy) {
			return
		}
		m.recordingFailed(phase, err)
		return
	}
	if m.rec.State() != vad.StateRecording {
		m.log.Debug("conversation: microphone still closing, start deferred", "phase", phase)
		return
	}
	m.setState(StateListening)
}

// onRecordingStarted handles a deferred start that opened the microphone.
func (m *machine) onRecordingStarted(phase timing.Phase) {
	if !m.mayListen() {
		m.log.Debug("conversation: deferred recording no longer wanted", "phase", phase)
		m.rec.Abort()
		return
	}
	m.setState(StateListening)
}

// ── Pause detection ──────────────────────────────────────────────────────────

func (m *machine) armPauseWatch() {
	m.pauseWatch.Arm(m.cfg.Policy.PauseCheckInterval, func() {
		m.handle(event{kind: evPauseTick})
	})
}

// checkPause enters PauseDetected when the learner has been quiet for the
// pause threshold. It reports whether it did.
func (m *machine) checkPause() bool {
	switch {
	case !m.focused.Load(), !m.connected, m.ended, m.userStopped, !m.hadUtterance:
		return false
	case m.state != StateIdle && m.state != StateSpeaking:
		return false
	case m.rec.Busy(), m.rec.RetryPending(), m.seq.Active(), m.awaiting, m.next.Pending():
		return false
	}
	idle := m.sched.Now().Sub(m.lastUtteranceEnd)
	if idle < m.cfg.Policy.PauseThreshold {
		return false
	}

	m.log.Info("conversation: prolonged pause", "idle", idle)
	m.metrics.PausesDetected.Add(m.ctx, 1)
	if h := m.cfg.Hooks.OnPausePrompt; h != nil {
		h()
	}
	m.request(channel.RequestProlongedPause, StatePauseDetected)
	return true
}

// endGracefully stops the hands-free loop after the learner declined to
// continue. The host may offer a manual restart.
func (m *machine) endGracefully(why string) {
	m.log.Info("conversation: ended", "reason", why)
	m.ended = true
	m.classifyNext = false
	m.awaiting = false
	m.response.Stop()
	m.next.Stop()
	m.rec.Abort()
	if !m.seq.Active() {
		m.setState(StateIdle)
	}
	if h := m.cfg.Hooks.OnRestartAvailable; h != nil {
		h()
	}
}

// ── Host events ──────────────────────────────────────────────────────────────

func (m *machine) onToggle() {
	switch m.state {
	case StateListening:
		m.rec.Stop()
	case StateIdle:
		if m.awaiting || m.seq.Active() || m.rec.Busy() || !m.connected {
			return
		}
		m.ended = false
		m.userStopped = false
		m.timeouts = 0
		m.retriedFailure = false
		m.next.Stop()
		m.listen(m.resumePhase())
	}
}

// resumePhase is the phase of a listening turn that is not a reply to
// anything: the opening turn until the learner has spoken once.
func (m *machine) resumePhase() timing.Phase {
	if m.hadUtterance {
		return timing.PhaseConversation
	}
	return timing.PhaseOpening
}

func (m *machine) onFocus() {
	m.focused.Store(true)
	if m.state != StateIdle || !m.connected || m.ended || m.awaiting {
		return
	}
	phase := m.resumePhase()
	m.next.Arm(m.cfg.Policy.DiscardReopen, func() {
		m.handle(event{kind: evListen, phase: phase})
	})
}

func (m *machine) onBlur() {
	m.focused.Store(false)
	m.releaseDevices()
	m.awaiting = false
	m.response.Stop()
	m.endTurn(nil)
	if m.state != StateError {
		m.setState(StateIdle)
	}
}

// releaseDevices closes the microphone and the speaker and drops every
// pending continuation.
func (m *machine) releaseDevices() {
	m.next.Stop()
	m.pendingAudio = nil
	m.rec.Abort()
	m.seq.Stop()
}

// fail moves to the terminal Error state.
func (m *machine) fail(err error) {
	if m.state == StateError {
		return
	}
	m.connected = false
	m.log.Error("conversation: session failed", "err", err)
	m.releaseDevices()
	m.awaiting = false
	m.response.Stop()
	m.endTurn(err)
	m.pauseWatch.Stop()
	m.setState(StateError)
	if h := m.cfg.Hooks.OnError; h != nil {
		h(err)
	}
}

func (m *machine) onShutdown() {
	m.releaseDevices()
	m.response.Stop()
	m.endTurn(nil)
	m.pauseWatch.Stop()
	m.closed = true
	if err := m.tr.Close(); err != nil {
		m.log.Debug("conversation: close transport", "err", err)
	}
}
