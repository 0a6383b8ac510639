package conversation

import (
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/MrWong99/tutorvoice/internal/channel"
	"github.com/MrWong99/tutorvoice/internal/timing"
	timingmock "github.com/MrWong99/tutorvoice/internal/timing/mock"
	"github.com/MrWong99/tutorvoice/internal/vad"
	audiomock "github.com/MrWong99/tutorvoice/pkg/audio/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

type fakeTransport struct {
	sent    []any
	sendErr error
	closed  int
}

func (f *fakeTransport) Send(v any) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeTransport) IsConnected() bool { return f.closed == 0 }

func (f *fakeTransport) Close() error {
	f.closed++
	return nil
}

type fixture struct {
	sched *timingmock.Scheduler
	mic   *audiomock.Microphone
	spk   *audiomock.Speaker
	tr    *fakeTransport
	m     *machine

	states     []TurnState
	messages   []channel.ControlMessage
	utterances []timing.Phase
	alerts     []error
	errs       []error
	prompts    int
	restarts   int
}

func newFixture(t *testing.T, greeting bool, mic *audiomock.Microphone) *fixture {
	t.Helper()
	f := &fixture{
		sched: timingmock.NewScheduler(),
		mic:   mic,
		spk:   &audiomock.Speaker{},
		tr:    &fakeTransport{},
	}
	cfg := Config{
		AutoGreeting: greeting,
		UserName:     "Ada",
		Logger:       slog.New(slog.DiscardHandler),
		Hooks: Hooks{
			OnStateChange:      func(_, to TurnState) { f.states = append(f.states, to) },
			OnMessage:          func(m channel.ControlMessage) { f.messages = append(f.messages, m) },
			OnAlert:            func(err error) { f.alerts = append(f.alerts, err) },
			OnError:            func(err error) { f.errs = append(f.errs, err) },
			OnPausePrompt:      func() { f.prompts++ },
			OnRestartAvailable: func() { f.restarts++ },
			OnUtterance:        func(u vad.Utterance) { f.utterances = append(f.utterances, u.Phase) },
		},
	}
	f.m = newMachine(cfg.withDefaults(), f.tr, f.mic, f.spk, f.sched)
	return f
}

func (f *fixture) send(e event) { f.m.handle(e) }

func (f *fixture) wantState(t *testing.T, want TurnState) {
	t.Helper()
	if f.m.state != want {
		t.Fatalf("state = %v, want %v", f.m.state, want)
	}
}

func (f *fixture) lastSent(t *testing.T) any {
	t.Helper()
	if len(f.tr.sent) == 0 {
		t.Fatal("nothing was sent")
	}
	return f.tr.sent[len(f.tr.sent)-1]
}

// speakOnce scripts a 400ms utterance: loud samples at 0, 200 and 400ms,
// silence afterwards.
func speakOnce(mic *audiomock.Microphone) {
	mic.SetLevels(-30, -30, -30, -60)
}

// forwardTurn opens the channel, toggles listening and lets one utterance be
// sent. The clock ends at 3.4s.
func forwardTurn(t *testing.T, f *fixture) {
	t.Helper()
	f.send(event{kind: evOpen})
	speakOnce(f.mic)
	f.send(event{kind: evToggle})
	f.wantState(t, StateListening)
	f.sched.Advance(3400 * time.Millisecond)
	if _, ok := f.lastSent(t).(channel.UtteranceUpload); !ok {
		t.Fatalf("last sent = %T, want UtteranceUpload", f.lastSent(t))
	}
	f.wantState(t, StateIdle)
}

// playReply delivers an audio frame and finishes its playback.
func (f *fixture) playReply() {
	f.send(event{kind: evAudio, audio: []byte("reply")})
	f.spk.Finish()
	f.sched.Flush()
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestMachine_GreetingThenOpeningTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, &audiomock.Microphone{Levels: []float64{-60, -60, -30, -30, -30, -60}})
	f.send(event{kind: evOpen})

	f.wantState(t, StateGreeting)
	req, ok := f.lastSent(t).(channel.ControlRequest)
	if !ok || req.Type != channel.RequestGreeting || req.UserName != "Ada" {
		t.Fatalf("sent %+v, want greeting request for Ada", f.lastSent(t))
	}
	if f.mic.StartCalls != 0 {
		t.Fatal("microphone opened while greeting")
	}

	f.send(event{kind: evAudio, audio: []byte("hello")})
	f.wantState(t, StateGreeting)
	if !f.spk.Playing() {
		t.Fatal("greeting is not playing")
	}
	f.spk.Finish()
	f.sched.Flush()

	f.sched.Advance(799 * time.Millisecond)
	if f.mic.StartCalls != 0 {
		t.Fatal("listening started before the greeting settle delay")
	}
	f.sched.Advance(time.Millisecond)
	f.wantState(t, StateListening)

	f.sched.Advance(4 * time.Second)
	up, ok := f.lastSent(t).(channel.UtteranceUpload)
	if !ok {
		t.Fatalf("last sent = %T, want UtteranceUpload", f.lastSent(t))
	}
	if up.UserName != "Ada" || up.AudioBase64 == "" {
		t.Errorf("upload = %+v", up)
	}
	if len(f.utterances) != 1 || f.utterances[0] != timing.PhaseOpening {
		t.Errorf("utterance phases = %v, want [opening]", f.utterances)
	}
	f.wantState(t, StateIdle)
	if !f.m.awaiting {
		t.Error("not awaiting a response after sending")
	}
	want := []TurnState{StateGreeting, StateListening, StateIdle}
	if fmt.Sprint(f.states) != fmt.Sprint(want) {
		t.Errorf("states = %v, want %v", f.states, want)
	}
}

func TestMachine_SettleDelayAfterPlayback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		greeting bool
		settle   time.Duration
	}{
		{"greeting", true, 800 * time.Millisecond},
		{"reply", false, 1200 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, tt.greeting, &audiomock.Microphone{Levels: []float64{-60}})
			f.send(event{kind: evOpen})
			f.playReply()

			f.sched.Advance(tt.settle - time.Millisecond)
			if f.m.state == StateListening {
				t.Fatal("listening before the settle delay elapsed")
			}
			f.sched.Advance(time.Millisecond)
			f.wantState(t, StateListening)
		})
	}
}

func TestMachine_AudioWhileListeningDiscardsRecording(t *testing.T) {
	t.Parallel()

	mic := &audiomock.Microphone{Levels: []float64{-30}, DeferStop: true}
	f := newFixture(t, false, mic)
	f.send(event{kind: evOpen})
	f.send(event{kind: evToggle})
	f.sched.Advance(time.Second)
	f.wantState(t, StateListening)

	f.send(event{kind: evAudio, audio: []byte("reply")})
	if mic.StopCalls != 1 {
		t.Fatalf("mic.StopCalls = %d, want 1", mic.StopCalls)
	}
	f.wantState(t, StateIdle)

	// The speaker waits for the microphone to close.
	f.sched.Flush()
	if len(f.spk.Loaded) != 0 {
		t.Fatal("playback started before the microphone closed")
	}

	mic.CompleteStop()
	f.sched.Flush()
	f.wantState(t, StateSpeaking)
	if len(f.spk.Loaded) != 1 || !f.spk.Playing() {
		t.Fatal("reply is not playing after the microphone closed")
	}
	if len(f.tr.sent) != 0 {
		t.Errorf("discarded recording was sent: %+v", f.tr.sent)
	}
}

func TestMachine_ChannelCloseWhileListening(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, &audiomock.Microphone{Levels: []float64{-30}})
	f.send(event{kind: evOpen})
	f.send(event{kind: evToggle})
	f.sched.Advance(time.Second)

	f.send(event{kind: evClose, err: fmt.Errorf("%w: read: EOF", ErrConnectionClosed)})
	f.wantState(t, StateError)
	if f.mic.Recording() {
		t.Error("microphone still open after channel close")
	}
	if len(f.errs) != 1 || !errors.Is(f.errs[0], ErrConnectionClosed) {
		t.Errorf("errors = %v, want ErrConnectionClosed", f.errs)
	}

	f.sched.Flush()
	if n := f.sched.Pending(); n != 0 {
		t.Errorf("%d timers still pending in error state", n)
	}
	f.sched.Advance(time.Minute)
	if f.mic.StartCalls != 1 || len(f.tr.sent) != 0 {
		t.Errorf("activity after error: starts=%d sent=%d", f.mic.StartCalls, len(f.tr.sent))
	}

	// Host actions are ignored until the session is re-entered.
	f.send(event{kind: evToggle})
	f.wantState(t, StateError)
}

func TestMachine_NeverListensWhilePlaying(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, &audiomock.Microphone{Levels: []float64{-60}})
	f.send(event{kind: evOpen})
	f.send(event{kind: evAudio, audio: []byte("unprompted")})
	f.wantState(t, StateSpeaking)

	f.send(event{kind: evToggle})
	f.send(event{kind: evListen, phase: timing.PhaseConversation})
	f.sched.Advance(5 * time.Second)
	if f.mic.StartCalls != 0 {
		t.Fatal("microphone opened while the speaker was playing")
	}

	// A second reply replaces the first one.
	first := f.spk.Current()
	f.send(event{kind: evAudio, audio: []byte("second")})
	if !first.Unloaded() {
		t.Error("previous reply was not unloaded")
	}
}

func TestMachine_DiscardReopensListening(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, &audiomock.Microphone{Levels: []float64{-60}})
	f.send(event{kind: evOpen})
	f.send(event{kind: evToggle})

	// Opening turn: 12s of silence.
	f.sched.Advance(12 * time.Second)
	f.wantState(t, StateIdle)
	if len(f.tr.sent) != 0 {
		t.Fatal("silent recording was sent")
	}
	f.sched.Advance(599 * time.Millisecond)
	if f.mic.StartCalls != 1 {
		t.Fatal("reopened before the discard delay")
	}
	f.sched.Advance(time.Millisecond)
	f.wantState(t, StateListening)
}

func TestMachine_ManualStopStaysIdle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, &audiomock.Microphone{Levels: []float64{-60}})
	f.send(event{kind: evOpen})
	f.send(event{kind: evToggle})
	f.sched.Advance(time.Second)

	f.send(event{kind: evToggle})
	f.sched.Flush()
	f.wantState(t, StateIdle)

	f.sched.Advance(time.Minute)
	if f.mic.StartCalls != 1 {
		t.Fatalf("mic.StartCalls = %d, want 1 after a manual stop", f.mic.StartCalls)
	}

	f.send(event{kind: evToggle})
	f.wantState(t, StateListening)
}

func TestMachine_ProlongedPauseAndDecline(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, &audiomock.Microphone{})
	forwardTurn(t, f)
	f.playReply()

	// The learner stays silent through the next turn.
	f.mic.SetLevels(-60)
	f.sched.Advance(1200*time.Millisecond + 10*time.Second)

	f.wantState(t, StatePauseDetected)
	if f.prompts != 1 {
		t.Errorf("prompts = %d, want 1", f.prompts)
	}
	req, ok := f.lastSent(t).(channel.ControlRequest)
	if !ok || req.Type != channel.RequestProlongedPause {
		t.Fatalf("last sent = %+v, want prolonged_pause request", f.lastSent(t))
	}

	// Follow-up question, then the answer.
	f.playReply()
	f.sched.Advance(1200 * time.Millisecond)
	f.wantState(t, StateListening)
	speakOnce(f.mic)
	f.sched.Advance(3 * time.Second)
	if n := len(f.utterances); n != 2 || f.utterances[1] != timing.PhaseFollowUp {
		t.Fatalf("utterance phases = %v, want a follow-up answer", f.utterances)
	}

	f.send(event{kind: evControl, control: channel.ControlMessage{Response: "D'accord", OriginalText: "No, I'm done for today"}})
	f.wantState(t, StateIdle)
	if f.restarts != 1 {
		t.Errorf("restarts = %d, want 1", f.restarts)
	}

	starts, sent := f.mic.StartCalls, len(f.tr.sent)
	f.sched.Advance(time.Minute)
	if f.mic.StartCalls != starts || len(f.tr.sent) != sent {
		t.Error("conversation continued after the learner declined")
	}

	// A manual toggle restarts it.
	f.send(event{kind: evToggle})
	f.wantState(t, StateListening)
}

func TestMachine_ProlongedPauseResume(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, &audiomock.Microphone{})
	forwardTurn(t, f)
	f.playReply()
	f.mic.SetLevels(-60)
	f.sched.Advance(1200*time.Millisecond + 10*time.Second)
	f.wantState(t, StatePauseDetected)

	f.playReply()
	speakOnce(f.mic)
	f.sched.Advance(1200*time.Millisecond + 3*time.Second)
	f.send(event{kind: evControl, control: channel.ControlMessage{OriginalText: "yes, let's continue"}})
	if f.restarts != 0 || f.m.ended {
		t.Fatal("resume answer ended the conversation")
	}

	f.playReply()
	f.wantState(t, StateSpeaking)
	f.sched.Advance(1200 * time.Millisecond)
	f.wantState(t, StateListening)
}

func TestMachine_FollowUpWithoutAnswerEnds(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, &audiomock.Microphone{})
	forwardTurn(t, f)
	f.playReply()
	f.mic.SetLevels(-60)
	f.sched.Advance(1200*time.Millisecond + 10*time.Second)
	f.playReply()

	f.sched.Advance(1200*time.Millisecond + 10*time.Second)
	f.wantState(t, StateIdle)
	if f.restarts != 1 {
		t.Errorf("restarts = %d, want 1", f.restarts)
	}
	if f.prompts != 1 {
		t.Errorf("prompts = %d, want exactly one pause prompt", f.prompts)
	}
}

func TestMachine_NoPauseBeforeFirstUtterance(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, &audiomock.Microphone{})
	f.send(event{kind: evOpen})
	f.sched.Advance(time.Minute)
	if f.prompts != 0 || f.m.state != StateIdle {
		t.Errorf("pause detected without any utterance: state=%v prompts=%d", f.m.state, f.prompts)
	}
}

func TestMachine_ResponseTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, &audiomock.Microphone{Levels: []float64{-30, -30, -30, -30, -30, -60}})
	f.send(event{kind: evOpen})
	f.wantState(t, StateGreeting)

	// First timeout: listen anyway.
	f.sched.Advance(20 * time.Second)
	f.wantState(t, StateListening)
	if f.m.timeouts != 1 {
		t.Fatalf("timeouts = %d, want 1", f.m.timeouts)
	}

	// The utterance goes out, and again nothing comes back.
	f.sched.Advance(25 * time.Second)
	f.wantState(t, StateError)
	if len(f.errs) != 1 || !errors.Is(f.errs[0], ErrResponseTimeout) {
		t.Errorf("errors = %v, want ErrResponseTimeout", f.errs)
	}
}

func TestMachine_TextOnlyReplyReopens(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, &audiomock.Microphone{})
	forwardTurn(t, f)
	f.mic.SetLevels(-60)

	f.send(event{kind: evControl, control: channel.ControlMessage{Response: "Très bien"}})
	if len(f.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(f.messages))
	}
	f.sched.Advance(20 * time.Second)
	f.wantState(t, StateListening)
	if f.m.timeouts != 0 {
		t.Errorf("timeouts = %d, a text reply is not a timeout", f.m.timeouts)
	}
}

func TestMachine_SendFailureIsTerminal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, &audiomock.Microphone{})
	f.send(event{kind: evOpen})
	speakOnce(f.mic)
	f.send(event{kind: evToggle})
	f.tr.sendErr = channel.ErrNotConnected
	f.sched.Advance(4 * time.Second)

	f.wantState(t, StateError)
	if len(f.errs) != 1 || !errors.Is(f.errs[0], ErrConnectionClosed) || !errors.Is(f.errs[0], channel.ErrNotConnected) {
		t.Errorf("errors = %v", f.errs)
	}
}

func TestMachine_RecordingFailureRetriesOnce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		once      bool
		wantState TurnState
		wantCalls int
	}{
		{"recovers", true, StateListening, 2},
		{"gives up", false, StateIdle, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mic := &audiomock.Microphone{Levels: []float64{-60}, StartErr: ErrPermissionDenied, StartErrOnce: tt.once}
			f := newFixture(t, false, mic)
			f.send(event{kind: evOpen})
			f.send(event{kind: evToggle})

			f.wantState(t, StateIdle)
			if len(f.alerts) != 1 || !errors.Is(f.alerts[0], ErrPermissionDenied) {
				t.Fatalf("alerts = %v, want permission denied", f.alerts)
			}

			f.sched.Advance(2 * time.Second)
			f.wantState(t, tt.wantState)
			f.sched.Advance(2 * time.Second)
			if mic.StartCalls != tt.wantCalls {
				t.Errorf("mic.StartCalls = %d, want %d", mic.StartCalls, tt.wantCalls)
			}
		})
	}
}

func TestMachine_BlurStopsEverything(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, &audiomock.Microphone{Levels: []float64{-60}})
	f.send(event{kind: evOpen})
	f.send(event{kind: evAudio, audio: []byte("reply")})
	snd := f.spk.Current()

	f.send(event{kind: evBlur})
	f.wantState(t, StateIdle)
	if !snd.Stopped() {
		t.Error("playback not stopped on blur")
	}

	f.sched.Advance(time.Minute)
	if f.mic.StartCalls != 0 {
		t.Fatal("microphone opened while blurred")
	}

	f.send(event{kind: evFocus})
	f.sched.Advance(600 * time.Millisecond)
	f.wantState(t, StateListening)
}

// slowCloseRefocus blurs an open recording on a device that closes slowly and
// refocuses, so that the reopen finds the microphone still closing.
func slowCloseRefocus(t *testing.T) (*fixture, *audiomock.Microphone) {
	t.Helper()
	mic := &audiomock.Microphone{Levels: []float64{-60}, DeferStop: true}
	f := newFixture(t, false, mic)
	f.send(event{kind: evOpen})
	f.send(event{kind: evToggle})
	f.wantState(t, StateListening)

	f.send(event{kind: evBlur})
	f.send(event{kind: evFocus})
	f.sched.Advance(600 * time.Millisecond)
	if !f.m.rec.RetryPending() {
		t.Fatal("expected the reopen to be deferred")
	}
	f.wantState(t, StateIdle)

	mic.CompleteStop()
	f.sched.Flush()
	f.wantState(t, StateIdle)
	if mic.Recording() {
		t.Fatal("microphone open before the deferred start ran")
	}
	return f, mic
}

func TestMachine_DeferredStartEntersListening(t *testing.T) {
	t.Parallel()

	f, mic := slowCloseRefocus(t)
	f.sched.Advance(150 * time.Millisecond)
	if !mic.Recording() {
		t.Fatal("deferred start did not open the microphone")
	}
	f.wantState(t, StateListening)

	// The toggle reaches the reopened recording.
	f.send(event{kind: evToggle})
	if mic.StopCalls != 2 {
		t.Errorf("mic.StopCalls = %d, want 2", mic.StopCalls)
	}
}

func TestMachine_AudioCancelsDeferredStart(t *testing.T) {
	t.Parallel()

	f, mic := slowCloseRefocus(t)
	f.send(event{kind: evAudio, audio: []byte("reply")})
	f.wantState(t, StateSpeaking)

	f.sched.Advance(150 * time.Millisecond)
	if mic.StartCalls != 1 || mic.Recording() {
		t.Errorf("mic.StartCalls = %d recording = %v, microphone opened during playback", mic.StartCalls, mic.Recording())
	}
	f.wantState(t, StateSpeaking)
}

func TestMachine_BlurDuringSettleKeepsIdle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, &audiomock.Microphone{Levels: []float64{-60}})
	f.send(event{kind: evOpen})
	f.playReply()

	// Focus is lost before the settle delay elapses.
	f.m.focused.Store(false)
	f.sched.Advance(2 * time.Second)
	if f.mic.StartCalls != 0 {
		t.Fatal("continuation opened the microphone without focus")
	}
}

func TestMachine_Shutdown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, &audiomock.Microphone{Levels: []float64{-30}})
	f.send(event{kind: evOpen})
	f.send(event{kind: evToggle})
	f.send(event{kind: evShutdown})

	if f.tr.closed != 1 {
		t.Errorf("transport closed %d times, want 1", f.tr.closed)
	}
	if f.mic.Recording() {
		t.Error("microphone still open after shutdown")
	}
	f.sched.Flush()
	if n := f.sched.Pending(); n != 0 {
		t.Errorf("%d timers pending after shutdown", n)
	}
}
