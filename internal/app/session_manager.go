package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/tutorvoice/internal/channel"
	"github.com/MrWong99/tutorvoice/internal/config"
	"github.com/MrWong99/tutorvoice/internal/conversation"
	"github.com/MrWong99/tutorvoice/internal/history"
	"github.com/MrWong99/tutorvoice/internal/observe"
	"github.com/MrWong99/tutorvoice/internal/vad"
	"github.com/MrWong99/tutorvoice/pkg/audio"
	"github.com/google/uuid"
)

// leaveTimeout bounds how long Leave waits for the session loop to exit.
const leaveTimeout = 5 * time.Second

var (
	// ErrSessionActive is returned by [SessionManager.Enter] while another
	// session is running.
	ErrSessionActive = errors.New("app: a session is already active")

	// ErrNoSession is returned when an operation needs an active session.
	ErrNoSession = errors.New("app: no active session")
)

// Dialer returns a fresh, unopened connection to the tutor backend. Every
// session gets its own connection.
type Dialer func() conversation.Conn

// SessionInfo holds metadata about the active session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// UserName is the learner's display name ("" when anonymous).
	UserName string

	// StartedAt is when the session was entered.
	StartedAt time.Time
}

// SessionManager manages the lifecycle of conversation sessions. A session
// is entered when the conversation screen gains focus and left when it is
// unmounted. Only one session can be active at a time.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu     sync.Mutex
	active bool
	info   SessionInfo
	sess   *conversation.Session
	conn   conversation.Conn
	cancel context.CancelFunc
	done   chan struct{}

	// Dependencies injected at construction.
	cfg     *config.Config
	dial    Dialer
	mic     audio.Microphone
	spk     audio.Speaker
	store   history.Store
	writer  *history.Writer
	user    string
	metrics *observe.Metrics
	log     *slog.Logger
	hooks   conversation.Hooks
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config     *config.Config
	Dial       Dialer
	Microphone audio.Microphone
	Speaker    audio.Speaker

	// Store is read by [SessionManager.Transcript]; Writer appends to it.
	Store  history.Store
	Writer *history.Writer

	// UserName personalizes greetings and follow-ups.
	UserName string

	Metrics *observe.Metrics
	Logger  *slog.Logger

	// Hooks are called in addition to the manager's own history and
	// logging hooks.
	Hooks conversation.Hooks
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &SessionManager{
		cfg:     cfg.Config,
		dial:    cfg.Dial,
		mic:     cfg.Microphone,
		spk:     cfg.Speaker,
		store:   cfg.Store,
		writer:  cfg.Writer,
		user:    cfg.UserName,
		metrics: metrics,
		log:     log,
		hooks:   cfg.Hooks,
	}
}

// SetConfig replaces the configuration used for sessions entered from now
// on. The active session keeps its timings.
func (sm *SessionManager) SetConfig(cfg *config.Config) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cfg = cfg
}

// Enter starts a new session: it dials the backend, builds the conversation
// and runs its event loop in the background.
//
// Returns [ErrSessionActive] if a session is already running.
func (sm *SessionManager) Enter(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active {
		return fmt.Errorf("%w (id=%s)", ErrSessionActive, sm.info.SessionID)
	}

	sessionID := uuid.NewString()
	conn := sm.dial()
	sess := conversation.New(conn, sm.mic, sm.spk, conversation.Config{
		Policy:       sm.cfg.Policy(),
		AutoGreeting: sm.cfg.Channel.AutoGreeting,
		UserName:     sm.user,
		SessionID:    sessionID,
		Calibrator:   sm.cfg.Calibrator(),
		Metrics:      sm.metrics,
		Logger:       sm.log,
		Hooks:        sm.sessionHooks(sessionID),
	})

	// The session outlives the request that entered it.
	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sess.Run(sessionCtx); err != nil && !errors.Is(err, context.Canceled) {
			sm.log.Error("session: run failed", "session_id", sessionID, "err", err)
		}
	}()

	sm.active = true
	sm.sess = sess
	sm.conn = conn
	sm.cancel = cancel
	sm.done = done
	sm.info = SessionInfo{
		SessionID: sessionID,
		UserName:  sm.user,
		StartedAt: time.Now().UTC(),
	}

	sm.log.Info("session entered", "session_id", sessionID, "user", sm.user)
	return nil
}

// Leave ends the active session: recording and playback stop, the channel is
// closed and the event loop exits. It waits for the loop until ctx is done
// or a short timeout passes.
//
// Returns [ErrNoSession] if no session is active.
func (sm *SessionManager) Leave(ctx context.Context) error {
	sm.mu.Lock()
	if !sm.active {
		sm.mu.Unlock()
		return ErrNoSession
	}
	sessionID := sm.info.SessionID
	sess, cancel, done := sm.sess, sm.cancel, sm.done
	sm.active = false
	sm.sess = nil
	sm.conn = nil
	sm.cancel = nil
	sm.done = nil
	sm.info = SessionInfo{}
	sm.mu.Unlock()

	// Hooks may call back into the manager, so the lock is released before
	// waiting for the loop.
	sess.Blur()
	if err := sess.Close(); err != nil {
		sm.log.Warn("session: channel close error", "session_id", sessionID, "err", err)
	}
	cancel()

	wait, stop := context.WithTimeout(ctx, leaveTimeout)
	defer stop()
	select {
	case <-done:
	case <-wait.Done():
		sm.log.Warn("session: event loop did not exit in time", "session_id", sessionID)
	}

	sm.log.Info("session left", "session_id", sessionID)
	return nil
}

// Toggle forwards the single host control to the active session.
func (sm *SessionManager) Toggle() error {
	return sm.with(func(s *conversation.Session) { s.Toggle() })
}

// Focus resumes the active session after [SessionManager.Blur].
func (sm *SessionManager) Focus() error {
	return sm.with(func(s *conversation.Session) { s.Focus() })
}

// Blur pauses the active session without leaving it.
func (sm *SessionManager) Blur() error {
	return sm.with(func(s *conversation.Session) { s.Blur() })
}

func (sm *SessionManager) with(f func(*conversation.Session)) error {
	sm.mu.Lock()
	s := sm.sess
	sm.mu.Unlock()
	if s == nil {
		return ErrNoSession
	}
	f(s)
	return nil
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Connected reports whether the active session's channel is open. It backs
// the readiness probe.
func (sm *SessionManager) Connected() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active && sm.conn.IsConnected()
}

// Info returns metadata about the active session, or the zero value.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// State returns the active session's turn state and its toggle label. It
// returns [conversation.StateIdle] and "start" without a session.
func (sm *SessionManager) State() (conversation.TurnState, string) {
	sm.mu.Lock()
	s := sm.sess
	sm.mu.Unlock()
	if s == nil {
		return conversation.StateIdle, "start"
	}
	return s.State(), s.ToggleLabel()
}

// Transcript returns up to limit of the active session's most recent history
// entries, oldest first.
func (sm *SessionManager) Transcript(ctx context.Context, limit int) ([]history.Entry, error) {
	sm.mu.Lock()
	id := sm.info.SessionID
	sm.mu.Unlock()
	if id == "" {
		return nil, ErrNoSession
	}
	if sm.store == nil {
		return nil, nil
	}
	return sm.store.Recent(ctx, id, limit)
}

// sessionHooks records history and logs session events, then calls the
// host's hooks.
func (sm *SessionManager) sessionHooks(sessionID string) conversation.Hooks {
	host := sm.hooks
	log := sm.log.With("session_id", sessionID)
	record := func(e history.Entry) {
		if sm.writer != nil {
			// A full queue drops the entry; Write logs it.
			sm.writer.Write(e)
		}
	}

	return conversation.Hooks{
		OnStateChange: func(from, to conversation.TurnState) {
			log.Debug("turn state changed", "from", from, "to", to)
			if host.OnStateChange != nil {
				host.OnStateChange(from, to)
			}
		},
		OnMessage: func(m channel.ControlMessage) {
			record(history.FromMessage(sessionID, m, time.Now().UTC()))
			if host.OnMessage != nil {
				host.OnMessage(m)
			}
		},
		OnUtterance: func(u vad.Utterance) {
			record(history.FromUtterance(sessionID, sm.user, u))
			if host.OnUtterance != nil {
				host.OnUtterance(u)
			}
		},
		OnAlert: func(err error) {
			log.Warn("microphone needs attention", "err", err)
			if host.OnAlert != nil {
				host.OnAlert(err)
			}
		},
		OnPausePrompt: func() {
			log.Info("prolonged pause, asking whether to continue")
			if host.OnPausePrompt != nil {
				host.OnPausePrompt()
			}
		},
		OnRestartAvailable: func() {
			log.Info("hands-free loop ended, toggle to restart")
			if host.OnRestartAvailable != nil {
				host.OnRestartAvailable()
			}
		},
		OnError: func(err error) {
			log.Error("session failed", "err", err)
			if host.OnError != nil {
				host.OnError(err)
			}
		},
	}
}
