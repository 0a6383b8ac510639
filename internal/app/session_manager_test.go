package app_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/tutorvoice/internal/app"
	"github.com/MrWong99/tutorvoice/internal/channel"
	"github.com/MrWong99/tutorvoice/internal/config"
	"github.com/MrWong99/tutorvoice/internal/conversation"
	"github.com/MrWong99/tutorvoice/internal/history"
	audiomock "github.com/MrWong99/tutorvoice/pkg/audio/mock"
)

// fakeConn is a [conversation.Conn] whose inbound frames are injected by the
// test.
type fakeConn struct {
	mu     sync.Mutex
	h      channel.Handlers
	opened bool
	closed bool
	sent   []any
}

func (c *fakeConn) Open(_ context.Context, h channel.Handlers) error {
	c.mu.Lock()
	c.h = h
	c.opened = true
	c.mu.Unlock()
	go h.OnOpen()
	return nil
}

func (c *fakeConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return channel.ErrNotConnected
	}
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened && !c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) handlers() channel.Handlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.h
}

// dialer records every connection it hands out.
type dialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *dialer) dial() conversation.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	return c
}

func (d *dialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func testConfig() *config.Config {
	cfg := &config.Config{
		Channel: config.ChannelConfig{URL: "ws://tutor.test/ws"},
		Devices: config.DevicesConfig{Driver: "mock"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func newManager(t *testing.T, hooks conversation.Hooks) (*app.SessionManager, *dialer, history.Store) {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	store := history.NewMemStore()
	writer := history.NewWriter(store, 16, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = writer.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	d := &dialer{}
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Config:     testConfig(),
		Dial:       d.dial,
		Microphone: &audiomock.Microphone{Levels: []float64{-60}},
		Speaker:    &audiomock.Speaker{},
		Store:      store,
		Writer:     writer,
		UserName:   "Ada",
		Logger:     log,
		Hooks:      hooks,
	})
	return sm, d, store
}

func TestSessionManager_EnterLeave(t *testing.T) {
	t.Parallel()
	sm, d, _ := newManager(t, conversation.Hooks{})
	ctx := context.Background()

	if sm.IsActive() {
		t.Fatal("expected no active session initially")
	}
	if err := sm.Enter(ctx); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if !sm.IsActive() {
		t.Error("expected active session after Enter")
	}
	info := sm.Info()
	if info.SessionID == "" || info.UserName != "Ada" {
		t.Errorf("Info() = %+v", info)
	}
	eventually(t, "channel open", sm.Connected)

	if err := sm.Enter(ctx); !errors.Is(err, app.ErrSessionActive) {
		t.Errorf("second Enter: got %v, want ErrSessionActive", err)
	}

	if err := sm.Leave(ctx); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if sm.IsActive() || sm.Connected() {
		t.Error("expected no active session after Leave")
	}
	if !d.last().closed {
		t.Error("channel not closed on Leave")
	}
	if err := sm.Leave(ctx); !errors.Is(err, app.ErrNoSession) {
		t.Errorf("second Leave: got %v, want ErrNoSession", err)
	}

	// A new session dials a new connection.
	if err := sm.Enter(ctx); err != nil {
		t.Fatalf("re-Enter: %v", err)
	}
	defer sm.Leave(ctx)
	if len(d.conns) != 2 {
		t.Errorf("dialed %d connections, want 2", len(d.conns))
	}
}

func TestSessionManager_ControlsNeedSession(t *testing.T) {
	t.Parallel()
	sm, _, _ := newManager(t, conversation.Hooks{})

	for name, f := range map[string]func() error{
		"Toggle": sm.Toggle,
		"Focus":  sm.Focus,
		"Blur":   sm.Blur,
	} {
		if err := f(); !errors.Is(err, app.ErrNoSession) {
			t.Errorf("%s: got %v, want ErrNoSession", name, err)
		}
	}
	if _, err := sm.Transcript(context.Background(), 10); !errors.Is(err, app.ErrNoSession) {
		t.Errorf("Transcript: got %v, want ErrNoSession", err)
	}
	if state, label := sm.State(); state != conversation.StateIdle || label != "start" {
		t.Errorf("State() = %v, %q", state, label)
	}
}

func TestSessionManager_RecordsHistoryAndCallsHostHooks(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got []string
	sm, d, _ := newManager(t, conversation.Hooks{
		OnMessage: func(m channel.ControlMessage) {
			mu.Lock()
			got = append(got, m.Text())
			mu.Unlock()
		},
	})
	ctx := context.Background()
	if err := sm.Enter(ctx); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	defer sm.Leave(ctx)
	eventually(t, "channel open", sm.Connected)

	d.last().handlers().OnControl(channel.ControlMessage{
		Step:         "review",
		Response:     "Great sentence!",
		OriginalText: "I goed home",
		Correction:   "I went home",
	})

	eventually(t, "host hook", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	var entries []history.Entry
	eventually(t, "history entry", func() bool {
		var err error
		entries, err = sm.Transcript(ctx, 10)
		return err == nil && len(entries) == 1
	})
	e := entries[0]
	if e.Kind != history.KindReply || e.Text != "Great sentence!" || e.Correction != "I went home" {
		t.Errorf("entry = %+v", e)
	}
	if e.SessionID != sm.Info().SessionID {
		t.Errorf("entry session %q, want %q", e.SessionID, sm.Info().SessionID)
	}
}

func TestSessionManager_ToggleStartsListening(t *testing.T) {
	t.Parallel()
	sm, _, _ := newManager(t, conversation.Hooks{})
	ctx := context.Background()
	if err := sm.Enter(ctx); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	defer sm.Leave(ctx)
	eventually(t, "channel open", sm.Connected)

	if err := sm.Toggle(); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	eventually(t, "listening", func() bool {
		state, label := sm.State()
		return state == conversation.StateListening && label == "stop"
	})

	if err := sm.Blur(); err != nil {
		t.Fatalf("Blur: %v", err)
	}
	eventually(t, "idle after blur", func() bool {
		state, _ := sm.State()
		return state == conversation.StateIdle
	})
}

func TestSessionManager_FullHistoryQueueKeepsSessionRunning(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.DiscardHandler)
	store := history.NewMemStore()
	// Not running: the single slot fills with the first entry.
	writer := history.NewWriter(store, 1, log)

	var mu sync.Mutex
	replies := 0
	d := &dialer{}
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Config:     testConfig(),
		Dial:       d.dial,
		Microphone: &audiomock.Microphone{Levels: []float64{-60}},
		Speaker:    &audiomock.Speaker{},
		Store:      store,
		Writer:     writer,
		Logger:     log,
		Hooks: conversation.Hooks{OnMessage: func(channel.ControlMessage) {
			mu.Lock()
			replies++
			mu.Unlock()
		}},
	})
	ctx := context.Background()
	if err := sm.Enter(ctx); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	defer sm.Leave(ctx)
	eventually(t, "channel open", sm.Connected)

	for _, text := range []string{"one", "two", "three"} {
		d.last().handlers().OnControl(channel.ControlMessage{Response: text})
	}
	eventually(t, "every reply reaches the host", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return replies == 3
	})
	if err := writer.Write(history.Entry{SessionID: "x"}); !errors.Is(err, history.ErrWriterFull) {
		t.Fatalf("Write on a full queue: got %v, want ErrWriterFull", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = writer.Run(runCtx)
	}()
	eventually(t, "queued entry stored", func() bool {
		entries, err := sm.Transcript(ctx, 10)
		return err == nil && len(entries) == 1 && entries[0].Text == "one"
	})
	cancel()
	<-done
}
