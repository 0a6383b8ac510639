package conversation_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/tutorvoice/internal/channel"
	"github.com/MrWong99/tutorvoice/internal/conversation"
	audiomock "github.com/MrWong99/tutorvoice/pkg/audio/mock"
)

// fakeConn is a [conversation.Conn] whose frames are injected by the test.
type fakeConn struct {
	mu      sync.Mutex
	h       channel.Handlers
	sent    []any
	closed  bool
	openErr error
}

func (c *fakeConn) Open(_ context.Context, h channel.Handlers) error {
	if c.openErr != nil {
		return c.openErr
	}
	c.mu.Lock()
	c.h = h
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
	return !c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) handlers() channel.Handlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.h
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

func TestSession_RunGreetsAndCloses(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	spk := &audiomock.Speaker{}
	s := conversation.New(conn, &audiomock.Microphone{Levels: []float64{-60}}, spk, conversation.Config{
		AutoGreeting: true,
		UserName:     "Ada",
		Logger:       slog.New(slog.DiscardHandler),
	})
	if s.ID() == "" {
		t.Fatal("session has no id")
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(t.Context()) }()

	eventually(t, "greeting request", func() bool { return conn.sentCount() == 1 })
	eventually(t, "greeting state", func() bool { return s.State() == conversation.StateGreeting })
	if got := s.ToggleLabel(); got != "start" {
		t.Errorf("ToggleLabel = %q, want start", got)
	}

	conn.handlers().OnAudio([]byte("bonjour"))
	eventually(t, "greeting playback", spk.Playing)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	if conn.IsConnected() {
		t.Error("connection still open after Close")
	}
	if spk.Playing() {
		t.Error("speaker still playing after Close")
	}
}

func TestSession_ChannelDropMovesToError(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	gotErr := make(chan error, 1)
	s := conversation.New(conn, &audiomock.Microphone{}, &audiomock.Speaker{}, conversation.Config{
		Logger: slog.New(slog.DiscardHandler),
		Hooks:  conversation.Hooks{OnError: func(err error) { gotErr <- err }},
	})
	t.Cleanup(func() { _ = s.Close() })
	go func() { _ = s.Run(t.Context()) }()

	eventually(t, "open", func() bool { return conn.handlers().OnClose != nil })
	conn.handlers().OnClose(channel.ErrConnectionTimeout)

	select {
	case err := <-gotErr:
		if !errors.Is(err, conversation.ErrConnectionTimeout) {
			t.Errorf("err = %v, want ErrConnectionTimeout", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnError not called")
	}
	eventually(t, "error state", func() bool { return s.State() == conversation.StateError })
}

func TestSession_OpenFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("bad url")
	s := conversation.New(&fakeConn{openErr: boom}, &audiomock.Microphone{}, &audiomock.Speaker{}, conversation.Config{
		Logger: slog.New(slog.DiscardHandler),
	})
	if err := s.Run(t.Context()); !errors.Is(err, boom) {
		t.Errorf("Run = %v, want %v", err, boom)
	}
}

func TestSession_ContextCancelStopsRun(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	s := conversation.New(&fakeConn{}, &audiomock.Microphone{}, &audiomock.Speaker{}, conversation.Config{
		Logger: slog.New(slog.DiscardHandler),
	})
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
