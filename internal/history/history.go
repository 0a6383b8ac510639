// Package history keeps the transcript of every conversation session: each
// forwarded utterance and each control message received from the tutor.
//
// Sessions append entries through a [Writer], which decouples the session
// event loop from storage latency. [MemStore] keeps entries in memory; the
// postgres sub-package persists them.
package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/tutorvoice/internal/channel"
	"github.com/MrWong99/tutorvoice/internal/vad"
)

// Kind distinguishes learner utterances from tutor replies.
type Kind string

const (
	// KindUtterance is a learner utterance sent to the backend.
	KindUtterance Kind = "utterance"

	// KindReply is a control message received from the backend.
	KindReply Kind = "reply"
)

// Entry is one line of a session transcript.
type Entry struct {
	SessionID string
	Kind      Kind
	UserName  string

	// Step is the backend's step discriminator (replies only).
	Step string

	// Text is the tutor's response text (replies only).
	Text string

	// OriginalText is the backend's transcription of the learner's speech.
	OriginalText string

	Correction string
	Feedback   string

	// Phase is the conversational phase of an utterance.
	Phase string

	// Duration is the speech length of an utterance.
	Duration time.Duration

	Timestamp time.Time
}

// FromMessage builds a reply entry.
func FromMessage(sessionID string, m channel.ControlMessage, at time.Time) Entry {
	return Entry{
		SessionID:    sessionID,
		Kind:         KindReply,
		Step:         m.Step,
		Text:         m.Text(),
		OriginalText: m.OriginalText,
		Correction:   m.Correction,
		Feedback:     m.Feedback,
		Timestamp:    at,
	}
}

// FromUtterance builds an utterance entry.
func FromUtterance(sessionID, user string, u vad.Utterance) Entry {
	return Entry{
		SessionID: sessionID,
		Kind:      KindUtterance,
		UserName:  user,
		Phase:     u.Phase.String(),
		Duration:  u.SpeechDuration(),
		Timestamp: u.EndedAt,
	}
}

// Store persists transcript entries. Implementations must be safe for
// concurrent use.
type Store interface {
	// Append adds e to its session's transcript.
	Append(ctx context.Context, e Entry) error

	// Recent returns up to limit of the newest entries of a session, oldest
	// first. A limit <= 0 returns every entry.
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)
}

// MemStore is an in-memory [Store].
type MemStore struct {
	mu       sync.Mutex
	sessions map[string][]Entry
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string][]Entry)}
}

// Append implements [Store].
func (s *MemStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[e.SessionID] = append(s.sessions[e.SessionID], e)
	return nil
}

// Recent implements [Store].
func (s *MemStore) Recent(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sessions[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]Entry, len(all))
	copy(out, all)
	return out, nil
}

// ErrWriterFull is returned by [Writer.Write] when the queue is full and the
// entry was dropped.
var ErrWriterFull = errors.New("history: writer queue full")

// defaultQueueSize is the Writer queue capacity when none is given.
const defaultQueueSize = 256

// Writer appends entries to a [Store] from a single background goroutine.
// Write never blocks.
type Writer struct {
	store Store
	queue chan Entry
	log   *slog.Logger
}

// NewWriter returns a Writer with the given queue capacity (0 means 256).
func NewWriter(store Store, size int, log *slog.Logger) *Writer {
	if size <= 0 {
		size = defaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Writer{store: store, queue: make(chan Entry, size), log: log}
}

// Write queues e. It drops e and returns [ErrWriterFull] when the queue is
// full.
func (w *Writer) Write(e Entry) error {
	select {
	case w.queue <- e:
		return nil
	default:
		w.log.Warn("history: queue full, dropping entry", "session_id", e.SessionID, "kind", e.Kind)
		return ErrWriterFull
	}
}

// Run stores queued entries until ctx is cancelled, then drains what is
// left using a short grace period. It always returns nil; storage errors are
// logged.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case e := <-w.queue:
			w.append(ctx, e)
		case <-ctx.Done():
			w.drain()
			return nil
		}
	}
}

func (w *Writer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case e := <-w.queue:
			w.append(ctx, e)
		default:
			return
		}
	}
}

func (w *Writer) append(ctx context.Context, e Entry) {
	if err := w.store.Append(ctx, e); err != nil {
		w.log.Error("history: append failed", "session_id", e.SessionID, "err", err)
	}
}
