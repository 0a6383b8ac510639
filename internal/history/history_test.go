package history_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/tutorvoice/internal/channel"
	"github.com/MrWong99/tutorvoice/internal/history"
	"github.com/MrWong99/tutorvoice/internal/timing"
	"github.com/MrWong99/tutorvoice/internal/vad"
)

func TestMemStore_Recent(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	s := history.NewMemStore()
	for i, text := range []string{"a", "b", "c"} {
		_ = s.Append(ctx, history.Entry{SessionID: "s1", Text: text, Timestamp: time.Unix(int64(i), 0)})
	}
	_ = s.Append(ctx, history.Entry{SessionID: "s2", Text: "other"})

	got, err := s.Recent(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].Text != "b" || got[1].Text != "c" {
		t.Errorf("Recent(2) = %+v, want [b c]", got)
	}

	all, _ := s.Recent(ctx, "s1", 0)
	if len(all) != 3 {
		t.Errorf("Recent(0) returned %d entries, want 3", len(all))
	}
	none, _ := s.Recent(ctx, "missing", 5)
	if len(none) != 0 {
		t.Errorf("Recent(missing) = %+v", none)
	}
}

func TestFromMessageAndUtterance(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	e := history.FromMessage("s1", channel.ControlMessage{
		Step:             "reply",
		ConversationText: "Très bien",
		Correction:       "Je suis allé",
		OriginalText:     "je suis allée",
	}, at)
	if e.Kind != history.KindReply || e.Text != "Très bien" || e.Correction != "Je suis allé" || !e.Timestamp.Equal(at) {
		t.Errorf("FromMessage = %+v", e)
	}

	start := at.Add(-2 * time.Second)
	u := vad.Utterance{Phase: timing.PhaseFollowUp, StartedAt: start, SpeechStart: &start, EndedAt: at}
	e = history.FromUtterance("s1", "Ada", u)
	if e.Kind != history.KindUtterance || e.Phase != "follow_up" || e.Duration != 2*time.Second || e.UserName != "Ada" {
		t.Errorf("FromUtterance = %+v", e)
	}
}

func TestWriter_StoresAndDrains(t *testing.T) {
	t.Parallel()

	store := history.NewMemStore()
	w := history.NewWriter(store, 4, nil)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for _, text := range []string{"one", "two"} {
		if err := w.Write(history.Entry{SessionID: "s", Text: text}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := store.Recent(t.Context(), "s", 0)
	if len(got) != 2 {
		t.Fatalf("stored %d entries, want 2", len(got))
	}
}

func TestWriter_DropsWhenFull(t *testing.T) {
	t.Parallel()

	w := history.NewWriter(history.NewMemStore(), 1, nil)
	if err := w.Write(history.Entry{}); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	if err := w.Write(history.Entry{}); !errors.Is(err, history.ErrWriterFull) {
		t.Errorf("second Write = %v, want ErrWriterFull", err)
	}
}
