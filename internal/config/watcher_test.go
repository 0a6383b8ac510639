package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/tutorvoice/internal/config"
)

const watchedYAML = `
server:
  log_level: info
channel:
  url: ws://localhost:9000/ws
devices:
  input_file: in.wav
`

type reload struct{ old, new *config.Config }

// watch writes initial to a temp file and starts a fast-polling watcher on
// it. Every accepted reload is delivered on the returned channel.
func watch(t *testing.T, initial string) (string, *config.Watcher, <-chan reload) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tutorvoice.yaml")
	rewrite(t, path, initial, time.Now().Add(-time.Minute))

	reloads := make(chan reload, 4)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		reloads <- reload{old, new}
	}, config.WithInterval(20*time.Millisecond), config.WithWatcherLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return path, w, reloads
}

// rewrite replaces the file content and pins its modification time so that
// every write is observable regardless of filesystem timestamp resolution.
func rewrite(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func expectNoReload(t *testing.T, reloads <-chan reload) {
	t.Helper()
	select {
	case r := <-reloads:
		t.Fatalf("unexpected reload to log level %q", r.new.Server.LogLevel)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_ReloadsChangedFile(t *testing.T) {
	t.Parallel()
	path, w, reloads := watch(t, watchedYAML)

	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Fatalf("initial log level = %q, want info", got)
	}

	rewrite(t, path, watchedYAML+"timing:\n  pause_threshold: 1m\n", time.Now())

	select {
	case r := <-reloads:
		if r.old.Timing.PauseThreshold == time.Minute {
			t.Error("old config already carries the new pause threshold")
		}
		if r.new.Timing.PauseThreshold != time.Minute {
			t.Errorf("new pause threshold = %v, want 1m", r.new.Timing.PauseThreshold)
		}
		if w.Current() != r.new {
			t.Error("Current does not return the reloaded config")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload within 2s")
	}
}

func TestWatcher_IgnoresInvalidAndTouchedFiles(t *testing.T) {
	t.Parallel()
	path, w, reloads := watch(t, watchedYAML)
	initial := w.Current()

	// Same content, new mtime.
	rewrite(t, path, watchedYAML, time.Now())
	expectNoReload(t, reloads)

	rewrite(t, path, "server:\n  log_level: bananas\n", time.Now().Add(time.Second))
	expectNoReload(t, reloads)

	if w.Current() != initial {
		t.Error("an ignored edit replaced the current config")
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestWatcher_StopTwice(t *testing.T) {
	t.Parallel()
	_, w, _ := watch(t, watchedYAML)
	w.Stop()
	w.Stop()
}
