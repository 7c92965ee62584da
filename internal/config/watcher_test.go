package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/config"
)

const baseYAML = `
server:
  log_level: info
providers:
  tts:
    name: openai
storage:
  backend: memory
  fixtures: [scripts/demo.yaml]
session:
  pause_mult: 1.0
`

const fasterPausesYAML = `
server:
  log_level: debug
providers:
  tts:
    name: openai
storage:
  backend: memory
  fixtures: [scripts/demo.yaml]
session:
  pause_mult: 1.5
`

// newWatched writes body to a temp config file and watches it. Every diff
// the watcher applies is sent on the returned channel.
func newWatched(t *testing.T, body string, opts ...config.WatcherOption) (string, *config.Watcher, <-chan config.ConfigDiff) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rehearse.yaml")
	writeConfig(t, path, body)

	diffs := make(chan config.ConfigDiff, 8)
	w, err := config.NewWatcher(path, func(d config.ConfigDiff) { diffs <- d }, opts...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return path, w, diffs
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

// bumpMtime makes sure a rewrite is visible even on coarse-mtime filesystems.
func bumpMtime(t *testing.T, path string) {
	t.Helper()
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
}

func TestWatcher_LoadsOnCreate(t *testing.T) {
	t.Parallel()
	_, w, _ := newWatched(t, baseYAML)
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log level = %q", got)
	}
}

func TestWatcher_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("want error for missing file")
	}
}

func TestWatcher_ReloadAppliesDiff(t *testing.T) {
	t.Parallel()
	path, w, diffs := newWatched(t, baseYAML)

	writeConfig(t, path, fasterPausesYAML)
	d, err := w.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	if !d.SessionChanged || d.NewSession.PauseMult != 1.5 {
		t.Errorf("session diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("restart required = %v", d.RestartRequired)
	}

	select {
	case got := <-diffs:
		if got.NewSession.PauseMult != 1.5 {
			t.Errorf("applied diff = %+v", got)
		}
	default:
		t.Fatal("callback not called")
	}
	if w.Current().Session.PauseMult != 1.5 {
		t.Error("Current not updated")
	}
}

func TestWatcher_InvalidEditKeepsLastGood(t *testing.T) {
	t.Parallel()
	path, w, diffs := newWatched(t, baseYAML)

	writeConfig(t, path, "server:\n  log_level: loud\n")
	if _, err := w.Reload(); err == nil {
		t.Fatal("want validation error")
	}
	if len(diffs) != 0 {
		t.Error("callback called for invalid config")
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Errorf("current log level = %q", w.Current().Server.LogLevel)
	}
}

func TestWatcher_CommentOnlyEditIsQuiet(t *testing.T) {
	t.Parallel()
	path, w, diffs := newWatched(t, baseYAML)

	writeConfig(t, path, "# tuned for the Tuesday cast\n"+baseYAML)
	d, err := w.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if !d.Empty() || len(diffs) != 0 {
		t.Errorf("diff = %+v, callbacks = %d", d, len(diffs))
	}
}

func TestWatcher_RestartOnlySections(t *testing.T) {
	t.Parallel()
	path, w, _ := newWatched(t, baseYAML)

	writeConfig(t, path, baseYAML+"audio:\n  cache_entries: 64\n")
	d, err := w.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if d.LogLevelChanged || d.SessionChanged {
		t.Errorf("hot fields changed: %+v", d)
	}
	if len(d.RestartRequired) != 1 || d.RestartRequired[0] != "audio" {
		t.Errorf("restart required = %v", d.RestartRequired)
	}
}

func TestWatcher_RunPicksUpEdits(t *testing.T) {
	t.Parallel()
	path, w, diffs := newWatched(t, baseYAML, config.WithInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeConfig(t, path, fasterPausesYAML)
	bumpMtime(t, path)

	select {
	case d := <-diffs:
		if !d.SessionChanged {
			t.Errorf("diff = %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("edit not picked up")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestWatcher_StopEndsRun(t *testing.T) {
	t.Parallel()
	_, w, _ := newWatched(t, baseYAML, config.WithInterval(20*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	w.Stop()
	w.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
