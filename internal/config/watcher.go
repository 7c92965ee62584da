package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher keeps a config file's parsed contents current while the server
// runs. A reload happens when the file's size or mtime moves, either on the
// polling tick or when [Watcher.Reload] is called. Edits that fail to parse
// or validate are logged and dropped, and the last good config is kept.
// Reloads that leave every field as it was, such as a comment-only edit, do
// not reach the callback.
type Watcher struct {
	path     string
	interval time.Duration
	withEnv  bool
	apply    func(ConfigDiff)

	mu      sync.Mutex
	current *Config
	stamp   fileStamp

	stop     chan struct{}
	stopOnce sync.Once
}

type fileStamp struct {
	size  int64
	mtime time.Time
}

func stampOf(fi os.FileInfo) fileStamp {
	return fileStamp{size: fi.Size(), mtime: fi.ModTime()}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithEnvOverrides applies REHEARSE_* environment overrides to every reload,
// the same way [Load] does.
func WithEnvOverrides() WatcherOption {
	return func(w *Watcher) { w.withEnv = true }
}

// NewWatcher loads path and returns a watcher that passes the difference
// between successive valid versions to apply. apply may be nil.
func NewWatcher(path string, apply func(ConfigDiff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		apply:    apply,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.stamp = cfg, stamp
	return w, nil
}

// Current returns the last valid config read from disk.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends [Watcher.Run]. It may be called more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Run polls until ctx is done or Stop is called. It returns nil in both
// cases so it can run in the server's errgroup.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stop:
			return nil
		case <-t.C:
			if _, err := w.poll(false); err != nil {
				slog.Warn("config reload skipped", "path", w.path, "err", err)
			}
		}
	}
}

// Reload re-reads the file right away, even when its stamp is unchanged,
// and applies the result. It returns what changed. On error the current
// config is left in place.
func (w *Watcher) Reload() (ConfigDiff, error) {
	return w.poll(true)
}

func (w *Watcher) poll(force bool) (ConfigDiff, error) {
	fi, err := os.Stat(w.path)
	if err != nil {
		return ConfigDiff{}, err
	}

	w.mu.Lock()
	unchanged := stampOf(fi) == w.stamp
	w.mu.Unlock()
	if unchanged && !force {
		return ConfigDiff{}, nil
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return ConfigDiff{}, err
	}

	w.mu.Lock()
	d := Diff(w.current, cfg)
	w.current, w.stamp = cfg, stamp
	w.mu.Unlock()

	if d.Empty() {
		return d, nil
	}
	slog.Info("config reloaded", "path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"session_changed", d.SessionChanged,
		"restart_required", d.RestartRequired,
	)
	if w.apply != nil {
		w.apply(d)
	}
	return d, nil
}

// read stats before opening so a write landing mid-read shows up as a new
// stamp on the next poll.
func (w *Watcher) read() (*Config, fileStamp, error) {
	fi, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	defer f.Close()

	cfg, err := parse(f, w.withEnv)
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, stampOf(fi), nil
}
