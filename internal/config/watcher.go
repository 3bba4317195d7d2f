package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often [Watcher.Watch] polls the file.
const DefaultWatchInterval = 5 * time.Second

// ReloadFunc receives a newly loaded config that differs from the previous
// one. It runs on the watcher goroutine.
type ReloadFunc func(old, updated *Config, d ConfigDiff)

// fingerprint identifies one version of the config file.
type fingerprint struct {
	size  int64
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher polls a config file and reports edits that parse and validate.
// Invalid edits are logged and the last good config is kept.
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc

	mu      sync.Mutex
	current *Config
	seen    fingerprint
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// OnReload sets the function told about effective config changes.
func OnReload(fn ReloadFunc) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// NewWatcher loads path and returns a watcher holding it as the current
// config. Polling starts with [Watcher.Watch].
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultWatchInterval}
	for _, opt := range opts {
		opt(w)
	}
	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, fp
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Watch polls until ctx is done and returns nil.
func (w *Watcher) Watch(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := w.Check(); err != nil {
				slog.Warn("config reload skipped", "path", w.path, "err", err)
			}
		}
	}
}

// Check looks at the file once. It reports whether a new config took effect;
// an error means the file could not be read or the edit is invalid, and the
// current config is unchanged.
func (w *Watcher) Check() (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	unchanged := info.Size() == w.seen.size && info.ModTime().Equal(w.seen.mtime)
	// An invalid edit is reported once, not on every poll.
	w.seen.size, w.seen.mtime = info.Size(), info.ModTime()
	w.mu.Unlock()
	if unchanged {
		return false, nil
	}

	cfg, fp, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	sameContent := fp.sum == w.seen.sum
	w.seen = fp
	if sameContent {
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	d := Diff(old, cfg)
	if d.IsZero() {
		slog.Debug("config file edited without effect", "path", w.path)
		return false, nil
	}
	slog.Info("config reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"tunables_changed", d.TunablesChanged,
	)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after restart", "sections", d.RestartRequired)
	}
	if w.onReload != nil {
		w.onReload(old, cfg, d)
	}
	return true, nil
}

func (w *Watcher) read() (*Config, fingerprint, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fingerprint{
		size:  int64(len(data)),
		mtime: info.ModTime(),
		sum:   sha256.Sum256(data),
	}, nil
}
