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

// Reload is one accepted edit of the config file.
type Reload struct {
	Old, New *Config
	Diff     ConfigDiff
}

// ApplyFunc applies a reload. Returning an error rejects it: the previous
// config stays current and the same file content is not offered again.
type ApplyFunc func(Reload) error

// Watcher polls the config file of a running service. Edits that parse,
// validate and change at least one setting are handed to an [ApplyFunc].
type Watcher struct {
	path     string
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	seen    snapshot
}

// snapshot identifies the file content last looked at.
type snapshot struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Default: slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads the file at path as the current config. Polling starts
// with [Watcher.Run].
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, snap
	return w, nil
}

// Current returns the config most recently applied.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done and always returns nil then. apply is called
// from Run's goroutine, one reload at a time.
func (w *Watcher) Run(ctx context.Context, apply ApplyFunc) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Poll(apply)
		}
	}
}

// Poll checks the file once and reports whether a reload was applied.
func (w *Watcher) Poll(apply ApplyFunc) bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if unchanged {
		return false
	}

	cfg, snap, err := w.read()
	if err != nil {
		w.log.Warn("config watcher: edit ignored, keeping running config", "path", w.path, "err", err)
		w.mu.Lock()
		w.seen.mtime = info.ModTime()
		w.mu.Unlock()
		return false
	}

	w.mu.Lock()
	sameContent := snap.sum == w.seen.sum
	w.seen = snap
	old := w.current
	w.mu.Unlock()
	if sameContent {
		return false
	}

	r := Reload{Old: old, New: cfg, Diff: Diff(old, cfg)}
	if r.Diff.Empty() {
		w.mu.Lock()
		w.current = cfg
		w.mu.Unlock()
		return false
	}
	if err := apply(r); err != nil {
		w.log.Warn("config watcher: reload rejected", "path", w.path, "err", err)
		return false
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	w.log.Info("config watcher: reload applied",
		"path", w.path,
		"log_level_changed", r.Diff.LogLevelChanged,
		"call_changed", r.Diff.CallChanged,
		"restart_required", r.Diff.RestartRequired,
	)
	return true
}

func (w *Watcher) read() (*Config, snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, snapshot{}, err
	}
	return cfg, snapshot{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
