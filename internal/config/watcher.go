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

// Watcher polls the config file and invokes a callback when its content
// changes. Polling keeps the dependency surface flat; a few seconds of
// latency is irrelevant for the settings that reload at runtime (log level,
// glossary, target languages for new sessions).
//
// An edit that fails validation is rejected: the previous config stays
// current and the callback is not invoked, so a half-saved file can never
// take down live sessions.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu       sync.Mutex
	current  *Config
	lastSum  [sha256.Size]byte
	lastSeen time.Time
	failures int

	done     chan struct{}
	stopOnce sync.Once
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

// NewWatcher loads the config at path, starts a polling goroutine, and
// returns the watcher. onChange runs on the polling goroutine with the
// previous and new config whenever a valid edit lands.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, sum, seen, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.lastSum, w.lastSeen = cfg, sum, seen

	go w.run()
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends the polling goroutine. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.reload()
		}
	}
}

// reload re-reads the file if its mtime moved, accepts the new config when
// it parses, validates, and actually differs from the current one.
func (w *Watcher) reload() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.noteFailure("stat config file", err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.lastSeen)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, sum, seen, err := w.read()
	if err != nil {
		w.noteFailure("reload config; keeping previous", err)
		return
	}

	w.mu.Lock()
	w.failures = 0
	w.lastSeen = seen
	if sum == w.lastSum {
		// Touched but content-identical, e.g. an editor re-save.
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.lastSum = sum
	w.mu.Unlock()

	slog.Info("configuration reloaded", "path", w.path)

	// Outside the lock so the callback may call Current().
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// noteFailure logs the first failure in a streak at warn and the rest at
// debug, so a config file that stays broken does not spam the log every tick.
func (w *Watcher) noteFailure(msg string, err error) {
	w.mu.Lock()
	w.failures++
	n := w.failures
	w.mu.Unlock()

	level := slog.LevelWarn
	if n > 1 {
		level = slog.LevelDebug
	}
	slog.Log(context.Background(), level, "config watcher: "+msg, "path", w.path, "err", err, "consecutive_failures", n)
}

// read loads and validates the file, returning the config with the content
// hash and mtime used for change detection.
func (w *Watcher) read() (*Config, [sha256.Size]byte, time.Time, error) {
	var zero [sha256.Size]byte

	info, err := os.Stat(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
