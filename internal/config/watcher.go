package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"
)

// ReloadFunc receives the hot-reloadable part of a config edit: a new log
// level or new detector tuning.
type ReloadFunc func(ConfigDiff)

// Watcher polls a config file and applies edits to the running pipeline.
// Every valid edit is diffed against the previous file content. Log level and
// detector tuning go to the [ReloadFunc]; sections that only take effect on
// restart are logged and remembered in [Watcher.PendingRestart]. Invalid
// edits are logged once and ignored, so the pipeline keeps its last good
// tuning.
type Watcher struct {
	path     string
	interval time.Duration
	reload   ReloadFunc

	mu      sync.Mutex
	current *Config
	sum     [sha256.Size]byte
	modTime time.Time
	pending []string

	stop     chan struct{}
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

// NewWatcher loads path and starts polling it. reload may be nil.
func NewWatcher(path string, reload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		reload:   reload,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	data, modTime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current = cfg
	w.sum = sha256.Sum256(data)
	w.modTime = modTime

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// PendingRestart lists the sections edited since start that the running
// pipeline has not picked up.
func (w *Watcher) PendingRestart() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.pending)
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: watch stat failed", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.modTime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	data, modTime, err := w.read()
	if err != nil {
		slog.Warn("config: watch read failed", "path", w.path, "err", err)
		return
	}
	sum := sha256.Sum256(data)

	// The file state is recorded before parsing so a bad edit is reported
	// once, not on every tick.
	w.mu.Lock()
	w.modTime = modTime
	if sum == w.sum {
		w.mu.Unlock()
		return
	}
	w.sum = sum
	w.mu.Unlock()

	next, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		slog.Warn("config: edit ignored", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	d := Diff(w.current, next)
	w.current = next
	for _, section := range d.RestartRequired {
		if !slices.Contains(w.pending, section) {
			w.pending = append(w.pending, section)
		}
	}
	w.mu.Unlock()

	for _, section := range d.RestartRequired {
		slog.Warn("config: edit takes effect after restart", "section", section)
	}
	if !d.HotReload() {
		return
	}
	slog.Info("config: reloading",
		"log_level", d.LogLevelChanged,
		"vad", d.VADChanged,
		"wake_word", d.WakeWordChanged,
	)
	if w.reload != nil {
		w.reload(d)
	}
}

func (w *Watcher) read() ([]byte, time.Time, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}
