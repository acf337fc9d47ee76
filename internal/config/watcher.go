package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the file.
const DefaultWatchInterval = 5 * time.Second

// ReloadCheck vets a parsed, valid config before a [Watcher] accepts it. It
// covers rules that depend on the running process, such as which providers
// were wired at startup.
type ReloadCheck func(*Config) error

// Watcher polls a config file and hands hot-reloadable edits (log level,
// scenario table) to onChange.
//
// An edit is not accepted, and Current keeps returning the config in effect,
// when the file does not parse or validate, when a [ReloadCheck] refuses it,
// or when it only touches settings that need a restart.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	checks   []ReloadCheck

	mu      sync.Mutex
	current *Config
	seen    fileState

	stop     chan struct{}
	stopOnce sync.Once
}

// fileState identifies one version of the file. mtime is the cheap filter,
// sum decides whether the content really changed.
type fileState struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithReloadCheck adds a check every reload must pass.
func WithReloadCheck(check ReloadCheck) WatcherOption {
	return func(w *Watcher) { w.checks = append(w.checks, check) }
}

// NewWatcher loads path and starts polling it in the background. The initial
// load must succeed; reload checks apply only to later edits.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.seen = st

	go w.poll()
	return w, nil
}

// Current returns the config in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. Idempotent.
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

// check runs on the poll goroutine only, so seen needs the lock just for
// Current's sake.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, st, err := w.read()
	if err != nil {
		// Remember the broken version so it is reported once, not every tick.
		w.markSeen(fileState{mtime: info.ModTime()})
		slog.Warn("config watcher: keeping current config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if st.sum == w.seen.sum {
		w.seen.mtime = st.mtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.mu.Unlock()

	if !w.accept(old, cfg) {
		w.markSeen(st)
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.seen = st
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)
	// Outside the lock: onChange may call Current.
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// accept decides whether cfg replaces old, logging why when it does not.
func (w *Watcher) accept(old, cfg *Config) bool {
	for _, check := range w.checks {
		if err := check(cfg); err != nil {
			slog.Warn("config watcher: reload rejected", "path", w.path, "err", err)
			return false
		}
	}
	d := Diff(old, cfg)
	if len(d.RestartOnly) > 0 {
		slog.Warn("config watcher: some changes need a restart", "path", w.path, "sections", d.RestartOnly)
	}
	if !d.LogLevelChanged && !d.ScenariosChanged {
		return false
	}
	return true
}

func (w *Watcher) markSeen(st fileState) {
	w.mu.Lock()
	w.seen = st
	w.mu.Unlock()
}

// read parses and validates the file and returns it with its state.
func (w *Watcher) read() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	st := fileState{mtime: info.ModTime(), sum: sha256.Sum256(data)}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, st, err
	}
	return cfg, st, nil
}
