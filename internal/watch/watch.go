// Package watch reloads the app config when its file changes and hands the
// new settings to a callback, typically to swap the guard rules.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/portkill/internal/config"
	"github.com/loykin/portkill/internal/guard"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 150 * time.Millisecond

// ApplyFunc receives freshly loaded settings.
type ApplyFunc func(*config.Settings) error

// Watcher watches the directory holding the config file, so atomic
// replace-by-rename saves are seen too.
type Watcher struct {
	path     string
	apply    ApplyFunc
	log      *slog.Logger
	debounce time.Duration
	w        *fsnotify.Watcher
}

type Option func(*Watcher)

func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// New starts watching path. The file need not exist yet.
func New(path string, apply ApplyFunc, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	w := &Watcher{path: abs, apply: apply, log: slog.Default(), debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(w)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	w.w = fw
	return w, nil
}

// GuardRules returns an ApplyFunc that replaces g's rules with the ones in
// the reloaded settings.
func GuardRules(g *guard.Guard) ApplyFunc {
	return func(s *config.Settings) error {
		rules, err := guard.RulesFromSettings(s.Guard)
		if err != nil {
			return err
		}
		g.SetRules(rules)
		for _, t := range guard.WatchTargets(s.Guard) {
			g.Watch(t)
		}
		return nil
	}
}

// Run delivers reloads until ctx is cancelled. A file that fails to load
// is logged and the previous settings stay in effect.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.w.Close() }()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case err, ok := <-w.w.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", "error", err)

		case evt, ok := <-w.w.Events:
			if !ok {
				return nil
			}
			if !w.relevant(evt) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) relevant(evt fsnotify.Event) bool {
	if filepath.Clean(evt.Name) != w.path {
		return false
	}
	return evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *Watcher) reload() {
	s, err := config.Load(w.path)
	if err != nil {
		w.log.Warn("config reload failed, keeping previous settings", "path", w.path, "error", err)
		return
	}
	if err := w.apply(s); err != nil {
		w.log.Warn("config reload rejected", "path", w.path, "error", err)
		return
	}
	w.log.Info("config reloaded", "path", w.path)
}
