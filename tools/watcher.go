package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ManifestSource is the registry source name used for manifest tools.
const ManifestSource = "manifest"

// Watcher keeps a registry's manifest tools in sync with a directory.
type Watcher struct {
	dir      string
	reg      *Registry
	log      *slog.Logger
	debounce time.Duration
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger.
func WithWatcherLogger(log *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = log }
}

// WithDebounce coalesces bursts of file events. Defaults to 250ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher returns a Watcher loading dir into reg.
func NewWatcher(dir string, reg *Registry, opts ...WatcherOption) *Watcher {
	w := &Watcher{dir: dir, reg: reg, log: slog.Default(), debounce: 250 * time.Millisecond}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Reload loads the directory once and replaces the manifest tools. Files that
// fail to parse are skipped and logged.
func (w *Watcher) Reload(ctx context.Context) {
	defs, err := LoadManifests(w.dir)
	if err != nil {
		w.log.WarnContext(ctx, "tools.manifest.load.partial", slog.String("dir", w.dir), slog.String("err", err.Error()))
	}
	w.reg.Replace(ManifestSource, defs...)
	w.log.InfoContext(ctx, "tools.manifest.load.ok", slog.String("dir", w.dir), slog.Int("tools", len(defs)))
}

// Run loads the directory and then reloads on every change until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer func() {
		_ = fw.Close()
	}()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	w.Reload(ctx)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WarnContext(ctx, "tools.manifest.watch.fail", slog.String("err", err.Error()))
		case <-fire:
			fire = nil
			w.Reload(ctx)
		}
	}
}
