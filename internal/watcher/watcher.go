// Package watcher turns file saves under the work dir into coverage
// invalidation and, when enabled, a new test run.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rickchristie/govner/crunchwatch/internal/model"
)

// Invalidator drops stale coverage for a saved file
type Invalidator interface {
	InvalidateFile(path string) int
}

// Runner starts a test run
type Runner interface {
	Run() (string, error)
}

// Options configures a Watcher
type Options struct {
	Root       string
	Extensions []string // Empty means every file
	IgnoreDirs []string // Directory base names that are not descended into
	AutoRun    bool
	Debounce   time.Duration
	Clock      clockwork.Clock
	Logger     *zerolog.Logger
}

// Watcher watches a directory tree for saved files
type Watcher struct {
	opts   Options
	store  Invalidator
	runner Runner
	clock  clockwork.Clock
	log    zerolog.Logger
	fsw    *fsnotify.Watcher

	exts    map[string]bool
	ignore  map[string]bool
	autoRun atomic.Bool
}

// New creates a watcher and registers every directory under opts.Root
func New(opts Options, store Invalidator, runner Runner) (*Watcher, error) {
	w := &Watcher{
		opts:   opts,
		store:  store,
		runner: runner,
		clock:  opts.Clock,
		exts:   make(map[string]bool),
		ignore: make(map[string]bool),
	}
	w.autoRun.Store(opts.AutoRun)
	if w.clock == nil {
		w.clock = clockwork.NewRealClock()
	}
	if w.opts.Debounce <= 0 {
		w.opts.Debounce = 200 * time.Millisecond
	}
	if opts.Logger != nil {
		w.log = *opts.Logger
	} else {
		w.log = log.Logger.With().Str("component", "watcher").Logger()
	}
	for _, ext := range opts.Extensions {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		w.exts[strings.ToLower(ext)] = true
	}
	for _, dir := range opts.IgnoreDirs {
		w.ignore[dir] = true
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w.fsw = fsw

	root := opts.Root
	if root == "" {
		root = "."
	}
	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Close releases the underlying file watcher. Run returns once it is closed.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// WatchList returns the watched directories, sorted
func (w *Watcher) WatchList() []string {
	list := w.fsw.WatchList()
	sort.Strings(list)
	return list
}

// Run processes file events until ctx is done or the watcher is closed.
// Saves are collected for the debounce window, then handled together.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	pending := make(map[string]struct{})
	var timer clockwork.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						w.log.Warn().Err(err).Str("dir", ev.Name).Msg("Failed to watch new directory")
					}
					continue
				}
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if !w.Matches(ev.Name) {
				continue
			}

			pending[ev.Name] = struct{}{}
			if timer == nil {
				timer = w.clock.NewTimer(w.opts.Debounce)
				timerC = timer.Chan()
			} else {
				timer.Reset(w.opts.Debounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("File watcher error")

		case <-timerC:
			timer, timerC = nil, nil
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			pending = make(map[string]struct{})
			sort.Strings(paths)
			w.handle(paths)
		}
	}
}

// AutoRun reports whether saves start a test run
func (w *Watcher) AutoRun() bool {
	return w.autoRun.Load()
}

// SetAutoRun turns running tests after every save on or off
func (w *Watcher) SetAutoRun(enabled bool) {
	if w.autoRun.Swap(enabled) != enabled {
		w.log.Info().Bool("autoRun", enabled).Msg("Auto run toggled")
	}
}

// Saved handles a save reported by an editor rather than the file system
func (w *Watcher) Saved(path string) {
	w.handle([]string{path})
}

// Matches reports whether path has a watched extension and does not lie in
// an ignored directory.
func (w *Watcher) Matches(path string) bool {
	if len(w.exts) > 0 && !w.exts[strings.ToLower(filepath.Ext(path))] {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(filepath.Dir(path)), "/") {
		if w.ignore[part] {
			return false
		}
	}
	return true
}

func (w *Watcher) handle(paths []string) {
	for _, p := range paths {
		n := w.store.InvalidateFile(p)
		w.log.Info().Str("file", model.NormalizePath(p)).Int("results", n).Msg("File saved")
	}
	if !w.autoRun.Load() || w.runner == nil || len(paths) == 0 {
		return
	}

	runID, err := w.runner.Run()
	if err != nil {
		w.log.Error().Err(err).Msg("Auto run failed")
		return
	}
	w.log.Info().Str("runID", runID).Msg("Auto run started")
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return fmt.Errorf("failed to walk %s: %w", root, err)
			}
			w.log.Debug().Err(err).Str("path", path).Msg("Skipping unreadable path")
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignore[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}
