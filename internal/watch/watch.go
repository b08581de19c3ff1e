// Package watch notices edits made to tracked files outside the stores, for
// example by an operator with a text editor, and hands them to the owning
// store so they get committed.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/schaermu/gitstore/internal/store"
)

// Target is a store whose tracked path is watched
type Target interface {
	Name() string
	Path() string
	Layout() store.Layout
	NotifyExternalChange(ctx context.Context) (bool, error)
}

// Watcher watches the working copies of its targets
type Watcher struct {
	fsw      *fsnotify.Watcher
	targets  []Target
	debounce time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

// New creates a watcher for targets. Events for one target are coalesced
// until debounce has passed without further events.
func New(targets []Target, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		fsw:      fsw,
		targets:  targets,
		debounce: debounce,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Run watches until ctx is cancelled. Pending debounced notifications are
// dropped on shutdown; the stores pick up the edits on the next start.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stop()

	for _, t := range w.targets {
		if err := w.addTarget(t); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

// addTarget watches the working copy root and every directory of the
// tracked path. Files are replaced by rename, so directories are watched
// rather than the files themselves.
func (w *Watcher) addTarget(t Target) error {
	if err := w.fsw.Add(t.Path()); err != nil {
		return fmt.Errorf("failed to watch %s: %w", t.Path(), err)
	}

	layout := t.Layout()
	dir := filepath.Join(t.Path(), filepath.FromSlash(layout.Path))
	if !layout.Dir {
		dir = filepath.Dir(dir)
	}
	return w.addTree(dir)
}

// addTree watches dir and its visible subdirectories. A missing dir is not
// an error; its creation shows up as an event on the parent.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	if event.Has(fsnotify.Create) {
		w.watchNewDir(event.Name)
	}
	for _, t := range w.targets {
		rel, ok := match(t, event.Name)
		if !ok {
			continue
		}
		w.logger.Debug("tracked file changed", "store", t.Name(), "path", rel, "op", event.Op.String())
		w.schedule(ctx, t)
		return
	}
}

// watchNewDir starts watching a directory created on or above a tracked path
func (w *Watcher) watchNewDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	for _, t := range w.targets {
		rel, err := filepath.Rel(t.Path(), path)
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)
		layout := t.Layout()
		onPath := strings.HasPrefix(layout.Path, rel+"/") ||
			(layout.Dir && (rel == layout.Path || strings.HasPrefix(rel, layout.Path+"/")))
		if !onPath {
			continue
		}
		if err := w.addTree(path); err != nil {
			w.logger.Warn("failed to watch new directory", "store", t.Name(), "error", err)
		}
		return
	}
}

// schedule (re)starts the debounce timer of t
func (w *Watcher) schedule(ctx context.Context, t Target) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[t.Name()]; ok && timer.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	w.timers[t.Name()] = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		if ctx.Err() != nil {
			return
		}
		changed, err := t.NotifyExternalChange(ctx)
		if err != nil {
			w.logger.Warn("failed to adopt external edit", "store", t.Name(), "error", err)
			return
		}
		if changed {
			w.logger.Info("external edit adopted", "store", t.Name())
		}
	})
}

func (w *Watcher) stop() {
	w.mu.Lock()
	for name, timer := range w.timers {
		if timer.Stop() {
			w.wg.Done()
		}
		delete(w.timers, name)
	}
	w.mu.Unlock()

	if err := w.fsw.Close(); err != nil {
		w.logger.Warn("failed to close file watcher", "error", err)
	}
	w.wg.Wait()
}

// match reports whether path lies on the tracked path of t, and returns it
// relative to the working copy. Hidden components such as .git or temp files
// never match.
func match(t Target, path string) (string, bool) {
	rel, err := filepath.Rel(t.Path(), path)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return "", false
		}
	}

	layout := t.Layout()
	if rel == layout.Path || layout.Owns(rel) {
		return rel, true
	}
	return "", false
}
