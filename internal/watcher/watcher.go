// Package watcher monitors a run's working directory and reports debounced
// file-count changes so clients can see workspace activity while an agent
// is working.
package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 500 * time.Millisecond

// excludedDirs are directories excluded from file counting and watching.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// UpdateCallback is called when the file count changes for a run.
type UpdateCallback func(runID string, fileCount int)

// Watcher monitors working directories for file changes, one watch per run.
type Watcher struct {
	mu       sync.Mutex
	watchers map[string]*runWatcher // runID → watcher
	callback UpdateCallback
	log      *slog.Logger
}

type runWatcher struct {
	runID     string
	workDir   string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	lastCount int
}

// New creates a workspace watcher. callback may be nil.
func New(callback UpdateCallback, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		watchers: make(map[string]*runWatcher),
		callback: callback,
		log:      log.With("component", "watcher"),
	}
}

// Watch starts watching workDir for the given run.
func (w *Watcher) Watch(runID, workDir string) error {
	info, err := os.Stat(workDir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory: %s", workDir)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	rw := &runWatcher{
		runID:     runID,
		workDir:   workDir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		lastCount: CountFiles(workDir),
	}

	if err := addDirsRecursive(fsW, workDir); err != nil {
		fsW.Close()
		return err
	}

	w.mu.Lock()
	w.watchers[runID] = rw
	w.mu.Unlock()

	go w.watchLoop(rw)
	return nil
}

// Unwatch stops watching a run's directory.
func (w *Watcher) Unwatch(runID string) {
	w.mu.Lock()
	rw, ok := w.watchers[runID]
	if ok {
		delete(w.watchers, runID)
	}
	w.mu.Unlock()

	if ok {
		close(rw.cancel)
		rw.fsWatcher.Close()
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(rw *runWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-rw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-rw.fsWatcher.Events:
			if !ok {
				return
			}

			// If a new directory is created, watch it too.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					base := filepath.Base(event.Name)
					if !excludedDirs[base] && !isHidden(base) {
						rw.fsWatcher.Add(event.Name)
					}
				}
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, func() {
				w.recount(rw)
			})

		case err, ok := <-rw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "run_id", rw.runID, "error", err)
		}
	}
}

// recount recalculates the file count and notifies if changed.
func (w *Watcher) recount(rw *runWatcher) {
	count := CountFiles(rw.workDir)
	if count != rw.lastCount {
		rw.lastCount = count
		if w.callback != nil {
			w.callback(rw.runID, count)
		}
	}
}

// CountFiles counts all non-excluded files in a directory.
func CountFiles(dir string) int {
	count := 0
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths.
		}

		name := d.Name()

		if d.IsDir() {
			if path != dir && (excludedDirs[name] || isHidden(name)) {
				return filepath.SkipDir
			}
			return nil
		}

		if isHidden(name) {
			return nil
		}

		count++
		return nil
	})
	return count
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify
// watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if path != dir && (excludedDirs[name] || isHidden(name)) {
			return filepath.SkipDir
		}

		return w.Add(path)
	})
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
