// Package watch bridges filesystem change notifications into the
// scheduler's AddOrUpdateFiles/DeleteFiles entry points, grounded on the
// teacher's core.Engine.WatchFile/watchConfig polling-and-notify pattern.
package watch

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/foundryhq/weft/internal/core"
)

// Watcher recursively watches a directory tree and serializes debounced
// change batches into the scheduler.
type Watcher struct {
	scheduler *core.Scheduler
	fsw       *fsnotify.Watcher
	debounce  time.Duration

	mu      sync.Mutex
	pending map[string]fsnotify.Op

	onDrainStart func()

	closeOnce sync.Once
	done      chan struct{}
}

// New constructs a Watcher over root, recursively adding every directory
// under it (skipping ignorePrefixes by relative path).
func New(scheduler *core.Scheduler, root string, debounce time.Duration, ignorePrefixes []string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify watcher: %w", err)
	}

	w := &Watcher{
		scheduler: scheduler,
		fsw:       fsw,
		debounce:  debounce,
		pending:   make(map[string]fsnotify.Op),
		done:      make(chan struct{}),
	}

	if debounce <= 0 {
		w.debounce = 200 * time.Millisecond
	}

	if err := w.addTree(root, ignorePrefixes); err != nil {
		fsw.Close()
		return nil, err
	}

	return w, nil
}

func (w *Watcher) addTree(root string, ignorePrefixes []string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr == nil {
			rel = filepath.ToSlash(rel)
			for _, prefix := range ignorePrefixes {
				if rel == prefix {
					return fs.SkipDir
				}
			}
		}

		return w.fsw.Add(path)
	})
}

// OnDrainStart registers a callback invoked immediately before each
// debounced batch is applied to the scheduler, e.g. to reset a per-drain
// cycle guard.
func (w *Watcher) OnDrainStart(fn func()) {
	w.onDrainStart = fn
}

// Run drains fsnotify events onto a debounce timer and applies each batch
// to the scheduler. Blocks until Close is called or the fsnotify channel
// closes.
func (w *Watcher) Run() error {
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-w.done:
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.mu.Lock()
			w.pending[event.Name] = event.Op
			w.mu.Unlock()

			if !armed {
				timer.Reset(w.debounce)
				armed = true
			}

		case <-timer.C:
			armed = false
			if err := w.flush(); err != nil {
				return err
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("fsnotify: %w", err)
		}
	}
}

func (w *Watcher) flush() error {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if w.onDrainStart != nil {
		w.onDrainStart()
	}

	var toAdd, toRemove []string
	for path, op := range batch {
		if op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			toRemove = append(toRemove, path)
		} else {
			toAdd = append(toAdd, path)
		}
	}

	if len(toRemove) > 0 {
		if err := w.scheduler.DeleteFiles(toRemove); err != nil {
			return fmt.Errorf("watch: delete files: %w", err)
		}
	}
	if len(toAdd) > 0 {
		if err := w.scheduler.AddOrUpdateFiles(toAdd); err != nil {
			return fmt.Errorf("watch: add/update files: %w", err)
		}
	}
	return nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	return w.fsw.Close()
}
