package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher emits debounced batches of document changes under one root.
type Watcher struct {
	opts      Options
	fs        *fsnotify.Watcher
	debouncer *Debouncer
	events    chan []FileEvent
	errors    chan error
	stopCh    chan struct{}
	root      string

	mu      sync.RWMutex
	stopped bool
	dropped atomic.Uint64
}

// New returns a watcher. fsnotify is used unless it cannot be initialised
// or opts.ForcePolling is set.
func New(opts Options) (*Watcher, error) {
	opts = opts.WithDefaults()
	w := &Watcher{
		opts:      opts,
		debouncer: NewDebouncer(opts.DebounceWindow),
		events:    make(chan []FileEvent, opts.EventBufferSize),
		errors:    make(chan error, 10),
		stopCh:    make(chan struct{}),
	}
	if !opts.ForcePolling {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			slog.Warn("fsnotify_unavailable", slog.String("error", err.Error()))
		} else {
			w.fs = fsw
		}
	}
	return w, nil
}

// Mode returns "fsnotify" or "polling".
func (w *Watcher) Mode() string {
	if w.fs != nil {
		return "fsnotify"
	}
	return "polling"
}

// Start watches root until ctx ends or Stop is called. It blocks.
func (w *Watcher) Start(ctx context.Context, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve watch root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("watch root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch root %s is not a directory", abs)
	}
	w.mu.Lock()
	w.root = abs
	w.mu.Unlock()

	go w.forward()

	slog.Info("watcher_started", slog.String("root", abs), slog.String("mode", w.Mode()))
	if w.fs != nil {
		return w.runNotify(ctx)
	}
	return w.runPoll(ctx)
}

func (w *Watcher) runNotify(ctx context.Context) error {
	if err := w.addTree(w.root); err != nil {
		return fmt.Errorf("watch directories: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.emitError(err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !w.opts.SkipDir(rel) {
				if err := w.addTree(ev.Name); err != nil {
					w.emitError(err)
				}
				// Files written before the directory was watched.
				w.announceTree(ev.Name)
			}
			return
		}
	}
	if !w.opts.IsDocument(rel) {
		return
	}

	var op Operation
	switch {
	case ev.Op&fsnotify.Create != 0:
		op = OpCreate
	case ev.Op&fsnotify.Write != 0:
		op = OpModify
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		op = OpDelete
	default:
		return
	}
	w.debouncer.Add(FileEvent{Path: rel, Operation: op, Timestamp: time.Now()})
}

// addTree watches dir and every non-skipped directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(w.root, path)
		if w.opts.SkipDir(rel) {
			return filepath.SkipDir
		}
		return w.fs.Add(path)
	})
}

func (w *Watcher) announceTree(dir string) {
	for rel := range scanDocuments(w.root, dir, w.opts) {
		w.debouncer.Add(FileEvent{Path: rel, Operation: OpCreate, Timestamp: time.Now()})
	}
}

func (w *Watcher) runPoll(ctx context.Context) error {
	prev := scanDocuments(w.root, w.root, w.opts)
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case <-ticker.C:
			cur := scanDocuments(w.root, w.root, w.opts)
			for _, ev := range diffSnapshots(prev, cur, time.Now()) {
				w.debouncer.Add(ev)
			}
			prev = cur
		}
	}
}

type fileState struct {
	modTime time.Time
	size    int64
}

// scanDocuments returns the documents under dir keyed by path relative to root.
func scanDocuments(root, dir string, opts Options) map[string]fileState {
	files := make(map[string]fileState)
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if opts.SkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !opts.IsDocument(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files[rel] = fileState{modTime: info.ModTime(), size: info.Size()}
		return nil
	})
	return files
}

// diffSnapshots returns the events that turn prev into cur.
func diffSnapshots(prev, cur map[string]fileState, now time.Time) []FileEvent {
	var events []FileEvent
	for path, st := range cur {
		old, ok := prev[path]
		switch {
		case !ok:
			events = append(events, FileEvent{Path: path, Operation: OpCreate, Timestamp: now})
		case !old.modTime.Equal(st.modTime) || old.size != st.size:
			events = append(events, FileEvent{Path: path, Operation: OpModify, Timestamp: now})
		}
	}
	for path := range prev {
		if _, ok := cur[path]; !ok {
			events = append(events, FileEvent{Path: path, Operation: OpDelete, Timestamp: now})
		}
	}
	return events
}

func (w *Watcher) forward() {
	for batch := range w.debouncer.Output() {
		w.mu.RLock()
		if w.stopped {
			w.mu.RUnlock()
			return
		}
		select {
		case w.events <- batch:
		default:
			n := w.dropped.Add(1)
			slog.Warn("watch_batch_dropped",
				slog.Int("batch_size", len(batch)),
				slog.Uint64("total_dropped_batches", n))
		}
		w.mu.RUnlock()
	}
}

func (w *Watcher) emitError(err error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return
	}
	select {
	case w.errors <- err:
	default:
	}
}

// DroppedBatches returns how many batches were lost to a full buffer.
func (w *Watcher) DroppedBatches() uint64 {
	return w.dropped.Load()
}

// Events returns the channel of debounced batches. It closes on Stop.
func (w *Watcher) Events() <-chan []FileEvent {
	return w.events
}

// Errors returns non-fatal watch errors. It closes on Stop.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Stop releases the watcher. Safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.debouncer.Stop()
	if w.fs != nil {
		_ = w.fs.Close()
	}
	close(w.events)
	close(w.errors)
	return nil
}
