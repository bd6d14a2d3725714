// Package watcher provides the local change source for tether.
//
// It watches the sync root recursively with fsnotify, debounces the raw
// event stream so the create-temp/write/rename dance editors perform on save
// collapses into a single logical event per file, filters transient paths
// (swap files, OS metadata), and exposes a suppression mechanism the sync
// orchestrator uses to keep its own writes from re-entering the pipeline.
package watcher

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Op represents the type of local file operation after debouncing.
type Op int

const (
	// OpCreate indicates a new file appeared.
	OpCreate Op = iota
	// OpModify indicates an existing file's content changed.
	OpModify
	// OpDelete indicates a file was removed or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is one debounced local change, with Path relative to the sync root.
type Event struct {
	Path string
	Op   Op
}

// Config holds watcher tuning knobs.
type Config struct {
	// Debounce is how long a path must stay quiet before its pending
	// event flushes. Absorbs editor save sequences.
	Debounce time.Duration

	// IgnorePatterns are extra filepath.Match patterns (matched against
	// the base name) filtered in addition to the built-in transient set.
	IgnorePatterns []string

	// Logger for watcher activity. Defaults to stderr.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Debounce: 750 * time.Millisecond,
		Logger:   log.New(os.Stderr, "[watch] ", log.LstdFlags),
	}
}

type pendingChange struct {
	op     Op
	queued time.Time
}

// Watcher watches a sync root for debounced file changes.
type Watcher struct {
	root   string
	config Config

	fw      *fsnotify.Watcher
	batches chan []Event
	errs    chan error
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool

	pendingMu sync.Mutex
	pending   map[string]pendingChange // rel path -> pending event

	suppressMu sync.Mutex
	suppressed map[string]*suppression
}

type suppression struct {
	active int
	until  time.Time
}

// New creates a Watcher for the given sync root. The watcher must be
// started with Start() before it emits events.
func New(root string, config Config) (*Watcher, error) {
	if config.Debounce <= 0 {
		config.Debounce = DefaultConfig().Debounce
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sync root: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		root:       abs,
		config:     config,
		fw:         fw,
		batches:    make(chan []Event, 16),
		errs:       make(chan error, 10),
		done:       make(chan struct{}),
		pending:    make(map[string]pendingChange),
		suppressed: make(map[string]*suppression),
	}, nil
}

// Start begins watching the sync root and all its subdirectories.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	if err := w.addRecursive(w.root); err != nil {
		return err
	}

	w.running = true
	w.wg.Add(2)
	go w.processEvents()
	go w.flushLoop()

	return nil
}

// Stop stops watching and closes the event channels. It blocks until the
// background goroutines have exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.fw.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()

	close(w.batches)
	close(w.errs)
	return nil
}

// Batches returns the channel emitting debounced event batches.
// Closed when the watcher is stopped.
func (w *Watcher) Batches() <-chan []Event {
	return w.batches
}

// Errors returns the channel emitting watcher errors.
// Closed when the watcher is stopped.
func (w *Watcher) Errors() <-chan error {
	return w.errs
}

// Suppress drops events for the given root-relative path until the returned
// release function is called. Suppression lingers for one extra debounce
// window after release, because the filesystem event for a write can arrive
// after the write itself returns.
func (w *Watcher) Suppress(relPath string) func() {
	relPath = filepath.ToSlash(relPath)

	w.suppressMu.Lock()
	s, ok := w.suppressed[relPath]
	if !ok {
		s = &suppression{}
		w.suppressed[relPath] = s
	}
	s.active++
	w.suppressMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.suppressMu.Lock()
			defer w.suppressMu.Unlock()
			s.active--
			s.until = time.Now().Add(2 * w.config.Debounce)

			// Discard anything queued for the path while suppressed.
			w.pendingMu.Lock()
			delete(w.pending, relPath)
			w.pendingMu.Unlock()
		})
	}
}

// isSuppressed reports whether events for relPath should be dropped.
func (w *Watcher) isSuppressed(relPath string) bool {
	w.suppressMu.Lock()
	defer w.suppressMu.Unlock()

	s, ok := w.suppressed[relPath]
	if !ok {
		return false
	}
	if s.active > 0 {
		return true
	}
	if time.Now().Before(s.until) {
		return true
	}
	delete(w.suppressed, relPath)
	return false
}

// addRecursive adds dir and every subdirectory to the fsnotify watch set,
// skipping ignored directories.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.shouldIgnore(filepath.Base(path)) {
			return filepath.SkipDir
		}
		if err := w.fw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// processEvents converts raw fsnotify events into pending debounced changes.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			case <-w.done:
				return
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return // chmod and friends
	}

	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	rel = filepath.ToSlash(rel)

	if w.ignoredPath(rel) {
		return
	}

	// New directories need watches of their own, and their contents need
	// to be surfaced as creations (a move-into-root arrives as one event
	// for the directory only).
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				w.config.Logger.Printf("Warning: failed to watch new directory %s: %v", rel, err)
			}
			w.queueDirContents(event.Name)
			return
		}
	}

	if w.isSuppressed(rel) {
		return
	}

	var op Op
	switch {
	case event.Op.Has(fsnotify.Create):
		op = OpCreate
	case event.Op.Has(fsnotify.Write):
		op = OpModify
	default:
		// Remove and Rename both mean the path is gone; a rename target
		// produces its own Create event.
		op = OpDelete
	}

	w.queue(rel, op)
}

// queueDirContents queues a create event for every file under dir.
func (w *Watcher) queueDirContents(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(w.root, path)
		if rerr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if w.ignoredPath(rel) || w.isSuppressed(rel) {
			return nil
		}
		w.queue(rel, OpCreate)
		return nil
	})
}

// queue records a pending change for the path, merging with any change
// already queued inside the debounce window.
func (w *Watcher) queue(rel string, op Op) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	prev, ok := w.pending[rel]
	merged := pendingChange{op: op, queued: time.Now()}
	if ok {
		merged.op = mergeOps(prev.op, op)
	}
	w.pending[rel] = merged
}

// mergeOps collapses two operations on the same path into one logical event.
func mergeOps(first, second Op) Op {
	switch {
	case first == OpCreate:
		// The path was born in this window, so whatever follows it is
		// still a create from the outside. If it is gone again by flush
		// time the whole window was a temp file and flush drops it.
		return OpCreate
	case first == OpDelete && second == OpCreate:
		// Delete-then-create is how many editors replace a file on save.
		return OpModify
	case second == OpDelete:
		return OpDelete
	default:
		return OpModify
	}
}

// flushLoop periodically flushes pending changes whose debounce window has
// elapsed, emitting them as one batch.
func (w *Watcher) flushLoop() {
	defer w.wg.Done()

	interval := w.config.Debounce / 3
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if batch := w.flush(); len(batch) > 0 {
				select {
				case w.batches <- batch:
				case <-w.done:
					return
				}
			}
		}
	}
}

// flush collects pending changes older than the debounce window, verifying
// each against the filesystem so the final event matches reality.
func (w *Watcher) flush() []Event {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	now := time.Now()
	var batch []Event
	for rel, pc := range w.pending {
		if now.Sub(pc.queued) < w.config.Debounce {
			continue
		}
		delete(w.pending, rel)

		if w.isSuppressed(rel) {
			continue
		}

		abs := filepath.Join(w.root, filepath.FromSlash(rel))
		info, err := os.Stat(abs)
		switch {
		case err == nil && !info.IsDir():
			op := pc.op
			if op == OpDelete {
				op = OpModify // replaced in place after the delete
			}
			batch = append(batch, Event{Path: rel, Op: op})
		case os.IsNotExist(err):
			if pc.op != OpCreate {
				batch = append(batch, Event{Path: rel, Op: OpDelete})
			}
			// A create that vanished again was a temp file; drop it.
		}
	}
	return batch
}
